package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/atendebem/go-atende/internal/infrastructure/postgres"
	"github.com/atendebem/go-atende/internal/infrastructure/redpanda"
)

// PGRecorder stores entries in audit_log and mirrors each one to the audit
// topic through the outbox, in the same transaction.
type PGRecorder struct {
	db     postgres.TxStarter
	tracer trace.Tracer
}

func NewPGRecorder(db postgres.TxStarter) *PGRecorder {
	return &PGRecorder{db: db, tracer: otel.Tracer("audit")}
}

func (r *PGRecorder) Record(ctx context.Context, e Entry) error {
	ctx, span := r.tracer.Start(ctx, "audit_record",
		trace.WithAttributes(
			attribute.String("entity_type", e.EntityType),
			attribute.String("action", e.Action),
		))
	defer span.End()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}

	err = postgres.InTenantTx(ctx, r.db, e.TenantID, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO audit_log (id, tenant_id, actor_id, entity_type, entity_id, action, details)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING created_at`,
			e.ID, e.TenantID, e.ActorID, e.EntityType, e.EntityID, e.Action, details,
		).Scan(&e.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert audit entry: %w", err)
		}

		entry, err := postgres.NewEntry(e.TenantID, e.EntityType, e.EntityID, "audit."+e.Action, redpanda.TopicAuditTrail, e)
		if err != nil {
			return err
		}
		return postgres.WriteEntry(ctx, tx, entry)
	})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (r *PGRecorder) List(ctx context.Context, tenantID, entityType, entityID string) ([]Entry, error) {
	var out []Entry
	err := postgres.InTenantTx(ctx, r.db, tenantID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, tenant_id, actor_id, entity_type, entity_id, action, details, created_at
			FROM audit_log
			WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3
			ORDER BY created_at, id`,
			tenantID, entityType, entityID)
		if err != nil {
			return fmt.Errorf("query audit log: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				e       Entry
				details []byte
			)
			if err := rows.Scan(&e.ID, &e.TenantID, &e.ActorID, &e.EntityType, &e.EntityID, &e.Action, &details, &e.CreatedAt); err != nil {
				return fmt.Errorf("scan audit entry: %w", err)
			}
			if len(details) > 0 {
				if err := json.Unmarshal(details, &e.Details); err != nil {
					return fmt.Errorf("decode audit details: %w", err)
				}
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	return out, err
}
