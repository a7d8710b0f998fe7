package prescription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/atendebem/go-atende/internal/apperror"
	"github.com/atendebem/go-atende/internal/auth"
	"github.com/atendebem/go-atende/internal/infrastructure/postgres"
	"github.com/atendebem/go-atende/internal/infrastructure/redpanda"
)

const tokenConstraint = "prescriptions_validation_token_key"

const prescriptionColumns = `id, tenant_id, patient_id, prescriber_id, clinical_indication,
	issued_at, validity_days, valid_until, status, is_controlled, controlled_category,
	requires_notification, validation_token, renewed_from, signature, revoked_at,
	revocation_reason, version, created_at, updated_at`

// PGRepository stores prescriptions in PostgreSQL. Every scoped statement
// runs inside a tenant transaction so row level security applies.
type PGRepository struct {
	db     postgres.DB
	logger *zap.Logger
	tracer trace.Tracer
}

func NewPGRepository(db postgres.DB, logger *zap.Logger) *PGRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PGRepository{db: db, logger: logger, tracer: otel.Tracer("prescription-repo")}
}

func (r *PGRepository) Create(ctx context.Context, p *Prescription) error {
	ctx, span := r.tracer.Start(ctx, "prescription_create",
		trace.WithAttributes(attribute.String("prescription_id", p.ID)))
	defer span.End()

	err := postgres.InTenantTx(ctx, r.db, p.TenantID, func(tx pgx.Tx) error {
		var renewedFrom *string
		if p.RenewedFrom != "" {
			renewedFrom = &p.RenewedFrom
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO prescriptions (`+prescriptionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NULL, NULL, '', $15, $16, $17)`,
			p.ID, p.TenantID, p.PatientID, p.PrescriberID, p.ClinicalIndication,
			p.IssuedAt, p.ValidityDays, p.ValidUntil, p.Status, p.IsControlled, p.ControlledCategory,
			p.RequiresNotification, p.ValidationToken, renewedFrom,
			p.Version, p.CreatedAt, p.UpdatedAt,
		)
		if err != nil {
			if postgres.IsUniqueViolation(err, tokenConstraint) {
				return ErrDuplicateToken
			}
			return fmt.Errorf("insert prescription: %w", err)
		}

		batch := &pgx.Batch{}
		for i, m := range p.Medications {
			batch.Queue(`
				INSERT INTO prescription_items
					(prescription_id, tenant_id, position, name, dosage, frequency, duration, quantity, instructions, warnings)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
				p.ID, p.TenantID, i, m.Name, m.Dosage, m.Frequency, m.Duration, string(m.Quantity), m.Instructions, m.Warnings)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert prescription items: %w", err)
		}

		return writeEvents(ctx, tx, p)
	})
	if err != nil {
		span.RecordError(err)
		return err
	}
	p.ClearChanges()
	return nil
}

func (r *PGRepository) Update(ctx context.Context, p *Prescription) error {
	if len(p.Changes()) == 0 {
		return nil
	}
	ctx, span := r.tracer.Start(ctx, "prescription_update",
		trace.WithAttributes(
			attribute.String("prescription_id", p.ID),
			attribute.Int("expected_version", p.PersistedVersion()),
		))
	defer span.End()

	var signature []byte
	if p.Signature != nil {
		var err error
		if signature, err = json.Marshal(p.Signature); err != nil {
			return fmt.Errorf("marshal signature: %w", err)
		}
	}

	err := postgres.InTenantTx(ctx, r.db, p.TenantID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE prescriptions
			SET status = $1, signature = $2, revoked_at = $3, revocation_reason = $4,
			    version = $5, updated_at = $6
			WHERE id = $7 AND tenant_id = $8 AND version = $9`,
			p.Status, signature, p.RevokedAt, p.RevocationReason,
			p.Version, p.UpdatedAt,
			p.ID, p.TenantID, p.PersistedVersion(),
		)
		if err != nil {
			return fmt.Errorf("update prescription: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return apperror.Conflict("prescription.Update", "prescription was modified concurrently")
		}
		return writeEvents(ctx, tx, p)
	})
	if err != nil {
		span.RecordError(err)
		return err
	}
	p.ClearChanges()
	return nil
}

func writeEvents(ctx context.Context, tx pgx.Tx, p *Prescription) error {
	for _, event := range p.Changes() {
		entry, err := postgres.NewEntry(p.TenantID, AggregateType, p.ID, string(event.EventType), redpanda.TopicPrescriptionEvents, event)
		if err != nil {
			return err
		}
		if err := postgres.WriteEntry(ctx, tx, entry); err != nil {
			return err
		}
	}
	return nil
}

func (r *PGRepository) Get(ctx context.Context, scope auth.Scope, id string) (*Prescription, error) {
	var out *Prescription
	err := postgres.InTenantTx(ctx, r.db, scope.TenantID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT `+prescriptionColumns+`
			FROM prescriptions
			WHERE id = $1 AND tenant_id = $2 AND prescriber_id = $3`,
			id, scope.TenantID, scope.UserID)
		if err != nil {
			return fmt.Errorf("query prescription: %w", err)
		}
		list, err := collectPrescriptions(rows)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			return apperror.NotFound("prescription.Get", "prescription")
		}
		if err := loadItems(ctx, tx, list); err != nil {
			return err
		}
		out = list[0]
		return nil
	})
	return out, err
}

func (r *PGRepository) List(ctx context.Context, scope auth.Scope, f Filter) ([]*Prescription, error) {
	f = f.Normalize()

	where := []string{"tenant_id = $1", "prescriber_id = $2"}
	args := []interface{}{scope.TenantID, scope.UserID}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.PatientID != "" {
		args = append(args, f.PatientID)
		where = append(where, fmt.Sprintf("patient_id = $%d", len(args)))
	}
	args = append(args, f.Limit, f.Offset)
	query := fmt.Sprintf(`
		SELECT %s
		FROM prescriptions
		WHERE %s
		ORDER BY issued_at DESC, id
		LIMIT $%d OFFSET $%d`,
		prescriptionColumns, strings.Join(where, " AND "), len(args)-1, len(args))

	var out []*Prescription
	err := postgres.InTenantTx(ctx, r.db, scope.TenantID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("list prescriptions: %w", err)
		}
		list, err := collectPrescriptions(rows)
		if err != nil {
			return err
		}
		if err := loadItems(ctx, tx, list); err != nil {
			return err
		}
		out = list
		return nil
	})
	return out, err
}

// GetByToken reads outside any tenant transaction. The public lookup role
// is the only one granted this path around row level security.
func (r *PGRepository) GetByToken(ctx context.Context, token string) (*Prescription, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+prescriptionColumns+`
		FROM prescriptions
		WHERE validation_token = $1`, token)
	if err != nil {
		return nil, fmt.Errorf("query prescription by token: %w", err)
	}
	list, err := collectPrescriptions(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, apperror.NotFound("prescription.GetByToken", "prescription")
	}
	if err := loadItems(ctx, r.db, list); err != nil {
		return nil, err
	}
	return list[0], nil
}

func collectPrescriptions(rows pgx.Rows) ([]*Prescription, error) {
	defer rows.Close()

	var out []*Prescription
	for rows.Next() {
		var (
			p           Prescription
			renewedFrom *string
			signature   []byte
		)
		err := rows.Scan(
			&p.ID, &p.TenantID, &p.PatientID, &p.PrescriberID, &p.ClinicalIndication,
			&p.IssuedAt, &p.ValidityDays, &p.ValidUntil, &p.Status, &p.IsControlled, &p.ControlledCategory,
			&p.RequiresNotification, &p.ValidationToken, &renewedFrom, &signature, &p.RevokedAt,
			&p.RevocationReason, &p.Version, &p.CreatedAt, &p.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan prescription: %w", err)
		}
		if renewedFrom != nil {
			p.RenewedFrom = *renewedFrom
		}
		if len(signature) > 0 {
			p.Signature = &SignatureEvidence{}
			if err := json.Unmarshal(signature, p.Signature); err != nil {
				return nil, fmt.Errorf("decode signature: %w", err)
			}
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func loadItems(ctx context.Context, q postgres.Queryable, list []*Prescription) error {
	if len(list) == 0 {
		return nil
	}
	ids := make([]string, len(list))
	byID := make(map[string]*Prescription, len(list))
	for i, p := range list {
		ids[i] = p.ID
		byID[p.ID] = p
	}

	rows, err := q.Query(ctx, `
		SELECT prescription_id, name, dosage, frequency, duration, quantity, instructions, warnings
		FROM prescription_items
		WHERE prescription_id = ANY($1)
		ORDER BY prescription_id, position`, ids)
	if err != nil {
		return fmt.Errorf("query prescription items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id  string
			qty string
			m   MedicationLine
		)
		if err := rows.Scan(&id, &m.Name, &m.Dosage, &m.Frequency, &m.Duration, &qty, &m.Instructions, &m.Warnings); err != nil {
			return fmt.Errorf("scan prescription item: %w", err)
		}
		m.Quantity = Quantity(qty)
		if p, ok := byID[id]; ok {
			p.Medications = append(p.Medications, m)
		}
	}
	return rows.Err()
}

// PGDirectory reads patients and prescribers from the practice tables.
type PGDirectory struct {
	db postgres.DB
}

func NewPGDirectory(db postgres.DB) *PGDirectory {
	return &PGDirectory{db: db}
}

func (d *PGDirectory) Patient(ctx context.Context, tenantID, id string) (*Patient, error) {
	var p Patient
	err := d.db.QueryRow(ctx, `
		SELECT id, name, COALESCE(cpf, '')
		FROM patients
		WHERE tenant_id = $1 AND id = $2`, tenantID, id,
	).Scan(&p.ID, &p.Name, &p.CPF)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NotFound("directory.Patient", "patient")
	}
	if err != nil {
		return nil, fmt.Errorf("query patient: %w", err)
	}
	return &p, nil
}

func (d *PGDirectory) Prescriber(ctx context.Context, tenantID, id string) (*Prescriber, error) {
	var p Prescriber
	err := d.db.QueryRow(ctx, `
		SELECT id, name, COALESCE(council, 'CRM'), COALESCE(council_number, ''),
		       COALESCE(council_uf, ''), COALESCE(specialty, '')
		FROM users
		WHERE tenant_id = $1 AND id = $2`, tenantID, id,
	).Scan(&p.ID, &p.Name, &p.Council, &p.CouncilNumber, &p.UF, &p.Specialty)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NotFound("directory.Prescriber", "prescriber")
	}
	if err != nil {
		return nil, fmt.Errorf("query prescriber: %w", err)
	}
	return &p, nil
}
