package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/atendebem/go-atende/internal/apperror"
	"github.com/atendebem/go-atende/internal/infrastructure/postgres"
	"github.com/atendebem/go-atende/internal/infrastructure/redpanda"
	"github.com/atendebem/go-atende/internal/tiss"
)

const guideColumns = `id, tenant_id, number, guide_type, insurer_ans, data, total_cents,
	COALESCE(submission_id::text, ''), created_by, created_at`

const submissionColumns = `id, tenant_id, number, lot_number, insurer_ans, provider_code, xml,
	content_hash, guide_count, total_cents, guide_ids, valid, validation_errors, created_by, created_at,
	transmission_status, transmission_method, protocol, transmission_error, transmitted_at`

// PGRepository stores guides and submissions in PostgreSQL.
type PGRepository struct {
	db     postgres.TxStarter
	tracer trace.Tracer
}

func NewPGRepository(db postgres.TxStarter) *PGRepository {
	return &PGRepository{db: db, tracer: otel.Tracer("billing-repo")}
}

func (r *PGRepository) CreateGuide(ctx context.Context, g *GuideRecord) error {
	data, err := json.Marshal(g.Guide)
	if err != nil {
		return fmt.Errorf("marshal guide: %w", err)
	}
	return postgres.InTenantTx(ctx, r.db, g.TenantID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO tiss_guides (id, tenant_id, number, guide_type, insurer_ans, data, total_cents, created_by, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			g.ID, g.TenantID, g.Number, string(g.Type), g.InsurerANS, data, int64(g.Total), g.CreatedBy, g.CreatedAt)
		if err != nil {
			if postgres.IsUniqueViolation(err, "") {
				return apperror.Conflict("billing.CreateGuide", "guide number "+g.Number+" already issued")
			}
			return fmt.Errorf("insert guide: %w", err)
		}
		return nil
	})
}

func (r *PGRepository) GetGuide(ctx context.Context, tenantID, id string) (*GuideRecord, error) {
	list, err := r.GetGuides(ctx, tenantID, []string{id})
	if err != nil {
		return nil, err
	}
	return list[0], nil
}

func (r *PGRepository) GetGuides(ctx context.Context, tenantID string, ids []string) ([]*GuideRecord, error) {
	found := make(map[string]*GuideRecord, len(ids))
	err := postgres.InTenantTx(ctx, r.db, tenantID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT `+guideColumns+`
			FROM tiss_guides
			WHERE tenant_id = $1 AND id::text = ANY($2)`, tenantID, ids)
		if err != nil {
			return fmt.Errorf("query guides: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				g     GuideRecord
				gtype string
				data  []byte
				total int64
			)
			if err := rows.Scan(&g.ID, &g.TenantID, &g.Number, &gtype, &g.InsurerANS, &data, &total, &g.SubmissionID, &g.CreatedBy, &g.CreatedAt); err != nil {
				return fmt.Errorf("scan guide: %w", err)
			}
			if err := json.Unmarshal(data, &g.Guide); err != nil {
				return fmt.Errorf("decode guide %s: %w", g.ID, err)
			}
			g.Type = tiss.GuideType(gtype)
			g.Total = tiss.Money(total)
			found[g.ID] = &g
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	out := make([]*GuideRecord, len(ids))
	for i, id := range ids {
		g, ok := found[id]
		if !ok {
			return nil, apperror.NotFound("billing.GetGuides", "guide "+id)
		}
		out[i] = g
	}
	return out, nil
}

func (r *PGRepository) CreateSubmission(ctx context.Context, s *Submission) error {
	ctx, span := r.tracer.Start(ctx, "submission_create",
		trace.WithAttributes(
			attribute.String("submission_id", s.ID),
			attribute.Int("guide_count", s.GuideCount),
		))
	defer span.End()

	guideIDs, err := json.Marshal(s.GuideIDs)
	if err != nil {
		return err
	}
	validationErrors, err := json.Marshal(s.Errors)
	if err != nil {
		return err
	}

	err = postgres.InTenantTx(ctx, r.db, s.TenantID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO tiss_submissions (`+submissionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, '', '', '', NULL)`,
			s.ID, s.TenantID, s.Number, s.LotNumber, s.InsurerANS, s.ProviderCode, s.XML,
			s.Hash, s.GuideCount, int64(s.Total), guideIDs, s.Valid, validationErrors, s.CreatedBy, s.CreatedAt,
			string(s.Status))
		if err != nil {
			return fmt.Errorf("insert submission: %w", err)
		}

		// An invalid lot is kept for the record but leaves its guides free
		// for a corrected submission.
		if !s.Valid {
			return nil
		}

		tag, err := tx.Exec(ctx, `
			UPDATE tiss_guides SET submission_id = $1
			WHERE tenant_id = $2 AND id::text = ANY($3) AND submission_id IS NULL`,
			s.ID, s.TenantID, s.GuideIDs)
		if err != nil {
			return fmt.Errorf("link guides: %w", err)
		}
		if tag.RowsAffected() != int64(len(s.GuideIDs)) {
			return apperror.Conflict("billing.CreateSubmission", "a guide was submitted concurrently")
		}

		entry, err := postgres.NewEntry(s.TenantID, EntitySubmission, s.ID, "SubmissionCreated", redpanda.TopicTISSSubmissions, TransmissionRequest{
			TenantID:     s.TenantID,
			SubmissionID: s.ID,
			InsurerANS:   s.InsurerANS,
			LotNumber:    s.LotNumber,
			Hash:         s.Hash,
		})
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

func (r *PGRepository) GetSubmission(ctx context.Context, tenantID, id string) (*Submission, error) {
	var s *Submission
	err := postgres.InTenantTx(ctx, r.db, tenantID, func(tx pgx.Tx) error {
		var (
			sub              Submission
			total            int64
			guideIDs         []byte
			validationErrors []byte
			status           string
		)
		err := tx.QueryRow(ctx, `
			SELECT `+submissionColumns+`
			FROM tiss_submissions
			WHERE tenant_id = $1 AND id = $2`, tenantID, id,
		).Scan(
			&sub.ID, &sub.TenantID, &sub.Number, &sub.LotNumber, &sub.InsurerANS, &sub.ProviderCode, &sub.XML,
			&sub.Hash, &sub.GuideCount, &total, &guideIDs, &sub.Valid, &validationErrors, &sub.CreatedBy, &sub.CreatedAt,
			&status, &sub.Method, &sub.Protocol, &sub.Error, &sub.TransmittedAt,
		)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperror.NotFound("billing.GetSubmission", "submission")
		}
		if err != nil {
			return fmt.Errorf("query submission: %w", err)
		}
		if err := json.Unmarshal(guideIDs, &sub.GuideIDs); err != nil {
			return fmt.Errorf("decode guide ids: %w", err)
		}
		if len(validationErrors) > 0 {
			if err := json.Unmarshal(validationErrors, &sub.Errors); err != nil {
				return fmt.Errorf("decode validation errors: %w", err)
			}
		}
		sub.Total = tiss.Money(total)
		sub.Status = TransmissionStatus(status)
		s = &sub
		return nil
	})
	return s, err
}

func (r *PGRepository) UpdateTransmission(ctx context.Context, tenantID, id string, t Transmission) error {
	return postgres.InTenantTx(ctx, r.db, tenantID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE tiss_submissions
			SET transmission_status = $1, transmission_method = $2, protocol = $3,
			    transmission_error = $4, transmitted_at = $5
			WHERE tenant_id = $6 AND id = $7`,
			string(t.Status), t.Method, t.Protocol, t.Error, t.TransmittedAt, tenantID, id)
		if err != nil {
			return fmt.Errorf("update transmission: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return apperror.NotFound("billing.UpdateTransmission", "submission")
		}
		return nil
	})
}
