package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/atendebem/go-atende/internal/apperror"
	"github.com/atendebem/go-atende/internal/audit"
	"github.com/atendebem/go-atende/internal/auth"
	"github.com/atendebem/go-atende/internal/observability/metrics"
	"github.com/atendebem/go-atende/internal/tiss"
)

// SubmissionInput selects the guides of one lot.
type SubmissionInput struct {
	GuideIDs   []string `json:"guide_ids"`
	InsurerANS string   `json:"insurer_ans"`
	// ProviderCode defaults to the contractor code of the first guide.
	ProviderCode string `json:"provider_code,omitempty"`
}

// Service owns guide issuance and submission assembly.
type Service struct {
	repo    Repository
	seq     Sequencer
	audit   audit.Recorder
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewService(repo Repository, seq Sequencer, rec audit.Recorder, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		seq:    seq,
		audit:  rec,
		logger: zap.NewNop(),
		tracer: otel.Tracer("billing-service"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IssueGuide validates the guide, numbers it from the tenant's guide
// sequence and stores it with its total.
func (s *Service) IssueGuide(ctx context.Context, scope auth.Scope, g tiss.Guide) (*GuideRecord, error) {
	const op = "billing.IssueGuide"
	ctx, span := s.tracer.Start(ctx, op, trace.WithAttributes(attribute.String("guide_type", string(g.Type))))
	defer span.End()

	if err := scope.Validate(); err != nil {
		return nil, apperror.Unauthenticated(op)
	}

	now := s.now().UTC()
	if g.IssueDate.IsZero() {
		g.IssueDate = now
	}
	// The number is assigned after validation so rejected input does not
	// consume one.
	g.Number = "pending"
	if err := g.Validate(); err != nil {
		return nil, validationError(op, err)
	}

	n, err := s.seq.Next(ctx, scope.TenantID, SeqGuide)
	if err != nil {
		span.RecordError(err)
		return nil, apperror.Internal(op, err)
	}
	g.Number = formatNumber(n)

	rec := &GuideRecord{
		ID:         uuid.New().String(),
		TenantID:   scope.TenantID,
		Number:     g.Number,
		Type:       g.Type,
		InsurerANS: g.RegistroANS,
		Guide:      g,
		Total:      g.Total(),
		CreatedBy:  scope.UserID,
		CreatedAt:  now,
	}
	if err := s.repo.CreateGuide(ctx, rec); err != nil {
		span.RecordError(err)
		return nil, wrapInternal(op, err)
	}

	s.metrics.GuideIssued(string(g.Type))
	s.record(ctx, scope, EntityGuide, rec.ID, audit.ActionGuideIssued, map[string]interface{}{
		"number": rec.Number,
		"type":   string(rec.Type),
		"total":  rec.Total.String(),
	})
	return rec, nil
}

func (s *Service) GetGuide(ctx context.Context, scope auth.Scope, id string) (*GuideRecord, error) {
	const op = "billing.GetGuide"
	if err := scope.Validate(); err != nil {
		return nil, apperror.Unauthenticated(op)
	}
	if !isID(id) {
		return nil, apperror.NotFound(op, "guide")
	}
	g, err := s.repo.GetGuide(ctx, scope.TenantID, id)
	if err != nil {
		return nil, wrapInternal(op, err)
	}
	return g, nil
}

// RenderGuide returns the XML fragment of one stored guide.
func (s *Service) RenderGuide(ctx context.Context, scope auth.Scope, id string) ([]byte, error) {
	const op = "billing.RenderGuide"
	g, err := s.GetGuide(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	out, err := tiss.BuildGuideXML(g.Guide)
	if err != nil {
		return nil, validationError(op, err)
	}
	return out, nil
}

// CreateSubmission assembles a lot from issued guides of one insurer. The
// submission is stored even when the validator rejects it, so the errors
// can be inspected; only valid submissions are queued for transmission.
func (s *Service) CreateSubmission(ctx context.Context, scope auth.Scope, in SubmissionInput) (*Submission, error) {
	const op = "billing.CreateSubmission"
	ctx, span := s.tracer.Start(ctx, op, trace.WithAttributes(attribute.Int("guide_count", len(in.GuideIDs))))
	defer span.End()

	if err := scope.Validate(); err != nil {
		return nil, apperror.Unauthenticated(op)
	}
	if len(in.GuideIDs) == 0 {
		return nil, apperror.Validation(op, "guide_ids", "at least one guide is required")
	}
	if in.InsurerANS == "" {
		return nil, apperror.Validation(op, "insurer_ans", "is required")
	}
	seen := make(map[string]struct{}, len(in.GuideIDs))
	for _, id := range in.GuideIDs {
		if _, dup := seen[id]; dup {
			return nil, apperror.Validation(op, "guide_ids", "guide "+id+" listed twice")
		}
		seen[id] = struct{}{}
	}

	records, err := s.repo.GetGuides(ctx, scope.TenantID, in.GuideIDs)
	if err != nil {
		return nil, wrapInternal(op, err)
	}
	guides := make([]tiss.Guide, len(records))
	for i, r := range records {
		if r.InsurerANS != in.InsurerANS {
			return nil, apperror.Validation(op, "guide_ids", fmt.Sprintf("guide %s belongs to insurer %s", r.Number, r.InsurerANS))
		}
		if r.SubmissionID != "" {
			return nil, apperror.Conflict(op, "guide "+r.Number+" is already in a submission")
		}
		if !r.Type.Renderable() {
			return nil, apperror.Validation(op, "guide_ids", "unsupported guide type "+string(r.Type))
		}
		guides[i] = r.Guide
	}

	providerCode := in.ProviderCode
	if providerCode == "" {
		providerCode = guides[0].Contractor.OperatorCode
	}

	lot, err := s.seq.Next(ctx, scope.TenantID, SeqLot)
	if err != nil {
		return nil, apperror.Internal(op, err)
	}
	txSeq, err := s.seq.Next(ctx, scope.TenantID, SeqTransaction)
	if err != nil {
		return nil, apperror.Internal(op, err)
	}

	now := s.now().UTC()
	built, err := tiss.BuildSubmissionXML(tiss.SubmissionHeader{
		TransactionSequence: txSeq,
		LotNumber:           lot,
		ProviderCode:        providerCode,
		RegistroANS:         in.InsurerANS,
		Timestamp:           now,
	}, guides)
	if err != nil {
		return nil, validationError(op, err)
	}
	result := tiss.Validate(built.XML)

	sub := &Submission{
		ID:           uuid.New().String(),
		TenantID:     scope.TenantID,
		Number:       formatNumber(txSeq),
		LotNumber:    lot,
		InsurerANS:   in.InsurerANS,
		ProviderCode: providerCode,
		XML:          built.XML,
		Hash:         built.Hash,
		GuideCount:   built.GuideCount,
		Total:        built.Total,
		GuideIDs:     append([]string(nil), in.GuideIDs...),
		Valid:        result.Valid,
		Errors:       result.Errors,
		CreatedBy:    scope.UserID,
		CreatedAt:    now,
		Transmission: Transmission{Status: TransmissionPending},
	}
	if !result.Valid {
		sub.Status = TransmissionNotSent
	}

	if err := s.repo.CreateSubmission(ctx, sub); err != nil {
		span.RecordError(err)
		return nil, wrapInternal(op, err)
	}

	s.metrics.SubmissionCreated(sub.Valid)
	s.record(ctx, scope, EntitySubmission, sub.ID, audit.ActionSubmissionCreated, map[string]interface{}{
		"lot_number":  sub.LotNumber,
		"guide_count": sub.GuideCount,
		"total":       sub.Total.String(),
		"valid":       sub.Valid,
		"hash":        sub.Hash,
	})
	return sub, nil
}

func (s *Service) GetSubmission(ctx context.Context, scope auth.Scope, id string) (*Submission, error) {
	const op = "billing.GetSubmission"
	if scope.TenantID == "" {
		return nil, apperror.Unauthenticated(op)
	}
	if !isID(id) {
		return nil, apperror.NotFound(op, "submission")
	}
	sub, err := s.repo.GetSubmission(ctx, scope.TenantID, id)
	if err != nil {
		return nil, wrapInternal(op, err)
	}
	return sub, nil
}

// MarkTransmitted records a delivered submission. Repeating it with the same
// protocol is a no-op.
func (s *Service) MarkTransmitted(ctx context.Context, scope auth.Scope, id, method, protocol string) (*Submission, error) {
	const op = "billing.MarkTransmitted"
	sub, err := s.GetSubmission(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	switch sub.Status {
	case TransmissionNotSent:
		return nil, apperror.Conflict(op, "invalid submissions are never transmitted")
	case TransmissionTransmitted:
		if sub.Protocol == protocol {
			return sub, nil
		}
		return nil, apperror.Conflict(op, "submission already transmitted with protocol "+sub.Protocol)
	}

	now := s.now().UTC()
	sub.Transmission = Transmission{
		Status:        TransmissionTransmitted,
		Method:        method,
		Protocol:      protocol,
		TransmittedAt: &now,
	}
	if err := s.repo.UpdateTransmission(ctx, scope.TenantID, id, sub.Transmission); err != nil {
		return nil, wrapInternal(op, err)
	}
	s.record(ctx, scope, EntitySubmission, id, audit.ActionSubmissionSent, map[string]interface{}{
		"method":   method,
		"protocol": protocol,
	})
	return sub, nil
}

// MarkTransmissionFailed records a delivery failure. A later success may
// still overwrite it.
func (s *Service) MarkTransmissionFailed(ctx context.Context, scope auth.Scope, id, method string, cause error) (*Submission, error) {
	const op = "billing.MarkTransmissionFailed"
	sub, err := s.GetSubmission(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	switch sub.Status {
	case TransmissionNotSent, TransmissionTransmitted:
		return nil, apperror.Conflict(op, "submission is "+string(sub.Status))
	}

	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	sub.Transmission = Transmission{Status: TransmissionFailed, Method: method, Error: msg}
	if err := s.repo.UpdateTransmission(ctx, scope.TenantID, id, sub.Transmission); err != nil {
		return nil, wrapInternal(op, err)
	}
	s.record(ctx, scope, EntitySubmission, id, audit.ActionSubmissionRejected, map[string]interface{}{
		"method": method,
		"error":  msg,
	})
	return sub, nil
}

func (s *Service) record(ctx context.Context, scope auth.Scope, entityType, id, action string, details map[string]interface{}) {
	err := s.audit.Record(ctx, audit.Entry{
		TenantID:   scope.TenantID,
		ActorID:    scope.UserID,
		EntityType: entityType,
		EntityID:   id,
		Action:     action,
		Details:    details,
		CreatedAt:  s.now().UTC(),
	})
	if err != nil {
		s.metrics.AuditWriteFailed()
		s.logger.Warn("audit write failed",
			zap.String("entity_id", id),
			zap.String("action", action),
			zap.Error(err))
	}
}

// formatNumber zero-pads sequence values to the eight digits insurers expect.
func formatNumber(n int64) string {
	return fmt.Sprintf("%08d", n)
}

func validationError(op string, err error) error {
	var ve *tiss.ValidationError
	if errors.As(err, &ve) {
		return apperror.Validation(op, ve.Field, ve.Message)
	}
	if errors.Is(err, tiss.ErrUnsupportedGuideType) {
		return apperror.Validation(op, "type", err.Error())
	}
	return apperror.Internal(op, err)
}

func wrapInternal(op string, err error) error {
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		return err
	}
	return apperror.Internal(op, err)
}

// isID reports whether id can name a stored guide or submission. Both use
// UUID keys; a malformed id is answered as not found without a query.
func isID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
