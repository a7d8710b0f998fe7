package prescription

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/atendebem/go-atende/internal/apperror"
	"github.com/atendebem/go-atende/internal/audit"
	"github.com/atendebem/go-atende/internal/auth"
	"github.com/atendebem/go-atende/internal/domain/controlled"
	"github.com/atendebem/go-atende/internal/observability/metrics"
)

const tokenAttempts = 3

// CreateInput is the request to issue a prescription. ValidityDays 0 means
// the service default.
type CreateInput struct {
	PatientID          string           `json:"patient_id"`
	Medications        []MedicationLine `json:"medications"`
	ClinicalIndication string           `json:"clinical_indication"`
	ValidityDays       int              `json:"validity_days"`
}

// Service is the single owner of prescription state transitions.
type Service struct {
	repo       Repository
	directory  Directory
	classifier *controlled.Classifier
	audit      audit.Recorder

	now             func() time.Time
	newToken        TokenGenerator
	defaultValidity int
	metrics         *metrics.Metrics
	logger          *zap.Logger
	tracer          trace.Tracer
}

// Option configures a Service
type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithTokenGenerator(g TokenGenerator) Option {
	return func(s *Service) { s.newToken = g }
}

func WithDefaultValidity(days int) Option {
	return func(s *Service) {
		if days > 0 {
			s.defaultValidity = days
		}
	}
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

func NewService(repo Repository, dir Directory, classifier *controlled.Classifier, rec audit.Recorder, opts ...Option) *Service {
	s := &Service{
		repo:            repo,
		directory:       dir,
		classifier:      classifier,
		audit:           rec,
		now:             time.Now,
		newToken:        NewToken,
		defaultValidity: DefaultValidityDays,
		logger:          zap.NewNop(),
		tracer:          otel.Tracer("prescription-service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create issues a new prescription for a patient of the caller's tenant.
func (s *Service) Create(ctx context.Context, scope auth.Scope, in CreateInput) (*Prescription, error) {
	const op = "prescription.Create"
	ctx, span := s.tracer.Start(ctx, op)
	defer span.End()

	if err := scope.Validate(); err != nil {
		return nil, apperror.Unauthenticated(op)
	}
	p, err := s.issue(ctx, scope, in, "")
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("prescription_id", p.ID))

	s.metrics.PrescriptionTransition("created")
	s.record(ctx, scope, p.ID, audit.ActionCreated, map[string]interface{}{
		"patient_id":    p.PatientID,
		"is_controlled": p.IsControlled,
		"category":      p.ControlledCategory,
		"medications":   len(p.Medications),
	})
	return p, nil
}

func (s *Service) issue(ctx context.Context, scope auth.Scope, in CreateInput, renewedFrom string) (*Prescription, error) {
	const op = "prescription.Create"

	if len(in.Medications) == 0 {
		return nil, apperror.Validation(op, "medications", "at least one medication is required")
	}
	days := in.ValidityDays
	if days == 0 {
		days = s.defaultValidity
	}
	if days < 0 {
		return nil, apperror.Validation(op, "validity_days", "must be positive")
	}
	if in.PatientID == "" {
		return nil, apperror.Validation(op, "patient_id", "is required")
	}
	if _, err := s.directory.Patient(ctx, scope.TenantID, in.PatientID); err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, apperror.NotFound(op, "patient")
		}
		return nil, apperror.Internal(op, err)
	}

	classes := make([]controlled.Classification, len(in.Medications))
	for i, m := range in.Medications {
		classes[i] = s.classifier.Classify(m.Name)
	}
	strictest := controlled.Strictest(classes)

	for attempt := 1; ; attempt++ {
		token, err := s.newToken()
		if err != nil {
			return nil, apperror.Internal(op, err)
		}
		p, err := Issue(IssueParams{
			TenantID:             scope.TenantID,
			PatientID:            in.PatientID,
			PrescriberID:         scope.UserID,
			Medications:          in.Medications,
			ClinicalIndication:   in.ClinicalIndication,
			ValidityDays:         days,
			IsControlled:         strictest.IsControlled,
			ControlledCategory:   strictest.Category,
			RequiresNotification: strictest.RequiresNotification,
			ValidationToken:      token,
			RenewedFrom:          renewedFrom,
			Now:                  s.now(),
		})
		if err != nil {
			return nil, err
		}

		err = s.repo.Create(ctx, p)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrDuplicateToken) || attempt == tokenAttempts {
			return nil, wrapInternal(op, err)
		}
		s.logger.Warn("validation token collision, retrying", zap.Int("attempt", attempt))
	}
}

// Get returns a prescription owned by the caller.
func (s *Service) Get(ctx context.Context, scope auth.Scope, id string) (*Prescription, error) {
	const op = "prescription.Get"
	if err := scope.Validate(); err != nil {
		return nil, apperror.Unauthenticated(op)
	}
	if !isID(id) {
		return nil, apperror.NotFound(op, "prescription")
	}
	p, err := s.repo.Get(ctx, scope, id)
	if err != nil {
		return nil, wrapInternal(op, err)
	}
	return p, nil
}

// List returns the caller's prescriptions, newest first.
func (s *Service) List(ctx context.Context, scope auth.Scope, f Filter) ([]*Prescription, error) {
	const op = "prescription.List"
	if err := scope.Validate(); err != nil {
		return nil, apperror.Unauthenticated(op)
	}
	switch f.Status {
	case "", StatusPendingSignature, StatusSigned, StatusRevoked:
	default:
		return nil, apperror.Validation(op, "status", "unknown status "+string(f.Status))
	}
	list, err := s.repo.List(ctx, scope, f.Normalize())
	if err != nil {
		return nil, wrapInternal(op, err)
	}
	return list, nil
}

// Sign records a completed signature. A concurrent revoke makes the version
// check fail and the signature is rejected as a conflict.
func (s *Service) Sign(ctx context.Context, scope auth.Scope, id string, ev SignatureEvidence) (*Prescription, error) {
	const op = "prescription.Sign"
	ctx, span := s.tracer.Start(ctx, op, trace.WithAttributes(attribute.String("prescription_id", id)))
	defer span.End()

	if err := scope.Validate(); err != nil {
		return nil, apperror.Unauthenticated(op)
	}
	if !isID(id) {
		return nil, apperror.NotFound(op, "prescription")
	}
	p, err := s.repo.Get(ctx, scope, id)
	if err != nil {
		return nil, wrapInternal(op, err)
	}
	if err := p.Sign(scope.UserID, ev, s.now()); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err := s.repo.Update(ctx, p); err != nil {
		span.RecordError(err)
		return nil, wrapInternal(op, err)
	}

	s.metrics.PrescriptionTransition("signed")
	s.record(ctx, scope, p.ID, audit.ActionSigned, map[string]interface{}{
		"certificate_serial": p.Signature.CertificateSerial,
		"content_hash":       p.Signature.ContentHash,
		"session_id":         p.Signature.SessionID,
	})
	return p, nil
}

// Revoke is idempotent: revoking a revoked prescription returns it unchanged
// and journals nothing.
func (s *Service) Revoke(ctx context.Context, scope auth.Scope, id, reason string) (*Prescription, error) {
	const op = "prescription.Revoke"
	ctx, span := s.tracer.Start(ctx, op, trace.WithAttributes(attribute.String("prescription_id", id)))
	defer span.End()

	if err := scope.Validate(); err != nil {
		return nil, apperror.Unauthenticated(op)
	}
	if !isID(id) {
		return nil, apperror.NotFound(op, "prescription")
	}
	p, err := s.repo.Get(ctx, scope, id)
	if err != nil {
		return nil, wrapInternal(op, err)
	}
	changed, err := p.Revoke(scope.UserID, reason, s.now())
	if err != nil {
		return nil, err
	}
	if !changed {
		return p, nil
	}
	if err := s.repo.Update(ctx, p); err != nil {
		// A concurrent revoke that won the version check leaves the same end state.
		if apperror.KindOf(err) == apperror.KindConflict {
			if current, getErr := s.repo.Get(ctx, scope, id); getErr == nil && current.Status == StatusRevoked {
				return current, nil
			}
		}
		span.RecordError(err)
		return nil, wrapInternal(op, err)
	}

	s.metrics.PrescriptionTransition("revoked")
	s.record(ctx, scope, p.ID, audit.ActionRevoked, map[string]interface{}{"reason": p.RevocationReason})
	return p, nil
}

// Renew issues a new prescription with the original's lines and clinical
// data and a fresh validity window. Revoked prescriptions cannot be renewed.
func (s *Service) Renew(ctx context.Context, scope auth.Scope, originalID string, validityDays int) (*Prescription, error) {
	const op = "prescription.Renew"
	ctx, span := s.tracer.Start(ctx, op, trace.WithAttributes(attribute.String("original_id", originalID)))
	defer span.End()

	if err := scope.Validate(); err != nil {
		return nil, apperror.Unauthenticated(op)
	}
	if !isID(originalID) {
		return nil, apperror.NotFound(op, "prescription")
	}
	original, err := s.repo.Get(ctx, scope, originalID)
	if err != nil {
		return nil, wrapInternal(op, err)
	}
	if original.Status == StatusRevoked {
		return nil, apperror.Conflict(op, "revoked prescriptions cannot be renewed")
	}
	if validityDays == 0 {
		validityDays = original.ValidityDays
	}

	p, err := s.issue(ctx, scope, CreateInput{
		PatientID:          original.PatientID,
		Medications:        original.Medications,
		ClinicalIndication: original.ClinicalIndication,
		ValidityDays:       validityDays,
	}, original.ID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.metrics.PrescriptionTransition("renewed")
	s.record(ctx, scope, p.ID, audit.ActionRenewedFrom, map[string]interface{}{"original_id": original.ID})
	s.record(ctx, scope, original.ID, audit.ActionRenewed, map[string]interface{}{"renewal_id": p.ID})
	return p, nil
}

// ValidateByToken is the public lookup. Every failure, including a revoked
// prescription, produces the same not-found error.
func (s *Service) ValidateByToken(ctx context.Context, token string) (*PublicView, error) {
	const op = "prescription.ValidateByToken"
	ctx, span := s.tracer.Start(ctx, op)
	defer span.End()

	notFound := &apperror.Error{Kind: apperror.KindNotFound, Op: op, Message: PublicNotFoundMessage}

	if token == "" {
		s.metrics.PublicValidation("not_found")
		return nil, notFound
	}
	p, err := s.repo.GetByToken(ctx, token)
	if err != nil {
		if !errors.Is(err, apperror.ErrNotFound) {
			s.logger.Error("public validation lookup failed", zap.Error(err))
		}
		s.metrics.PublicValidation("not_found")
		return nil, notFound
	}
	if p.Status == StatusRevoked {
		s.metrics.PublicValidation("revoked")
		return nil, notFound
	}

	doctor, err := s.directory.Prescriber(ctx, p.TenantID, p.PrescriberID)
	if err != nil {
		s.logger.Error("public validation prescriber lookup failed", zap.String("prescription_id", p.ID), zap.Error(err))
		s.metrics.PublicValidation("not_found")
		return nil, notFound
	}
	patient, err := s.directory.Patient(ctx, p.TenantID, p.PatientID)
	if err != nil {
		s.logger.Error("public validation patient lookup failed", zap.String("prescription_id", p.ID), zap.Error(err))
		s.metrics.PublicValidation("not_found")
		return nil, notFound
	}

	view := newPublicView(p, doctor, patient, s.now())
	if view.IsExpired {
		s.metrics.PublicValidation("expired")
	} else {
		s.metrics.PublicValidation("valid")
	}
	return view, nil
}

// AuditTrail lists the journal of a prescription owned by the caller.
func (s *Service) AuditTrail(ctx context.Context, scope auth.Scope, id string) ([]audit.Entry, error) {
	const op = "prescription.AuditTrail"
	if _, err := s.Get(ctx, scope, id); err != nil {
		return nil, err
	}
	entries, err := s.audit.List(ctx, scope.TenantID, AggregateType, id)
	if err != nil {
		return nil, apperror.Internal(op, err)
	}
	return entries, nil
}

// record writes an audit entry. Failures are logged and counted and never
// reach the caller.
func (s *Service) record(ctx context.Context, scope auth.Scope, id, action string, details map[string]interface{}) {
	err := s.audit.Record(ctx, audit.Entry{
		TenantID:   scope.TenantID,
		ActorID:    scope.UserID,
		EntityType: AggregateType,
		EntityID:   id,
		Action:     action,
		Details:    details,
		CreatedAt:  s.now().UTC(),
	})
	if err != nil {
		s.metrics.AuditWriteFailed()
		s.logger.Warn("audit write failed",
			zap.String("prescription_id", id),
			zap.String("action", action),
			zap.Error(err))
	}
}

// isID reports whether id can name a stored prescription. Ids are UUIDs, so
// anything else is answered as not found without a query.
func isID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// wrapInternal keeps classified errors and marks the rest internal.
func wrapInternal(op string, err error) error {
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		return err
	}
	return apperror.Internal(op, err)
}
