package signature

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/atendebem/go-atende/internal/apperror"
	"github.com/atendebem/go-atende/internal/audit"
	"github.com/atendebem/go-atende/internal/auth"
	"github.com/atendebem/go-atende/internal/domain/prescription"
	"github.com/atendebem/go-atende/internal/observability/metrics"
	"github.com/atendebem/go-atende/internal/signature/vidaas"
)

// DefaultTTL bounds a session when none is configured.
const DefaultTTL = 10 * time.Minute

// Provider is the remote signing service.
type Provider interface {
	DiscoverUser(ctx context.Context, cpf string) (*vidaas.Discovery, error)
	BeginAuthorization(state, challenge, scope string, lifetime time.Duration) string
	PushAuthorization(ctx context.Context, cpf, challenge, scope string, lifetime time.Duration) (string, error)
	PollPush(ctx context.Context, reference string) (string, bool, error)
	ExchangeToken(ctx context.Context, code, verifier string, push bool) (*vidaas.Token, error)
	Certificate(ctx context.Context, token string) (*vidaas.Certificate, error)
	Sign(ctx context.Context, token string, r vidaas.SignRequest) (*vidaas.SignResult, error)
	RevokeToken(ctx context.Context, token string) error
}

// Prescriptions is the lifecycle the service signs into.
type Prescriptions interface {
	Get(ctx context.Context, scope auth.Scope, id string) (*prescription.Prescription, error)
	Sign(ctx context.Context, scope auth.Scope, id string, ev prescription.SignatureEvidence) (*prescription.Prescription, error)
}

type Service struct {
	provider      Provider
	store         Store
	prescriptions Prescriptions
	audit         audit.Recorder
	metrics       *metrics.Metrics
	logger        *zap.Logger
	tracer        trace.Tracer
	ttl           time.Duration
	now           func() time.Time
}

type Option func(*Service)

func WithTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.ttl = d
		}
	}
}

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

func NewService(provider Provider, store Store, prescriptions Prescriptions, rec audit.Recorder, opts ...Option) *Service {
	s := &Service{
		provider:      provider,
		store:         store,
		prescriptions: prescriptions,
		audit:         rec,
		logger:        zap.NewNop(),
		tracer:        otel.Tracer("signature-service"),
		ttl:           DefaultTTL,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Begin opens a session for signing prescriptionID with the certificate of
// cpf. In redirect mode the session carries the URL the signer must visit; in
// push mode it carries the reference to poll.
func (s *Service) Begin(ctx context.Context, scope auth.Scope, prescriptionID, cpf string, mode Mode) (*Session, error) {
	const op = "signature.Begin"
	ctx, span := s.tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("prescription_id", prescriptionID),
		attribute.String("mode", string(mode)),
	))
	defer span.End()

	if err := scope.Validate(); err != nil {
		return nil, apperror.Unauthenticated(op)
	}
	if mode != ModeRedirect && mode != ModePush {
		return nil, apperror.Validation(op, "mode", "must be redirect or push")
	}
	cpf = onlyDigits(cpf)
	if len(cpf) != 11 {
		return nil, apperror.Validation(op, "cpf", "must have 11 digits")
	}

	p, err := s.prescriptions.Get(ctx, scope, prescriptionID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	switch {
	case p.Status != prescription.StatusPendingSignature:
		return nil, apperror.Conflict(op, "prescription is "+string(p.Status))
	case p.IsExpired(now):
		return nil, apperror.Expired(op, "prescription validity has ended")
	}
	hash, err := p.DocumentHash()
	if err != nil {
		return nil, apperror.Internal(op, err)
	}

	if _, err := s.provider.DiscoverUser(ctx, cpf); err != nil {
		span.RecordError(err)
		return nil, providerError(op, err)
	}

	verifier := oauth2.GenerateVerifier()
	challenge := oauth2.S256ChallengeFromVerifier(verifier)
	sess := &Session{
		ID:             uuid.New().String(),
		TenantID:       scope.TenantID,
		UserID:         scope.UserID,
		PrescriptionID: p.ID,
		Mode:           mode,
		Status:         StatusPending,
		SignerCPF:      cpf,
		DocumentHash:   hash,
		Verifier:       verifier,
		CreatedAt:      now.UTC(),
		ExpiresAt:      now.Add(s.ttl).UTC(),
	}

	switch mode {
	case ModeRedirect:
		sess.AuthorizeURL = s.provider.BeginAuthorization(sess.ID, challenge, vidaas.ScopeSignatureSession, s.ttl)
	case ModePush:
		ref, err := s.provider.PushAuthorization(ctx, cpf, challenge, vidaas.ScopeSignatureSession, s.ttl)
		if err != nil {
			span.RecordError(err)
			return nil, providerError(op, err)
		}
		sess.AuthorizationRef = ref
	}

	if err := s.store.Save(ctx, sess); err != nil {
		return nil, apperror.Internal(op, err)
	}
	s.record(ctx, scope, p.ID, audit.ActionSignatureStarted, map[string]interface{}{
		"session_id":    sess.ID,
		"mode":          string(mode),
		"document_hash": hash,
	})
	return sess, nil
}

// Get returns a session owned by the caller.
func (s *Service) Get(ctx context.Context, scope auth.Scope, id string) (*Session, error) {
	const op = "signature.Get"
	if err := scope.Validate(); err != nil {
		return nil, apperror.Unauthenticated(op)
	}
	sess, err := s.store.Get(ctx, scope.TenantID, id)
	if err != nil {
		return nil, wrapInternal(op, err)
	}
	if sess.UserID != scope.UserID {
		return nil, apperror.NotFound(op, "signature session")
	}
	return sess, nil
}

// PollPush checks whether the signer approved a push session. An approved
// session moves to authorized and keeps the code for Complete.
func (s *Service) PollPush(ctx context.Context, scope auth.Scope, id string) (*Session, error) {
	const op = "signature.PollPush"
	sess, err := s.Get(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	if sess.Mode != ModePush {
		return nil, apperror.Validation(op, "mode", "session does not use push authorization")
	}
	if sess.Terminal() || sess.Status == StatusAuthorized {
		return sess, nil
	}
	if err := s.checkExpiry(ctx, op, sess); err != nil {
		return nil, err
	}

	code, ready, err := s.provider.PollPush(ctx, sess.AuthorizationRef)
	if err != nil {
		return nil, providerError(op, err)
	}
	if !ready {
		return sess, nil
	}
	sess.AuthorizationCode = code
	sess.Status = StatusAuthorized
	if err := s.store.Save(ctx, sess); err != nil {
		return nil, apperror.Internal(op, err)
	}
	return sess, nil
}

// Complete exchanges the authorization for a token, signs the prescription
// document remotely and records the signature on the prescription. The
// token is revoked whatever the outcome. A session completes at most once.
func (s *Service) Complete(ctx context.Context, scope auth.Scope, id, code string) (*Session, error) {
	const op = "signature.Complete"
	ctx, span := s.tracer.Start(ctx, op, trace.WithAttributes(attribute.String("session_id", id)))
	defer span.End()

	sess, err := s.Get(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	if sess.Terminal() {
		if sess.Status == StatusExpired {
			return nil, expiredError(op)
		}
		return nil, apperror.Conflict(op, "signature session already "+string(sess.Status))
	}
	if err := s.checkExpiry(ctx, op, sess); err != nil {
		return nil, err
	}

	if sess.Mode == ModePush {
		if sess.Status != StatusAuthorized {
			if sess, err = s.PollPush(ctx, scope, id); err != nil {
				return nil, err
			}
			if sess.Status != StatusAuthorized {
				return nil, &apperror.Error{Kind: apperror.KindConflict, Op: op, Message: "authorization pending", Err: ErrAuthorizationPending}
			}
		}
		code = sess.AuthorizationCode
	}
	if code == "" {
		return nil, apperror.Validation(op, "code", "is required")
	}

	claimed, err := s.store.Claim(ctx, scope.TenantID, id)
	if err != nil {
		return nil, apperror.Internal(op, err)
	}
	if !claimed {
		return nil, apperror.Conflict(op, "signature session already in use")
	}

	if err := s.sign(ctx, scope, sess, code); err != nil {
		span.RecordError(err)
		sess.Status = StatusFailed
		sess.Error = err.Error()
		if saveErr := s.store.Save(ctx, sess); saveErr != nil {
			s.logger.Error("failed to persist failed session", zap.String("session_id", id), zap.Error(saveErr))
		}
		s.record(ctx, scope, sess.PrescriptionID, audit.ActionSignatureFailed, map[string]interface{}{
			"session_id": id,
			"error":      sess.Error,
		})
		return nil, err
	}

	sess.Status = StatusSigned
	sess.Error = ""
	if err := s.store.Save(ctx, sess); err != nil {
		// The prescription is signed; the session record is only a trace.
		s.logger.Error("failed to persist signed session", zap.String("session_id", id), zap.Error(err))
	}
	return sess, nil
}

func (s *Service) sign(ctx context.Context, scope auth.Scope, sess *Session, code string) error {
	const op = "signature.Complete"

	token, err := s.provider.ExchangeToken(ctx, code, sess.Verifier, sess.Mode == ModePush)
	if err != nil {
		return providerError(op, err)
	}
	defer s.revoke(ctx, token.AccessToken)

	cert, err := s.provider.Certificate(ctx, token.AccessToken)
	if err != nil {
		return providerError(op, err)
	}
	if cert.CPF != "" && cert.CPF != sess.SignerCPF {
		return apperror.Validation(op, "cpf", "certificate belongs to a different signer")
	}
	sess.Certificate = &CertificateInfo{
		SerialNumber: cert.SerialNumber,
		Subject:      cert.Subject,
		Issuer:       cert.Issuer,
		NotAfter:     cert.NotAfter,
	}

	p, err := s.prescriptions.Get(ctx, scope, sess.PrescriptionID)
	if err != nil {
		return err
	}
	hash, err := p.DocumentHash()
	if err != nil {
		return apperror.Internal(op, err)
	}
	if hash != sess.DocumentHash {
		return apperror.Conflict(op, "prescription document changed after the session started")
	}
	digest, err := hex.DecodeString(hash)
	if err != nil {
		return apperror.Internal(op, err)
	}

	result, err := s.provider.Sign(ctx, token.AccessToken, vidaas.SignRequest{
		ID:        p.ID,
		Alias:     cert.Alias,
		Digest:    digest,
		Algorithm: vidaas.AlgorithmSHA256,
		Format:    vidaas.FormatCMS,
	})
	if err != nil {
		return providerError(op, err)
	}
	sum := sha256.Sum256(result.Signature)
	sess.SignedDocument = base64.StdEncoding.EncodeToString(result.Signature)
	sess.SignedDocRef = "cms-sha256:" + hex.EncodeToString(sum[:])

	_, err = s.prescriptions.Sign(ctx, scope, p.ID, prescription.SignatureEvidence{
		CertificateSerial:  cert.SerialNumber,
		CertificateSubject: cert.Subject,
		CertificateIssuer:  cert.Issuer,
		SignerCPF:          sess.SignerCPF,
		ContentHash:        hash,
		SignedDocumentRef:  sess.SignedDocRef,
		SignedAt:           s.now(),
		SessionID:          sess.ID,
	})
	return err
}

func (s *Service) revoke(ctx context.Context, token string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.provider.RevokeToken(ctx, token); err != nil {
		s.logger.Warn("failed to revoke signature token", zap.Error(err))
	}
}

// checkExpiry moves an expired session to its terminal state.
func (s *Service) checkExpiry(ctx context.Context, op string, sess *Session) error {
	if !sess.IsExpired(s.now()) {
		return nil
	}
	sess.Status = StatusExpired
	if err := s.store.Save(ctx, sess); err != nil {
		s.logger.Warn("failed to persist expired session", zap.String("session_id", sess.ID), zap.Error(err))
	}
	return expiredError(op)
}

func (s *Service) record(ctx context.Context, scope auth.Scope, prescriptionID, action string, details map[string]interface{}) {
	err := s.audit.Record(ctx, audit.Entry{
		TenantID:   scope.TenantID,
		ActorID:    scope.UserID,
		EntityType: prescription.AggregateType,
		EntityID:   prescriptionID,
		Action:     action,
		Details:    details,
		CreatedAt:  s.now().UTC(),
	})
	if err != nil {
		s.metrics.AuditWriteFailed()
		s.logger.Warn("audit write failed", zap.String("entity_id", prescriptionID), zap.String("action", action), zap.Error(err))
	}
}

func expiredError(op string) error {
	return &apperror.Error{Kind: apperror.KindExpired, Op: op, Message: "signature session expired", Err: ErrSessionExpired}
}

// providerError classifies failures of the remote provider. A user without a
// certificate is a validation problem, not an outage.
func providerError(op string, err error) error {
	if errors.Is(err, vidaas.ErrNoCertificate) {
		return &apperror.Error{Kind: apperror.KindValidation, Op: op, Field: "cpf", Message: "no cloud certificate for this CPF", Err: err}
	}
	return apperror.Provider(op, err)
}

func wrapInternal(op string, err error) error {
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		return err
	}
	return apperror.Internal(op, err)
}

func onlyDigits(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			out = append(out, s[i])
		}
	}
	return string(out)
}
