package signature

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/atendebem/go-atende/internal/apperror"
	"github.com/atendebem/go-atende/internal/audit"
	"github.com/atendebem/go-atende/internal/auth"
	"github.com/atendebem/go-atende/internal/domain/prescription"
	"github.com/atendebem/go-atende/internal/signature/vidaas"
	"github.com/atendebem/go-atende/internal/signature/vidaas/vidaastest"
)

const signerCPF = "12345678909"

var doctor = auth.Scope{TenantID: "clinic-a", UserID: "doc-1", Role: "doctor"}

// fakePrescriptions holds a single prescription and applies Sign through
// the aggregate.
type fakePrescriptions struct {
	mu    sync.Mutex
	p     *prescription.Prescription
	now   func() time.Time
	signs int
}

func (f *fakePrescriptions) Get(ctx context.Context, scope auth.Scope, id string) (*prescription.Prescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id != f.p.ID || scope.UserID != f.p.PrescriberID {
		return nil, apperror.NotFound("fake.Get", "prescription")
	}
	cp := *f.p
	return &cp, nil
}

func (f *fakePrescriptions) Sign(ctx context.Context, scope auth.Scope, id string, ev prescription.SignatureEvidence) (*prescription.Prescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.p.Sign(scope.UserID, ev, f.now()); err != nil {
		return nil, err
	}
	f.p.ClearChanges()
	f.signs++
	return f.p, nil
}

type fixture struct {
	svc   *Service
	srv   *vidaastest.Server
	store *MemoryStore
	rx    *fakePrescriptions
	audit *audit.Memory
	clock *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	f := &fixture{
		srv:   vidaastest.NewServer(signerCPF),
		store: NewMemoryStore(),
		audit: audit.NewMemory(),
		clock: &now,
	}
	t.Cleanup(f.srv.Close)

	clock := func() time.Time { return *f.clock }
	p, err := prescription.Issue(prescription.IssueParams{
		TenantID:        "clinic-a",
		PatientID:       "pat-1",
		PrescriberID:    "doc-1",
		Medications:     []prescription.MedicationLine{{Name: "Amoxicilina 500mg", Dosage: "1 cápsula", Frequency: "8/8h"}},
		ValidityDays:    30,
		ValidationToken: "tok-abc",
		Now:             now,
	})
	if err != nil {
		t.Fatal(err)
	}
	p.ClearChanges()
	f.rx = &fakePrescriptions{p: p, now: clock}

	client := vidaas.New(vidaas.Config{
		BaseURL:      f.srv.URL,
		ClientID:     vidaastest.ClientID,
		ClientSecret: vidaastest.ClientSecret,
		RedirectURI:  vidaastest.RedirectURI,
	})
	f.svc = NewService(client, f.store, f.rx, f.audit, WithClock(clock), WithTTL(5*time.Minute))
	return f
}

func (f *fixture) advance(d time.Duration) {
	*f.clock = f.clock.Add(d)
}

func TestRedirectSignatureFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.svc.Begin(ctx, doctor, f.rx.p.ID, "123.456.789-09", ModeRedirect)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if sess.Status != StatusPending || sess.AuthorizeURL == "" {
		t.Fatalf("Begin() = %+v", sess)
	}
	if len(sess.Verifier) < 43 {
		t.Errorf("verifier length = %d, want >= 43", len(sess.Verifier))
	}
	if !sess.ExpiresAt.Equal(f.clock.Add(5 * time.Minute)) {
		t.Errorf("ExpiresAt = %v", sess.ExpiresAt)
	}

	code, state, err := f.srv.Authorize(sess.AuthorizeURL)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if state != sess.ID {
		t.Errorf("state = %q, want session id", state)
	}

	done, err := f.svc.Complete(ctx, doctor, sess.ID, code)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if done.Status != StatusSigned || done.Certificate == nil || done.Certificate.SerialNumber != vidaastest.CertSerial {
		t.Errorf("Complete() = %+v", done)
	}
	if f.rx.p.Status != prescription.StatusSigned {
		t.Fatalf("prescription status = %s, want signed", f.rx.p.Status)
	}
	sig := f.rx.p.Signature
	if sig.CertificateSerial != vidaastest.CertSerial || sig.SessionID != sess.ID || sig.SignerCPF != signerCPF {
		t.Errorf("evidence = %+v", sig)
	}

	calls := f.srv.SignCalls()
	if len(calls) != 1 || hex.EncodeToString(calls[0].Hash) != sess.DocumentHash {
		t.Errorf("provider signed %+v, want the document hash", calls)
	}
	if len(f.srv.Revoked()) != 1 {
		t.Errorf("revoked tokens = %v, want the session token revoked", f.srv.Revoked())
	}

	_, err = f.svc.Complete(ctx, doctor, sess.ID, code)
	if !errors.Is(err, apperror.ErrConflict) {
		t.Errorf("second Complete() error = %v, want conflict", err)
	}
	if f.rx.signs != 1 {
		t.Errorf("prescription signed %d times", f.rx.signs)
	}
}

func TestPushSignatureFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.svc.Begin(ctx, doctor, f.rx.p.ID, signerCPF, ModePush)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if sess.AuthorizationRef == "" || sess.AuthorizeURL != "" {
		t.Fatalf("push session = %+v", sess)
	}

	polled, err := f.svc.PollPush(ctx, doctor, sess.ID)
	if err != nil || polled.Status != StatusPending {
		t.Fatalf("PollPush() = %+v, %v; want pending", polled, err)
	}
	if _, err := f.svc.Complete(ctx, doctor, sess.ID, ""); !errors.Is(err, ErrAuthorizationPending) {
		t.Fatalf("Complete() before approval error = %v, want ErrAuthorizationPending", err)
	}

	f.srv.ApprovePush(sess.AuthorizationRef)
	polled, err = f.svc.PollPush(ctx, doctor, sess.ID)
	if err != nil || polled.Status != StatusAuthorized {
		t.Fatalf("PollPush() = %+v, %v; want authorized", polled, err)
	}

	done, err := f.svc.Complete(ctx, doctor, sess.ID, "")
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if done.Status != StatusSigned {
		t.Errorf("Status = %s, want signed", done.Status)
	}
}

func TestBeginRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		scope auth.Scope
		rxID  string
		cpf   string
		mode  Mode
		want  error
	}{
		{"anonymous", auth.Scope{}, f.rx.p.ID, signerCPF, ModeRedirect, apperror.ErrUnauthenticated},
		{"bad mode", doctor, f.rx.p.ID, signerCPF, "sms", apperror.ErrValidation},
		{"short cpf", doctor, f.rx.p.ID, "1234", ModeRedirect, apperror.ErrValidation},
		{"other prescriber", auth.Scope{TenantID: "clinic-a", UserID: "doc-2"}, f.rx.p.ID, signerCPF, ModeRedirect, apperror.ErrNotFound},
		{"no certificate", doctor, f.rx.p.ID, "98765432100", ModeRedirect, vidaas.ErrNoCertificate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Begin(ctx, tt.scope, tt.rxID, tt.cpf, tt.mode)
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}

	_, err := f.svc.Begin(ctx, doctor, f.rx.p.ID, "98765432100", ModeRedirect)
	if apperror.KindOf(err) != apperror.KindValidation {
		t.Errorf("no certificate kind = %s, want validation", apperror.KindOf(err))
	}
}

func TestBeginRejectsExpiredPrescription(t *testing.T) {
	f := newFixture(t)
	f.advance(31 * 24 * time.Hour)

	_, err := f.svc.Begin(context.Background(), doctor, f.rx.p.ID, signerCPF, ModeRedirect)
	if !errors.Is(err, apperror.ErrExpired) {
		t.Errorf("error = %v, want expired", err)
	}
}

func TestCompleteExpiredSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.svc.Begin(ctx, doctor, f.rx.p.ID, signerCPF, ModeRedirect)
	if err != nil {
		t.Fatal(err)
	}
	code, _, err := f.srv.Authorize(sess.AuthorizeURL)
	if err != nil {
		t.Fatal(err)
	}

	f.advance(6 * time.Minute)
	_, err = f.svc.Complete(ctx, doctor, sess.ID, code)
	if !errors.Is(err, ErrSessionExpired) || !errors.Is(err, apperror.ErrExpired) {
		t.Fatalf("error = %v, want ErrSessionExpired", err)
	}

	stored, _ := f.svc.Get(ctx, doctor, sess.ID)
	if stored.Status != StatusExpired {
		t.Errorf("Status = %s, want expired", stored.Status)
	}
	if _, err := f.svc.Complete(ctx, doctor, sess.ID, code); !errors.Is(err, ErrSessionExpired) {
		t.Errorf("retry error = %v, want ErrSessionExpired", err)
	}
	if f.rx.p.Status != prescription.StatusPendingSignature {
		t.Errorf("prescription status = %s", f.rx.p.Status)
	}
}

func TestProviderFailureMarksSessionFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.svc.Begin(ctx, doctor, f.rx.p.ID, signerCPF, ModeRedirect)
	if err != nil {
		t.Fatal(err)
	}
	code, _, err := f.srv.Authorize(sess.AuthorizeURL)
	if err != nil {
		t.Fatal(err)
	}
	f.srv.Fail("/v0/oauth/signature", http.StatusBadGateway)

	_, err = f.svc.Complete(ctx, doctor, sess.ID, code)
	if !errors.Is(err, apperror.ErrProvider) || !errors.Is(err, vidaas.ErrSignature) {
		t.Fatalf("error = %v, want provider signature failure", err)
	}

	stored, _ := f.svc.Get(ctx, doctor, sess.ID)
	if stored.Status != StatusFailed || stored.Error == "" {
		t.Errorf("session = %+v, want failed with detail", stored)
	}
	if len(f.srv.Revoked()) != 1 {
		t.Errorf("token not revoked after failure: %v", f.srv.Revoked())
	}
	if f.rx.p.Status != prescription.StatusPendingSignature {
		t.Errorf("prescription status = %s, want pending_signature", f.rx.p.Status)
	}

	entries, _ := f.audit.List(ctx, "clinic-a", prescription.AggregateType, f.rx.p.ID)
	var failed bool
	for _, e := range entries {
		failed = failed || e.Action == audit.ActionSignatureFailed
	}
	if !failed {
		t.Errorf("audit = %+v, want a signature_failed entry", entries)
	}
}

func TestSessionsAreScopedToOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.svc.Begin(ctx, doctor, f.rx.p.ID, signerCPF, ModeRedirect)
	if err != nil {
		t.Fatal(err)
	}

	others := []auth.Scope{
		{TenantID: "clinic-a", UserID: "doc-2"},
		{TenantID: "clinic-b", UserID: "doc-1"},
	}
	for _, scope := range others {
		if _, err := f.svc.Get(ctx, scope, sess.ID); !errors.Is(err, apperror.ErrNotFound) {
			t.Errorf("Get(%+v) error = %v, want not found", scope, err)
		}
	}
}
