package prescription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/atendebem/go-atende/internal/apperror"
	"github.com/atendebem/go-atende/internal/audit"
	"github.com/atendebem/go-atende/internal/auth"
	"github.com/atendebem/go-atende/internal/domain/controlled"
	"github.com/atendebem/go-atende/internal/observability/metrics"
)

type fixture struct {
	svc     *Service
	repo    *memRepo
	audit   *audit.Memory
	metrics *metrics.Metrics
	now     time.Time
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		repo:    newMemRepo(),
		audit:   audit.NewMemory(),
		metrics: metrics.New(prometheus.NewRegistry()),
		now:     issuedAt,
	}
	opts = append([]Option{
		WithClock(func() time.Time { return f.now }),
		WithMetrics(f.metrics),
	}, opts...)
	f.svc = NewService(f.repo, newMemDirectory(), controlled.NewClassifier(controlled.DefaultTable()), f.audit, opts...)
	return f
}

var doctor = auth.Scope{TenantID: "clinic-a", UserID: "doc-1", Role: "doctor"}

func sampleInput() CreateInput {
	return CreateInput{
		PatientID: "pat-1",
		Medications: []MedicationLine{
			{Name: "Paracetamol 750mg", Dosage: "1 comprimido", Frequency: "6/6h"},
			{Name: "Clonazepam 2mg", Dosage: "1 comprimido", Frequency: "à noite", Warnings: "pode causar sonolência"},
		},
		ClinicalIndication: "insônia",
	}
}

func actions(t *testing.T, f *fixture, id string) []string {
	t.Helper()
	entries, err := f.audit.List(context.Background(), "clinic-a", AggregateType, id)
	if err != nil {
		t.Fatal(err)
	}
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Action
	}
	return out
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	p, err := f.svc.Create(context.Background(), doctor, sampleInput())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if p.Status != StatusPendingSignature || p.ValidityDays != DefaultValidityDays {
		t.Errorf("status %s, validity %d", p.Status, p.ValidityDays)
	}
	if !p.IsControlled || p.ControlledCategory != "B1" || !p.RequiresNotification {
		t.Errorf("classification = %v %q %v, want controlled B1 with notification", p.IsControlled, p.ControlledCategory, p.RequiresNotification)
	}
	if p.PrescriberID != "doc-1" || p.TenantID != "clinic-a" {
		t.Errorf("ownership = %s/%s", p.TenantID, p.PrescriberID)
	}
	if p.Medications[0].Name != "Paracetamol 750mg" || p.Medications[1].Name != "Clonazepam 2mg" {
		t.Error("medication order not preserved")
	}
	if got := testutil.ToFloat64(f.metrics.PrescriptionTransitions.WithLabelValues("created")); got != 1 {
		t.Errorf("created counter = %v", got)
	}
	if a := actions(t, f, p.ID); len(a) != 1 || a[0] != audit.ActionCreated {
		t.Errorf("audit = %v", a)
	}
}

func TestCreateFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := sampleInput()
	in.PatientID = "pat-404"
	if _, err := f.svc.Create(ctx, doctor, in); !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("unknown patient error = %v, want not found", err)
	}

	other := auth.Scope{TenantID: "clinic-b", UserID: "doc-9"}
	if _, err := f.svc.Create(ctx, other, sampleInput()); !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("patient of another tenant error = %v, want not found", err)
	}

	in = sampleInput()
	in.Medications = nil
	if _, err := f.svc.Create(ctx, doctor, in); !errors.Is(err, apperror.ErrValidation) {
		t.Errorf("empty lines error = %v, want validation", err)
	}

	in = sampleInput()
	in.ValidityDays = -1
	if _, err := f.svc.Create(ctx, doctor, in); !errors.Is(err, apperror.ErrValidation) {
		t.Errorf("negative validity error = %v, want validation", err)
	}

	if _, err := f.svc.Create(ctx, auth.Scope{}, sampleInput()); !errors.Is(err, apperror.ErrUnauthenticated) {
		t.Errorf("anonymous error = %v, want unauthenticated", err)
	}
	if f.repo.creates != 0 {
		t.Errorf("repository touched %d times", f.repo.creates)
	}
}

func TestCreateRetriesTokenCollision(t *testing.T) {
	tokens := []string{"same", "same", "fresh"}
	i := 0
	gen := func() (string, error) {
		tok := tokens[i]
		i++
		return tok, nil
	}
	f := newFixture(t, WithTokenGenerator(gen))
	ctx := context.Background()

	first, err := f.svc.Create(ctx, doctor, sampleInput())
	if err != nil || first.ValidationToken != "same" {
		t.Fatalf("first Create() = %v, %v", first, err)
	}
	second, err := f.svc.Create(ctx, doctor, sampleInput())
	if err != nil {
		t.Fatalf("second Create() error = %v", err)
	}
	if second.ValidationToken != "fresh" {
		t.Errorf("token = %q, want fresh", second.ValidationToken)
	}
}

func TestFullLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.svc.Create(ctx, doctor, sampleInput())
	if err != nil {
		t.Fatal(err)
	}

	hash, _ := p.DocumentHash()
	f.now = issuedAt.Add(10 * time.Minute)
	signed, err := f.svc.Sign(ctx, doctor, p.ID, SignatureEvidence{
		CertificateSerial: "7A3F",
		CertificateIssuer: "AC VALID RFB v5",
		SignerCPF:         "12345678909",
		ContentHash:       hash,
		SessionID:         "sess-1",
	})
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if signed.Status != StatusSigned {
		t.Fatalf("status = %s", signed.Status)
	}

	view, err := f.svc.ValidateByToken(ctx, p.ValidationToken)
	if err != nil {
		t.Fatalf("ValidateByToken() error = %v", err)
	}
	if !view.Signed || view.IsExpired || view.SignedAt == nil {
		t.Errorf("view = %+v", view)
	}
	if view.Patient.Name != "Maria S." || view.Patient.CPF != "***.456.789-**" {
		t.Errorf("patient = %+v, want masked", view.Patient)
	}
	if view.Doctor.CouncilNumber != "123456" || len(view.Medications) != 2 {
		t.Errorf("view = %+v", view)
	}

	if _, err := f.svc.Revoke(ctx, doctor, p.ID, "dose incorreta"); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if _, err := f.svc.Revoke(ctx, doctor, p.ID, "dose incorreta"); err != nil {
		t.Fatalf("second Revoke() error = %v", err)
	}

	_, err = f.svc.ValidateByToken(ctx, p.ValidationToken)
	var appErr *apperror.Error
	if !errors.As(err, &appErr) || appErr.Kind != apperror.KindNotFound || appErr.Message != PublicNotFoundMessage {
		t.Errorf("revoked ValidateByToken() error = %v", err)
	}

	trail, err := f.svc.AuditTrail(ctx, doctor, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{audit.ActionCreated, audit.ActionSigned, audit.ActionRevoked}
	if len(trail) != len(want) {
		t.Fatalf("audit trail = %+v", trail)
	}
	for i, e := range trail {
		if e.Action != want[i] {
			t.Errorf("trail[%d] = %s, want %s", i, e.Action, want[i])
		}
	}
	if trail[1].Details["certificate_serial"] != "7A3F" || trail[1].ActorID != "doc-1" {
		t.Errorf("sign entry = %+v", trail[1])
	}

	if n := len(f.repo.events); n != 3 {
		t.Errorf("events persisted = %d, want 3", n)
	}
}

func TestLifecycleFromAPIPayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var in CreateInput
	payload := `{"patient_id":"P1","medications":[{"name":"Amoxicilina 500mg","dosage":"1x8/8h","duration":"7 dias","quantity":21}],"validity_days":10}`
	if err := json.Unmarshal([]byte(payload), &in); err != nil {
		t.Fatalf("decode payload: %v", err)
	}

	p, err := f.svc.Create(ctx, doctor, in)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if p.Status != StatusPendingSignature || p.ValidityDays != 10 {
		t.Fatalf("created = %s, %d days", p.Status, p.ValidityDays)
	}

	hash, _ := p.DocumentHash()
	signed, err := f.svc.Sign(ctx, doctor, p.ID, SignatureEvidence{CertificateSerial: "01", ContentHash: hash})
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if signed.Status != StatusSigned || signed.Signature == nil || signed.Signature.SignedAt.IsZero() {
		t.Fatalf("signed = %+v", signed)
	}

	view, err := f.svc.ValidateByToken(ctx, p.ValidationToken)
	if err != nil {
		t.Fatalf("ValidateByToken() error = %v", err)
	}
	if view.IsExpired || len(view.Medications) != 1 || view.Medications[0].Quantity != "21" {
		t.Errorf("view = %+v", view)
	}
}

func TestMalformedIDIsNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	calls := map[string]func(id string) error{
		"Get": func(id string) error { _, err := f.svc.Get(ctx, doctor, id); return err },
		"Sign": func(id string) error {
			_, err := f.svc.Sign(ctx, doctor, id, SignatureEvidence{CertificateSerial: "1", ContentHash: "x"})
			return err
		},
		"Revoke":     func(id string) error { _, err := f.svc.Revoke(ctx, doctor, id, "x"); return err },
		"Renew":      func(id string) error { _, err := f.svc.Renew(ctx, doctor, id, 0); return err },
		"AuditTrail": func(id string) error { _, err := f.svc.AuditTrail(ctx, doctor, id); return err },
	}
	for name, call := range calls {
		for _, id := range []string{"abc", "", "1; DROP TABLE prescriptions"} {
			if err := call(id); !errors.Is(err, apperror.ErrNotFound) {
				t.Errorf("%s(%q) error = %v, want not found", name, id, err)
			}
		}
	}
}

func TestOwnershipIsEnforced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, err := f.svc.Create(ctx, doctor, sampleInput())
	if err != nil {
		t.Fatal(err)
	}

	colleague := auth.Scope{TenantID: "clinic-a", UserID: "doc-2"}
	stranger := auth.Scope{TenantID: "clinic-b", UserID: "doc-1"}
	for _, scope := range []auth.Scope{colleague, stranger} {
		if _, err := f.svc.Get(ctx, scope, p.ID); !errors.Is(err, apperror.ErrNotFound) {
			t.Errorf("Get(%v) error = %v", scope, err)
		}
		if _, err := f.svc.Revoke(ctx, scope, p.ID, "x"); !errors.Is(err, apperror.ErrNotFound) {
			t.Errorf("Revoke(%v) error = %v", scope, err)
		}
	}
	stored, _ := f.repo.Get(ctx, doctor, p.ID)
	if stored.Status != StatusPendingSignature {
		t.Error("out of scope revoke mutated the prescription")
	}
}

func TestExpiryAtValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, err := f.svc.Create(ctx, doctor, sampleInput())
	if err != nil {
		t.Fatal(err)
	}

	for _, tc := range []struct {
		days    int
		expired bool
	}{{29, false}, {31, true}} {
		f.now = issuedAt.AddDate(0, 0, tc.days)
		view, err := f.svc.ValidateByToken(ctx, p.ValidationToken)
		if err != nil {
			t.Fatalf("T+%d: %v", tc.days, err)
		}
		if view.IsExpired != tc.expired {
			t.Errorf("T+%d: IsExpired = %v, want %v", tc.days, view.IsExpired, tc.expired)
		}
	}

	hash, _ := p.DocumentHash()
	_, err = f.svc.Sign(ctx, doctor, p.ID, SignatureEvidence{CertificateSerial: "1", ContentHash: hash})
	if !errors.Is(err, apperror.ErrExpired) {
		t.Errorf("Sign after expiry error = %v, want expired", err)
	}
}

func TestSignConflictsWithConcurrentRevoke(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, err := f.svc.Create(ctx, doctor, sampleInput())
	if err != nil {
		t.Fatal(err)
	}

	// Both operations load version 1; the revoke lands first.
	loaded, _ := f.repo.Get(ctx, doctor, p.ID)
	if _, err := f.svc.Revoke(ctx, doctor, p.ID, "cancelada"); err != nil {
		t.Fatal(err)
	}
	hash, _ := loaded.DocumentHash()
	if err := loaded.Sign("doc-1", SignatureEvidence{CertificateSerial: "1", ContentHash: hash}, issuedAt); err != nil {
		t.Fatal(err)
	}
	if err := f.repo.Update(ctx, loaded); !errors.Is(err, apperror.ErrConflict) {
		t.Errorf("Update() error = %v, want conflict", err)
	}
}

func TestConcurrentRevokesBothSucceed(t *testing.T) {
	ctx := context.Background()
	mem := newMemRepo()
	repo := &racingRepo{memRepo: mem}
	journal := audit.NewMemory()
	svc := NewService(repo, newMemDirectory(), controlled.NewClassifier(controlled.DefaultTable()), journal,
		WithClock(func() time.Time { return issuedAt }))

	p, err := svc.Create(ctx, doctor, sampleInput())
	if err != nil {
		t.Fatal(err)
	}

	repo.beforeUpdate = func() {
		other, err := mem.Get(ctx, doctor, p.ID)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := other.Revoke("doc-1", "duplicada", issuedAt); err != nil {
			t.Fatal(err)
		}
		if err := mem.Update(ctx, other); err != nil {
			t.Fatal(err)
		}
	}

	got, err := svc.Revoke(ctx, doctor, p.ID, "cancelada")
	if err != nil {
		t.Fatalf("Revoke() losing the race error = %v, want success", err)
	}
	if got.Status != StatusRevoked || got.RevocationReason != "duplicada" {
		t.Errorf("revoked = %s %q, want the winner's state", got.Status, got.RevocationReason)
	}
	entries, _ := journal.List(ctx, "clinic-a", AggregateType, p.ID)
	for _, e := range entries {
		if e.Action == audit.ActionRevoked {
			t.Errorf("losing revoke journaled %+v", e)
		}
	}
}

func TestRenew(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	original, err := f.svc.Create(ctx, doctor, sampleInput())
	if err != nil {
		t.Fatal(err)
	}

	f.now = issuedAt.AddDate(0, 0, 40)
	renewed, err := f.svc.Renew(ctx, doctor, original.ID, 0)
	if err != nil {
		t.Fatalf("Renew() error = %v", err)
	}
	if renewed.ID == original.ID || renewed.ValidationToken == original.ValidationToken {
		t.Error("renewal reused identity")
	}
	if renewed.RenewedFrom != original.ID || renewed.Status != StatusPendingSignature {
		t.Errorf("renewed = %+v", renewed)
	}
	if renewed.IsExpired(f.now) || !renewed.IssuedAt.Equal(f.now) {
		t.Error("renewal did not get a fresh window")
	}
	if len(renewed.Medications) != 2 || renewed.ClinicalIndication != "insônia" {
		t.Error("renewal lost clinical data")
	}
	if a := actions(t, f, original.ID); a[len(a)-1] != audit.ActionRenewed {
		t.Errorf("original audit = %v", a)
	}
	if a := actions(t, f, renewed.ID); len(a) != 1 || a[0] != audit.ActionRenewedFrom {
		t.Errorf("renewal audit = %v", a)
	}

	if _, err := f.svc.Revoke(ctx, doctor, original.ID, "substituída"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Renew(ctx, doctor, original.ID, 0); !errors.Is(err, apperror.ErrConflict) {
		t.Errorf("renew revoked error = %v, want conflict", err)
	}
}

func TestAuditFailureDoesNotMaskResult(t *testing.T) {
	f := newFixture(t)
	f.audit.SetFailing(true)
	ctx := context.Background()

	p, err := f.svc.Create(ctx, doctor, sampleInput())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := f.svc.Revoke(ctx, doctor, p.ID, "teste"); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	stored, _ := f.repo.Get(ctx, doctor, p.ID)
	if stored.Status != StatusRevoked {
		t.Error("audit failure rolled back the transition")
	}
	if got := testutil.ToFloat64(f.metrics.AuditWriteFailures); got != 2 {
		t.Errorf("audit failures counted = %v, want 2", got)
	}
}

func TestList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := f.svc.Create(ctx, doctor, sampleInput()); err != nil {
			t.Fatal(err)
		}
	}
	list, err := f.svc.List(ctx, doctor, Filter{Status: StatusPendingSignature})
	if err != nil || len(list) != 3 {
		t.Fatalf("List() = %d, %v", len(list), err)
	}
	if _, err := f.svc.List(ctx, doctor, Filter{Status: "expired"}); !errors.Is(err, apperror.ErrValidation) {
		t.Errorf("unknown status error = %v", err)
	}
	others, _ := f.svc.List(ctx, auth.Scope{TenantID: "clinic-a", UserID: "doc-2"}, Filter{})
	if len(others) != 0 {
		t.Errorf("another prescriber sees %d prescriptions", len(others))
	}
}

func TestValidateByTokenUnknown(t *testing.T) {
	f := newFixture(t)
	for _, tok := range []string{"", "nope"} {
		_, err := f.svc.ValidateByToken(context.Background(), tok)
		if !errors.Is(err, apperror.ErrNotFound) || err.Error() != fmt.Sprintf("prescription.ValidateByToken: %s", PublicNotFoundMessage) {
			t.Errorf("ValidateByToken(%q) error = %v", tok, err)
		}
	}
}
