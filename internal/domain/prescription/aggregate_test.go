package prescription

import (
	"errors"
	"testing"
	"time"

	"github.com/atendebem/go-atende/internal/apperror"
)

var issuedAt = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestPrescription(t *testing.T) *Prescription {
	t.Helper()
	p, err := Issue(IssueParams{
		TenantID:        "clinic-a",
		PatientID:       "pat-1",
		PrescriberID:    "doc-1",
		Medications:     []MedicationLine{{Name: "Amoxicilina 500mg", Dosage: "1 cápsula", Frequency: "8/8h"}},
		ValidityDays:    30,
		ValidationToken: "tok-1",
		Now:             issuedAt,
	})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	return p
}

func evidenceFor(t *testing.T, p *Prescription) SignatureEvidence {
	t.Helper()
	hash, err := p.DocumentHash()
	if err != nil {
		t.Fatalf("DocumentHash() error = %v", err)
	}
	return SignatureEvidence{CertificateSerial: "4F2A", SignerCPF: "12345678909", ContentHash: hash}
}

func TestIssue(t *testing.T) {
	p := newTestPrescription(t)

	if p.Status != StatusPendingSignature {
		t.Errorf("Status = %s, want pending_signature", p.Status)
	}
	if want := issuedAt.AddDate(0, 0, 30); !p.ValidUntil.Equal(want) {
		t.Errorf("ValidUntil = %v, want %v", p.ValidUntil, want)
	}
	if p.Version != 1 || len(p.Changes()) != 1 || p.Changes()[0].EventType != EventPrescriptionIssued {
		t.Errorf("version %d, changes %+v", p.Version, p.Changes())
	}
	if p.PersistedVersion() != 0 {
		t.Errorf("PersistedVersion() = %d, want 0", p.PersistedVersion())
	}
}

func TestIssueValidation(t *testing.T) {
	base := IssueParams{
		Medications:     []MedicationLine{{Name: "Dipirona"}},
		ValidityDays:    30,
		ValidationToken: "tok",
		Now:             issuedAt,
	}
	tests := []struct {
		name   string
		mutate func(*IssueParams)
		field  string
	}{
		{"no medications", func(p *IssueParams) { p.Medications = nil }, "medications"},
		{"blank medication name", func(p *IssueParams) {
			p.Medications = []MedicationLine{{Name: "Dipirona"}, {Name: "  "}}
		}, "medications[1].name"},
		{"zero validity", func(p *IssueParams) { p.ValidityDays = 0 }, "validity_days"},
		{"negative validity", func(p *IssueParams) { p.ValidityDays = -3 }, "validity_days"},
		{"no token", func(p *IssueParams) { p.ValidationToken = "" }, "validation_token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := base
			tt.mutate(&params)
			_, err := Issue(params)
			var appErr *apperror.Error
			if !errors.As(err, &appErr) || appErr.Kind != apperror.KindValidation {
				t.Fatalf("error = %v, want validation", err)
			}
			if appErr.Field != tt.field {
				t.Errorf("Field = %q, want %q", appErr.Field, tt.field)
			}
		})
	}
}

func TestIsExpiredIsDerived(t *testing.T) {
	p := newTestPrescription(t)

	if p.IsExpired(issuedAt.AddDate(0, 0, 29)) {
		t.Error("expired at T+29")
	}
	if !p.IsExpired(issuedAt.AddDate(0, 0, 31)) {
		t.Error("not expired at T+31")
	}
	if p.Status != StatusPendingSignature {
		t.Error("expiry must not change the stored status")
	}
}

func TestSign(t *testing.T) {
	p := newTestPrescription(t)
	ev := evidenceFor(t, p)

	if err := p.Sign("doc-1", ev, issuedAt.Add(time.Hour)); err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if p.Status != StatusSigned || p.Signature == nil || p.Signature.CertificateSerial != "4F2A" {
		t.Fatalf("prescription after sign = %+v", p)
	}
	if p.Signature.SignedAt.IsZero() {
		t.Error("SignedAt not defaulted")
	}

	err := p.Sign("doc-1", ev, issuedAt.Add(2*time.Hour))
	if !errors.Is(err, apperror.ErrConflict) {
		t.Errorf("second Sign() error = %v, want conflict", err)
	}
}

func TestSignRejects(t *testing.T) {
	t.Run("hash mismatch", func(t *testing.T) {
		p := newTestPrescription(t)
		ev := evidenceFor(t, p)
		ev.ContentHash = "deadbeef"
		if err := p.Sign("doc-1", ev, issuedAt); !errors.Is(err, apperror.ErrValidation) {
			t.Errorf("error = %v, want validation", err)
		}
	})
	t.Run("missing serial", func(t *testing.T) {
		p := newTestPrescription(t)
		ev := evidenceFor(t, p)
		ev.CertificateSerial = ""
		if err := p.Sign("doc-1", ev, issuedAt); !errors.Is(err, apperror.ErrValidation) {
			t.Errorf("error = %v, want validation", err)
		}
	})
	t.Run("expired", func(t *testing.T) {
		p := newTestPrescription(t)
		if err := p.Sign("doc-1", evidenceFor(t, p), issuedAt.AddDate(0, 0, 31)); !errors.Is(err, apperror.ErrExpired) {
			t.Errorf("error = %v, want expired", err)
		}
	})
	t.Run("revoked", func(t *testing.T) {
		p := newTestPrescription(t)
		if _, err := p.Revoke("doc-1", "erro de digitação", issuedAt); err != nil {
			t.Fatal(err)
		}
		if err := p.Sign("doc-1", evidenceFor(t, p), issuedAt); !errors.Is(err, apperror.ErrConflict) {
			t.Errorf("error = %v, want conflict", err)
		}
	})
}

func TestRevokeIsIdempotent(t *testing.T) {
	p := newTestPrescription(t)
	if err := p.Sign("doc-1", evidenceFor(t, p), issuedAt); err != nil {
		t.Fatal(err)
	}

	changed, err := p.Revoke("doc-1", "paciente alérgico", issuedAt.Add(time.Hour))
	if err != nil || !changed {
		t.Fatalf("first Revoke() = %v, %v", changed, err)
	}
	version := p.Version
	revokedAt := *p.RevokedAt

	changed, err = p.Revoke("doc-1", "outro motivo", issuedAt.Add(2*time.Hour))
	if err != nil || changed {
		t.Fatalf("second Revoke() = %v, %v, want no change", changed, err)
	}
	if p.Version != version || !p.RevokedAt.Equal(revokedAt) || p.RevocationReason != "paciente alérgico" {
		t.Error("second revoke mutated the prescription")
	}

	if _, err := newTestPrescription(t).Revoke("doc-1", " ", issuedAt); !errors.Is(err, apperror.ErrValidation) {
		t.Errorf("blank reason error = %v, want validation", err)
	}
}

func TestDocumentHashIsStable(t *testing.T) {
	p := newTestPrescription(t)
	h1, _ := p.DocumentHash()

	if err := p.Sign("doc-1", evidenceFor(t, p), issuedAt); err != nil {
		t.Fatal(err)
	}
	h2, _ := p.DocumentHash()
	if h1 != h2 {
		t.Error("signing changed the document hash")
	}
	if len(h1) != 64 {
		t.Errorf("hash length = %d, want 64", len(h1))
	}

	p.Medications[0].Dosage = "2 cápsulas"
	if h3, _ := p.DocumentHash(); h3 == h1 {
		t.Error("content change did not change the hash")
	}
}
