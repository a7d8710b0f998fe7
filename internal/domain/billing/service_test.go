package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/atendebem/go-atende/internal/apperror"
	"github.com/atendebem/go-atende/internal/audit"
	"github.com/atendebem/go-atende/internal/auth"
	"github.com/atendebem/go-atende/internal/tiss"
)

var (
	clinicA = auth.Scope{TenantID: "clinic-a", UserID: "billing-1", Role: "billing"}
	clinicB = auth.Scope{TenantID: "clinic-b", UserID: "billing-9", Role: "billing"}
	fixedAt = time.Date(2024, 3, 20, 14, 0, 0, 0, time.UTC)
)

func sampleGuide(typ tiss.GuideType, insurer string) tiss.Guide {
	exec := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	return tiss.Guide{
		Type:        typ,
		RegistroANS: insurer,
		Beneficiary: tiss.Beneficiary{CardNumber: "0012345678901", Name: "Maria Silva"},
		Contractor:  tiss.Contractor{OperatorCode: "PREST-77", Name: "Clínica Atende"},
		Professional: tiss.Professional{
			Name: "Dr. Carlos Souza", Council: "CRM", CouncilNumber: "123456", UF: "SP", CBOS: "225125",
		},
		IssueDate:     exec,
		ExecutionDate: exec,
		Procedures: []tiss.Procedure{
			{Code: "10101012", Description: "Consulta em consultório", Quantity: 1, UnitPrice: 15000},
		},
	}
}

type fixture struct {
	svc   *Service
	repo  *memRepo
	seq   *memSequencer
	audit *audit.Memory
}

func newFixture() *fixture {
	f := &fixture{repo: newMemRepo(), seq: newMemSequencer(), audit: audit.NewMemory()}
	f.svc = NewService(f.repo, f.seq, f.audit, WithClock(func() time.Time { return fixedAt }))
	return f
}

func (f *fixture) issue(t *testing.T, scope auth.Scope, g tiss.Guide) *GuideRecord {
	t.Helper()
	rec, err := f.svc.IssueGuide(context.Background(), scope, g)
	if err != nil {
		t.Fatalf("IssueGuide() error = %v", err)
	}
	return rec
}

func TestIssueGuideNumbersAndTotals(t *testing.T) {
	f := newFixture()
	g := sampleGuide(tiss.GuideSPSADT, "123456")
	g.Procedures = append(g.Procedures, tiss.Procedure{Code: "40304361", Quantity: 3, UnitPrice: 1250})

	first := f.issue(t, clinicA, g)
	second := f.issue(t, clinicA, g)
	other := f.issue(t, clinicB, g)

	if first.Number != "00000001" || second.Number != "00000002" {
		t.Errorf("numbers = %s, %s; want 00000001, 00000002", first.Number, second.Number)
	}
	if other.Number != "00000001" {
		t.Errorf("clinic-b number = %s, want its own sequence starting at 00000001", other.Number)
	}
	if first.Total != 18750 {
		t.Errorf("Total = %d, want 18750", first.Total)
	}
	if first.Guide.Number != first.Number {
		t.Errorf("snapshot number = %q, want %q", first.Guide.Number, first.Number)
	}
	if first.InsurerANS != "123456" {
		t.Errorf("InsurerANS = %q", first.InsurerANS)
	}

	entries, _ := f.audit.List(context.Background(), "clinic-a", EntityGuide, first.ID)
	if len(entries) != 1 || entries[0].Action != audit.ActionGuideIssued {
		t.Errorf("audit = %+v, want one guide_issued entry", entries)
	}
}

func TestIssueGuideRejectsInvalidInputWithoutConsumingNumber(t *testing.T) {
	f := newFixture()
	bad := sampleGuide(tiss.GuideConsultation, "123456")
	bad.Beneficiary.CardNumber = ""

	_, err := f.svc.IssueGuide(context.Background(), clinicA, bad)
	if !errors.Is(err, apperror.ErrValidation) {
		t.Fatalf("error = %v, want validation", err)
	}
	var appErr *apperror.Error
	if !errors.As(err, &appErr) || appErr.Field != "beneficiary.card_number" {
		t.Errorf("field = %+v, want beneficiary.card_number", appErr)
	}

	rec := f.issue(t, clinicA, sampleGuide(tiss.GuideConsultation, "123456"))
	if rec.Number != "00000001" {
		t.Errorf("Number = %s, want 00000001", rec.Number)
	}
}

func TestIssueGuideConcurrentNumbersAreUnique(t *testing.T) {
	f := newFixture()
	const n = 50

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		numbers = make(map[string]int)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := f.svc.IssueGuide(context.Background(), clinicA, sampleGuide(tiss.GuideConsultation, "123456"))
			if err != nil {
				t.Errorf("IssueGuide() error = %v", err)
				return
			}
			mu.Lock()
			numbers[rec.Number]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(numbers) != n {
		t.Fatalf("got %d distinct numbers, want %d", len(numbers), n)
	}
	for i := 1; i <= n; i++ {
		if numbers[fmt.Sprintf("%08d", i)] != 1 {
			t.Errorf("number %08d issued %d times", i, numbers[fmt.Sprintf("%08d", i)])
		}
	}
}

func TestRenderGuide(t *testing.T) {
	f := newFixture()
	consult := f.issue(t, clinicA, sampleGuide(tiss.GuideConsultation, "123456"))
	dental := f.issue(t, clinicA, sampleGuide(tiss.GuideDental, "123456"))

	out, err := f.svc.RenderGuide(context.Background(), clinicA, consult.ID)
	if err != nil {
		t.Fatalf("RenderGuide() error = %v", err)
	}
	if len(out) == 0 {
		t.Error("RenderGuide() returned no XML")
	}

	if _, err := f.svc.RenderGuide(context.Background(), clinicA, dental.ID); !errors.Is(err, apperror.ErrValidation) {
		t.Errorf("dental render error = %v, want validation", err)
	}
	if _, err := f.svc.RenderGuide(context.Background(), clinicB, consult.ID); !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("cross-tenant render error = %v, want not found", err)
	}
}

func TestCreateSubmission(t *testing.T) {
	f := newFixture()
	a := f.issue(t, clinicA, sampleGuide(tiss.GuideConsultation, "123456"))
	b := f.issue(t, clinicA, sampleGuide(tiss.GuideSPSADT, "123456"))

	sub, err := f.svc.CreateSubmission(context.Background(), clinicA, SubmissionInput{
		GuideIDs:   []string{a.ID, b.ID},
		InsurerANS: "123456",
	})
	if err != nil {
		t.Fatalf("CreateSubmission() error = %v", err)
	}
	if !sub.Valid {
		t.Fatalf("submission invalid: %v", sub.Errors)
	}
	if sub.Status != TransmissionPending {
		t.Errorf("Status = %s, want pending", sub.Status)
	}
	if sub.GuideCount != 2 || sub.Total != a.Total+b.Total {
		t.Errorf("GuideCount = %d, Total = %d", sub.GuideCount, sub.Total)
	}
	if sub.LotNumber != 1 || sub.Number != "00000001" {
		t.Errorf("LotNumber = %d, Number = %s", sub.LotNumber, sub.Number)
	}
	if sub.ProviderCode != "PREST-77" {
		t.Errorf("ProviderCode = %q, want contractor code", sub.ProviderCode)
	}
	if len(sub.Hash) != 32 {
		t.Errorf("Hash = %q, want 32 hex chars", sub.Hash)
	}
	if len(f.repo.queued) != 1 || f.repo.queued[0].SubmissionID != sub.ID {
		t.Errorf("queued = %+v, want one transmission request", f.repo.queued)
	}

	linked, _ := f.svc.GetGuide(context.Background(), clinicA, a.ID)
	if linked.SubmissionID != sub.ID {
		t.Errorf("guide SubmissionID = %q, want %q", linked.SubmissionID, sub.ID)
	}

	_, err = f.svc.CreateSubmission(context.Background(), clinicA, SubmissionInput{
		GuideIDs:   []string{a.ID},
		InsurerANS: "123456",
	})
	if !errors.Is(err, apperror.ErrConflict) {
		t.Errorf("resubmitting a guide: error = %v, want conflict", err)
	}
}

func TestCreateSubmissionRejections(t *testing.T) {
	f := newFixture()
	a := f.issue(t, clinicA, sampleGuide(tiss.GuideConsultation, "123456"))
	otherInsurer := f.issue(t, clinicA, sampleGuide(tiss.GuideConsultation, "654321"))
	dental := f.issue(t, clinicA, sampleGuide(tiss.GuideDental, "123456"))

	tests := []struct {
		name  string
		scope auth.Scope
		in    SubmissionInput
		want  error
	}{
		{"no guides", clinicA, SubmissionInput{InsurerANS: "123456"}, apperror.ErrValidation},
		{"no insurer", clinicA, SubmissionInput{GuideIDs: []string{a.ID}}, apperror.ErrValidation},
		{"duplicate id", clinicA, SubmissionInput{GuideIDs: []string{a.ID, a.ID}, InsurerANS: "123456"}, apperror.ErrValidation},
		{"mixed insurers", clinicA, SubmissionInput{GuideIDs: []string{a.ID, otherInsurer.ID}, InsurerANS: "123456"}, apperror.ErrValidation},
		{"unrenderable type", clinicA, SubmissionInput{GuideIDs: []string{dental.ID}, InsurerANS: "123456"}, apperror.ErrValidation},
		{"unknown guide", clinicA, SubmissionInput{GuideIDs: []string{"missing"}, InsurerANS: "123456"}, apperror.ErrNotFound},
		{"other tenant", clinicB, SubmissionInput{GuideIDs: []string{a.ID}, InsurerANS: "123456"}, apperror.ErrNotFound},
		{"anonymous", auth.Scope{}, SubmissionInput{GuideIDs: []string{a.ID}, InsurerANS: "123456"}, apperror.ErrUnauthenticated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateSubmission(context.Background(), tt.scope, tt.in)
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
	if len(f.repo.submissions) != 0 {
		t.Errorf("%d submissions stored after rejections", len(f.repo.submissions))
	}
}

func TestTransmissionLifecycle(t *testing.T) {
	f := newFixture()
	g := f.issue(t, clinicA, sampleGuide(tiss.GuideConsultation, "123456"))
	sub, err := f.svc.CreateSubmission(context.Background(), clinicA, SubmissionInput{GuideIDs: []string{g.ID}, InsurerANS: "123456"})
	if err != nil {
		t.Fatalf("CreateSubmission() error = %v", err)
	}
	ctx := context.Background()

	failed, err := f.svc.MarkTransmissionFailed(ctx, clinicA, sub.ID, MethodWebService, errors.New("HTTP 503"))
	if err != nil {
		t.Fatalf("MarkTransmissionFailed() error = %v", err)
	}
	if failed.Status != TransmissionFailed || failed.Error != "HTTP 503" {
		t.Errorf("after failure: %+v", failed.Transmission)
	}

	done, err := f.svc.MarkTransmitted(ctx, clinicA, sub.ID, MethodWebService, "PROT-1")
	if err != nil {
		t.Fatalf("MarkTransmitted() error = %v", err)
	}
	if done.Status != TransmissionTransmitted || done.Protocol != "PROT-1" || done.TransmittedAt == nil {
		t.Errorf("after success: %+v", done.Transmission)
	}
	if done.Error != "" {
		t.Errorf("Error = %q, want cleared", done.Error)
	}

	if _, err := f.svc.MarkTransmitted(ctx, clinicA, sub.ID, MethodWebService, "PROT-1"); err != nil {
		t.Errorf("repeated MarkTransmitted() error = %v, want no-op", err)
	}
	if _, err := f.svc.MarkTransmitted(ctx, clinicA, sub.ID, MethodWebService, "PROT-2"); !errors.Is(err, apperror.ErrConflict) {
		t.Errorf("different protocol: error = %v, want conflict", err)
	}
	if _, err := f.svc.MarkTransmissionFailed(ctx, clinicA, sub.ID, MethodWebService, errors.New("late")); !errors.Is(err, apperror.ErrConflict) {
		t.Errorf("failure after success: error = %v, want conflict", err)
	}

	entries, _ := f.audit.List(ctx, "clinic-a", EntitySubmission, sub.ID)
	var actions []string
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	want := []string{audit.ActionSubmissionCreated, audit.ActionSubmissionRejected, audit.ActionSubmissionSent}
	if fmt.Sprint(actions) != fmt.Sprint(want) {
		t.Errorf("audit actions = %v, want %v", actions, want)
	}
}

func TestInvalidSubmissionIsNeverTransmitted(t *testing.T) {
	f := newFixture()
	g := f.issue(t, clinicA, sampleGuide(tiss.GuideConsultation, "123456"))
	sub := &Submission{
		ID:           uuid.NewString(),
		TenantID:     "clinic-a",
		GuideIDs:     []string{g.ID},
		Valid:        false,
		Errors:       []string{"missing ans:valorTotalGeral"},
		Transmission: Transmission{Status: TransmissionNotSent},
	}
	if err := f.repo.CreateSubmission(context.Background(), sub); err != nil {
		t.Fatal(err)
	}
	if len(f.repo.queued) != 0 {
		t.Errorf("invalid submission queued for transmission")
	}
	if _, err := f.svc.MarkTransmitted(context.Background(), clinicA, sub.ID, MethodWebService, "P"); !errors.Is(err, apperror.ErrConflict) {
		t.Errorf("MarkTransmitted() error = %v, want conflict", err)
	}
}

func TestMalformedIDIsNotFound(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	calls := map[string]func(id string) error{
		"GetGuide":      func(id string) error { _, err := f.svc.GetGuide(ctx, clinicA, id); return err },
		"RenderGuide":   func(id string) error { _, err := f.svc.RenderGuide(ctx, clinicA, id); return err },
		"GetSubmission": func(id string) error { _, err := f.svc.GetSubmission(ctx, clinicA, id); return err },
		"MarkTransmitted": func(id string) error {
			_, err := f.svc.MarkTransmitted(ctx, clinicA, id, MethodWebService, "P")
			return err
		},
		"MarkTransmissionFailed": func(id string) error {
			_, err := f.svc.MarkTransmissionFailed(ctx, clinicA, id, MethodWebService, errors.New("timeout"))
			return err
		},
	}
	for name, call := range calls {
		if err := call("abc"); !errors.Is(err, apperror.ErrNotFound) {
			t.Errorf("%s(\"abc\") error = %v, want not found", name, err)
		}
	}
}

func TestInvalidSubmissionReleasesGuides(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	g := f.issue(t, clinicA, sampleGuide(tiss.GuideConsultation, "123456"))
	rejected := &Submission{
		ID:           uuid.NewString(),
		TenantID:     "clinic-a",
		GuideIDs:     []string{g.ID},
		Valid:        false,
		Errors:       []string{"missing ans:valorTotalGeral"},
		Transmission: Transmission{Status: TransmissionNotSent},
	}
	if err := f.repo.CreateSubmission(ctx, rejected); err != nil {
		t.Fatal(err)
	}

	sub, err := f.svc.CreateSubmission(ctx, clinicA, SubmissionInput{GuideIDs: []string{g.ID}, InsurerANS: "123456"})
	if err != nil {
		t.Fatalf("CreateSubmission() after an invalid lot error = %v", err)
	}
	if !sub.Valid {
		t.Fatalf("corrected submission invalid: %v", sub.Errors)
	}
	linked, err := f.svc.GetGuide(ctx, clinicA, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if linked.SubmissionID != sub.ID {
		t.Errorf("guide linked to %q, want %q", linked.SubmissionID, sub.ID)
	}
}

func TestAuditFailureDoesNotFailIssue(t *testing.T) {
	f := newFixture()
	f.audit.SetFailing(true)
	if _, err := f.svc.IssueGuide(context.Background(), clinicA, sampleGuide(tiss.GuideConsultation, "123456")); err != nil {
		t.Fatalf("IssueGuide() error = %v, want success despite audit outage", err)
	}
}
