package prescription

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/atendebem/go-atende/internal/apperror"
	"github.com/atendebem/go-atende/internal/auth"
)

// uuidColumn fails the way Postgres does when a malformed id is compared
// with a UUID column.
func uuidColumn(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("ERROR: invalid input syntax for type uuid: %q (SQLSTATE 22P02)", id)
	}
	return nil
}

type memRepo struct {
	mu      sync.Mutex
	byID    map[string]*Prescription
	events  []*Event
	creates int
}

func newMemRepo() *memRepo {
	return &memRepo{byID: make(map[string]*Prescription)}
}

func clone(p *Prescription) *Prescription {
	cp := *p
	cp.Medications = append([]MedicationLine(nil), p.Medications...)
	if p.Signature != nil {
		sig := *p.Signature
		cp.Signature = &sig
	}
	cp.changes = nil
	return &cp
}

func (r *memRepo) Create(ctx context.Context, p *Prescription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creates++
	for _, existing := range r.byID {
		if existing.ValidationToken == p.ValidationToken {
			return ErrDuplicateToken
		}
	}
	r.byID[p.ID] = clone(p)
	r.events = append(r.events, p.Changes()...)
	p.ClearChanges()
	return nil
}

func (r *memRepo) Update(ctx context.Context, p *Prescription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.byID[p.ID]
	if !ok || stored.TenantID != p.TenantID {
		return apperror.NotFound("memRepo.Update", "prescription")
	}
	if stored.Version != p.PersistedVersion() {
		return apperror.Conflict("memRepo.Update", "prescription was modified concurrently")
	}
	r.byID[p.ID] = clone(p)
	r.events = append(r.events, p.Changes()...)
	p.ClearChanges()
	return nil
}

func (r *memRepo) Get(ctx context.Context, scope auth.Scope, id string) (*Prescription, error) {
	if err := uuidColumn(id); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byID[id]
	if !ok || p.TenantID != scope.TenantID || p.PrescriberID != scope.UserID {
		return nil, apperror.NotFound("memRepo.Get", "prescription")
	}
	return clone(p), nil
}

func (r *memRepo) List(ctx context.Context, scope auth.Scope, f Filter) ([]*Prescription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Prescription
	for _, p := range r.byID {
		if p.TenantID != scope.TenantID || p.PrescriberID != scope.UserID {
			continue
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		if f.PatientID != "" && p.PatientID != f.PatientID {
			continue
		}
		out = append(out, clone(p))
	}
	return out, nil
}

func (r *memRepo) GetByToken(ctx context.Context, token string) (*Prescription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.byID {
		if p.ValidationToken == token {
			return clone(p), nil
		}
	}
	return nil, apperror.NotFound("memRepo.GetByToken", "prescription")
}

type memDirectory struct {
	patients    map[string]*Patient
	prescribers map[string]*Prescriber
}

func key(tenantID, id string) string { return tenantID + "/" + id }

func newMemDirectory() *memDirectory {
	return &memDirectory{
		patients: map[string]*Patient{
			key("clinic-a", "pat-1"): {ID: "pat-1", Name: "Maria da Silva", CPF: "123.456.789-09"},
			key("clinic-a", "P1"):    {ID: "P1", Name: "Pedro Alves"},
		},
		prescribers: map[string]*Prescriber{
			key("clinic-a", "doc-1"): {ID: "doc-1", Name: "Dr. João Souza", Council: "CRM", CouncilNumber: "123456", UF: "SP", Specialty: "Clínica Médica"},
		},
	}
}

func (d *memDirectory) Patient(ctx context.Context, tenantID, id string) (*Patient, error) {
	if p, ok := d.patients[key(tenantID, id)]; ok {
		return p, nil
	}
	return nil, apperror.NotFound("memDirectory.Patient", "patient")
}

func (d *memDirectory) Prescriber(ctx context.Context, tenantID, id string) (*Prescriber, error) {
	if p, ok := d.prescribers[key(tenantID, id)]; ok {
		return p, nil
	}
	return nil, apperror.NotFound("memDirectory.Prescriber", "prescriber")
}

// racingRepo runs beforeUpdate once, just before the first Update reaches the
// store, to let a competing writer land in between.
type racingRepo struct {
	*memRepo
	beforeUpdate func()
}

func (r *racingRepo) Update(ctx context.Context, p *Prescription) error {
	if fn := r.beforeUpdate; fn != nil {
		r.beforeUpdate = nil
		fn()
	}
	return r.memRepo.Update(ctx, p)
}
