package prescription

import (
	"context"
	"errors"

	"github.com/atendebem/go-atende/internal/auth"
)

// ErrDuplicateToken is returned by Create when the validation token collides
// with an existing one. The service retries with a fresh token.
var ErrDuplicateToken = errors.New("validation token already in use")

// Filter narrows List results
type Filter struct {
	Status    Status
	PatientID string
	Limit     int
	Offset    int
}

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Normalize clamps the paging values.
func (f Filter) Normalize() Filter {
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// Repository persists prescriptions. Reads are filtered by the scope's tenant
// and, except for GetByToken, by the issuing user; anything outside the
// scope is reported as not found.
type Repository interface {
	// Create stores the prescription, its lines and its pending events atomically.
	Create(ctx context.Context, p *Prescription) error
	// Update writes pending events if the stored version is still
	// p.PersistedVersion(); otherwise it returns a conflict.
	Update(ctx context.Context, p *Prescription) error
	Get(ctx context.Context, scope auth.Scope, id string) (*Prescription, error)
	List(ctx context.Context, scope auth.Scope, f Filter) ([]*Prescription, error)
	// GetByToken is the only unscoped read; it backs public validation.
	GetByToken(ctx context.Context, token string) (*Prescription, error)
}

// Patient is the slice of the patient record this module needs.
type Patient struct {
	ID   string
	Name string
	CPF  string
}

// Prescriber is the issuing professional.
type Prescriber struct {
	ID            string
	Name          string
	Council       string
	CouncilNumber string
	UF            string
	Specialty     string
}

// Directory resolves people owned by other modules of the practice system.
type Directory interface {
	Patient(ctx context.Context, tenantID, id string) (*Patient, error)
	Prescriber(ctx context.Context, tenantID, id string) (*Prescriber, error)
}
