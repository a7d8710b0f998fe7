package tiss

import (
	"strings"
	"time"
)

// GuideType is the TISS guide kind.
type GuideType string

const (
	GuideConsultation    GuideType = "consultation"
	GuideSPSADT          GuideType = "sp_sadt"
	GuideHospitalization GuideType = "hospitalization"
	GuideFees            GuideType = "fees"
	GuideDental          GuideType = "dental"
)

func (t GuideType) Valid() bool {
	switch t {
	case GuideConsultation, GuideSPSADT, GuideHospitalization, GuideFees, GuideDental:
		return true
	}
	return false
}

// Renderable reports whether this package can produce XML for the type.
func (t GuideType) Renderable() bool {
	return t == GuideConsultation || t == GuideSPSADT
}

// Beneficiary is the insured patient snapshot taken at issuance.
type Beneficiary struct {
	CardNumber string `json:"card_number"`
	Name       string `json:"name"`
	CNS        string `json:"cns,omitempty"`
	Newborn    bool   `json:"newborn,omitempty"`
}

// Contractor is the provider organization as known by the insurer.
type Contractor struct {
	OperatorCode string `json:"operator_code"`
	Name         string `json:"name"`
	CNES         string `json:"cnes,omitempty"`
}

// Professional is the executing (or requesting) health professional.
type Professional struct {
	Name          string `json:"name"`
	Council       string `json:"council"`
	CouncilNumber string `json:"council_number"`
	UF            string `json:"uf"`
	CBOS          string `json:"cbos"`
}

// Procedure is one billed line. Order is preserved in the XML.
type Procedure struct {
	Table         string    `json:"table,omitempty"`
	Code          string    `json:"code"`
	Description   string    `json:"description"`
	Quantity      int       `json:"quantity"`
	UnitPrice     Money     `json:"unit_price"`
	ExecutionDate time.Time `json:"execution_date,omitzero"`
}

func (p Procedure) Total() Money {
	return p.UnitPrice.Times(p.Quantity)
}

// Guide is the typed guide data; Extensions carries per-insurer extras that
// have no dedicated field.
type Guide struct {
	Type                  GuideType         `json:"type"`
	RegistroANS           string            `json:"registro_ans"`
	Number                string            `json:"number"`
	OperatorNumber        string            `json:"operator_number,omitempty"`
	AuthorizationPassword string            `json:"authorization_password,omitempty"`
	AuthorizationDate     *time.Time        `json:"authorization_date,omitempty"`
	Beneficiary           Beneficiary       `json:"beneficiary"`
	Contractor            Contractor        `json:"contractor"`
	Professional          Professional      `json:"professional"`
	Requester             *Professional     `json:"requester,omitempty"`
	ConsultationType      string            `json:"consultation_type,omitempty"`
	AttendanceType        string            `json:"attendance_type,omitempty"`
	AccidentIndication    string            `json:"accident_indication,omitempty"`
	AttendanceCharacter   string            `json:"attendance_character,omitempty"`
	ClinicalIndication    string            `json:"clinical_indication,omitempty"`
	Observations          string            `json:"observations,omitempty"`
	IssueDate             time.Time         `json:"issue_date"`
	ExecutionDate         time.Time         `json:"execution_date"`
	Procedures            []Procedure       `json:"procedures"`
	Extensions            map[string]string `json:"extensions,omitempty"`
}

// Total is the sum of quantity × unit price over all procedures.
func (g Guide) Total() Money {
	var total Money
	for _, p := range g.Procedures {
		total += p.Total()
	}
	return total
}

// Validate checks the fields every guide type needs.
func (g Guide) Validate() error {
	if !g.Type.Valid() {
		return &ValidationError{Field: "type", Message: "unknown guide type " + string(g.Type)}
	}
	required := []struct{ field, value string }{
		{"registro_ans", g.RegistroANS},
		{"number", g.Number},
		{"beneficiary.card_number", g.Beneficiary.CardNumber},
		{"beneficiary.name", g.Beneficiary.Name},
		{"contractor.operator_code", g.Contractor.OperatorCode},
		{"professional.name", g.Professional.Name},
		{"professional.council_number", g.Professional.CouncilNumber},
		{"professional.uf", g.Professional.UF},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return &ValidationError{Field: r.field, Message: "is required"}
		}
	}
	if len(g.Procedures) == 0 {
		return &ValidationError{Field: "procedures", Message: "at least one procedure is required"}
	}
	for i, p := range g.Procedures {
		if strings.TrimSpace(p.Code) == "" {
			return &ValidationError{Field: fieldIndex("procedures", i, "code"), Message: "is required"}
		}
		if p.Quantity <= 0 {
			return &ValidationError{Field: fieldIndex("procedures", i, "quantity"), Message: "must be positive"}
		}
		if p.UnitPrice < 0 {
			return &ValidationError{Field: fieldIndex("procedures", i, "unit_price"), Message: "must not be negative"}
		}
	}
	if g.ExecutionDate.IsZero() {
		return &ValidationError{Field: "execution_date", Message: "is required"}
	}
	return nil
}

// ValidationError represents a validation error with field context
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
