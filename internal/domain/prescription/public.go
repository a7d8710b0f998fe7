package prescription

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// PublicNotFoundMessage is the only failure a public caller ever sees.
const PublicNotFoundMessage = "prescrição não encontrada ou revogada"

// PublicDoctor identifies the prescriber on the public page.
type PublicDoctor struct {
	Name          string `json:"name"`
	Council       string `json:"council"`
	CouncilNumber string `json:"council_number"`
	UF            string `json:"uf"`
	Specialty     string `json:"specialty,omitempty"`
}

// PublicPatient is masked.
type PublicPatient struct {
	Name string `json:"name"`
	CPF  string `json:"cpf,omitempty"`
}

// PublicView is what a pharmacist sees after scanning the token. It carries
// no tenant or internal identifiers.
type PublicView struct {
	Doctor             PublicDoctor     `json:"doctor"`
	Patient            PublicPatient    `json:"patient"`
	Medications        []MedicationLine `json:"medications"`
	IssuedAt           time.Time        `json:"issued_at"`
	ValidUntil         time.Time        `json:"valid_until"`
	IsExpired          bool             `json:"is_expired"`
	Signed             bool             `json:"signed"`
	SignedAt           *time.Time       `json:"signed_at,omitempty"`
	IsControlled       bool             `json:"is_controlled"`
	ControlledCategory string           `json:"controlled_category,omitempty"`
}

func newPublicView(p *Prescription, doctor *Prescriber, patient *Patient, now time.Time) *PublicView {
	v := &PublicView{
		Doctor: PublicDoctor{
			Name:          doctor.Name,
			Council:       doctor.Council,
			CouncilNumber: doctor.CouncilNumber,
			UF:            doctor.UF,
			Specialty:     doctor.Specialty,
		},
		Patient: PublicPatient{
			Name: MaskName(patient.Name),
			CPF:  MaskCPF(patient.CPF),
		},
		Medications:        p.Medications,
		IssuedAt:           p.IssuedAt,
		ValidUntil:         p.ValidUntil,
		IsExpired:          p.IsExpired(now),
		Signed:             p.Status == StatusSigned,
		IsControlled:       p.IsControlled,
		ControlledCategory: p.ControlledCategory,
	}
	if p.Signature != nil {
		signedAt := p.Signature.SignedAt
		v.SignedAt = &signedAt
	}
	return v
}

// MaskName keeps the first name and the initial of the last one:
// "Maria da Silva" becomes "Maria S.".
func MaskName(name string) string {
	parts := strings.Fields(name)
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	}
	last, _ := utf8.DecodeRuneInString(parts[len(parts)-1])
	return parts[0] + " " + string(unicode.ToUpper(last)) + "."
}

// MaskCPF shows only the middle six digits: ***.456.789-**. Anything that is
// not an 11 digit CPF is dropped entirely.
func MaskCPF(cpf string) string {
	digits := make([]byte, 0, 11)
	for i := 0; i < len(cpf); i++ {
		if cpf[i] >= '0' && cpf[i] <= '9' {
			digits = append(digits, cpf[i])
		}
	}
	if len(digits) != 11 {
		return ""
	}
	return "***." + string(digits[3:6]) + "." + string(digits[6:9]) + "-**"
}
