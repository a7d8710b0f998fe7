package prescription

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// documentView is the signed content. Field order is fixed by the struct, so
// the encoding is stable for a given prescription.
type documentView struct {
	ID                 string           `json:"id"`
	PatientID          string           `json:"patient_id"`
	PrescriberID       string           `json:"prescriber_id"`
	Medications        []MedicationLine `json:"medications"`
	ClinicalIndication string           `json:"clinical_indication"`
	IssuedAt           string           `json:"issued_at"`
	ValidityDays       int              `json:"validity_days"`
	ValidUntil         string           `json:"valid_until"`
	ControlledCategory string           `json:"controlled_category"`
	ValidationToken    string           `json:"validation_token"`
}

// Document renders the canonical bytes that get hashed and signed. Status,
// signature and audit fields are not part of it.
func (p *Prescription) Document() ([]byte, error) {
	return json.Marshal(documentView{
		ID:                 p.ID,
		PatientID:          p.PatientID,
		PrescriberID:       p.PrescriberID,
		Medications:        p.Medications,
		ClinicalIndication: p.ClinicalIndication,
		IssuedAt:           p.IssuedAt.UTC().Format(time.RFC3339),
		ValidityDays:       p.ValidityDays,
		ValidUntil:         p.ValidUntil.UTC().Format(time.RFC3339),
		ControlledCategory: p.ControlledCategory,
		ValidationToken:    p.ValidationToken,
	})
}

// DocumentHash is the lowercase hex SHA-256 of Document.
func (p *Prescription) DocumentHash() (string, error) {
	doc, err := p.Document()
	if err != nil {
		return "", err
	}
	return HashDocument(doc), nil
}

// HashDocument is the lowercase hex SHA-256 of already rendered document bytes.
func HashDocument(doc []byte) string {
	sum := sha256.Sum256(doc)
	return hex.EncodeToString(sum[:])
}
