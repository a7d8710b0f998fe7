// Package prescription implements the prescription lifecycle: issuance,
// signature, revocation, renewal and public validation by token.
package prescription

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/atendebem/go-atende/internal/apperror"
)

// Status represents prescription status. Expiry is never stored; see IsExpired.
type Status string

const (
	StatusPendingSignature Status = "pending_signature"
	StatusSigned           Status = "signed"
	StatusRevoked          Status = "revoked"
)

// DefaultValidityDays applies when the caller does not choose a window.
const DefaultValidityDays = 30

// MedicationLine is one prescribed item. Lines keep insertion order.
type MedicationLine struct {
	Name         string   `json:"name"`
	Dosage       string   `json:"dosage,omitempty"`
	Frequency    string   `json:"frequency,omitempty"`
	Duration     string   `json:"duration,omitempty"`
	Quantity     Quantity `json:"quantity,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
	Warnings     string   `json:"warnings,omitempty"`
}

// SignatureEvidence is what a completed remote signature leaves behind.
type SignatureEvidence struct {
	CertificateSerial  string    `json:"certificate_serial"`
	CertificateSubject string    `json:"certificate_subject,omitempty"`
	CertificateIssuer  string    `json:"certificate_issuer,omitempty"`
	SignerCPF          string    `json:"signer_cpf,omitempty"`
	ContentHash        string    `json:"content_hash"`
	SignedDocumentRef  string    `json:"signed_document_ref,omitempty"`
	SignedAt           time.Time `json:"signed_at"`
	SessionID          string    `json:"session_id,omitempty"`
}

// Prescription is the aggregate root. Mutations go through Sign and Revoke,
// which record events for the repository to persist and publish.
type Prescription struct {
	ID                   string             `json:"id"`
	TenantID             string             `json:"-"`
	PatientID            string             `json:"patient_id"`
	PrescriberID         string             `json:"prescriber_id"`
	Medications          []MedicationLine   `json:"medications"`
	ClinicalIndication   string             `json:"clinical_indication,omitempty"`
	IssuedAt             time.Time          `json:"issued_at"`
	ValidityDays         int                `json:"validity_days"`
	ValidUntil           time.Time          `json:"valid_until"`
	Status               Status             `json:"status"`
	IsControlled         bool               `json:"is_controlled"`
	ControlledCategory   string             `json:"controlled_category,omitempty"`
	RequiresNotification bool               `json:"requires_notification"`
	ValidationToken      string             `json:"validation_token"`
	RenewedFrom          string             `json:"renewed_from,omitempty"`
	Signature            *SignatureEvidence `json:"signature,omitempty"`
	RevokedAt            *time.Time         `json:"revoked_at,omitempty"`
	RevocationReason     string             `json:"revocation_reason,omitempty"`
	Version              int                `json:"version"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`

	changes []*Event
}

// IssueParams are the inputs of a new prescription. Classification and the
// token are computed by the caller.
type IssueParams struct {
	TenantID             string
	PatientID            string
	PrescriberID         string
	Medications          []MedicationLine
	ClinicalIndication   string
	ValidityDays         int
	IsControlled         bool
	ControlledCategory   string
	RequiresNotification bool
	ValidationToken      string
	RenewedFrom          string
	Now                  time.Time
}

// Issue creates a prescription awaiting signature.
func Issue(p IssueParams) (*Prescription, error) {
	const op = "prescription.Issue"

	if len(p.Medications) == 0 {
		return nil, apperror.Validation(op, "medications", "at least one medication is required")
	}
	for i, m := range p.Medications {
		if strings.TrimSpace(m.Name) == "" {
			return nil, apperror.Validation(op, lineField(i, "name"), "is required")
		}
	}
	if p.ValidityDays <= 0 {
		return nil, apperror.Validation(op, "validity_days", "must be positive")
	}
	if p.ValidationToken == "" {
		return nil, apperror.Validation(op, "validation_token", "is required")
	}

	issuedAt := p.Now.UTC().Truncate(time.Second)
	rx := &Prescription{ID: uuid.New().String(), TenantID: p.TenantID, CreatedAt: issuedAt}

	lines := make([]MedicationLine, len(p.Medications))
	copy(lines, p.Medications)

	eventType := EventPrescriptionIssued
	if p.RenewedFrom != "" {
		eventType = EventPrescriptionRenewed
	}
	data := &IssuedData{
		PrescriptionID:       rx.ID,
		PatientID:            p.PatientID,
		PrescriberID:         p.PrescriberID,
		Medications:          lines,
		ClinicalIndication:   p.ClinicalIndication,
		IssuedAt:             issuedAt,
		ValidityDays:         p.ValidityDays,
		ValidUntil:           issuedAt.AddDate(0, 0, p.ValidityDays),
		IsControlled:         p.IsControlled,
		ControlledCategory:   p.ControlledCategory,
		RequiresNotification: p.RequiresNotification,
		ValidationToken:      p.ValidationToken,
		RenewedFrom:          p.RenewedFrom,
	}
	if err := rx.record(p.PrescriberID, eventType, data, issuedAt); err != nil {
		return nil, apperror.Internal(op, err)
	}
	return rx, nil
}

// IsExpired is computed against the caller's clock on every call.
func (p *Prescription) IsExpired(now time.Time) bool {
	return now.After(p.ValidUntil)
}

// Sign attaches the signature evidence. The evidence hash must match the
// server side document hash.
func (p *Prescription) Sign(actorID string, ev SignatureEvidence, now time.Time) error {
	const op = "prescription.Sign"

	switch p.Status {
	case StatusRevoked:
		return apperror.Conflict(op, "prescription is revoked")
	case StatusSigned:
		return apperror.Conflict(op, "prescription is already signed")
	}
	if p.IsExpired(now) {
		return apperror.Expired(op, "prescription expired at "+p.ValidUntil.Format(time.RFC3339))
	}
	if strings.TrimSpace(ev.CertificateSerial) == "" {
		return apperror.Validation(op, "certificate_serial", "is required")
	}
	hash, err := p.DocumentHash()
	if err != nil {
		return apperror.Internal(op, err)
	}
	if !strings.EqualFold(ev.ContentHash, hash) {
		return apperror.Validation(op, "content_hash", "does not match the prescription document")
	}
	if ev.SignedAt.IsZero() {
		ev.SignedAt = now
	}
	ev.SignedAt = ev.SignedAt.UTC()

	if err := p.record(actorID, EventPrescriptionSigned, &SignedData{PrescriptionID: p.ID, Signature: ev}, now); err != nil {
		return apperror.Internal(op, err)
	}
	return nil
}

// Revoke moves any non-revoked prescription to revoked. Revoking twice
// changes nothing and reports changed=false.
func (p *Prescription) Revoke(actorID, reason string, now time.Time) (changed bool, err error) {
	const op = "prescription.Revoke"

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return false, apperror.Validation(op, "reason", "is required")
	}
	if p.Status == StatusRevoked {
		return false, nil
	}
	data := &RevokedData{PrescriptionID: p.ID, Reason: reason, RevokedAt: now.UTC()}
	if err := p.record(actorID, EventPrescriptionRevoked, data, now); err != nil {
		return false, apperror.Internal(op, err)
	}
	return true, nil
}

// Changes returns uncommitted events
func (p *Prescription) Changes() []*Event { return p.changes }

// ClearChanges clears uncommitted events
func (p *Prescription) ClearChanges() { p.changes = nil }

// PersistedVersion is the version the stored row has before the pending
// changes are written.
func (p *Prescription) PersistedVersion() int {
	return p.Version - len(p.changes)
}

func (p *Prescription) record(actorID string, t EventType, data interface{}, at time.Time) error {
	event, err := NewEvent(p.TenantID, p.ID, actorID, t, data, at)
	if err != nil {
		return err
	}
	if err := p.apply(event); err != nil {
		return err
	}
	p.changes = append(p.changes, event)
	return nil
}

func (p *Prescription) apply(event *Event) error {
	switch event.EventType {
	case EventPrescriptionIssued, EventPrescriptionRenewed:
		var data IssuedData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return err
		}
		p.PatientID = data.PatientID
		p.PrescriberID = data.PrescriberID
		p.Medications = data.Medications
		p.ClinicalIndication = data.ClinicalIndication
		p.IssuedAt = data.IssuedAt
		p.ValidityDays = data.ValidityDays
		p.ValidUntil = data.ValidUntil
		p.IsControlled = data.IsControlled
		p.ControlledCategory = data.ControlledCategory
		p.RequiresNotification = data.RequiresNotification
		p.ValidationToken = data.ValidationToken
		p.RenewedFrom = data.RenewedFrom
		p.Status = StatusPendingSignature

	case EventPrescriptionSigned:
		var data SignedData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return err
		}
		sig := data.Signature
		p.Signature = &sig
		p.Status = StatusSigned

	case EventPrescriptionRevoked:
		var data RevokedData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return err
		}
		revokedAt := data.RevokedAt
		p.RevokedAt = &revokedAt
		p.RevocationReason = data.Reason
		p.Status = StatusRevoked
	}

	p.Version++
	event.Version = p.Version
	p.UpdatedAt = event.Timestamp
	return nil
}

func lineField(i int, field string) string {
	return "medications[" + strconv.Itoa(i) + "]." + field
}
