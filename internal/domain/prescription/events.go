package prescription

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of domain event
type EventType string

const (
	EventPrescriptionIssued  EventType = "PrescriptionIssued"
	EventPrescriptionRenewed EventType = "PrescriptionRenewed"
	EventPrescriptionSigned  EventType = "PrescriptionSigned"
	EventPrescriptionRevoked EventType = "PrescriptionRevoked"
)

// AggregateType names prescriptions in the outbox and the audit log.
const AggregateType = "prescription"

// Event represents a domain event
type Event struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenant_id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Version       int             `json:"version"`
	ActorID       string          `json:"actor_id"`
	Timestamp     time.Time       `json:"timestamp"`
}

// NewEvent creates a new event
func NewEvent(tenantID, aggregateID, actorID string, eventType EventType, data interface{}, at time.Time) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		TenantID:      tenantID,
		AggregateID:   aggregateID,
		AggregateType: AggregateType,
		EventType:     eventType,
		EventData:     eventData,
		ActorID:       actorID,
		Timestamp:     at.UTC(),
	}, nil
}

// IssuedData carries everything a new prescription starts with. Renewals
// use the same payload with RenewedFrom set.
type IssuedData struct {
	PrescriptionID       string           `json:"prescription_id"`
	PatientID            string           `json:"patient_id"`
	PrescriberID         string           `json:"prescriber_id"`
	Medications          []MedicationLine `json:"medications"`
	ClinicalIndication   string           `json:"clinical_indication,omitempty"`
	IssuedAt             time.Time        `json:"issued_at"`
	ValidityDays         int              `json:"validity_days"`
	ValidUntil           time.Time        `json:"valid_until"`
	IsControlled         bool             `json:"is_controlled"`
	ControlledCategory   string           `json:"controlled_category,omitempty"`
	RequiresNotification bool             `json:"requires_notification"`
	ValidationToken      string           `json:"validation_token"`
	RenewedFrom          string           `json:"renewed_from,omitempty"`
}

// SignedData carries the signature evidence
type SignedData struct {
	PrescriptionID string            `json:"prescription_id"`
	Signature      SignatureEvidence `json:"signature"`
}

// RevokedData carries the revocation reason
type RevokedData struct {
	PrescriptionID string    `json:"prescription_id"`
	Reason         string    `json:"reason"`
	RevokedAt      time.Time `json:"revoked_at"`
}
