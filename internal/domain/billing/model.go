// Package billing issues TISS guides and groups them into submissions
// (lots) ready for transmission to an insurer.
package billing

import (
	"time"

	"github.com/atendebem/go-atende/internal/tiss"
)

// Entity types in the audit log and the outbox.
const (
	EntityGuide      = "tiss_guide"
	EntitySubmission = "tiss_submission"
)

// Sequence names. Each is counted per tenant.
const (
	SeqGuide       = "tiss_guide"
	SeqLot         = "tiss_lot"
	SeqTransaction = "tiss_transaction"
)

// MethodWebService is the only transmission method implemented.
const MethodWebService = "webservice"

// GuideRecord is an issued guide. The snapshot is immutable; only the
// submission link is set later.
type GuideRecord struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"-"`
	Number       string         `json:"number"`
	Type         tiss.GuideType `json:"type"`
	InsurerANS   string         `json:"insurer_ans"`
	Guide        tiss.Guide     `json:"guide"`
	Total        tiss.Money     `json:"total"`
	SubmissionID string         `json:"submission_id,omitempty"`
	CreatedBy    string         `json:"created_by"`
	CreatedAt    time.Time      `json:"created_at"`
}

// TransmissionStatus tracks delivery to the insurer.
type TransmissionStatus string

const (
	TransmissionPending     TransmissionStatus = "pending"
	TransmissionNotSent     TransmissionStatus = "not_sent"
	TransmissionTransmitted TransmissionStatus = "transmitted"
	TransmissionFailed      TransmissionStatus = "failed"
)

// Submission is one mensagemTISS lot. XML and Hash never change after
// creation; only the transmission fields do.
type Submission struct {
	ID           string     `json:"id"`
	TenantID     string     `json:"-"`
	Number       string     `json:"number"`
	LotNumber    int64      `json:"lot_number"`
	InsurerANS   string     `json:"insurer_ans"`
	ProviderCode string     `json:"provider_code"`
	XML          []byte     `json:"-"`
	Hash         string     `json:"hash"`
	GuideCount   int        `json:"guide_count"`
	Total        tiss.Money `json:"total"`
	GuideIDs     []string   `json:"guide_ids"`
	Valid        bool       `json:"valid"`
	Errors       []string   `json:"errors,omitempty"`
	CreatedBy    string     `json:"created_by"`
	CreatedAt    time.Time  `json:"created_at"`

	Transmission
}

// Transmission holds the only mutable fields of a submission.
type Transmission struct {
	Status        TransmissionStatus `json:"transmission_status"`
	Method        string             `json:"transmission_method,omitempty"`
	Protocol      string             `json:"protocol,omitempty"`
	Error         string             `json:"transmission_error,omitempty"`
	TransmittedAt *time.Time         `json:"transmitted_at,omitempty"`
}

// TransmissionRequest is published on the submissions topic for the
// transmitter.
type TransmissionRequest struct {
	TenantID     string `json:"tenant_id"`
	SubmissionID string `json:"submission_id"`
	InsurerANS   string `json:"insurer_ans"`
	LotNumber    int64  `json:"lot_number"`
	Hash         string `json:"hash"`
}
