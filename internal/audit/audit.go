// Package audit journals who changed what. Entries are append only; writes
// are best effort from the caller's point of view and never undo the change
// they describe.
package audit

import (
	"context"
	"time"
)

// Actions journaled by the workflow services.
const (
	ActionCreated            = "created"
	ActionSigned             = "signed"
	ActionRevoked            = "revoked"
	ActionRenewed            = "renewed"
	ActionRenewedFrom        = "renewed_from"
	ActionSignatureStarted   = "signature_started"
	ActionSignatureFailed    = "signature_failed"
	ActionGuideIssued        = "guide_issued"
	ActionSubmissionCreated  = "submission_created"
	ActionSubmissionSent     = "submission_transmitted"
	ActionSubmissionRejected = "submission_failed"
)

// Entry is one audit log row.
type Entry struct {
	ID         string                 `json:"id"`
	TenantID   string                 `json:"tenant_id"`
	ActorID    string                 `json:"actor_id"`
	EntityType string                 `json:"entity_type"`
	EntityID   string                 `json:"entity_id"`
	Action     string                 `json:"action"`
	Details    map[string]interface{} `json:"details,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// Recorder persists and reads audit entries. List returns entries oldest first.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
	List(ctx context.Context, tenantID, entityType, entityID string) ([]Entry, error)
}
