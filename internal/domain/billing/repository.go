package billing

import (
	"context"
)

// Repository persists guides and submissions, always within one tenant.
type Repository interface {
	CreateGuide(ctx context.Context, g *GuideRecord) error
	GetGuide(ctx context.Context, tenantID, id string) (*GuideRecord, error)
	// GetGuides returns the guides in the order of ids and fails with not
	// found if any id is missing.
	GetGuides(ctx context.Context, tenantID string, ids []string) ([]*GuideRecord, error)
	// CreateSubmission stores the submission. A valid one also links its
	// guides and is queued for transmission in the same transaction; a guide
	// linked concurrently makes it fail with a conflict. Invalid submissions
	// leave their guides unlinked.
	CreateSubmission(ctx context.Context, s *Submission) error
	GetSubmission(ctx context.Context, tenantID, id string) (*Submission, error)
	UpdateTransmission(ctx context.Context, tenantID, id string, t Transmission) error
}
