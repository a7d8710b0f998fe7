package billing

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/atendebem/go-atende/internal/apperror"
)

type memSequencer struct {
	mu     sync.Mutex
	values map[string]int64
}

func newMemSequencer() *memSequencer {
	return &memSequencer{values: make(map[string]int64)}
}

func (s *memSequencer) Next(ctx context.Context, tenantID, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sequenceKey(tenantID, name)
	s.values[key]++
	return s.values[key], nil
}

// uuidColumn fails the way Postgres does when a malformed id is compared
// with a UUID column.
func uuidColumn(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("ERROR: invalid input syntax for type uuid: %q (SQLSTATE 22P02)", id)
	}
	return nil
}

type memRepo struct {
	mu          sync.Mutex
	guides      map[string]*GuideRecord
	submissions map[string]*Submission
	queued      []TransmissionRequest
}

func newMemRepo() *memRepo {
	return &memRepo{
		guides:      make(map[string]*GuideRecord),
		submissions: make(map[string]*Submission),
	}
}

func (r *memRepo) CreateGuide(ctx context.Context, g *GuideRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.guides {
		if existing.TenantID == g.TenantID && existing.Number == g.Number {
			return apperror.Conflict("memRepo.CreateGuide", "duplicate number "+g.Number)
		}
	}
	cp := *g
	r.guides[g.ID] = &cp
	return nil
}

func (r *memRepo) GetGuide(ctx context.Context, tenantID, id string) (*GuideRecord, error) {
	if err := uuidColumn(id); err != nil {
		return nil, err
	}
	list, err := r.GetGuides(ctx, tenantID, []string{id})
	if err != nil {
		return nil, err
	}
	return list[0], nil
}

func (r *memRepo) GetGuides(ctx context.Context, tenantID string, ids []string) ([]*GuideRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*GuideRecord, len(ids))
	for i, id := range ids {
		g, ok := r.guides[id]
		if !ok || g.TenantID != tenantID {
			return nil, apperror.NotFound("memRepo.GetGuides", "guide "+id)
		}
		cp := *g
		out[i] = &cp
	}
	return out, nil
}

func (r *memRepo) CreateSubmission(ctx context.Context, s *Submission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	if !s.Valid {
		r.submissions[s.ID] = &cp
		return nil
	}
	for _, id := range s.GuideIDs {
		if r.guides[id].SubmissionID != "" {
			return apperror.Conflict("memRepo.CreateSubmission", "guide already linked")
		}
	}
	for _, id := range s.GuideIDs {
		r.guides[id].SubmissionID = s.ID
	}
	r.submissions[s.ID] = &cp
	r.queued = append(r.queued, TransmissionRequest{
		TenantID:     s.TenantID,
		SubmissionID: s.ID,
		InsurerANS:   s.InsurerANS,
		LotNumber:    s.LotNumber,
		Hash:         s.Hash,
	})
	return nil
}

func (r *memRepo) GetSubmission(ctx context.Context, tenantID, id string) (*Submission, error) {
	if err := uuidColumn(id); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.submissions[id]
	if !ok || s.TenantID != tenantID {
		return nil, apperror.NotFound("memRepo.GetSubmission", "submission")
	}
	cp := *s
	return &cp, nil
}

func (r *memRepo) UpdateTransmission(ctx context.Context, tenantID, id string, t Transmission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.submissions[id]
	if !ok || s.TenantID != tenantID {
		return apperror.NotFound("memRepo.UpdateTransmission", "submission")
	}
	s.Transmission = t
	return nil
}
