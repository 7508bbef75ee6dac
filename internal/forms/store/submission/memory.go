package submission

import (
	"context"
	"fmt"
	"sync"

	"formgate/internal/forms/models"
	"formgate/internal/sentinel"
	id "formgate/pkg/domain"
)

// InMemory stores accepted submissions in arrival order.
type InMemory struct {
	mu          sync.RWMutex
	submissions []*models.Submission
	byID        map[id.SubmissionID]*models.Submission
}

func NewInMemory() *InMemory {
	return &InMemory{byID: make(map[id.SubmissionID]*models.Submission)}
}

func (s *InMemory) Create(_ context.Context, sub *models.Submission) error {
	if sub == nil {
		return fmt.Errorf("submission is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[sub.ID]; exists {
		return fmt.Errorf("submission already exists: %w", sentinel.ErrAlreadyUsed)
	}
	stored := *sub
	s.submissions = append(s.submissions, &stored)
	s.byID[sub.ID] = &stored
	return nil
}

func (s *InMemory) FindByID(_ context.Context, subID id.SubmissionID) (*models.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.byID[subID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	out := *sub
	return &out, nil
}

// ListByForm returns the newest submissions for a form first, at most limit.
func (s *InMemory) ListByForm(_ context.Context, formID id.FormID, limit int) ([]*models.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Submission
	for i := len(s.submissions) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if sub := s.submissions[i]; sub.FormID == formID {
			c := *sub
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *InMemory) CountByForm(_ context.Context, formID id.FormID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, sub := range s.submissions {
		if sub.FormID == formID {
			n++
		}
	}
	return n, nil
}
