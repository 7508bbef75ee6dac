package integration

import (
	"context"
	"fmt"
	"sync"

	"formgate/internal/forms/models"
	"formgate/internal/sentinel"
	id "formgate/pkg/domain"
)

// InMemory stores integration definitions per organization.
type InMemory struct {
	mu    sync.RWMutex
	byOrg map[id.OrganizationID][]*models.Integration
}

func NewInMemory() *InMemory {
	return &InMemory{byOrg: make(map[id.OrganizationID][]*models.Integration)}
}

func (s *InMemory) Create(_ context.Context, in *models.Integration) error {
	if in == nil {
		return fmt.Errorf("integration is required")
	}
	if !in.Type.IsValid() {
		return fmt.Errorf("integration type %q: %w", in.Type, sentinel.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *in
	s.byOrg[in.OrganizationID] = append(s.byOrg[in.OrganizationID], &stored)
	return nil
}

// ListEnabledForForm returns enabled integrations that apply to formID:
// org-wide ones plus those bound to the form.
func (s *InMemory) ListEnabledForForm(_ context.Context, orgID id.OrganizationID, formID id.FormID) ([]*models.Integration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Integration
	for _, in := range s.byOrg[orgID] {
		if in.AppliesTo(formID) {
			c := *in
			out = append(out, &c)
		}
	}
	return out, nil
}
