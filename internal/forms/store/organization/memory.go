package organization

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"formgate/internal/forms/models"
	"formgate/internal/sentinel"
	id "formgate/pkg/domain"
)

// InMemory stores organizations and their whitelisted domains.
type InMemory struct {
	mu      sync.RWMutex
	orgs    map[id.OrganizationID]*models.Organization
	domains map[id.OrganizationID][]*models.WhitelistedDomain
}

func NewInMemory() *InMemory {
	return &InMemory{
		orgs:    make(map[id.OrganizationID]*models.Organization),
		domains: make(map[id.OrganizationID][]*models.WhitelistedDomain),
	}
}

func (s *InMemory) Create(_ context.Context, org *models.Organization) error {
	if org == nil {
		return fmt.Errorf("organization is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.orgs[org.ID]; exists {
		return fmt.Errorf("organization already exists: %w", sentinel.ErrAlreadyUsed)
	}
	stored := *org
	s.orgs[org.ID] = &stored
	return nil
}

func (s *InMemory) FindByID(_ context.Context, orgID id.OrganizationID) (*models.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	org, ok := s.orgs[orgID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	out := *org
	return &out, nil
}

func (s *InMemory) Update(_ context.Context, org *models.Organization) error {
	if org == nil {
		return fmt.Errorf("organization is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[org.ID]; !ok {
		return sentinel.ErrNotFound
	}
	stored := *org
	s.orgs[org.ID] = &stored
	return nil
}

// AddDomain whitelists a domain pattern. Patterns are unique per organization.
func (s *InMemory) AddDomain(_ context.Context, d *models.WhitelistedDomain) error {
	if d == nil {
		return fmt.Errorf("domain is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[d.OrganizationID]; !ok {
		return sentinel.ErrNotFound
	}
	existing := s.domains[d.OrganizationID]
	if slices.ContainsFunc(existing, func(e *models.WhitelistedDomain) bool { return e.Domain == d.Domain }) {
		return fmt.Errorf("domain already whitelisted: %w", sentinel.ErrAlreadyUsed)
	}
	stored := *d
	s.domains[d.OrganizationID] = append(existing, &stored)
	return nil
}

// ListDomains returns the organization's whitelist in insertion order.
func (s *InMemory) ListDomains(_ context.Context, orgID id.OrganizationID) ([]*models.WhitelistedDomain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.domains[orgID]
	out := make([]*models.WhitelistedDomain, 0, len(src))
	for _, d := range src {
		c := *d
		out = append(out, &c)
	}
	return out, nil
}

func (s *InMemory) RemoveDomain(_ context.Context, orgID id.OrganizationID, domainID id.DomainID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.domains[orgID]
	idx := slices.IndexFunc(src, func(d *models.WhitelistedDomain) bool { return d.ID == domainID })
	if idx < 0 {
		return sentinel.ErrNotFound
	}
	s.domains[orgID] = slices.Delete(src, idx, idx+1)
	return nil
}
