package form

import (
	"context"
	"fmt"
	"sync"

	"formgate/internal/forms/models"
	"formgate/internal/sentinel"
	id "formgate/pkg/domain"
)

// InMemory stores forms in memory for development and tests.
type InMemory struct {
	mu            sync.RWMutex
	forms         map[id.FormID]*models.Form
	identifierIdx map[string]id.FormID
}

func NewInMemory() *InMemory {
	return &InMemory{
		forms:         make(map[id.FormID]*models.Form),
		identifierIdx: make(map[string]id.FormID),
	}
}

// Create inserts a form. Identifiers are unique and case-sensitive.
func (s *InMemory) Create(_ context.Context, f *models.Form) error {
	if f == nil {
		return fmt.Errorf("form is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.identifierIdx[f.Identifier]; exists {
		return fmt.Errorf("form identifier must be unique: %w", sentinel.ErrAlreadyUsed)
	}
	stored := *f
	s.forms[f.ID] = &stored
	s.identifierIdx[f.Identifier] = f.ID
	return nil
}

func (s *InMemory) FindByID(_ context.Context, formID id.FormID) (*models.Form, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.forms[formID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	out := *f
	return &out, nil
}

// FindByIdentifier looks up a form by its public identifier.
func (s *InMemory) FindByIdentifier(_ context.Context, identifier string) (*models.Form, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	formID, ok := s.identifierIdx[identifier]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	out := *s.forms[formID]
	return &out, nil
}

func (s *InMemory) Update(_ context.Context, f *models.Form) error {
	if f == nil {
		return fmt.Errorf("form is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.forms[f.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if existing.Identifier != f.Identifier {
		if _, taken := s.identifierIdx[f.Identifier]; taken {
			return fmt.Errorf("form identifier must be unique: %w", sentinel.ErrAlreadyUsed)
		}
		delete(s.identifierIdx, existing.Identifier)
		s.identifierIdx[f.Identifier] = f.ID
	}
	stored := *f
	s.forms[f.ID] = &stored
	return nil
}
