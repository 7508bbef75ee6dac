package models

import (
	"regexp"
	"time"

	id "formgate/pkg/domain"
	dErrors "formgate/pkg/domain-errors"
)

// identifierPattern constrains the public form identifier used in /s/{identifier}.
var identifierPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

type Form struct {
	ID         id.FormID `json:"id"`
	Identifier string    `json:"identifier"`
	// OrganizationID is nil for legacy forms created before organizations
	// existed; such forms cannot accept submissions.
	OrganizationID         *id.OrganizationID `json:"organization_id,omitempty"`
	Name                   string             `json:"name"`
	Status                 Status             `json:"status"`
	UseOrgSecuritySettings bool               `json:"use_org_security_settings"`
	Security               SecurityOverrides  `json:"security"`
	CreatedAt              time.Time          `json:"created_at"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

func (f *Form) IsActive() bool {
	return f.Status == StatusActive
}

func (f *Form) Deactivate(now time.Time) error {
	if !f.IsActive() {
		return dErrors.New(dErrors.CodeInvariantViolation, "form is already inactive")
	}
	f.Status = StatusInactive
	f.UpdatedAt = now
	return nil
}

func (f *Form) Reactivate(now time.Time) error {
	if f.IsActive() {
		return dErrors.New(dErrors.CodeInvariantViolation, "form is already active")
	}
	f.Status = StatusActive
	f.UpdatedAt = now
	return nil
}

func NewForm(formID id.FormID, orgID id.OrganizationID, identifier, name string, now time.Time) (*Form, error) {
	if !identifierPattern.MatchString(identifier) {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "form identifier must be 1-64 characters of letters, digits, '-' or '_'")
	}
	if name == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "form name cannot be empty")
	}
	if orgID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "form must belong to an organization")
	}
	return &Form{
		ID:             formID,
		Identifier:     identifier,
		OrganizationID: &orgID,
		Name:           name,
		Status:         StatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// ValidIdentifier reports whether s can name a form. Lookups short-circuit on
// identifiers that could never exist.
func ValidIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}
