package models

import (
	"time"

	id "formgate/pkg/domain"
	dErrors "formgate/pkg/domain-errors"
)

type Organization struct {
	ID        id.OrganizationID `json:"id"`
	Name      string            `json:"name"`
	Status    Status            `json:"status"`
	Defaults  SecurityOverrides `json:"defaults"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func (o *Organization) IsActive() bool {
	return o.Status == StatusActive
}

// Deactivate soft-disables the organization; its forms stop accepting submissions.
func (o *Organization) Deactivate(now time.Time) error {
	if !o.IsActive() {
		return dErrors.New(dErrors.CodeInvariantViolation, "organization is already inactive")
	}
	o.Status = StatusInactive
	o.UpdatedAt = now
	return nil
}

func (o *Organization) Reactivate(now time.Time) error {
	if o.IsActive() {
		return dErrors.New(dErrors.CodeInvariantViolation, "organization is already active")
	}
	o.Status = StatusActive
	o.UpdatedAt = now
	return nil
}

func NewOrganization(orgID id.OrganizationID, name string, now time.Time) (*Organization, error) {
	if name == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "organization name cannot be empty")
	}
	if len(name) > 128 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "organization name must be 128 characters or less")
	}
	return &Organization{
		ID:        orgID,
		Name:      name,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// WhitelistedDomain is a substring pattern an origin must contain to submit
// to the organization's forms.
type WhitelistedDomain struct {
	ID             id.DomainID       `json:"id"`
	OrganizationID id.OrganizationID `json:"organization_id"`
	Domain         string            `json:"domain"`
	CreatedAt      time.Time         `json:"created_at"`
}
