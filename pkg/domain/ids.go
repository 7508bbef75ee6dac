// Package domain provides type-safe identifiers to prevent mixing up IDs at compile time.
package domain

import (
	"github.com/google/uuid"

	dErrors "formgate/pkg/domain-errors"
)

// Distinct ID types - compiler prevents passing FormID where OrganizationID is expected.
type (
	OrganizationID uuid.UUID
	FormID         uuid.UUID
	SubmissionID   uuid.UUID
	IntegrationID  uuid.UUID
	DomainID       uuid.UUID
)

// Parse functions - use at trust boundaries (handlers, API inputs).

func ParseOrganizationID(s string) (OrganizationID, error) {
	id, err := parseUUID(s, "organization ID")
	return OrganizationID(id), err
}

func ParseFormID(s string) (FormID, error) {
	id, err := parseUUID(s, "form ID")
	return FormID(id), err
}

func ParseSubmissionID(s string) (SubmissionID, error) {
	id, err := parseUUID(s, "submission ID")
	return SubmissionID(id), err
}

func ParseIntegrationID(s string) (IntegrationID, error) {
	id, err := parseUUID(s, "integration ID")
	return IntegrationID(id), err
}

// New constructors - used by stores and seeders when minting records.

func NewOrganizationID() OrganizationID { return OrganizationID(uuid.New()) }
func NewFormID() FormID                 { return FormID(uuid.New()) }
func NewSubmissionID() SubmissionID     { return SubmissionID(uuid.New()) }
func NewIntegrationID() IntegrationID   { return IntegrationID(uuid.New()) }
func NewDomainID() DomainID             { return DomainID(uuid.New()) }

// String methods - for logging and debugging.

func (id OrganizationID) String() string { return uuid.UUID(id).String() }
func (id FormID) String() string         { return uuid.UUID(id).String() }
func (id SubmissionID) String() string   { return uuid.UUID(id).String() }
func (id IntegrationID) String() string  { return uuid.UUID(id).String() }
func (id DomainID) String() string       { return uuid.UUID(id).String() }

// IsNil checks - used for service-layer validation.

func (id OrganizationID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id FormID) IsNil() bool         { return uuid.UUID(id) == uuid.Nil }
func (id SubmissionID) IsNil() bool   { return uuid.UUID(id) == uuid.Nil }
func (id IntegrationID) IsNil() bool  { return uuid.UUID(id) == uuid.Nil }
func (id DomainID) IsNil() bool       { return uuid.UUID(id) == uuid.Nil }

// parseUUID is the shared validation logic. The nil UUID is rejected so a
// zero value never reaches a store lookup as if it were a real record.
func parseUUID(s, label string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, label+" cannot be empty")
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "invalid "+label+" format")
	}
	if id == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, label+" cannot be nil")
	}
	return id, nil
}
