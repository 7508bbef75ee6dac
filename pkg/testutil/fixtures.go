package testutil

import (
	"time"

	"github.com/google/uuid"

	"formgate/internal/forms/models"
	id "formgate/pkg/domain"
)

// TestIDs provides fixed IDs for deterministic test data.
var TestIDs = struct {
	OrgID1  id.OrganizationID
	OrgID2  id.OrganizationID
	FormID1 id.FormID
	FormID2 id.FormID
}{
	OrgID1:  id.OrganizationID(uuid.MustParse("aaaa0000-0000-0000-0000-000000000001")),
	OrgID2:  id.OrganizationID(uuid.MustParse("aaaa0000-0000-0000-0000-000000000002")),
	FormID1: id.FormID(uuid.MustParse("ffff0000-0000-0000-0000-000000000001")),
	FormID2: id.FormID(uuid.MustParse("ffff0000-0000-0000-0000-000000000002")),
}

// Ptr returns a pointer to v. Handy for SecurityOverrides literals.
func Ptr[T any](v T) *T {
	return &v
}

// OrganizationBuilder provides a fluent interface for building test organizations.
type OrganizationBuilder struct {
	org *models.Organization
}

func NewOrganizationBuilder() *OrganizationBuilder {
	now := time.Now()
	return &OrganizationBuilder{
		org: &models.Organization{
			ID:        TestIDs.OrgID1,
			Name:      "Acme",
			Status:    models.StatusActive,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
}

func (b *OrganizationBuilder) WithID(orgID id.OrganizationID) *OrganizationBuilder {
	b.org.ID = orgID
	return b
}

func (b *OrganizationBuilder) Inactive() *OrganizationBuilder {
	b.org.Status = models.StatusInactive
	return b
}

func (b *OrganizationBuilder) WithDefaults(d models.SecurityOverrides) *OrganizationBuilder {
	b.org.Defaults = d
	return b
}

func (b *OrganizationBuilder) Build() *models.Organization {
	return b.org
}

// FormBuilder provides a fluent interface for building test forms.
type FormBuilder struct {
	form *models.Form
}

func NewFormBuilder() *FormBuilder {
	now := time.Now()
	orgID := TestIDs.OrgID1
	return &FormBuilder{
		form: &models.Form{
			ID:             TestIDs.FormID1,
			Identifier:     "contact",
			OrganizationID: &orgID,
			Name:           "Contact",
			Status:         models.StatusActive,
			CreatedAt:      now,
			UpdatedAt:      now,
		},
	}
}

func (b *FormBuilder) WithID(formID id.FormID) *FormBuilder {
	b.form.ID = formID
	return b
}

func (b *FormBuilder) WithIdentifier(identifier string) *FormBuilder {
	b.form.Identifier = identifier
	return b
}

func (b *FormBuilder) WithOrganization(orgID id.OrganizationID) *FormBuilder {
	b.form.OrganizationID = &orgID
	return b
}

// WithoutOrganization builds a legacy form with no owning organization.
func (b *FormBuilder) WithoutOrganization() *FormBuilder {
	b.form.OrganizationID = nil
	return b
}

func (b *FormBuilder) Inactive() *FormBuilder {
	b.form.Status = models.StatusInactive
	return b
}

func (b *FormBuilder) UsingOrgSettings() *FormBuilder {
	b.form.UseOrgSecuritySettings = true
	return b
}

func (b *FormBuilder) WithSecurity(s models.SecurityOverrides) *FormBuilder {
	b.form.Security = s
	return b
}

func (b *FormBuilder) Build() *models.Form {
	return b.form
}
