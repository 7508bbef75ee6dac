package seeder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"formgate/internal/forms/models"
	"formgate/internal/sentinel"
	id "formgate/pkg/domain"
)

// DemoIdentifier is the form every seeded deployment exposes at /s/contact.
const DemoIdentifier = "contact"

// OrganizationStore defines methods for seeding organizations and their whitelist
type OrganizationStore interface {
	Create(ctx context.Context, org *models.Organization) error
	AddDomain(ctx context.Context, d *models.WhitelistedDomain) error
}

// FormStore defines methods for seeding forms
type FormStore interface {
	Create(ctx context.Context, f *models.Form) error
	FindByIdentifier(ctx context.Context, identifier string) (*models.Form, error)
}

// IntegrationStore defines methods for seeding integrations
type IntegrationStore interface {
	Create(ctx context.Context, in *models.Integration) error
}

// Seeder populates stores with a demo organization and forms
type Seeder struct {
	orgs         OrganizationStore
	forms        FormStore
	integrations IntegrationStore
	logger       *slog.Logger
	now          func() time.Time
}

// New creates a new seeder
func New(orgs OrganizationStore, forms FormStore, integrations IntegrationStore, logger *slog.Logger) *Seeder {
	return &Seeder{
		orgs:         orgs,
		forms:        forms,
		integrations: integrations,
		logger:       logger,
		now:          time.Now,
	}
}

// SeedAll populates all stores with demo data. It is a no-op when the demo
// form already exists, so restarts against a persistent database are safe.
func (s *Seeder) SeedAll(ctx context.Context) error {
	_, err := s.forms.FindByIdentifier(ctx, DemoIdentifier)
	switch {
	case err == nil:
		s.logger.Info("demo data already present, skipping seed")
		return nil
	case !errors.Is(err, sentinel.ErrNotFound):
		return fmt.Errorf("failed to check for demo data: %w", err)
	}

	s.logger.Info("seeding demo data...")

	org, err := s.seedOrganization(ctx)
	if err != nil {
		return fmt.Errorf("failed to seed organization: %w", err)
	}

	forms, err := s.seedForms(ctx, org)
	if err != nil {
		return fmt.Errorf("failed to seed forms: %w", err)
	}

	if err := s.seedIntegrations(ctx, org, forms); err != nil {
		return fmt.Errorf("failed to seed integrations: %w", err)
	}

	s.logger.Info("demo data seeded successfully",
		"organization", org.Name,
		"forms", len(forms),
	)
	return nil
}

func (s *Seeder) seedOrganization(ctx context.Context) (*models.Organization, error) {
	now := s.now()
	org, err := models.NewOrganization(id.NewOrganizationID(), "Acme Demo", now)
	if err != nil {
		return nil, err
	}
	org.Defaults = models.SecurityOverrides{
		CsrfEnabled:                      ptr(true),
		MinTimeBetweenSubmissionsEnabled: ptr(true),
		MinTimeBetweenSubmissionsSeconds: ptr(5),
	}
	if err := s.orgs.Create(ctx, org); err != nil {
		return nil, err
	}

	for _, domain := range []string{"localhost", "acme.example"} {
		if err := s.orgs.AddDomain(ctx, &models.WhitelistedDomain{
			ID:             id.NewDomainID(),
			OrganizationID: org.ID,
			Domain:         domain,
			CreatedAt:      now,
		}); err != nil {
			return nil, err
		}
	}
	return org, nil
}

func (s *Seeder) seedForms(ctx context.Context, org *models.Organization) (map[string]*models.Form, error) {
	now := s.now()
	demoForms := []struct {
		identifier string
		name       string
		useOrg     bool
		security   models.SecurityOverrides
		inactive   bool
	}{
		// built-in defaults: rate limited, no CSRF
		{DemoIdentifier, "Contact us", false, models.SecurityOverrides{}, false},
		// organization defaults: CSRF plus 5s spacing
		{"newsletter", "Newsletter signup", true, models.SecurityOverrides{}, false},
		{"feedback", "Product feedback", false, models.SecurityOverrides{
			RateLimitMaxRequests:   ptr(3),
			RateLimitWindowSeconds: ptr(30),
			MaxRequestSizeBytes:    ptr[int64](16 << 10),
		}, false},
		{"beta-waitlist", "Beta waitlist", false, models.SecurityOverrides{}, true},
	}

	forms := make(map[string]*models.Form, len(demoForms))
	for _, f := range demoForms {
		form, err := models.NewForm(id.NewFormID(), org.ID, f.identifier, f.name, now)
		if err != nil {
			return nil, err
		}
		form.UseOrgSecuritySettings = f.useOrg
		form.Security = f.security
		if f.inactive {
			if err := form.Deactivate(now); err != nil {
				return nil, err
			}
		}
		if err := s.forms.Create(ctx, form); err != nil {
			return nil, err
		}
		forms[f.identifier] = form
	}
	return forms, nil
}

func (s *Seeder) seedIntegrations(ctx context.Context, org *models.Organization, forms map[string]*models.Form) error {
	contact := forms[DemoIdentifier].ID
	demo := []struct {
		kind   models.IntegrationType
		formID *id.FormID
		config map[string]string
	}{
		{models.IntegrationWebhook, nil, map[string]string{"url": "http://localhost:9000/hooks/formgate"}},
		{models.IntegrationSlack, &contact, map[string]string{"channel": "#contact-requests"}},
	}

	for _, d := range demo {
		cfg, err := json.Marshal(d.config)
		if err != nil {
			return err
		}
		if err := s.integrations.Create(ctx, &models.Integration{
			ID:             id.NewIntegrationID(),
			OrganizationID: org.ID,
			FormID:         d.formID,
			Type:           d.kind,
			Enabled:        true,
			Config:         cfg,
			CreatedAt:      s.now(),
		}); err != nil {
			return err
		}
	}
	return nil
}

func ptr[T any](v T) *T {
	return &v
}
