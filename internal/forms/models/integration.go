package models

import (
	"encoding/json"
	"time"

	id "formgate/pkg/domain"
)

type IntegrationType string

const (
	IntegrationEmail    IntegrationType = "email"
	IntegrationSlack    IntegrationType = "slack"
	IntegrationTelegram IntegrationType = "telegram"
	IntegrationDiscord  IntegrationType = "discord"
	IntegrationWebhook  IntegrationType = "webhook"
)

func (t IntegrationType) IsValid() bool {
	switch t {
	case IntegrationEmail, IntegrationSlack, IntegrationTelegram, IntegrationDiscord, IntegrationWebhook:
		return true
	}
	return false
}

// Integration is a downstream destination for submissions. A nil FormID
// makes it apply to every form in the organization.
type Integration struct {
	ID             id.IntegrationID  `json:"id"`
	OrganizationID id.OrganizationID `json:"organization_id"`
	FormID         *id.FormID        `json:"form_id,omitempty"`
	Type           IntegrationType   `json:"type"`
	Enabled        bool              `json:"enabled"`
	Config         json.RawMessage   `json:"config,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// AppliesTo reports whether the integration should fire for formID.
func (i *Integration) AppliesTo(formID id.FormID) bool {
	if !i.Enabled {
		return false
	}
	return i.FormID == nil || *i.FormID == formID
}
