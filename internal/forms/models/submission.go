package models

import (
	"encoding/json"
	"time"

	id "formgate/pkg/domain"
)

// Submission is an accepted form post.
type Submission struct {
	ID             id.SubmissionID   `json:"id"`
	FormID         id.FormID         `json:"form_id"`
	OrganizationID id.OrganizationID `json:"organization_id"`
	// Data is the submitted fields minus control fields, as JSON.
	Data      json.RawMessage `json:"data"`
	Message   string          `json:"message"`
	Origin    string          `json:"origin,omitempty"`
	IPAddress string          `json:"ip_address"`
	UserAgent string          `json:"user_agent,omitempty"`
	Browser   string          `json:"browser,omitempty"`
	OS        string          `json:"os,omitempty"`
	Mobile    bool            `json:"mobile"`
	CreatedAt time.Time       `json:"created_at"`
}
