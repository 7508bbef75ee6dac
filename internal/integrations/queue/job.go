// Package queue publishes integration jobs for accepted submissions.
package queue

import (
	"encoding/json"
	"time"

	"formgate/internal/forms/models"
	id "formgate/pkg/domain"
)

// JobType names the job kind consumed by integration workers.
const JobTypeDeliverSubmission = "deliver_submission"

// Job asks a worker to deliver one submission through one integration.
type Job struct {
	ID              string                 `json:"id"`
	Type            string                 `json:"type"`
	IntegrationType models.IntegrationType `json:"integration_type"`
	IntegrationID   id.IntegrationID       `json:"integration_id"`
	SubmissionID    id.SubmissionID        `json:"submission_id"`
	FormID          id.FormID              `json:"form_id"`
	OrganizationID  id.OrganizationID      `json:"organization_id"`
	Message         string                 `json:"message"`
	Data            json.RawMessage        `json:"data"`
	CreatedAt       time.Time              `json:"created_at"`
}

// JobsFor builds one job per integration for sub. Job IDs derive from the
// submission and integration so redelivery is idempotent downstream.
func JobsFor(sub *models.Submission, integrations []*models.Integration, now time.Time) []Job {
	jobs := make([]Job, 0, len(integrations))
	for _, in := range integrations {
		jobs = append(jobs, Job{
			ID:              sub.ID.String() + ":" + in.ID.String(),
			Type:            JobTypeDeliverSubmission,
			IntegrationType: in.Type,
			IntegrationID:   in.ID,
			SubmissionID:    sub.ID,
			FormID:          sub.FormID,
			OrganizationID:  sub.OrganizationID,
			Message:         sub.Message,
			Data:            sub.Data,
			CreatedAt:       now,
		})
	}
	return jobs
}
