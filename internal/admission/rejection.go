package admission

import (
	"fmt"
	"time"
)

// Kind is the closed set of reasons a submission can be refused. The
// collector handler maps each kind to a status code; nothing else in the
// pipeline knows about HTTP.
type Kind int

const (
	KindBodyTooLarge Kind = iota + 1
	KindNotFound
	KindFormInactive
	KindConfigurationError
	KindOrganizationInactive
	KindInvalidContentType
	KindInvalidBody
	KindOriginRequired
	KindInvalidCsrf
	KindInvalidChallenge
	KindOriginNotWhitelisted
	KindTooManyRequests
	KindEmptySubmission
	KindSubmissionTooLarge
	KindLookupFailed
	KindPersistenceFailed
	KindQueueUnavailable
	KindNotConfigured
)

var kindNames = map[Kind]string{
	KindBodyTooLarge:         "body_too_large",
	KindNotFound:             "not_found",
	KindFormInactive:         "form_inactive",
	KindConfigurationError:   "configuration_error",
	KindOrganizationInactive: "organization_inactive",
	KindInvalidContentType:   "invalid_content_type",
	KindInvalidBody:          "invalid_body",
	KindOriginRequired:       "origin_required",
	KindInvalidCsrf:          "invalid_csrf",
	KindInvalidChallenge:     "invalid_challenge",
	KindOriginNotWhitelisted: "origin_not_whitelisted",
	KindTooManyRequests:      "too_many_requests",
	KindEmptySubmission:      "empty_submission",
	KindSubmissionTooLarge:   "submission_too_large",
	KindLookupFailed:         "lookup_failed",
	KindPersistenceFailed:    "persistence_failed",
	KindQueueUnavailable:     "queue_unavailable",
	KindNotConfigured:        "not_configured",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Throttle names which throttle check produced a TooManyRequests rejection.
type Throttle string

const (
	ThrottleSpacing Throttle = "spacing"
	ThrottleWindow  Throttle = "window"
	ThrottleHourly  Throttle = "hourly"
)

// Rejection is returned as the error from Admit. Only the fields relevant to
// Kind are set.
type Rejection struct {
	Kind Kind
	// Limit is the byte or request limit that was exceeded.
	Limit int64
	// WaitSeconds is the whole-second delay before a retry can succeed.
	WaitSeconds int
	// ResetAt is when the exhausted rate-limit window resets.
	ResetAt  time.Time
	Throttle Throttle
	// Err is the underlying failure for server-side kinds. Never shown to clients.
	Err error
}

func (r *Rejection) Error() string {
	if r.Err != nil {
		return fmt.Sprintf("submission rejected: %s: %v", r.Kind, r.Err)
	}
	return "submission rejected: " + r.Kind.String()
}

func (r *Rejection) Unwrap() error {
	return r.Err
}

// ServerFault reports whether the rejection is an operator problem rather
// than something the caller can correct.
func (r *Rejection) ServerFault() bool {
	switch r.Kind {
	case KindConfigurationError, KindLookupFailed, KindPersistenceFailed, KindQueueUnavailable:
		return true
	}
	return false
}

func reject(kind Kind) *Rejection {
	return &Rejection{Kind: kind}
}

func fault(kind Kind, err error) *Rejection {
	return &Rejection{Kind: kind, Err: err}
}
