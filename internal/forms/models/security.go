package models

// SecurityOverrides holds the nullable admission knobs. A form carries its
// own set; an organization carries the defaults its forms may opt into via
// Form.UseOrgSecuritySettings. Nil means "not set" and falls through to the
// built-in default.
type SecurityOverrides struct {
	CsrfEnabled                      *bool  `json:"csrf_enabled,omitempty"`
	RateLimitEnabled                 *bool  `json:"rate_limit_enabled,omitempty"`
	RateLimitMaxRequests             *int   `json:"rate_limit_max_requests,omitempty"`
	RateLimitWindowSeconds           *int   `json:"rate_limit_window_seconds,omitempty"`
	RateLimitMaxRequestsPerHour      *int   `json:"rate_limit_max_requests_per_hour,omitempty"`
	MinTimeBetweenSubmissionsEnabled *bool  `json:"min_time_between_submissions_enabled,omitempty"`
	MinTimeBetweenSubmissionsSeconds *int   `json:"min_time_between_submissions_seconds,omitempty"`
	MaxRequestSizeBytes              *int64 `json:"max_request_size_bytes,omitempty"`
	RefererFallbackEnabled           *bool  `json:"referer_fallback_enabled,omitempty"`
}
