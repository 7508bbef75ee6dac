// Package settings resolves the effective admission settings for a form.
package settings

import (
	"time"

	"formgate/internal/forms/models"
)

// Settings is an immutable per-request snapshot. Computed fresh for every
// request and never cached.
type Settings struct {
	CsrfEnabled                      bool
	RateLimitEnabled                 bool
	RateLimitMaxRequests             int
	RateLimitWindowSeconds           int
	RateLimitMaxRequestsPerHour      int
	MinTimeBetweenSubmissionsEnabled bool
	MinTimeBetweenSubmissionsSeconds int
	MaxRequestSizeBytes              int64
	RefererFallbackEnabled           bool
}

func (s Settings) RateLimitWindow() time.Duration {
	return time.Duration(s.RateLimitWindowSeconds) * time.Second
}

func (s Settings) MinTimeBetweenSubmissions() time.Duration {
	return time.Duration(s.MinTimeBetweenSubmissionsSeconds) * time.Second
}

// Defaults supplies the value for any field that neither the form nor the
// organization sets. Loaded once from configuration.
type Defaults = Settings

// BuiltinDefaults are used when configuration does not override them.
func BuiltinDefaults() Defaults {
	return Defaults{
		CsrfEnabled:                      false,
		RateLimitEnabled:                 true,
		RateLimitMaxRequests:             10,
		RateLimitWindowSeconds:           60,
		RateLimitMaxRequestsPerHour:      50,
		MinTimeBetweenSubmissionsEnabled: false,
		MinTimeBetweenSubmissionsSeconds: 10,
		MaxRequestSizeBytes:              1 << 20,
		RefererFallbackEnabled:           false,
	}
}

// Resolve picks the source set (organization defaults when the form opts
// in, otherwise the form's own overrides) and fills each unset field from
// defaults. org may be nil, in which case the form's overrides are used.
func Resolve(form *models.Form, org *models.Organization, defaults Defaults) Settings {
	src := form.Security
	if form.UseOrgSecuritySettings && org != nil {
		src = org.Defaults
	}

	return Settings{
		CsrfEnabled:                      boolOr(src.CsrfEnabled, defaults.CsrfEnabled),
		RateLimitEnabled:                 boolOr(src.RateLimitEnabled, defaults.RateLimitEnabled),
		RateLimitMaxRequests:             intOr(src.RateLimitMaxRequests, defaults.RateLimitMaxRequests),
		RateLimitWindowSeconds:           intOr(src.RateLimitWindowSeconds, defaults.RateLimitWindowSeconds),
		RateLimitMaxRequestsPerHour:      intOr(src.RateLimitMaxRequestsPerHour, defaults.RateLimitMaxRequestsPerHour),
		MinTimeBetweenSubmissionsEnabled: boolOr(src.MinTimeBetweenSubmissionsEnabled, defaults.MinTimeBetweenSubmissionsEnabled),
		MinTimeBetweenSubmissionsSeconds: intOr(src.MinTimeBetweenSubmissionsSeconds, defaults.MinTimeBetweenSubmissionsSeconds),
		MaxRequestSizeBytes:              int64Or(src.MaxRequestSizeBytes, defaults.MaxRequestSizeBytes),
		RefererFallbackEnabled:           boolOr(src.RefererFallbackEnabled, defaults.RefererFallbackEnabled),
	}
}

func boolOr(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}

func intOr(v *int, fallback int) int {
	if v == nil {
		return fallback
	}
	return *v
}

func int64Or(v *int64, fallback int64) int64 {
	if v == nil {
		return fallback
	}
	return *v
}
