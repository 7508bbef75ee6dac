package settings

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"formgate/internal/forms/models"
)

func ptr[T any](v T) *T { return &v }

func TestResolve(t *testing.T) {
	defaults := BuiltinDefaults()

	t.Run("no overrides yields defaults", func(t *testing.T) {
		got := Resolve(&models.Form{}, &models.Organization{}, defaults)
		assert.Equal(t, defaults, got)
	})

	t.Run("form overrides apply field by field", func(t *testing.T) {
		form := &models.Form{Security: models.SecurityOverrides{
			CsrfEnabled:          ptr(true),
			RateLimitMaxRequests: ptr(3),
		}}
		got := Resolve(form, &models.Organization{}, defaults)

		assert.True(t, got.CsrfEnabled)
		assert.Equal(t, 3, got.RateLimitMaxRequests)
		assert.Equal(t, defaults.RateLimitWindowSeconds, got.RateLimitWindowSeconds)
	})

	t.Run("explicit false overrides a true default", func(t *testing.T) {
		form := &models.Form{Security: models.SecurityOverrides{RateLimitEnabled: ptr(false)}}
		assert.False(t, Resolve(form, nil, defaults).RateLimitEnabled)
	})

	t.Run("org settings replace form settings entirely when opted in", func(t *testing.T) {
		form := &models.Form{
			UseOrgSecuritySettings: true,
			Security: models.SecurityOverrides{
				MinTimeBetweenSubmissionsEnabled: ptr(true),
				RateLimitMaxRequests:             ptr(99),
			},
		}
		org := &models.Organization{Defaults: models.SecurityOverrides{
			RateLimitMaxRequests: ptr(5),
			MaxRequestSizeBytes:  ptr(int64(2048)),
		}}
		got := Resolve(form, org, defaults)

		assert.Equal(t, 5, got.RateLimitMaxRequests)
		assert.Equal(t, int64(2048), got.MaxRequestSizeBytes)
		assert.False(t, got.MinTimeBetweenSubmissionsEnabled, "form field ignored when using org settings")
	})

	t.Run("opted in without org falls back to form", func(t *testing.T) {
		form := &models.Form{UseOrgSecuritySettings: true, Security: models.SecurityOverrides{RefererFallbackEnabled: ptr(true)}}
		assert.True(t, Resolve(form, nil, defaults).RefererFallbackEnabled)
	})
}

func TestDurations(t *testing.T) {
	s := Settings{RateLimitWindowSeconds: 60, MinTimeBetweenSubmissionsSeconds: 10}
	assert.Equal(t, time.Minute, s.RateLimitWindow())
	assert.Equal(t, 10*time.Second, s.MinTimeBetweenSubmissions())
}

func TestBuiltinDefaults(t *testing.T) {
	d := BuiltinDefaults()
	assert.True(t, d.RateLimitEnabled)
	assert.Equal(t, 10, d.RateLimitMaxRequests)
	assert.Equal(t, 60, d.RateLimitWindowSeconds)
	assert.Equal(t, 50, d.RateLimitMaxRequestsPerHour)
	assert.Equal(t, int64(1<<20), d.MaxRequestSizeBytes)
}
