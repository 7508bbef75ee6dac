// Package requesttime provides middleware for request-scoped time.
// All operations within a single HTTP request use the same "now" timestamp,
// so throttle windows, CSRF expiry checks, and persisted timestamps agree.
package requesttime

import (
	"net/http"
	"time"

	"formgate/pkg/requestcontext"
)

// WithClock captures now() at the start of the request and stores it in the
// context for consistent time references throughout the request. A nil clock
// means time.Now.
func WithClock(now func() time.Time) func(http.Handler) http.Handler {
	if now == nil {
		now = time.Now
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := requestcontext.WithTime(r.Context(), now())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
