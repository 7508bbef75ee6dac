package httptransport

import (
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"formgate/internal/admission"
	"formgate/internal/platform/health"
	submissionhandler "formgate/internal/submission/handler"
	throttlehandler "formgate/internal/throttle/handler"
	adminmw "formgate/pkg/platform/middleware/admin"
	"formgate/pkg/platform/middleware/metadata"
	"formgate/pkg/platform/middleware/request"
	"formgate/pkg/platform/middleware/requesttime"
)

const (
	requestTimeout = 30 * time.Second
	adminBodyLimit = 64 << 10
)

// Routes are the mountable surfaces. Nil members are not mounted; the admin
// surface additionally needs a verifier.
type Routes struct {
	Collector     *submissionhandler.Handler
	Health        *health.Handler
	Metrics       http.Handler
	Throttle      *throttlehandler.Handler
	AdminVerifier *adminmw.Verifier
}

type Config struct {
	TrustedProxies []netip.Prefix
	HTTPMetrics    *request.Metrics
	// Clock stamps each request; nil means time.Now.
	Clock func() time.Time
}

// NewRouter wires all endpoints with middleware.
func NewRouter(routes Routes, cfg Config, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(request.Recovery(logger))
	r.Use(request.RequestID)
	r.Use(requesttime.WithClock(cfg.Clock))
	r.Use(metadata.NewMiddleware(&metadata.Config{TrustedProxies: cfg.TrustedProxies}).Handler)
	r.Use(request.Logger(logger))
	r.Use(request.Instrument(cfg.HTTPMetrics))
	r.Use(chimiddleware.Timeout(requestTimeout))

	if routes.Health != nil {
		routes.Health.Register(r)
	}
	if routes.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", routes.Metrics)
	}

	if routes.Collector != nil {
		r.Group(func(r chi.Router) {
			r.Use(collectorCORS)
			r.Options("/s/*", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusNoContent)
			})
			routes.Collector.Register(r)
		})
	}

	if routes.Throttle != nil && routes.AdminVerifier != nil {
		r.Group(func(r chi.Router) {
			r.Use(adminmw.RequireRole(routes.AdminVerifier, adminmw.RoleSuperAdmin, logger))
			r.Use(request.BodyLimit(adminBodyLimit))
			r.Use(request.RequireJSON)
			routes.Throttle.RegisterAdmin(r)
		})
	}

	return r
}

// collectorCORS lets any page call the collector from the browser. Whether
// that origin may actually submit is decided by the admission pipeline.
func collectorCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, "+admission.HeaderCSRFToken+", "+admission.HeaderChallenge)
			h.Set("Access-Control-Expose-Headers", "Retry-After, X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset")
			h.Set("Access-Control-Max-Age", "600")
		}
		next.ServeHTTP(w, r)
	})
}
