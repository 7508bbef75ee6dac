package httptransport

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"formgate/internal/platform/health"
	submissionhandler "formgate/internal/submission/handler"
	submissionmocks "formgate/internal/submission/handler/mocks"
	throttlehandler "formgate/internal/throttle/handler"
	throttlemocks "formgate/internal/throttle/handler/mocks"
	"formgate/internal/throttle/models"
	adminmw "formgate/pkg/platform/middleware/admin"
)

var adminSecret = []byte("router-test-secret")

type RouterSuite struct {
	suite.Suite
	ctrl      *gomock.Controller
	collector *submissionmocks.MockService
	throttle  *throttlemocks.MockService
	logger    *slog.Logger
}

func TestRouterSuite(t *testing.T) {
	suite.Run(t, new(RouterSuite))
}

func (s *RouterSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.collector = submissionmocks.NewMockService(s.ctrl)
	s.throttle = throttlemocks.NewMockService(s.ctrl)
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (s *RouterSuite) router(withAdmin bool) http.Handler {
	routes := Routes{
		Collector: submissionhandler.New(s.collector, s.logger),
		Health:    health.New("test"),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "# metrics")
		}),
		Throttle: throttlehandler.New(s.throttle, s.logger),
	}
	if withAdmin {
		routes.AdminVerifier = adminmw.NewVerifier(adminSecret)
	}
	return NewRouter(routes, Config{}, s.logger)
}

func (s *RouterSuite) serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func (s *RouterSuite) TestCollectorPreflight() {
	req := httptest.NewRequest(http.MethodOptions, "/s/contact", nil)
	req.Header.Set("Origin", "https://shop.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := s.serve(s.router(false), req)

	s.Equal(http.StatusNoContent, rec.Code)
	s.Equal("https://shop.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	s.Contains(rec.Header().Get("Access-Control-Allow-Headers"), "X-CSRF-Token")
	s.Contains(rec.Header().Get("Access-Control-Expose-Headers"), "Retry-After")
}

func (s *RouterSuite) TestRequestIDEcho() {
	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := s.serve(s.router(false), req)

	s.Equal(http.StatusOK, rec.Code)
	s.Equal("req-123", rec.Header().Get("X-Request-ID"))
}

func (s *RouterSuite) TestMetricsMounted() {
	rec := s.serve(s.router(false), httptest.NewRequest(http.MethodGet, "/metrics", nil))
	s.Equal(http.StatusOK, rec.Code)
	s.Equal("# metrics", rec.Body.String())
}

func (s *RouterSuite) TestAdminSurface() {
	s.Run("not mounted without a verifier", func() {
		rec := s.serve(s.router(false), httptest.NewRequest(http.MethodGet, "/admin/throttle/stats", nil))
		s.Equal(http.StatusNotFound, rec.Code)
	})

	s.Run("requires a bearer token", func() {
		rec := s.serve(s.router(true), httptest.NewRequest(http.MethodGet, "/admin/throttle/stats", nil))
		s.Equal(http.StatusUnauthorized, rec.Code)
	})

	s.Run("super admin reaches the handler", func() {
		token, err := adminmw.Sign(adminSecret, "ops", adminmw.RoleSuperAdmin, time.Now(), time.Minute)
		s.Require().NoError(err)
		s.throttle.EXPECT().Stats(gomock.Any()).Return(&models.StatsResponse{Entries: 7}, nil)

		req := httptest.NewRequest(http.MethodGet, "/admin/throttle/stats", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := s.serve(s.router(true), req)

		s.Equal(http.StatusOK, rec.Code)
		s.JSONEq(`{"entries":7}`, rec.Body.String())
	})
}
