package handler

//go:generate mockgen -source=handler.go -destination=mocks/handler_mock.go -package=mocks Service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"formgate/internal/admission"
	"formgate/internal/admission/challenge"
	"formgate/internal/admission/csrf"
	"formgate/internal/forms/models"
	"formgate/internal/submission/handler/mocks"
	throttle "formgate/internal/throttle/models"
	dErrors "formgate/pkg/domain-errors"
	"formgate/pkg/requestcontext"
)

type HandlerSuite struct {
	suite.Suite
	router      http.Handler
	ctrl        *gomock.Controller
	mockService *mocks.MockService
	now         time.Time
}

func (s *HandlerSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.mockService = mocks.NewMockService(s.ctrl)
	s.now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h := New(s.mockService, slog.New(slog.NewTextHandler(io.Discard, nil)))

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := requestcontext.WithTime(r.Context(), s.now)
			ctx = requestcontext.WithClientMetadata(ctx, "203.0.113.7", "test-agent")
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	h.Register(r)
	s.router = r
}

func (s *HandlerSuite) TearDownTest() {
	s.ctrl.Finish()
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *HandlerSuite) decode(rec *httptest.ResponseRecorder) RejectionResponse {
	var resp RejectionResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

// =============================================================================
// POST /s/{identifier}
// =============================================================================

func (s *HandlerSuite) TestSubmit() {
	s.Run("admitted submission", func() {
		s.mockService.EXPECT().Admit(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, req admission.Request) (*admission.Result, error) {
				s.Equal("contact", req.Identifier)
				s.Equal("203.0.113.7", req.ClientIP)
				s.Equal("test-agent", req.UserAgent)
				s.Equal("https://shop.example.com", req.Header.Get("Origin"))
				body, err := io.ReadAll(req.Body)
				s.Require().NoError(err)
				s.JSONEq(`{"name":"Test"}`, string(body))
				return &admission.Result{
					Submission: &models.Submission{},
					RateLimit:  &throttle.RateLimitResult{Allowed: true, Limit: 10, Remaining: 9, ResetAt: s.now.Add(time.Minute)},
				}, nil
			})

		req := httptest.NewRequest(http.MethodPost, "/s/contact", strings.NewReader(`{"name":"Test"}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Origin", "https://shop.example.com")
		rec := s.do(req)

		s.Equal(http.StatusOK, rec.Code)
		s.JSONEq(`{"message":"Submission received successfully"}`, rec.Body.String())
		s.Equal("10", rec.Header().Get("X-RateLimit-Limit"))
		s.Equal("9", rec.Header().Get("X-RateLimit-Remaining"))
	})

	s.Run("no rate limit headers when throttling is off", func() {
		s.mockService.EXPECT().Admit(gomock.Any(), gomock.Any()).Return(&admission.Result{Submission: &models.Submission{}}, nil)
		rec := s.do(httptest.NewRequest(http.MethodPost, "/s/contact", strings.NewReader(`{}`)))
		s.Equal(http.StatusOK, rec.Code)
		s.Empty(rec.Header().Get("X-RateLimit-Limit"))
	})
}

func (s *HandlerSuite) TestRejectionMapping() {
	cases := []struct {
		kind   admission.Kind
		status int
		code   string
	}{
		{admission.KindBodyTooLarge, http.StatusRequestEntityTooLarge, "body_too_large"},
		{admission.KindNotFound, http.StatusNotFound, "form_not_found"},
		{admission.KindFormInactive, http.StatusBadRequest, "form_inactive"},
		{admission.KindConfigurationError, http.StatusInternalServerError, "configuration_error"},
		{admission.KindOrganizationInactive, http.StatusBadRequest, "organization_inactive"},
		{admission.KindInvalidContentType, http.StatusBadRequest, "invalid_content_type"},
		{admission.KindInvalidBody, http.StatusBadRequest, "invalid_body"},
		{admission.KindOriginRequired, http.StatusBadRequest, "origin_required"},
		{admission.KindInvalidCsrf, http.StatusForbidden, "invalid_csrf_token"},
		{admission.KindInvalidChallenge, http.StatusForbidden, "invalid_challenge"},
		{admission.KindOriginNotWhitelisted, http.StatusForbidden, "origin_not_whitelisted"},
		{admission.KindEmptySubmission, http.StatusBadRequest, "empty_submission"},
		{admission.KindSubmissionTooLarge, http.StatusBadRequest, "submission_too_large"},
		{admission.KindLookupFailed, http.StatusInternalServerError, "internal_error"},
		{admission.KindPersistenceFailed, http.StatusInternalServerError, "internal_error"},
		{admission.KindQueueUnavailable, http.StatusServiceUnavailable, "integration_queue_unavailable"},
		{admission.KindNotConfigured, http.StatusNotImplemented, "not_configured"},
	}
	for _, tc := range cases {
		s.Run(tc.kind.String(), func() {
			s.mockService.EXPECT().Admit(gomock.Any(), gomock.Any()).
				Return(nil, &admission.Rejection{Kind: tc.kind, Err: errors.New("pq: secret-host unreachable")})
			rec := s.do(httptest.NewRequest(http.MethodPost, "/s/contact", strings.NewReader(`{}`)))

			s.Equal(tc.status, rec.Code)
			s.Equal(tc.code, s.decode(rec).Error)
			s.NotContains(rec.Body.String(), "secret-host", "internal errors never reach the client")
		})
	}
}

func (s *HandlerSuite) TestTooManyRequests() {
	s.Run("spacing carries the wait", func() {
		s.mockService.EXPECT().Admit(gomock.Any(), gomock.Any()).Return(nil, &admission.Rejection{
			Kind: admission.KindTooManyRequests, Throttle: admission.ThrottleSpacing, WaitSeconds: 10,
		})
		rec := s.do(httptest.NewRequest(http.MethodPost, "/s/contact", strings.NewReader(`{}`)))

		s.Equal(http.StatusTooManyRequests, rec.Code)
		s.Equal("10", rec.Header().Get("Retry-After"))
		resp := s.decode(rec)
		s.Equal(10, resp.RetryAfter)
		s.Zero(resp.Limit)
		s.Contains(resp.Description, "10 seconds")
	})

	s.Run("window carries the limit", func() {
		s.mockService.EXPECT().Admit(gomock.Any(), gomock.Any()).Return(nil, &admission.Rejection{
			Kind: admission.KindTooManyRequests, Throttle: admission.ThrottleWindow, WaitSeconds: 42, Limit: 10,
		})
		rec := s.do(httptest.NewRequest(http.MethodPost, "/s/contact", strings.NewReader(`{}`)))

		s.Equal("42", rec.Header().Get("Retry-After"))
		resp := s.decode(rec)
		s.Equal(42, resp.RetryAfter)
		s.Equal(int64(10), resp.Limit)
	})
}

func (s *HandlerSuite) TestBodyTooLargeReportsFormLimit() {
	s.mockService.EXPECT().Admit(gomock.Any(), gomock.Any()).Return(nil, &admission.Rejection{
		Kind: admission.KindBodyTooLarge, Limit: 1024,
	})
	rec := s.do(httptest.NewRequest(http.MethodPost, "/s/contact", bytes.NewReader(make([]byte, 2048))))

	s.Equal(http.StatusRequestEntityTooLarge, rec.Code)
	resp := s.decode(rec)
	s.Equal(int64(1024), resp.Limit)
	s.Contains(resp.Description, "1024")
}

// =============================================================================
// GET /s/{identifier}/csrf and /challenge
// =============================================================================

func (s *HandlerSuite) TestCSRFToken() {
	s.Run("issued token", func() {
		s.mockService.EXPECT().IssueToken(gomock.Any(), "contact", gomock.Any()).DoAndReturn(
			func(_ context.Context, _ string, h http.Header) (csrf.Token, error) {
				s.Equal("https://shop.example.com", h.Get("Origin"))
				return csrf.Token{Value: "tok", ExpiresAt: s.now.Add(30 * time.Minute)}, nil
			})
		req := httptest.NewRequest(http.MethodGet, "/s/contact/csrf", nil)
		req.Header.Set("Origin", "https://shop.example.com")
		rec := s.do(req)

		s.Equal(http.StatusOK, rec.Code)
		s.JSONEq(`{"token":"tok","expiresInSeconds":1800}`, rec.Body.String())
		s.Equal("no-store", rec.Header().Get("Cache-Control"))
	})

	s.Run("not configured is 501", func() {
		s.mockService.EXPECT().IssueToken(gomock.Any(), "contact", gomock.Any()).
			Return(csrf.Token{}, &admission.Rejection{Kind: admission.KindNotConfigured})
		rec := s.do(httptest.NewRequest(http.MethodGet, "/s/contact/csrf", nil))
		s.Equal(http.StatusNotImplemented, rec.Code)
	})

	s.Run("missing origin is 400", func() {
		s.mockService.EXPECT().IssueToken(gomock.Any(), "contact", gomock.Any()).
			Return(csrf.Token{}, &admission.Rejection{Kind: admission.KindOriginRequired})
		rec := s.do(httptest.NewRequest(http.MethodGet, "/s/contact/csrf", nil))
		s.Equal(http.StatusBadRequest, rec.Code)
		s.Equal("origin_required", s.decode(rec).Error)
	})

	s.Run("non-rejection errors use the domain mapping", func() {
		s.mockService.EXPECT().IssueToken(gomock.Any(), "contact", gomock.Any()).
			Return(csrf.Token{}, dErrors.New(dErrors.CodeUnavailable, "down"))
		rec := s.do(httptest.NewRequest(http.MethodGet, "/s/contact/csrf", nil))
		s.Equal(http.StatusServiceUnavailable, rec.Code)
	})
}

func (s *HandlerSuite) TestChallenge() {
	s.mockService.EXPECT().IssueChallenge(gomock.Any(), "contact").Return(challenge.Challenge{
		Algorithm: challenge.AlgorithmSHA256,
		Challenge: "abc",
		MaxNumber: 1000,
		Salt:      "s?expires=1",
		Signature: "sig",
	}, nil)
	rec := s.do(httptest.NewRequest(http.MethodGet, "/s/contact/challenge", nil))

	s.Equal(http.StatusOK, rec.Code)
	s.JSONEq(`{"algorithm":"SHA-256","challenge":"abc","maxnumber":1000,"salt":"s?expires=1","signature":"sig"}`, rec.Body.String())
}
