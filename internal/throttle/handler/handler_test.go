package handler

//go:generate mockgen -source=handler.go -destination=mocks/handler_mock.go -package=mocks Service

import (
	"bytes"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"formgate/internal/throttle/handler/mocks"
	"formgate/internal/throttle/models"
	id "formgate/pkg/domain"
	dErrors "formgate/pkg/domain-errors"
)

type HandlerSuite struct {
	suite.Suite
	router      http.Handler
	ctrl        *gomock.Controller
	mockService *mocks.MockService
}

func (s *HandlerSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.mockService = mocks.NewMockService(s.ctrl)
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	h := New(s.mockService, logger)

	r := chi.NewRouter()
	h.RegisterAdmin(r)
	s.router = r
}

func (s *HandlerSuite) TearDownTest() {
	s.ctrl.Finish()
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *HandlerSuite) TestStats() {
	s.Run("returns entry count", func() {
		s.mockService.EXPECT().Stats(gomock.Any()).Return(&models.StatsResponse{Entries: 3}, nil)
		rec := s.do(http.MethodGet, "/admin/throttle/stats", "")
		s.Equal(http.StatusOK, rec.Code)
		s.JSONEq(`{"entries":3}`, rec.Body.String())
	})

	s.Run("store failure is an opaque 500", func() {
		s.mockService.EXPECT().Stats(gomock.Any()).Return(nil, errors.New("redis: connection refused"))
		rec := s.do(http.MethodGet, "/admin/throttle/stats", "")
		s.Equal(http.StatusInternalServerError, rec.Code)
		s.NotContains(rec.Body.String(), "redis")
	})
}

func (s *HandlerSuite) TestReset() {
	formID := id.NewFormID().String()

	s.Run("valid request returns 204", func() {
		s.mockService.EXPECT().Reset(gomock.Any(), &models.ResetRequest{IP: "203.0.113.7", FormID: formID}).Return(nil)
		rec := s.do(http.MethodPost, "/admin/throttle/reset", `{"ip":" 203.0.113.7 ","form_id":"`+formID+`"}`)
		s.Equal(http.StatusNoContent, rec.Code)
	})

	s.Run("invalid JSON returns 400", func() {
		rec := s.do(http.MethodPost, "/admin/throttle/reset", "not valid json")
		s.Equal(http.StatusBadRequest, rec.Code)
	})

	s.Run("unknown fields are rejected", func() {
		rec := s.do(http.MethodPost, "/admin/throttle/reset", `{"ip":"203.0.113.7","form_id":"`+formID+`","all":true}`)
		s.Equal(http.StatusBadRequest, rec.Code)
	})

	s.Run("invalid ip returns validation error", func() {
		rec := s.do(http.MethodPost, "/admin/throttle/reset", `{"ip":"not-an-ip","form_id":"`+formID+`"}`)
		s.Equal(http.StatusBadRequest, rec.Code)
		s.Contains(rec.Body.String(), "ip must be an IP address")
	})

	s.Run("service error is mapped", func() {
		s.mockService.EXPECT().Reset(gomock.Any(), gomock.Any()).Return(dErrors.New(dErrors.CodeUnavailable, "store unavailable"))
		rec := s.do(http.MethodPost, "/admin/throttle/reset", `{"ip":"203.0.113.7","form_id":"`+formID+`"}`)
		s.Equal(http.StatusServiceUnavailable, rec.Code)
	})

	s.Run("oversized body returns 413", func() {
		big := `{"ip":"` + strings.Repeat("1", adminBodyLimit+1) + `","form_id":"x"}`
		rec := s.do(http.MethodPost, "/admin/throttle/reset", big)
		s.Equal(http.StatusRequestEntityTooLarge, rec.Code)
	})
}
