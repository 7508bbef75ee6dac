// Package handler is the public collector surface: CSRF and challenge
// issuance plus the submission endpoint itself.
package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"formgate/internal/admission"
	"formgate/internal/admission/challenge"
	"formgate/internal/admission/csrf"
	throttle "formgate/internal/throttle/models"
	dErrors "formgate/pkg/domain-errors"
	"formgate/pkg/platform/httputil"
	"formgate/pkg/requestcontext"
)

// SuccessMessage is returned for every admitted submission.
const SuccessMessage = "Submission received successfully"

type Service interface {
	Admit(ctx context.Context, req admission.Request) (*admission.Result, error)
	IssueToken(ctx context.Context, identifier string, header http.Header) (csrf.Token, error)
	IssueChallenge(ctx context.Context, identifier string) (challenge.Challenge, error)
}

type TokenResponse struct {
	Token            string `json:"token"`
	ExpiresInSeconds int    `json:"expiresInSeconds"`
}

type SubmitResponse struct {
	Message string `json:"message"`
}

// RejectionResponse extends the standard error body with throttle and size
// details.
type RejectionResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
	RetryAfter  int    `json:"retryAfter,omitempty"`
	Limit       int64  `json:"limit,omitempty"`
}

type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger,
	}
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/s/{identifier}/csrf", h.HandleCSRFToken)
	r.Get("/s/{identifier}/challenge", h.HandleChallenge)
	r.Post("/s/{identifier}", h.HandleSubmit)
}

// HandleCSRFToken implements GET /s/{identifier}/csrf.
// Output: { "token": "...", "expiresInSeconds": 1800 }
func (h *Handler) HandleCSRFToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tok, err := h.service.IssueToken(ctx, chi.URLParam(r, "identifier"), r.Header)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	expiresIn := int(tok.ExpiresAt.Sub(requestcontext.Now(ctx)).Round(time.Second) / time.Second)
	w.Header().Set("Cache-Control", "no-store")
	httputil.WriteJSON(w, http.StatusOK, &TokenResponse{
		Token:            tok.Value,
		ExpiresInSeconds: expiresIn,
	})
}

// HandleChallenge implements GET /s/{identifier}/challenge.
func (h *Handler) HandleChallenge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ch, err := h.service.IssueChallenge(ctx, chi.URLParam(r, "identifier"))
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	httputil.WriteJSON(w, http.StatusOK, &ch)
}

// HandleSubmit implements POST /s/{identifier}.
//
// Input: JSON, multipart or url-encoded fields, optional csrfToken/_csrf and
// altcha fields (or X-CSRF-Token / X-Altcha-Spam-Filter headers).
// Output: { "message": "Submission received successfully" }
func (h *Handler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res, err := h.service.Admit(ctx, admission.Request{
		Identifier:    chi.URLParam(r, "identifier"),
		Header:        r.Header,
		ContentLength: r.ContentLength,
		Body:          r.Body,
		ClientIP:      requestcontext.ClientIP(ctx),
		UserAgent:     requestcontext.UserAgent(ctx),
	})
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	if res.RateLimit != nil {
		addRateLimitHeaders(w, res.RateLimit)
	}
	httputil.WriteJSON(w, http.StatusOK, &SubmitResponse{Message: SuccessMessage})
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	var rej *admission.Rejection
	if !errors.As(err, &rej) {
		h.logger.ErrorContext(ctx, "collector request failed",
			"error", err,
			"code", dErrors.CodeOf(err),
			"request_id", requestcontext.RequestID(ctx),
		)
		httputil.WriteError(w, err)
		return
	}

	status, code := StatusFor(rej.Kind)
	resp := &RejectionResponse{
		Error:       code,
		Description: describe(rej),
	}
	switch rej.Kind {
	case admission.KindTooManyRequests:
		retry := max(rej.WaitSeconds, 1)
		resp.RetryAfter = retry
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		if rej.Throttle != admission.ThrottleSpacing {
			resp.Limit = rej.Limit
		}
	case admission.KindBodyTooLarge, admission.KindSubmissionTooLarge:
		resp.Limit = rej.Limit
	}
	httputil.WriteJSON(w, status, resp)
}

// StatusFor maps a rejection kind to its status code and error string.
func StatusFor(kind admission.Kind) (int, string) {
	switch kind {
	case admission.KindBodyTooLarge:
		return http.StatusRequestEntityTooLarge, "body_too_large"
	case admission.KindNotFound:
		return http.StatusNotFound, "form_not_found"
	case admission.KindFormInactive:
		return http.StatusBadRequest, "form_inactive"
	case admission.KindConfigurationError:
		return http.StatusInternalServerError, "configuration_error"
	case admission.KindOrganizationInactive:
		return http.StatusBadRequest, "organization_inactive"
	case admission.KindInvalidContentType:
		return http.StatusBadRequest, "invalid_content_type"
	case admission.KindInvalidBody:
		return http.StatusBadRequest, "invalid_body"
	case admission.KindOriginRequired:
		return http.StatusBadRequest, "origin_required"
	case admission.KindInvalidCsrf:
		return http.StatusForbidden, "invalid_csrf_token"
	case admission.KindInvalidChallenge:
		return http.StatusForbidden, "invalid_challenge"
	case admission.KindOriginNotWhitelisted:
		return http.StatusForbidden, "origin_not_whitelisted"
	case admission.KindTooManyRequests:
		return http.StatusTooManyRequests, "too_many_requests"
	case admission.KindEmptySubmission:
		return http.StatusBadRequest, "empty_submission"
	case admission.KindSubmissionTooLarge:
		return http.StatusBadRequest, "submission_too_large"
	case admission.KindQueueUnavailable:
		return http.StatusServiceUnavailable, "integration_queue_unavailable"
	case admission.KindNotConfigured:
		return http.StatusNotImplemented, "not_configured"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// describe renders the client-facing message. Server-side kinds stay generic.
func describe(rej *admission.Rejection) string {
	switch rej.Kind {
	case admission.KindBodyTooLarge:
		if rej.Limit > 0 {
			return fmt.Sprintf("Request body exceeds the %d byte limit for this form", rej.Limit)
		}
		return "Request body is too large"
	case admission.KindNotFound:
		return "Form not found"
	case admission.KindFormInactive:
		return "This form is not accepting submissions"
	case admission.KindOrganizationInactive:
		return "This organization is not accepting submissions"
	case admission.KindInvalidContentType:
		return "Content-Type must be application/json, multipart/form-data or application/x-www-form-urlencoded"
	case admission.KindInvalidBody:
		return "Request body could not be parsed"
	case admission.KindOriginRequired:
		return "Origin header is required"
	case admission.KindInvalidCsrf:
		return "Missing or invalid CSRF token"
	case admission.KindInvalidChallenge:
		return "Invalid challenge solution"
	case admission.KindOriginNotWhitelisted:
		return "Origin is not allowed to submit to this form"
	case admission.KindTooManyRequests:
		if rej.Throttle == admission.ThrottleSpacing {
			return fmt.Sprintf("Please wait %d seconds before submitting again", max(rej.WaitSeconds, 1))
		}
		return "Too many submissions. Please try again later"
	case admission.KindEmptySubmission:
		return "Submission is empty"
	case admission.KindSubmissionTooLarge:
		return fmt.Sprintf("Submission exceeds %d characters", rej.Limit)
	case admission.KindQueueUnavailable:
		return "Integrations are temporarily unavailable. Please retry later"
	case admission.KindNotConfigured:
		return "This feature is not configured on the server"
	default:
		return ""
	}
}

func addRateLimitHeaders(w http.ResponseWriter, result *throttle.RateLimitResult) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
}
