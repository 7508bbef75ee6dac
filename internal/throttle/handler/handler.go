package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"formgate/internal/throttle/models"
	"formgate/pkg/platform/httputil"
	"formgate/pkg/requestcontext"
)

// adminBodyLimit bounds operator request bodies.
const adminBodyLimit = 64 * 1024

type Service interface {
	Stats(ctx context.Context) (*models.StatsResponse, error)
	Reset(ctx context.Context, req *models.ResetRequest) error
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

// RegisterAdmin mounts the operator routes. Callers wrap r with the admin
// auth middleware.
func (h *Handler) RegisterAdmin(r chi.Router) {
	r.Get("/admin/throttle/stats", h.HandleStats)
	r.Post("/admin/throttle/reset", h.HandleReset)
}

// HandleStats implements GET /admin/throttle/stats.
// Output: { "entries": 42 }
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stats, err := h.service.Stats(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to read throttle stats",
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stats)
}

// HandleReset implements POST /admin/throttle/reset.
//
// Input: { "ip": "203.0.113.7", "form_id": "..." }
// Output: 204 No Content
func (h *Handler) HandleReset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, adminBodyLimit)

	req, ok := httputil.DecodeAndValidate[models.ResetRequest](w, r, h.logger)
	if !ok {
		return
	}
	if err := h.service.Reset(ctx, req); err != nil {
		h.logger.ErrorContext(ctx, "failed to reset throttle entry",
			"error", err,
			"form_id", req.FormID,
			"request_id", requestcontext.RequestID(ctx),
		)
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
