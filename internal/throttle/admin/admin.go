// Package admin is the operator service over the throttle store.
package admin

import (
	"context"
	"fmt"
	"log/slog"

	"formgate/internal/throttle/metrics"
	"formgate/internal/throttle/models"
	id "formgate/pkg/domain"
	"formgate/pkg/platform/privacy"
	"formgate/pkg/platform/validation"
	"formgate/pkg/requestcontext"
)

type Store interface {
	Reset(ctx context.Context, key models.Key) error
	Len(ctx context.Context) (int, error)
}

type Service struct {
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func New(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("throttle store is required")
	}
	svc := &Service{store: store}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

func (s *Service) Stats(ctx context.Context) (*models.StatsResponse, error) {
	n, err := s.store.Len(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count throttle entries: %w", err)
	}
	return &models.StatsResponse{Entries: n}, nil
}

// Reset clears both windows and the spacing stamp for (ip, form).
func (s *Service) Reset(ctx context.Context, req *models.ResetRequest) error {
	req.Normalize()
	if err := validation.Validate(req); err != nil {
		return err
	}
	formID, err := id.ParseFormID(req.FormID)
	if err != nil {
		return err
	}

	if err := s.store.Reset(ctx, models.NewKey(req.IP, formID)); err != nil {
		return fmt.Errorf("failed to reset throttle entry: %w", err)
	}
	if s.metrics != nil {
		s.metrics.IncrementAdminResets()
	}

	s.logAudit(ctx, "throttle_reset",
		"ip_prefix", privacy.AnonymizeIP(req.IP),
		"form_id", formID.String(),
		"actor_id", requestcontext.ActorID(ctx),
	)
	return nil
}

func (s *Service) logAudit(ctx context.Context, event string, attrs ...any) {
	if s.logger == nil {
		return
	}
	if requestID := requestcontext.RequestID(ctx); requestID != "" {
		attrs = append(attrs, "request_id", requestID)
	}
	args := append(attrs, "event", event, "log_type", "audit")
	s.logger.InfoContext(ctx, event, args...)
}
