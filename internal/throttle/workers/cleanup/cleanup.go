// Package cleanup runs the periodic stale-entry sweep for the throttle store.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"formgate/internal/throttle/metrics"
	"formgate/pkg/requestcontext"
)

// DefaultInterval is how often the sweep runs when no interval is configured.
const DefaultInterval = 5 * time.Minute

// SweepResult contains the results of one sweep run.
type SweepResult struct {
	Removed   int           // Entries dropped as stale
	Remaining int           // Entries still tracked afterwards
	Duration  time.Duration // Time taken for the run
}

type Sweeper interface {
	Sweep(ctx context.Context) (removed int, err error)
	Len(ctx context.Context) (int, error)
}

type Option func(*SweepService)

func WithLogger(logger *slog.Logger) Option {
	return func(s *SweepService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithInterval(interval time.Duration) Option {
	return func(s *SweepService) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *SweepService) {
		s.metrics = m
	}
}

// WithClock overrides the time source used as the sweep cutoff reference.
func WithClock(now func() time.Time) Option {
	return func(s *SweepService) {
		if now != nil {
			s.now = now
		}
	}
}

type SweepService struct {
	store    Sweeper
	logger   *slog.Logger
	interval time.Duration
	metrics  *metrics.Metrics
	now      func() time.Time
}

func New(store Sweeper, opts ...Option) *SweepService {
	service := &SweepService{
		store:    store,
		logger:   slog.Default(),
		interval: DefaultInterval,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(service)
	}
	return service
}

// Start sweeps on every tick until ctx is cancelled, then returns ctx.Err().
func (s *SweepService) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("throttle sweep worker started", "interval", s.interval.String())
	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-ctx.Done():
			s.logger.Info("throttle sweep worker stopping", "reason", ctx.Err())
			return ctx.Err()
		}
	}
}

func (s *SweepService) tick(ctx context.Context) {
	res, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Error("throttle_sweep_failed", "error", err)
		if s.metrics != nil {
			s.metrics.IncrementSweepRuns("error")
		}
		return
	}

	s.logger.Info("throttle_sweep_completed",
		"removed", res.Removed,
		"remaining", res.Remaining,
		"duration_ms", res.Duration.Milliseconds(),
	)
	if s.metrics != nil {
		s.metrics.IncrementSweepRemoved(res.Removed)
		s.metrics.SetTrackedKeys(res.Remaining)
		s.metrics.IncrementSweepRuns("success")
		s.metrics.ObserveSweepDuration(res.Duration.Seconds())
	}
}

// RunOnce executes a single sweep. Logging is handled by the caller (Start).
func (s *SweepService) RunOnce(ctx context.Context) (*SweepResult, error) {
	started := time.Now()
	ctx = requestcontext.WithTime(ctx, s.now())

	removed, err := s.store.Sweep(ctx)
	if err != nil {
		return nil, err
	}
	remaining, err := s.store.Len(ctx)
	if err != nil {
		return nil, err
	}
	return &SweepResult{
		Removed:   removed,
		Remaining: remaining,
		Duration:  time.Since(started),
	}, nil
}
