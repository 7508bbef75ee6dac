package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Throttle decision outcomes.
const (
	OutcomeAllowed         = "allowed"
	OutcomeRejectedWindow  = "rejected_window"
	OutcomeRejectedHourly  = "rejected_hourly"
	OutcomeRejectedSpacing = "rejected_spacing"
)

type Metrics struct {
	ThrottleDecisionsTotal      *prometheus.CounterVec
	ThrottleTrackedKeys         prometheus.Gauge
	ThrottleSweepRemovedTotal   prometheus.Counter
	ThrottleSweepRunsTotal      *prometheus.CounterVec
	ThrottleSweepDurationSecond prometheus.Histogram
	ThrottleAdminResetsTotal    prometheus.Counter
}

// New registers throttle metrics with reg. Tests pass a fresh
// prometheus.NewRegistry(); the server passes prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ThrottleDecisionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "formgate_throttle_decisions_total",
			Help: "Throttle checks by outcome",
		}, []string{"outcome"}),
		ThrottleTrackedKeys: f.NewGauge(prometheus.GaugeOpts{
			Name: "formgate_throttle_tracked_keys",
			Help: "Throttle entries held by the store after the last sweep",
		}),
		ThrottleSweepRemovedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "formgate_throttle_sweep_removed_total",
			Help: "Stale throttle entries removed by the sweep",
		}),
		ThrottleSweepRunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "formgate_throttle_sweep_runs_total",
			Help: "Total number of sweep runs",
		}, []string{"status"}),
		ThrottleSweepDurationSecond: f.NewHistogram(prometheus.HistogramOpts{
			Name: "formgate_throttle_sweep_duration_seconds",
			Help: "Duration of sweep runs in seconds",
		}),
		ThrottleAdminResetsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "formgate_throttle_admin_resets_total",
			Help: "Throttle entries cleared through the admin API",
		}),
	}
}

func (m *Metrics) IncrementDecision(outcome string) {
	m.ThrottleDecisionsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetTrackedKeys(n int) {
	m.ThrottleTrackedKeys.Set(float64(n))
}

func (m *Metrics) IncrementSweepRemoved(n int) {
	m.ThrottleSweepRemovedTotal.Add(float64(n))
}

func (m *Metrics) IncrementSweepRuns(status string) {
	m.ThrottleSweepRunsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveSweepDuration(seconds float64) {
	m.ThrottleSweepDurationSecond.Observe(seconds)
}

func (m *Metrics) IncrementAdminResets() {
	m.ThrottleAdminResetsTotal.Inc()
}
