package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// OutcomeAdmitted labels successful admissions; rejections use their kind.
const OutcomeAdmitted = "admitted"

type Metrics struct {
	AdmissionDecisionsTotal   *prometheus.CounterVec
	AdmissionDurationSeconds  prometheus.Histogram
	SubmissionsPersistedTotal prometheus.Counter
	IntegrationJobsTotal      prometheus.Counter
	CSRFTokensIssuedTotal     prometheus.Counter
	ChallengesIssuedTotal     prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		AdmissionDecisionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "formgate_admission_decisions_total",
			Help: "Admission decisions by outcome (admitted or rejection kind)",
		}, []string{"outcome"}),
		AdmissionDurationSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "formgate_admission_duration_seconds",
			Help:    "Time spent running the admission pipeline",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		SubmissionsPersistedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "formgate_submissions_persisted_total",
			Help: "Submissions written to the store",
		}),
		IntegrationJobsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "formgate_integration_jobs_enqueued_total",
			Help: "Integration jobs enqueued for accepted submissions",
		}),
		CSRFTokensIssuedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "formgate_csrf_tokens_issued_total",
			Help: "CSRF tokens issued",
		}),
		ChallengesIssuedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "formgate_challenges_issued_total",
			Help: "Proof-of-work challenges issued",
		}),
	}
}

func (m *Metrics) IncrementDecision(outcome string) {
	m.AdmissionDecisionsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveDuration(d time.Duration) {
	m.AdmissionDurationSeconds.Observe(d.Seconds())
}

func (m *Metrics) IncrementPersisted() {
	m.SubmissionsPersistedTotal.Inc()
}

func (m *Metrics) AddIntegrationJobs(n int) {
	m.IntegrationJobsTotal.Add(float64(n))
}

func (m *Metrics) IncrementCSRFIssued() {
	m.CSRFTokensIssuedTotal.Inc()
}

func (m *Metrics) IncrementChallengesIssued() {
	m.ChallengesIssuedTotal.Inc()
}
