package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	EnqueueTotal        *prometheus.CounterVec
	JobsPublishedTotal  prometheus.Counter
	BreakerStateChanges *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EnqueueTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "formgate_queue_enqueue_total",
			Help: "Enqueue calls by result",
		}, []string{"result"}),
		JobsPublishedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "formgate_queue_jobs_published_total",
			Help: "Integration jobs acknowledged by the broker",
		}),
		BreakerStateChanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "formgate_queue_breaker_transitions_total",
			Help: "Queue circuit breaker transitions",
		}, []string{"to"}),
	}
}
