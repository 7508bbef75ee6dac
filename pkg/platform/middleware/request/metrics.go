package request

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are labelled by chi route pattern, never by raw path, so public
// form identifiers do not become label values.
type Metrics struct {
	Duration *prometheus.HistogramVec
	Requests *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "formgate_http_request_duration_seconds",
			Help:    "Handler latency by route pattern and method",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"route", "method"}),
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "formgate_http_requests_total",
			Help: "Requests by route pattern, method and status code",
		}, []string{"route", "method", "code"}),
	}
}

func (m *Metrics) Observe(route, method string, status int, seconds float64) {
	m.Duration.WithLabelValues(route, method).Observe(seconds)
	m.Requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
}
