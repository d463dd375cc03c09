package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds process-wide HTTP metrics. Feature-level metrics live next to
// their feature (internal/contact/metrics).
type Metrics struct {
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestsTotal   *prometheus.CounterVec
}

// New creates and registers the platform metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "idlink_http_request_duration_seconds",
			Help:    "HTTP request latency by route and status class",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "status"}),
		HTTPRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "idlink_http_requests_total",
			Help: "Total HTTP requests by route and status class",
		}, []string{"route", "status"}),
	}
}

// ObserveRequest records one served request. Nil-safe for tests.
func (m *Metrics) ObserveRequest(route, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.WithLabelValues(route, status).Observe(elapsed.Seconds())
	m.HTTPRequestsTotal.WithLabelValues(route, status).Inc()
}
