package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for identity resolution.
type Metrics struct {
	ResolvesTotal     *prometheus.CounterVec
	ConflictRetries   prometheus.Counter
	ResolveDuration   prometheus.Histogram
	ClustersMerged    prometheus.Counter
	SecondariesLinked prometheus.Counter
}

// New creates and registers all resolver metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		ResolvesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "idlink_resolves_total",
			Help: "Total number of identity resolutions by outcome",
		}, []string{"outcome"}),
		ConflictRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "idlink_resolve_conflict_retries_total",
			Help: "Total number of resolve attempts retried after a serialization conflict",
		}),
		ResolveDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "idlink_resolve_duration_seconds",
			Help:    "End-to-end duration of Resolve calls including retries",
			Buckets: prometheus.DefBuckets,
		}),
		ClustersMerged: promauto.NewCounter(prometheus.CounterOpts{
			Name: "idlink_clusters_merged_total",
			Help: "Total number of cluster merge operations (primary demotions)",
		}),
		SecondariesLinked: promauto.NewCounter(prometheus.CounterOpts{
			Name: "idlink_secondaries_linked_total",
			Help: "Total number of secondary contacts created from novel fragments",
		}),
	}
}

// ObserveResolve records one completed resolution. Nil-safe so services can
// run without metrics in tests.
func (m *Metrics) ObserveResolve(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ResolvesTotal.WithLabelValues(outcome).Inc()
	m.ResolveDuration.Observe(elapsed.Seconds())
}

// IncrementConflictRetries counts one retried attempt.
func (m *Metrics) IncrementConflictRetries() {
	if m == nil {
		return
	}
	m.ConflictRetries.Inc()
}

// IncrementClustersMerged counts one demoted primary.
func (m *Metrics) IncrementClustersMerged() {
	if m == nil {
		return
	}
	m.ClustersMerged.Inc()
}

// IncrementSecondariesLinked counts one created secondary.
func (m *Metrics) IncrementSecondariesLinked() {
	if m == nil {
		return
	}
	m.SecondariesLinked.Inc()
}
