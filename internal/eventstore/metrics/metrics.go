package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the append path.
type Metrics struct {
	AppendsCommitted  prometheus.Counter
	AppendsDeduped    prometheus.Counter
	AppendConflicts   prometheus.Counter
	AppendValidations prometheus.Counter
	AppendFailures    prometheus.Counter
	AppendDuration    prometheus.Histogram
}

// New creates and registers the event store metrics.
func New() *Metrics {
	return &Metrics{
		AppendsCommitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veritas_appends_committed_total",
			Help: "Events durably committed to the ledger",
		}),
		AppendsDeduped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veritas_appends_deduplicated_total",
			Help: "Appends resolved to an already-committed event via local_id",
		}),
		AppendConflicts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veritas_append_conflicts_total",
			Help: "Appends rejected with a stale expected_sequence",
		}),
		AppendValidations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veritas_append_validation_failures_total",
			Help: "Appends rejected as malformed",
		}),
		AppendFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veritas_append_storage_failures_total",
			Help: "Appends failed on the durable medium",
		}),
		AppendDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "veritas_append_duration_seconds",
			Help:    "End-to-end append latency",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
