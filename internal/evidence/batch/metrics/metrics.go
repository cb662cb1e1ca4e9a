package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the timestamping pipeline.
type Metrics struct {
	BatchesFormed       prometheus.Counter
	LeavesBatched       prometheus.Counter
	AttestationsGranted prometheus.Counter
	SubmitFailures      prometheus.Counter
	PollFailures        prometheus.Counter
	FormDuration        prometheus.Histogram
}

// New creates and registers the batch metrics.
func New() *Metrics {
	return &Metrics{
		BatchesFormed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veritas_batches_formed_total",
			Help: "Merkle batches formed over committed events",
		}),
		LeavesBatched: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veritas_batch_leaves_total",
			Help: "Event leaves folded into batches",
		}),
		AttestationsGranted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veritas_attestations_granted_total",
			Help: "Batches whose attestation was received and verified",
		}),
		SubmitFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veritas_attestation_submit_failures_total",
			Help: "Batch submissions the authority rejected or timed out",
		}),
		PollFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veritas_attestation_poll_failures_total",
			Help: "Attestation polls that failed for a reason other than still-pending",
		}),
		FormDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "veritas_batch_form_duration_seconds",
			Help:    "Time to sweep the window and build the tree",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
