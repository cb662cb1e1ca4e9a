package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks projection progress.
type Metrics struct {
	EventsApplied prometheus.Counter
	EventsSkipped prometheus.Counter
	ApplyFailures prometheus.Counter
	Rebuilds      prometheus.Counter
	ApplyDuration prometheus.Histogram
	CacheHits     prometheus.Counter
	CacheMisses   prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		EventsApplied: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veritas_projection_events_applied_total",
			Help: "Events folded into a materialized view.",
		}),
		EventsSkipped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veritas_projection_events_skipped_total",
			Help: "Redelivered events ignored because the view was already past them.",
		}),
		ApplyFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veritas_projection_apply_failures_total",
			Help: "Events that failed to fold.",
		}),
		Rebuilds: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veritas_projection_rebuilds_total",
			Help: "Full view rebuilds from the event log.",
		}),
		ApplyDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "veritas_projection_apply_duration_seconds",
			Help:    "Time to fold one event including the view write.",
			Buckets: prometheus.DefBuckets,
		}),
		CacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veritas_projection_cache_hits_total",
			Help: "View reads served from the redis cache.",
		}),
		CacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veritas_projection_cache_misses_total",
			Help: "View reads that fell through to the store.",
		}),
	}
}
