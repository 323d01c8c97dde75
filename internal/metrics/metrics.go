// Package metrics holds the Prometheus collectors shared by the read, write
// and replay paths.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dailytally"

type Metrics struct {
	// AggregatorRequests counts Read Aggregator lookups by result: hit, miss.
	AggregatorRequests *prometheus.CounterVec
	// UpstreamFetches counts backing store reads issued by the Read Aggregator.
	UpstreamFetches *prometheus.CounterVec
	// Writes counts committed readings by path: fast, fallback, direct.
	Writes *prometheus.CounterVec
	// Corrections counts negative submissions by outcome.
	Corrections *prometheus.CounterVec
	// FastCacheErrors counts failed fast cache operations by op.
	FastCacheErrors *prometheus.CounterVec
	ReplaySynced    prometheus.Counter
	ReplayDropped   prometheus.Counter
	ReplayLost      prometheus.Counter
	ReplayFailures  prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		AggregatorRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "requests_total",
			Help:      "Total number of daily aggregate lookups served by the read aggregator.",
		}, []string{"kind", "result"}),
		UpstreamFetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "upstream_fetches_total",
			Help:      "Total number of backing store reads started by the read aggregator.",
		}, []string{"kind"}),
		Writes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "writes",
			Name:      "committed_total",
			Help:      "Total number of readings committed, by commit path.",
		}, []string{"path"}),
		Corrections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "writes",
			Name:      "corrections_total",
			Help:      "Total number of negative submissions, by outcome.",
		}, []string{"outcome"}),
		FastCacheErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fastcache",
			Name:      "errors_total",
			Help:      "Total number of failed fast cache operations.",
		}, []string{"op"}),
		ReplaySynced: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replay",
			Name:      "synced_total",
			Help:      "Total number of queued readings appended to the backing store.",
		}),
		ReplayDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replay",
			Name:      "dropped_total",
			Help:      "Total number of queue entries dropped because they could not be parsed.",
		}),
		ReplayLost: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replay",
			Name:      "lost_total",
			Help:      "Total number of popped queue entries that could not be persisted and were not requeued.",
		}),
		ReplayFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replay",
			Name:      "failures_total",
			Help:      "Total number of replay runs that failed.",
		}),
	}
}
