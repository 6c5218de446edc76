// Package metrics provides Prometheus metrics for the cache gateway:
// request counts by cache outcome, stage latencies, and background
// persistence activity.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "recallgate"

// Cache outcome label values.
const (
	OutcomeHit         = "hit"
	OutcomeSemanticHit = "semantic_hit"
	OutcomeMiss        = "miss"
	OutcomeBypass      = "bypass"
	OutcomeError       = "error"
)

// LatencyBuckets defines histogram buckets for latency metrics (in seconds).
var LatencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
	1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 120.0,
}

var (
	// RequestsTotal counts proxied requests by cache outcome.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total requests by cache outcome",
		},
		[]string{"outcome", "model"},
	)

	// RequestDuration tracks end-to-end request latency.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end request latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"method", "status_code"},
	)

	// LookupDuration tracks cache lookup latency by stage.
	LookupDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lookup_duration_seconds",
			Help:      "Cache lookup latency in seconds by stage",
			Buckets:   LatencyBuckets,
		},
		[]string{"stage"}, // exact, semantic
	)

	// OriginDuration tracks origin forward latency.
	OriginDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "origin_duration_seconds",
			Help:      "Origin forward latency in seconds",
			Buckets:   LatencyBuckets,
		},
	)

	// SemanticSimilarity observes the best similarity seen per semantic
	// lookup, hit or miss, so the threshold can be tuned from real
	// traffic.
	SemanticSimilarity = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "semantic_similarity",
			Help:      "Best-candidate similarity per semantic lookup",
			Buckets:   prometheus.LinearBuckets(0.5, 0.025, 21),
		},
	)

	// PersistTotal counts background persistence outcomes.
	PersistTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_total",
			Help:      "Background persistence tasks by result",
		},
		[]string{"result"}, // ok, error
	)

	// PersistBytes observes the size of persisted response bodies.
	PersistBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "persist_bytes",
			Help:      "Size in bytes of persisted response bodies",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 10),
		},
	)
)
