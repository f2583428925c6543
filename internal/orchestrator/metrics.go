package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Labels: outcome (ok or an error kind), cache (hit, miss, bypass)
	queriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cortexd",
			Subsystem: "orchestrator",
			Name:      "queries_total",
			Help:      "Handled queries by outcome and cache result",
		},
		[]string{"outcome", "cache"},
	)

	queryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cortexd",
			Subsystem: "orchestrator",
			Name:      "query_duration_seconds",
			Help:      "End-to-end query latency",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		},
		[]string{"cache"},
	)

	groundingRefusals = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cortexd",
			Subsystem: "orchestrator",
			Name:      "grounding_refusals_total",
			Help:      "Queries answered with the fixed refusal because nothing was retrieved",
		},
	)
)
