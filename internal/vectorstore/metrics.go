package vectorstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Labels: backend (qdrant, chromem), result (success, invalid, timeout, unavailable, tenant_mismatch)
	searchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cortexd",
			Subsystem: "retrieval",
			Name:      "searches_total",
			Help:      "Tenant-scoped similarity searches",
		},
		[]string{"backend", "result"},
	)

	searchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cortexd",
			Subsystem: "retrieval",
			Name:      "search_duration_seconds",
			Help:      "Duration of searches including query embedding",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	// Any increment is a security incident.
	tenantMismatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cortexd",
			Subsystem: "retrieval",
			Name:      "tenant_mismatch_total",
			Help:      "Searches aborted because a chunk belonged to another tenant",
		},
		[]string{"backend"},
	)

	upsertedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cortexd",
			Subsystem: "retrieval",
			Name:      "documents_upserted_total",
			Help:      "Chunks written to the vector index",
		},
		[]string{"backend"},
	)
)
