package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Labels: backend (memory, badger, redis)
	hitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cortexd",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Response cache hits",
		},
		[]string{"backend"},
	)

	missesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cortexd",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Response cache misses, including expired entries",
		},
		[]string{"backend"},
	)

	entriesGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cortexd",
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Entries held by the in-process cache",
		},
		[]string{"backend"},
	)

	evictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cortexd",
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "LRU evictions from the in-process cache",
		},
	)

	sharedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cortexd",
			Subsystem: "cache",
			Name:      "singleflight_shared_total",
			Help:      "Computations whose result was shared by concurrent identical misses",
		},
	)
)
