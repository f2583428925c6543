package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// admittedTotal counts admitted requests. Labels: backend (memory, redis)
	admittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cortexd",
			Subsystem: "ratelimit",
			Name:      "admitted_total",
			Help:      "Requests admitted by the rate limiter",
		},
		[]string{"backend"},
	)

	// rejectedTotal counts denied requests. Labels: backend (memory, redis)
	rejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cortexd",
			Subsystem: "ratelimit",
			Name:      "rejected_total",
			Help:      "Requests denied by the rate limiter",
		},
		[]string{"backend"},
	)

	trackedKeys = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cortexd",
			Subsystem: "ratelimit",
			Name:      "tracked_keys",
			Help:      "Keys with live window state in the in-memory limiter after the last sweep",
		},
	)
)
