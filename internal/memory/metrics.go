package memory

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Labels: backend (memory, redis)
var turnsAppended = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cortexd",
		Subsystem: "memory",
		Name:      "turns_appended_total",
		Help:      "Conversation turns recorded",
	},
	[]string{"backend"},
)
