package prompt

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	promptTokens = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "cortexd",
			Subsystem: "prompt",
			Name:      "input_tokens",
			Help:      "Estimated input tokens per assembled prompt",
			Buckets:   []float64{64, 128, 256, 512, 1024, 2048, 4096, 8192},
		},
	)

	skippedChunks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cortexd",
			Subsystem: "prompt",
			Name:      "skipped_chunks_total",
			Help:      "Retrieved chunks left out because they did not fit the budget",
		},
	)
)
