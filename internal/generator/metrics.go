package generator

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Labels: result (ok, unavailable, unauthorized, loading, rejected)
	generationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cortexd",
			Subsystem: "generator",
			Name:      "requests_total",
			Help:      "Provider generation calls by outcome",
		},
		[]string{"result"},
	)

	generationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "cortexd",
			Subsystem: "generator",
			Name:      "duration_seconds",
			Help:      "Provider generation latency",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 32},
		},
	)

	retriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cortexd",
			Subsystem: "generator",
			Name:      "loading_retries_total",
			Help:      "Retries issued because the model was loading",
		},
	)

	// Labels: model (the model switched to)
	modelFallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cortexd",
			Subsystem: "generator",
			Name:      "model_fallbacks_total",
			Help:      "Switches to another model after the configured one was not supported",
		},
		[]string{"model"},
	)

	// 1 when the last probe of model reported up, else 0.
	providerUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cortexd",
			Subsystem: "generator",
			Name:      "provider_up",
			Help:      "Result of the last provider health probe",
		},
		[]string{"model"},
	)
)

func recordHealth(model string, st Status) {
	v := 0.0
	if st.OK() {
		v = 1
	}
	providerUp.WithLabelValues(model).Set(v)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrProviderLoading):
		return "loading"
	case errors.Is(err, ErrProviderUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrProviderRejected):
		return "rejected"
	default:
		return "unavailable"
	}
}
