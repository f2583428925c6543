package dlp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Labels: type (email, phone, card, cuit, dni, credential)
	redactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cortexd",
			Subsystem: "dlp",
			Name:      "redactions_total",
			Help:      "Masks applied to answers, by PII type",
		},
		[]string{"type"},
	)

	invariantViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cortexd",
			Subsystem: "dlp",
			Name:      "invariant_violations_total",
			Help:      "Answers withheld because a pattern survived redaction",
		},
		[]string{"rule"},
	)
)

// Observe records a redaction pass. Redact has no side effects; callers
// report the results they act on.
func Observe(res *Result) {
	for typ, n := range res.ByType {
		redactionsTotal.WithLabelValues(typ).Add(float64(n))
	}
}
