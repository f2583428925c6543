package http

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cortexd/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/cortexd/internal/http"

// Metrics holds the OTel HTTP instruments. A nil instrument is skipped.
type Metrics struct {
	requestsTotal  metric.Int64Counter
	requestDur     metric.Float64Histogram
	responseSize   metric.Int64Histogram
	activeRequests metric.Int64UpDownCounter
}

// NewMetrics creates the instruments on meter, or on the global meter
// provider when meter is nil.
func NewMetrics(meter metric.Meter, logger *logging.Logger) *Metrics {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	if logger == nil {
		logger = logging.Nop()
	}
	ctx := context.Background()
	m := &Metrics{}
	var err error

	m.requestsTotal, err = meter.Int64Counter(
		"cortexd.http.requests_total",
		metric.WithDescription("HTTP requests by method, route and status."),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		logger.Warn(ctx, "failed to create requests counter", zap.Error(err))
	}

	m.requestDur, err = meter.Float64Histogram(
		"cortexd.http.request_duration_seconds",
		metric.WithDescription("HTTP request duration by method, route and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		logger.Warn(ctx, "failed to create duration histogram", zap.Error(err))
	}

	m.responseSize, err = meter.Int64Histogram(
		"cortexd.http.response_size_bytes",
		metric.WithDescription("HTTP response body size by method, route and status."),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(100, 500, 1000, 5000, 10000, 50000, 100000),
	)
	if err != nil {
		logger.Warn(ctx, "failed to create response size histogram", zap.Error(err))
	}

	m.activeRequests, err = meter.Int64UpDownCounter(
		"cortexd.http.active_requests",
		metric.WithDescription("HTTP requests in flight."),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		logger.Warn(ctx, "failed to create active requests gauge", zap.Error(err))
	}
	return m
}

// Middleware records the instruments for every request.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			ctx := c.Request().Context()
			if m.activeRequests != nil {
				m.activeRequests.Add(ctx, 1)
			}

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("route", normalizePath(c.Path())),
				attribute.Int("status", c.Response().Status),
			)
			if m.requestsTotal != nil {
				m.requestsTotal.Add(ctx, 1, attrs)
			}
			if m.requestDur != nil {
				m.requestDur.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			if m.responseSize != nil {
				m.responseSize.Record(ctx, c.Response().Size, attrs)
			}
			if m.activeRequests != nil {
				m.activeRequests.Add(ctx, -1)
			}
			return nil
		}
	}
}

// normalizePath returns the matched route template. Unmatched requests
// share one label so scanners cannot inflate cardinality.
func normalizePath(route string) string {
	if route == "" {
		return "unmatched"
	}
	return route
}
