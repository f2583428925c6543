package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// State is the export state reported under "telemetry" on /health.
type State string

const (
	StateOff       State = "off"
	StateExporting State = "exporting"
	// StateDegraded means a provider failed to start; the query path keeps
	// running on the global no-op providers.
	StateDegraded State = "degraded"
	StateStopped  State = "stopped"
)

// Telemetry holds the OTLP trace and metric providers of one cortexd
// process.
type Telemetry struct {
	config *Config

	tracerProvider *trace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider

	stopped atomic.Bool

	mu       sync.Mutex
	failures []string
}

// New installs the global providers when cfg.Enabled. It fails only on an
// invalid cfg; exporter setup errors are recorded and surfaced by Health.
func New(ctx context.Context, cfg *Config, opts ...Option) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	t := &Telemetry{config: cfg}
	if !cfg.Enabled {
		return t, nil
	}

	res := newResource(cfg)
	if tp, err := newTracerProvider(ctx, cfg, res, o.spanExporter); err != nil {
		t.fail("traces: %v", err)
	} else {
		t.tracerProvider = tp
		otel.SetTracerProvider(tp)
	}
	if mp, err := newMeterProvider(ctx, cfg, res, o.metricExporter); err != nil {
		t.fail("metrics: %v", err)
	} else if mp != nil {
		t.meterProvider = mp
		otel.SetMeterProvider(mp)
	}

	// Gateways forward traceparent so query spans join the caller's trace.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return t, nil
}

func (t *Telemetry) Tracer(name string, opts ...oteltrace.TracerOption) oteltrace.Tracer {
	if t == nil || t.tracerProvider == nil {
		return otel.GetTracerProvider().Tracer(name, opts...)
	}
	return t.tracerProvider.Tracer(name, opts...)
}

// Meter falls back to the global provider, so instruments created before
// or without export are still valid.
func (t *Telemetry) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	if t == nil || t.meterProvider == nil {
		return otel.GetMeterProvider().Meter(name, opts...)
	}
	return t.meterProvider.Meter(name, opts...)
}

type flusher interface {
	ForceFlush(context.Context) error
	Shutdown(context.Context) error
}

func (t *Telemetry) providers() map[string]flusher {
	out := make(map[string]flusher, 2)
	if t.tracerProvider != nil {
		out["traces"] = t.tracerProvider
	}
	if t.meterProvider != nil {
		out["metrics"] = t.meterProvider
	}
	return out
}

// Shutdown drains pending spans and metrics. ctx without a deadline gets
// the configured shutdown timeout.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.stopped.Swap(true) {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok && t.config != nil && t.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.ShutdownTimeout)
		defer cancel()
	}
	var errs []error
	for name, p := range t.providers() {
		if err := p.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s shutdown: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// ForceFlush exports pending data now. Tests call it before reading an
// exporter.
func (t *Telemetry) ForceFlush(ctx context.Context) error {
	if t == nil || t.stopped.Load() {
		return nil
	}
	var errs []error
	for name, p := range t.providers() {
		if err := p.ForceFlush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s flush: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// HealthStatus is the telemetry section of the /health body.
type HealthStatus struct {
	State    State    `json:"state"`
	Failures []string `json:"failures,omitempty"`
}

func (t *Telemetry) Health() HealthStatus {
	if t == nil || t.config == nil || !t.config.Enabled {
		if t != nil && t.stopped.Load() {
			return HealthStatus{State: StateStopped}
		}
		return HealthStatus{State: StateOff}
	}
	t.mu.Lock()
	failures := append([]string(nil), t.failures...)
	t.mu.Unlock()

	st := HealthStatus{State: StateExporting, Failures: failures}
	switch {
	case t.stopped.Load():
		st.State = StateStopped
	case len(failures) > 0:
		st.State = StateDegraded
	}
	return st
}

// IsEnabled reports whether spans and metrics are being exported.
func (t *Telemetry) IsEnabled() bool {
	return t.Health().State == StateExporting
}

func (t *Telemetry) fail(format string, args ...any) {
	t.mu.Lock()
	t.failures = append(t.failures, fmt.Sprintf(format, args...))
	t.mu.Unlock()
}
