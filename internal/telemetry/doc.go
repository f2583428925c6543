// Package telemetry sets up OpenTelemetry tracing and OTLP metric export.
//
// Prometheus metrics are served separately on /metrics; this package only
// handles the OTLP side. Exporter failures degrade the instance instead of
// failing startup:
//
//	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Observability, version))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Tests use NewTestTelemetry, which records spans in memory.
package telemetry
