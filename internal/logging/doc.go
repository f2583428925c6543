// Package logging provides structured logging with OpenTelemetry integration.
//
// Logger wraps Zap with:
//   - a Trace level (-2, below Debug)
//   - stdout and OpenTelemetry outputs
//   - context correlation (trace_id, tenant, user, session, request id)
//   - encoder-level redaction of sensitive keys and value patterns
//   - sampling below error level
//
// Usage:
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithCaller(ctx, id.UserID, id.EffectiveTenant())
//	logger.Info(ctx, "query answered", zap.Bool("cache_hit", hit))
//
// Question, answer and prompt fields are redacted by name because they may
// hold customer data before DLP has run. Prefer logging counts and ids.
//
// Tests use NewTestLogger and its Assert helpers.
package logging
