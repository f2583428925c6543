// internal/logging/context.go
package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type callerCtxKey struct{}
type sessionCtxKey struct{}
type requestCtxKey struct{}
type loggerCtxKey struct{}

// Caller is the correlation view of an authenticated caller.
type Caller struct {
	UserID string
	Tenant string
}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if c, ok := ctx.Value(callerCtxKey{}).(Caller); ok {
		fields = append(fields,
			zap.String("tenant", c.Tenant),
			zap.String("user", c.UserID),
		)
	}

	if s, ok := ctx.Value(sessionCtxKey{}).(string); ok && s != "" {
		fields = append(fields, zap.String("session.id", s))
	}

	if r := RequestIDFromContext(ctx); r != "" {
		fields = append(fields, zap.String("request.id", r))
	}

	return fields
}

// WithCaller attaches caller correlation fields.
func WithCaller(ctx context.Context, userID, tenant string) context.Context {
	return context.WithValue(ctx, callerCtxKey{}, Caller{UserID: userID, Tenant: tenant})
}

// WithSessionID attaches a conversation session id.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionCtxKey{}, sessionID)
}

// WithRequestID attaches the inbound request id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext returns the request id or "".
func RequestIDFromContext(ctx context.Context) string {
	if r, ok := ctx.Value(requestCtxKey{}).(string); ok {
		return r
	}
	return ""
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return Nop()
}
