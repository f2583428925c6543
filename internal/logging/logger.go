// internal/logging/logger.go
package logging

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// TraceLevel is for per-chunk scores and per-attempt retry detail.
const TraceLevel = zapcore.Level(-2)

// LevelFromString parses the logging.level setting. "trace" is accepted on
// top of zap's names.
func LevelFromString(level string) (zapcore.Level, error) {
	if level == "trace" {
		return TraceLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel, err
	}
	return l, nil
}

// Logger is the process logger. Every method takes the request context so
// tenant, user, request id and trace ids land on the entry. A nil *Logger
// discards everything, which lets components accept an optional logger.
type Logger struct {
	zap    *zap.Logger
	config *Config
}

// NewLogger builds the stdout core and, when otelProvider is non-nil, a
// second core exporting through OpenTelemetry logs.
func NewLogger(cfg *Config, otelProvider log.LoggerProvider) (*Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid logging config: %w", err)
	}
	core, err := newCore(cfg, otelProvider)
	if err != nil {
		return nil, fmt.Errorf("building log core: %w", err)
	}

	opts := []zap.Option{zap.AddStacktrace(cfg.Stacktrace)}
	if cfg.Caller.Enabled {
		// +1 for the l.log hop.
		opts = append(opts, zap.AddCaller(), zap.AddCallerSkip(cfg.Caller.Skip+1))
	}
	zl := zap.New(core, opts...)
	for k, v := range cfg.Fields {
		zl = zl.With(zap.String(k, v))
	}
	return &Logger{zap: zl, config: cfg}, nil
}

func Nop() *Logger {
	return &Logger{zap: zap.NewNop(), config: NewDefaultConfig()}
}

// log checks the level before collecting context fields, so filtered
// Trace and Debug calls on the query path cost one comparison.
func (l *Logger) log(ctx context.Context, lvl zapcore.Level, msg string, fields []zap.Field) {
	if l == nil || l.zap == nil {
		return
	}
	ce := l.zap.Check(lvl, msg)
	if ce == nil {
		return
	}
	ce.Write(append(ContextFields(ctx), fields...)...)
}

func (l *Logger) Trace(ctx context.Context, msg string, fields ...zap.Field) {
	l.log(ctx, TraceLevel, msg, fields)
}

func (l *Logger) Debug(ctx context.Context, msg string, fields ...zap.Field) {
	l.log(ctx, zapcore.DebugLevel, msg, fields)
}

func (l *Logger) Info(ctx context.Context, msg string, fields ...zap.Field) {
	l.log(ctx, zapcore.InfoLevel, msg, fields)
}

func (l *Logger) Warn(ctx context.Context, msg string, fields ...zap.Field) {
	l.log(ctx, zapcore.WarnLevel, msg, fields)
}

func (l *Logger) Error(ctx context.Context, msg string, fields ...zap.Field) {
	l.log(ctx, zapcore.ErrorLevel, msg, fields)
}

// With returns a child carrying fields on every entry.
func (l *Logger) With(fields ...zap.Field) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{zap: l.zap.With(fields...), config: l.config}
}

// Named appends a component segment, e.g. "orchestrator" or "qdrant".
func (l *Logger) Named(name string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{zap: l.zap.Named(name), config: l.config}
}

func (l *Logger) Enabled(level zapcore.Level) bool {
	return l != nil && l.zap.Core().Enabled(level)
}

// Sync flushes buffered entries. Errors from syncing a terminal or pipe
// are dropped.
func (l *Logger) Sync() error {
	if l == nil {
		return nil
	}
	if err := l.zap.Sync(); err != nil && !isStdoutSyncError(err) {
		return err
	}
	return nil
}

func isStdoutSyncError(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EINVAL || errno == syscall.ENOTTY
	}
	return false
}
