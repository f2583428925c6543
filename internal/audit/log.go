package audit

import (
	"context"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cortexd/internal/logging"
)

// LogSink writes events through the structured logger.
type LogSink struct {
	logger *logging.Logger
}

// NewLogSink creates a LogSink. A nil logger discards events.
func NewLogSink(logger *logging.Logger) *LogSink {
	if logger == nil {
		logger = logging.Nop()
	}
	return &LogSink{logger: logger.Named("audit")}
}

// Emit implements Sink.
func (s *LogSink) Emit(ctx context.Context, ev Event) error {
	s.logger.Info(ctx, "query audited",
		zap.String("request_id", ev.RequestID),
		zap.String("user_id", ev.UserID),
		zap.String("tenant", ev.Tenant),
		zap.Bool("cache_hit", ev.CacheHit),
		zap.String("outcome", ev.Outcome),
		zap.Int("chunks_used", ev.ChunksUsed),
		zap.Int("redactions_applied", ev.RedactionsApplied),
		zap.Duration("duration", ev.Duration))
	return nil
}

// Close implements Sink.
func (s *LogSink) Close() error { return nil }
