// Package audit emits one structured event per handled query.
//
// Events carry identifiers, counts and the outcome. They never carry the
// question or the answer.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/cortexd/internal/config"
	"github.com/fyrsmithlabs/cortexd/internal/logging"
)

// Event describes one handled query.
type Event struct {
	RequestID         string        `json:"request_id"`
	UserID            string        `json:"user_id"`
	Tenant            string        `json:"tenant"`
	CacheHit          bool          `json:"cache_hit"`
	Outcome           string        `json:"outcome"`
	ChunksUsed        int           `json:"chunks_used"`
	RedactionsApplied int           `json:"redactions_applied"`
	Duration          time.Duration `json:"duration_ns"`
	Time              time.Time     `json:"time"`
}

// Sink receives audit events. Callers log a returned error and carry on.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
	Close() error
}

// Nop discards events.
type Nop struct{}

// Emit implements Sink.
func (Nop) Emit(context.Context, Event) error { return nil }

// Close implements Sink.
func (Nop) Close() error { return nil }

// FromSettings builds the sink selected by cfg.
func FromSettings(cfg config.AuditConfig, logger *logging.Logger) (Sink, error) {
	switch cfg.Sink {
	case "log", "":
		return NewLogSink(logger), nil
	case "nats":
		s, err := DialNATS(cfg.NATSURL, cfg.SubjectPrefix, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "none":
		return Nop{}, nil
	default:
		return nil, fmt.Errorf("unknown audit sink %q", cfg.Sink)
	}
}
