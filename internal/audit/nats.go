package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cortexd/internal/logging"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "cortexd.audit"

// NATSSink publishes events as JSON to {prefix}.{tenant}.
type NATSSink struct {
	nc     *nats.Conn
	prefix string
	owned  bool
}

// NewNATSSink publishes on an existing connection. Close leaves nc open.
func NewNATSSink(nc *nats.Conn, prefix string) *NATSSink {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSSink{nc: nc, prefix: strings.TrimSuffix(prefix, ".")}
}

// DialNATS connects to url and returns a sink that owns the connection.
func DialNATS(url, prefix string, logger *logging.Logger) (*NATSSink, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	nc, err := nats.Connect(url,
		nats.Name("cortexd-audit"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn(context.Background(), "audit sink disconnected", zap.Error(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	s := NewNATSSink(nc, prefix)
	s.owned = true
	return s, nil
}

// Subject returns the subject events for tenant are published on.
func (s *NATSSink) Subject(tenant string) string {
	return s.prefix + "." + subjectToken(tenant)
}

// Emit implements Sink.
func (s *NATSSink) Emit(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	if err := s.nc.Publish(s.Subject(ev.Tenant), data); err != nil {
		return fmt.Errorf("publish audit event: %w", err)
	}
	return nil
}

// Close flushes pending events and closes an owned connection.
func (s *NATSSink) Close() error {
	if s == nil || s.nc == nil || !s.owned {
		return nil
	}
	err := s.nc.Drain()
	if err != nil {
		s.nc.Close()
	}
	return err
}

// subjectToken makes tenant safe as a single subject token.
func subjectToken(tenant string) string {
	if tenant == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r == '.', r == '*', r == '>', unicode.IsSpace(r):
			return '_'
		}
		return r
	}, tenant)
}
