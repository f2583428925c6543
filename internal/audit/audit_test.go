package audit

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/cortexd/internal/config"
	"github.com/fyrsmithlabs/cortexd/internal/logging"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}
	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func sampleEvent() Event {
	return Event{
		RequestID:         "req-1",
		UserID:            "u1",
		Tenant:            "acme",
		Outcome:           "ok",
		ChunksUsed:        2,
		RedactionsApplied: 1,
		Duration:          15 * time.Millisecond,
	}
}

func TestLogSink_Emit(t *testing.T) {
	logger := logging.NewTestLogger()
	sink := NewLogSink(logger.Logger)

	require.NoError(t, sink.Emit(context.Background(), sampleEvent()))

	logger.AssertLogged(t, zapcore.InfoLevel, "query audited")
	logger.AssertField(t, "query audited", "tenant", "acme")
	logger.AssertField(t, "query audited", "outcome", "ok")
	logger.AssertField(t, "query audited", "chunks_used", int64(2))
}

func TestNATSSink_PublishesPerTenant(t *testing.T) {
	server := startTestNATSServer(t)
	sub, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer sub.Close()

	msgs := make(chan *nats.Msg, 4)
	_, err = sub.ChanSubscribe("cortexd.audit.>", msgs)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	sink, err := DialNATS(server.ClientURL(), "", nil)
	require.NoError(t, err)
	defer sink.Close()

	require.NoError(t, sink.Emit(context.Background(), sampleEvent()))

	select {
	case msg := <-msgs:
		assert.Equal(t, "cortexd.audit.acme", msg.Subject)
		var got Event
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, "req-1", got.RequestID)
		assert.Equal(t, 1, got.RedactionsApplied)
		assert.Equal(t, 15*time.Millisecond, got.Duration)
	case <-time.After(2 * time.Second):
		t.Fatal("no audit event received")
	}
}

func TestNATSSink_SubjectSanitized(t *testing.T) {
	s := NewNATSSink(nil, "audit.")
	assert.Equal(t, "audit.a_b_c_d_e", s.Subject("a.b*c>d e"))
	assert.Equal(t, "audit._", s.Subject(""))
}

func TestNATSSink_CloseLeavesSharedConnOpen(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	require.NoError(t, NewNATSSink(nc, "").Close())
	assert.True(t, nc.IsConnected())
}

func TestFromSettings(t *testing.T) {
	s, err := FromSettings(config.AuditConfig{Sink: "none"}, nil)
	require.NoError(t, err)
	assert.IsType(t, Nop{}, s)

	s, err = FromSettings(config.AuditConfig{Sink: "log"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &LogSink{}, s)

	_, err = FromSettings(config.AuditConfig{Sink: "kafka"}, nil)
	assert.Error(t, err)
}

func TestFromSettings_BadNATSURLReturnsNilSink(t *testing.T) {
	s, err := FromSettings(config.AuditConfig{Sink: "nats", NATSURL: "nats://%zz"}, nil)
	require.Error(t, err)
	assert.True(t, s == nil, "sink must be an untyped nil, got %#v", s)
}

func TestNATSSink_CloseNilReceiver(t *testing.T) {
	var s *NATSSink
	assert.NoError(t, s.Close())
}
