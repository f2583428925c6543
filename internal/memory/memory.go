// Package memory keeps short per-session conversation history.
//
// Turns are stored after redaction, so history never holds data the caller
// was not allowed to see. A conversation is keyed by tenant, user and
// session; one user can never read another user's session even within a
// tenant.
package memory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/fyrsmithlabs/cortexd/internal/prompt"
)

// ErrInvalidKey is returned for keys with an empty component.
var ErrInvalidKey = errors.New("conversation key requires tenant, user and session")

// Key identifies one conversation.
type Key struct {
	Tenant  string
	User    string
	Session string
}

// Valid reports whether every component is set.
func (k Key) Valid() bool {
	return strings.TrimSpace(k.Tenant) != "" && strings.TrimSpace(k.User) != "" && strings.TrimSpace(k.Session) != ""
}

// Store holds bounded conversation history.
type Store interface {
	// History returns turns oldest first. Unknown or expired conversations
	// return no turns and no error.
	History(ctx context.Context, key Key) ([]prompt.Turn, error)
	// Append records a turn, dropping the oldest beyond the configured bound.
	Append(ctx context.Context, key Key, turn prompt.Turn) error
}

type conversation struct {
	turns     []prompt.Turn
	expiresAt time.Time
}

// Memory is an in-process Store. Each Append refreshes the conversation's
// TTL.
type Memory struct {
	mu       sync.Mutex
	convs    map[Key]*conversation
	maxTurns int
	ttl      time.Duration
	now      func() time.Time
}

// Option configures a Memory store.
type Option func(*Memory)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Memory) { m.now = now }
}

// NewMemory creates an in-process store.
func NewMemory(maxTurns int, ttl time.Duration, opts ...Option) *Memory {
	if maxTurns <= 0 {
		maxTurns = 5
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	m := &Memory{
		convs:    make(map[Key]*conversation),
		maxTurns: maxTurns,
		ttl:      ttl,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// History implements Store.
func (m *Memory) History(_ context.Context, key Key) ([]prompt.Turn, error) {
	if !key.Valid() {
		return nil, ErrInvalidKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.convs[key]
	if !ok {
		return nil, nil
	}
	if !m.now().Before(c.expiresAt) {
		delete(m.convs, key)
		return nil, nil
	}
	out := make([]prompt.Turn, len(c.turns))
	copy(out, c.turns)
	return out, nil
}

// Append implements Store.
func (m *Memory) Append(_ context.Context, key Key, turn prompt.Turn) error {
	if !key.Valid() {
		return ErrInvalidKey
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.convs[key]
	if !ok || !now.Before(c.expiresAt) {
		c = &conversation{}
		m.convs[key] = c
	}
	c.turns = append(c.turns, turn)
	if over := len(c.turns) - m.maxTurns; over > 0 {
		c.turns = append(c.turns[:0:0], c.turns[over:]...)
	}
	c.expiresAt = now.Add(m.ttl)
	turnsAppended.WithLabelValues("memory").Inc()
	return nil
}

// Sweep drops expired conversations and returns how many were removed.
func (m *Memory) Sweep() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for k, c := range m.convs {
		if !now.Before(c.expiresAt) {
			delete(m.convs, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked conversations, expired or not.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.convs)
}

// Run sweeps every interval until ctx is done.
func (m *Memory) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}
