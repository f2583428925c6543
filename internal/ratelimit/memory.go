package ratelimit

import (
	"context"
	"sync"
	"time"
)

// window is the per-key state.
type window struct {
	start time.Time
	count int
}

// Memory is an in-process Limiter. All state changes happen under one mutex,
// so concurrent checks for a key never lose or double-count increments.
type Memory struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

// MemoryOption configures a Memory limiter.
type MemoryOption func(*Memory)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory creates an in-process limiter.
func NewMemory(cfg Config, opts ...MemoryOption) (*Memory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Memory{
		cfg:     cfg,
		now:     time.Now,
		windows: make(map[string]*window),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Admit implements Limiter. It never returns an error.
func (m *Memory) Admit(_ context.Context, key string) (Decision, error) {
	now := m.now()
	capacity := m.cfg.Capacity()

	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[key]
	if !ok || !now.Before(w.start.Add(m.cfg.Window)) {
		w = &window{start: now}
		m.windows[key] = w
	}

	if w.count >= capacity {
		rejectedTotal.WithLabelValues("memory").Inc()
		return denied(w.start.Add(m.cfg.Window).Sub(now)), nil
	}

	w.count++
	admittedTotal.WithLabelValues("memory").Inc()
	return Decision{Allowed: true, Remaining: capacity - w.count}, nil
}

// Sweep drops keys whose window has ended and returns how many were removed.
func (m *Memory) Sweep() int {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, w := range m.windows {
		if !now.Before(w.start.Add(m.cfg.Window)) {
			delete(m.windows, key)
			removed++
		}
	}
	trackedKeys.Set(float64(len(m.windows)))
	return removed
}

// Len returns the number of tracked keys.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}

// Run sweeps every interval until ctx is done.
func (m *Memory) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
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
