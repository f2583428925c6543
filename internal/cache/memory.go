package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

type memoryEntry[V any] struct {
	value     V
	expiresAt time.Time
	// lastAccess is unix nanos, updated under the read lock.
	lastAccess atomic.Int64
}

// Memory is an in-process Store with lazy expiry, periodic sweeping and LRU
// eviction once maxEntries is reached. Reads only take the read lock.
type Memory[V any] struct {
	mu         sync.RWMutex
	entries    map[Key]*memoryEntry[V]
	maxEntries int
	now        func() time.Time
}

// MemoryOption configures a Memory store.
type MemoryOption func(*memoryOptions)

type memoryOptions struct {
	now func() time.Time
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(o *memoryOptions) { o.now = now }
}

// NewMemory creates an in-process store. maxEntries <= 0 means unbounded.
func NewMemory[V any](maxEntries int, opts ...MemoryOption) *Memory[V] {
	o := memoryOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Memory[V]{
		entries:    make(map[Key]*memoryEntry[V]),
		maxEntries: maxEntries,
		now:        o.now,
	}
}

// Get implements Store.
func (m *Memory[V]) Get(_ context.Context, key Key) (V, bool, error) {
	var zero V
	now := m.now()

	m.mu.RLock()
	e, ok := m.entries[key]
	if ok && now.Before(e.expiresAt) {
		e.lastAccess.Store(now.UnixNano())
		v := e.value
		m.mu.RUnlock()
		hitsTotal.WithLabelValues("memory").Inc()
		return v, true, nil
	}
	m.mu.RUnlock()

	if ok {
		m.mu.Lock()
		// Re-check: a concurrent Put may have refreshed the entry.
		if cur, still := m.entries[key]; still && !now.Before(cur.expiresAt) {
			delete(m.entries, key)
		}
		m.mu.Unlock()
	}
	missesTotal.WithLabelValues("memory").Inc()
	return zero, false, nil
}

// Put implements Store.
func (m *Memory[V]) Put(_ context.Context, key Key, value V, ttl time.Duration) error {
	if !key.Valid() {
		return ErrInvalidKey
	}
	now := m.now()
	e := &memoryEntry[V]{value: value, expiresAt: now.Add(ttl)}
	e.lastAccess.Store(now.UnixNano())

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[key]; !exists && m.maxEntries > 0 && len(m.entries) >= m.maxEntries {
		m.evictLocked(now)
	}
	m.entries[key] = e
	entriesGauge.WithLabelValues("memory").Set(float64(len(m.entries)))
	return nil
}

// evictLocked drops expired entries, or the least recently used one if none
// have expired. Caller holds the write lock.
func (m *Memory[V]) evictLocked(now time.Time) {
	if m.sweepLocked(now) > 0 {
		return
	}
	var (
		oldestKey  Key
		oldestSeen int64
		found      bool
	)
	for k, e := range m.entries {
		seen := e.lastAccess.Load()
		if !found || seen < oldestSeen {
			oldestKey, oldestSeen, found = k, seen, true
		}
	}
	if found {
		delete(m.entries, oldestKey)
		evictionsTotal.Inc()
	}
}

func (m *Memory[V]) sweepLocked(now time.Time) int {
	removed := 0
	for k, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, k)
			removed++
		}
	}
	return removed
}

// Sweep removes expired entries and returns how many were dropped.
func (m *Memory[V]) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := m.sweepLocked(m.now())
	entriesGauge.WithLabelValues("memory").Set(float64(len(m.entries)))
	return removed
}

// Len returns the number of stored entries, including expired ones not yet
// swept.
func (m *Memory[V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Run sweeps every interval until ctx is done.
func (m *Memory[V]) Run(ctx context.Context, interval time.Duration) {
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
