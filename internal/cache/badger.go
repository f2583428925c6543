package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Badger is a persistent Store for single-node deployments that want cached
// answers to survive restarts. Expiry uses badger's native entry TTL.
type Badger[V any] struct {
	db     *badger.DB
	prefix []byte
}

// OpenBadger opens (or creates) a badger database. An empty path opens an
// in-memory database.
func OpenBadger(path string) (*badger.DB, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(path)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return db, nil
}

// NewBadger wraps an open database. The caller owns db and closes it.
func NewBadger[V any](db *badger.DB) *Badger[V] {
	return &Badger[V]{db: db, prefix: []byte("answer:")}
}

func (b *Badger[V]) key(k Key) []byte {
	return append(append([]byte{}, b.prefix...), k.Digest()...)
}

// Get implements Store.
func (b *Badger[V]) Get(_ context.Context, key Key) (V, bool, error) {
	var (
		value V
		found bool
	)
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(b.key(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(raw []byte) error {
			return json.Unmarshal(raw, &value)
		})
	})
	if err != nil {
		var zero V
		return zero, false, fmt.Errorf("badger get: %w", err)
	}
	if found {
		hitsTotal.WithLabelValues("badger").Inc()
	} else {
		missesTotal.WithLabelValues("badger").Inc()
	}
	return value, found, nil
}

// Put implements Store.
func (b *Badger[V]) Put(_ context.Context, key Key, value V, ttl time.Duration) error {
	if !key.Valid() {
		return ErrInvalidKey
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache value: %w", err)
	}
	entry := badger.NewEntry(b.key(key), raw)
	if ttl > 0 {
		entry = entry.WithTTL(ttl)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("badger put: %w", err)
	}
	return nil
}

// Run triggers value log garbage collection every interval until ctx is
// done. Expired entries are reclaimed by compaction and GC.
func (b *Badger[V]) Run(ctx context.Context, interval time.Duration) {
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
			// ErrNoRewrite means nothing was worth collecting.
			for b.db.RunValueLogGC(0.5) == nil {
			}
		}
	}
}
