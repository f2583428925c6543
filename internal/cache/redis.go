package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Store shared across replicas. Expiry is delegated to Redis
// (SET ... PX).
type Redis[V any] struct {
	client redis.Cmdable
	prefix string
}

// NewRedis creates a Redis-backed store. Keys are prefix+"answer:"+digest.
func NewRedis[V any](client redis.Cmdable, prefix string) *Redis[V] {
	return &Redis[V]{client: client, prefix: prefix}
}

func (r *Redis[V]) key(k Key) string {
	return r.prefix + "answer:" + k.Digest()
}

// Get implements Store.
func (r *Redis[V]) Get(ctx context.Context, key Key) (V, bool, error) {
	var value V
	raw, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		missesTotal.WithLabelValues("redis").Inc()
		return value, false, nil
	}
	if err != nil {
		return value, false, fmt.Errorf("redis get: %w", err)
	}
	if err := json.Unmarshal(raw, &value); err != nil {
		return value, false, fmt.Errorf("decode cache value: %w", err)
	}
	hitsTotal.WithLabelValues("redis").Inc()
	return value, true, nil
}

// Put implements Store.
func (r *Redis[V]) Put(ctx context.Context, key Key, value V, ttl time.Duration) error {
	if !key.Valid() {
		return ErrInvalidKey
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache value: %w", err)
	}
	if err := r.client.Set(ctx, r.key(key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
