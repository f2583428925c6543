package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript increments the key and starts its expiry on the first
// hit. The key vanishes exactly at start+window, so a request at the boundary
// lands in a fresh window.
var fixedWindowScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 or redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return {current, redis.call('PTTL', KEYS[1])}
`)

// Redis is a Limiter shared by every replica through one Redis server.
// INCR is atomic, so increments are never lost across processes.
type Redis struct {
	client redis.Scripter
	cfg    Config
	prefix string
}

// NewRedis creates a Redis-backed limiter. Keys are stored as
// prefix+"rl:"+key.
func NewRedis(client redis.Scripter, cfg Config, prefix string) (*Redis, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fmt.Errorf("%w: redis client is required", ErrInvalidConfig)
	}
	return &Redis{client: client, cfg: cfg, prefix: prefix}, nil
}

// Admit implements Limiter. Redis errors are returned; the caller decides
// whether to fail open or closed.
func (r *Redis) Admit(ctx context.Context, key string) (Decision, error) {
	res, err := fixedWindowScript.Run(ctx, r.client,
		[]string{r.prefix + "rl:" + key},
		r.cfg.Window.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("redis rate limit: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("redis rate limit: unexpected reply length %d", len(res))
	}

	count, ttl := int(res[0]), time.Duration(res[1])*time.Millisecond
	capacity := r.cfg.Capacity()
	if count > capacity {
		rejectedTotal.WithLabelValues("redis").Inc()
		return denied(ttl), nil
	}
	admittedTotal.WithLabelValues("redis").Inc()
	return Decision{Allowed: true, Remaining: capacity - count}, nil
}
