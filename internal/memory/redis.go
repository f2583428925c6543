package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fyrsmithlabs/cortexd/internal/prompt"
)

// Redis stores each conversation as a capped list shared across replicas.
type Redis struct {
	client   redis.Cmdable
	prefix   string
	maxTurns int
	ttl      time.Duration
}

// NewRedis creates a Redis-backed store.
func NewRedis(client redis.Cmdable, prefix string, maxTurns int, ttl time.Duration) *Redis {
	if maxTurns <= 0 {
		maxTurns = 5
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Redis{client: client, prefix: prefix, maxTurns: maxTurns, ttl: ttl}
}

// key escapes each component so separators inside identifiers cannot
// collide two conversations.
func (r *Redis) key(k Key) string {
	return r.prefix + "conv:" + url.PathEscape(k.Tenant) + "/" + url.PathEscape(k.User) + "/" + url.PathEscape(k.Session)
}

// History implements Store.
func (r *Redis) History(ctx context.Context, key Key) ([]prompt.Turn, error) {
	if !key.Valid() {
		return nil, ErrInvalidKey
	}
	raw, err := r.client.LRange(ctx, r.key(key), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange: %w", err)
	}
	turns := make([]prompt.Turn, 0, len(raw))
	for _, item := range raw {
		var t prompt.Turn
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			return nil, fmt.Errorf("decode turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, nil
}

// Append implements Store.
func (r *Redis) Append(ctx context.Context, key Key, turn prompt.Turn) error {
	if !key.Valid() {
		return ErrInvalidKey
	}
	raw, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("encode turn: %w", err)
	}
	k := r.key(key)
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, k, raw)
		p.LTrim(ctx, k, int64(-r.maxTurns), -1)
		p.PExpire(ctx, k, r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis append turn: %w", err)
	}
	turnsAppended.WithLabelValues("redis").Inc()
	return nil
}
