// Package ratelimit provides keyed fixed-window admission control with a
// burst allowance.
//
// A key may make Limit+Burst requests per window. The window for a key starts
// at its first admitted request after the previous window ended; a request
// arriving exactly at start+window belongs to the new window.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is returned for non-positive limits or windows.
var ErrInvalidConfig = errors.New("invalid rate limit config")

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	// RetryAfter is positive when Allowed is false.
	RetryAfter time.Duration
	// Remaining is the number of requests left in the current window.
	Remaining int
}

// Limiter decides whether a keyed request may proceed.
type Limiter interface {
	Admit(ctx context.Context, key string) (Decision, error)
}

// Config describes a fixed window with burst.
type Config struct {
	Limit  int
	Burst  int
	Window time.Duration
}

// Capacity is the number of admissions per window.
func (c Config) Capacity() int { return c.Limit + c.Burst }

// Validate checks the config.
func (c Config) Validate() error {
	if c.Limit <= 0 {
		return fmt.Errorf("%w: limit must be positive, got %d", ErrInvalidConfig, c.Limit)
	}
	if c.Burst < 0 {
		return fmt.Errorf("%w: burst cannot be negative, got %d", ErrInvalidConfig, c.Burst)
	}
	if c.Window <= 0 {
		return fmt.Errorf("%w: window must be positive", ErrInvalidConfig)
	}
	return nil
}

func denied(retryAfter time.Duration) Decision {
	// Denials always carry a positive delay.
	if retryAfter < time.Millisecond {
		retryAfter = time.Millisecond
	}
	return Decision{Allowed: false, RetryAfter: retryAfter}
}
