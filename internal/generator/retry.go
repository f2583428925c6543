package generator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cortexd/internal/logging"
)

// Retrying retries ErrProviderLoading a bounded number of times with
// exponential backoff. Every other error is returned at once.
type Retrying struct {
	next       Generator
	maxRetries int
	backoff    time.Duration
	logger     *logging.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// RetryOption configures Retrying.
type RetryOption func(*Retrying)

// WithSleep replaces the backoff wait, for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) RetryOption {
	return func(r *Retrying) { r.sleep = sleep }
}

// WithRetryLogger sets the logger used for retry attempts.
func WithRetryLogger(logger *logging.Logger) RetryOption {
	return func(r *Retrying) { r.logger = logger }
}

// NewRetrying wraps next. maxRetries counts retries, not attempts.
func NewRetrying(next Generator, maxRetries int, backoff time.Duration, opts ...RetryOption) *Retrying {
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	r := &Retrying{
		next:       next,
		maxRetries: max(maxRetries, 0),
		backoff:    backoff,
		logger:     logging.Nop(),
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name implements Generator.
func (r *Retrying) Name() string { return r.next.Name() }

// Health implements Generator. Probes are not retried.
func (r *Retrying) Health(ctx context.Context) Status { return r.next.Health(ctx) }

// Generate implements Generator.
func (r *Retrying) Generate(ctx context.Context, prompt string, maxOutputTokens int) (string, error) {
	backoff := r.backoff
	for attempt := 0; ; attempt++ {
		out, err := r.next.Generate(ctx, prompt, maxOutputTokens)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, ErrProviderLoading) {
			return "", err
		}
		if attempt == r.maxRetries {
			return "", fmt.Errorf("generate failed after %d retries: %w", r.maxRetries, err)
		}
		retriesTotal.Inc()
		r.logger.Debug(ctx, "provider loading, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff))
		if err := r.sleep(ctx, backoff); err != nil {
			return "", fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
		}
		backoff *= 2
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var _ Generator = (*Retrying)(nil)
