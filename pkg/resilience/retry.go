package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryConfig bounds the exponential backoff used for idempotent calls.
type RetryConfig struct {
	// MaxAttempts includes the first call. Values below 1 mean a single attempt.
	MaxAttempts int
	// InitialInterval is the first backoff delay.
	InitialInterval time.Duration
	// MaxInterval caps a single delay.
	MaxInterval time.Duration
}

func (c RetryConfig) attempts() uint {
	if c.MaxAttempts < 1 {
		return 1
	}
	return uint(c.MaxAttempts)
}

func (c RetryConfig) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if c.InitialInterval > 0 {
		b.InitialInterval = c.InitialInterval
	}
	if c.MaxInterval > 0 {
		b.MaxInterval = c.MaxInterval
	}
	return b
}

// retry runs op up to attempts times. op marks errors that must not be
// retried with backoff.Permanent.
func retry[T any](ctx context.Context, cfg RetryConfig, attempts uint, notify backoff.Notify, op backoff.Operation[T]) (T, error) {
	opts := []backoff.RetryOption{
		backoff.WithBackOff(cfg.newBackOff()),
		backoff.WithMaxTries(attempts),
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(notify))
	}
	return backoff.Retry(ctx, op, opts...)
}
