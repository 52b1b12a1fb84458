package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrRetriesExhausted wraps the last transport error once the retry budget
// is spent.
var ErrRetriesExhausted = errors.New("retry budget exhausted")

// Config configures a Policy.
type Config struct {
	Breaker BreakerConfig
	Retry   RetryConfig
	// CallTimeout bounds each attempt unless the caller's deadline is sooner.
	CallTimeout time.Duration
}

// DefaultConfig returns the defaults used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			Window:           30 * time.Second,
			Cooldown:         15 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:     3,
			InitialInterval: 50 * time.Millisecond,
			MaxInterval:     time.Second,
		},
		CallTimeout: 5 * time.Second,
	}
}

// Policy combines a breaker, retries and per-call timeouts. One policy is
// shared by everything talking to the same backend so they see the same
// breaker.
type Policy struct {
	cfg         Config
	breaker     *Breaker
	isTransport func(error) bool
	logger      *slog.Logger
}

// Option configures a Policy.
type Option func(*Policy)

// WithLogger sets the logger for retry notifications.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Policy) {
		p.logger = logger
	}
}

// WithClock overrides the breaker clock.
func WithClock(now func() time.Time) Option {
	return func(p *Policy) {
		p.breaker.now = now
	}
}

// NewPolicy creates a policy. isTransport decides which errors count as
// backend failures; everything else is returned immediately.
func NewPolicy(name string, cfg Config, isTransport func(error) bool, opts ...Option) *Policy {
	p := &Policy{
		cfg:         cfg,
		breaker:     NewBreaker(name, cfg.Breaker),
		isTransport: isTransport,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Breaker exposes the policy's breaker for health checks.
func (p *Policy) Breaker() *Breaker {
	return p.breaker
}

// Do runs fn under the policy. Only idempotent calls are retried; a
// non-idempotent call gets exactly one attempt.
func (p *Policy) Do(ctx context.Context, op string, idempotent bool, fn func(context.Context) error) error {
	_, err := Call(ctx, p, op, idempotent, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Call is Do for functions returning a value.
func Call[T any](ctx context.Context, p *Policy, op string, idempotent bool, fn func(context.Context) (T, error)) (T, error) {
	attempts := uint(1)
	if idempotent {
		attempts = p.cfg.Retry.attempts()
	}

	var zero T
	operation := func() (T, error) {
		if err := p.breaker.Allow(); err != nil {
			return zero, backoff.Permanent(err)
		}

		callCtx, cancel := p.callContext(ctx)
		v, err := fn(callCtx)
		cancel()

		if err == nil {
			p.breaker.Record(Success)
			return v, nil
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			p.breaker.Record(Ignored)
			return zero, backoff.Permanent(err)
		}
		if !p.failed(err) {
			p.breaker.Record(Success)
			return zero, backoff.Permanent(err)
		}
		// A backend that outlives the caller's deadline is as unhealthy as
		// one that outlives CallTimeout.
		p.breaker.Record(Failure)
		if ctx.Err() != nil {
			return zero, backoff.Permanent(err)
		}
		return zero, err
	}

	notify := func(err error, next time.Duration) {
		p.logger.Debug("retrying backend call", "op", op, "breaker", p.breaker.Name(), "backoff", next, "error", err)
	}

	v, err := retry(ctx, p.cfg.Retry, attempts, notify, operation)
	if err == nil {
		return v, nil
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(ctx.Err(), context.Canceled) || !p.failed(err) {
		return zero, err
	}
	return zero, fmt.Errorf("%w: %s: %w", ErrRetriesExhausted, op, err)
}

// failed reports whether err counts against the breaker.
func (p *Policy) failed(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || p.isTransport(err)
}

// callContext applies CallTimeout unless the caller's own deadline is sooner.
func (p *Policy) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.cfg.CallTimeout <= 0 {
		return ctx, func() {}
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= p.cfg.CallTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.cfg.CallTimeout)
}
