// Package resilience guards storage backends with a circuit breaker and
// bounded retries.
package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aixgo-dev/sessionstore/pkg/observability"
)

// ErrCircuitOpen is returned when the breaker rejects a call without
// reaching the backend.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the state of a circuit breaker
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Outcome is what a guarded call tells the breaker.
type Outcome int

const (
	// Success means the backend answered, whatever the answer was.
	Success Outcome = iota
	// Failure is a transport failure and counts towards opening.
	Failure
	// Ignored says nothing about backend health (for example caller cancellation).
	Ignored
)

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the breaker.
	FailureThreshold int
	// Window bounds how far apart those failures may be. Zero disables the window.
	Window time.Duration
	// Cooldown is how long the breaker stays open before admitting a probe.
	Cooldown time.Duration
}

// Breaker implements the circuit breaker pattern with a sliding failure
// window and a single half-open probe.
type Breaker struct {
	name string
	cfg  BreakerConfig
	now  func() time.Time

	mu           sync.Mutex
	state        State
	failures     int
	firstFailure time.Time
	openedAt     time.Time
	probing      bool
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	b := &Breaker{
		name: name,
		cfg:  cfg,
		now:  time.Now,
	}
	observability.SetBreakerState(name, int(StateClosed))
	return b
}

// Name returns the breaker name used in metrics.
func (b *Breaker) Name() string {
	return b.name
}

// Allow reports whether a call may proceed. In the half-open state only one
// probe is admitted until its outcome is recorded.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.setState(StateHalfOpen)
	}

	switch b.state {
	case StateOpen:
		observability.RecordBreakerRejection(b.name)
		return fmt.Errorf("%w: %s", ErrCircuitOpen, b.name)
	case StateHalfOpen:
		if b.probing {
			observability.RecordBreakerRejection(b.name)
			return fmt.Errorf("%w: %s probe in flight", ErrCircuitOpen, b.name)
		}
		b.probing = true
	}
	return nil
}

// Record reports the outcome of a call admitted by Allow.
func (b *Breaker) Record(outcome Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch outcome {
	case Success:
		b.failures = 0
		b.probing = false
		if b.state != StateClosed {
			b.setState(StateClosed)
		}
	case Failure:
		if b.state == StateHalfOpen {
			b.probing = false
			b.trip(now)
			return
		}
		if b.failures == 0 || (b.cfg.Window > 0 && now.Sub(b.firstFailure) > b.cfg.Window) {
			b.failures = 0
			b.firstFailure = now
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.trip(now)
		}
	case Ignored:
		b.probing = false
	}
}

// Execute runs fn through the breaker. classify decides what the error
// means for backend health.
func (b *Breaker) Execute(fn func() error, classify func(error) Outcome) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn()
	if err == nil {
		b.Record(Success)
		return nil
	}
	b.Record(classify(err))
	return err
}

// State returns the current state of the circuit breaker
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Closed reports whether the breaker currently lets traffic through.
func (b *Breaker) Closed() bool {
	return b.State() == StateClosed
}

// Reset manually resets the circuit breaker
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
	b.setState(StateClosed)
}

func (b *Breaker) trip(now time.Time) {
	b.failures = 0
	b.openedAt = now
	b.setState(StateOpen)
}

// setState must be called with b.mu held.
func (b *Breaker) setState(s State) {
	b.state = s
	observability.SetBreakerState(b.name, int(s))
}
