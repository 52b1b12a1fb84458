package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aixgo-dev/sessionstore/pkg/resilience"
)

// ResilientStore decorates a Store with a circuit breaker, per-call
// timeouts and bounded retries for idempotent operations. Commits, session
// creation and status changes get exactly one attempt; reconciling an
// ambiguous failure is the manager's job.
type ResilientStore struct {
	next   Store
	policy *resilience.Policy
}

// NewResilientStore wraps next with policy.
func NewResilientStore(next Store, policy *resilience.Policy) *ResilientStore {
	return &ResilientStore{next: next, policy: policy}
}

// NewPolicy returns a resilience policy that classifies errors with Classify.
func NewPolicy(name string, cfg resilience.Config, opts ...resilience.Option) *resilience.Policy {
	return resilience.NewPolicy(name, cfg, IsTransport, opts...)
}

// Policy returns the shared policy.
func (r *ResilientStore) Policy() *resilience.Policy {
	return r.policy
}

func (r *ResilientStore) GetLatest(ctx context.Context, sessionID string) (*Checkpoint, error) {
	return call(ctx, r.policy, "get_latest", true, func(ctx context.Context) (*Checkpoint, error) {
		return r.next.GetLatest(ctx, sessionID)
	})
}

func (r *ResilientStore) Refresh(ctx context.Context, sessionID string) (*Checkpoint, error) {
	return call(ctx, r.policy, "refresh", true, func(ctx context.Context) (*Checkpoint, error) {
		return r.next.Refresh(ctx, sessionID)
	})
}

func (r *ResilientStore) AppendCheckpoint(ctx context.Context, sessionID string, expectedVersion int64, state []byte, commitID string) (*Checkpoint, error) {
	return call(ctx, r.policy, "append_checkpoint", false, func(ctx context.Context) (*Checkpoint, error) {
		return r.next.AppendCheckpoint(ctx, sessionID, expectedVersion, state, commitID)
	})
}

func (r *ResilientStore) CreateSession(ctx context.Context, sess *Session) error {
	return do(ctx, r.policy, "create_session", false, func(ctx context.Context) error {
		return r.next.CreateSession(ctx, sess)
	})
}

func (r *ResilientStore) LoadSession(ctx context.Context, sessionID string) (*Session, error) {
	return call(ctx, r.policy, "load_session", true, func(ctx context.Context) (*Session, error) {
		return r.next.LoadSession(ctx, sessionID)
	})
}

func (r *ResilientStore) SetStatus(ctx context.Context, sessionID string, expectedVersion int64, from, to Status) error {
	return do(ctx, r.policy, "set_status", false, func(ctx context.Context) error {
		return r.next.SetStatus(ctx, sessionID, expectedVersion, from, to)
	})
}

func (r *ResilientStore) Terminate(ctx context.Context, sessionID string, expectedVersion int64, from Status) error {
	return do(ctx, r.policy, "terminate", false, func(ctx context.Context) error {
		return r.next.Terminate(ctx, sessionID, expectedVersion, from)
	})
}

func (r *ResilientStore) ListCheckpoints(ctx context.Context, sessionID string) ([]*Checkpoint, error) {
	return call(ctx, r.policy, "list_checkpoints", true, func(ctx context.Context) ([]*Checkpoint, error) {
		return r.next.ListCheckpoints(ctx, sessionID)
	})
}

func (r *ResilientStore) ListByOwner(ctx context.Context, ownerID string) ([]string, error) {
	return call(ctx, r.policy, "list_by_owner", true, func(ctx context.Context) ([]string, error) {
		return r.next.ListByOwner(ctx, ownerID)
	})
}

func (r *ResilientStore) Evict(ctx context.Context, sessionID string) error {
	return do(ctx, r.policy, "evict", true, func(ctx context.Context) error {
		return r.next.Evict(ctx, sessionID)
	})
}

// Archive is idempotent: a repeated archive of the same chain lands on the
// same location.
func (r *ResilientStore) Archive(ctx context.Context, sessionID string, at time.Time) (string, error) {
	return call(ctx, r.policy, "archive", true, func(ctx context.Context) (string, error) {
		return r.next.Archive(ctx, sessionID, at)
	})
}

func (r *ResilientStore) LoadArchived(ctx context.Context, location string) ([]*Checkpoint, error) {
	return call(ctx, r.policy, "load_archived", true, func(ctx context.Context) ([]*Checkpoint, error) {
		return r.next.LoadArchived(ctx, location)
	})
}

func (r *ResilientStore) Truncate(ctx context.Context, sessionID string, keep int) (int, error) {
	return call(ctx, r.policy, "truncate", true, func(ctx context.Context) (int, error) {
		return r.next.Truncate(ctx, sessionID, keep)
	})
}

func (r *ResilientStore) EraseCheckpoints(ctx context.Context, sessionID string) error {
	return do(ctx, r.policy, "erase_checkpoints", true, func(ctx context.Context) error {
		return r.next.EraseCheckpoints(ctx, sessionID)
	})
}

func (r *ResilientStore) Purge(ctx context.Context, sessionID string, opts PurgeOptions) (PurgeResult, error) {
	return call(ctx, r.policy, "purge", true, func(ctx context.Context) (PurgeResult, error) {
		return r.next.Purge(ctx, sessionID, opts)
	})
}

func call[T any](ctx context.Context, p *resilience.Policy, op string, idempotent bool, fn func(context.Context) (T, error)) (T, error) {
	v, err := resilience.Call(ctx, p, op, idempotent, fn)
	return v, unavailable(err)
}

func do(ctx context.Context, p *resilience.Policy, op string, idempotent bool, fn func(context.Context) error) error {
	return unavailable(p.Do(ctx, op, idempotent, fn))
}

// unavailable maps breaker rejections and exhausted retries onto
// ErrBackendUnavailable, keeping the cause in the chain.
func unavailable(err error) error {
	if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, resilience.ErrRetriesExhausted) {
		return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	return err
}

var _ Store = (*ResilientStore)(nil)
