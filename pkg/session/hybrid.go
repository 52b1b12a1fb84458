package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/aixgo-dev/sessionstore/pkg/observability"
)

// HybridStore composes a cache tier and a durable tier behind Store.
//
// Reads go to the cache first and fall back to the durable tier, repopulating
// the cache. Writes commit to the durable tier first and are mirrored to the
// cache only after the durable write is acknowledged. Losing the cache never
// loses data.
type HybridStore struct {
	cache   CacheTier
	durable DurableTier
	archive ArchiveSink
	logger  *slog.Logger
	now     func() time.Time
}

// HybridOption configures a HybridStore.
type HybridOption func(*HybridStore)

// WithArchiveSink sets the cold tier used by Archive, EraseCheckpoints and Purge.
func WithArchiveSink(sink ArchiveSink) HybridOption {
	return func(h *HybridStore) {
		h.archive = sink
	}
}

// WithStoreLogger sets the logger for swallowed cache failures.
func WithStoreLogger(logger *slog.Logger) HybridOption {
	return func(h *HybridStore) {
		h.logger = logger
	}
}

// WithStoreClock overrides the clock used for commit and purge timestamps.
func WithStoreClock(now func() time.Time) HybridOption {
	return func(h *HybridStore) {
		h.now = now
	}
}

// NewHybridStore creates a store over the given tiers. A nil cache disables
// the hot path.
func NewHybridStore(cache CacheTier, durable DurableTier, opts ...HybridOption) *HybridStore {
	h := &HybridStore{
		cache:   cache,
		durable: durable,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.cache == nil {
		h.cache = nopCache{}
	}
	return h
}

// Durable returns the underlying system of record.
func (h *HybridStore) Durable() DurableTier {
	return h.durable
}

// GetLatest returns the newest checkpoint, trying the cache first.
func (h *HybridStore) GetLatest(ctx context.Context, sessionID string) (*Checkpoint, error) {
	start := time.Now()
	cp, err := h.cache.GetLatest(ctx, sessionID)
	observe("cache", "get_latest", start, err)

	switch {
	case err == nil && cp.Validate() == nil && cp.SessionID == sessionID:
		observability.RecordCacheLookup("hit")
		return cp, nil
	case err == nil:
		// A malformed cache entry is dropped and served from the durable tier.
		observability.RecordCacheLookup("error")
		h.logger.Warn("discarding malformed cache entry", "session_id", sessionID)
		h.evictQuietly(ctx, sessionID)
	case errors.Is(err, ErrNotFound):
		observability.RecordCacheLookup("miss")
	default:
		observability.RecordCacheLookup("error")
		h.logger.Warn("cache read failed, falling back to durable tier", "session_id", sessionID, "error", err)
	}

	return h.Refresh(ctx, sessionID)
}

// Refresh reads the latest checkpoint from the durable tier and repopulates
// the cache (read-repair).
func (h *HybridStore) Refresh(ctx context.Context, sessionID string) (*Checkpoint, error) {
	start := time.Now()
	cp, err := h.durable.GetLatest(ctx, sessionID)
	observe("durable", "get_latest", start, err)
	if err != nil {
		return nil, err
	}
	if err := cp.Validate(); err != nil {
		observability.RecordCorruption()
		return nil, err
	}

	h.mirror(ctx, cp)
	return cp, nil
}

// AppendCheckpoint commits a new checkpoint derived from expectedVersion.
// A durable version conflict is returned as ErrConcurrentWrite without
// retrying; the caller decides whether to re-read.
func (h *HybridStore) AppendCheckpoint(ctx context.Context, sessionID string, expectedVersion int64, state []byte, commitID string) (*Checkpoint, error) {
	if expectedVersion < 0 {
		return nil, fmt.Errorf("append checkpoint: negative expected version %d", expectedVersion)
	}

	cp := &Checkpoint{
		SessionID:     sessionID,
		Version:       expectedVersion + 1,
		ParentVersion: expectedVersion,
		State:         state,
		CommittedAt:   h.now().UTC(),
		CommitID:      commitID,
	}

	start := time.Now()
	err := h.durable.Put(ctx, cp)
	observe("durable", "put", start, err)
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return nil, fmt.Errorf("%w: session %s at expected version %d", ErrConcurrentWrite, sessionID, expectedVersion)
		}
		return nil, err
	}

	h.mirror(ctx, cp)
	return cp, nil
}

// CreateSession inserts a new session record in the durable tier.
func (h *HybridStore) CreateSession(ctx context.Context, sess *Session) error {
	start := time.Now()
	err := h.durable.CreateSession(ctx, sess)
	observe("durable", "create_session", start, err)
	return err
}

// LoadSession reads the session record from the durable tier.
func (h *HybridStore) LoadSession(ctx context.Context, sessionID string) (*Session, error) {
	start := time.Now()
	sess, err := h.durable.LoadSession(ctx, sessionID)
	observe("durable", "load_session", start, err)
	return sess, err
}

// SetStatus changes the session status through the conditional path.
func (h *HybridStore) SetStatus(ctx context.Context, sessionID string, expectedVersion int64, from, to Status) error {
	start := time.Now()
	err := h.durable.SetStatus(ctx, sessionID, expectedVersion, from, to)
	observe("durable", "set_status", start, err)
	if errors.Is(err, ErrVersionConflict) {
		return fmt.Errorf("%w: session %s status change %s to %s at version %d", ErrConcurrentWrite, sessionID, from, to, expectedVersion)
	}
	return err
}

// Terminate marks the session terminated and drops it from the hot path.
func (h *HybridStore) Terminate(ctx context.Context, sessionID string, expectedVersion int64, from Status) error {
	if err := h.SetStatus(ctx, sessionID, expectedVersion, from, StatusTerminated); err != nil {
		return err
	}
	h.evictQuietly(ctx, sessionID)
	return nil
}

// ListCheckpoints returns the durable checkpoints of a session in order.
func (h *HybridStore) ListCheckpoints(ctx context.Context, sessionID string) ([]*Checkpoint, error) {
	start := time.Now()
	chain, err := h.durable.ListCheckpoints(ctx, sessionID)
	observe("durable", "list_checkpoints", start, err)
	return chain, err
}

// ListByOwner returns the live sessions of an owner.
func (h *HybridStore) ListByOwner(ctx context.Context, ownerID string) ([]string, error) {
	start := time.Now()
	ids, err := h.durable.ListByOwner(ctx, ownerID)
	observe("durable", "list_by_owner", start, err)
	return ids, err
}

// Evict removes the session from the cache tier.
func (h *HybridStore) Evict(ctx context.Context, sessionID string) error {
	start := time.Now()
	err := h.cache.Delete(ctx, sessionID)
	observe("cache", "delete", start, err)
	return err
}

// Archive moves the checkpoint chain of a non-active session to the archive
// sink. The durable copies are deleted only after the sink acknowledged the
// write, so a crash leaves data in both places rather than in neither.
// Archiving an already archived session returns its existing location.
func (h *HybridStore) Archive(ctx context.Context, sessionID string, at time.Time) (string, error) {
	if h.archive == nil {
		return "", ErrNoArchiveSink
	}

	sess, err := h.LoadSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if sess.Status == StatusActive {
		return "", fmt.Errorf("%w: session %s is active", ErrConcurrentWrite, sessionID)
	}

	chain, err := h.ListCheckpoints(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if len(chain) == 0 {
		return sess.ArchiveLocation, nil
	}
	if err := VerifyChain(chain); err != nil {
		observability.RecordCorruption()
		return "", err
	}

	start := time.Now()
	location, err := h.archive.Put(ctx, sessionID, at, chain)
	observe("archive", "put", start, err)
	if err != nil {
		return "", fmt.Errorf("archive session %s: %w", sessionID, err)
	}

	// Both steps re-check the status, so a session resumed while the chain
	// was being written keeps its checkpoints.
	last := chain[len(chain)-1].Version
	if err := h.durable.MarkArchived(ctx, sessionID, location, last); err != nil {
		return "", writerConflict(sessionID, fmt.Errorf("mark session %s archived: %w", sessionID, err))
	}
	if _, err := h.durable.DeleteCheckpoints(ctx, sessionID, last); err != nil {
		return "", writerConflict(sessionID, fmt.Errorf("delete archived checkpoints of %s: %w", sessionID, err))
	}

	h.evictQuietly(ctx, sessionID)
	return location, nil
}

// writerConflict reports a lost race with a resuming writer as
// ErrConcurrentWrite.
func writerConflict(sessionID string, err error) error {
	if errors.Is(err, ErrVersionConflict) {
		return fmt.Errorf("%w: session %s became active: %w", ErrConcurrentWrite, sessionID, err)
	}
	return err
}

// LoadArchived reads an archived chain and verifies it.
func (h *HybridStore) LoadArchived(ctx context.Context, location string) ([]*Checkpoint, error) {
	if h.archive == nil {
		return nil, ErrNoArchiveSink
	}

	start := time.Now()
	chain, err := h.archive.Get(ctx, location)
	observe("archive", "get", start, err)
	if err != nil {
		return nil, err
	}
	if err := VerifyChain(chain); err != nil {
		observability.RecordCorruption()
		return nil, err
	}
	return chain, nil
}

// Truncate keeps only the newest keep checkpoints in the durable tier.
// The cache only ever holds the newest one, so it is unaffected.
func (h *HybridStore) Truncate(ctx context.Context, sessionID string, keep int) (int, error) {
	if keep < 1 {
		return 0, fmt.Errorf("truncate session %s: keep must be at least 1, got %d", sessionID, keep)
	}

	start := time.Now()
	n, err := h.durable.TruncateCheckpoints(ctx, sessionID, keep)
	observe("durable", "truncate", start, err)
	if errors.Is(err, ErrVersionConflict) {
		return n, fmt.Errorf("%w: session %s is active", ErrConcurrentWrite, sessionID)
	}
	return n, err
}

// EraseCheckpoints removes the state of a session from every tier and the
// archive while keeping the session record.
func (h *HybridStore) EraseCheckpoints(ctx context.Context, sessionID string) error {
	if _, err := h.durable.DeleteCheckpoints(ctx, sessionID, math.MaxInt64); err != nil {
		return writerConflict(sessionID, fmt.Errorf("delete checkpoints of %s: %w", sessionID, err))
	}
	if err := h.durable.MarkCheckpointsErased(ctx, sessionID); err != nil {
		return fmt.Errorf("mark checkpoints of %s erased: %w", sessionID, err)
	}
	return h.eraseCopies(ctx, sessionID)
}

// Purge irreversibly deletes a session from the durable tier, the archive
// and the cache, leaving a tombstone. It is idempotent: a second purge
// reports AlreadyPurged and still clears any copies a failed first attempt
// left behind.
func (h *HybridStore) Purge(ctx context.Context, sessionID string, opts PurgeOptions) (PurgeResult, error) {
	tomb := &Tombstone{
		SessionID: sessionID,
		PurgedAt:  h.now().UTC(),
		Reason:    opts.Reason,
	}

	start := time.Now()
	res, err := h.durable.Purge(ctx, tomb, opts.AllowActive)
	observe("durable", "purge", start, err)
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return res, fmt.Errorf("%w: session %s became active", ErrConcurrentWrite, sessionID)
		}
		return res, err
	}

	if err := h.eraseCopies(ctx, sessionID); err != nil {
		return res, err
	}
	return res, nil
}

// eraseCopies deletes the archive objects and the cache entry. Unlike the
// best-effort cache writes, erasure failures are returned so the caller
// retries.
func (h *HybridStore) eraseCopies(ctx context.Context, sessionID string) error {
	var errs []error

	if h.archive != nil {
		start := time.Now()
		err := h.archive.Delete(ctx, sessionID)
		observe("archive", "delete", start, err)
		if err != nil {
			errs = append(errs, fmt.Errorf("delete archive of %s: %w", sessionID, err))
		}
	}

	if err := h.Evict(ctx, sessionID); err != nil {
		errs = append(errs, fmt.Errorf("evict %s from cache: %w", sessionID, err))
	}

	return errors.Join(errs...)
}

// mirror writes cp to the cache. Failures are logged and swallowed because
// the durable tier is authoritative.
func (h *HybridStore) mirror(ctx context.Context, cp *Checkpoint) {
	start := time.Now()
	err := h.cache.Put(ctx, cp)
	observe("cache", "put", start, err)
	if err != nil {
		observability.RecordCacheMirrorFailure()
		h.logger.Warn("cache mirror failed", "session_id", cp.SessionID, "version", cp.Version, "error", err)
	}
}

func (h *HybridStore) evictQuietly(ctx context.Context, sessionID string) {
	if err := h.Evict(ctx, sessionID); err != nil {
		h.logger.Warn("cache evict failed", "session_id", sessionID, "error", err)
	}
}

func observe(tier, op string, start time.Time, err error) {
	observability.RecordTierCall(tier, op, Classify(err).String(), time.Since(start))
}

// nopCache stands in when no cache tier is configured.
type nopCache struct{}

func (nopCache) GetLatest(context.Context, string) (*Checkpoint, error) { return nil, ErrNotFound }
func (nopCache) Put(context.Context, *Checkpoint) error                 { return nil }
func (nopCache) Delete(context.Context, string) error                   { return nil }
func (nopCache) Ping(context.Context) error                             { return nil }
func (nopCache) Close() error                                           { return nil }

var _ Store = (*HybridStore)(nil)
