package session

import (
	"context"
	"iter"
	"time"

	"github.com/aixgo-dev/sessionstore/pkg/audit"
)

// Tier is the capability set shared by the cache and durable tiers.
// Implementations must be safe for concurrent use.
type Tier interface {
	// GetLatest returns the newest checkpoint for a session.
	// Returns ErrNotFound if there is none.
	GetLatest(ctx context.Context, sessionID string) (*Checkpoint, error)

	// Put stores a checkpoint. The cache tier overwrites unconditionally.
	// The durable tier only commits when cp.ParentVersion equals the stored
	// current version and the session is not terminated; otherwise it
	// returns ErrVersionConflict.
	Put(ctx context.Context, cp *Checkpoint) error

	// Delete removes the tier's checkpoint data for a session. Idempotent.
	Delete(ctx context.Context, sessionID string) error
}

// CacheTier is the low-latency hot path. It is never the system of record.
type CacheTier interface {
	Tier

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases pooled connections.
	Close() error
}

// DurableTier is the system of record, also used for retention and audit queries.
type DurableTier interface {
	Tier

	// CreateSession inserts a new session record.
	// Returns ErrSessionExists if present, ErrSessionPurged if tombstoned.
	CreateSession(ctx context.Context, sess *Session) error

	// LoadSession returns the session record.
	// Returns ErrSessionPurged if tombstoned, ErrNotFound if unknown.
	LoadSession(ctx context.Context, sessionID string) (*Session, error)

	// SetStatus changes the status from one state to another if the stored
	// current version equals expectedVersion and the stored status equals
	// from. A terminated session never changes. Returns ErrVersionConflict
	// otherwise.
	SetStatus(ctx context.Context, sessionID string, expectedVersion int64, from, to Status) error

	// ListCheckpoints returns the stored checkpoints in ascending version order.
	ListCheckpoints(ctx context.Context, sessionID string) ([]*Checkpoint, error)

	// DeleteCheckpoints removes checkpoints with version <= through, keeping
	// the session record. Checkpoints committed after an archive snapshot
	// are therefore never lost. Returns the number removed. An active
	// session is left alone and ErrVersionConflict is returned.
	DeleteCheckpoints(ctx context.Context, sessionID string, through int64) (int, error)

	// TruncateCheckpoints keeps only the newest keep checkpoints. An active
	// session is left alone and ErrVersionConflict is returned.
	TruncateCheckpoints(ctx context.Context, sessionID string, keep int) (int, error)

	// MarkArchived records where the checkpoint chain was archived, if the
	// session is not active and its current version still equals
	// expectedVersion. Returns ErrVersionConflict otherwise.
	MarkArchived(ctx context.Context, sessionID, location string, expectedVersion int64) error

	// MarkCheckpointsErased flags a session whose state was erased by retention.
	MarkCheckpointsErased(ctx context.Context, sessionID string) error

	// ListExpired streams non-active sessions idle since before q.Before.
	// Results are fetched in pages, so callers may mutate sessions while
	// iterating.
	ListExpired(ctx context.Context, q ExpiryQuery) iter.Seq2[ExpiredSession, error]

	// ListByOwner returns the IDs of every live session owned by ownerID.
	ListByOwner(ctx context.Context, ownerID string) ([]string, error)

	// Purge irreversibly deletes the session and its checkpoints and writes
	// the tombstone. Purging a purged session reports AlreadyPurged. Unless
	// allowActive is set, an active session is left alone and
	// ErrVersionConflict is returned.
	Purge(ctx context.Context, tomb *Tombstone, allowActive bool) (PurgeResult, error)

	// AppendAudit persists an audit record.
	AppendAudit(ctx context.Context, rec *audit.Record) error

	// DeleteAuditBefore removes audit records older than before.
	DeleteAuditBefore(ctx context.Context, before time.Time) (int, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases resources held by the backend.
	Close() error
}

// ArchiveSink is the write-once cold tier for checkpoint chains.
type ArchiveSink interface {
	// Put writes the full chain and returns its location. Writing the same
	// chain again returns the same location.
	Put(ctx context.Context, sessionID string, at time.Time, chain []*Checkpoint) (string, error)

	// Get reads an archived chain back.
	Get(ctx context.Context, location string) ([]*Checkpoint, error)

	// Delete erases every archive object of a session. Idempotent.
	Delete(ctx context.Context, sessionID string) error
}

// Store is the interface the Session Manager and Retention Scheduler
// consume. HybridStore implements it; ResilientStore decorates it.
type Store interface {
	GetLatest(ctx context.Context, sessionID string) (*Checkpoint, error)
	Refresh(ctx context.Context, sessionID string) (*Checkpoint, error)
	AppendCheckpoint(ctx context.Context, sessionID string, expectedVersion int64, state []byte, commitID string) (*Checkpoint, error)

	CreateSession(ctx context.Context, sess *Session) error
	LoadSession(ctx context.Context, sessionID string) (*Session, error)
	SetStatus(ctx context.Context, sessionID string, expectedVersion int64, from, to Status) error
	Terminate(ctx context.Context, sessionID string, expectedVersion int64, from Status) error

	ListCheckpoints(ctx context.Context, sessionID string) ([]*Checkpoint, error)
	ListByOwner(ctx context.Context, ownerID string) ([]string, error)

	Evict(ctx context.Context, sessionID string) error
	Archive(ctx context.Context, sessionID string, at time.Time) (string, error)
	LoadArchived(ctx context.Context, location string) ([]*Checkpoint, error)
	Truncate(ctx context.Context, sessionID string, keep int) (int, error)
	EraseCheckpoints(ctx context.Context, sessionID string) error
	Purge(ctx context.Context, sessionID string, opts PurgeOptions) (PurgeResult, error)
}

// PurgeOptions qualifies a purge.
type PurgeOptions struct {
	// Reason is recorded on the tombstone (for example the policy name).
	Reason string
	// AllowActive purges active sessions too. Owner erasure sets it;
	// retention never does.
	AllowActive bool
}
