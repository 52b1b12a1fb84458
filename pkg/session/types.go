// Package session persists and resumes multi-turn agent sessions.
//
// A session is a linear chain of immutable checkpoints. The durable tier is
// the system of record and the only place single-writer-per-session is
// enforced (a conditional write keyed on the expected current version).
// The cache tier holds the latest checkpoint per session and is strictly
// an optimization.
package session

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a session.
type Status string

const (
	// StatusActive sessions accept commits and are never touched by retention.
	StatusActive Status = "active"
	// StatusSuspended sessions are parked; resuming makes them active again.
	StatusSuspended Status = "suspended"
	// StatusTerminated is absorbing: no further writes are accepted.
	StatusTerminated Status = "terminated"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusSuspended, StatusTerminated:
		return true
	}
	return false
}

// Session is the durable session record.
type Session struct {
	// ID is the opaque, immutable session identifier.
	ID string `json:"id"`
	// OwnerID identifies the requesting principal. It is recorded, never interpreted.
	OwnerID string `json:"ownerId"`
	// Status is the lifecycle state.
	Status Status `json:"status"`
	// CreatedAt is when the session was created.
	CreatedAt time.Time `json:"createdAt"`
	// LastActivityAt is updated on every committed checkpoint.
	LastActivityAt time.Time `json:"lastActivityAt"`
	// CurrentVersion is the version of the latest committed checkpoint (0 = none).
	CurrentVersion int64 `json:"currentVersion"`
	// ArchiveLocation points at the newest archive object, if any.
	ArchiveLocation string `json:"archiveLocation,omitempty"`
	// CheckpointsErased is set once retention erased the state but kept the record.
	CheckpointsErased bool `json:"checkpointsErased,omitempty"`
}

// Metadata is the read-only view handed to administrative callers.
// It never includes checkpoint state.
type Metadata struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"ownerId"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// Metadata returns the administrative view of s.
func (s *Session) Metadata() *Metadata {
	return &Metadata{
		ID:             s.ID,
		OwnerID:        s.OwnerID,
		Status:         s.Status,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.LastActivityAt,
	}
}

// Checkpoint is an immutable, versioned snapshot of one agent step.
type Checkpoint struct {
	// SessionID links to the owning session.
	SessionID string `json:"sessionId" cbor:"session_id"`
	// Version is strictly increasing per session, starting at 1.
	Version int64 `json:"version" cbor:"version"`
	// ParentVersion is the version this checkpoint was derived from (0 for the first).
	ParentVersion int64 `json:"parentVersion" cbor:"parent_version"`
	// State is the opaque serialized agent state.
	State []byte `json:"state" cbor:"state"`
	// CommittedAt is when the durable tier accepted the checkpoint.
	CommittedAt time.Time `json:"committedAt" cbor:"committed_at"`
	// CommitID is unique per write attempt, so a writer can recognize its own
	// write after an ambiguous failure.
	CommitID string `json:"commitId" cbor:"commit_id"`
}

// Validate checks the structural invariants of a single checkpoint.
func (c *Checkpoint) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: nil checkpoint", ErrCorruption)
	}
	if c.Version < 1 {
		return fmt.Errorf("%w: session %s has checkpoint version %d", ErrCorruption, c.SessionID, c.Version)
	}
	if c.ParentVersion != c.Version-1 {
		return fmt.Errorf("%w: session %s checkpoint %d has parent %d", ErrCorruption, c.SessionID, c.Version, c.ParentVersion)
	}
	return nil
}

// Info returns the checkpoint without its state.
func (c *Checkpoint) Info() CheckpointInfo {
	return CheckpointInfo{
		Version:       c.Version,
		ParentVersion: c.ParentVersion,
		CommittedAt:   c.CommittedAt,
		Size:          len(c.State),
	}
}

// CheckpointInfo describes a checkpoint without loading its state.
type CheckpointInfo struct {
	Version       int64     `json:"version"`
	ParentVersion int64     `json:"parentVersion"`
	CommittedAt   time.Time `json:"committedAt"`
	Size          int       `json:"size"`
}

// VerifyChain checks that checkpoints form one gap-free linear chain in
// ascending order. The first element may start above version 1 when older
// checkpoints were truncated or archived. A gap is always reported as
// ErrCorruption; it is never repaired.
func VerifyChain(chain []*Checkpoint) error {
	for i, cp := range chain {
		if err := cp.Validate(); err != nil {
			return err
		}
		if i > 0 && cp.Version != chain[i-1].Version+1 {
			return fmt.Errorf("%w: session %s chain jumps from version %d to %d",
				ErrCorruption, cp.SessionID, chain[i-1].Version, cp.Version)
		}
	}
	return nil
}

// Tombstone marks a purged session so later lookups can tell "erased"
// apart from "never existed".
type Tombstone struct {
	SessionID string    `json:"sessionId"`
	PurgedAt  time.Time `json:"purgedAt"`
	Reason    string    `json:"reason"`
}

// PurgeResult reports the outcome of an idempotent purge.
type PurgeResult struct {
	// AlreadyPurged is true when the session had been purged before.
	AlreadyPurged bool
	// CheckpointsDeleted counts checkpoints removed from the durable tier.
	CheckpointsDeleted int
}

// ExpiryQuery selects sessions for retention.
type ExpiryQuery struct {
	// Before is the last-activity cutoff (exclusive).
	Before time.Time
	// Statuses restricts the result. Active is never returned even if listed.
	Statuses []Status
	// PageSize bounds each backend round-trip. Zero uses the tier default.
	PageSize int
}

// ExpiredSession is one row streamed by ListExpired.
type ExpiredSession struct {
	ID                string
	Status            Status
	LastActivityAt    time.Time
	CurrentVersion    int64
	ArchiveLocation   string
	CheckpointsErased bool
}

// ExpiryStatuses returns the statuses in q that retention may touch,
// defaulting to suspended and terminated.
func (q ExpiryQuery) ExpiryStatuses() []Status {
	if len(q.Statuses) == 0 {
		return []Status{StatusSuspended, StatusTerminated}
	}
	out := make([]Status, 0, len(q.Statuses))
	for _, s := range q.Statuses {
		if s != StatusActive && s.Valid() {
			out = append(out, s)
		}
	}
	return out
}
