package memstore

import (
	"context"
	"iter"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/aixgo-dev/sessionstore/pkg/audit"
	"github.com/aixgo-dev/sessionstore/pkg/session"
)

// Durable is an in-memory durable tier. It enforces the same conditional
// write rules as the database-backed tiers.
type Durable struct {
	Faults

	now func() time.Time

	mu          sync.RWMutex
	sessions    map[string]*session.Session
	checkpoints map[string][]*session.Checkpoint
	tombstones  map[string]*session.Tombstone
	audit       []*audit.Record
	closed      bool
}

// DurableOption configures a Durable.
type DurableOption func(*Durable)

// WithClock overrides the clock used when a session is reactivated.
func WithClock(now func() time.Time) DurableOption {
	return func(d *Durable) {
		d.now = now
	}
}

// NewDurable creates an empty durable tier.
func NewDurable(opts ...DurableOption) *Durable {
	d := &Durable{
		now:         time.Now,
		sessions:    make(map[string]*session.Session),
		checkpoints: make(map[string][]*session.Checkpoint),
		tombstones:  make(map[string]*session.Tombstone),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// lookup returns the live session. Must be called with d.mu held.
func (d *Durable) lookup(sessionID string) (*session.Session, error) {
	if d.closed {
		return nil, session.ErrStorageClosed
	}
	if _, ok := d.tombstones[sessionID]; ok {
		return nil, session.ErrSessionPurged
	}
	sess, ok := d.sessions[sessionID]
	if !ok {
		return nil, session.ErrNotFound
	}
	return sess, nil
}

// GetLatest implements session.Tier.
func (d *Durable) GetLatest(ctx context.Context, sessionID string) (*session.Checkpoint, error) {
	if err, _ := d.before("get_latest"); err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if _, err := d.lookup(sessionID); err != nil {
		return nil, err
	}
	chain := d.checkpoints[sessionID]
	if len(chain) == 0 {
		return nil, session.ErrNotFound
	}
	return cloneCheckpoint(chain[len(chain)-1]), nil
}

// Put implements session.Tier with the conditional write: the checkpoint is
// stored and the session advanced only if cp.ParentVersion is the current
// version and the session is not terminated.
func (d *Durable) Put(ctx context.Context, cp *session.Checkpoint) error {
	failNow, failAfter := d.before("put")
	if failNow != nil {
		return failNow
	}
	if err := cp.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	sess, err := d.lookup(cp.SessionID)
	if err != nil {
		return err
	}
	if sess.Status == session.StatusTerminated || sess.CurrentVersion != cp.ParentVersion {
		return session.ErrVersionConflict
	}

	d.checkpoints[cp.SessionID] = append(d.checkpoints[cp.SessionID], cloneCheckpoint(cp))
	sess.CurrentVersion = cp.Version
	sess.LastActivityAt = cp.CommittedAt
	return failAfter
}

// Delete implements session.Tier by removing every checkpoint.
func (d *Durable) Delete(ctx context.Context, sessionID string) error {
	failNow, failAfter := d.before("delete")
	if failNow != nil {
		return failNow
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return session.ErrStorageClosed
	}
	delete(d.checkpoints, sessionID)
	return failAfter
}

// CreateSession implements session.DurableTier.
func (d *Durable) CreateSession(ctx context.Context, sess *session.Session) error {
	failNow, failAfter := d.before("create_session")
	if failNow != nil {
		return failNow
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return session.ErrStorageClosed
	}
	if _, ok := d.tombstones[sess.ID]; ok {
		return session.ErrSessionPurged
	}
	if _, ok := d.sessions[sess.ID]; ok {
		return session.ErrSessionExists
	}
	cp := *sess
	d.sessions[sess.ID] = &cp
	return failAfter
}

// LoadSession implements session.DurableTier.
func (d *Durable) LoadSession(ctx context.Context, sessionID string) (*session.Session, error) {
	if err, _ := d.before("load_session"); err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	sess, err := d.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	out := *sess
	return &out, nil
}

// SetStatus implements session.DurableTier.
func (d *Durable) SetStatus(ctx context.Context, sessionID string, expectedVersion int64, from, to session.Status) error {
	failNow, failAfter := d.before("set_status")
	if failNow != nil {
		return failNow
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	sess, err := d.lookup(sessionID)
	if err != nil {
		return err
	}
	if sess.Status == session.StatusTerminated || sess.Status != from || sess.CurrentVersion != expectedVersion {
		return session.ErrVersionConflict
	}
	sess.Status = to
	if to == session.StatusActive {
		sess.LastActivityAt = d.now().UTC()
	}
	return failAfter
}

// ListCheckpoints implements session.DurableTier.
func (d *Durable) ListCheckpoints(ctx context.Context, sessionID string) ([]*session.Checkpoint, error) {
	if err, _ := d.before("list_checkpoints"); err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if _, err := d.lookup(sessionID); err != nil {
		return nil, err
	}
	chain := d.checkpoints[sessionID]
	out := make([]*session.Checkpoint, len(chain))
	for i, cp := range chain {
		out[i] = cloneCheckpoint(cp)
	}
	return out, nil
}

// DeleteCheckpoints implements session.DurableTier.
func (d *Durable) DeleteCheckpoints(ctx context.Context, sessionID string, through int64) (int, error) {
	failNow, failAfter := d.before("delete_checkpoints")
	if failNow != nil {
		return 0, failNow
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.inactive(sessionID); err != nil {
		return 0, err
	}
	chain := d.checkpoints[sessionID]
	kept := slices.DeleteFunc(chain, func(cp *session.Checkpoint) bool {
		return cp.Version <= through
	})
	removed := len(chain) - len(kept)
	d.checkpoints[sessionID] = kept
	return removed, failAfter
}

// TruncateCheckpoints implements session.DurableTier.
func (d *Durable) TruncateCheckpoints(ctx context.Context, sessionID string, keep int) (int, error) {
	failNow, failAfter := d.before("truncate")
	if failNow != nil {
		return 0, failNow
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.inactive(sessionID); err != nil {
		return 0, err
	}
	chain := d.checkpoints[sessionID]
	if keep < 1 || len(chain) <= keep {
		return 0, failAfter
	}
	removed := len(chain) - keep
	d.checkpoints[sessionID] = slices.Clone(chain[removed:])
	return removed, failAfter
}

// inactive fails with ErrVersionConflict for active sessions. d.mu must be held.
func (d *Durable) inactive(sessionID string) error {
	sess, err := d.lookup(sessionID)
	if err != nil {
		return err
	}
	if sess.Status == session.StatusActive {
		return session.ErrVersionConflict
	}
	return nil
}

// MarkArchived implements session.DurableTier.
func (d *Durable) MarkArchived(ctx context.Context, sessionID, location string, expectedVersion int64) error {
	failNow, failAfter := d.before("mark_archived")
	if failNow != nil {
		return failNow
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	sess, err := d.lookup(sessionID)
	if err != nil {
		return err
	}
	if sess.Status == session.StatusActive || sess.CurrentVersion != expectedVersion {
		return session.ErrVersionConflict
	}
	sess.ArchiveLocation = location
	return failAfter
}

// MarkCheckpointsErased implements session.DurableTier.
func (d *Durable) MarkCheckpointsErased(ctx context.Context, sessionID string) error {
	failNow, failAfter := d.before("mark_checkpoints_erased")
	if failNow != nil {
		return failNow
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	sess, err := d.lookup(sessionID)
	if err != nil {
		return err
	}
	sess.CheckpointsErased = true
	sess.ArchiveLocation = ""
	return failAfter
}

// ListExpired implements session.DurableTier. Matching sessions are
// snapshotted before the first yield, so the callback may write freely.
func (d *Durable) ListExpired(ctx context.Context, q session.ExpiryQuery) iter.Seq2[session.ExpiredSession, error] {
	return func(yield func(session.ExpiredSession, error) bool) {
		if err, _ := d.before("list_expired"); err != nil {
			yield(session.ExpiredSession{}, err)
			return
		}

		statuses := q.ExpiryStatuses()
		d.mu.RLock()
		if d.closed {
			d.mu.RUnlock()
			yield(session.ExpiredSession{}, session.ErrStorageClosed)
			return
		}
		var matched []session.ExpiredSession
		for _, sess := range d.sessions {
			if !slices.Contains(statuses, sess.Status) || !sess.LastActivityAt.Before(q.Before) {
				continue
			}
			matched = append(matched, session.ExpiredSession{
				ID:                sess.ID,
				Status:            sess.Status,
				LastActivityAt:    sess.LastActivityAt,
				CurrentVersion:    sess.CurrentVersion,
				ArchiveLocation:   sess.ArchiveLocation,
				CheckpointsErased: sess.CheckpointsErased,
			})
		}
		d.mu.RUnlock()

		sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
		for _, row := range matched {
			if err := ctx.Err(); err != nil {
				yield(session.ExpiredSession{}, err)
				return
			}
			if !yield(row, nil) {
				return
			}
		}
	}
}

// ListByOwner implements session.DurableTier.
func (d *Durable) ListByOwner(ctx context.Context, ownerID string) ([]string, error) {
	if err, _ := d.before("list_by_owner"); err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, session.ErrStorageClosed
	}
	var ids []string
	for id, sess := range d.sessions {
		if sess.OwnerID == ownerID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Purge implements session.DurableTier.
func (d *Durable) Purge(ctx context.Context, tomb *session.Tombstone, allowActive bool) (session.PurgeResult, error) {
	failNow, failAfter := d.before("purge")
	if failNow != nil {
		return session.PurgeResult{}, failNow
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return session.PurgeResult{}, session.ErrStorageClosed
	}
	if _, ok := d.tombstones[tomb.SessionID]; ok {
		return session.PurgeResult{AlreadyPurged: true}, nil
	}
	sess, ok := d.sessions[tomb.SessionID]
	if !ok {
		return session.PurgeResult{}, session.ErrNotFound
	}
	if sess.Status == session.StatusActive && !allowActive {
		return session.PurgeResult{}, session.ErrVersionConflict
	}

	res := session.PurgeResult{CheckpointsDeleted: len(d.checkpoints[tomb.SessionID])}
	delete(d.sessions, tomb.SessionID)
	delete(d.checkpoints, tomb.SessionID)
	t := *tomb
	d.tombstones[tomb.SessionID] = &t
	return res, failAfter
}

// AppendAudit implements session.DurableTier.
func (d *Durable) AppendAudit(ctx context.Context, rec *audit.Record) error {
	failNow, failAfter := d.before("append_audit")
	if failNow != nil {
		return failNow
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return session.ErrStorageClosed
	}
	r := *rec
	d.audit = append(d.audit, &r)
	return failAfter
}

// DeleteAuditBefore implements session.DurableTier.
func (d *Durable) DeleteAuditBefore(ctx context.Context, before time.Time) (int, error) {
	if err, _ := d.before("delete_audit"); err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, session.ErrStorageClosed
	}
	n := len(d.audit)
	d.audit = slices.DeleteFunc(d.audit, func(r *audit.Record) bool {
		return r.At.Before(before)
	})
	return n - len(d.audit), nil
}

// AuditRecords returns a copy of the stored audit records.
func (d *Durable) AuditRecords() []audit.Record {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]audit.Record, len(d.audit))
	for i, r := range d.audit {
		out[i] = *r
	}
	return out
}

// Tombstone returns the tombstone for a purged session.
func (d *Durable) Tombstone(sessionID string) (*session.Tombstone, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tombstones[sessionID]
	if !ok {
		return nil, false
	}
	out := *t
	return &out, true
}

// Ping implements session.DurableTier.
func (d *Durable) Ping(ctx context.Context) error {
	if err, _ := d.before("ping"); err != nil {
		return err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return session.ErrStorageClosed
	}
	return nil
}

// Close implements session.DurableTier.
func (d *Durable) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

var _ session.DurableTier = (*Durable)(nil)
