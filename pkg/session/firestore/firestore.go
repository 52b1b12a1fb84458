// Package firestore implements the durable session tier on Cloud Firestore.
//
// Layout:
//
//	<prefix>sessions/{session_id}
//	<prefix>sessions/{session_id}/checkpoints/{zero-padded version}
//	<prefix>tombstones/{session_id}
//	<prefix>audit_records/{record_id}
//
// The conditional checkpoint write and status changes run inside
// RunTransaction, which serializes them against concurrent writers of the
// same session document.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/aixgo-dev/sessionstore/pkg/audit"
	"github.com/aixgo-dev/sessionstore/pkg/session"
)

const (
	defaultPageSize = 100
	// txAttempts covers contention between many writers of one session.
	txAttempts = 10
	// maxTxDeletes stays under the 500 writes a transaction allows.
	maxTxDeletes = 400
)

// Config contains configuration for the Firestore durable tier.
type Config struct {
	ProjectID       string
	CredentialsFile string
	// CollectionPrefix namespaces every collection, e.g. "staging_".
	CollectionPrefix string
	// PageSize bounds ListExpired round-trips (default 100).
	PageSize int
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used when a session is reactivated.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store implements session.DurableTier.
type Store struct {
	client   *firestore.Client
	sessions *firestore.CollectionRef
	tombs    *firestore.CollectionRef
	audit    *firestore.CollectionRef
	pageSize int
	now      func() time.Time

	mu     sync.RWMutex
	closed bool
}

// New creates a store. Without CredentialsFile the client uses Application
// Default Credentials, or the emulator when FIRESTORE_EMULATOR_HOST is set.
func New(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project ID is required")
	}

	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	return NewFromClient(client, cfg, opts...), nil
}

// NewFromClient creates a store over an existing client.
func NewFromClient(client *firestore.Client, cfg Config, opts ...Option) *Store {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	s := &Store{
		client:   client,
		sessions: client.Collection(cfg.CollectionPrefix + "sessions"),
		tombs:    client.Collection(cfg.CollectionPrefix + "tombstones"),
		audit:    client.Collection(cfg.CollectionPrefix + "audit_records"),
		pageSize: pageSize,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// sessionDoc is the stored form of session.Session.
type sessionDoc struct {
	OwnerID           string    `firestore:"ownerId"`
	Status            string    `firestore:"status"`
	CreatedAt         time.Time `firestore:"createdAt"`
	LastActivityAt    time.Time `firestore:"lastActivityAt"`
	CurrentVersion    int64     `firestore:"currentVersion"`
	ArchiveLocation   string    `firestore:"archiveLocation"`
	CheckpointsErased bool      `firestore:"checkpointsErased"`
}

func toSessionDoc(s *session.Session) sessionDoc {
	return sessionDoc{
		OwnerID:           s.OwnerID,
		Status:            string(s.Status),
		CreatedAt:         s.CreatedAt.UTC(),
		LastActivityAt:    s.LastActivityAt.UTC(),
		CurrentVersion:    s.CurrentVersion,
		ArchiveLocation:   s.ArchiveLocation,
		CheckpointsErased: s.CheckpointsErased,
	}
}

func (d sessionDoc) session(id string) *session.Session {
	return &session.Session{
		ID:                id,
		OwnerID:           d.OwnerID,
		Status:            session.Status(d.Status),
		CreatedAt:         d.CreatedAt.UTC(),
		LastActivityAt:    d.LastActivityAt.UTC(),
		CurrentVersion:    d.CurrentVersion,
		ArchiveLocation:   d.ArchiveLocation,
		CheckpointsErased: d.CheckpointsErased,
	}
}

// checkpointDoc is the stored form of session.Checkpoint.
type checkpointDoc struct {
	Version       int64     `firestore:"version"`
	ParentVersion int64     `firestore:"parentVersion"`
	State         []byte    `firestore:"state"`
	CommittedAt   time.Time `firestore:"committedAt"`
	CommitID      string    `firestore:"commitId"`
}

func toCheckpointDoc(cp *session.Checkpoint) checkpointDoc {
	return checkpointDoc{
		Version:       cp.Version,
		ParentVersion: cp.ParentVersion,
		State:         cp.State,
		CommittedAt:   cp.CommittedAt.UTC(),
		CommitID:      cp.CommitID,
	}
}

func (d checkpointDoc) checkpoint(sessionID string) *session.Checkpoint {
	return &session.Checkpoint{
		SessionID:     sessionID,
		Version:       d.Version,
		ParentVersion: d.ParentVersion,
		State:         d.State,
		CommittedAt:   d.CommittedAt.UTC(),
		CommitID:      d.CommitID,
	}
}

type tombstoneDoc struct {
	PurgedAt time.Time `firestore:"purgedAt"`
	Reason   string    `firestore:"reason"`
}

type auditDoc struct {
	SessionID string    `firestore:"sessionId"`
	Action    string    `firestore:"action"`
	Policy    string    `firestore:"policy"`
	Reason    string    `firestore:"reason"`
	At        time.Time `firestore:"at"`
}

// versionDocID zero-pads versions so document IDs sort numerically.
func versionDocID(v int64) string {
	return fmt.Sprintf("%020d", v)
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return session.ErrStorageClosed
	}
	return nil
}

func (s *Store) checkpoints(sessionID string) *firestore.CollectionRef {
	return s.sessions.Doc(sessionID).Collection("checkpoints")
}

func (s *Store) runTx(ctx context.Context, fn func(context.Context, *firestore.Transaction) error) error {
	return s.client.RunTransaction(ctx, fn, firestore.MaxAttempts(txAttempts))
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

// getter is satisfied by *firestore.Transaction and a plain document read.
type getter func(*firestore.DocumentRef) (*firestore.DocumentSnapshot, error)

func (s *Store) plainGet(ctx context.Context) getter {
	return func(ref *firestore.DocumentRef) (*firestore.DocumentSnapshot, error) {
		return ref.Get(ctx)
	}
}

// lookup loads a live session, telling purged IDs apart from unknown ones.
func (s *Store) lookup(get getter, sessionID string) (*session.Session, error) {
	snap, err := get(s.sessions.Doc(sessionID))
	if err == nil {
		var doc sessionDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("%w: session document %s: %w", session.ErrCorruption, sessionID, err)
		}
		return doc.session(sessionID), nil
	}
	if !isNotFound(err) {
		return nil, fmt.Errorf("load session: %w", err)
	}

	if _, err := get(s.tombs.Doc(sessionID)); err == nil {
		return nil, session.ErrSessionPurged
	} else if !isNotFound(err) {
		return nil, fmt.Errorf("load tombstone: %w", err)
	}
	return nil, session.ErrNotFound
}

// GetLatest implements session.Tier.
func (s *Store) GetLatest(ctx context.Context, sessionID string) (*session.Checkpoint, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if _, err := s.lookup(s.plainGet(ctx), sessionID); err != nil {
		return nil, err
	}

	docs, err := s.checkpoints(sessionID).OrderBy("version", firestore.Desc).Limit(1).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("get latest checkpoint: %w", err)
	}
	if len(docs) == 0 {
		return nil, session.ErrNotFound
	}
	var doc checkpointDoc
	if err := docs[0].DataTo(&doc); err != nil {
		return nil, fmt.Errorf("%w: checkpoint document: %w", session.ErrCorruption, err)
	}
	return doc.checkpoint(sessionID), nil
}

// Put implements the conditional write of session.Tier.
func (s *Store) Put(ctx context.Context, cp *session.Checkpoint) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := cp.Validate(); err != nil {
		return err
	}

	return s.runTx(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		sess, err := s.lookup(tx.Get, cp.SessionID)
		if err != nil {
			return err
		}
		if sess.Status == session.StatusTerminated || sess.CurrentVersion != cp.ParentVersion {
			return session.ErrVersionConflict
		}

		if err := tx.Create(s.checkpoints(cp.SessionID).Doc(versionDocID(cp.Version)), toCheckpointDoc(cp)); err != nil {
			return err
		}
		return tx.Update(s.sessions.Doc(cp.SessionID), []firestore.Update{
			{Path: "currentVersion", Value: cp.Version},
			{Path: "lastActivityAt", Value: cp.CommittedAt.UTC()},
		})
	})
}

// Delete implements session.Tier by removing every checkpoint of a session.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.deleteQuery(ctx, s.checkpoints(sessionID).Query)
	return err
}

// CreateSession implements session.DurableTier.
func (s *Store) CreateSession(ctx context.Context, sess *session.Session) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	return s.runTx(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		_, err := s.lookup(tx.Get, sess.ID)
		switch {
		case err == nil:
			return session.ErrSessionExists
		case !errors.Is(err, session.ErrNotFound):
			return err
		}
		return tx.Create(s.sessions.Doc(sess.ID), toSessionDoc(sess))
	})
}

// LoadSession implements session.DurableTier.
func (s *Store) LoadSession(ctx context.Context, sessionID string) (*session.Session, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.lookup(s.plainGet(ctx), sessionID)
}

// SetStatus implements session.DurableTier.
func (s *Store) SetStatus(ctx context.Context, sessionID string, expectedVersion int64, from, to session.Status) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	return s.runTx(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		sess, err := s.lookup(tx.Get, sessionID)
		if err != nil {
			return err
		}
		if sess.Status == session.StatusTerminated || sess.Status != from || sess.CurrentVersion != expectedVersion {
			return session.ErrVersionConflict
		}

		updates := []firestore.Update{{Path: "status", Value: string(to)}}
		if to == session.StatusActive {
			updates = append(updates, firestore.Update{Path: "lastActivityAt", Value: s.now().UTC()})
		}
		return tx.Update(s.sessions.Doc(sessionID), updates)
	})
}

// ListCheckpoints implements session.DurableTier.
func (s *Store) ListCheckpoints(ctx context.Context, sessionID string) ([]*session.Checkpoint, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if _, err := s.lookup(s.plainGet(ctx), sessionID); err != nil {
		return nil, err
	}

	it := s.checkpoints(sessionID).OrderBy("version", firestore.Asc).Documents(ctx)
	defer it.Stop()

	var chain []*session.Checkpoint
	for {
		snap, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list checkpoints: %w", err)
		}
		var doc checkpointDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("%w: checkpoint document %s: %w", session.ErrCorruption, snap.Ref.ID, err)
		}
		chain = append(chain, doc.checkpoint(sessionID))
	}
	return chain, nil
}

// DeleteCheckpoints implements session.DurableTier.
func (s *Store) DeleteCheckpoints(ctx context.Context, sessionID string, through int64) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	return s.deleteInactive(ctx, sessionID, s.checkpoints(sessionID).Where("version", "<=", through))
}

// TruncateCheckpoints implements session.DurableTier.
func (s *Store) TruncateCheckpoints(ctx context.Context, sessionID string, keep int) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	if keep < 1 {
		return 0, fmt.Errorf("truncate: keep must be at least 1, got %d", keep)
	}

	latest, err := s.GetLatest(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	through := latest.Version - int64(keep)
	if through < 1 {
		return 0, nil
	}
	return s.deleteInactive(ctx, sessionID, s.checkpoints(sessionID).Where("version", "<=", through))
}

// deleteInactive deletes the checkpoints matched by q in transactions of at
// most maxTxDeletes documents. Each transaction re-reads the session and
// stops with ErrVersionConflict once it is active.
func (s *Store) deleteInactive(ctx context.Context, sessionID string, q firestore.Query) (int, error) {
	page := q.OrderBy("version", firestore.Asc).Limit(maxTxDeletes)

	total := 0
	for {
		n := 0
		err := s.runTx(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
			n = 0
			sess, err := s.lookup(tx.Get, sessionID)
			if err != nil {
				return err
			}
			if sess.Status == session.StatusActive {
				return session.ErrVersionConflict
			}

			snaps, err := tx.Documents(page).GetAll()
			if err != nil {
				return err
			}
			for _, snap := range snaps {
				if err := tx.Delete(snap.Ref); err != nil {
					return err
				}
			}
			n = len(snaps)
			return nil
		})
		if err != nil {
			return total, err
		}
		total += n
		if n < maxTxDeletes {
			return total, nil
		}
	}
}

// deleteQuery deletes every document matched by q with a BulkWriter.
func (s *Store) deleteQuery(ctx context.Context, q firestore.Query) (int, error) {
	bulkWriter := s.client.BulkWriter(ctx)

	var jobs []*firestore.BulkWriterJob
	it := q.Documents(ctx)
	for {
		snap, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			it.Stop()
			bulkWriter.End()
			return 0, fmt.Errorf("failed to iterate documents: %w", err)
		}
		job, err := bulkWriter.Delete(snap.Ref)
		if err != nil {
			it.Stop()
			bulkWriter.End()
			return 0, fmt.Errorf("failed to queue delete: %w", err)
		}
		jobs = append(jobs, job)
	}
	it.Stop()
	bulkWriter.End()

	var errs []error
	for _, job := range jobs {
		if _, err := job.Results(); err != nil && !isNotFound(err) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return 0, fmt.Errorf("delete documents: %w", err)
	}
	return len(jobs), nil
}

// MarkArchived implements session.DurableTier.
func (s *Store) MarkArchived(ctx context.Context, sessionID, location string, expectedVersion int64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	return s.runTx(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		sess, err := s.lookup(tx.Get, sessionID)
		if err != nil {
			return err
		}
		if sess.Status == session.StatusActive || sess.CurrentVersion != expectedVersion {
			return session.ErrVersionConflict
		}
		return tx.Update(s.sessions.Doc(sessionID), []firestore.Update{{Path: "archiveLocation", Value: location}})
	})
}

// MarkCheckpointsErased implements session.DurableTier.
func (s *Store) MarkCheckpointsErased(ctx context.Context, sessionID string) error {
	return s.update(ctx, sessionID, []firestore.Update{
		{Path: "checkpointsErased", Value: true},
		{Path: "archiveLocation", Value: ""},
	})
}

func (s *Store) update(ctx context.Context, sessionID string, updates []firestore.Update) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.sessions.Doc(sessionID).Update(ctx, updates)
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		_, lerr := s.lookup(s.plainGet(ctx), sessionID)
		if lerr != nil {
			return lerr
		}
	}
	return fmt.Errorf("update session: %w", err)
}

// ListExpired implements session.DurableTier. Pages are ordered by
// (lastActivityAt, document ID) and fully read before they are yielded.
func (s *Store) ListExpired(ctx context.Context, q session.ExpiryQuery) iter.Seq2[session.ExpiredSession, error] {
	return func(yield func(session.ExpiredSession, error) bool) {
		if err := s.checkOpen(); err != nil {
			yield(session.ExpiredSession{}, err)
			return
		}

		statuses := statusStrings(q.ExpiryStatuses())
		if len(statuses) == 0 {
			return
		}
		pageSize := q.PageSize
		if pageSize <= 0 {
			pageSize = s.pageSize
		}

		base := s.sessions.
			Where("status", "in", statuses).
			Where("lastActivityAt", "<", q.Before.UTC()).
			OrderBy("lastActivityAt", firestore.Asc).
			OrderBy(firestore.DocumentID, firestore.Asc).
			Limit(pageSize)

		var last *firestore.DocumentSnapshot
		for {
			page := base
			if last != nil {
				page = base.StartAfter(last)
			}
			docs, err := page.Documents(ctx).GetAll()
			if err != nil {
				yield(session.ExpiredSession{}, fmt.Errorf("list expired: %w", err))
				return
			}

			for _, snap := range docs {
				var doc sessionDoc
				if err := snap.DataTo(&doc); err != nil {
					yield(session.ExpiredSession{}, fmt.Errorf("%w: session document %s: %w", session.ErrCorruption, snap.Ref.ID, err))
					return
				}
				if !yield(expiredRow(doc.session(snap.Ref.ID)), nil) {
					return
				}
			}
			if len(docs) < pageSize {
				return
			}
			last = docs[len(docs)-1]
		}
	}
}

func expiredRow(sess *session.Session) session.ExpiredSession {
	return session.ExpiredSession{
		ID:                sess.ID,
		Status:            sess.Status,
		LastActivityAt:    sess.LastActivityAt,
		CurrentVersion:    sess.CurrentVersion,
		ArchiveLocation:   sess.ArchiveLocation,
		CheckpointsErased: sess.CheckpointsErased,
	}
}

func statusStrings(statuses []session.Status) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

// ListByOwner implements session.DurableTier.
func (s *Store) ListByOwner(ctx context.Context, ownerID string) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	docs, err := s.sessions.Where("ownerId", "==", ownerID).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("list by owner: %w", err)
	}
	ids := make([]string, len(docs))
	for i, snap := range docs {
		ids[i] = snap.Ref.ID
	}
	return ids, nil
}

// Purge implements session.DurableTier. The session document and tombstone
// change in one transaction; checkpoints are deleted afterwards, also when
// the session was already purged, so an interrupted purge is finished by
// the next attempt.
func (s *Store) Purge(ctx context.Context, tomb *session.Tombstone, allowActive bool) (session.PurgeResult, error) {
	if err := s.checkOpen(); err != nil {
		return session.PurgeResult{}, err
	}

	var res session.PurgeResult
	err := s.runTx(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		res = session.PurgeResult{}
		sess, err := s.lookup(tx.Get, tomb.SessionID)
		switch {
		case errors.Is(err, session.ErrSessionPurged):
			res.AlreadyPurged = true
			return nil
		case err != nil:
			return err
		case sess.Status == session.StatusActive && !allowActive:
			return session.ErrVersionConflict
		}

		if err := tx.Delete(s.sessions.Doc(tomb.SessionID)); err != nil {
			return err
		}
		return tx.Create(s.tombs.Doc(tomb.SessionID), tombstoneDoc{PurgedAt: tomb.PurgedAt.UTC(), Reason: tomb.Reason})
	})
	if err != nil {
		return session.PurgeResult{}, err
	}

	n, err := s.deleteQuery(ctx, s.checkpoints(tomb.SessionID).Query)
	if err != nil {
		return res, err
	}
	if !res.AlreadyPurged {
		res.CheckpointsDeleted = n
	}
	return res, nil
}

// AppendAudit implements session.DurableTier.
func (s *Store) AppendAudit(ctx context.Context, rec *audit.Record) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.audit.Doc(rec.ID).Set(ctx, auditDoc{
		SessionID: rec.SessionID,
		Action:    string(rec.Action),
		Policy:    rec.Policy,
		Reason:    rec.Reason,
		At:        rec.At.UTC(),
	})
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// DeleteAuditBefore implements session.DurableTier.
func (s *Store) DeleteAuditBefore(ctx context.Context, before time.Time) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	return s.deleteQuery(ctx, s.audit.Where("at", "<", before.UTC()))
}

// Ping implements session.DurableTier with a single-document read.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	it := s.sessions.Limit(1).Documents(ctx)
	defer it.Stop()
	if _, err := it.Next(); err != nil && err != iterator.Done {
		return fmt.Errorf("firestore ping: %w", err)
	}
	return nil
}

// Close implements session.DurableTier. It is safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

var _ session.DurableTier = (*Store)(nil)
