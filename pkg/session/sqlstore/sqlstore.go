// Package sqlstore implements the durable session tier on SQLite.
//
// The conditional checkpoint write is a single transaction that advances
// sessions.current_version only if it still equals the parent version and
// then inserts the checkpoint row. Transactions begin IMMEDIATE so
// concurrent writers, in this process or another, queue on the busy
// timeout instead of failing on lock upgrade.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aixgo-dev/sessionstore/pkg/audit"
	"github.com/aixgo-dev/sessionstore/pkg/session"
)

const (
	driverName = "sqlite"
	dsnOptions = "?_pragma=busy_timeout(3000)&_pragma=journal_mode(WAL)&_txlock=immediate"

	defaultPageSize = 100
)

// Store implements session.DurableTier.
type Store struct {
	db       *sql.DB
	now      func() time.Time
	pageSize int

	mu     sync.RWMutex
	closed bool
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used when a session is reactivated.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithPageSize sets the default ListExpired page size.
func WithPageSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// Open opens (creating if needed) the database at path and applies
// pending migrations.
func Open(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlstore: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("sqlstore: create dir: %w", err)
	}
	db, err := sql.Open(driverName, path+dsnOptions)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open db: %w", err)
	}

	s := &Store{db: db, now: time.Now, pageSize: defaultPageSize}
	for _, opt := range opts {
		opt(s)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return session.ErrStorageClosed
	}
	return nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const sessionColumns = `id, owner_id, status, created_at, last_activity_at, current_version, archive_location, checkpoints_erased`

func scanSession(row interface{ Scan(...any) error }) (*session.Session, error) {
	var (
		sess                  session.Session
		status                string
		createdAt, lastActive int64
		erased                int64
	)
	if err := row.Scan(&sess.ID, &sess.OwnerID, &status, &createdAt, &lastActive,
		&sess.CurrentVersion, &sess.ArchiveLocation, &erased); err != nil {
		return nil, err
	}
	sess.Status = session.Status(status)
	sess.CreatedAt = fromMillis(createdAt)
	sess.LastActivityAt = fromMillis(lastActive)
	sess.CheckpointsErased = erased != 0
	return &sess, nil
}

// lookup loads a live session, telling purged IDs apart from unknown ones.
func lookup(ctx context.Context, q querier, sessionID string) (*session.Session, error) {
	sess, err := scanSession(q.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID))
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load session: %w", err)
	}

	var one int
	err = q.QueryRowContext(ctx, `SELECT 1 FROM tombstones WHERE session_id = ?`, sessionID).Scan(&one)
	switch {
	case err == nil:
		return nil, session.ErrSessionPurged
	case errors.Is(err, sql.ErrNoRows):
		return nil, session.ErrNotFound
	default:
		return nil, fmt.Errorf("load tombstone: %w", err)
	}
}

// GetLatest implements session.Tier.
func (s *Store) GetLatest(ctx context.Context, sessionID string) (*session.Checkpoint, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if _, err := lookup(ctx, s.db, sessionID); err != nil {
		return nil, err
	}

	const q = `
SELECT session_id, version, parent_version, state, committed_at, commit_id
FROM checkpoints
WHERE session_id = ?
ORDER BY version DESC
LIMIT 1`
	cp, err := scanCheckpoint(s.db.QueryRowContext(ctx, q, sessionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, session.ErrNotFound
		}
		return nil, fmt.Errorf("get latest checkpoint: %w", err)
	}
	return cp, nil
}

func scanCheckpoint(row interface{ Scan(...any) error }) (*session.Checkpoint, error) {
	var (
		cp          session.Checkpoint
		committedAt int64
	)
	if err := row.Scan(&cp.SessionID, &cp.Version, &cp.ParentVersion, &cp.State, &committedAt, &cp.CommitID); err != nil {
		return nil, err
	}
	cp.CommittedAt = fromMillis(committedAt)
	return &cp, nil
}

// Put implements the conditional write of session.Tier.
func (s *Store) Put(ctx context.Context, cp *session.Checkpoint) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := cp.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	committedAt := cp.CommittedAt.UnixMilli()
	res, err := tx.ExecContext(ctx, `
UPDATE sessions SET current_version = ?, last_activity_at = ?
WHERE id = ? AND current_version = ? AND status <> ?`,
		cp.Version, committedAt, cp.SessionID, cp.ParentVersion, string(session.StatusTerminated))
	if err != nil {
		return fmt.Errorf("advance session: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("advance session: %w", err)
	} else if n == 0 {
		if _, err := lookup(ctx, tx, cp.SessionID); err != nil {
			return err
		}
		return session.ErrVersionConflict
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO checkpoints (session_id, version, parent_version, state, committed_at, commit_id)
VALUES (?, ?, ?, ?, ?, ?)`,
		cp.SessionID, cp.Version, cp.ParentVersion, cp.State, committedAt, cp.CommitID); err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit put: %w", err)
	}
	return nil
}

// Delete implements session.Tier by removing every checkpoint of a session.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete checkpoints: %w", err)
	}
	return nil
}

// CreateSession implements session.DurableTier.
func (s *Store) CreateSession(ctx context.Context, sess *session.Session) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM tombstones WHERE session_id = ?`, sess.ID).Scan(&one)
	if err == nil {
		return session.ErrSessionPurged
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("load tombstone: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
INSERT INTO sessions (id, owner_id, status, created_at, last_activity_at, current_version, archive_location, checkpoints_erased)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING`,
		sess.ID, sess.OwnerID, string(sess.Status), sess.CreatedAt.UnixMilli(), sess.LastActivityAt.UnixMilli(),
		sess.CurrentVersion, sess.ArchiveLocation, boolInt(sess.CheckpointsErased))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("insert session: %w", err)
	} else if n == 0 {
		return session.ErrSessionExists
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create: %w", err)
	}
	return nil
}

// LoadSession implements session.DurableTier.
func (s *Store) LoadSession(ctx context.Context, sessionID string) (*session.Session, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return lookup(ctx, s.db, sessionID)
}

// SetStatus implements session.DurableTier as a single conditional update.
func (s *Store) SetStatus(ctx context.Context, sessionID string, expectedVersion int64, from, to session.Status) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE sessions SET
	status = ?,
	last_activity_at = CASE WHEN ? = 'active' THEN ? ELSE last_activity_at END
WHERE id = ? AND status = ? AND status <> ? AND current_version = ?`,
		string(to), string(to), s.now().UnixMilli(),
		sessionID, string(from), string(session.StatusTerminated), expectedVersion)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	return s.affected(ctx, res, sessionID, session.ErrVersionConflict)
}

// affected turns a zero-row update into the right error: purged or
// unknown sessions first, otherwise onZero.
func (s *Store) affected(ctx context.Context, res sql.Result, sessionID string, onZero error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := lookup(ctx, s.db, sessionID); err != nil {
		return err
	}
	return onZero
}

// ListCheckpoints implements session.DurableTier.
func (s *Store) ListCheckpoints(ctx context.Context, sessionID string) ([]*session.Checkpoint, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if _, err := lookup(ctx, s.db, sessionID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, version, parent_version, state, committed_at, commit_id
FROM checkpoints
WHERE session_id = ?
ORDER BY version ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var chain []*session.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		chain = append(chain, cp)
	}
	return chain, rows.Err()
}

// DeleteCheckpoints implements session.DurableTier.
func (s *Store) DeleteCheckpoints(ctx context.Context, sessionID string, through int64) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	if _, err := lookup(ctx, s.db, sessionID); err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, `
DELETE FROM checkpoints
WHERE session_id = ? AND version <= ?
  AND EXISTS (SELECT 1 FROM sessions WHERE id = ? AND status <> 'active')`,
		sessionID, through, sessionID)
	if err != nil {
		return 0, fmt.Errorf("delete checkpoints: %w", err)
	}
	return s.deleted(ctx, res, sessionID)
}

// deleted returns the number of removed checkpoints. Nothing removed from
// an active session means the inactive guard failed.
func (s *Store) deleted(ctx context.Context, res sql.Result, sessionID string) (int, error) {
	n, err := res.RowsAffected()
	if err != nil || n > 0 {
		return int(n), err
	}
	sess, err := lookup(ctx, s.db, sessionID)
	if err != nil {
		return 0, err
	}
	if sess.Status == session.StatusActive {
		return 0, session.ErrVersionConflict
	}
	return 0, nil
}

// TruncateCheckpoints implements session.DurableTier.
func (s *Store) TruncateCheckpoints(ctx context.Context, sessionID string, keep int) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	if keep < 1 {
		return 0, fmt.Errorf("truncate: keep must be at least 1, got %d", keep)
	}
	if _, err := lookup(ctx, s.db, sessionID); err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, `
DELETE FROM checkpoints
WHERE session_id = ?
  AND version <= (SELECT COALESCE(MAX(version), 0) FROM checkpoints WHERE session_id = ?) - ?
  AND EXISTS (SELECT 1 FROM sessions WHERE id = ? AND status <> 'active')`,
		sessionID, sessionID, keep, sessionID)
	if err != nil {
		return 0, fmt.Errorf("truncate checkpoints: %w", err)
	}
	return s.deleted(ctx, res, sessionID)
}

// MarkArchived implements session.DurableTier.
func (s *Store) MarkArchived(ctx context.Context, sessionID, location string, expectedVersion int64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE sessions SET archive_location = ?
WHERE id = ? AND status <> 'active' AND current_version = ?`,
		location, sessionID, expectedVersion)
	if err != nil {
		return fmt.Errorf("mark archived: %w", err)
	}
	return s.affected(ctx, res, sessionID, session.ErrVersionConflict)
}

// MarkCheckpointsErased implements session.DurableTier.
func (s *Store) MarkCheckpointsErased(ctx context.Context, sessionID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET checkpoints_erased = 1, archive_location = '' WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("mark checkpoints erased: %w", err)
	}
	return s.affected(ctx, res, sessionID, session.ErrNotFound)
}

// ListExpired implements session.DurableTier with keyset pagination on the
// session ID. Each page is read fully and its rows closed before anything
// is yielded.
func (s *Store) ListExpired(ctx context.Context, q session.ExpiryQuery) iter.Seq2[session.ExpiredSession, error] {
	return func(yield func(session.ExpiredSession, error) bool) {
		if err := s.checkOpen(); err != nil {
			yield(session.ExpiredSession{}, err)
			return
		}

		statuses := q.ExpiryStatuses()
		if len(statuses) == 0 {
			return
		}
		pageSize := q.PageSize
		if pageSize <= 0 {
			pageSize = s.pageSize
		}

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
		query := `
SELECT ` + sessionColumns + `
FROM sessions
WHERE status IN (` + placeholders + `) AND last_activity_at < ? AND id > ?
ORDER BY id
LIMIT ?`

		after := ""
		for {
			args := make([]any, 0, len(statuses)+3)
			for _, st := range statuses {
				args = append(args, string(st))
			}
			args = append(args, q.Before.UnixMilli(), after, pageSize)

			page, err := s.expiredPage(ctx, query, args)
			if err != nil {
				yield(session.ExpiredSession{}, err)
				return
			}
			for _, row := range page {
				if !yield(row, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			after = page[len(page)-1].ID
		}
	}
}

func (s *Store) expiredPage(ctx context.Context, query string, args []any) ([]session.ExpiredSession, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list expired: %w", err)
	}
	defer rows.Close()

	var page []session.ExpiredSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired session: %w", err)
		}
		page = append(page, session.ExpiredSession{
			ID:                sess.ID,
			Status:            sess.Status,
			LastActivityAt:    sess.LastActivityAt,
			CurrentVersion:    sess.CurrentVersion,
			ArchiveLocation:   sess.ArchiveLocation,
			CheckpointsErased: sess.CheckpointsErased,
		})
	}
	return page, rows.Err()
}

// ListByOwner implements session.DurableTier.
func (s *Store) ListByOwner(ctx context.Context, ownerID string) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM sessions WHERE owner_id = ? ORDER BY id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list by owner: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Purge implements session.DurableTier.
func (s *Store) Purge(ctx context.Context, tomb *session.Tombstone, allowActive bool) (session.PurgeResult, error) {
	if err := s.checkOpen(); err != nil {
		return session.PurgeResult{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return session.PurgeResult{}, fmt.Errorf("begin purge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	sess, err := lookup(ctx, tx, tomb.SessionID)
	switch {
	case errors.Is(err, session.ErrSessionPurged):
		return session.PurgeResult{AlreadyPurged: true}, nil
	case err != nil:
		return session.PurgeResult{}, err
	case sess.Status == session.StatusActive && !allowActive:
		return session.PurgeResult{}, session.ErrVersionConflict
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE session_id = ?`, tomb.SessionID)
	if err != nil {
		return session.PurgeResult{}, fmt.Errorf("purge checkpoints: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return session.PurgeResult{}, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, tomb.SessionID); err != nil {
		return session.PurgeResult{}, fmt.Errorf("purge session: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tombstones (session_id, purged_at, reason) VALUES (?, ?, ?)`,
		tomb.SessionID, tomb.PurgedAt.UnixMilli(), tomb.Reason); err != nil {
		return session.PurgeResult{}, fmt.Errorf("write tombstone: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return session.PurgeResult{}, fmt.Errorf("commit purge: %w", err)
	}
	return session.PurgeResult{CheckpointsDeleted: int(deleted)}, nil
}

// Tombstone returns the tombstone of a purged session.
func (s *Store) Tombstone(ctx context.Context, sessionID string) (*session.Tombstone, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var (
		tomb     = session.Tombstone{SessionID: sessionID}
		purgedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT purged_at, reason FROM tombstones WHERE session_id = ?`, sessionID).Scan(&purgedAt, &tomb.Reason)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, session.ErrNotFound
		}
		return nil, fmt.Errorf("load tombstone: %w", err)
	}
	tomb.PurgedAt = fromMillis(purgedAt)
	return &tomb, nil
}

// AppendAudit implements session.DurableTier.
func (s *Store) AppendAudit(ctx context.Context, rec *audit.Record) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO audit_records (id, session_id, action, policy, reason, at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING`,
		rec.ID, rec.SessionID, string(rec.Action), rec.Policy, rec.Reason, rec.At.UnixMilli())
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
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_records WHERE at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete audit: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Ping implements session.DurableTier.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Close implements session.DurableTier. It is safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ session.DurableTier = (*Store)(nil)
