package sqlstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/sessionstore/pkg/session"
	"github.com/aixgo-dev/sessionstore/pkg/session/tiertest"
)

func openTemp(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sessions.db"), opts...)
	require.NoError(t, err)
	return s
}

func TestDurableConformance(t *testing.T) {
	tiertest.RunDurable(t, func(t *testing.T) session.DurableTier {
		return openTemp(t)
	})
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("  ")
	assert.Error(t, err)
}

func TestReopenKeepsDataAndSchema(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "sessions.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.CreateSession(ctx, &session.Session{ID: "s1", OwnerID: "o", Status: session.StatusActive}))
	require.NoError(t, s.Put(ctx, &session.Checkpoint{SessionID: "s1", Version: 1, State: []byte("one"), CommittedAt: time.Now()}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	var version int
	require.NoError(t, s.db.QueryRow(`PRAGMA user_version`).Scan(&version))
	assert.Equal(t, len(migrations), version)

	cp, err := s.GetLatest(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), cp.State)
}

func TestNilStateRoundTrips(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.CreateSession(ctx, &session.Session{ID: "s1", OwnerID: "o", Status: session.StatusActive}))
	require.NoError(t, s.Put(ctx, &session.Checkpoint{SessionID: "s1", Version: 1}))

	cp, err := s.GetLatest(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, cp.State)
}

func TestReactivationUsesClock(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	s := openTemp(t, WithClock(func() time.Time { return now }))
	t.Cleanup(func() { _ = s.Close() })

	old := now.Add(-48 * time.Hour)
	require.NoError(t, s.CreateSession(ctx, &session.Session{
		ID: "s1", OwnerID: "o", Status: session.StatusSuspended, CreatedAt: old, LastActivityAt: old,
	}))

	require.NoError(t, s.SetStatus(ctx, "s1", 0, session.StatusSuspended, session.StatusActive))
	sess, err := s.LoadSession(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, now.Equal(sess.LastActivityAt))

	require.NoError(t, s.SetStatus(ctx, "s1", 0, session.StatusActive, session.StatusSuspended))
	sess, err = s.LoadSession(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, now.Equal(sess.LastActivityAt), "suspending does not count as activity")
}

func TestTombstoneIsRecorded(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	t.Cleanup(func() { _ = s.Close() })

	purgedAt := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.CreateSession(ctx, &session.Session{ID: "s1", OwnerID: "o", Status: session.StatusTerminated}))
	_, err := s.Purge(ctx, &session.Tombstone{SessionID: "s1", PurgedAt: purgedAt, Reason: "owner_erasure"}, false)
	require.NoError(t, err)

	tomb, err := s.Tombstone(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "owner_erasure", tomb.Reason)
	assert.True(t, purgedAt.Equal(tomb.PurgedAt))

	_, err = s.Tombstone(ctx, "other")
	assert.ErrorIs(t, err, session.ErrNotFound)

	_, err = s.Purge(ctx, &session.Tombstone{SessionID: "never"}, true)
	assert.ErrorIs(t, err, session.ErrNotFound, "unknown sessions are not tombstoned")
}

func TestTwoHandlesShareTheFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sessions.db")

	a, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	b, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	require.NoError(t, a.CreateSession(ctx, &session.Session{ID: "s1", OwnerID: "o", Status: session.StatusActive}))
	require.NoError(t, a.Put(ctx, &session.Checkpoint{SessionID: "s1", Version: 1, CommitID: "a"}))

	err = b.Put(ctx, &session.Checkpoint{SessionID: "s1", Version: 1, CommitID: "b"})
	assert.ErrorIs(t, err, session.ErrVersionConflict)

	require.NoError(t, b.Put(ctx, &session.Checkpoint{SessionID: "s1", Version: 2, ParentVersion: 1, CommitID: "b"}))
	cp, err := a.GetLatest(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "b", cp.CommitID)
}
