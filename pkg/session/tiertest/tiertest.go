// Package tiertest is a conformance suite for session.DurableTier
// implementations.
package tiertest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/aixgo-dev/sessionstore/pkg/audit"
	"github.com/aixgo-dev/sessionstore/pkg/session"
)

// Factory returns a fresh, empty tier. The suite closes it.
type Factory func(t *testing.T) session.DurableTier

// base is millisecond aligned so every backend round-trips it exactly.
var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// RunDurable runs the durable tier conformance suite.
func RunDurable(t *testing.T, newTier Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, tier session.DurableTier)
	}{
		{"CreateAndLoad", testCreateAndLoad},
		{"ConditionalPut", testConditionalPut},
		{"PutRejectsTerminated", testPutRejectsTerminated},
		{"ConcurrentPutSingleWinner", testConcurrentPut},
		{"SetStatusIsConditional", testSetStatus},
		{"DeleteCheckpointsThrough", testDeleteCheckpoints},
		{"TruncateKeepsNewest", testTruncate},
		{"ArchiveAndEraseMarkers", testMarkers},
		{"DeletionsSkipActiveSessions", testDeletionsSkipActive},
		{"ListExpired", testListExpired},
		{"ListExpiredAllowsWritesWhileIterating", testListExpiredMutation},
		{"ListByOwner", testListByOwner},
		{"PurgeWritesTombstone", testPurge},
		{"PurgeRefusesActive", testPurgeActive},
		{"Audit", testAudit},
		{"Closed", testClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tier := newTier(t)
			t.Cleanup(func() { _ = tier.Close() })
			tt.fn(t, tier)
		})
	}
}

func newSession(id, owner string, status session.Status, lastActivity time.Time) *session.Session {
	return &session.Session{
		ID:             id,
		OwnerID:        owner,
		Status:         status,
		CreatedAt:      base,
		LastActivityAt: lastActivity,
	}
}

func checkpoint(id string, version int64) *session.Checkpoint {
	return &session.Checkpoint{
		SessionID:     id,
		Version:       version,
		ParentVersion: version - 1,
		State:         []byte(fmt.Sprintf("state-%d", version)),
		CommittedAt:   base.Add(time.Duration(version) * time.Minute),
		CommitID:      fmt.Sprintf("commit-%s-%d", id, version),
	}
}

func seed(t *testing.T, tier session.DurableTier, sess *session.Session, versions int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, tier.CreateSession(ctx, sess))
	for v := int64(1); v <= versions; v++ {
		require.NoError(t, tier.Put(ctx, checkpoint(sess.ID, v)))
	}
}

func versions(chain []*session.Checkpoint) []int64 {
	out := make([]int64, len(chain))
	for i, cp := range chain {
		out[i] = cp.Version
	}
	return out
}

func testCreateAndLoad(t *testing.T, tier session.DurableTier) {
	ctx := context.Background()
	sess := newSession("s-create", "owner-1", session.StatusActive, base)
	require.NoError(t, tier.CreateSession(ctx, sess))

	got, err := tier.LoadSession(ctx, "s-create")
	require.NoError(t, err)
	assert.Equal(t, "owner-1", got.OwnerID)
	assert.Equal(t, session.StatusActive, got.Status)
	assert.Equal(t, int64(0), got.CurrentVersion)
	assert.True(t, base.Equal(got.CreatedAt))

	err = tier.CreateSession(ctx, sess)
	assert.ErrorIs(t, err, session.ErrSessionExists)

	_, err = tier.LoadSession(ctx, "missing")
	assert.ErrorIs(t, err, session.ErrNotFound)

	_, err = tier.GetLatest(ctx, "s-create")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func testConditionalPut(t *testing.T, tier session.DurableTier) {
	ctx := context.Background()
	require.NoError(t, tier.CreateSession(ctx, newSession("s-put", "o", session.StatusActive, base)))

	require.NoError(t, tier.Put(ctx, checkpoint("s-put", 1)))
	require.NoError(t, tier.Put(ctx, checkpoint("s-put", 2)))

	err := tier.Put(ctx, checkpoint("s-put", 2))
	assert.ErrorIs(t, err, session.ErrVersionConflict, "stale parent must conflict")

	err = tier.Put(ctx, checkpoint("s-put", 4))
	assert.ErrorIs(t, err, session.ErrVersionConflict, "skipping a version must conflict")

	latest, err := tier.GetLatest(ctx, "s-put")
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest.Version)
	assert.Equal(t, []byte("state-2"), latest.State)
	assert.Equal(t, "commit-s-put-2", latest.CommitID)

	sess, err := tier.LoadSession(ctx, "s-put")
	require.NoError(t, err)
	assert.Equal(t, int64(2), sess.CurrentVersion)
	assert.True(t, latest.CommittedAt.Equal(sess.LastActivityAt))

	chain, err := tier.ListCheckpoints(ctx, "s-put")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, versions(chain))
	assert.NoError(t, session.VerifyChain(chain))

	err = tier.Put(ctx, checkpoint("missing", 1))
	assert.Error(t, err)
}

func testPutRejectsTerminated(t *testing.T, tier session.DurableTier) {
	ctx := context.Background()
	seed(t, tier, newSession("s-term", "o", session.StatusActive, base), 1)
	require.NoError(t, tier.SetStatus(ctx, "s-term", 1, session.StatusActive, session.StatusTerminated))

	err := tier.Put(ctx, checkpoint("s-term", 2))
	assert.ErrorIs(t, err, session.ErrVersionConflict)

	err = tier.SetStatus(ctx, "s-term", 1, session.StatusTerminated, session.StatusActive)
	assert.ErrorIs(t, err, session.ErrVersionConflict, "terminated is absorbing")
}

func testConcurrentPut(t *testing.T, tier session.DurableTier) {
	ctx := context.Background()
	seed(t, tier, newSession("s-race", "o", session.StatusActive, base), 1)

	var wins, conflicts atomic.Int32
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			cp := checkpoint("s-race", 2)
			cp.CommitID = fmt.Sprintf("writer-%d", i)
			err := tier.Put(ctx, cp)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, session.ErrVersionConflict):
				conflicts.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(7), conflicts.Load())

	chain, err := tier.ListCheckpoints(ctx, "s-race")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, versions(chain))
}

func testSetStatus(t *testing.T, tier session.DurableTier) {
	ctx := context.Background()
	seed(t, tier, newSession("s-status", "o", session.StatusActive, base), 2)

	err := tier.SetStatus(ctx, "s-status", 1, session.StatusActive, session.StatusSuspended)
	assert.ErrorIs(t, err, session.ErrVersionConflict)

	err = tier.SetStatus(ctx, "s-status", 2, session.StatusSuspended, session.StatusTerminated)
	assert.ErrorIs(t, err, session.ErrVersionConflict, "the expected status must match")

	require.NoError(t, tier.SetStatus(ctx, "s-status", 2, session.StatusActive, session.StatusSuspended))
	sess, err := tier.LoadSession(ctx, "s-status")
	require.NoError(t, err)
	assert.Equal(t, session.StatusSuspended, sess.Status)
	assert.Equal(t, int64(2), sess.CurrentVersion)
}

func testDeleteCheckpoints(t *testing.T, tier session.DurableTier) {
	ctx := context.Background()
	seed(t, tier, newSession("s-del", "o", session.StatusSuspended, base), 4)

	n, err := tier.DeleteCheckpoints(ctx, "s-del", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	chain, err := tier.ListCheckpoints(ctx, "s-del")
	require.NoError(t, err)
	assert.Equal(t, []int64{4}, versions(chain))

	sess, err := tier.LoadSession(ctx, "s-del")
	require.NoError(t, err)
	assert.Equal(t, int64(4), sess.CurrentVersion, "the session record keeps its version")

	n, err = tier.DeleteCheckpoints(ctx, "s-del", 3)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, tier.Delete(ctx, "s-del"))
	_, err = tier.GetLatest(ctx, "s-del")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func testTruncate(t *testing.T, tier session.DurableTier) {
	ctx := context.Background()
	seed(t, tier, newSession("s-trunc", "o", session.StatusSuspended, base), 5)

	n, err := tier.TruncateCheckpoints(ctx, "s-trunc", 2)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	chain, err := tier.ListCheckpoints(ctx, "s-trunc")
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 5}, versions(chain))
	assert.NoError(t, session.VerifyChain(chain))

	n, err = tier.TruncateCheckpoints(ctx, "s-trunc", 2)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testMarkers(t *testing.T, tier session.DurableTier) {
	ctx := context.Background()
	seed(t, tier, newSession("s-mark", "o", session.StatusSuspended, base), 1)

	require.NoError(t, tier.MarkArchived(ctx, "s-mark", "archive://s-mark/1", 1))
	sess, err := tier.LoadSession(ctx, "s-mark")
	require.NoError(t, err)
	assert.Equal(t, "archive://s-mark/1", sess.ArchiveLocation)
	assert.False(t, sess.CheckpointsErased)

	require.NoError(t, tier.MarkCheckpointsErased(ctx, "s-mark"))
	sess, err = tier.LoadSession(ctx, "s-mark")
	require.NoError(t, err)
	assert.True(t, sess.CheckpointsErased)
	assert.Empty(t, sess.ArchiveLocation)
}

func testDeletionsSkipActive(t *testing.T, tier session.DurableTier) {
	ctx := context.Background()
	seed(t, tier, newSession("s-live", "o", session.StatusActive, base), 3)

	_, err := tier.DeleteCheckpoints(ctx, "s-live", 3)
	assert.ErrorIs(t, err, session.ErrVersionConflict)
	_, err = tier.TruncateCheckpoints(ctx, "s-live", 1)
	assert.ErrorIs(t, err, session.ErrVersionConflict)
	err = tier.MarkArchived(ctx, "s-live", "archive://s-live/1", 3)
	assert.ErrorIs(t, err, session.ErrVersionConflict)

	chain, err := tier.ListCheckpoints(ctx, "s-live")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, versions(chain))
	sess, err := tier.LoadSession(ctx, "s-live")
	require.NoError(t, err)
	assert.Empty(t, sess.ArchiveLocation)

	require.NoError(t, tier.SetStatus(ctx, "s-live", 3, session.StatusActive, session.StatusSuspended))
	err = tier.MarkArchived(ctx, "s-live", "archive://s-live/1", 2)
	assert.ErrorIs(t, err, session.ErrVersionConflict, "a stale version must not be marked")
	require.NoError(t, tier.MarkArchived(ctx, "s-live", "archive://s-live/1", 3))
}

func collect(t *testing.T, seq func(func(session.ExpiredSession, error) bool)) []string {
	t.Helper()
	var ids []string
	for row, err := range seq {
		require.NoError(t, err)
		ids = append(ids, row.ID)
	}
	return ids
}

func testListExpired(t *testing.T, tier session.DurableTier) {
	ctx := context.Background()
	old := base.Add(-100 * 24 * time.Hour)
	require.NoError(t, tier.CreateSession(ctx, newSession("a-active", "o", session.StatusActive, old)))
	require.NoError(t, tier.CreateSession(ctx, newSession("b-suspended", "o", session.StatusSuspended, old)))
	require.NoError(t, tier.CreateSession(ctx, newSession("c-terminated", "o", session.StatusTerminated, old)))
	require.NoError(t, tier.CreateSession(ctx, newSession("d-recent", "o", session.StatusSuspended, base)))

	ids := collect(t, tier.ListExpired(ctx, session.ExpiryQuery{Before: base.Add(-time.Hour)}))
	assert.Equal(t, []string{"b-suspended", "c-terminated"}, ids)

	ids = collect(t, tier.ListExpired(ctx, session.ExpiryQuery{
		Before:   base.Add(-time.Hour),
		Statuses: []session.Status{session.StatusActive, session.StatusTerminated},
	}))
	assert.Equal(t, []string{"c-terminated"}, ids, "active sessions are never listed")

	ids = collect(t, tier.ListExpired(ctx, session.ExpiryQuery{Before: base.Add(time.Hour), PageSize: 1}))
	assert.Equal(t, []string{"b-suspended", "c-terminated", "d-recent"}, ids)

	for row, err := range tier.ListExpired(ctx, session.ExpiryQuery{Before: base.Add(-time.Hour)}) {
		require.NoError(t, err)
		if row.ID == "b-suspended" {
			assert.Equal(t, session.StatusSuspended, row.Status)
			assert.True(t, old.Equal(row.LastActivityAt))
		}
	}
}

func testListExpiredMutation(t *testing.T, tier session.DurableTier) {
	ctx := context.Background()
	old := base.Add(-100 * 24 * time.Hour)
	for i := 0; i < 5; i++ {
		seed(t, tier, newSession(fmt.Sprintf("m-%d", i), "o", session.StatusSuspended, old), 0)
	}

	var purged []string
	for row, err := range tier.ListExpired(ctx, session.ExpiryQuery{Before: base, PageSize: 2}) {
		require.NoError(t, err)
		_, err := tier.Purge(ctx, &session.Tombstone{SessionID: row.ID, PurgedAt: base, Reason: "test"}, false)
		require.NoError(t, err)
		purged = append(purged, row.ID)
	}
	assert.Len(t, purged, 5)

	ids := collect(t, tier.ListExpired(ctx, session.ExpiryQuery{Before: base}))
	assert.Empty(t, ids)
}

func testListByOwner(t *testing.T, tier session.DurableTier) {
	ctx := context.Background()
	require.NoError(t, tier.CreateSession(ctx, newSession("o1-a", "owner-1", session.StatusActive, base)))
	require.NoError(t, tier.CreateSession(ctx, newSession("o1-b", "owner-1", session.StatusSuspended, base)))
	require.NoError(t, tier.CreateSession(ctx, newSession("o2-a", "owner-2", session.StatusActive, base)))

	ids, err := tier.ListByOwner(ctx, "owner-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"o1-a", "o1-b"}, ids)

	ids, err = tier.ListByOwner(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func testPurge(t *testing.T, tier session.DurableTier) {
	ctx := context.Background()
	seed(t, tier, newSession("s-purge", "o", session.StatusSuspended, base), 3)

	tomb := &session.Tombstone{SessionID: "s-purge", PurgedAt: base, Reason: "retention"}
	res, err := tier.Purge(ctx, tomb, false)
	require.NoError(t, err)
	assert.False(t, res.AlreadyPurged)
	assert.Equal(t, 3, res.CheckpointsDeleted)

	res, err = tier.Purge(ctx, tomb, false)
	require.NoError(t, err)
	assert.True(t, res.AlreadyPurged)

	_, err = tier.LoadSession(ctx, "s-purge")
	assert.ErrorIs(t, err, session.ErrSessionPurged)
	_, err = tier.GetLatest(ctx, "s-purge")
	assert.ErrorIs(t, err, session.ErrSessionPurged)
	_, err = tier.ListCheckpoints(ctx, "s-purge")
	assert.ErrorIs(t, err, session.ErrSessionPurged)

	err = tier.CreateSession(ctx, newSession("s-purge", "o", session.StatusActive, base))
	assert.ErrorIs(t, err, session.ErrSessionPurged, "purged IDs are never reused")

	ids, err := tier.ListByOwner(ctx, "o")
	require.NoError(t, err)
	assert.NotContains(t, ids, "s-purge")
}

func testPurgeActive(t *testing.T, tier session.DurableTier) {
	ctx := context.Background()
	seed(t, tier, newSession("s-live", "o", session.StatusActive, base), 1)

	tomb := &session.Tombstone{SessionID: "s-live", PurgedAt: base, Reason: "retention"}
	_, err := tier.Purge(ctx, tomb, false)
	assert.ErrorIs(t, err, session.ErrVersionConflict)

	_, err = tier.LoadSession(ctx, "s-live")
	require.NoError(t, err, "a refused purge leaves the session intact")

	res, err := tier.Purge(ctx, tomb, true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.CheckpointsDeleted)
}

func testAudit(t *testing.T, tier session.DurableTier) {
	ctx := context.Background()
	oldRec := audit.NewRecord("s-1", audit.ActionPurge, "session", "hard delete", base.Add(-48*time.Hour))
	newRec := audit.NewRecord("s-2", audit.ActionArchive, "session", "archive", base)
	require.NoError(t, tier.AppendAudit(ctx, oldRec))
	require.NoError(t, tier.AppendAudit(ctx, newRec))

	n, err := tier.DeleteAuditBefore(ctx, base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = tier.DeleteAuditBefore(ctx, base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testClosed(t *testing.T, tier session.DurableTier) {
	ctx := context.Background()
	require.NoError(t, tier.Ping(ctx))
	require.NoError(t, tier.Close())

	err := tier.CreateSession(ctx, newSession("s-closed", "o", session.StatusActive, base))
	assert.ErrorIs(t, err, session.ErrStorageClosed)
	_, err = tier.LoadSession(ctx, "s-closed")
	assert.ErrorIs(t, err, session.ErrStorageClosed)
}
