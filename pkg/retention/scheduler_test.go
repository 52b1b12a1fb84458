package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/sessionstore/pkg/archive"
	"github.com/aixgo-dev/sessionstore/pkg/audit"
	"github.com/aixgo-dev/sessionstore/pkg/resilience"
	"github.com/aixgo-dev/sessionstore/pkg/session"
	"github.com/aixgo-dev/sessionstore/pkg/session/memstore"
)

var (
	testNow       = time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	errIOTimeout  = errors.New("i/o timeout")
	defaultPolicy = Policy{
		ResourceType:        ResourceSession,
		ActiveRetentionDays: 30,
		ArchiveAfterDays:    60,
		HardDeleteAfterDays: 90,
	}
)

type fixture struct {
	cache   *memstore.Cache
	durable *memstore.Durable
	sink    *archive.FileSink
	store   *session.HybridStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sink, err := archive.NewFileSink(t.TempDir())
	require.NoError(t, err)

	clock := func() time.Time { return testNow }
	cache := memstore.NewCache()
	durable := memstore.NewDurable(memstore.WithClock(clock))
	return &fixture{
		cache:   cache,
		durable: durable,
		sink:    sink,
		store: session.NewHybridStore(cache, durable,
			session.WithArchiveSink(sink),
			session.WithStoreClock(clock),
			session.WithStoreLogger(slog.New(slog.DiscardHandler)),
		),
	}
}

func (f *fixture) scheduler(t *testing.T, cfg Config, opts ...Option) *Scheduler {
	t.Helper()
	opts = append([]Option{WithLogger(slog.New(slog.DiscardHandler))}, opts...)
	s, err := New(f.store, f.durable, cfg, NewSweepContext(cfg.Shard, func() time.Time { return testNow }), opts...)
	require.NoError(t, err)
	return s
}

// seed creates a session with versions checkpoints, last active idle ago,
// and leaves it in status.
func (f *fixture) seed(t *testing.T, id string, status session.Status, idle time.Duration, versions int64) {
	t.Helper()
	ctx := context.Background()
	at := testNow.Add(-idle)

	require.NoError(t, f.durable.CreateSession(ctx, &session.Session{
		ID: id, OwnerID: "owner", Status: session.StatusActive, CreatedAt: at, LastActivityAt: at,
	}))
	for v := int64(1); v <= versions; v++ {
		cp := &session.Checkpoint{
			SessionID: id, Version: v, ParentVersion: v - 1,
			State: fmt.Appendf(nil, "state-%d", v), CommittedAt: at,
		}
		require.NoError(t, f.durable.Put(ctx, cp))
		require.NoError(t, f.cache.Put(ctx, cp))
	}
	if status != session.StatusActive {
		require.NoError(t, f.durable.SetStatus(ctx, id, versions, session.StatusActive, status))
	}
}

func (f *fixture) load(t *testing.T, id string) *session.Session {
	t.Helper()
	sess, err := f.durable.LoadSession(context.Background(), id)
	require.NoError(t, err)
	return sess
}

func auditActions(d *memstore.Durable, id string) []audit.Action {
	var out []audit.Action
	for _, rec := range d.AuditRecords() {
		if rec.SessionID == id {
			out = append(out, rec.Action)
		}
	}
	return out
}

func day(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

func TestSweepArchivesThenPurgesInOneSweep(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "S2", session.StatusTerminated, day(100), 3)
	mgr := session.NewManager(f.store, session.WithLogger(slog.New(slog.DiscardHandler)))

	report, err := f.scheduler(t, Config{Policies: []Policy{defaultPolicy}}).Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Count(ActionArchive))
	assert.Equal(t, 1, report.Count(ActionPurge))
	assert.Zero(t, report.Failed())

	_, err = mgr.SessionMetadata(context.Background(), "S2")
	assert.ErrorIs(t, err, session.ErrSessionPurged)

	objects, err := f.sink.List(context.Background(), "S2")
	require.NoError(t, err)
	assert.Empty(t, objects, "purge also erases the archive")
	assert.False(t, f.cache.Has("S2"))

	assert.Equal(t, []audit.Action{audit.ActionArchive, audit.ActionPurge}, auditActions(f.durable, "S2"))
	for _, rec := range f.durable.AuditRecords() {
		assert.Equal(t, "session", rec.Policy)
		assert.NotContains(t, rec.Reason, "owner")
	}
}

func TestSweepNeverTouchesActiveSessions(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "live", session.StatusActive, day(400), 2)

	s := f.scheduler(t, Config{
		Policies:   []Policy{defaultPolicy},
		IdleExpiry: time.Hour,
		KeepLatest: 1,
	})
	report, err := s.Sweep(context.Background())
	require.NoError(t, err)

	assert.Zero(t, report.Scanned)
	sess := f.load(t, "live")
	assert.Equal(t, session.StatusActive, sess.Status)
	assert.Empty(t, sess.ArchiveLocation)

	chain, err := f.durable.ListCheckpoints(context.Background(), "live")
	require.NoError(t, err)
	assert.Len(t, chain, 2)
	assert.True(t, f.cache.Has("live"))
	assert.Empty(t, f.durable.AuditRecords())
}

func TestSweepAppliesThresholdsByAge(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "fresh", session.StatusTerminated, day(10), 1)
	f.seed(t, "cold", session.StatusTerminated, day(40), 1)
	f.seed(t, "old", session.StatusTerminated, day(70), 2)

	s := f.scheduler(t, Config{Policies: []Policy{defaultPolicy}})
	report, err := s.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, 1, report.Count(ActionEvict))
	assert.Equal(t, 1, report.Count(ActionArchive))
	assert.Zero(t, report.Count(ActionPurge))

	assert.True(t, f.cache.Has("fresh"))
	assert.False(t, f.cache.Has("cold"))
	chain, err := f.durable.ListCheckpoints(context.Background(), "cold")
	require.NoError(t, err)
	assert.Len(t, chain, 1, "eviction keeps durable checkpoints")

	old := f.load(t, "old")
	assert.NotEmpty(t, old.ArchiveLocation)
	chain, err = f.durable.ListCheckpoints(context.Background(), "old")
	require.NoError(t, err)
	assert.Empty(t, chain)

	archived, err := f.store.LoadArchived(context.Background(), old.ArchiveLocation)
	require.NoError(t, err)
	assert.Len(t, archived, 2)

	report, err = s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Count(ActionArchive), "already archived chains are not archived again")
	assert.Equal(t, []audit.Action{audit.ActionArchive}, auditActions(f.durable, "old"))
}

func TestSweepArchivedSessionCanStillResume(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "parked", session.StatusSuspended, day(70), 2)

	_, err := f.scheduler(t, Config{Policies: []Policy{defaultPolicy}}).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, session.StatusSuspended, f.load(t, "parked").Status)

	mgr := session.NewManager(f.store, session.WithLogger(slog.New(slog.DiscardHandler)))
	res, err := mgr.OpenOrResume(context.Background(), "parked", "owner")
	require.NoError(t, err)
	assert.Equal(t, []byte("state-2"), res.State)
}

func TestSweepCheckpointPolicyKeepsRecord(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "s1", session.StatusTerminated, day(100), 2)

	policy := defaultPolicy
	policy.ResourceType = ResourceCheckpoint
	s := f.scheduler(t, Config{Policies: []Policy{policy}})

	report, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(ActionEraseCheckpoints))

	sess := f.load(t, "s1")
	assert.True(t, sess.CheckpointsErased)
	assert.Empty(t, sess.ArchiveLocation)
	objects, err := f.sink.List(context.Background(), "s1")
	require.NoError(t, err)
	assert.Empty(t, objects)
	assert.Equal(t, []audit.Action{audit.ActionArchive, audit.ActionEraseCheckpoints}, auditActions(f.durable, "s1"))

	report, err = s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Count(ActionEraseCheckpoints))
}

func TestSweepHardDeleteTerminatesSuspendedFirst(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "s1", session.StatusSuspended, day(100), 1)

	report, err := f.scheduler(t, Config{Policies: []Policy{defaultPolicy}}).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(ActionIdleExpire))
	assert.Equal(t, 1, report.Count(ActionPurge))

	_, err = f.durable.LoadSession(context.Background(), "s1")
	assert.ErrorIs(t, err, session.ErrSessionPurged)
}

func TestSweepIdleExpiry(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "idle", session.StatusSuspended, 48*time.Hour, 1)
	f.seed(t, "recent", session.StatusSuspended, time.Hour, 1)
	f.seed(t, "busy", session.StatusActive, 72*time.Hour, 1)

	report, err := f.scheduler(t, Config{IdleExpiry: 24 * time.Hour}).Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Count(ActionIdleExpire))
	assert.Equal(t, session.StatusTerminated, f.load(t, "idle").Status)
	assert.Equal(t, session.StatusSuspended, f.load(t, "recent").Status)
	assert.Equal(t, session.StatusActive, f.load(t, "busy").Status)
	assert.False(t, f.cache.Has("idle"))
	assert.Equal(t, []audit.Action{audit.ActionIdleExpire}, auditActions(f.durable, "idle"))
}

func TestSweepIdleExpirySkipsResumedSession(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "s1", session.StatusSuspended, 48*time.Hour, 1)

	// Reactivated and suspended again after the listing would have been
	// taken: the stored version moved on.
	require.NoError(t, f.durable.SetStatus(context.Background(), "s1", 1, session.StatusSuspended, session.StatusActive))
	require.NoError(t, f.durable.Put(context.Background(), &session.Checkpoint{SessionID: "s1", Version: 2, ParentVersion: 1, CommittedAt: testNow.Add(-48 * time.Hour)}))
	require.NoError(t, f.durable.SetStatus(context.Background(), "s1", 2, session.StatusActive, session.StatusSuspended))

	s := f.scheduler(t, Config{IdleExpiry: 24 * time.Hour})
	err := s.store.Terminate(context.Background(), "s1", 1, session.StatusSuspended)
	assert.ErrorIs(t, err, session.ErrConcurrentWrite)

	report, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(ActionIdleExpire), "the fresh listing carries the new version")
}

func TestSweepKeepLatest(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "long", session.StatusSuspended, time.Hour, 5)
	f.seed(t, "live", session.StatusActive, time.Hour, 5)

	report, err := f.scheduler(t, Config{KeepLatest: 2}).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Count(ActionTruncate))

	chain, err := f.durable.ListCheckpoints(context.Background(), "long")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, int64(4), chain[0].Version)

	chain, err = f.durable.ListCheckpoints(context.Background(), "live")
	require.NoError(t, err)
	assert.Len(t, chain, 5)
}

func TestSweepExpiresAuditRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.durable.AppendAudit(ctx, audit.NewRecord("a", audit.ActionPurge, "p", "", testNow.Add(-day(400)))))
	require.NoError(t, f.durable.AppendAudit(ctx, audit.NewRecord("b", audit.ActionPurge, "p", "", testNow.Add(-day(10)))))

	policy := Policy{ResourceType: ResourceAuditRecord, ActiveRetentionDays: 365, ArchiveAfterDays: 365, HardDeleteAfterDays: 365}
	report, err := f.scheduler(t, Config{Policies: []Policy{policy}}).Sweep(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Count(ActionDeleteAudit))
	records := f.durable.AuditRecords()
	require.Len(t, records, 1)
	assert.Equal(t, "b", records[0].SessionID)
}

func TestSweepContinuesAfterSessionFailure(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a", session.StatusTerminated, day(100), 1)
	f.seed(t, "b", session.StatusTerminated, day(100), 1)
	f.durable.Fail("purge", errIOTimeout, 1)

	s := f.scheduler(t, Config{Policies: []Policy{defaultPolicy}, Concurrency: 1})
	report, err := s.Sweep(context.Background())
	require.NoError(t, err, "per-session failures do not fail the sweep")

	assert.Equal(t, 1, report.Failed())
	assert.Equal(t, 1, report.Count(ActionPurge))
	assert.ErrorIs(t, report.Err(), errIOTimeout)
	assert.Equal(t, testNow, s.Context().LastSuccess())

	report, err = s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(ActionPurge), "the failed session is retried next sweep")
	assert.Zero(t, report.Failed())
}

func TestSweepListingFailureFailsSweep(t *testing.T) {
	f := newFixture(t)
	f.durable.Fail("list_expired", errIOTimeout, 1)

	s := f.scheduler(t, Config{Policies: []Policy{defaultPolicy}})
	_, err := s.Sweep(context.Background())
	assert.ErrorIs(t, err, errIOTimeout)
	assert.True(t, s.Context().LastSuccess().IsZero())
}

func TestSweepListingSharesBreaker(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "s1", session.StatusTerminated, day(40), 1)

	policy := session.NewPolicy("backend", resilience.Config{
		Breaker: resilience.BreakerConfig{FailureThreshold: 2, Cooldown: time.Hour},
	})
	s := f.scheduler(t, Config{Policies: []Policy{defaultPolicy}}, WithPolicy(policy))

	f.durable.Fail("list_expired", errIOTimeout, 2)
	for range 2 {
		_, err := s.Sweep(context.Background())
		require.ErrorIs(t, err, errIOTimeout)
	}
	assert.Equal(t, resilience.StateOpen, policy.Breaker().State())

	// The backend has recovered but the breaker stays open until cooldown.
	_, err := s.Sweep(context.Background())
	assert.ErrorIs(t, err, session.ErrBackendUnavailable)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, session.StatusTerminated, f.load(t, "s1").Status)

	policy.Breaker().Reset()
	report, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(ActionEvict))
	assert.True(t, policy.Breaker().Closed())
}

func TestSweepShardsArePartitioned(t *testing.T) {
	f := newFixture(t)
	const n = 20
	for i := range n {
		f.seed(t, fmt.Sprintf("s%02d", i), session.StatusTerminated, day(40), 1)
	}

	total := 0
	for idx := range 3 {
		s := f.scheduler(t, Config{Policies: []Policy{defaultPolicy}, Shard: Shard{Index: idx, Count: 3}})
		report, err := s.Sweep(context.Background())
		require.NoError(t, err)
		total += report.Count(ActionEvict)
	}
	assert.Equal(t, n, total, "every session is handled by exactly one shard")
}

func TestSweepRespectsCanceledContext(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a", session.StatusTerminated, day(100), 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.scheduler(t, Config{Policies: []Policy{defaultPolicy}}).Sweep(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, session.StatusTerminated, f.load(t, "a").Status)
}

func TestNewValidatesConfig(t *testing.T) {
	f := newFixture(t)
	bad := defaultPolicy
	bad.ArchiveAfterDays = 10

	_, err := New(f.store, f.durable, Config{Policies: []Policy{bad}}, nil)
	assert.Error(t, err)

	_, err = New(f.store, f.durable, Config{Schedule: "every day"}, nil)
	assert.Error(t, err)

	_, err = New(f.store, f.durable, Config{Shard: Shard{Index: 3, Count: 3}}, nil)
	assert.Error(t, err)

	_, err = New(nil, f.durable, Config{}, nil)
	assert.Error(t, err)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	s := f.scheduler(t, Config{Schedule: "@every 1h", Policies: []Policy{defaultPolicy}})

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))
	s.Stop()
	s.Stop()
}
