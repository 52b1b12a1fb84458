package session_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/aixgo-dev/sessionstore/pkg/audit"
	"github.com/aixgo-dev/sessionstore/pkg/codec"
	"github.com/aixgo-dev/sessionstore/pkg/session"
	"github.com/aixgo-dev/sessionstore/pkg/session/memstore"
)

var errIOTimeout = errors.New("i/o timeout")

type testStack struct {
	cache   *memstore.Cache
	durable *memstore.Durable
	store   *session.HybridStore
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	cache := memstore.NewCache()
	durable := memstore.NewDurable()
	return &testStack{
		cache:   cache,
		durable: durable,
		store:   session.NewHybridStore(cache, durable, session.WithStoreLogger(discardLogger())),
	}
}

func (s *testStack) manager(opts ...session.ManagerOption) session.Manager {
	opts = append([]session.ManagerOption{session.WithLogger(discardLogger())}, opts...)
	return session.NewManager(s.store, opts...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func mustOpen(t *testing.T, mgr session.Manager, id, owner string) *session.Resumed {
	t.Helper()
	res, err := mgr.OpenOrResume(context.Background(), id, owner)
	if err != nil {
		t.Fatalf("OpenOrResume(%s) error = %v", id, err)
	}
	return res
}

func mustCommit(t *testing.T, mgr session.Manager, h *session.Handle, state string) int64 {
	t.Helper()
	v, err := mgr.CommitStep(context.Background(), h, []byte(state))
	if err != nil {
		t.Fatalf("CommitStep(%q) error = %v", state, err)
	}
	return v
}

func TestOpenOrResumeCreatesThenResumes(t *testing.T) {
	stack := newTestStack(t)
	mgr := stack.manager()

	res := mustOpen(t, mgr, "s1", "u1")
	if res.Outcome != session.ResumeCreated {
		t.Errorf("Outcome = %v, want %v", res.Outcome, session.ResumeCreated)
	}
	if res.State != nil || res.Version != 0 {
		t.Errorf("new session State = %q, Version = %d, want nil, 0", res.State, res.Version)
	}

	mustCommit(t, mgr, res.Handle, "turn-1")

	other := stack.manager()
	res = mustOpen(t, other, "s1", "u1")
	if res.Outcome != session.ResumeResumed {
		t.Errorf("Outcome = %v, want %v", res.Outcome, session.ResumeResumed)
	}
	if string(res.State) != "turn-1" || res.Version != 1 {
		t.Errorf("resumed State = %q, Version = %d, want turn-1, 1", res.State, res.Version)
	}
	if res.Handle.OwnerID() != "u1" {
		t.Errorf("OwnerID() = %q, want u1", res.Handle.OwnerID())
	}
}

func TestOpenOrResumeRejectsInvalidIDs(t *testing.T) {
	mgr := newTestStack(t).manager()
	ctx := context.Background()

	for _, id := range []string{"", "..", "a/b", "has space"} {
		if _, err := mgr.OpenOrResume(ctx, id, "u1"); !errors.Is(err, session.ErrInvalidID) {
			t.Errorf("OpenOrResume(%q) error = %v, want ErrInvalidID", id, err)
		}
	}
	if _, err := mgr.OpenOrResume(ctx, "s1", ""); !errors.Is(err, session.ErrInvalidID) {
		t.Errorf("OpenOrResume with empty owner error = %v, want ErrInvalidID", err)
	}
}

func TestEndToEndScenario(t *testing.T) {
	stack := newTestStack(t)
	workerA := stack.manager()
	workerB := stack.manager()
	ctx := context.Background()

	hA := mustOpen(t, workerA, "S1", "U1").Handle
	if v := mustCommit(t, workerA, hA, "turn-1"); v != 1 {
		t.Fatalf("first commit version = %d, want 1", v)
	}
	if v := mustCommit(t, workerA, hA, "turn-2"); v != 2 {
		t.Fatalf("second commit version = %d, want 2", v)
	}

	hB := mustOpen(t, workerB, "S1", "U1").Handle
	if hA.Version() != 2 || hB.Version() != 2 {
		t.Fatalf("handle versions = %d, %d, want 2, 2", hA.Version(), hB.Version())
	}

	var (
		wg        sync.WaitGroup
		versions  [2]int64
		errs      [2]error
		start     = make(chan struct{})
		commitFns = []func() (int64, error){
			func() (int64, error) { return workerA.CommitStep(ctx, hA, []byte("turn-3a")) },
			func() (int64, error) { return workerB.CommitStep(ctx, hB, []byte("turn-3b")) },
		}
	)
	for i, fn := range commitFns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			versions[i], errs[i] = fn()
		}()
	}
	close(start)
	wg.Wait()

	wins, conflicts := 0, 0
	for i := range errs {
		switch {
		case errs[i] == nil:
			wins++
			if versions[i] != 3 {
				t.Errorf("winning version = %d, want 3", versions[i])
			}
		case errors.Is(errs[i], session.ErrSessionConflict):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", errs[i])
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("wins = %d, conflicts = %d, want 1, 1", wins, conflicts)
	}

	if err := workerA.Terminate(ctx, hA); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}
	if _, err := workerA.CommitStep(ctx, hA, []byte("turn-4")); !errors.Is(err, session.ErrSessionClosed) {
		t.Errorf("commit after terminate error = %v, want ErrSessionClosed", err)
	}
	if _, err := workerB.CommitStep(ctx, hB, []byte("turn-4")); !errors.Is(err, session.ErrSessionClosed) {
		t.Errorf("commit from another worker after terminate error = %v, want ErrSessionClosed", err)
	}
	if _, err := workerB.OpenOrResume(ctx, "S1", "U1"); !errors.Is(err, session.ErrSessionClosed) {
		t.Errorf("resume after terminate error = %v, want ErrSessionClosed", err)
	}
}

func TestConcurrentCommitsSingleWinner(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()
	mustOpen(t, stack.manager(), "race", "u1")

	const workers = 8
	handles := make([]*session.Handle, workers)
	managers := make([]session.Manager, workers)
	for i := range handles {
		managers[i] = stack.manager()
		handles[i] = mustOpen(t, managers[i], "race", "u1").Handle
	}

	var wins, conflicts atomic.Int32
	var g errgroup.Group
	for i := range handles {
		g.Go(func() error {
			_, err := managers[i].CommitStep(ctx, handles[i], []byte("step"))
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, session.ErrSessionConflict):
				conflicts.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected commit error: %v", err)
	}

	if wins.Load() != 1 || conflicts.Load() != workers-1 {
		t.Errorf("wins = %d, conflicts = %d, want 1, %d", wins.Load(), conflicts.Load(), workers-1)
	}

	chain, err := stack.durable.ListCheckpoints(ctx, "race")
	if err != nil {
		t.Fatalf("ListCheckpoints() error = %v", err)
	}
	if len(chain) != 1 || chain[0].Version != 1 {
		t.Errorf("chain = %d checkpoints, want exactly version 1", len(chain))
	}
	if err := session.VerifyChain(chain); err != nil {
		t.Errorf("VerifyChain() error = %v", err)
	}
}

// racingStore lets a competitor commit right before every append, so the
// session is always one version ahead of the caller.
type racingStore struct {
	session.Store
	appends atomic.Int32
}

func (r *racingStore) AppendCheckpoint(ctx context.Context, id string, expected int64, state []byte, commitID string) (*session.Checkpoint, error) {
	r.appends.Add(1)
	sess, err := r.Store.LoadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := r.Store.AppendCheckpoint(ctx, id, sess.CurrentVersion, []byte("competitor"), uuid.NewString()); err != nil {
		return nil, err
	}
	return r.Store.AppendCheckpoint(ctx, id, expected, state, commitID)
}

func TestPerpetualConflictRetriesExactlyOnce(t *testing.T) {
	stack := newTestStack(t)
	racing := &racingStore{Store: stack.store}
	mgr := session.NewManager(racing, session.WithLogger(discardLogger()))
	ctx := context.Background()

	h := mustOpen(t, mgr, "hot", "u1").Handle

	rebases := 0
	_, err := mgr.CommitStep(ctx, h, []byte("mine"), session.WithRebase(func(latest []byte) ([]byte, error) {
		rebases++
		return append([]byte("rebased:"), latest...), nil
	}))

	if !errors.Is(err, session.ErrSessionConflict) {
		t.Fatalf("CommitStep() error = %v, want ErrSessionConflict", err)
	}
	if got := racing.appends.Load(); got != 2 {
		t.Errorf("append attempts = %d, want 2", got)
	}
	if rebases != 1 {
		t.Errorf("rebases = %d, want 1", rebases)
	}
	if h.Version() != 2 {
		t.Errorf("handle version = %d, want 2 (the latest committed)", h.Version())
	}
}

func TestConflictWithoutRebaseDoesNotRetry(t *testing.T) {
	stack := newTestStack(t)
	racing := &racingStore{Store: stack.store}
	mgr := session.NewManager(racing, session.WithLogger(discardLogger()))

	h := mustOpen(t, mgr, "hot", "u1").Handle
	_, err := mgr.CommitStep(context.Background(), h, []byte("mine"))
	if !errors.Is(err, session.ErrSessionConflict) {
		t.Fatalf("CommitStep() error = %v, want ErrSessionConflict", err)
	}
	if got := racing.appends.Load(); got != 1 {
		t.Errorf("append attempts = %d, want 1", got)
	}
}

func TestRebaseOntoLatest(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()
	workerA := stack.manager()
	workerB := stack.manager()

	hA := mustOpen(t, workerA, "s1", "u1").Handle
	hB := mustOpen(t, workerB, "s1", "u1").Handle
	mustCommit(t, workerB, hB, "from-b")

	v, err := workerA.CommitStep(ctx, hA, []byte("from-a"), session.WithRebase(func(latest []byte) ([]byte, error) {
		return append(append([]byte{}, latest...), "+a"...), nil
	}))
	if err != nil {
		t.Fatalf("CommitStep() error = %v", err)
	}
	if v != 2 {
		t.Errorf("version = %d, want 2", v)
	}

	latest, err := stack.store.Refresh(ctx, "s1")
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if string(latest.State) != "from-b+a" {
		t.Errorf("latest state = %q, want from-b+a", latest.State)
	}
}

func TestAmbiguousCommitThatLanded(t *testing.T) {
	stack := newTestStack(t)
	mgr := stack.manager()
	h := mustOpen(t, mgr, "s1", "u1").Handle

	stack.durable.FailAfter("put", errIOTimeout, 1)

	v, err := mgr.CommitStep(context.Background(), h, []byte("turn-1"))
	if err != nil {
		t.Fatalf("CommitStep() error = %v", err)
	}
	if v != 1 {
		t.Errorf("version = %d, want 1", v)
	}

	chain, _ := stack.durable.ListCheckpoints(context.Background(), "s1")
	if len(chain) != 1 {
		t.Errorf("chain length = %d, want 1 (no double append)", len(chain))
	}
}

func TestTransportFailureRetriedOnceWhenNotLanded(t *testing.T) {
	stack := newTestStack(t)
	mgr := stack.manager()
	h := mustOpen(t, mgr, "s1", "u1").Handle

	stack.durable.Fail("put", errIOTimeout, 1)

	v, err := mgr.CommitStep(context.Background(), h, []byte("turn-1"))
	if err != nil {
		t.Fatalf("CommitStep() error = %v", err)
	}
	if v != 1 {
		t.Errorf("version = %d, want 1", v)
	}
}

func TestTransportFailureBudgetExhausted(t *testing.T) {
	stack := newTestStack(t)
	mgr := stack.manager()
	h := mustOpen(t, mgr, "s1", "u1").Handle

	stack.durable.Fail("put", errIOTimeout, -1)

	_, err := mgr.CommitStep(context.Background(), h, []byte("turn-1"))
	if !errors.Is(err, session.ErrBackendUnavailable) {
		t.Fatalf("CommitStep() error = %v, want ErrBackendUnavailable", err)
	}
	if h.Version() != 0 {
		t.Errorf("handle version = %d, want 0", h.Version())
	}
}

func TestTransportFailureAfterArchivedResume(t *testing.T) {
	stack, _ := newArchivingStack(t)
	mgr := stack.manager()
	ctx := context.Background()

	h := mustOpen(t, mgr, "s1", "u1").Handle
	mustCommit(t, mgr, h, "turn-1")
	mustCommit(t, mgr, h, "turn-2")
	if err := mgr.Suspend(ctx, h); err != nil {
		t.Fatalf("Suspend() error = %v", err)
	}
	if _, err := stack.store.Archive(ctx, "s1", time.Now()); err != nil {
		t.Fatalf("Archive() error = %v", err)
	}

	res := mustOpen(t, mgr, "s1", "u1")
	if string(res.State) != "turn-2" {
		t.Fatalf("resumed State = %q, want turn-2", res.State)
	}

	stack.durable.Fail("put", errIOTimeout, 1)
	v, err := mgr.CommitStep(ctx, res.Handle, []byte("turn-3"))
	if err != nil {
		t.Fatalf("CommitStep() error = %v", err)
	}
	if v != 3 {
		t.Errorf("version = %d, want 3", v)
	}
}

func TestLateLandingFirstAttemptIsAdopted(t *testing.T) {
	stack := newTestStack(t)
	late := &lateStore{Store: stack.store}
	mgr := session.NewManager(late, session.WithLogger(discardLogger()))
	ctx := context.Background()
	h := mustOpen(t, mgr, "s1", "u1").Handle

	late.arm()
	v, err := mgr.CommitStep(ctx, h, []byte("turn-1"))
	if err != nil {
		t.Fatalf("CommitStep() error = %v", err)
	}
	if v != 1 {
		t.Errorf("version = %d, want 1", v)
	}

	chain, _ := stack.durable.ListCheckpoints(ctx, "s1")
	if len(chain) != 1 || string(chain[0].State) != "turn-1" {
		t.Errorf("durable chain = %d checkpoints, want the single late write", len(chain))
	}
}

// lateStore fails the first append after arm without writing it, then
// lands that write just before the next append, as a request stuck in the
// network would.
type lateStore struct {
	session.Store

	mu      sync.Mutex
	armed   bool
	delayed func()
}

func (l *lateStore) arm() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.armed = true
}

func (l *lateStore) AppendCheckpoint(ctx context.Context, sessionID string, expectedVersion int64, state []byte, commitID string) (*session.Checkpoint, error) {
	l.mu.Lock()
	if l.armed {
		l.armed = false
		l.delayed = func() {
			_, _ = l.Store.AppendCheckpoint(context.Background(), sessionID, expectedVersion, state, commitID)
		}
		l.mu.Unlock()
		return nil, errIOTimeout
	}
	delayed := l.delayed
	l.delayed = nil
	l.mu.Unlock()

	if delayed != nil {
		delayed()
	}
	return l.Store.AppendCheckpoint(ctx, sessionID, expectedVersion, state, commitID)
}

func TestUnacknowledgedWriteIsAdoptedOnRetry(t *testing.T) {
	stack := newTestStack(t)
	mgr := stack.manager()
	ctx := context.Background()
	h := mustOpen(t, mgr, "s1", "u1").Handle

	// The write lands but neither it nor the reconcile read is acknowledged.
	stack.durable.FailAfter("put", errIOTimeout, 1)
	stack.durable.Fail("get_latest", errIOTimeout, 1)

	if _, err := mgr.CommitStep(ctx, h, []byte("turn-1")); !errors.Is(err, session.ErrBackendUnavailable) {
		t.Fatalf("first CommitStep() error = %v, want ErrBackendUnavailable", err)
	}

	v, err := mgr.CommitStep(ctx, h, []byte("turn-1"))
	if err != nil {
		t.Fatalf("repeated CommitStep() error = %v", err)
	}
	if v != 1 {
		t.Errorf("version = %d, want 1 (own write adopted, not duplicated)", v)
	}

	v, err = mgr.CommitStep(ctx, h, []byte("turn-2"))
	if err != nil || v != 2 {
		t.Errorf("next CommitStep() = %d, %v, want 2, nil", v, err)
	}
}

func TestUnacknowledgedWriteRebasedForNewState(t *testing.T) {
	stack := newTestStack(t)
	mgr := stack.manager()
	ctx := context.Background()
	h := mustOpen(t, mgr, "s1", "u1").Handle

	stack.durable.FailAfter("put", errIOTimeout, 1)
	stack.durable.Fail("get_latest", errIOTimeout, 1)
	if _, err := mgr.CommitStep(ctx, h, []byte("turn-1")); !errors.Is(err, session.ErrBackendUnavailable) {
		t.Fatalf("first CommitStep() error = %v, want ErrBackendUnavailable", err)
	}

	v, err := mgr.CommitStep(ctx, h, []byte("turn-2"))
	if err != nil {
		t.Fatalf("CommitStep() error = %v", err)
	}
	if v != 2 {
		t.Errorf("version = %d, want 2 (stacked on the adopted write)", v)
	}
}

func TestSuspendAndResume(t *testing.T) {
	stack := newTestStack(t)
	mgr := stack.manager()
	ctx := context.Background()

	h := mustOpen(t, mgr, "s1", "u1").Handle
	mustCommit(t, mgr, h, "turn-1")

	if err := mgr.Suspend(ctx, h); err != nil {
		t.Fatalf("Suspend() error = %v", err)
	}
	if _, err := mgr.CommitStep(ctx, h, []byte("turn-2")); !errors.Is(err, session.ErrSessionSuspended) {
		t.Errorf("commit on suspended handle error = %v, want ErrSessionSuspended", err)
	}
	meta, err := mgr.SessionMetadata(ctx, "s1")
	if err != nil {
		t.Fatalf("SessionMetadata() error = %v", err)
	}
	if meta.Status != session.StatusSuspended {
		t.Errorf("Status = %v, want suspended", meta.Status)
	}

	res := mustOpen(t, mgr, "s1", "u1")
	if string(res.State) != "turn-1" {
		t.Errorf("resumed State = %q, want turn-1", res.State)
	}
	if v := mustCommit(t, mgr, res.Handle, "turn-2"); v != 2 {
		t.Errorf("version = %d, want 2", v)
	}
	meta, _ = mgr.SessionMetadata(ctx, "s1")
	if meta.Status != session.StatusActive {
		t.Errorf("Status = %v, want active", meta.Status)
	}
}

func TestTerminateIsIdempotent(t *testing.T) {
	stack := newTestStack(t)
	mgr := stack.manager()
	ctx := context.Background()

	h := mustOpen(t, mgr, "s1", "u1").Handle
	mustCommit(t, mgr, h, "turn-1")

	if err := mgr.TerminateSession(ctx, "s1"); err != nil {
		t.Fatalf("TerminateSession() error = %v", err)
	}
	if err := mgr.Terminate(ctx, h); err != nil {
		t.Fatalf("second Terminate() error = %v", err)
	}
	if !h.Closed() {
		t.Error("handle should be closed")
	}
	if stack.cache.Has("s1") {
		t.Error("terminated session should be evicted from the cache")
	}
	if _, err := mgr.Commit(ctx, "s1", []byte("x")); !errors.Is(err, session.ErrSessionClosed) {
		t.Errorf("Commit() after terminate error = %v, want ErrSessionClosed", err)
	}
}

func TestResumeRepairsStaleCache(t *testing.T) {
	stack := newTestStack(t)
	mgr := stack.manager()
	ctx := context.Background()

	h := mustOpen(t, mgr, "s1", "u1").Handle
	mustCommit(t, mgr, h, "turn-1")
	mustCommit(t, mgr, h, "turn-2")

	stale := &session.Checkpoint{SessionID: "s1", Version: 1, ParentVersion: 0, State: []byte("turn-1")}
	if err := stack.cache.Put(ctx, stale); err != nil {
		t.Fatalf("cache Put() error = %v", err)
	}

	res := mustOpen(t, stack.manager(), "s1", "u1")
	if string(res.State) != "turn-2" || res.Version != 2 {
		t.Errorf("resumed = %q at %d, want turn-2 at 2", res.State, res.Version)
	}

	cached, err := stack.cache.GetLatest(ctx, "s1")
	if err != nil || cached.Version != 2 {
		t.Errorf("cache after resume = %v, %v, want version 2", cached, err)
	}
}

func TestResumeDetectsCorruption(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()

	broken := &session.Session{ID: "broken", OwnerID: "u1", Status: session.StatusActive, CurrentVersion: 3}
	if err := stack.durable.CreateSession(ctx, broken); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	_, err := stack.manager().OpenOrResume(ctx, "broken", "u1")
	if !errors.Is(err, session.ErrCorruption) {
		t.Errorf("OpenOrResume() error = %v, want ErrCorruption", err)
	}
}

func TestPurgeForOwner(t *testing.T) {
	stack := newTestStack(t)
	sink := audit.NewMemorySink()
	mgr := stack.manager(session.WithAuditSink(sink))
	ctx := context.Background()

	for _, id := range []string{"a1", "a2"} {
		h := mustOpen(t, mgr, id, "owner-a").Handle
		mustCommit(t, mgr, h, "state of "+id)
	}
	mustOpen(t, mgr, "b1", "owner-b")

	n, err := mgr.PurgeForOwner(ctx, "owner-a")
	if err != nil {
		t.Fatalf("PurgeForOwner() error = %v", err)
	}
	if n != 2 {
		t.Errorf("purged = %d, want 2", n)
	}

	for _, id := range []string{"a1", "a2"} {
		if _, err := mgr.SessionMetadata(ctx, id); !errors.Is(err, session.ErrSessionPurged) {
			t.Errorf("SessionMetadata(%s) error = %v, want ErrSessionPurged", id, err)
		}
		if _, err := mgr.OpenOrResume(ctx, id, "owner-a"); !errors.Is(err, session.ErrSessionPurged) {
			t.Errorf("OpenOrResume(%s) error = %v, want ErrSessionPurged", id, err)
		}
		if stack.cache.Has(id) {
			t.Errorf("%s still cached after purge", id)
		}
	}
	if _, err := mgr.SessionMetadata(ctx, "b1"); err != nil {
		t.Errorf("other owner's session affected: %v", err)
	}

	recs := sink.Records()
	if len(recs) != 2 {
		t.Fatalf("audit records = %d, want 2", len(recs))
	}
	for _, rec := range recs {
		if rec.Action != audit.ActionPurge || rec.Policy != "owner_erasure" {
			t.Errorf("audit record = %+v", rec)
		}
	}

	n, err = mgr.PurgeForOwner(ctx, "owner-a")
	if err != nil || n != 0 {
		t.Errorf("second PurgeForOwner() = %d, %v, want 0, nil", n, err)
	}
}

func TestHistoryAndMetadata(t *testing.T) {
	stack := newTestStack(t)
	created := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	mgr := stack.manager(session.WithClock(func() time.Time { return created }))
	ctx := context.Background()

	h := mustOpen(t, mgr, "s1", "u1").Handle
	for _, s := range []string{"a", "bb", "ccc"} {
		mustCommit(t, mgr, h, s)
	}

	history, err := mgr.History(ctx, "s1")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("History() length = %d, want 3", len(history))
	}
	for i, info := range history {
		if info.Version != int64(i+1) || info.ParentVersion != int64(i) || info.Size != i+1 {
			t.Errorf("history[%d] = %+v", i, info)
		}
	}

	meta, err := mgr.SessionMetadata(ctx, "s1")
	if err != nil {
		t.Fatalf("SessionMetadata() error = %v", err)
	}
	if meta.OwnerID != "u1" || !meta.CreatedAt.Equal(created) {
		t.Errorf("metadata = %+v", meta)
	}
}

func TestCommitStateRoundTrip(t *testing.T) {
	stack := newTestStack(t)
	mgr := stack.manager()
	ctx := context.Background()

	h := mustOpen(t, mgr, "s1", "u1").Handle
	state := &codec.State{
		Messages: []codec.Message{{ID: "m1", Role: "user", Content: "hello"}},
		Position: "tool_call",
	}
	if _, err := mgr.CommitState(ctx, h, state); err != nil {
		t.Fatalf("CommitState() error = %v", err)
	}

	res := mustOpen(t, stack.manager(), "s1", "u1")
	got, err := res.DecodeState()
	if err != nil {
		t.Fatalf("DecodeState() error = %v", err)
	}
	if got.Position != "tool_call" || len(got.Messages) != 1 || got.Messages[0].Content != "hello" {
		t.Errorf("decoded state = %+v", got)
	}
}

func TestCommitByIDWithoutOpen(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()
	mustCommit(t, stack.manager(), mustOpen(t, stack.manager(), "s1", "u1").Handle, "turn-1")

	mgr := stack.manager()
	v, err := mgr.Commit(ctx, "s1", []byte("turn-2"))
	if err != nil || v != 2 {
		t.Errorf("Commit() = %d, %v, want 2, nil", v, err)
	}
	if _, err := mgr.Commit(ctx, "unknown", []byte("x")); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Commit(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestCommitContext(t *testing.T) {
	stack := newTestStack(t)
	mgr := stack.manager()
	h := mustOpen(t, mgr, "s1", "u1").Handle

	if _, err := mgr.CommitContext(context.Background(), []byte("x")); !errors.Is(err, session.ErrNoHandle) {
		t.Fatalf("CommitContext() without handle error = %v, want ErrNoHandle", err)
	}

	ctx := session.WithHandle(context.Background(), h)
	v, err := mgr.CommitContext(ctx, []byte("turn-1"))
	if err != nil || v != 1 {
		t.Fatalf("CommitContext() = %d, %v, want 1, nil", v, err)
	}
	if h.Version() != 1 {
		t.Errorf("handle version = %d, want 1", h.Version())
	}
}

func TestCommitByIDUsesHandleFromContext(t *testing.T) {
	stack := newTestStack(t)
	h := mustOpen(t, stack.manager(), "s1", "u1").Handle

	// A second manager has nothing cached; the handle in ctx must win over
	// loading a fresh one, or h would fall behind and conflict later.
	other := stack.manager()
	ctx := session.WithHandle(context.Background(), h)
	if _, err := other.Commit(ctx, "s1", []byte("turn-1")); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if h.Version() != 1 {
		t.Fatalf("handle version = %d, want 1", h.Version())
	}
	if v := mustCommit(t, stack.manager(), h, "turn-2"); v != 2 {
		t.Errorf("CommitStep() = %d, want 2", v)
	}

	// A handle for another session is ignored.
	if _, err := other.Commit(ctx, "s2", []byte("x")); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Commit(s2) error = %v, want ErrNotFound", err)
	}
}
