package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/aixgo-dev/sessionstore/internal/tracing"
	"github.com/aixgo-dev/sessionstore/pkg/audit"
	"github.com/aixgo-dev/sessionstore/pkg/codec"
	"github.com/aixgo-dev/sessionstore/pkg/observability"
)

// Manager manages session lifecycle and is the only writer of checkpoints.
// Manager is safe for concurrent use.
type Manager interface {
	// OpenOrResume creates the session if absent, or returns its latest
	// state. Suspended sessions are reactivated. Returns ErrSessionClosed
	// for terminated sessions and ErrSessionPurged for purged ones.
	OpenOrResume(ctx context.Context, sessionID, ownerID string) (*Resumed, error)

	// CommitStep appends state as the next checkpoint after the handle's
	// version and returns the committed version.
	CommitStep(ctx context.Context, h *Handle, state []byte, opts ...CommitOption) (int64, error)

	// CommitState encodes state with the checkpoint codec and commits it.
	CommitState(ctx context.Context, h *Handle, state *codec.State, opts ...CommitOption) (int64, error)

	// Commit is CommitStep by session ID. The session must have been opened
	// by this manager or exist in the store.
	Commit(ctx context.Context, sessionID string, state []byte, opts ...CommitOption) (int64, error)

	// CommitContext is CommitStep on the handle carried by ctx (see
	// WithHandle). It returns ErrNoHandle when there is none.
	CommitContext(ctx context.Context, state []byte, opts ...CommitOption) (int64, error)

	// Suspend parks the session. The handle stops accepting commits until
	// the session is resumed.
	Suspend(ctx context.Context, h *Handle) error

	// Terminate closes the session for good. Idempotent.
	Terminate(ctx context.Context, h *Handle) error

	// TerminateSession is Terminate by session ID.
	TerminateSession(ctx context.Context, sessionID string) error

	// SessionMetadata returns owner, status and timestamps, never state.
	SessionMetadata(ctx context.Context, sessionID string) (*Metadata, error)

	// History lists the stored checkpoints without their state.
	History(ctx context.Context, sessionID string) ([]CheckpointInfo, error)

	// PurgeForOwner irreversibly erases every session of an owner,
	// regardless of age or status, and returns how many were purged.
	PurgeForOwner(ctx context.Context, ownerID string) (int, error)

	// Close forgets every cached handle.
	Close() error
}

// CommitOption configures a single commit.
type CommitOption func(*commitOptions)

type commitOptions struct {
	rebase func(latest []byte) ([]byte, error)
}

// WithRebase lets a conflicting commit rebuild its state on top of the
// latest committed state and retry once. Without it a conflict is returned
// as ErrSessionConflict.
func WithRebase(fn func(latest []byte) ([]byte, error)) CommitOption {
	return func(o *commitOptions) {
		o.rebase = fn
	}
}

// ManagerOption configures a Manager.
type ManagerOption func(*managerImpl)

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *managerImpl) {
		m.logger = logger
	}
}

// WithClock overrides the clock used for new sessions and audit records.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *managerImpl) {
		m.now = now
	}
}

// WithAuditSink records owner purges.
func WithAuditSink(sink audit.Sink) ManagerOption {
	return func(m *managerImpl) {
		m.audit = sink
	}
}

// WithCodec sets the codec used by CommitState.
func WithCodec(c *codec.Codec) ManagerOption {
	return func(m *managerImpl) {
		m.codec = c
	}
}

// WithReconcileTimeout bounds the re-read after an ambiguous commit.
func WithReconcileTimeout(d time.Duration) ManagerOption {
	return func(m *managerImpl) {
		m.reconcileTimeout = d
	}
}

// managerImpl is the concrete implementation of Manager.
type managerImpl struct {
	store            Store
	logger           *slog.Logger
	now              func() time.Time
	audit            audit.Sink
	codec            *codec.Codec
	reconcileTimeout time.Duration

	// handles caches one handle per session; the lock is never held
	// across a store call.
	handles map[string]*Handle
	mu      sync.RWMutex
}

// NewManager creates a session manager over store.
func NewManager(store Store, opts ...ManagerOption) Manager {
	m := &managerImpl{
		store:            store,
		logger:           slog.Default(),
		now:              time.Now,
		codec:            codec.New(codec.EncodingCBOR),
		reconcileTimeout: 5 * time.Second,
		handles:          make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OpenOrResume creates or resumes a session.
func (m *managerImpl) OpenOrResume(ctx context.Context, sessionID, ownerID string) (res *Resumed, err error) {
	ctx, span := tracing.StartSpan(ctx, "session.open_or_resume", attribute.String("session.id", sessionID))
	defer func() { tracing.End(span, err) }()

	if err := ValidateID(sessionID); err != nil {
		return nil, err
	}
	if ownerID == "" {
		return nil, fmt.Errorf("%w: empty owner", ErrInvalidID)
	}

	res, err = m.openOrResume(ctx, sessionID, ownerID, true)
	if err != nil {
		observability.RecordSessionOpened(Classify(err).String())
		return nil, err
	}
	observability.RecordSessionOpened(string(res.Outcome))
	span.SetAttributes(attribute.String("session.outcome", string(res.Outcome)), attribute.Int64("session.version", res.Version))
	return res, nil
}

func (m *managerImpl) openOrResume(ctx context.Context, sessionID, ownerID string, canRetry bool) (*Resumed, error) {
	sess, err := m.store.LoadSession(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		now := m.now().UTC()
		sess = &Session{
			ID:             sessionID,
			OwnerID:        ownerID,
			Status:         StatusActive,
			CreatedAt:      now,
			LastActivityAt: now,
		}
		err = m.store.CreateSession(ctx, sess)
		switch {
		case err == nil:
			m.logger.Info("session created", "session_id", sessionID)
			return &Resumed{
				Handle:  m.cacheHandle(sessionID, ownerID, 0),
				Outcome: ResumeCreated,
			}, nil
		case errors.Is(err, ErrSessionExists) && canRetry:
			// Another worker created it first.
			return m.openOrResume(ctx, sessionID, ownerID, false)
		default:
			return nil, fmt.Errorf("create session %s: %w", sessionID, err)
		}
	}
	if err != nil {
		return nil, err
	}

	if sess.Status == StatusTerminated {
		m.closeHandle(sessionID)
		return nil, fmt.Errorf("%w: %s", ErrSessionClosed, sessionID)
	}

	cp, sess, err := m.latest(ctx, sess)
	if err != nil {
		return nil, err
	}

	if sess.Status == StatusSuspended {
		err := m.store.SetStatus(ctx, sessionID, sess.CurrentVersion, StatusSuspended, StatusActive)
		if errors.Is(err, ErrConcurrentWrite) {
			if !canRetry {
				return nil, fmt.Errorf("%w: reactivating %s", ErrSessionConflict, sessionID)
			}
			return m.openOrResume(ctx, sessionID, ownerID, false)
		}
		if err != nil {
			return nil, fmt.Errorf("reactivate session %s: %w", sessionID, err)
		}
		m.logger.Info("session reactivated", "session_id", sessionID, "version", sess.CurrentVersion)
	}

	res := &Resumed{
		Handle:  m.cacheHandle(sessionID, sess.OwnerID, sess.CurrentVersion),
		Outcome: ResumeResumed,
		Version: sess.CurrentVersion,
	}
	if cp != nil {
		res.State = cp.State
	}
	return res, nil
}

// latest returns the checkpoint matching the session's current version.
// A stale cache entry is repaired from the durable tier; an archived chain
// is read back from the archive. A mismatch that survives one reload of the
// session record is corruption.
func (m *managerImpl) latest(ctx context.Context, sess *Session) (*Checkpoint, *Session, error) {
	for attempt := 0; ; attempt++ {
		cp, err := m.latestCheckpoint(ctx, sess)
		if err != nil {
			return nil, nil, err
		}
		if cp == nil || cp.Version == sess.CurrentVersion {
			return cp, sess, nil
		}
		if attempt > 0 {
			observability.RecordCorruption()
			return nil, nil, fmt.Errorf("%w: session %s is at version %d but its latest checkpoint is %d",
				ErrCorruption, sess.ID, sess.CurrentVersion, cp.Version)
		}
		// A commit may have landed between the two reads.
		if sess, err = m.store.LoadSession(ctx, sess.ID); err != nil {
			return nil, nil, err
		}
		if sess.Status == StatusTerminated {
			return nil, nil, fmt.Errorf("%w: %s", ErrSessionClosed, sess.ID)
		}
	}
}

func (m *managerImpl) latestCheckpoint(ctx context.Context, sess *Session) (*Checkpoint, error) {
	if sess.CurrentVersion == 0 {
		return nil, nil
	}
	if sess.CheckpointsErased {
		return nil, fmt.Errorf("%w: checkpoints of %s were erased", ErrSessionPurged, sess.ID)
	}

	cp, err := m.store.GetLatest(ctx, sess.ID)
	if err == nil && cp.Version != sess.CurrentVersion {
		m.logger.Debug("cached checkpoint is stale, refreshing", "session_id", sess.ID, "cached", cp.Version, "current", sess.CurrentVersion)
		cp, err = m.store.Refresh(ctx, sess.ID)
	}
	if errors.Is(err, ErrNotFound) && sess.ArchiveLocation != "" {
		return m.archivedLatest(ctx, sess)
	}
	if errors.Is(err, ErrNotFound) {
		observability.RecordCorruption()
		return nil, fmt.Errorf("%w: session %s is at version %d but has no checkpoint", ErrCorruption, sess.ID, sess.CurrentVersion)
	}
	return cp, err
}

// archivedLatest returns the newest checkpoint of an archived chain.
func (m *managerImpl) archivedLatest(ctx context.Context, sess *Session) (*Checkpoint, error) {
	chain, err := m.store.LoadArchived(ctx, sess.ArchiveLocation)
	if err != nil {
		return nil, fmt.Errorf("load archive of %s: %w", sess.ID, err)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: archive of %s is empty", ErrCorruption, sess.ID)
	}
	return chain[len(chain)-1], nil
}

// CommitStep commits state after the handle's version.
func (m *managerImpl) CommitStep(ctx context.Context, h *Handle, state []byte, opts ...CommitOption) (version int64, err error) {
	if h == nil {
		return 0, errors.New("commit: nil handle")
	}

	ctx, span := tracing.StartSpan(ctx, "session.commit_step",
		attribute.String("session.id", h.id),
		attribute.Int64("session.expected_version", h.Version()))
	defer func() {
		observability.RecordCommit(commitResult(err))
		tracing.End(span, err)
	}()

	switch handleState(h.state.Load()) {
	case handleClosed:
		return 0, fmt.Errorf("%w: %s", ErrSessionClosed, h.id)
	case handleSuspended:
		return 0, fmt.Errorf("%w: %s", ErrSessionSuspended, h.id)
	}

	var o commitOptions
	for _, opt := range opts {
		opt(&o)
	}

	version, err = m.commit(ctx, h, state, o)
	if err == nil {
		span.SetAttributes(attribute.Int64("session.version", version))
	}
	return version, err
}

// commit runs the write with at most one explicit retry. The retry is
// spent either on a conflict (own write adopted or rebase) or on a
// transport failure that provably did not land.
func (m *managerImpl) commit(ctx context.Context, h *Handle, state []byte, o commitOptions) (int64, error) {
	expected := h.Version()
	retried := false

	for {
		commitID := uuid.NewString()
		cp, err := m.store.AppendCheckpoint(ctx, h.id, expected, state, commitID)
		if err == nil {
			h.advance(cp.Version)
			h.forget("")
			return cp.Version, nil
		}

		switch {
		case errors.Is(err, ErrConcurrentWrite):
			latest, next, done, cerr := m.resolveConflict(ctx, h, state, o, retried)
			if cerr != nil || done {
				return latest, cerr
			}
			expected, state = latest, next

		case errors.Is(err, ErrSessionPurged):
			h.setState(handleClosed)
			return 0, err

		case IsTransport(err):
			// The outcome is unknown until the durable tier says otherwise.
			landed, latest, rerr := m.reconcile(ctx, h.id, commitID)
			if rerr == nil && landed != nil {
				m.logger.Info("ambiguous commit landed", "session_id", h.id, "version", landed.Version)
				h.advance(landed.Version)
				h.forget("")
				return landed.Version, nil
			}
			canRetry := rerr == nil && ctx.Err() == nil
			if canRetry && latest == expected && !retried {
				observability.RecordCommitRetry("transport")
				m.logger.Warn("commit failed before landing, retrying once", "session_id", h.id, "error", err)
				// The first attempt may still land; the retry's conflict
				// handling then adopts it.
				h.remember(&pendingWrite{commitID: commitID, version: expected + 1, state: state})
				retried = true
				continue
			}
			if canRetry && latest != expected {
				// Someone else advanced the session; our write cannot land.
				latestVersion, next, done, cerr := m.resolveConflict(ctx, h, state, o, retried)
				if cerr != nil || done {
					return latestVersion, cerr
				}
				expected, state = latestVersion, next
				retried = true
				continue
			}
			h.remember(&pendingWrite{commitID: commitID, version: expected + 1, state: state})
			if errors.Is(err, ErrBackendUnavailable) {
				return 0, err
			}
			return 0, fmt.Errorf("%w: commit to %s: %w", ErrBackendUnavailable, h.id, err)

		default:
			return 0, err
		}
		retried = true
	}
}

// resolveConflict re-reads the durable state after a conflict. It returns
// done with the adopted version when the conflicting checkpoint is this
// handle's own unacknowledged write of the same state, or the expected
// version and state for the single retry.
func (m *managerImpl) resolveConflict(ctx context.Context, h *Handle, state []byte, o commitOptions, retried bool) (int64, []byte, bool, error) {
	sess, err := m.store.LoadSession(ctx, h.id)
	if err != nil {
		if errors.Is(err, ErrSessionPurged) {
			h.setState(handleClosed)
		}
		return 0, nil, false, err
	}
	if sess.Status == StatusTerminated {
		h.setState(handleClosed)
		return 0, nil, false, fmt.Errorf("%w: %s", ErrSessionClosed, h.id)
	}

	latest, err := m.store.Refresh(ctx, h.id)
	if errors.Is(err, ErrNotFound) && sess.ArchiveLocation != "" {
		latest, err = m.archivedLatest(ctx, sess)
	}
	if err != nil {
		return 0, nil, false, fmt.Errorf("re-read %s after conflict: %w", h.id, err)
	}
	h.advance(latest.Version)

	if p, ok := h.ownWrite(latest); ok {
		h.forget(p.commitID)
		if p.samePayload(state) {
			m.logger.Info("adopted own unacknowledged commit", "session_id", h.id, "version", latest.Version)
			return latest.Version, nil, true, nil
		}
		if !retried {
			observability.RecordCommitRetry("own_write")
			return latest.Version, state, false, nil
		}
	}

	if retried || o.rebase == nil {
		return 0, nil, false, fmt.Errorf("%w: %s advanced to version %d", ErrSessionConflict, h.id, latest.Version)
	}

	next, err := o.rebase(latest.State)
	if err != nil {
		return 0, nil, false, fmt.Errorf("rebase %s onto version %d: %w", h.id, latest.Version, err)
	}
	observability.RecordCommitRetry("rebase")
	return latest.Version, next, false, nil
}

// reconcile re-reads the durable tier after an ambiguous failure, on a
// context detached from the caller's cancellation. It returns the landed
// checkpoint if commitID is the latest one, and the latest version.
func (m *managerImpl) reconcile(ctx context.Context, sessionID, commitID string) (*Checkpoint, int64, error) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.reconcileTimeout)
	defer cancel()

	latest, err := m.store.Refresh(rctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		// No durable checkpoint, so nothing landed. After archival the
		// record still holds the latest version.
		sess, serr := m.store.LoadSession(rctx, sessionID)
		if serr != nil {
			m.logger.Warn("reconcile read failed", "session_id", sessionID, "error", serr)
			return nil, 0, serr
		}
		return nil, sess.CurrentVersion, nil
	}
	if err != nil {
		m.logger.Warn("reconcile read failed", "session_id", sessionID, "error", err)
		return nil, 0, err
	}
	if latest.CommitID == commitID {
		return latest, latest.Version, nil
	}
	return nil, latest.Version, nil
}

// CommitState encodes and commits a structured state.
func (m *managerImpl) CommitState(ctx context.Context, h *Handle, state *codec.State, opts ...CommitOption) (int64, error) {
	data, err := m.codec.Encode(state)
	if err != nil {
		return 0, fmt.Errorf("encode state: %w", err)
	}
	return m.CommitStep(ctx, h, data, opts...)
}

// Commit commits by session ID.
func (m *managerImpl) Commit(ctx context.Context, sessionID string, state []byte, opts ...CommitOption) (int64, error) {
	h, err := m.handleFor(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	return m.CommitStep(ctx, h, state, opts...)
}

// handleFor returns the cached handle or builds one from the store
// without creating the session.
// CommitContext commits through the handle carried by ctx.
func (m *managerImpl) CommitContext(ctx context.Context, state []byte, opts ...CommitOption) (int64, error) {
	h, ok := HandleFrom(ctx)
	if !ok {
		return 0, ErrNoHandle
	}
	return m.CommitStep(ctx, h, state, opts...)
}

// handleFor prefers the caller's own handle from ctx, then the cached one.
func (m *managerImpl) handleFor(ctx context.Context, sessionID string) (*Handle, error) {
	if err := ValidateID(sessionID); err != nil {
		return nil, err
	}
	if h, ok := HandleFrom(ctx); ok && h.id == sessionID {
		return h, nil
	}

	m.mu.RLock()
	h, ok := m.handles[sessionID]
	m.mu.RUnlock()
	if ok {
		return h, nil
	}

	sess, err := m.store.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	switch sess.Status {
	case StatusTerminated:
		return nil, fmt.Errorf("%w: %s", ErrSessionClosed, sessionID)
	case StatusSuspended:
		return nil, fmt.Errorf("%w: %s must be resumed first", ErrSessionSuspended, sessionID)
	}
	return m.cacheHandle(sessionID, sess.OwnerID, sess.CurrentVersion), nil
}

// Suspend parks the session.
func (m *managerImpl) Suspend(ctx context.Context, h *Handle) (err error) {
	ctx, span := tracing.StartSpan(ctx, "session.suspend", attribute.String("session.id", h.id))
	defer func() { tracing.End(span, err) }()

	sess, err := m.store.LoadSession(ctx, h.id)
	if err != nil {
		return err
	}
	switch sess.Status {
	case StatusTerminated:
		h.setState(handleClosed)
		return fmt.Errorf("%w: %s", ErrSessionClosed, h.id)
	case StatusSuspended:
		h.setState(handleSuspended)
		m.dropHandle(h.id)
		return nil
	}

	err = m.store.SetStatus(ctx, h.id, sess.CurrentVersion, StatusActive, StatusSuspended)
	if errors.Is(err, ErrConcurrentWrite) {
		return fmt.Errorf("%w: suspending %s", ErrSessionConflict, h.id)
	}
	if err != nil {
		return err
	}

	h.setState(handleSuspended)
	m.dropHandle(h.id)
	m.logger.Info("session suspended", "session_id", h.id, "version", sess.CurrentVersion)
	return nil
}

// Terminate closes the session.
func (m *managerImpl) Terminate(ctx context.Context, h *Handle) error {
	if h == nil {
		return errors.New("terminate: nil handle")
	}
	if err := m.terminate(ctx, h.id); err != nil {
		return err
	}
	h.setState(handleClosed)
	return nil
}

// TerminateSession closes the session by ID.
func (m *managerImpl) TerminateSession(ctx context.Context, sessionID string) error {
	if err := ValidateID(sessionID); err != nil {
		return err
	}
	return m.terminate(ctx, sessionID)
}

// terminate flips the status conditionally. A commit racing the
// termination moves the version, so the status change is retried once on
// the new version.
func (m *managerImpl) terminate(ctx context.Context, sessionID string) (err error) {
	ctx, span := tracing.StartSpan(ctx, "session.terminate", attribute.String("session.id", sessionID))
	defer func() { tracing.End(span, err) }()

	for attempt := 0; attempt < 2; attempt++ {
		sess, err := m.store.LoadSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.Status == StatusTerminated {
			m.closeHandle(sessionID)
			return nil
		}

		err = m.store.Terminate(ctx, sessionID, sess.CurrentVersion, sess.Status)
		if err == nil {
			m.closeHandle(sessionID)
			m.logger.Info("session terminated", "session_id", sessionID, "version", sess.CurrentVersion)
			return nil
		}
		if !errors.Is(err, ErrConcurrentWrite) {
			return err
		}
	}
	return fmt.Errorf("%w: terminating %s", ErrSessionConflict, sessionID)
}

// SessionMetadata returns the administrative view.
func (m *managerImpl) SessionMetadata(ctx context.Context, sessionID string) (*Metadata, error) {
	if err := ValidateID(sessionID); err != nil {
		return nil, err
	}
	sess, err := m.store.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return sess.Metadata(), nil
}

// History lists checkpoint metadata. Archived and erased chains report
// only what the durable tier still holds.
func (m *managerImpl) History(ctx context.Context, sessionID string) ([]CheckpointInfo, error) {
	if err := ValidateID(sessionID); err != nil {
		return nil, err
	}
	chain, err := m.store.ListCheckpoints(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := VerifyChain(chain); err != nil {
		observability.RecordCorruption()
		return nil, err
	}
	out := make([]CheckpointInfo, len(chain))
	for i, cp := range chain {
		out[i] = cp.Info()
	}
	return out, nil
}

// PurgeForOwner erases every session of ownerID through the same purge
// path retention uses, without an age cutoff. Every session is attempted;
// failures are joined.
func (m *managerImpl) PurgeForOwner(ctx context.Context, ownerID string) (purged int, err error) {
	ctx, span := tracing.StartSpan(ctx, "session.purge_for_owner")
	defer func() {
		span.SetAttributes(attribute.Int("session.purged", purged))
		tracing.End(span, err)
	}()

	if ownerID == "" {
		return 0, fmt.Errorf("%w: empty owner", ErrInvalidID)
	}

	ids, err := m.store.ListByOwner(ctx, ownerID)
	if err != nil {
		return 0, fmt.Errorf("list sessions for owner: %w", err)
	}

	var errs []error
	for _, id := range ids {
		res, err := m.store.Purge(ctx, id, PurgeOptions{Reason: "owner_erasure", AllowActive: true})
		if err != nil {
			errs = append(errs, fmt.Errorf("purge %s: %w", id, err))
			continue
		}
		m.closeHandle(id)
		if res.AlreadyPurged {
			continue
		}
		purged++

		if m.audit != nil {
			rec := audit.NewRecord(id, audit.ActionPurge, "owner_erasure", "erasure requested by owner", m.now().UTC())
			if err := m.audit.Record(ctx, rec); err != nil {
				errs = append(errs, fmt.Errorf("audit purge of %s: %w", id, err))
			}
		}
	}

	m.logger.Info("owner sessions purged", "sessions", len(ids), "purged", purged, "failed", len(errs))
	return purged, errors.Join(errs...)
}

// Close forgets every cached handle. Handles already handed out keep
// working against the store.
func (m *managerImpl) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handles = make(map[string]*Handle)
	return nil
}

// cacheHandle returns the cached handle for sessionID moved to version,
// creating it if needed.
func (m *managerImpl) cacheHandle(sessionID, ownerID string, version int64) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.handles[sessionID]; ok && !h.Closed() {
		h.advance(version)
		h.state.Store(int32(handleOpen))
		return h
	}
	h := newHandle(sessionID, ownerID, version)
	m.handles[sessionID] = h
	return h
}

func (m *managerImpl) closeHandle(sessionID string) {
	m.mu.Lock()
	h, ok := m.handles[sessionID]
	delete(m.handles, sessionID)
	m.mu.Unlock()
	if ok {
		h.setState(handleClosed)
	}
}

func (m *managerImpl) dropHandle(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handles, sessionID)
}

func commitResult(err error) string {
	switch {
	case err == nil:
		return "committed"
	case errors.Is(err, ErrSessionConflict):
		return "conflict"
	case errors.Is(err, ErrSessionClosed), errors.Is(err, ErrSessionPurged), errors.Is(err, ErrSessionSuspended):
		return "closed"
	case errors.Is(err, ErrBackendUnavailable):
		return "unavailable"
	case errors.Is(err, ErrCorruption):
		return "corruption"
	default:
		return "error"
	}
}
