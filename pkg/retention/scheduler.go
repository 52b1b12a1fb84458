package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/aixgo-dev/sessionstore/pkg/audit"
	"github.com/aixgo-dev/sessionstore/pkg/observability"
	"github.com/aixgo-dev/sessionstore/pkg/resilience"
	"github.com/aixgo-dev/sessionstore/pkg/session"
)

// DefaultSchedule runs a sweep every hour.
const DefaultSchedule = "@every 1h"

const (
	defaultConcurrency = 4
	idlePolicy         = "idle_expiry"
	truncatePolicy     = "keep_latest"
)

// Config configures a Scheduler.
type Config struct {
	// Schedule is a cron expression or descriptor (default "@every 1h").
	Schedule string   `yaml:"schedule"`
	Policies []Policy `yaml:"policies"`
	// IdleExpiry terminates suspended sessions idle for longer. Zero disables it.
	IdleExpiry time.Duration `yaml:"idle_expiry"`
	// KeepLatest bounds non-active sessions to their newest N checkpoints.
	// Zero disables truncation.
	KeepLatest int `yaml:"keep_latest"`
	// Concurrency is the maximum number of sessions cleaned up at once.
	Concurrency int `yaml:"concurrency"`
	// RatePerSecond limits cleanup operations. Zero means unlimited.
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
	// PageSize bounds each ListExpired round-trip.
	PageSize int   `yaml:"page_size"`
	Shard    Shard `yaml:"shard"`
}

// Validate checks the scheduler configuration.
func (c Config) Validate() error {
	var errs []error
	if err := ValidatePolicies(c.Policies); err != nil {
		errs = append(errs, err)
	}
	if c.Schedule != "" {
		if _, err := cronParser.Parse(c.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("invalid schedule %q: %w", c.Schedule, err))
		}
	}
	if c.IdleExpiry < 0 {
		errs = append(errs, fmt.Errorf("idle_expiry must not be negative"))
	}
	if c.KeepLatest < 0 {
		errs = append(errs, fmt.Errorf("keep_latest must not be negative"))
	}
	if c.Concurrency < 0 || c.RatePerSecond < 0 || c.Burst < 0 || c.PageSize < 0 {
		errs = append(errs, fmt.Errorf("concurrency, rate_per_second, burst and page_size must not be negative"))
	}
	if err := c.Shard.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithPolicy routes direct durable-tier calls through the resilience policy
// shared with the store.
func WithPolicy(p *resilience.Policy) Option {
	return func(s *Scheduler) {
		s.policy = p
	}
}

// WithAuditSink replaces the default sink, which appends to the durable tier.
func WithAuditSink(sink audit.Sink) Option {
	return func(s *Scheduler) {
		s.audit = sink
	}
}

// Scheduler periodically applies retention policies.
//
// It lists candidates directly from the durable tier and applies every
// mutation through the store, so it uses the same conditional paths as live
// traffic. Active sessions are never listed and every destructive step
// refuses a session that became active in the meantime.
type Scheduler struct {
	store   session.Store
	durable session.DurableTier
	cfg     Config
	sc      *SweepContext
	policy  *resilience.Policy
	audit   audit.Sink
	limiter *rate.Limiter
	logger  *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// New creates a scheduler. store performs every mutation; durable serves
// the expiry listings and audit persistence.
func New(store session.Store, durable session.DurableTier, cfg Config, sc *SweepContext, opts ...Option) (*Scheduler, error) {
	if store == nil || durable == nil {
		return nil, fmt.Errorf("retention: store and durable tier are required")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("retention: %w", err)
	}
	if sc == nil {
		sc = NewSweepContext(cfg.Shard, nil)
	}

	limit := rate.Inf
	burst := cfg.Burst
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
		if burst == 0 {
			burst = cfg.Concurrency
		}
	}

	s := &Scheduler{
		store:   store,
		durable: durable,
		cfg:     cfg,
		sc:      sc,
		limiter: rate.NewLimiter(limit, burst),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.audit == nil {
		s.audit = audit.SinkFunc(durable.AppendAudit)
	}
	return s, nil
}

// Context returns the sweep context.
func (s *Scheduler) Context() *SweepContext {
	return s.sc
}

// Start registers the sweep on the cron schedule. Overlapping runs are
// skipped. ctx bounds every scheduled sweep.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("retention: scheduler already started")
	}

	logger := cronLogger{s.logger}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	_, err := c.AddFunc(s.cfg.Schedule, func() {
		report, err := s.Sweep(ctx)
		switch {
		case errors.Is(err, ErrSweepInProgress):
			s.logger.Info("retention sweep skipped, previous sweep still running")
		case err != nil:
			s.logger.Error("retention sweep failed", "error", err)
		default:
			s.logger.Info("retention sweep finished", "shard", report.Shard.String(), "summary", report.String())
		}
	})
	if err != nil {
		return fmt.Errorf("retention: invalid schedule %q: %w", s.cfg.Schedule, err)
	}

	c.Start()
	s.cron = c
	s.logger.Info("retention scheduler started", "schedule", s.cfg.Schedule, "shard", s.sc.Shard().String())
	return nil
}

// Stop stops the cron ticker and waits for a running sweep to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}

// Sweep runs one retention pass over this instance's shard. Per-session
// failures are collected in the report and do not stop the sweep; the
// returned error is set only when a listing failed.
func (s *Scheduler) Sweep(ctx context.Context) (*Report, error) {
	if !s.sc.running.CompareAndSwap(false, true) {
		return nil, ErrSweepInProgress
	}
	defer s.sc.running.Store(false)

	now := s.sc.Now()
	report := newReport(now, s.sc.Shard())
	start := time.Now()

	var errs []error
	if s.cfg.IdleExpiry > 0 {
		errs = append(errs, s.sweepIdle(ctx, now, report))
	}
	if s.cfg.KeepLatest > 0 {
		errs = append(errs, s.sweepTruncate(ctx, now, report))
	}
	for _, p := range s.cfg.Policies {
		switch p.ResourceType {
		case ResourceSession, ResourceCheckpoint:
			errs = append(errs, s.sweepSessions(ctx, p, now, report))
		case ResourceAuditRecord:
			errs = append(errs, s.sweepAudit(ctx, p, now, report))
		}
	}

	err := errors.Join(errs...)
	report.FinishedAt = s.sc.Now()
	observability.RecordSweep(time.Since(start), err == nil, now)
	if err != nil {
		return report, fmt.Errorf("retention sweep: %w", err)
	}
	s.sc.markSuccess(now)
	return report, nil
}

// sweepIdle terminates suspended sessions idle beyond IdleExpiry.
func (s *Scheduler) sweepIdle(ctx context.Context, now time.Time, report *Report) error {
	q := session.ExpiryQuery{
		Before:   now.Add(-s.cfg.IdleExpiry),
		Statuses: []session.Status{session.StatusSuspended},
		PageSize: s.cfg.PageSize,
	}
	return s.forEach(ctx, q, report, func(ctx context.Context, row session.ExpiredSession) {
		err := s.store.Terminate(ctx, row.ID, row.CurrentVersion, session.StatusSuspended)
		if s.conflicted(err, report, idlePolicy, row.ID) {
			return
		}
		if !s.done(report, idlePolicy, ActionIdleExpire, row.ID, 1, err) {
			return
		}
		reason := fmt.Sprintf("suspended and idle since %s", row.LastActivityAt.UTC().Format(time.RFC3339))
		s.record(ctx, report, row.ID, idlePolicy, audit.ActionIdleExpire, reason, now)
	})
}

// sweepTruncate bounds the checkpoint chain of every non-active session.
func (s *Scheduler) sweepTruncate(ctx context.Context, now time.Time, report *Report) error {
	q := session.ExpiryQuery{Before: now, PageSize: s.cfg.PageSize}
	return s.forEach(ctx, q, report, func(ctx context.Context, row session.ExpiredSession) {
		if row.CheckpointsErased {
			return
		}
		n, err := s.store.Truncate(ctx, row.ID, s.cfg.KeepLatest)
		if !s.done(report, truncatePolicy, ActionTruncate, row.ID, n, err) || n == 0 {
			return
		}
		reason := fmt.Sprintf("removed %d checkpoints, kept newest %d", n, s.cfg.KeepLatest)
		s.record(ctx, report, row.ID, truncatePolicy, audit.ActionTruncate, reason, now)
	})
}

// sweepSessions applies one session or checkpoint policy. A session past
// several thresholds gets every step in order: evict, archive, hard delete.
func (s *Scheduler) sweepSessions(ctx context.Context, p Policy, now time.Time, report *Report) error {
	q := session.ExpiryQuery{
		Before:   now.Add(-days(p.ActiveRetentionDays)),
		PageSize: s.cfg.PageSize,
	}
	return s.forEach(ctx, q, report, func(ctx context.Context, row session.ExpiredSession) {
		s.applyPolicy(ctx, p, row, now, report)
	})
}

func (s *Scheduler) applyPolicy(ctx context.Context, p Policy, row session.ExpiredSession, now time.Time, report *Report) {
	name := p.Label()
	if p.ResourceType == ResourceCheckpoint && row.CheckpointsErased {
		return
	}

	stage := p.stageAt(now.Sub(row.LastActivityAt))
	switch stage {
	case stageNone:
		return
	case stageEvict:
		err := s.store.Evict(ctx, row.ID)
		s.done(report, name, ActionEvict, row.ID, 1, err)
		return
	}

	s.archive(ctx, name, row, now, report)
	if stage < stageHardDelete {
		return
	}

	// A suspended session could still be resumed, so it is terminated
	// through the conditional path before anything is erased.
	if row.Status == session.StatusSuspended {
		err := s.store.Terminate(ctx, row.ID, row.CurrentVersion, session.StatusSuspended)
		if s.conflicted(err, report, name, row.ID) || !s.done(report, name, ActionIdleExpire, row.ID, 1, err) {
			return
		}
	}

	reason := fmt.Sprintf("idle past %d days", p.HardDeleteAfterDays)
	switch p.ResourceType {
	case ResourceSession:
		res, err := s.store.Purge(ctx, row.ID, session.PurgeOptions{Reason: name})
		if s.conflicted(err, report, name, row.ID) || !s.done(report, name, ActionPurge, row.ID, 1, err) {
			return
		}
		if !res.AlreadyPurged {
			s.record(ctx, report, row.ID, name, audit.ActionPurge, reason, now)
		}

	case ResourceCheckpoint:
		err := s.store.EraseCheckpoints(ctx, row.ID)
		if s.done(report, name, ActionEraseCheckpoints, row.ID, 1, err) {
			s.record(ctx, report, row.ID, name, audit.ActionEraseCheckpoints, reason, now)
		}
	}
}

// archive moves the chain to the archive sink. It is skipped without a
// configured sink, and a chain archived by an earlier sweep is not counted
// again.
func (s *Scheduler) archive(ctx context.Context, policy string, row session.ExpiredSession, now time.Time, report *Report) {
	if row.CheckpointsErased {
		return
	}

	location, err := s.store.Archive(ctx, row.ID, now)
	if errors.Is(err, session.ErrNoArchiveSink) || s.conflicted(err, report, policy, row.ID) {
		return
	}
	if err != nil {
		s.done(report, policy, ActionArchive, row.ID, 0, err)
		return
	}
	if location == "" || location == row.ArchiveLocation {
		return
	}
	s.done(report, policy, ActionArchive, row.ID, 1, nil)
	s.record(ctx, report, row.ID, policy, audit.ActionArchive, "archived to "+location, now)
}

// forEach streams q and runs fn for every session in this shard, at most
// Concurrency at a time and no faster than the rate limit.
func (s *Scheduler) forEach(ctx context.Context, q session.ExpiryQuery, report *Report, fn func(context.Context, session.ExpiredSession)) error {
	if s.policy != nil {
		if err := s.policy.Breaker().Allow(); err != nil {
			return fmt.Errorf("list expired sessions: %w: %w", session.ErrBackendUnavailable, err)
		}
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)

	var listErr, iterErr error
	for row, err := range s.durable.ListExpired(ctx, q) {
		if err != nil {
			iterErr = err
			listErr = fmt.Errorf("list expired sessions: %w", err)
			break
		}
		if row.Status == session.StatusActive || !s.sc.Shard().Owns(row.ID) {
			continue
		}
		if err := s.limiter.Wait(ctx); err != nil {
			listErr = err
			break
		}

		report.scanned()
		g.Go(func() error {
			s.sc.inFlight.Add(1)
			defer s.sc.inFlight.Add(-1)
			fn(ctx, row)
			return nil
		})
	}
	_ = g.Wait()
	s.listed(ctx, iterErr)
	return listErr
}

// listed reports the outcome of a listing to the breaker. ListExpired
// streams, so it cannot run under Policy.Do.
func (s *Scheduler) listed(ctx context.Context, err error) {
	if s.policy == nil {
		return
	}
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		s.policy.Breaker().Record(resilience.Ignored)
	case err != nil && (errors.Is(err, context.DeadlineExceeded) || session.IsTransport(err)):
		s.policy.Breaker().Record(resilience.Failure)
	default:
		s.policy.Breaker().Record(resilience.Success)
	}
}

// done records the outcome of a step. It returns false when the step failed.
func (s *Scheduler) done(report *Report, policy string, action Action, sessionID string, n int, err error) bool {
	if err != nil {
		observability.RecordRetentionAction(policy, string(action), "error")
		report.fail(Failure{SessionID: sessionID, Policy: policy, Action: action, Err: err})
		s.logger.Warn("retention step failed", "policy", policy, "action", action, "session_id", sessionID, "error", err)
		return false
	}
	if n > 0 {
		observability.RecordRetentionAction(policy, string(action), "ok")
		report.applied(action, n)
	}
	return true
}

// conflicted reports whether err means the session changed under the
// sweep, typically because it was resumed. Such sessions are skipped.
func (s *Scheduler) conflicted(err error, report *Report, policy, sessionID string) bool {
	if session.Classify(err) != session.ClassConflict {
		return false
	}
	observability.RecordRetentionAction(policy, "skip", "conflict")
	report.skipped()
	s.logger.Info("retention skipped session changed concurrently", "policy", policy, "session_id", sessionID)
	return true
}

// record persists an audit record. A failed write counts as a failure of
// the sweep but does not undo the action.
func (s *Scheduler) record(ctx context.Context, report *Report, sessionID, policy string, action audit.Action, reason string, at time.Time) {
	rec := audit.NewRecord(sessionID, action, policy, reason, at)
	err := s.do(ctx, "append_audit", func(ctx context.Context) error {
		return s.audit.Record(ctx, rec)
	})
	if err != nil {
		report.fail(Failure{SessionID: sessionID, Policy: policy, Action: Action(action), Err: fmt.Errorf("audit: %w", err)})
		s.logger.Error("failed to write retention audit record", "policy", policy, "session_id", sessionID, "action", action, "error", err)
	}
}

// sweepAudit expires audit records past the policy's hard-delete age.
func (s *Scheduler) sweepAudit(ctx context.Context, p Policy, now time.Time, report *Report) error {
	before := now.Add(-days(p.HardDeleteAfterDays))
	var n int
	err := s.do(ctx, "delete_audit_before", func(ctx context.Context) error {
		var err error
		n, err = s.durable.DeleteAuditBefore(ctx, before)
		return err
	})
	s.done(report, p.Label(), ActionDeleteAudit, "", n, err)
	return nil
}

// do runs an idempotent durable call under the shared policy, if any.
func (s *Scheduler) do(ctx context.Context, op string, fn func(context.Context) error) error {
	if s.policy == nil {
		return fn(ctx)
	}
	err := s.policy.Do(ctx, op, true, fn)
	if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, resilience.ErrRetriesExhausted) {
		return fmt.Errorf("%w: %w", session.ErrBackendUnavailable, err)
	}
	return err
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
