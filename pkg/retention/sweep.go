package retention

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// ErrSweepInProgress is returned by Sweep while another sweep on the same
// SweepContext is running.
var ErrSweepInProgress = errors.New("retention sweep already in progress")

// Shard assigns sessions to scheduler instances. Instances with the same
// Count and distinct Index values process disjoint sets of sessions.
type Shard struct {
	Index int `yaml:"index"`
	Count int `yaml:"count"`
}

// Validate checks 0 <= Index < Count. A zero Shard owns everything.
func (s Shard) Validate() error {
	if s.Count == 0 && s.Index == 0 {
		return nil
	}
	if s.Count < 0 || s.Index < 0 || s.Index >= s.Count {
		return fmt.Errorf("invalid shard %d/%d", s.Index, s.Count)
	}
	return nil
}

// Owns reports whether sessionID hashes into this shard.
func (s Shard) Owns(sessionID string) bool {
	if s.Count <= 1 {
		return true
	}
	return xxhash.Sum64String(sessionID)%uint64(s.Count) == uint64(s.Index)
}

func (s Shard) String() string {
	if s.Count <= 1 {
		return "all"
	}
	return fmt.Sprintf("%d/%d", s.Index, s.Count)
}

// SweepContext carries scheduler state between sweeps: the shard this
// instance owns, its clock, the in-flight cleanup counter and the time of
// the last successful sweep. Each scheduler instance gets its own.
type SweepContext struct {
	shard Shard
	now   func() time.Time

	running  atomic.Bool
	inFlight atomic.Int64

	mu          sync.Mutex
	lastSuccess time.Time
}

// NewSweepContext creates a context for one scheduler instance. A nil clock
// uses time.Now.
func NewSweepContext(shard Shard, now func() time.Time) *SweepContext {
	if now == nil {
		now = time.Now
	}
	return &SweepContext{shard: shard, now: now}
}

// Shard returns the shard this instance owns.
func (sc *SweepContext) Shard() Shard {
	return sc.shard
}

// Now returns the current time on the context clock.
func (sc *SweepContext) Now() time.Time {
	return sc.now()
}

// InFlight returns the number of cleanup operations currently running.
func (sc *SweepContext) InFlight() int64 {
	return sc.inFlight.Load()
}

// LastSuccess returns the start time of the last sweep that finished
// without a fatal error, or the zero time.
func (sc *SweepContext) LastSuccess() time.Time {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.lastSuccess
}

func (sc *SweepContext) markSuccess(at time.Time) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if at.After(sc.lastSuccess) {
		sc.lastSuccess = at
	}
}

// Action names a retention step in reports and metrics.
type Action string

const (
	ActionEvict            Action = "evict"
	ActionArchive          Action = "archive"
	ActionPurge            Action = "purge"
	ActionEraseCheckpoints Action = "erase_checkpoints"
	ActionIdleExpire       Action = "idle_expire"
	ActionTruncate         Action = "truncate"
	ActionDeleteAudit      Action = "delete_audit"
)

// Failure is one per-session error that did not stop the sweep.
type Failure struct {
	SessionID string
	Policy    string
	Action    Action
	Err       error
}

func (f Failure) Error() string {
	if f.SessionID == "" {
		return fmt.Sprintf("%s %s: %v", f.Policy, f.Action, f.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", f.Policy, f.Action, f.SessionID, f.Err)
}

func (f Failure) Unwrap() error {
	return f.Err
}

// Report summarizes a sweep.
type Report struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Shard      Shard
	// Scanned counts sessions in this shard that were examined.
	Scanned int
	// Skipped counts sessions left alone because they became active or
	// changed concurrently.
	Skipped  int
	Actions  map[Action]int
	Failures []Failure

	mu sync.Mutex
}

func newReport(start time.Time, shard Shard) *Report {
	return &Report{StartedAt: start, Shard: shard, Actions: make(map[Action]int)}
}

// Count returns how many times action was applied.
func (r *Report) Count(action Action) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Actions[action]
}

// Failed returns the number of per-session failures.
func (r *Report) Failed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Failures)
}

// Err joins every per-session failure, or returns nil.
func (r *Report) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	errs := make([]error, len(r.Failures))
	for i, f := range r.Failures {
		errs[i] = f
	}
	return errors.Join(errs...)
}

// String renders a one-line summary, e.g. "scanned=3 archive=1 purge=1 failed=0".
func (r *Report) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	actions := make([]string, 0, len(r.Actions))
	for a := range r.Actions {
		actions = append(actions, string(a))
	}
	sort.Strings(actions)

	var b strings.Builder
	fmt.Fprintf(&b, "scanned=%d", r.Scanned)
	for _, a := range actions {
		fmt.Fprintf(&b, " %s=%d", a, r.Actions[Action(a)])
	}
	fmt.Fprintf(&b, " skipped=%d failed=%d", r.Skipped, len(r.Failures))
	return b.String()
}

func (r *Report) scanned() {
	r.mu.Lock()
	r.Scanned++
	r.mu.Unlock()
}

func (r *Report) skipped() {
	r.mu.Lock()
	r.Skipped++
	r.mu.Unlock()
}

func (r *Report) applied(action Action, n int) {
	r.mu.Lock()
	r.Actions[action] += n
	r.mu.Unlock()
}

func (r *Report) fail(f Failure) {
	r.mu.Lock()
	r.Failures = append(r.Failures, f)
	r.mu.Unlock()
}
