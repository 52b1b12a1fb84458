// Package memstore provides in-memory cache and durable tiers. They back
// tests and single-process deployments, and can inject failures per
// operation.
package memstore

import (
	"sync"
)

// AnyOp matches every operation in Fail and FailAfter.
const AnyOp = "*"

type fault struct {
	err   error
	after bool
	// remaining is the number of calls left to fail; negative means forever.
	remaining int
}

// Faults injects errors into named operations ("put", "get_latest", ...).
// The zero value injects nothing.
type Faults struct {
	mu     sync.Mutex
	faults map[string]*fault
}

// Fail makes the next times calls of op fail with err before touching any
// data. times < 0 fails until Clear.
func (f *Faults) Fail(op string, err error, times int) {
	f.set(op, &fault{err: err, remaining: times})
}

// FailAfter makes the next times calls of op apply their effect and then
// report err, as if the acknowledgement was lost in transit.
func (f *Faults) FailAfter(op string, err error, times int) {
	f.set(op, &fault{err: err, after: true, remaining: times})
}

// Clear removes every injected failure.
func (f *Faults) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = nil
}

func (f *Faults) set(op string, ft *fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.faults == nil {
		f.faults = make(map[string]*fault)
	}
	f.faults[op] = ft
}

// take returns the fault to apply for op, consuming one use.
func (f *Faults) take(op string) *fault {
	f.mu.Lock()
	defer f.mu.Unlock()

	ft, ok := f.faults[op]
	if !ok {
		ft, ok = f.faults[AnyOp]
	}
	if !ok || ft.remaining == 0 {
		return nil
	}
	if ft.remaining > 0 {
		ft.remaining--
	}
	return ft
}

// before returns the injected error for op if it must fail up front.
// The second result is the error to report after applying the effect.
func (f *Faults) before(op string) (error, error) {
	ft := f.take(op)
	if ft == nil {
		return nil, nil
	}
	if ft.after {
		return nil, ft.err
	}
	return ft.err, nil
}
