package session

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/aixgo-dev/sessionstore/pkg/codec"
)

// handleState tracks whether a handle still accepts commits.
type handleState int32

const (
	handleOpen handleState = iota
	handleSuspended
	handleClosed
)

// Handle is a caller's view of one session. It carries the version the
// next commit is derived from. Handles are safe for concurrent use; the
// durable tier's conditional write decides between concurrent commits.
type Handle struct {
	id      string
	ownerID string

	version atomic.Int64
	state   atomic.Int32

	// mu guards pending and is never held across a store call.
	mu      sync.Mutex
	pending *pendingWrite
}

// pendingWrite is a commit whose outcome was never acknowledged.
type pendingWrite struct {
	commitID string
	version  int64
	state    []byte
}

func newHandle(id, ownerID string, version int64) *Handle {
	h := &Handle{id: id, ownerID: ownerID}
	h.version.Store(version)
	return h
}

// ID returns the session identifier.
func (h *Handle) ID() string {
	return h.id
}

// OwnerID returns the owner recorded when the session was opened.
func (h *Handle) OwnerID() string {
	return h.ownerID
}

// Version returns the version the next commit will be derived from.
func (h *Handle) Version() int64 {
	return h.version.Load()
}

// Closed reports whether the session was terminated or purged.
func (h *Handle) Closed() bool {
	return handleState(h.state.Load()) == handleClosed
}

// advance moves the handle forward. Versions never go back.
func (h *Handle) advance(v int64) {
	for {
		cur := h.version.Load()
		if v <= cur || h.version.CompareAndSwap(cur, v) {
			return
		}
	}
}

func (h *Handle) setState(s handleState) {
	if handleState(h.state.Load()) == handleClosed {
		return
	}
	h.state.Store(int32(s))
}

func (h *Handle) remember(p *pendingWrite) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pending = p
}

func (h *Handle) forget(commitID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pending != nil && (commitID == "" || h.pending.commitID == commitID) {
		h.pending = nil
	}
}

// ownWrite reports whether cp is the handle's pending write.
func (h *Handle) ownWrite(cp *Checkpoint) (*pendingWrite, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pending == nil || cp == nil || h.pending.commitID != cp.CommitID {
		return nil, false
	}
	return h.pending, true
}

// samePayload reports whether p carried exactly state.
func (p *pendingWrite) samePayload(state []byte) bool {
	return bytes.Equal(p.state, state)
}

// ResumeOutcome says whether OpenOrResume created the session.
type ResumeOutcome string

const (
	ResumeCreated ResumeOutcome = "created"
	ResumeResumed ResumeOutcome = "resumed"
)

// Resumed is the result of OpenOrResume.
type Resumed struct {
	Handle  *Handle
	Outcome ResumeOutcome
	// State is the latest committed state, nil for a session without checkpoints.
	State []byte
	// Version is the version State belongs to.
	Version int64
}

// DecodeState decodes State with the checkpoint codec. It returns nil for
// a session without checkpoints.
func (r *Resumed) DecodeState() (*codec.State, error) {
	if r.State == nil {
		return nil, nil
	}
	return codec.Decode(r.State)
}
