// Package audit records lifecycle and erasure events for sessions.
// Records describe what happened to a session, never its content or owner.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Action identifies what was done to a session.
type Action string

const (
	ActionPurge            Action = "purge"
	ActionArchive          Action = "archive"
	ActionIdleExpire       Action = "idle_expire"
	ActionEraseCheckpoints Action = "erase_checkpoints"
	ActionTruncate         Action = "truncate"
)

// Record is a single audit entry.
type Record struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Action    Action    `json:"action"`
	Policy    string    `json:"policy,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// NewRecord builds a record with a fresh ID.
func NewRecord(sessionID string, action Action, policy, reason string, at time.Time) *Record {
	return &Record{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Action:    action,
		Policy:    policy,
		Reason:    reason,
		At:        at.UTC(),
	}
}

// Sink persists audit records.
type Sink interface {
	Record(ctx context.Context, rec *Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, rec *Record) error

// Record calls f.
func (f SinkFunc) Record(ctx context.Context, rec *Record) error {
	return f(ctx, rec)
}

// MemorySink stores records in memory (for testing).
type MemorySink struct {
	records []Record
	mu      sync.RWMutex
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{records: make([]Record, 0)}
}

// Record appends a copy of rec.
func (s *MemorySink) Record(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, *rec)
	return nil
}

// Records returns a copy of all stored records.
func (s *MemorySink) Records() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// JSONSink writes one JSON object per line.
type JSONSink struct {
	w  io.Writer
	mu sync.Mutex
}

// NewJSONSink writes to w, or stdout when w is nil.
func NewJSONSink(w io.Writer) *JSONSink {
	if w == nil {
		w = os.Stdout
	}
	return &JSONSink{w: w}
}

// Record writes rec as a JSON line.
func (s *JSONSink) Record(_ context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data = append(data, '\n')
	if _, err := s.w.Write(data); err != nil {
		return fmt.Errorf("write audit record: %w", err)
	}
	return nil
}

// MultiSink fans a record out to every sink and joins their errors.
type MultiSink []Sink

// Record writes rec to all sinks.
func (m MultiSink) Record(ctx context.Context, rec *Record) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
