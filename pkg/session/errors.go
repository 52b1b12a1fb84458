package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/aixgo-dev/sessionstore/pkg/codec"
)

// Tier-level errors.
var (
	// ErrNotFound is returned when a session or checkpoint doesn't exist.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned by a durable conditional write when the
	// stored current version does not match the expected one.
	ErrVersionConflict = errors.New("version conflict")
	// ErrSessionExists is returned when creating a session that already exists.
	ErrSessionExists = errors.New("session already exists")
	// ErrStorageClosed is returned when operating on a closed backend.
	ErrStorageClosed = errors.New("storage backend is closed")
)

// Store and manager errors.
var (
	// ErrConcurrentWrite is the hybrid store's translation of ErrVersionConflict.
	ErrConcurrentWrite = errors.New("concurrent write")
	// ErrSessionConflict is surfaced by the manager once its single retry is spent.
	ErrSessionConflict = errors.New("session conflict")
	// ErrSessionClosed is returned for writes to, or resumes of, a terminated session.
	ErrSessionClosed = errors.New("session closed")
	// ErrSessionSuspended is returned for commits on a handle released by Suspend.
	ErrSessionSuspended = errors.New("session suspended")
	// ErrSessionPurged is returned for sessions erased by retention or owner purge.
	ErrSessionPurged = errors.New("session purged")
	// ErrBackendUnavailable is returned when the breaker is open or the
	// transport retry budget is exhausted.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrCorruption marks a broken version chain or mismatched session record.
	ErrCorruption = errors.New("checkpoint chain corrupted")
	// ErrInvalidID is returned for session or owner IDs that are empty or unsafe.
	ErrInvalidID = errors.New("invalid id")
	// ErrNoArchiveSink is returned by archive operations when no sink is configured.
	ErrNoArchiveSink = errors.New("no archive sink configured")
)

// ErrorClass is the error taxonomy used for retry and breaker decisions.
type ErrorClass int

const (
	ClassNone ErrorClass = iota
	// ClassTransport covers timeouts, connection errors and unknown backend
	// failures. Retryable; drives the circuit breaker.
	ClassTransport
	// ClassConflict is a correctness signal. Never retried by the resilience layer.
	ClassConflict
	// ClassTerminal covers closed and purged sessions.
	ClassTerminal
	// ClassCorruption is fatal and always propagates.
	ClassCorruption
	// ClassNotFound covers missing records.
	ClassNotFound
	// ClassInvalid covers caller mistakes and lifecycle misuse.
	ClassInvalid
	// ClassCanceled is a caller cancellation, which says nothing about backend health.
	ClassCanceled
)

// String returns a short label used in logs and metrics.
func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransport:
		return "transport"
	case ClassConflict:
		return "conflict"
	case ClassTerminal:
		return "terminal"
	case ClassCorruption:
		return "corruption"
	case ClassNotFound:
		return "not_found"
	case ClassInvalid:
		return "invalid"
	case ClassCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Classify maps err onto the taxonomy. Unrecognized errors are treated as
// transport failures.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrCorruption),
		errors.Is(err, codec.ErrCorruptPayload),
		errors.Is(err, codec.ErrUnsupportedVersion):
		return ClassCorruption
	case errors.Is(err, ErrVersionConflict),
		errors.Is(err, ErrConcurrentWrite),
		errors.Is(err, ErrSessionConflict):
		return ClassConflict
	case errors.Is(err, ErrSessionClosed), errors.Is(err, ErrSessionPurged):
		return ClassTerminal
	case errors.Is(err, ErrNotFound):
		return ClassNotFound
	case errors.Is(err, ErrSessionExists),
		errors.Is(err, ErrInvalidID),
		errors.Is(err, ErrSessionSuspended),
		errors.Is(err, ErrNoArchiveSink),
		errors.Is(err, ErrStorageClosed):
		return ClassInvalid
	case errors.Is(err, ErrBackendUnavailable), errors.Is(err, context.DeadlineExceeded):
		return ClassTransport
	case errors.Is(err, context.Canceled):
		return ClassCanceled
	default:
		return ClassTransport
	}
}

// IsTransport reports whether err should count against the breaker and be
// eligible for retry.
func IsTransport(err error) bool {
	return Classify(err) == ClassTransport
}

// safeIDPattern allows alphanumerics, hyphen, underscore, dot and colon.
// IDs end up in cache keys and archive paths.
var safeIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

// ValidateID checks that id is usable as a session or owner identifier.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if len(id) > 256 {
		return fmt.Errorf("%w: longer than 256 characters", ErrInvalidID)
	}
	if !safeIDPattern.MatchString(id) || id == "." || id == ".." {
		return fmt.Errorf("%w: %q contains unsupported characters", ErrInvalidID, id)
	}
	return nil
}
