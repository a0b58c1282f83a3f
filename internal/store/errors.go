package store

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// ErrUnroutable is returned when no projection handler is registered for an
// event's (stream_type, event_type). Nothing is written.
var ErrUnroutable = errors.New("unroutable event")

// ErrPredecessorUnprocessed is recorded on an event that cannot be projected
// because an earlier version of its stream is still unprocessed.
var ErrPredecessorUnprocessed = errors.New("predecessor unprocessed")

// VersionConflict reports an append whose expected version was not the next
// version of the stream. Nothing is written.
type VersionConflict struct {
	StreamType string
	StreamID   string
	Expected   int64
	Actual     int64
}

func (e *VersionConflict) Error() string {
	return fmt.Sprintf("version conflict on %s/%s: expected version %d, stream is at %d",
		e.StreamType, e.StreamID, e.Expected, e.Actual)
}

// Retryable is true: a caller that re-reads the stream version may try again.
func (e *VersionConflict) Retryable() bool {
	return true
}

// ProcessingError reports an event that was stored but whose projection
// handler failed. The event row carries the error and an incremented
// retry_count; Reprocess will try it again.
type ProcessingError struct {
	EventID   string
	EventType string
	Err       error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("event %s (%s) stored but not processed: %v", e.EventID, e.EventType, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// IsVersionConflict reports whether err is or wraps a *VersionConflict.
func IsVersionConflict(err error) bool {
	var vc *VersionConflict
	return errors.As(err, &vc)
}

// IsProcessingError reports whether err is or wraps a *ProcessingError.
func IsProcessingError(err error) bool {
	var pe *ProcessingError
	return errors.As(err, &pe)
}

// isUniqueViolation detects a UNIQUE constraint failure from go-sqlite3.
func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrConstraint && se.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
