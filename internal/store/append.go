package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/orgboot/internal/event"
	"github.com/roach88/orgboot/internal/schema"
)

// AppendRequest describes one event to add to a stream.
type AppendRequest struct {
	StreamType string
	StreamID   string
	// ExpectedVersion is the version the new event will carry. It must be
	// exactly one past the stream's current version (1 for a new stream).
	ExpectedVersion int64
	EventType       string
	Data            event.Data
	Metadata        event.Metadata
}

func (r AppendRequest) check() error {
	missing := func(field string) error {
		return &schema.ValidationError{EventType: r.EventType, Field: field, Message: "is required"}
	}
	switch {
	case r.StreamType == "":
		return missing("stream_type")
	case r.StreamID == "":
		return missing("stream_id")
	case r.EventType == "":
		return missing("event_type")
	case r.Metadata.CorrelationID == "":
		return missing("metadata.correlation_id")
	case r.ExpectedVersion < 1:
		return &schema.ValidationError{EventType: r.EventType, Field: "expected_version", Message: "must be at least 1"}
	}
	return nil
}

// Append validates, stores and projects one event.
//
// Checks run in this order, and a failure in any of them writes nothing:
//  1. the (stream_type, event_type) pair must be routable (ErrUnroutable)
//  2. the payload must satisfy its schema, and the record it targets must
//     belong to StreamID (*schema.ValidationError)
//  3. ExpectedVersion must be the stream's next version (*VersionConflict)
//
// The event is then inserted and dispatched to the router in the same
// transaction. A handler failure leaves the event stored with
// processing_error set and returns the stored event with a *ProcessingError.
// So does an earlier version of the stream that is still unprocessed: the
// event waits for Reprocess instead of overtaking it.
func (s *Store) Append(ctx context.Context, req AppendRequest) (event.Event, error) {
	if err := req.check(); err != nil {
		return event.Event{}, err
	}
	if s.router == nil || !s.router.Routable(req.StreamType, req.EventType) {
		return event.Event{}, fmt.Errorf("%w: %s on %s stream", ErrUnroutable, req.EventType, req.StreamType)
	}

	payload, err := event.MarshalCanonical(req.Data)
	if err != nil {
		return event.Event{}, &schema.ValidationError{EventType: req.EventType, Message: err.Error()}
	}
	if s.validator != nil {
		if err := s.validator.Validate(req.EventType, payload); err != nil {
			return event.Event{}, err
		}
	}

	data, err := event.DecodeData(string(payload))
	if err != nil {
		return event.Event{}, fmt.Errorf("append: %w", err)
	}
	if owner := s.router.Owner(req.StreamType, data); owner != req.StreamID {
		return event.Event{}, &schema.ValidationError{
			EventType: req.EventType,
			Field:     "stream_id",
			Message:   fmt.Sprintf("%s/%s cannot write the record owned by stream %q", req.StreamType, req.StreamID, owner),
		}
	}

	ev := event.Event{
		ID:            s.ids.Generate(),
		StreamType:    req.StreamType,
		StreamID:      req.StreamID,
		StreamVersion: req.ExpectedVersion,
		EventType:     req.EventType,
		Data:          data,
		Metadata:      req.Metadata,
		CreatedAt:     s.now().UTC(),
	}
	ev.Metadata.Timestamp = ev.Time()

	meta, err := event.EncodeMetadata(ev.Metadata)
	if err != nil {
		return event.Event{}, fmt.Errorf("append: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return event.Event{}, fmt.Errorf("append: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	current, err := streamVersion(ctx, tx, req.StreamType, req.StreamID)
	if err != nil {
		return event.Event{}, fmt.Errorf("append: %w", err)
	}
	if req.ExpectedVersion != current+1 {
		return event.Event{}, &VersionConflict{
			StreamType: req.StreamType,
			StreamID:   req.StreamID,
			Expected:   req.ExpectedVersion,
			Actual:     current,
		}
	}

	var workflowID sql.NullString
	if ev.Metadata.WorkflowID != "" {
		workflowID = sql.NullString{String: ev.Metadata.WorkflowID, Valid: true}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO events
		(id, stream_type, stream_id, stream_version, event_type, event_data, event_metadata,
		 correlation_id, workflow_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ev.ID,
		ev.StreamType,
		ev.StreamID,
		ev.StreamVersion,
		ev.EventType,
		string(payload),
		meta,
		ev.Metadata.CorrelationID,
		workflowID,
		ev.Time(),
	)
	if err != nil {
		// The version check above runs under the single pooled connection,
		// so this only fires when another process wrote the same version.
		if isUniqueViolation(err) {
			actual, _ := streamVersion(ctx, tx, req.StreamType, req.StreamID)
			return event.Event{}, &VersionConflict{
				StreamType: req.StreamType,
				StreamID:   req.StreamID,
				Expected:   req.ExpectedVersion,
				Actual:     actual,
			}
		}
		return event.Event{}, fmt.Errorf("append: insert event: %w", err)
	}
	if ev.Seq, err = res.LastInsertId(); err != nil {
		return event.Event{}, fmt.Errorf("append: read seq: %w", err)
	}

	handlerErr, err := s.project(ctx, tx, &ev)
	if err != nil {
		return event.Event{}, fmt.Errorf("append: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return event.Event{}, fmt.Errorf("append: commit: %w", err)
	}

	if handlerErr != nil {
		s.logger.Warn("event stored but not processed",
			"event_id", ev.ID,
			"event_type", ev.EventType,
			"stream", ev.StreamType+"/"+ev.StreamID,
			"error", handlerErr)
		return ev, &ProcessingError{EventID: ev.ID, EventType: ev.EventType, Err: handlerErr}
	}

	s.logger.Debug("event appended",
		"seq", ev.Seq,
		"event_type", ev.EventType,
		"stream", ev.StreamType+"/"+ev.StreamID,
		"version", ev.StreamVersion)
	return ev, nil
}

// project runs the router under a savepoint and records the outcome on the
// event row. A handler failure, or an unprocessed earlier version of the
// stream, is returned as handlerErr and its projection writes are
// discarded; err is reserved for failures of the transaction itself, which
// abort the whole append.
func (s *Store) project(ctx context.Context, tx *sql.Tx, ev *event.Event) (handlerErr, err error) {
	handlerErr, err = unprocessedPredecessor(ctx, tx, *ev)
	if err != nil {
		return nil, err
	}
	if handlerErr == nil {
		if handlerErr, err = s.dispatch(ctx, tx, *ev); err != nil {
			return nil, err
		}
	}

	if handlerErr != nil {
		ev.ProcessingError = handlerErr.Error()
		ev.RetryCount++
		_, err = tx.ExecContext(ctx, `
			UPDATE events
			SET processing_error = ?, retry_count = retry_count + 1
			WHERE seq = ?
		`, ev.ProcessingError, ev.Seq)
		if err != nil {
			return nil, fmt.Errorf("record processing error: %w", err)
		}
		return handlerErr, nil
	}

	processedAt := s.now().UTC()
	ev.ProcessedAt = &processedAt
	ev.ProcessingError = ""
	_, err = tx.ExecContext(ctx, `
		UPDATE events
		SET processed_at = ?, processing_error = NULL
		WHERE seq = ?
	`, event.FormatTime(processedAt), ev.Seq)
	if err != nil {
		return nil, fmt.Errorf("mark processed: %w", err)
	}
	return nil, nil
}

// dispatch runs the router under a savepoint, discarding its writes when a
// handler fails.
func (s *Store) dispatch(ctx context.Context, tx *sql.Tx, ev event.Event) (handlerErr, err error) {
	if _, err := tx.ExecContext(ctx, "SAVEPOINT projection"); err != nil {
		return nil, fmt.Errorf("open savepoint: %w", err)
	}

	handlerErr = s.router.Dispatch(ctx, tx, ev)
	if handlerErr != nil {
		if _, err := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT projection"); err != nil {
			return nil, errors.Join(fmt.Errorf("rollback savepoint: %w", err), handlerErr)
		}
	}
	if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT projection"); err != nil {
		return nil, fmt.Errorf("release savepoint: %w", err)
	}
	return handlerErr, nil
}

// unprocessedPredecessor returns a handler error wrapping
// ErrPredecessorUnprocessed when a lower version of ev's stream has not been
// projected yet. Processed events of a stream always form a prefix of it.
func unprocessedPredecessor(ctx context.Context, tx *sql.Tx, ev event.Event) (handlerErr, err error) {
	var version int64
	err = tx.QueryRowContext(ctx, `
		SELECT stream_version
		FROM events
		WHERE stream_type = ? AND stream_id = ? AND stream_version < ? AND processed_at IS NULL
		ORDER BY stream_version
		LIMIT 1
	`, ev.StreamType, ev.StreamID, ev.StreamVersion).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("check predecessors: %w", err)
	}
	return fmt.Errorf("%w: %s/%s version %d", ErrPredecessorUnprocessed, ev.StreamType, ev.StreamID, version), nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func streamVersion(ctx context.Context, q queryRower, streamType, streamID string) (int64, error) {
	var v int64
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(stream_version), 0)
		FROM events
		WHERE stream_type = ? AND stream_id = ?
	`, streamType, streamID).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("read stream version: %w", err)
	}
	return v, nil
}
