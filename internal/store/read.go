package store

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/roach88/orgboot/internal/event"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Question)

const eventColumns = `seq, id, stream_type, stream_id, stream_version, event_type, event_data,
	event_metadata, created_at, processed_at, processing_error, retry_count`

// Filter narrows a Query. Zero fields do not filter.
type Filter struct {
	StreamType    string
	StreamID      string
	EventType     string
	CorrelationID string
	AfterSeq      int64
	// Unprocessed selects events whose processed_at is still NULL.
	Unprocessed bool
	// MaxRetries, with Unprocessed, skips events that already failed this
	// many times.
	MaxRetries int
	Limit      uint64
}

// Query returns events matching f in seq order.
//
// Returns an empty slice (not nil) if nothing matches.
func (s *Store) Query(ctx context.Context, f Filter) ([]event.Event, error) {
	return queryEvents(ctx, s.db, f)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryEvents(ctx context.Context, q querier, f Filter) ([]event.Event, error) {
	b := psql.Select(eventColumns).From("events").OrderBy("seq ASC")
	if f.StreamType != "" {
		b = b.Where(sq.Eq{"stream_type": f.StreamType})
	}
	if f.StreamID != "" {
		b = b.Where(sq.Eq{"stream_id": f.StreamID})
	}
	if f.EventType != "" {
		b = b.Where(sq.Eq{"event_type": f.EventType})
	}
	if f.CorrelationID != "" {
		b = b.Where(sq.Eq{"correlation_id": f.CorrelationID})
	}
	if f.AfterSeq > 0 {
		b = b.Where(sq.Gt{"seq": f.AfterSeq})
	}
	if f.Unprocessed {
		b = b.Where(sq.Eq{"processed_at": nil})
		if f.MaxRetries > 0 {
			b = b.Where(sq.Lt{"retry_count": f.MaxRetries})
		}
	}
	if f.Limit > 0 {
		b = b.Limit(f.Limit)
	}

	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build event query: %w", err)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []event.Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// ReadStream returns every event of one stream in version order.
func (s *Store) ReadStream(ctx context.Context, streamType, streamID string) ([]event.Event, error) {
	// Within a stream seq order and version order agree.
	return s.Query(ctx, Filter{StreamType: streamType, StreamID: streamID})
}

// ReadByCorrelation returns every event written under one correlation id.
func (s *Store) ReadByCorrelation(ctx context.Context, correlationID string) ([]event.Event, error) {
	return s.Query(ctx, Filter{CorrelationID: correlationID})
}

// StreamVersion returns the highest version of a stream, or 0 if it has no
// events.
func (s *Store) StreamVersion(ctx context.Context, streamType, streamID string) (int64, error) {
	return streamVersion(ctx, s.db, streamType, streamID)
}

// Stats summarizes the processing state of the log.
type Stats struct {
	Total     int
	Processed int
	Pending   int
	Failed    int
}

// Stats counts events by processing state. Failed events are unprocessed
// events that carry a processing error.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN processed_at IS NOT NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN processed_at IS NULL AND processing_error IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN processed_at IS NULL AND processing_error IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM events
	`).Scan(&st.Total, &st.Processed, &st.Pending, &st.Failed)
	if err != nil {
		return Stats{}, fmt.Errorf("read stats: %w", err)
	}
	return st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (event.Event, error) {
	var (
		ev          event.Event
		data        string
		meta        string
		createdAt   string
		processedAt sql.NullString
		procErr     sql.NullString
	)
	err := row.Scan(
		&ev.Seq,
		&ev.ID,
		&ev.StreamType,
		&ev.StreamID,
		&ev.StreamVersion,
		&ev.EventType,
		&data,
		&meta,
		&createdAt,
		&processedAt,
		&procErr,
		&ev.RetryCount,
	)
	if err != nil {
		return event.Event{}, fmt.Errorf("scan event: %w", err)
	}

	if ev.Data, err = event.DecodeData(data); err != nil {
		return event.Event{}, fmt.Errorf("event %s: %w", ev.ID, err)
	}
	if ev.Metadata, err = event.DecodeMetadata(meta); err != nil {
		return event.Event{}, fmt.Errorf("event %s: %w", ev.ID, err)
	}
	if ev.CreatedAt, err = event.ParseTime(createdAt); err != nil {
		return event.Event{}, fmt.Errorf("event %s: %w", ev.ID, err)
	}
	if processedAt.Valid {
		t, err := event.ParseTime(processedAt.String)
		if err != nil {
			return event.Event{}, fmt.Errorf("event %s: %w", ev.ID, err)
		}
		ev.ProcessedAt = &t
	}
	ev.ProcessingError = procErr.String
	return ev, nil
}
