package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/roach88/orgboot/internal/event"
)

// ErrNotApplied marks an event whose write did not land: the row is
// missing, or a conditional update matched zero rows.
var ErrNotApplied = errors.New("projection not applied")

// guard re-reads the row an event targeted. The event is applied when the
// row now carries it as its last event. A row already past the event only
// counts when the log records the event as processed, which is what makes
// re-dispatching an applied event harmless.
func guard(ctx context.Context, tx *sql.Tx, table string, key sq.Eq, ev event.Event) error {
	query, args, err := psql.Select("version", "last_event_id").From(table).Where(key).ToSql()
	if err != nil {
		return fmt.Errorf("build guard: %w", err)
	}

	var (
		version int64
		last    string
	)
	err = tx.QueryRowContext(ctx, query, args...).Scan(&version, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: no %s row matches %v", ErrNotApplied, table, map[string]any(key))
	}
	if err != nil {
		return fmt.Errorf("guard %s: %w", table, err)
	}

	switch {
	case version == ev.StreamVersion && last == ev.ID:
		return nil
	case version > ev.StreamVersion:
		done, err := processed(ctx, tx, ev.ID)
		if err != nil {
			return fmt.Errorf("guard %s: %w", table, err)
		}
		if done {
			return nil
		}
		return fmt.Errorf("%w: %s row is at version %d, past unapplied event version %d",
			ErrNotApplied, table, version, ev.StreamVersion)
	case version == ev.StreamVersion:
		return fmt.Errorf("%w: %s row at version %d was written by event %s, not %s",
			ErrNotApplied, table, version, last, ev.ID)
	}
	return fmt.Errorf("%w: %s row is at version %d, event is version %d (conditional update matched zero rows)",
		ErrNotApplied, table, version, ev.StreamVersion)
}

func processed(ctx context.Context, tx *sql.Tx, eventID string) (bool, error) {
	var done bool
	err := tx.QueryRowContext(ctx, "SELECT processed_at IS NOT NULL FROM events WHERE id = ?", eventID).Scan(&done)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read event %s: %w", eventID, err)
	}
	return done, nil
}
