package store

import (
	"context"
	"fmt"
)

// Rebuild discards every projection row and re-applies all processed events
// in seq order inside one transaction. Handlers stamp rows with event time
// only, so a rebuild reproduces the projections exactly. Any handler failure
// aborts the rebuild and leaves the existing projections untouched.
//
// Returns the number of events applied.
func (s *Store) Rebuild(ctx context.Context) (int, error) {
	if s.router == nil {
		return 0, fmt.Errorf("rebuild: %w: no router configured", ErrUnroutable)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("rebuild: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	// Load the log before dispatching: the transaction owns the only
	// connection, so rows cannot stay open across handler writes.
	events, err := queryEvents(ctx, tx, Filter{})
	if err != nil {
		return 0, fmt.Errorf("rebuild: %w", err)
	}

	if err := s.router.Reset(ctx, tx); err != nil {
		return 0, fmt.Errorf("rebuild: reset projections: %w", err)
	}

	applied := 0
	for _, ev := range events {
		if !ev.Processed() {
			continue
		}
		if err := s.router.Dispatch(ctx, tx, ev); err != nil {
			return 0, fmt.Errorf("rebuild: event %d (%s): %w", ev.Seq, ev.EventType, err)
		}
		applied++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("rebuild: commit: %w", err)
	}

	s.logger.Info("projections rebuilt", "events", applied)
	return applied, nil
}
