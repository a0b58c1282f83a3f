package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ReprocessReport summarizes one Reprocess pass.
type ReprocessReport struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Reprocess retries projection of stored but unprocessed events in seq
// order, so within a stream a version is always retried before the ones
// after it. Events that already failed maxRetries times are left alone
// (maxRetries <= 0 means no limit); later versions of their stream keep
// failing with ErrPredecessorUnprocessed. Each event is handled in its own
// transaction, so one poison event does not block other streams.
func (s *Store) Reprocess(ctx context.Context, maxRetries int, limit uint64) (ReprocessReport, error) {
	var report ReprocessReport
	if s.router == nil {
		return report, fmt.Errorf("reprocess: %w: no router configured", ErrUnroutable)
	}

	pending, err := s.Query(ctx, Filter{Unprocessed: true, MaxRetries: maxRetries, Limit: limit})
	if err != nil {
		return report, fmt.Errorf("reprocess: %w", err)
	}

	for _, ev := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Attempted++

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return report, fmt.Errorf("reprocess: begin tx: %w", err)
		}
		handlerErr, err := s.project(ctx, tx, &ev)
		if err != nil {
			tx.Rollback()
			return report, fmt.Errorf("reprocess %s: %w", ev.ID, err)
		}
		if err := tx.Commit(); err != nil {
			return report, fmt.Errorf("reprocess %s: commit: %w", ev.ID, err)
		}

		if handlerErr != nil {
			report.Failed++
			s.logger.Warn("reprocess failed",
				"event_id", ev.ID,
				"event_type", ev.EventType,
				"retry_count", ev.RetryCount,
				"error", handlerErr)
			continue
		}
		report.Succeeded++
		s.logger.Info("event reprocessed", "event_id", ev.ID, "event_type", ev.EventType)
	}

	return report, nil
}

// Sweeper periodically reprocesses failed events in the background.
type Sweeper struct {
	store      *Store
	interval   time.Duration
	timeout    time.Duration
	batchSize  uint64
	maxRetries int

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
}

// NewSweeper creates a sweeper. A batch that runs longer than timeout is
// abandoned and picked up on the next tick.
func NewSweeper(s *Store, interval, timeout time.Duration, batchSize uint64, maxRetries int) *Sweeper {
	return &Sweeper{
		store:      s,
		interval:   interval,
		timeout:    timeout,
		batchSize:  batchSize,
		maxRetries: maxRetries,
	}
}

// Start launches the sweep loop. It returns an error if already started.
func (w *Sweeper) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return fmt.Errorf("sweeper already started")
	}

	ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.sweep(ctx)
			}
		}
	}()
	return nil
}

func (w *Sweeper) sweep(ctx context.Context) {
	batchCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	report, err := w.store.Reprocess(batchCtx, w.maxRetries, w.batchSize)
	if err != nil {
		w.store.logger.Error("sweep failed", "error", err)
		return
	}
	if report.Attempted > 0 {
		w.store.logger.Info("sweep complete",
			"attempted", report.Attempted,
			"succeeded", report.Succeeded,
			"failed", report.Failed)
	}
}

// Shutdown stops the loop and waits for an in-flight sweep, or for ctx.
func (w *Sweeper) Shutdown(ctx context.Context) error {
	if !w.started.Load() {
		return nil
	}
	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
