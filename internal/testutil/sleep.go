package testutil

import (
	"context"
	"sync"
	"time"
)

// RecordingSleeper replaces real sleeps in retry loops. It returns at once
// and remembers every requested delay.
//
// Thread-safety: safe for concurrent use via internal mutex.
type RecordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

// Sleep records d and honours cancellation of ctx.
func (s *RecordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

// Delays returns a copy of the recorded delays in call order.
func (s *RecordingSleeper) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.delays))
	copy(out, s.delays)
	return out
}

// Total returns the sum of all recorded delays.
func (s *RecordingSleeper) Total() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total time.Duration
	for _, d := range s.delays {
		total += d
	}
	return total
}
