// Package resilience wraps calls to external services with retries and
// circuit breakers.
//
// Errors are classified by IsRetryable. Only transient failures (service
// unavailable, timeouts, connection failures, an open breaker) are retried;
// everything else is returned on the first attempt.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Policy is an exponential backoff retry policy.
type Policy struct {
	// MaxAttempts counts the first call. Values below 1 mean 1.
	MaxAttempts int
	Initial     time.Duration
	Factor      float64
	// Max caps each individual delay before jitter.
	Max time.Duration
	// Jitter is the fraction of each delay added or removed at random.
	Jitter float64

	// Sleep waits between attempts. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// Rand returns a value in [0, 1). Defaults to math/rand.
	Rand func() float64
}

// DNSPolicy is used for subdomain registration: propagation on the provider
// side is slow, so it waits longer than ordinary steps.
func DNSPolicy() Policy {
	return Policy{MaxAttempts: 7, Initial: 10 * time.Second, Factor: 2, Max: 5 * time.Minute, Jitter: 0.2}
}

// StepPolicy is used for every other saga step.
func StepPolicy() Policy {
	return Policy{MaxAttempts: 3, Initial: time.Second, Factor: 2, Max: 30 * time.Second, Jitter: 0.2}
}

// Backoff returns the delay after the given failed attempt (1-based),
// without jitter.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := p.Factor
	if factor <= 0 {
		factor = 2
	}
	d := float64(p.Initial) * math.Pow(factor, float64(attempt-1))
	if p.Max > 0 && d > float64(p.Max) {
		d = float64(p.Max)
	}
	return time.Duration(d)
}

// delay applies jitter to Backoff.
func (p Policy) delay(attempt int) time.Duration {
	d := float64(p.Backoff(attempt))
	if p.Jitter > 0 {
		r := rand.Float64
		if p.Rand != nil {
			r = p.Rand
		}
		d += (r() - 0.5) * 2 * p.Jitter * d
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ExhaustedError reports that every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// IsExhausted reports whether err is or wraps an *ExhaustedError.
func IsExhausted(err error) bool {
	var ee *ExhaustedError
	return errors.As(err, &ee)
}

// Do runs op until it succeeds, returns a non-retryable error, or the
// policy runs out of attempts.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := Retry(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Retry is Do for operations that return a value.
func Retry[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, interrupted(err, last)
		}

		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if !IsRetryable(err) {
			return zero, err
		}
		last = err

		if attempt == attempts {
			break
		}
		if err := p.sleep(ctx, p.delay(attempt)); err != nil {
			return zero, interrupted(err, last)
		}
	}
	return zero, &ExhaustedError{Attempts: attempts, Last: last}
}

func interrupted(ctxErr, last error) error {
	if last == nil {
		return ctxErr
	}
	return fmt.Errorf("%w (last error: %v)", ctxErr, last)
}
