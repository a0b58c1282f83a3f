package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Breaker defaults.
const (
	DefaultFailureThreshold = 3
	DefaultOpenTimeout      = 5 * time.Minute
)

// BreakerSettings configures a Breaker. Zero values take the defaults.
type BreakerSettings struct {
	Name string
	// FailureThreshold is the number of consecutive retryable failures that
	// opens the breaker.
	FailureThreshold uint32
	// OpenTimeout is how long an open breaker rejects calls before letting a
	// single trial through.
	OpenTimeout time.Duration
	Logger      *slog.Logger
}

// Breaker is a circuit breaker for one external service. It is safe for
// concurrent use and meant to be shared by every caller of that service.
//
// closed -> open after FailureThreshold consecutive failures; open rejects
// for OpenTimeout; half-open admits exactly one trial, whose success closes
// the breaker and whose failure reopens it with a fresh timeout.
// Non-retryable errors count as successes: a rejected request says nothing
// about the health of the service.
type Breaker struct {
	cb *gobreaker.CircuitBreaker[any]
}

// NewBreaker creates a closed breaker.
func NewBreaker(s BreakerSettings) *Breaker {
	threshold := s.FailureThreshold
	if threshold == 0 {
		threshold = DefaultFailureThreshold
	}
	timeout := s.OpenTimeout
	if timeout <= 0 {
		timeout = DefaultOpenTimeout
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &Breaker{cb: cb}
}

// Name returns the breaker's name.
func (b *Breaker) Name() string {
	return b.cb.Name()
}

// State returns "closed", "half-open" or "open".
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Execute runs fn through the breaker. An open breaker returns an error
// without calling fn; IsRetryable reports it as retryable.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Call(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Call is Execute for operations that return a value.
func Call[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	v, err := b.cb.Execute(func() (any, error) {
		return fn(ctx)
	})
	if err != nil {
		if isBreakerRejection(err) {
			return zero, &OpenError{Breaker: b.cb.Name(), Err: err}
		}
		return zero, err
	}
	t, _ := v.(T)
	return t, nil
}

// OpenError is returned for calls rejected by an open or half-open breaker.
type OpenError struct {
	Breaker string
	Err     error
}

func (e *OpenError) Error() string {
	return "circuit breaker " + e.Breaker + ": " + e.Err.Error()
}

func (e *OpenError) Unwrap() error {
	return e.Err
}

// Retryable is true: the breaker will let a trial through after its timeout.
func (e *OpenError) Retryable() bool {
	return true
}

func isBreakerRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// Guarded retries op under p, passing every attempt through b.
func Guarded[T any](ctx context.Context, p Policy, b *Breaker, op func(ctx context.Context) (T, error)) (T, error) {
	return Retry(ctx, p, func(ctx context.Context) (T, error) {
		return Call(ctx, b, op)
	})
}
