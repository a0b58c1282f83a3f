package resilience

import "errors"

// Retryabler is implemented by errors that know whether retrying can help.
type Retryabler interface {
	Retryable() bool
}

// IsRetryable reports whether err is worth another attempt. Errors that
// classify themselves decide; anything else, including a bare context
// cancellation, is not retried.
func IsRetryable(err error) bool {
	var r Retryabler
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}
