// Package gateway defines the external services the bootstrap saga calls
// and HTTP JSON clients for them.
//
// Every client failure is a *Error whose Kind says whether a retry can
// help. Cancellation of the caller's context is returned as the bare
// context error.
package gateway

import (
	"context"
	"errors"
	"fmt"
)

// Record is a DNS record created for a tenant subdomain.
type Record struct {
	ID   string `json:"id"`
	FQDN string `json:"fqdn"`
}

// DNS registers and removes tenant subdomains.
type DNS interface {
	CreateRecord(ctx context.Context, subdomain, target string) (Record, error)
	DeleteRecord(ctx context.Context, recordID string) error
}

// Delivery is the outcome of one email send.
type Delivery struct {
	Delivered bool   `json:"delivered"`
	MessageID string `json:"id,omitempty"`
}

// Email sends templated messages.
type Email interface {
	Send(ctx context.Context, recipient, templateID string, data map[string]string) (Delivery, error)
}

// Kind classifies a gateway failure.
type Kind string

const (
	KindBadRequest  Kind = "bad_request"
	KindConflict    Kind = "conflict"
	KindNotFound    Kind = "not_found"
	KindUnavailable Kind = "unavailable"
	KindTimeout     Kind = "timeout"
	KindConnection  Kind = "connection"
)

// Retryable reports whether failures of this kind are transient.
func (k Kind) Retryable() bool {
	switch k {
	case KindUnavailable, KindTimeout, KindConnection:
		return true
	default:
		return false
	}
}

// Error is a failed call to an external service.
type Error struct {
	Service string
	Op      string
	Kind    Kind
	// Status is the HTTP status, 0 for transport failures.
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: %s (HTTP %d): %v", e.Service, e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Service, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable implements resilience.Retryabler.
func (e *Error) Retryable() bool {
	return e.Kind.Retryable()
}

// IsRetryable reports whether err is a gateway error of a transient kind.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable()
}

// KindOf returns the kind of a gateway error, or "" for other errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
