// Package schema validates event payloads against CUE definitions.
//
// The embedded events.cue maps every routable event type to a closed CUE
// definition. Validation compiles the payload JSON as a CUE value, unifies it
// with the definition and requires the result to be concrete. Any failure is
// reported as a *ValidationError before the store writes anything.
//
// A cue.Context is not safe for concurrent use, so Registry serializes all
// access behind a mutex; concurrent saga runs share one Registry.
package schema

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

//go:embed events.cue
var eventsCUE []byte

// Registry holds one compiled schema per event type.
type Registry struct {
	mu      sync.Mutex
	ctx     *cue.Context
	schemas map[string]cue.Value
}

// Load compiles the embedded event catalogue.
func Load() (*Registry, error) {
	return LoadSource(eventsCUE)
}

// LoadSource compiles a CUE document exposing an `events` struct keyed by
// event type.
func LoadSource(src []byte) (*Registry, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(src, cue.Filename("events.cue"))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("compile event schemas: %w", formatCUEError(err))
	}

	eventsVal := v.LookupPath(cue.ParsePath("events"))
	if !eventsVal.Exists() {
		return nil, fmt.Errorf("compile event schemas: events struct is required")
	}

	iter, err := eventsVal.Fields()
	if err != nil {
		return nil, fmt.Errorf("compile event schemas: %w", formatCUEError(err))
	}

	r := &Registry{ctx: ctx, schemas: make(map[string]cue.Value)}
	for iter.Next() {
		r.schemas[iter.Selector().Unquoted()] = iter.Value()
	}
	if len(r.schemas) == 0 {
		return nil, fmt.Errorf("compile event schemas: no event types defined")
	}
	return r, nil
}

// Has reports whether a schema is registered for eventType.
func (r *Registry) Has(eventType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.schemas[eventType]
	return ok
}

// EventTypes returns the registered event types in sorted order.
func (r *Registry) EventTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, 0, len(r.schemas))
	for t := range r.schemas {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Validate checks a JSON payload against the schema for eventType.
func (r *Registry) Validate(eventType string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.schemas[eventType]
	if !ok {
		return &ValidationError{EventType: eventType, Message: "no schema registered"}
	}

	v := r.ctx.CompileBytes(payload)
	if err := v.Err(); err != nil {
		return newValidationError(eventType, err)
	}
	if err := s.Unify(v).Validate(cue.Concrete(true)); err != nil {
		return newValidationError(eventType, err)
	}
	return nil
}

// ValidationError reports a payload that does not satisfy its schema.
type ValidationError struct {
	EventType string
	Field     string
	Message   string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s payload: %s: %s", e.EventType, e.Field, e.Message)
	}
	return fmt.Sprintf("invalid %s payload: %s", e.EventType, e.Message)
}

func newValidationError(eventType string, err error) *ValidationError {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &ValidationError{EventType: eventType, Message: err.Error()}
	}
	first := errs[0]
	format, args := first.Msg()
	msg := fmt.Sprintf(format, args...)
	if len(errs) > 1 {
		msg = fmt.Sprintf("%s (and %d more)", msg, len(errs)-1)
	}
	return &ValidationError{
		EventType: eventType,
		Field:     strings.Join(first.Path(), "."),
		Message:   msg,
	}
}

// formatCUEError keeps the first positioned error of a CUE error list.
func formatCUEError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		p := positions[0]
		return fmt.Errorf("%s:%d:%d: %s", p.Filename(), p.Line(), p.Column(), first.Error())
	}
	return first
}
