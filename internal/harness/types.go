package harness

import (
	"github.com/roach88/orgboot/internal/event"
	"github.com/roach88/orgboot/internal/saga"
)

// TraceEvent is one event of the run, in log order.
type TraceEvent struct {
	Seq           int64      `json:"seq"`
	StreamType    string     `json:"stream_type"`
	EventType     string     `json:"event_type"`
	StreamVersion int64      `json:"stream_version"`
	Reason        string     `json:"reason,omitempty"`
	Data          event.Data `json:"data,omitempty"`
}

// Calls counts what the scripted gateways were asked to do.
type Calls struct {
	DNSCreates int `json:"dns_creates"`
	DNSDeletes int `json:"dns_deletes"`
	Emails     int `json:"emails"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when the outcome matched and every assertion held.
	Pass bool `json:"pass"`

	Outcome saga.Result  `json:"outcome"`
	Trace   []TraceEvent `json:"trace"`
	Calls   Calls        `json:"calls"`

	// Errors lists every mismatch. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
