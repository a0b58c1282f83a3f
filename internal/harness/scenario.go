package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/orgboot/internal/saga"
)

// Scenario defines a bootstrap conformance scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Params are handed to Bootstrap unchanged.
	Params saga.Params `yaml:"params"`

	// Gateways scripts the external services. Unscripted calls succeed.
	Gateways Gateways `yaml:"gateways,omitempty"`

	// BreakerThreshold overrides the DNS and email breaker threshold.
	BreakerThreshold uint32 `yaml:"breaker_threshold,omitempty"`

	// Expect checks the saga's reported outcome.
	Expect Outcome `yaml:"expect"`

	// Assertions validate the final trace and projections.
	Assertions []Assertion `yaml:"assertions"`
}

// Gateways scripts gateway results. Outcomes are consumed one per call and
// are one of ok, unavailable or bad_request.
type Gateways struct {
	DNSCreate []string `yaml:"dns_create,omitempty"`
	DNSDelete []string `yaml:"dns_delete,omitempty"`
	// EmailReject lists recipients whose delivery is refused outright.
	EmailReject []string `yaml:"email_reject,omitempty"`
}

// Outcome is the expected saga result. Nil fields are not checked.
type Outcome struct {
	Status          string  `yaml:"status"`
	DNSConfigured   *bool   `yaml:"dns_configured,omitempty"`
	DNSSkipped      *bool   `yaml:"dns_skipped,omitempty"`
	InvitationsSent *int    `yaml:"invitations_sent,omitempty"`
	Domain          *string `yaml:"domain,omitempty"`

	// ErrorSteps lists the step of every reported error, in order.
	ErrorSteps []string `yaml:"error_steps,omitempty"`
	// Compensation lists rollback steps as step=outcome, in order.
	Compensation []string `yaml:"compensation,omitempty"`
	DNSCreates   *int     `yaml:"dns_creates,omitempty"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type is trace_contains, trace_order, trace_count or final_state.
	Type string `yaml:"type"`

	// Event is the event type (trace_contains, trace_count).
	Event string `yaml:"event,omitempty"`

	// Data is a subset match on the event payload (trace_contains).
	Data map[string]any `yaml:"data,omitempty"`

	// Reason matches the rollback reason in metadata (trace_contains).
	Reason string `yaml:"reason,omitempty"`

	// Count is the expected number of occurrences (trace_count).
	Count int `yaml:"count,omitempty"`

	// Events is the expected order (trace_order).
	Events []string `yaml:"events,omitempty"`

	// Table, Where and Expect describe a projection row (final_state).
	Table  string         `yaml:"table,omitempty"`
	Where  map[string]any `yaml:"where,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
)

// Gateway outcome names.
const (
	OutcomeOK          = "ok"
	OutcomeUnavailable = "unavailable"
	OutcomeBadRequest  = "bad_request"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // catches "assertion:" vs "assertions:"
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
// Params are not validated here: invalid params are a legitimate scenario.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	switch s.Expect.Status {
	case saga.StatusCompleted, saga.StatusFailed:
	case "":
		return fmt.Errorf("expect.status is required")
	default:
		return fmt.Errorf("expect.status must be %s or %s, got %q", saga.StatusCompleted, saga.StatusFailed, s.Expect.Status)
	}

	for field, outcomes := range map[string][]string{
		"gateways.dns_create": s.Gateways.DNSCreate,
		"gateways.dns_delete": s.Gateways.DNSDelete,
	} {
		for i, o := range outcomes {
			switch o {
			case OutcomeOK, OutcomeUnavailable, OutcomeBadRequest:
			default:
				return fmt.Errorf("%s[%d]: unknown outcome %q", field, i, o)
			}
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
