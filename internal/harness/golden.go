package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/orgboot/internal/event"
)

// TraceSnapshot is the golden form of a run: the outcome summary and the
// event sequence. Payloads are left out since they carry derived ids.
type TraceSnapshot struct {
	ScenarioName string
	Outcome      Result
}

func (s *TraceSnapshot) toCanonicalMap() event.Data {
	trace := make([]any, len(s.Outcome.Trace))
	for i, ev := range s.Outcome.Trace {
		m := map[string]any{
			"seq":            ev.Seq,
			"stream_type":    ev.StreamType,
			"event_type":     ev.EventType,
			"stream_version": ev.StreamVersion,
		}
		if ev.Reason != "" {
			m["reason"] = ev.Reason
		}
		trace[i] = m
	}

	out := s.Outcome.Outcome
	return event.Data{
		"scenario_name":    s.ScenarioName,
		"status":           out.Status,
		"dns_configured":   out.DNSConfigured,
		"dns_skipped":      out.DNSSkipped,
		"invitations_sent": out.InvitationsSent,
		"trace":            trace,
	}
}

// RunWithGolden executes a scenario and compares its trace against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result against a golden file without
// re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	snapshot := TraceSnapshot{ScenarioName: scenarioName, Outcome: *result}
	traceJSON, err := event.MarshalCanonical(snapshot.toCanonicalMap())
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)
	return nil
}
