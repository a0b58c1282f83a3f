package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/roach88/orgboot/internal/event"
	"github.com/roach88/orgboot/internal/gateway/gatewaytest"
	"github.com/roach88/orgboot/internal/projection"
	"github.com/roach88/orgboot/internal/resilience"
	"github.com/roach88/orgboot/internal/saga"
	"github.com/roach88/orgboot/internal/schema"
	"github.com/roach88/orgboot/internal/store"
	"github.com/roach88/orgboot/internal/testutil"
)

// Fixed ids handed out to every scenario run: the run id first, then the
// organization id. Later ids are derived deterministically.
const (
	RunID          = "0190f3a2-7c4e-7a10-8000-0000000000f1"
	OrganizationID = "0190f3a2-7c4e-7a10-8000-0000000000a1"
)

// Zone is the DNS zone of the scripted DNS gateway.
const Zone = "orgboot.test"

const defaultBreakerThreshold = 3

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database. Retry delays are recorded
// instead of slept and jitter is pinned, so a run takes milliseconds and
// always produces the same trace.
func Run(scenario *Scenario) (*Result, error) {
	registry, err := schema.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load event schemas: %w", err)
	}

	clock := testutil.NewDeterministicClock()
	st, err := store.Open(":memory:",
		store.WithRouter(projection.NewRouter()),
		store.WithValidator(registry),
		store.WithClock(clock.Now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	dns := gatewaytest.NewDNS(Zone).
		ScriptCreate(outcomeErrors("dns", scenario.Gateways.DNSCreate)...).
		ScriptDelete(outcomeErrors("dns", scenario.Gateways.DNSDelete)...)
	email := gatewaytest.NewEmail()
	for _, to := range scenario.Gateways.EmailReject {
		email.Fail(to, gatewaytest.BadRequest("email"))
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sleeper := &testutil.RecordingSleeper{}
	step, dnsPolicy := resilience.StepPolicy(), resilience.DNSPolicy()
	step.Sleep, dnsPolicy.Sleep = sleeper.Sleep, sleeper.Sleep
	step.Rand = func() float64 { return 0.5 }
	dnsPolicy.Rand = step.Rand

	threshold := scenario.BreakerThreshold
	if threshold == 0 {
		threshold = defaultBreakerThreshold
	}
	breaker := func(name string) *resilience.Breaker {
		return resilience.NewBreaker(resilience.BreakerSettings{
			Name:             name,
			FailureThreshold: threshold,
			OpenTimeout:      time.Hour,
			Logger:           logger,
		})
	}

	orch := saga.New(st, dns, email,
		saga.WithPolicies(step, dnsPolicy),
		saga.WithBreakers(breaker("dns"), breaker("email")),
		saga.WithIDGenerator(event.NewFixedGenerator(RunID, OrganizationID)),
		saga.WithClock(func() time.Time { return testutil.Epoch }),
		saga.WithLogger(logger),
	)

	ctx := context.Background()
	result := NewResult()
	result.Outcome = orch.Bootstrap(ctx, scenario.Params)

	events, err := st.ReadByCorrelation(ctx, correlationID(scenario))
	if err != nil {
		return nil, fmt.Errorf("failed to read trace: %w", err)
	}
	for _, ev := range events {
		result.Trace = append(result.Trace, TraceEvent{
			Seq:           ev.Seq,
			StreamType:    ev.StreamType,
			EventType:     ev.EventType,
			StreamVersion: ev.StreamVersion,
			Reason:        ev.Metadata.Reason,
			Data:          ev.Data,
		})
	}
	result.Calls.DNSCreates, result.Calls.DNSDeletes = dns.Calls()
	result.Calls.Emails = email.Calls()

	for _, msg := range checkOutcome(scenario.Expect, result) {
		result.AddError(msg)
	}
	actx := &AssertionContext{Store: st, Ctx: ctx}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func correlationID(s *Scenario) string {
	if s.Params.CorrelationID != "" {
		return s.Params.CorrelationID
	}
	return RunID
}

func outcomeErrors(service string, outcomes []string) []error {
	errs := make([]error, len(outcomes))
	for i, o := range outcomes {
		switch o {
		case OutcomeUnavailable:
			errs[i] = gatewaytest.Unavailable(service)
		case OutcomeBadRequest:
			errs[i] = gatewaytest.BadRequest(service)
		}
	}
	return errs
}

// checkOutcome compares the saga result with the expected outcome.
func checkOutcome(want Outcome, r *Result) []string {
	got := r.Outcome
	var msgs []string
	mismatch := func(field string, want, got any) {
		msgs = append(msgs, fmt.Sprintf("outcome %s: expected %v, got %v", field, want, got))
	}

	if got.Status != want.Status {
		mismatch("status", want.Status, got.Status)
	}
	if want.DNSConfigured != nil && got.DNSConfigured != *want.DNSConfigured {
		mismatch("dns_configured", *want.DNSConfigured, got.DNSConfigured)
	}
	if want.DNSSkipped != nil && got.DNSSkipped != *want.DNSSkipped {
		mismatch("dns_skipped", *want.DNSSkipped, got.DNSSkipped)
	}
	if want.InvitationsSent != nil && got.InvitationsSent != *want.InvitationsSent {
		mismatch("invitations_sent", *want.InvitationsSent, got.InvitationsSent)
	}
	if want.Domain != nil && got.Domain != *want.Domain {
		mismatch("domain", *want.Domain, got.Domain)
	}
	if want.DNSCreates != nil && r.Calls.DNSCreates != *want.DNSCreates {
		mismatch("dns_creates", *want.DNSCreates, r.Calls.DNSCreates)
	}

	steps := make([]string, 0, len(got.Errors))
	for _, e := range got.Errors {
		steps = append(steps, e.Step)
	}
	if want.ErrorSteps != nil && !slices.Equal(steps, want.ErrorSteps) {
		mismatch("error_steps", want.ErrorSteps, steps)
	}

	rollback := make([]string, 0, len(got.Compensation))
	for _, c := range got.Compensation {
		rollback = append(rollback, c.Step+"="+c.Outcome)
	}
	if want.Compensation != nil && !slices.Equal(rollback, want.Compensation) {
		mismatch("compensation", strings.Join(want.Compensation, ","), strings.Join(rollback, ","))
	}
	return msgs
}
