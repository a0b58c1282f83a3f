// Package harness runs bootstrap conformance scenarios.
//
// A scenario is a YAML file naming bootstrap parameters, the failures the
// DNS and email gateways should produce, the outcome the saga must report
// and assertions over the resulting event trace and projections. Each
// scenario runs against a fresh in-memory store with scripted gateways, a
// deterministic clock and fixed ids, so the trace is reproducible and can be
// compared against a golden file.
//
// # Scenario Format
//
//	name: dns_outage
//	description: "DNS never recovers; everything is rolled back"
//	params:
//	  organization: { name: Acme, contacts: [...] }
//	  subdomain: acme
//	  users: [...]
//	gateways:
//	  dns_create: [unavailable, unavailable, unavailable]
//	  email_reject: [bob@acme.test]
//	expect:
//	  status: failed
//	  dns_configured: false
//	  error_steps: [configure_dns]
//	assertions:
//	  - type: trace_order
//	    events: [organization.created, organization.deactivated]
//	  - type: final_state
//	    table: organizations
//	    where: { slug: acme }
//	    expect: { status: inactive }
//
// # Assertion Types
//
//   - trace_contains: an event of the type exists whose data contains the given fields
//   - trace_order: the event types first appear in the given order
//   - trace_count: the event type appears exactly N times
//   - final_state: exactly one projection row matches and has the expected columns
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/dns_outage.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(scenario)
//	if !result.Pass {
//	    for _, msg := range result.Errors {
//	        log.Println(msg)
//	    }
//	}
package harness
