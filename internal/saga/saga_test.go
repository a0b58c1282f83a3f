package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/orgboot/internal/event"
	"github.com/roach88/orgboot/internal/gateway"
	"github.com/roach88/orgboot/internal/gateway/gatewaytest"
	"github.com/roach88/orgboot/internal/projection"
	"github.com/roach88/orgboot/internal/resilience"
	"github.com/roach88/orgboot/internal/schema"
	"github.com/roach88/orgboot/internal/store"
	"github.com/roach88/orgboot/internal/testutil"
)

const (
	runID  = "0190f3a2-7c4e-7a10-8000-0000000000f1"
	orgID  = "0190f3a2-7c4e-7a10-8000-0000000000a1"
	userID = "3f2e1d0c-9b8a-4766-a554-433221100fed"
)

type harness struct {
	t       *testing.T
	store   *store.Store
	reader  *projection.Reader
	dns     *gatewaytest.DNS
	email   *gatewaytest.Email
	sleeper *testutil.RecordingSleeper
	now     time.Time
	orch    *Orchestrator
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	registry, err := schema.Load()
	require.NoError(t, err)

	s, err := store.Open(filepath.Join(t.TempDir(), "saga.db"),
		store.WithRouter(projection.NewRouter()),
		store.WithValidator(registry),
		store.WithClock(testutil.NewDeterministicClock().Now),
	)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	h := &harness{
		t:       t,
		store:   s,
		reader:  projection.NewReader(s.DB()),
		dns:     gatewaytest.NewDNS("orgboot.test"),
		email:   gatewaytest.NewEmail(),
		sleeper: &testutil.RecordingSleeper{},
		now:     testutil.Epoch,
	}

	step, dns := resilience.StepPolicy(), resilience.DNSPolicy()
	step.Sleep, dns.Sleep = h.sleeper.Sleep, h.sleeper.Sleep
	step.Rand = func() float64 { return 0.5 }
	dns.Rand = step.Rand

	base := []Option{
		WithPolicies(step, dns),
		WithIDGenerator(event.NewFixedGenerator(runID, orgID)),
		WithClock(func() time.Time { return h.now }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	h.orch = New(s, h.dns, h.email, append(base, opts...)...)
	return h
}

// trail renders the run's events, one line each, in log order.
func (h *harness) trail(correlationID string) []byte {
	h.t.Helper()
	events, err := h.store.ReadByCorrelation(context.Background(), correlationID)
	require.NoError(h.t, err)

	var b strings.Builder
	for _, ev := range events {
		fmt.Fprintf(&b, "%s %s v%d", ev.StreamType, ev.EventType, ev.StreamVersion)
		if ev.Metadata.Reason != "" {
			fmt.Fprintf(&b, " (%s)", ev.Metadata.Reason)
		}
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

func (h *harness) organization(id string) projection.Organization {
	h.t.Helper()
	org, err := h.reader.Organization(context.Background(), id)
	require.NoError(h.t, err)
	return org
}

func assertGolden(t *testing.T, name string, data []byte) {
	t.Helper()
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
}

func resultJSON(t *testing.T, r Result) []byte {
	t.Helper()
	b, err := json.MarshalIndent(r, "", "  ")
	require.NoError(t, err)
	return append(b, '\n')
}

func acmeParams(users ...User) Params {
	if len(users) == 0 {
		users = []User{{Email: "ada@acme.test", FirstName: "Ada", LastName: "Lovelace", Role: "owner"}}
	}
	return Params{
		Organization: OrgData{
			Name:     "Acme",
			Timezone: "Europe/London",
			Contacts: []Contact{{Label: "billing", FirstName: "Ada", LastName: "Lovelace", Email: "ada@acme.test"}},
			Addresses: []Address{{Label: "hq", Street1: "1 Main St", City: "London", Region: "LDN",
				PostalCode: "EC1A 1BB", Country: "gb"}},
			Phones: []Phone{{Label: "office", Number: "+44 20 7946 0000"}},
		},
		Subdomain: "acme",
		Users:     users,
	}
}

func TestBootstrap_HappyPath(t *testing.T) {
	h := newHarness(t)

	res := h.orch.Bootstrap(context.Background(), acmeParams())

	assertGolden(t, "bootstrap_happy_path_result", resultJSON(t, res))
	assertGolden(t, "bootstrap_happy_path_events", h.trail(runID))

	creates, _ := h.dns.Calls()
	assert.Equal(t, 1, creates, "dns registered on the first attempt")
	assert.Empty(t, h.sleeper.Delays())
	assert.Equal(t, 1, h.email.Calls())

	sent := h.email.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "ada@acme.test", sent[0].To)
	assert.Equal(t, DefaultInvitationTemplate, sent[0].TemplateID)
	assert.Equal(t, "Acme", sent[0].Data["organization"])
	assert.True(t, strings.HasPrefix(sent[0].Data["accept_url"], "https://acme.orgboot.test/invitations/"))

	org := h.organization(orgID)
	assert.Equal(t, projection.StatusActive, org.Status)
	assert.Equal(t, "acme.orgboot.test", org.Domain)
	assert.Equal(t, "rec-1", org.DNSRecordID)

	invs, err := h.reader.Invitations(context.Background(), orgID)
	require.NoError(t, err)
	require.Len(t, invs, 1)
	assert.Equal(t, projection.InvitationSent, invs[0].Status)
	assert.Equal(t, "msg-ada@acme.test", invs[0].MessageID)
	assert.Equal(t, event.FormatTime(testutil.Epoch.Add(DefaultInvitationTTL)), invs[0].ExpiresAt)

	addrs, err := h.reader.Addresses(context.Background(), orgID)
	require.NoError(t, err)
	require.Len(t, addrs, 1)
	assert.Equal(t, "GB", addrs[0].Country)
}

func TestBootstrap_DNSExhaustionCompensates(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 7; i++ {
		h.dns.ScriptCreate(gatewaytest.Unavailable("dns"))
	}

	res := h.orch.Bootstrap(context.Background(), acmeParams())

	assert.True(t, res.Failed())
	assert.Equal(t, orgID, res.OrganizationID)
	assert.False(t, res.DNSConfigured)
	assert.Equal(t, 0, res.InvitationsSent)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, StepConfigureDNS, res.Errors[0].Step)
	assert.Equal(t, ErrorFatal, res.Errors[0].Kind)
	assert.Contains(t, res.Errors[0].Message, "gave up after 7 attempts")

	assert.Equal(t, []CompensationStep{
		{Step: StepRevokeInvitations, Outcome: CompensationDone},
		{Step: StepRemoveDNS, Outcome: CompensationSkipped},
		{Step: StepDeletePhones, Outcome: CompensationDone},
		{Step: StepDeleteAddresses, Outcome: CompensationDone},
		{Step: StepDeleteContacts, Outcome: CompensationDone},
		{Step: StepDeactivate, Outcome: CompensationDone},
	}, res.Compensation)
	assertGolden(t, "bootstrap_dns_exhaustion_events", h.trail(runID))

	// The breaker opens after three failures; the remaining attempts are
	// rejected without reaching the gateway.
	creates, deletes := h.dns.Calls()
	assert.Equal(t, 3, creates)
	assert.Equal(t, 0, deletes)
	assert.Len(t, h.sleeper.Delays(), 6)
	assert.Equal(t, 0, h.email.Calls())

	org := h.organization(orgID)
	assert.Equal(t, projection.StatusInactive, org.Status)
	assert.False(t, org.Live())
	contacts, err := h.reader.Contacts(context.Background(), orgID)
	require.NoError(t, err)
	assert.Empty(t, contacts)
}

func TestBootstrap_DNSRetriesEveryAttemptWithTolerantBreaker(t *testing.T) {
	breaker := resilience.NewBreaker(resilience.BreakerSettings{Name: "dns", FailureThreshold: 100,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	h := newHarness(t, WithBreakers(breaker, resilience.NewBreaker(resilience.BreakerSettings{Name: "email"})))
	for i := 0; i < 7; i++ {
		h.dns.ScriptCreate(gatewaytest.Unavailable("dns"))
	}

	res := h.orch.Bootstrap(context.Background(), acmeParams())

	assert.True(t, res.Failed())
	creates, _ := h.dns.Calls()
	assert.Equal(t, 7, creates)
	assert.Equal(t, []time.Duration{
		10 * time.Second, 20 * time.Second, 40 * time.Second, 80 * time.Second, 160 * time.Second, 5 * time.Minute,
	}, h.sleeper.Delays())
}

func TestBootstrap_DNSRecoversWithinBudget(t *testing.T) {
	h := newHarness(t)
	h.dns.ScriptCreate(gatewaytest.Unavailable("dns"), gatewaytest.Unavailable("dns"))

	res := h.orch.Bootstrap(context.Background(), acmeParams())

	assert.False(t, res.Failed())
	assert.True(t, res.DNSConfigured)
	assert.Equal(t, "acme.orgboot.test", res.Domain)
	assert.Equal(t, []time.Duration{10 * time.Second, 20 * time.Second}, h.sleeper.Delays())
}

func TestBootstrap_PartialEmailFailureIsNonFatal(t *testing.T) {
	h := newHarness(t)
	h.email.Fail("bob@acme.test", gatewaytest.BadRequest("email"))

	res := h.orch.Bootstrap(context.Background(), acmeParams(
		User{Email: "ada@acme.test", FirstName: "Ada", LastName: "Lovelace", Role: "owner"},
		User{Email: "bob@acme.test", FirstName: "Bob", LastName: "Babbage"},
		User{Email: "cy@acme.test", FirstName: "Cy", LastName: "Shannon", Role: "viewer"},
	))

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 2, res.InvitationsSent)
	assert.Equal(t, []StepError{{
		Step:    StepSendInvitationEmails,
		Kind:    ErrorNonFatal,
		Message: "send invitation to bob@acme.test: email scripted: bad_request (HTTP 400): rejected",
	}}, res.Errors)
	assert.Empty(t, res.Compensation)
	assert.Equal(t, projection.StatusActive, h.organization(orgID).Status)

	invs, err := h.reader.Invitations(context.Background(), orgID)
	require.NoError(t, err)
	status := map[string]string{}
	for _, inv := range invs {
		status[inv.Email] = inv.Status
	}
	assert.Equal(t, map[string]string{
		"ada@acme.test": projection.InvitationSent,
		"bob@acme.test": projection.InvitationPending,
		"cy@acme.test":  projection.InvitationSent,
	}, status)
	assert.Equal(t, 3, h.email.Calls())
}

func TestBootstrap_StakeholderSkipsDNS(t *testing.T) {
	h := newHarness(t)
	p := acmeParams()
	p.Subdomain = ""
	p.Organization.Name = "Acme Stakeholders, Inc."
	p.Organization.Kind = KindStakeholder

	res := h.orch.Bootstrap(context.Background(), p)

	assertGolden(t, "bootstrap_stakeholder_result", resultJSON(t, res))
	creates, deletes := h.dns.Calls()
	assert.Zero(t, creates)
	assert.Zero(t, deletes)

	org := h.organization(orgID)
	assert.Equal(t, "acme-stakeholders-inc", org.Slug)
	assert.Equal(t, KindStakeholder, org.Kind)
	assert.Equal(t, projection.StatusActive, org.Status)
}

func TestBootstrap_StakeholderWithSubdomainStillSkipsDNS(t *testing.T) {
	h := newHarness(t)
	p := acmeParams()
	p.Organization.Kind = KindStakeholder

	res := h.orch.Bootstrap(context.Background(), p)

	assert.Equal(t, StatusCompleted, res.Status)
	assert.True(t, res.DNSSkipped)
	creates, _ := h.dns.Calls()
	assert.Zero(t, creates)
}

func TestBootstrap_RerunIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.orch.Bootstrap(ctx, acmeParams())
	require.Equal(t, StatusCompleted, first.Status)
	before, err := h.store.Stats(ctx)
	require.NoError(t, err)

	second := h.orch.Bootstrap(ctx, acmeParams())

	assert.Equal(t, StatusCompleted, second.Status)
	assert.Equal(t, first.OrganizationID, second.OrganizationID)
	assert.Equal(t, "acme.orgboot.test", second.Domain)
	assert.True(t, second.DNSConfigured)
	assert.Equal(t, 0, second.InvitationsSent, "already sent invitations are not resent")

	after, err := h.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.Total, after.Total, "a completed run appends nothing when repeated")
	creates, _ := h.dns.Calls()
	assert.Equal(t, 1, creates)
	assert.Equal(t, 1, h.email.Calls())
}

func TestBootstrap_FailedRerunLeavesLiveOrganizationIntact(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	stakeholder := acmeParams()
	stakeholder.Subdomain = ""
	stakeholder.Organization.Kind = KindStakeholder
	require.Equal(t, StatusCompleted, h.orch.Bootstrap(ctx, stakeholder).Status)
	before, err := h.reader.Fingerprint(ctx)
	require.NoError(t, err)

	for i := 0; i < 7; i++ {
		h.dns.ScriptCreate(gatewaytest.Unavailable("dns"))
	}
	res := h.orch.Bootstrap(ctx, acmeParams())

	require.True(t, res.Failed())
	assert.Equal(t, orgID, res.OrganizationID)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, StepConfigureDNS, res.Errors[0].Step)
	assert.Equal(t, []CompensationStep{
		{Step: StepRevokeInvitations, Outcome: CompensationSkipped},
		{Step: StepRemoveDNS, Outcome: CompensationSkipped},
		{Step: StepDeletePhones, Outcome: CompensationSkipped},
		{Step: StepDeleteAddresses, Outcome: CompensationSkipped},
		{Step: StepDeleteContacts, Outcome: CompensationSkipped},
		{Step: StepDeactivate, Outcome: CompensationSkipped},
	}, res.Compensation)

	org := h.organization(orgID)
	assert.Equal(t, projection.StatusActive, org.Status)
	assert.True(t, org.Live())
	after, err := h.reader.Fingerprint(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after, "the failed rerun changed the existing tenant")
}

func TestBootstrap_FailedRerunRevokesOnlyItsOwnInvitations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.Equal(t, StatusCompleted, h.orch.Bootstrap(ctx, acmeParams()).Status)

	// The second invitee is created, the third fails validation.
	res := h.orch.Bootstrap(ctx, acmeParams(
		User{Email: "ada@acme.test", FirstName: "Ada", LastName: "Lovelace", Role: "owner"},
		User{Email: "bob@acme.test", FirstName: "Bob", LastName: "Babbage"},
		User{Email: "not-an-email", FirstName: "No", LastName: "Body"},
	))

	require.True(t, res.Failed())
	assert.Equal(t, StepGenerateInvitations, res.Errors[0].Step)
	assert.Equal(t, CompensationStep{Step: StepRevokeInvitations, Outcome: CompensationDone}, res.Compensation[0])
	assert.Equal(t, CompensationStep{Step: StepRemoveDNS, Outcome: CompensationSkipped}, res.Compensation[1])
	assert.Len(t, h.dns.Records(), 1, "the tenant's own record stays")

	ada, err := h.reader.Invitation(ctx, event.DeriveID(orgID, event.StreamInvitation, "ada@acme.test"))
	require.NoError(t, err)
	assert.Equal(t, projection.InvitationSent, ada.Status)
	bob, err := h.reader.Invitation(ctx, event.DeriveID(orgID, event.StreamInvitation, "bob@acme.test"))
	require.NoError(t, err)
	assert.Equal(t, projection.InvitationRevoked, bob.Status)

	org := h.organization(orgID)
	assert.True(t, org.Live())
	assert.Equal(t, "rec-1", org.DNSRecordID)
}

func TestConfigureDNS_RecordsRecordFromEarlierAttempt(t *testing.T) {
	h := newHarness(t, WithIDGenerator(event.NewFixedGenerator(orgID)))
	ctx := context.Background()
	run := Run{ID: runID, CorrelationID: runID}

	c, err := h.orch.acts.CreateOrganization(ctx, run, acmeParams().normalize())
	require.NoError(t, err)
	require.True(t, c.New)

	// An earlier attempt registered rec-7 but failed to record it.
	prior := gateway.Record{ID: "rec-7", FQDN: "acme.orgboot.test"}
	rec, created, err := h.orch.acts.ConfigureDNS(ctx, run, orgID, "acme", prior)
	require.NoError(t, err)
	assert.Equal(t, prior, rec)
	assert.True(t, created)
	creates, _ := h.dns.Calls()
	assert.Zero(t, creates, "the gateway is not asked for a second record")
	assert.Equal(t, "rec-7", h.organization(orgID).DNSRecordID)

	rec, created, err = h.orch.acts.ConfigureDNS(ctx, run, orgID, "acme", prior)
	require.NoError(t, err)
	assert.Equal(t, prior, rec)
	assert.True(t, created)

	_, created, err = h.orch.acts.ConfigureDNS(ctx, run, orgID, "acme", gateway.Record{})
	require.NoError(t, err)
	assert.False(t, created, "a stored record this run did not register is not its own")
}

func TestBootstrap_LaterFailureRemovesDNS(t *testing.T) {
	h := newHarness(t)
	p := acmeParams(User{Email: "not-an-email", FirstName: "No", LastName: "Body"})

	res := h.orch.Bootstrap(context.Background(), p)

	require.True(t, res.Failed())
	require.Len(t, res.Errors, 1)
	assert.Equal(t, StepGenerateInvitations, res.Errors[0].Step)
	assert.False(t, res.DNSConfigured)
	assert.Empty(t, res.Domain)
	assert.Equal(t, CompensationStep{Step: StepRemoveDNS, Outcome: CompensationDone}, res.Compensation[1])

	assert.Empty(t, h.dns.Records())
	org := h.organization(orgID)
	assert.Empty(t, org.DNSRecordID)
	assert.Empty(t, org.Domain)
	assert.False(t, org.Live())
}

func TestBootstrap_CompensationFailureDoesNotStopRollback(t *testing.T) {
	h := newHarness(t)
	h.dns.ScriptDelete(gatewaytest.BadRequest("dns"))
	p := acmeParams(User{Email: "not-an-email", FirstName: "No", LastName: "Body"})

	res := h.orch.Bootstrap(context.Background(), p)

	require.True(t, res.Failed())
	require.Len(t, res.Errors, 2)
	assert.Equal(t, ErrorFatal, res.Errors[0].Kind)
	assert.Equal(t, StepError{
		Step:    StepRemoveDNS,
		Kind:    ErrorCompensation,
		Message: "delete dns record rec-1: dns scripted: bad_request (HTTP 400): rejected",
	}, res.Errors[1])
	assert.True(t, res.DNSConfigured, "the record is still out there")

	assert.Equal(t, []CompensationStep{
		{Step: StepRevokeInvitations, Outcome: CompensationDone},
		{Step: StepRemoveDNS, Outcome: CompensationFailed},
		{Step: StepDeletePhones, Outcome: CompensationDone},
		{Step: StepDeleteAddresses, Outcome: CompensationDone},
		{Step: StepDeleteContacts, Outcome: CompensationDone},
		{Step: StepDeactivate, Outcome: CompensationDone},
	}, res.Compensation)
	assert.Len(t, h.dns.Records(), 1)
	assert.False(t, h.organization(orgID).Live())
}

func TestBootstrap_CancellationFailsCurrentStepAndCompensates(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.dns.Hook = func(ctx context.Context, op string) {
		if op == "create" {
			cancel()
		}
	}

	res := h.orch.Bootstrap(ctx, acmeParams())

	require.True(t, res.Failed())
	require.Len(t, res.Errors, 1)
	assert.Equal(t, StepConfigureDNS, res.Errors[0].Step)
	assert.Contains(t, res.Errors[0].Message, context.Canceled.Error())
	assert.Equal(t, CompensationDone, res.Compensation[len(res.Compensation)-1].Outcome)
	assert.False(t, h.organization(orgID).Live(), "compensation ran despite the cancelled context")
}

func TestBootstrap_RejectsInvalidParamsWithoutWriting(t *testing.T) {
	cases := map[string]func(*Params){
		"no contacts":       func(p *Params) { p.Organization.Contacts = nil },
		"no users":          func(p *Params) { p.Users = nil },
		"bad subdomain":     func(p *Params) { p.Subdomain = "-acme" },
		"long subdomain":    func(p *Params) { p.Subdomain = strings.Repeat("a", 64) },
		"unknown kind":      func(p *Params) { p.Organization.Kind = "vendor" },
		"unknown role":      func(p *Params) { p.Users[0].Role = "root" },
		"duplicate invitee": func(p *Params) { p.Users = append(p.Users, p.Users[0]) },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			p := acmeParams()
			mutate(&p)

			res := h.orch.Bootstrap(context.Background(), p)

			assert.True(t, res.Failed())
			require.Len(t, res.Errors, 1)
			assert.Equal(t, StepValidate, res.Errors[0].Step)
			assert.Empty(t, res.Compensation)

			stats, err := h.store.Stats(context.Background())
			require.NoError(t, err)
			assert.Zero(t, stats.Total)
		})
	}
}

func TestBootstrap_RejectsSubdomainOwnedByAnotherOrganization(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.Equal(t, StatusCompleted, h.orch.Bootstrap(ctx, acmeParams()).Status)

	p := acmeParams()
	p.Organization.Name = "Acme Rockets"
	res := h.orch.Bootstrap(ctx, p)

	assert.True(t, res.Failed())
	require.Len(t, res.Errors, 1)
	assert.Equal(t, StepValidate, res.Errors[0].Step)
	assert.Contains(t, res.Errors[0].Message, orgID)
}

func TestAcceptInvitation_AssignsRole(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.Equal(t, StatusCompleted, h.orch.Bootstrap(ctx, acmeParams()).Status)
	invitationID := event.DeriveID(orgID, event.StreamInvitation, "ada@acme.test")

	require.NoError(t, h.orch.AcceptInvitation(ctx, invitationID, userID))
	require.NoError(t, h.orch.AcceptInvitation(ctx, invitationID, userID), "accepting twice is harmless")

	inv, err := h.reader.Invitation(ctx, invitationID)
	require.NoError(t, err)
	assert.Equal(t, projection.InvitationAccepted, inv.Status)
	assert.Equal(t, userID, inv.AcceptedBy)

	roles, err := h.reader.RoleAssignments(ctx, orgID)
	require.NoError(t, err)
	require.Len(t, roles, 1)
	assert.Equal(t, "owner", roles[0].Role)
	assert.Equal(t, invitationID, roles[0].InvitationID)

	other := "3f2e1d0c-9b8a-4766-a554-433221100fee"
	assert.ErrorIs(t, h.orch.AcceptInvitation(ctx, invitationID, other), ErrInvitationClosed)
}

func TestAcceptInvitation_Expired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.Equal(t, StatusCompleted, h.orch.Bootstrap(ctx, acmeParams()).Status)
	invitationID := event.DeriveID(orgID, event.StreamInvitation, "ada@acme.test")

	h.now = h.now.Add(DefaultInvitationTTL + time.Second)
	err := h.orch.AcceptInvitation(ctx, invitationID, userID)

	assert.ErrorIs(t, err, ErrInvitationExpired)
	roles, err := h.reader.RoleAssignments(ctx, orgID)
	require.NoError(t, err)
	assert.Empty(t, roles)
}

func TestAcceptInvitation_RevokedByRollback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := acmeParams(
		User{Email: "ada@acme.test", FirstName: "Ada", LastName: "Lovelace"},
		User{Email: "not-an-email", FirstName: "No", LastName: "Body"},
	)
	require.True(t, h.orch.Bootstrap(ctx, p).Failed())
	invitationID := event.DeriveID(orgID, event.StreamInvitation, "ada@acme.test")

	inv, err := h.reader.Invitation(ctx, invitationID)
	require.NoError(t, err)
	assert.Equal(t, projection.InvitationRevoked, inv.Status)

	assert.ErrorIs(t, h.orch.AcceptInvitation(ctx, invitationID, userID), ErrOrganizationInactive)
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "cafe-muller-sohne", Slugify("Café Müller & Söhne"))
	assert.Equal(t, "acme-stakeholders-inc", Slugify("  Acme Stakeholders, Inc. "))
	assert.Equal(t, "strasse-1", Slugify("STRASSE 1"))
	assert.Empty(t, Slugify("!!!"))
}
