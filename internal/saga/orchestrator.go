// Package saga provisions a tenant organization end to end and rolls back
// what it did when a step fails.
//
// The forward path is
//
//	create_organization -> configure_dns -> generate_invitations ->
//	send_invitation_emails -> activate_organization
//
// where configure_dns only runs for provider tenants that request a
// subdomain. A fatal failure runs the compensations in reverse order:
//
//	revoke_invitations -> remove_dns -> delete_phones -> delete_addresses ->
//	delete_contacts -> deactivate_organization
//
// Every compensation is attempted even when an earlier one failed.
// Rollback only touches what the run owns: an organization it created or
// resumed from an earlier provisioning run. An organization that was
// already active keeps its records and DNS; only the invitations and the
// DNS record the failed run itself created are undone.
// Compensation is best effort: failures are reported in the Result and
// logged for manual cleanup, never retried beyond the step policy.
//
// The Orchestrator only sequences steps. Every effect (event appends,
// gateway calls, ids, time) happens inside Activities.
package saga

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/orgboot/internal/event"
	"github.com/roach88/orgboot/internal/gateway"
	"github.com/roach88/orgboot/internal/projection"
	"github.com/roach88/orgboot/internal/resilience"
	"github.com/roach88/orgboot/internal/store"
)

// Settings tunes a saga. Zero fields take the defaults.
type Settings struct {
	// DNSTarget is the record target every tenant subdomain points at.
	DNSTarget          string
	InvitationTTL      time.Duration
	InvitationTemplate string
	// EmailConcurrency bounds parallel invitation sends within one run.
	EmailConcurrency int
	StepTimeout      time.Duration
	// DNSTimeout is the budget of the whole configure_dns retry loop.
	DNSTimeout time.Duration
}

// Defaults.
const (
	DefaultDNSTarget          = "tenants.orgboot.dev"
	DefaultInvitationTTL      = 7 * 24 * time.Hour
	DefaultInvitationTemplate = "organization-invitation"
	DefaultEmailConcurrency   = 4
	DefaultStepTimeout        = 10 * time.Minute
	DefaultDNSTimeout         = 20 * time.Minute
)

func (s Settings) withDefaults() Settings {
	if s.DNSTarget == "" {
		s.DNSTarget = DefaultDNSTarget
	}
	if s.InvitationTTL <= 0 {
		s.InvitationTTL = DefaultInvitationTTL
	}
	if s.InvitationTemplate == "" {
		s.InvitationTemplate = DefaultInvitationTemplate
	}
	if s.EmailConcurrency <= 0 {
		s.EmailConcurrency = DefaultEmailConcurrency
	}
	if s.StepTimeout <= 0 {
		s.StepTimeout = DefaultStepTimeout
	}
	if s.DNSTimeout <= 0 {
		s.DNSTimeout = DefaultDNSTimeout
	}
	return s
}

// Orchestrator runs bootstrap sagas. It holds no per-run state and is safe
// for concurrent use; runs share the gateway breakers.
type Orchestrator struct {
	acts       *Activities
	stepPolicy resilience.Policy
	dnsPolicy  resilience.Policy
	settings   Settings
	logger     *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSettings replaces the default settings.
func WithSettings(s Settings) Option {
	return func(o *Orchestrator) {
		o.settings = s
	}
}

// WithPolicies replaces the retry policies for ordinary steps and for DNS
// registration.
func WithPolicies(step, dns resilience.Policy) Option {
	return func(o *Orchestrator) {
		o.stepPolicy = step
		o.dnsPolicy = dns
	}
}

// WithBreakers shares existing breakers, typically one per gateway per
// process.
func WithBreakers(dns, email *resilience.Breaker) Option {
	return func(o *Orchestrator) {
		o.acts.dnsBreaker = dns
		o.acts.emailBreaker = email
	}
}

// WithIDGenerator sets the source of organization ids, run ids and
// invitation tokens.
func WithIDGenerator(g event.IDGenerator) Option {
	return func(o *Orchestrator) {
		o.acts.ids = g
	}
}

// WithClock sets the time source for invitation expiry.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.acts.now = now
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// New creates an orchestrator over the event store and gateways.
func New(st *store.Store, dns gateway.DNS, email gateway.Email, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		acts: &Activities{
			store:  st,
			reader: projection.NewReader(st.DB()),
			dns:    dns,
			email:  email,
			ids:    event.UUIDv7Generator{},
			now:    time.Now,
		},
		stepPolicy: resilience.StepPolicy(),
		dnsPolicy:  resilience.DNSPolicy(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.settings = o.settings.withDefaults()
	o.acts.settings = o.settings
	o.acts.logger = o.logger
	if o.acts.dnsBreaker == nil {
		o.acts.dnsBreaker = resilience.NewBreaker(resilience.BreakerSettings{Name: "dns", Logger: o.logger})
	}
	if o.acts.emailBreaker == nil {
		o.acts.emailBreaker = resilience.NewBreaker(resilience.BreakerSettings{Name: "email", Logger: o.logger})
	}
	return o
}

// Bootstrap provisions the organization described by p. It always returns a
// Result; failures are reported in Result.Errors, never as a panic or error.
//
// Cancelling ctx fails the step in progress and triggers compensation,
// which itself runs on a context that is not cancelled.
func (o *Orchestrator) Bootstrap(ctx context.Context, p Params) Result {
	p = p.normalize()
	runID := o.acts.ids.Generate()
	correlation := p.CorrelationID
	if correlation == "" {
		correlation = runID
	}
	st := &workflowState{run: Run{ID: runID, CorrelationID: correlation, WorkflowID: "bootstrap/" + p.slug()}}
	logger := o.logger.With("run_id", runID, "slug", p.slug())

	if err := p.Validate(); err != nil {
		st.fail(StepValidate, ErrorFatal, err)
		logger.Warn("bootstrap rejected", "error", err)
		return st.result(StatusFailed)
	}
	if err := o.acts.CheckAvailability(ctx, p); err != nil {
		st.fail(StepValidate, ErrorFatal, err)
		logger.Warn("bootstrap rejected", "error", err)
		return st.result(StatusFailed)
	}

	failed, err := o.forward(ctx, st, p, logger)
	if err == nil {
		logger.Info("bootstrap completed", "org_id", st.orgID, "invitations_sent", st.invitationsSent,
			"non_fatal_errors", len(st.errors))
		return st.result(StatusCompleted)
	}

	logger.Error("bootstrap failed, compensating", "org_id", st.orgID, "step", failed, "error", err)
	o.compensate(context.WithoutCancel(ctx), st, failed, logger)
	return st.result(StatusFailed)
}

// forward runs the steps in order and returns the name of the step that
// failed fatally.
func (o *Orchestrator) forward(ctx context.Context, st *workflowState, p Params, logger *slog.Logger) (string, error) {
	err := o.step(ctx, st, StepCreateOrganization, o.stepPolicy, o.settings.StepTimeout, logger, func(ctx context.Context) error {
		c, err := o.acts.CreateOrganization(ctx, st.run, p)
		if c.OrganizationID != "" {
			st.orgID = c.OrganizationID
			st.orgCreated = st.orgCreated || c.New
			st.orgResumed = c.Resumed
		}
		st.contactIDs = c.ContactIDs
		st.addressIDs = c.AddressIDs
		st.phoneIDs = c.PhoneIDs
		return err
	})
	if err != nil {
		return StepCreateOrganization, err
	}
	if !st.ownsOrg() {
		logger.Info("organization already live, rollback will leave it in place", "org_id", st.orgID)
	}

	if p.wantsDNS() {
		err = o.step(ctx, st, StepConfigureDNS, o.dnsPolicy, o.settings.DNSTimeout, logger, func(ctx context.Context) error {
			rec, created, err := o.acts.ConfigureDNS(ctx, st.run, st.orgID, p.Subdomain, st.dnsRecord)
			if rec.ID != "" {
				st.dnsConfigured = true
				st.domain = rec.FQDN
				if created || st.ownsOrg() {
					st.dnsRecord = rec
				}
			}
			return err
		})
		if err != nil {
			return StepConfigureDNS, err
		}
	} else {
		st.dnsSkipped = true
		logger.Info("dns skipped", "org_id", st.orgID, "kind", p.Organization.Kind, "subdomain", p.Subdomain)
	}

	err = o.step(ctx, st, StepGenerateInvitations, o.stepPolicy, o.settings.StepTimeout, logger, func(ctx context.Context) error {
		g, err := o.acts.GenerateInvitations(ctx, st.run, st.orgID, p.Users)
		st.invitationIDs = g.IDs
		st.newInvitationIDs = append(st.newInvitationIDs, g.New...)
		return err
	})
	if err != nil {
		return StepGenerateInvitations, err
	}

	if err := o.sendInvitations(ctx, st, logger); err != nil {
		return StepSendInvitationEmails, err
	}

	err = o.step(ctx, st, StepActivate, o.stepPolicy, o.settings.StepTimeout, logger, func(ctx context.Context) error {
		return o.acts.ActivateOrganization(ctx, st.run, st.orgID)
	})
	if err != nil {
		return StepActivate, err
	}
	return "", nil
}

// step runs fn under policy and a timeout and records a fatal failure.
func (o *Orchestrator) step(ctx context.Context, st *workflowState, name string, policy resilience.Policy,
	timeout time.Duration, logger *slog.Logger, fn func(ctx context.Context) error) error {
	logger.Debug("step started", "step", name)
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := policy.Do(sctx, fn); err != nil {
		st.fail(name, ErrorFatal, err)
		logger.Error("step failed", "step", name, "org_id", st.orgID, "error", err)
		return err
	}
	logger.Debug("step completed", "step", name)
	return nil
}

type delivery struct {
	d   gateway.Delivery
	err error
}

// sendInvitations emails every pending invitation concurrently. Delivery
// failures are non-fatal; only losing the context or the store is fatal.
func (o *Orchestrator) sendInvitations(ctx context.Context, st *workflowState, logger *slog.Logger) error {
	sctx, cancel := context.WithTimeout(ctx, o.settings.StepTimeout)
	defer cancel()

	org, pending, err := o.acts.PendingInvitations(sctx, st.orgID, st.invitationIDs)
	if err != nil {
		st.fail(StepSendInvitationEmails, ErrorFatal, err)
		return err
	}

	results := make([]delivery, len(pending))
	var g errgroup.Group
	g.SetLimit(o.settings.EmailConcurrency)
	for i, inv := range pending {
		i, inv := i, inv
		g.Go(func() error {
			d, err := resilience.Retry(sctx, o.stepPolicy, func(ctx context.Context) (gateway.Delivery, error) {
				return o.acts.SendInvitation(ctx, org, inv)
			})
			results[i] = delivery{d: d, err: err}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		st.fail(StepSendInvitationEmails, ErrorFatal, err)
		return err
	}

	for i, inv := range pending {
		if err := results[i].err; err != nil {
			st.fail(StepSendInvitationEmails, ErrorNonFatal, fmt.Errorf("send invitation to %s: %w", inv.Email, err))
			logger.Warn("invitation not sent", "org_id", st.orgID, "email", inv.Email, "error", err)
			continue
		}
		if err := o.acts.MarkInvitationSent(sctx, st.run, inv, results[i].d); err != nil {
			st.fail(StepSendInvitationEmails, ErrorNonFatal, fmt.Errorf("record invitation to %s: %w", inv.Email, err))
			logger.Warn("invitation sent but not recorded", "org_id", st.orgID, "email", inv.Email, "error", err)
			continue
		}
		st.invitationsSent++
	}
	return nil
}

// compensate undoes the forward steps in reverse order. Every action runs
// regardless of the outcome of the previous one.
func (o *Orchestrator) compensate(ctx context.Context, st *workflowState, failed string, logger *slog.Logger) {
	run := st.run
	run.Reason = "rollback: " + failed + " failed"
	owned := st.ownsOrg()
	revoke := st.newInvitationIDs
	if owned {
		revoke = st.invitationIDs
	}

	o.undo(ctx, st, StepRevokeInvitations, owned || len(revoke) > 0, logger, func(ctx context.Context) error {
		return o.acts.RevokeInvitations(ctx, run, st.orgID, revoke)
	})
	o.undo(ctx, st, StepRemoveDNS, st.dnsRecord.ID != "", logger, func(ctx context.Context) error {
		if err := o.acts.RemoveDNS(ctx, run, st.orgID, st.dnsRecord.ID); err != nil {
			return err
		}
		st.dnsConfigured = false
		st.domain = ""
		return nil
	})
	o.undo(ctx, st, StepDeletePhones, owned, logger, func(ctx context.Context) error {
		return o.acts.DeletePhones(ctx, run, st.orgID, st.phoneIDs)
	})
	o.undo(ctx, st, StepDeleteAddresses, owned, logger, func(ctx context.Context) error {
		return o.acts.DeleteAddresses(ctx, run, st.orgID, st.addressIDs)
	})
	o.undo(ctx, st, StepDeleteContacts, owned, logger, func(ctx context.Context) error {
		return o.acts.DeleteContacts(ctx, run, st.orgID, st.contactIDs)
	})
	o.undo(ctx, st, StepDeactivate, owned, logger, func(ctx context.Context) error {
		return o.acts.DeactivateOrganization(ctx, run, st.orgID)
	})

	if len(st.compensationErrors) > 0 {
		residual := make([]string, 0, len(st.compensationErrors))
		for _, e := range st.compensationErrors {
			residual = append(residual, e.Step)
		}
		logger.Error("rollback incomplete, manual cleanup required", "org_id", st.orgID,
			"dns_record_id", st.dnsRecord.ID, "failed_compensations", residual)
	}
}

func (o *Orchestrator) undo(ctx context.Context, st *workflowState, name string, needed bool,
	logger *slog.Logger, fn func(ctx context.Context) error) {
	if !needed {
		st.compensation = append(st.compensation, CompensationStep{Step: name, Outcome: CompensationSkipped})
		return
	}
	sctx, cancel := context.WithTimeout(ctx, o.settings.StepTimeout)
	defer cancel()

	if err := o.stepPolicy.Do(sctx, fn); err != nil {
		st.fail(name, ErrorCompensation, err)
		st.compensation = append(st.compensation, CompensationStep{Step: name, Outcome: CompensationFailed})
		logger.Error("compensation failed", "step", name, "org_id", st.orgID, "error", err)
		return
	}
	st.compensation = append(st.compensation, CompensationStep{Step: name, Outcome: CompensationDone})
}

// AcceptInvitation accepts an invitation on behalf of userID and assigns
// the invited role.
func (o *Orchestrator) AcceptInvitation(ctx context.Context, invitationID, userID string) error {
	runID := o.acts.ids.Generate()
	run := Run{ID: runID, CorrelationID: runID, WorkflowID: "accept/" + invitationID}
	sctx, cancel := context.WithTimeout(ctx, o.settings.StepTimeout)
	defer cancel()

	err := o.stepPolicy.Do(sctx, func(ctx context.Context) error {
		return o.acts.AcceptInvitation(ctx, run, invitationID, userID)
	})
	if err != nil {
		o.logger.Warn("invitation not accepted", "invitation_id", invitationID, "user_id", userID, "error", err)
		return err
	}
	o.logger.Info("invitation accepted", "invitation_id", invitationID, "user_id", userID)
	return nil
}
