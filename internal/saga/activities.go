package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/orgboot/internal/event"
	"github.com/roach88/orgboot/internal/gateway"
	"github.com/roach88/orgboot/internal/projection"
	"github.com/roach88/orgboot/internal/resilience"
	"github.com/roach88/orgboot/internal/store"
)

// Invitation acceptance failures.
var (
	ErrInvitationClosed     = errors.New("invitation is no longer open")
	ErrInvitationExpired    = errors.New("invitation has expired")
	ErrOrganizationInactive = errors.New("organization is not live")
)

// Run identifies one saga execution in the metadata of every event it
// appends.
type Run struct {
	ID            string
	CorrelationID string
	WorkflowID    string
	// Reason is set on compensation runs.
	Reason string
}

func (r Run) metadata() event.Metadata {
	return event.Metadata{
		CorrelationID: r.CorrelationID,
		WorkflowID:    r.WorkflowID,
		RunID:         r.ID,
		Source:        "orgboot.saga",
		Reason:        r.Reason,
	}
}

// Activities perform the side effects of the saga: event appends, gateway
// calls, id generation and reading the clock. Each method is one attempt
// and is safe to repeat; retries belong to the caller.
type Activities struct {
	store        *store.Store
	reader       *projection.Reader
	dns          gateway.DNS
	email        gateway.Email
	dnsBreaker   *resilience.Breaker
	emailBreaker *resilience.Breaker
	ids          event.IDGenerator
	now          func() time.Time
	settings     Settings
	logger       *slog.Logger
}

// CheckAvailability rejects a request whose subdomain or slug is held by a
// different live organization.
func (a *Activities) CheckAvailability(ctx context.Context, p Params) error {
	slug := p.slug()
	if p.Subdomain != "" {
		org, err := a.reader.LiveOrganizationBySubdomain(ctx, p.Subdomain)
		switch {
		case err == nil && org.Slug != slug:
			return &ParamsError{Field: "subdomain", Message: fmt.Sprintf("%q is taken by organization %s", p.Subdomain, org.ID)}
		case err != nil && !errors.Is(err, projection.ErrNotFound):
			return err
		}
	}

	org, err := a.reader.LiveOrganizationBySlug(ctx, slug)
	switch {
	case err == nil && !strings.EqualFold(org.Name, p.Organization.Name):
		return &ParamsError{Field: "organization.name", Message: fmt.Sprintf("slug %q belongs to organization %s", slug, org.ID)}
	case err != nil && !errors.Is(err, projection.ErrNotFound):
		return err
	}
	return nil
}

// Created lists the records CreateOrganization ensured, including ones
// that existed before the call. New is set when the call created the
// organization, Resumed when it picked up one still provisioning from an
// earlier run. An organization that is neither predates the run.
type Created struct {
	OrganizationID string
	New            bool
	Resumed        bool
	ContactIDs     []string
	AddressIDs     []string
	PhoneIDs       []string
}

// CreateOrganization creates the organization and its child records. A live
// organization with the same slug is reused without a new event, and child
// ids are derived from the organization id, so a repeated call appends only
// what is still missing.
func (a *Activities) CreateOrganization(ctx context.Context, run Run, p Params) (Created, error) {
	var c Created
	slug := p.slug()

	org, err := a.reader.LiveOrganizationBySlug(ctx, slug)
	switch {
	case err == nil:
		c.OrganizationID = org.ID
		c.Resumed = org.Status == projection.StatusProvisioning
	case errors.Is(err, projection.ErrNotFound):
		id := a.ids.Generate()
		data := event.Data{
			"organization_id": id,
			"name":            p.Organization.Name,
			"slug":            slug,
			"kind":            p.Organization.Kind,
		}
		setOpt(data, "subdomain", p.Subdomain)
		setOpt(data, "display_name", p.Organization.DisplayName)
		setOpt(data, "timezone", p.Organization.Timezone)
		if err := a.appendNext(ctx, run, event.StreamOrganization, id, event.OrganizationCreated, data); err != nil {
			return c, err
		}
		c.OrganizationID = id
		c.New = true
		a.logger.Info("organization created", "org_id", id, "slug", slug)
	default:
		return c, err
	}
	orgID := c.OrganizationID

	for i, ct := range p.Organization.Contacts {
		id := childID(orgID, event.StreamContact, i)
		c.ContactIDs = append(c.ContactIDs, id)
		data := event.Data{
			"contact_id":      id,
			"organization_id": orgID,
			"label":           ct.Label,
			"first_name":      ct.FirstName,
			"last_name":       ct.LastName,
			"email":           ct.Email,
			"is_primary":      ct.IsPrimary || (i == 0 && !anyPrimary(p.Organization.Contacts)),
		}
		setOpt(data, "title", ct.Title)
		if err := a.ensure(ctx, run, event.StreamContact, id, event.ContactCreated, data); err != nil {
			return c, err
		}
	}

	for i, ad := range p.Organization.Addresses {
		id := childID(orgID, event.StreamAddress, i)
		c.AddressIDs = append(c.AddressIDs, id)
		data := event.Data{
			"address_id":      id,
			"organization_id": orgID,
			"label":           ad.Label,
			"street1":         ad.Street1,
			"city":            ad.City,
			"region":          ad.Region,
			"postal_code":     ad.PostalCode,
			"country":         strings.ToUpper(ad.Country),
		}
		setOpt(data, "street2", ad.Street2)
		if err := a.ensure(ctx, run, event.StreamAddress, id, event.AddressCreated, data); err != nil {
			return c, err
		}
	}

	for i, ph := range p.Organization.Phones {
		id := childID(orgID, event.StreamPhone, i)
		c.PhoneIDs = append(c.PhoneIDs, id)
		data := event.Data{
			"phone_id":        id,
			"organization_id": orgID,
			"label":           ph.Label,
			"number":          ph.Number,
		}
		setOpt(data, "extension", ph.Extension)
		if err := a.ensure(ctx, run, event.StreamPhone, id, event.PhoneCreated, data); err != nil {
			return c, err
		}
	}
	return c, nil
}

// ConfigureDNS registers the subdomain unless the organization already has a
// record. prior is a record an earlier attempt of the same run created but
// failed to record; it is recorded instead of registering again.
//
// The returned record is non-empty whenever one exists, even if recording
// it failed, and created reports whether this run registered it, so the
// caller knows what it may roll back.
func (a *Activities) ConfigureDNS(ctx context.Context, run Run, orgID, subdomain string, prior gateway.Record) (rec gateway.Record, created bool, err error) {
	org, err := a.reader.Organization(ctx, orgID)
	if err != nil {
		return prior, prior.ID != "", err
	}
	if org.DNSRecordID != "" {
		return gateway.Record{ID: org.DNSRecordID, FQDN: org.Domain}, org.DNSRecordID == prior.ID, nil
	}

	rec = prior
	if rec.ID == "" {
		rec, err = resilience.Call(ctx, a.dnsBreaker, func(ctx context.Context) (gateway.Record, error) {
			return a.dns.CreateRecord(ctx, subdomain, a.settings.DNSTarget)
		})
		if err != nil {
			a.logger.Warn("dns registration attempt failed", "org_id", orgID, "subdomain", subdomain, "error", err)
			return gateway.Record{}, false, err
		}
	}

	err = a.appendNext(ctx, run, event.StreamOrganization, orgID, event.OrganizationDNSConfigured, event.Data{
		"organization_id": orgID,
		"subdomain":       subdomain,
		"domain":          rec.FQDN,
		"record_id":       rec.ID,
	})
	if err != nil {
		return rec, true, fmt.Errorf("record dns %s: %w", rec.ID, err)
	}
	a.logger.Info("dns configured", "org_id", orgID, "domain", rec.FQDN, "record_id", rec.ID)
	return rec, true, nil
}

// Generated lists the invitations GenerateInvitations ensured, in user
// order. New holds the ones the call created.
type Generated struct {
	IDs []string
	New []string
}

// GenerateInvitations creates one pending invitation per user. Invitation
// ids derive from the organization and the email address.
func (a *Activities) GenerateInvitations(ctx context.Context, run Run, orgID string, users []User) (Generated, error) {
	g := Generated{IDs: make([]string, 0, len(users))}
	for _, u := range users {
		id := event.DeriveID(orgID, event.StreamInvitation, u.Email)
		g.IDs = append(g.IDs, id)

		v, err := a.store.StreamVersion(ctx, event.StreamInvitation, id)
		if err != nil {
			return g, err
		}
		if v > 0 {
			continue
		}
		err = a.appendAt(ctx, run, event.StreamInvitation, id, 1, event.InvitationCreated, event.Data{
			"invitation_id":   id,
			"organization_id": orgID,
			"email":           u.Email,
			"first_name":      u.FirstName,
			"last_name":       u.LastName,
			"role":            u.Role,
			"token":           a.ids.Generate(),
			"expires_at":      event.FormatTime(a.now().Add(a.settings.InvitationTTL)),
		})
		if err != nil {
			return g, err
		}
		g.New = append(g.New, id)
	}
	return g, nil
}

// PendingInvitations returns the organization and those of ids whose
// invitation has not been sent yet, in the order of ids.
func (a *Activities) PendingInvitations(ctx context.Context, orgID string, ids []string) (projection.Organization, []projection.Invitation, error) {
	org, err := a.reader.Organization(ctx, orgID)
	if err != nil {
		return org, nil, err
	}
	all, err := a.reader.Invitations(ctx, orgID)
	if err != nil {
		return org, nil, err
	}
	byID := make(map[string]projection.Invitation, len(all))
	for _, inv := range all {
		byID[inv.ID] = inv
	}
	var pending []projection.Invitation
	for _, id := range ids {
		if inv, ok := byID[id]; ok && inv.Status == projection.InvitationPending {
			pending = append(pending, inv)
		}
	}
	return org, pending, nil
}

// SendInvitation delivers one invitation email through the email breaker.
func (a *Activities) SendInvitation(ctx context.Context, org projection.Organization, inv projection.Invitation) (gateway.Delivery, error) {
	name := org.DisplayName
	if name == "" {
		name = org.Name
	}
	data := map[string]string{
		"organization": name,
		"first_name":   inv.FirstName,
		"last_name":    inv.LastName,
		"role":         inv.Role,
		"token":        inv.Token,
		"expires_at":   inv.ExpiresAt,
	}
	if org.Domain != "" {
		data["accept_url"] = "https://" + org.Domain + "/invitations/" + inv.Token
	}

	d, err := resilience.Call(ctx, a.emailBreaker, func(ctx context.Context) (gateway.Delivery, error) {
		return a.email.Send(ctx, inv.Email, a.settings.InvitationTemplate, data)
	})
	if err != nil {
		return d, err
	}
	if !d.Delivered {
		return d, fmt.Errorf("email to %s was not delivered", inv.Email)
	}
	return d, nil
}

// MarkInvitationSent records a delivery.
func (a *Activities) MarkInvitationSent(ctx context.Context, run Run, inv projection.Invitation, d gateway.Delivery) error {
	data := event.Data{"invitation_id": inv.ID, "organization_id": inv.OrganizationID}
	setOpt(data, "message_id", d.MessageID)
	return a.appendNext(ctx, run, event.StreamInvitation, inv.ID, event.InvitationSent, data)
}

// ActivateOrganization flips the organization to active.
func (a *Activities) ActivateOrganization(ctx context.Context, run Run, orgID string) error {
	org, err := a.reader.Organization(ctx, orgID)
	if err != nil {
		return err
	}
	if org.Status == projection.StatusActive {
		return nil
	}
	if !org.Live() {
		return fmt.Errorf("activate %s: %w", orgID, ErrOrganizationInactive)
	}
	if err := a.appendNext(ctx, run, event.StreamOrganization, orgID, event.OrganizationActivated,
		event.Data{"organization_id": orgID}); err != nil {
		return err
	}
	a.logger.Info("organization activated", "org_id", orgID)
	return nil
}

// RevokeInvitations revokes every open invitation among ids. It keeps going
// past individual failures and returns them joined.
func (a *Activities) RevokeInvitations(ctx context.Context, run Run, orgID string, ids []string) error {
	var errs []error
	for _, id := range ids {
		inv, err := a.reader.Invitation(ctx, id)
		if errors.Is(err, projection.ErrNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if inv.Status != projection.InvitationPending && inv.Status != projection.InvitationSent {
			continue
		}
		if err := a.appendNext(ctx, run, event.StreamInvitation, id, event.InvitationRevoked,
			event.Data{"invitation_id": id, "organization_id": orgID}); err != nil {
			errs = append(errs, fmt.Errorf("revoke invitation %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// RemoveDNS deletes the DNS record and records the removal. A record the
// provider no longer knows counts as deleted.
func (a *Activities) RemoveDNS(ctx context.Context, run Run, orgID, recordID string) error {
	err := a.dnsBreaker.Execute(ctx, func(ctx context.Context) error {
		return a.dns.DeleteRecord(ctx, recordID)
	})
	if err != nil && gateway.KindOf(err) != gateway.KindNotFound {
		return fmt.Errorf("delete dns record %s: %w", recordID, err)
	}

	org, err := a.reader.Organization(ctx, orgID)
	if errors.Is(err, projection.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if org.DNSRecordID != recordID {
		return nil
	}
	return a.appendNext(ctx, run, event.StreamOrganization, orgID, event.OrganizationDNSRemoved,
		event.Data{"organization_id": orgID, "record_id": recordID})
}

func (a *Activities) DeletePhones(ctx context.Context, run Run, orgID string, ids []string) error {
	live, err := a.reader.Phones(ctx, orgID)
	if err != nil {
		return err
	}
	set := make(map[string]bool, len(live))
	for _, p := range live {
		set[p.ID] = true
	}
	return a.deleteChildren(ctx, run, event.StreamPhone, event.PhoneDeleted, "phone_id", orgID, ids, set)
}

func (a *Activities) DeleteAddresses(ctx context.Context, run Run, orgID string, ids []string) error {
	live, err := a.reader.Addresses(ctx, orgID)
	if err != nil {
		return err
	}
	set := make(map[string]bool, len(live))
	for _, ad := range live {
		set[ad.ID] = true
	}
	return a.deleteChildren(ctx, run, event.StreamAddress, event.AddressDeleted, "address_id", orgID, ids, set)
}

func (a *Activities) DeleteContacts(ctx context.Context, run Run, orgID string, ids []string) error {
	live, err := a.reader.Contacts(ctx, orgID)
	if err != nil {
		return err
	}
	set := make(map[string]bool, len(live))
	for _, c := range live {
		set[c.ID] = true
	}
	return a.deleteChildren(ctx, run, event.StreamContact, event.ContactDeleted, "contact_id", orgID, ids, set)
}

func (a *Activities) deleteChildren(ctx context.Context, run Run, stream, eventType, idKey, orgID string, ids []string, live map[string]bool) error {
	var errs []error
	for _, id := range ids {
		if !live[id] {
			continue
		}
		if err := a.appendNext(ctx, run, stream, id, eventType, event.Data{idKey: id, "organization_id": orgID}); err != nil {
			errs = append(errs, fmt.Errorf("delete %s %s: %w", stream, id, err))
		}
	}
	return errors.Join(errs...)
}

// DeactivateOrganization soft-deletes the organization.
func (a *Activities) DeactivateOrganization(ctx context.Context, run Run, orgID string) error {
	org, err := a.reader.Organization(ctx, orgID)
	if errors.Is(err, projection.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !org.Live() {
		return nil
	}
	return a.appendNext(ctx, run, event.StreamOrganization, orgID, event.OrganizationDeactivated,
		event.Data{"organization_id": orgID})
}

// AcceptInvitation accepts an open, unexpired invitation for userID and
// grants the invited role. Accepting again as the same user only fills in
// a missing role assignment.
func (a *Activities) AcceptInvitation(ctx context.Context, run Run, invitationID, userID string) error {
	inv, err := a.reader.Invitation(ctx, invitationID)
	if err != nil {
		return err
	}
	org, err := a.reader.Organization(ctx, inv.OrganizationID)
	if err != nil {
		return err
	}
	if !org.Live() {
		return fmt.Errorf("accept invitation %s: %w", invitationID, ErrOrganizationInactive)
	}

	switch inv.Status {
	case projection.InvitationAccepted:
		if inv.AcceptedBy != userID {
			return fmt.Errorf("accept invitation %s: %w", invitationID, ErrInvitationClosed)
		}
	case projection.InvitationPending, projection.InvitationSent:
		expires, err := event.ParseTime(inv.ExpiresAt)
		if err != nil {
			return err
		}
		if !a.now().Before(expires) {
			return fmt.Errorf("accept invitation %s: %w", invitationID, ErrInvitationExpired)
		}
		if err := a.appendNext(ctx, run, event.StreamInvitation, invitationID, event.InvitationAccepted, event.Data{
			"invitation_id":   invitationID,
			"organization_id": inv.OrganizationID,
			"user_id":         userID,
		}); err != nil {
			return err
		}
	default:
		return fmt.Errorf("accept invitation %s: %w", invitationID, ErrInvitationClosed)
	}

	assignments, err := a.reader.RoleAssignments(ctx, inv.OrganizationID)
	if err != nil {
		return err
	}
	for _, ra := range assignments {
		if ra.UserID == userID && ra.InvitationID == invitationID {
			return nil
		}
	}
	return a.appendNext(ctx, run, event.StreamRoleAssignment, projection.RoleAssignmentStreamID(userID, inv.OrganizationID),
		event.RoleAssigned, event.Data{
			"user_id":         userID,
			"organization_id": inv.OrganizationID,
			"role":            inv.Role,
			"invitation_id":   invitationID,
		})
}

// ensure appends the creating event of a stream unless the stream exists.
func (a *Activities) ensure(ctx context.Context, run Run, stream, id, eventType string, data event.Data) error {
	v, err := a.store.StreamVersion(ctx, stream, id)
	if err != nil {
		return err
	}
	if v > 0 {
		return nil
	}
	return a.appendAt(ctx, run, stream, id, 1, eventType, data)
}

func (a *Activities) appendNext(ctx context.Context, run Run, stream, id, eventType string, data event.Data) error {
	v, err := a.store.StreamVersion(ctx, stream, id)
	if err != nil {
		return err
	}
	return a.appendAt(ctx, run, stream, id, v+1, eventType, data)
}

func (a *Activities) appendAt(ctx context.Context, run Run, stream, id string, version int64, eventType string, data event.Data) error {
	_, err := a.store.Append(ctx, store.AppendRequest{
		StreamType:      stream,
		StreamID:        id,
		ExpectedVersion: version,
		EventType:       eventType,
		Data:            data,
		Metadata:        run.metadata(),
	})
	return err
}

func childID(orgID, kind string, index int) string {
	return event.DeriveID(orgID, kind, strconv.Itoa(index))
}

func setOpt(d event.Data, key, value string) {
	if value != "" {
		d[key] = value
	}
}

func anyPrimary(cs []Contact) bool {
	for _, c := range cs {
		if c.IsPrimary {
			return true
		}
	}
	return false
}
