// Package projection maintains the read-model tables from events.
//
// Every projection write in the system goes through Router.Dispatch, which
// the store calls inside the append transaction. Handlers upsert keyed by
// natural identity, never move a row's version backwards, and finish with a
// read-back guard: a handler whose conditional write matched no row fails
// instead of reporting success.
package projection

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	sq "github.com/Masterminds/squirrel"

	"github.com/roach88/orgboot/internal/event"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Question)

// HandlerFunc applies one event to the projection tables.
type HandlerFunc func(ctx context.Context, tx *sql.Tx, ev event.Event) error

type routeKey struct {
	streamType string
	eventType  string
}

// Router maps (stream_type, event_type) to handlers.
type Router struct {
	routes map[routeKey][]HandlerFunc
}

// NewRouter returns a router with every projection handler registered.
func NewRouter() *Router {
	r := &Router{routes: make(map[routeKey][]HandlerFunc)}

	r.Handle(event.StreamOrganization, event.OrganizationCreated, organizationCreated)
	r.Handle(event.StreamOrganization, event.OrganizationUpdated, organizationUpdated)
	r.Handle(event.StreamOrganization, event.OrganizationDNSConfigured, organizationDNSConfigured)
	r.Handle(event.StreamOrganization, event.OrganizationDNSRemoved, organizationDNSRemoved)
	r.Handle(event.StreamOrganization, event.OrganizationActivated, organizationActivated)
	r.Handle(event.StreamOrganization, event.OrganizationDeactivated, organizationDeactivated)

	for _, c := range children {
		r.Handle(c.stream, c.created, c.applyCreated)
		r.Handle(c.stream, c.updated, c.applyUpdated)
		r.Handle(c.stream, c.deleted, c.applyDeleted)
	}

	r.Handle(event.StreamInvitation, event.InvitationCreated, invitationCreated)
	r.Handle(event.StreamInvitation, event.InvitationSent, invitationSent)
	r.Handle(event.StreamInvitation, event.InvitationRevoked, invitationRevoked)
	r.Handle(event.StreamInvitation, event.InvitationAccepted, invitationAccepted)

	r.Handle(event.StreamRoleAssignment, event.RoleAssigned, roleAssigned)
	r.Handle(event.StreamRoleAssignment, event.RoleRevoked, roleRevoked)

	return r
}

// Handle registers fn for (streamType, eventType). Handlers for the same key
// run in registration order.
func (r *Router) Handle(streamType, eventType string, fn HandlerFunc) {
	k := routeKey{streamType, eventType}
	r.routes[k] = append(r.routes[k], fn)
}

// Routable reports whether any handler is registered for the pair.
func (r *Router) Routable(streamType, eventType string) bool {
	return len(r.routes[routeKey{streamType, eventType}]) > 0
}

// Owner returns the id of the stream allowed to write the row an event on
// streamType targets, read from the payload. Every projection row belongs
// to exactly one stream. Unknown stream types own nothing.
func (r *Router) Owner(streamType string, d event.Data) string {
	switch streamType {
	case event.StreamOrganization:
		return d.String("organization_id")
	case event.StreamInvitation:
		return d.String("invitation_id")
	case event.StreamRoleAssignment:
		return RoleAssignmentStreamID(d.String("user_id"), d.String("organization_id"))
	}
	for _, c := range children {
		if c.stream == streamType {
			return d.String(c.idKey)
		}
	}
	return ""
}

// Routes lists registered pairs as "stream_type/event_type", sorted.
func (r *Router) Routes() []string {
	out := make([]string, 0, len(r.routes))
	for k := range r.routes {
		out = append(out, k.streamType+"/"+k.eventType)
	}
	sort.Strings(out)
	return out
}

// Dispatch runs every handler registered for the event. An unregistered
// pair is an error, never a silent no-op.
func (r *Router) Dispatch(ctx context.Context, tx *sql.Tx, ev event.Event) error {
	handlers := r.routes[routeKey{ev.StreamType, ev.EventType}]
	if len(handlers) == 0 {
		return fmt.Errorf("no projection handler for %s on %s stream", ev.EventType, ev.StreamType)
	}
	for _, h := range handlers {
		if err := h(ctx, tx, ev); err != nil {
			return fmt.Errorf("project %s %s/%s v%d: %w", ev.EventType, ev.StreamType, ev.StreamID, ev.StreamVersion, err)
		}
	}
	return nil
}

// Reset deletes every projection row, children before their organization.
func (r *Router) Reset(ctx context.Context, tx *sql.Tx) error {
	for _, table := range []string{"role_assignments", "invitations", "phones", "addresses", "contacts", "organizations"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return nil
}

func exec(ctx context.Context, tx *sql.Tx, b sq.Sqlizer) error {
	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("build statement: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	return nil
}

// stamp sets the bookkeeping columns every applied event writes.
func stamp(b sq.UpdateBuilder, ev event.Event) sq.UpdateBuilder {
	return b.
		Set("updated_at", ev.Time()).
		Set("version", ev.StreamVersion).
		Set("last_event_id", ev.ID)
}

// nullable turns an absent optional field into SQL NULL.
func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
