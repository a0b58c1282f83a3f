package projection

import (
	"context"
	"database/sql"

	sq "github.com/Masterminds/squirrel"

	"github.com/roach88/orgboot/internal/event"
)

// Invitation statuses.
const (
	InvitationPending  = "pending"
	InvitationSent     = "sent"
	InvitationRevoked  = "revoked"
	InvitationAccepted = "accepted"
)

// open is the set of statuses an invitation can still move out of.
var open = sq.Eq{"status": []string{InvitationPending, InvitationSent}}

func invitationKey(ev event.Event) sq.Eq {
	return sq.Eq{"id": ev.Data.String("invitation_id")}
}

func invitationCreated(ctx context.Context, tx *sql.Tx, ev event.Event) error {
	d := ev.Data
	ins := psql.Insert("invitations").
		Columns("id", "organization_id", "email", "first_name", "last_name", "role", "token", "status",
			"expires_at", "created_at", "updated_at", "version", "last_event_id").
		Values(d.String("invitation_id"), d.String("organization_id"), d.String("email"),
			d.String("first_name"), d.String("last_name"), d.String("role"), d.String("token"),
			InvitationPending, d.String("expires_at"), ev.Time(), ev.Time(), ev.StreamVersion, ev.ID).
		Suffix(`ON CONFLICT(id) DO UPDATE SET
			email = excluded.email,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			role = excluded.role,
			token = excluded.token,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at,
			version = excluded.version,
			last_event_id = excluded.last_event_id
		WHERE invitations.version < excluded.version`)
	if err := exec(ctx, tx, ins); err != nil {
		return err
	}
	return guard(ctx, tx, "invitations", invitationKey(ev), ev)
}

func invitationSent(ctx context.Context, tx *sql.Tx, ev event.Event) error {
	upd := stamp(psql.Update("invitations"), ev).
		Set("status", InvitationSent).
		Set("sent_at", ev.Time())
	if v := ev.Data.OptString("message_id"); v != nil {
		upd = upd.Set("message_id", *v)
	}
	return transitionInvitation(ctx, tx, ev, upd)
}

func invitationRevoked(ctx context.Context, tx *sql.Tx, ev event.Event) error {
	upd := stamp(psql.Update("invitations"), ev).
		Set("status", InvitationRevoked).
		Set("revoked_at", ev.Time()).
		Set("deleted_at", ev.Time())
	return transitionInvitation(ctx, tx, ev, upd)
}

func invitationAccepted(ctx context.Context, tx *sql.Tx, ev event.Event) error {
	upd := stamp(psql.Update("invitations"), ev).
		Set("status", InvitationAccepted).
		Set("accepted_at", ev.Time()).
		Set("accepted_by", ev.Data.String("user_id"))
	return transitionInvitation(ctx, tx, ev, upd)
}

// transitionInvitation applies upd only to an open invitation of the
// event's organization.
func transitionInvitation(ctx context.Context, tx *sql.Tx, ev event.Event, upd sq.UpdateBuilder) error {
	upd = upd.Where(sq.And{
		invitationKey(ev),
		sq.Eq{"organization_id": ev.Data.String("organization_id")},
		sq.Lt{"version": ev.StreamVersion},
		open,
	})
	if err := exec(ctx, tx, upd); err != nil {
		return err
	}
	return guard(ctx, tx, "invitations", invitationKey(ev), ev)
}
