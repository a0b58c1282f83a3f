package projection

import (
	"context"
	"database/sql"

	sq "github.com/Masterminds/squirrel"

	"github.com/roach88/orgboot/internal/event"
)

// RoleAssignmentStreamID is the stream id that owns the role assignment of
// userID in organizationID.
func RoleAssignmentStreamID(userID, organizationID string) string {
	return event.DeriveID(event.StreamRoleAssignment, userID, organizationID)
}

func roleKey(ev event.Event) sq.Eq {
	return sq.Eq{
		"user_id":         ev.Data.String("user_id"),
		"organization_id": ev.Data.String("organization_id"),
	}
}

// roleAssigned upserts by (user_id, organization_id). Reassigning a revoked
// role revives the row.
func roleAssigned(ctx context.Context, tx *sql.Tx, ev event.Event) error {
	d := ev.Data
	ins := psql.Insert("role_assignments").
		Columns("user_id", "organization_id", "role", "invitation_id",
			"created_at", "updated_at", "version", "last_event_id").
		Values(d.String("user_id"), d.String("organization_id"), d.String("role"),
			nullable(d.OptString("invitation_id")), ev.Time(), ev.Time(), ev.StreamVersion, ev.ID).
		Suffix(`ON CONFLICT(user_id, organization_id) DO UPDATE SET
			role = excluded.role,
			invitation_id = COALESCE(excluded.invitation_id, role_assignments.invitation_id),
			deleted_at = NULL,
			updated_at = excluded.updated_at,
			version = excluded.version,
			last_event_id = excluded.last_event_id
		WHERE role_assignments.version < excluded.version`)
	if err := exec(ctx, tx, ins); err != nil {
		return err
	}
	return guard(ctx, tx, "role_assignments", roleKey(ev), ev)
}

func roleRevoked(ctx context.Context, tx *sql.Tx, ev event.Event) error {
	upd := stamp(psql.Update("role_assignments"), ev).
		Set("deleted_at", ev.Time()).
		Where(roleKey(ev)).
		Where(sq.Lt{"version": ev.StreamVersion}).
		Where(sq.Eq{"deleted_at": nil})
	if err := exec(ctx, tx, upd); err != nil {
		return err
	}
	return guard(ctx, tx, "role_assignments", roleKey(ev), ev)
}
