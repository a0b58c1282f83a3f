package projection

import (
	"context"
	"database/sql"

	sq "github.com/Masterminds/squirrel"

	"github.com/roach88/orgboot/internal/event"
)

// Organization statuses.
const (
	StatusProvisioning = "provisioning"
	StatusActive       = "active"
	StatusInactive     = "inactive"
)

func orgKey(ev event.Event) sq.Eq {
	return sq.Eq{"id": ev.Data.String("organization_id")}
}

// organizationCreated upserts by id. display_name is overwritten on
// conflict; subdomain and timezone keep their stored value when the event
// omits them.
func organizationCreated(ctx context.Context, tx *sql.Tx, ev event.Event) error {
	d := ev.Data
	ins := psql.Insert("organizations").
		Columns("id", "name", "slug", "kind", "status", "subdomain", "display_name", "timezone",
			"created_at", "updated_at", "version", "last_event_id").
		Values(d.String("organization_id"), d.String("name"), d.String("slug"), d.String("kind"),
			StatusProvisioning, nullable(d.OptString("subdomain")), nullable(d.OptString("display_name")),
			nullable(d.OptString("timezone")), ev.Time(), ev.Time(), ev.StreamVersion, ev.ID).
		Suffix(`ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			slug = excluded.slug,
			kind = excluded.kind,
			subdomain = COALESCE(excluded.subdomain, organizations.subdomain),
			display_name = excluded.display_name,
			timezone = COALESCE(excluded.timezone, organizations.timezone),
			updated_at = excluded.updated_at,
			version = excluded.version,
			last_event_id = excluded.last_event_id
		WHERE organizations.version < excluded.version`)
	if err := exec(ctx, tx, ins); err != nil {
		return err
	}
	return guard(ctx, tx, "organizations", orgKey(ev), ev)
}

func organizationUpdated(ctx context.Context, tx *sql.Tx, ev event.Event) error {
	upd := stamp(psql.Update("organizations"), ev)
	if v := ev.Data.OptString("name"); v != nil {
		upd = upd.Set("name", *v)
	}
	if v := ev.Data.OptString("display_name"); v != nil {
		upd = upd.Set("display_name", *v)
	}
	if v := ev.Data.OptString("timezone"); v != nil {
		upd = upd.Set("timezone", *v)
	}
	return updateOrganization(ctx, tx, ev, upd, nil)
}

func organizationDNSConfigured(ctx context.Context, tx *sql.Tx, ev event.Event) error {
	d := ev.Data
	upd := stamp(psql.Update("organizations"), ev).
		Set("subdomain", d.String("subdomain")).
		Set("domain", d.String("domain")).
		Set("dns_record_id", d.String("record_id"))
	return updateOrganization(ctx, tx, ev, upd, nil)
}

// organizationDNSRemoved only clears the record it names.
func organizationDNSRemoved(ctx context.Context, tx *sql.Tx, ev event.Event) error {
	upd := stamp(psql.Update("organizations"), ev).
		Set("domain", nil).
		Set("dns_record_id", nil)
	return updateOrganization(ctx, tx, ev, upd, sq.Eq{"dns_record_id": ev.Data.String("record_id")})
}

func organizationActivated(ctx context.Context, tx *sql.Tx, ev event.Event) error {
	upd := stamp(psql.Update("organizations"), ev).
		Set("status", StatusActive)
	return updateOrganization(ctx, tx, ev, upd, sq.Eq{"deleted_at": nil})
}

func organizationDeactivated(ctx context.Context, tx *sql.Tx, ev event.Event) error {
	upd := stamp(psql.Update("organizations"), ev).
		Set("status", StatusInactive).
		Set("deleted_at", sq.Expr("COALESCE(deleted_at, ?)", ev.Time()))
	return updateOrganization(ctx, tx, ev, upd, nil)
}

// updateOrganization applies upd to the event's organization when the row
// is behind the event, under an optional extra condition, then guards.
func updateOrganization(ctx context.Context, tx *sql.Tx, ev event.Event, upd sq.UpdateBuilder, cond sq.Sqlizer) error {
	upd = upd.
		Where(orgKey(ev)).
		Where(sq.Lt{"version": ev.StreamVersion})
	if cond != nil {
		upd = upd.Where(cond)
	}
	if err := exec(ctx, tx, upd); err != nil {
		return err
	}
	return guard(ctx, tx, "organizations", orgKey(ev), ev)
}
