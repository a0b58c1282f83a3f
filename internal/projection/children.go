package projection

import (
	"context"
	"database/sql"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/roach88/orgboot/internal/event"
)

type columnKind int

const (
	required columnKind = iota // overwritten on conflict
	coalesce                   // keeps the stored value when the event omits it
	flag                       // boolean, stored as 0/1
)

type column struct {
	name string
	kind columnKind
}

// childEntity describes a tenant-owned record whose lifecycle is
// created/updated/deleted on its own stream. Payload keys equal column
// names.
type childEntity struct {
	stream  string
	table   string
	idKey   string
	created string
	updated string
	deleted string
	columns []column
}

var children = []childEntity{
	{
		stream:  event.StreamContact,
		table:   "contacts",
		idKey:   "contact_id",
		created: event.ContactCreated,
		updated: event.ContactUpdated,
		deleted: event.ContactDeleted,
		columns: []column{
			{"label", required},
			{"first_name", required},
			{"last_name", required},
			{"email", required},
			{"title", coalesce},
			{"is_primary", flag},
		},
	},
	{
		stream:  event.StreamAddress,
		table:   "addresses",
		idKey:   "address_id",
		created: event.AddressCreated,
		updated: event.AddressUpdated,
		deleted: event.AddressDeleted,
		columns: []column{
			{"label", required},
			{"street1", required},
			{"street2", coalesce},
			{"city", required},
			{"region", required},
			{"postal_code", required},
			{"country", required},
		},
	},
	{
		stream:  event.StreamPhone,
		table:   "phones",
		idKey:   "phone_id",
		created: event.PhoneCreated,
		updated: event.PhoneUpdated,
		deleted: event.PhoneDeleted,
		columns: []column{
			{"label", required},
			{"number", required},
			{"extension", coalesce},
		},
	},
}

func (c childEntity) key(ev event.Event) sq.Eq {
	return sq.Eq{"id": ev.Data.String(c.idKey)}
}

// scoped restricts a write to the row's own tenant and to rows behind the
// event. A mismatched organization_id therefore matches zero rows and the
// guard rejects the event.
func (c childEntity) scoped(ev event.Event) sq.And {
	return sq.And{
		c.key(ev),
		sq.Eq{"organization_id": ev.Data.String("organization_id")},
		sq.Lt{"version": ev.StreamVersion},
	}
}

func (c childEntity) applyCreated(ctx context.Context, tx *sql.Tx, ev event.Event) error {
	d := ev.Data
	cols := []string{"id", "organization_id"}
	vals := []any{d.String(c.idKey), d.String("organization_id")}
	sets := []string{"organization_id = excluded.organization_id"}

	for _, col := range c.columns {
		cols = append(cols, col.name)
		switch col.kind {
		case flag:
			vals = append(vals, d.Bool(col.name))
			sets = append(sets, col.name+" = excluded."+col.name)
		case coalesce:
			vals = append(vals, nullable(d.OptString(col.name)))
			sets = append(sets, col.name+" = COALESCE(excluded."+col.name+", "+c.table+"."+col.name+")")
		default:
			vals = append(vals, d.String(col.name))
			sets = append(sets, col.name+" = excluded."+col.name)
		}
	}

	cols = append(cols, "created_at", "updated_at", "deleted_at", "version", "last_event_id")
	vals = append(vals, ev.Time(), ev.Time(), nil, ev.StreamVersion, ev.ID)
	sets = append(sets,
		"updated_at = excluded.updated_at",
		"deleted_at = NULL",
		"version = excluded.version",
		"last_event_id = excluded.last_event_id")

	ins := psql.Insert(c.table).
		Columns(cols...).
		Values(vals...).
		Suffix("ON CONFLICT(id) DO UPDATE SET " + strings.Join(sets, ", ") +
			" WHERE " + c.table + ".version < excluded.version")
	if err := exec(ctx, tx, ins); err != nil {
		return err
	}
	return guard(ctx, tx, c.table, c.key(ev), ev)
}

// applyUpdated changes only the fields present in the payload.
func (c childEntity) applyUpdated(ctx context.Context, tx *sql.Tx, ev event.Event) error {
	upd := stamp(psql.Update(c.table), ev)
	for _, col := range c.columns {
		if _, ok := ev.Data[col.name]; !ok {
			continue
		}
		if col.kind == flag {
			upd = upd.Set(col.name, ev.Data.Bool(col.name))
		} else {
			upd = upd.Set(col.name, ev.Data.String(col.name))
		}
	}
	upd = upd.Where(c.scoped(ev)).Where(sq.Eq{"deleted_at": nil})
	if err := exec(ctx, tx, upd); err != nil {
		return err
	}
	return guard(ctx, tx, c.table, c.key(ev), ev)
}

func (c childEntity) applyDeleted(ctx context.Context, tx *sql.Tx, ev event.Event) error {
	upd := stamp(psql.Update(c.table), ev).
		Set("deleted_at", sq.Expr("COALESCE(deleted_at, ?)", ev.Time())).
		Where(c.scoped(ev))
	if err := exec(ctx, tx, upd); err != nil {
		return err
	}
	return guard(ctx, tx, c.table, c.key(ev), ev)
}
