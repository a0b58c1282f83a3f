package projection

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// ErrNotFound is returned when a requested projection row does not exist.
var ErrNotFound = errors.New("not found")

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Organization is the read model of one tenant.
type Organization struct {
	ID          string
	Name        string
	Slug        string
	Kind        string
	Status      string
	Subdomain   string
	Domain      string
	DNSRecordID string
	DisplayName string
	Timezone    string
	CreatedAt   string
	UpdatedAt   string
	DeletedAt   string
	Version     int64
	LastEventID string
}

// Live reports whether the organization has not been deactivated.
func (o Organization) Live() bool {
	return o.DeletedAt == ""
}

// Contact, Address and Phone share the child bookkeeping.
type Contact struct {
	ID             string
	OrganizationID string
	Label          string
	FirstName      string
	LastName       string
	Email          string
	Title          string
	IsPrimary      bool
	DeletedAt      string
	Version        int64
}

type Address struct {
	ID             string
	OrganizationID string
	Label          string
	Street1        string
	Street2        string
	City           string
	Region         string
	PostalCode     string
	Country        string
	DeletedAt      string
	Version        int64
}

type Phone struct {
	ID             string
	OrganizationID string
	Label          string
	Number         string
	Extension      string
	DeletedAt      string
	Version        int64
}

type Invitation struct {
	ID             string
	OrganizationID string
	Email          string
	FirstName      string
	LastName       string
	Role           string
	Token          string
	Status         string
	ExpiresAt      string
	SentAt         string
	MessageID      string
	AcceptedBy     string
	Version        int64
}

type RoleAssignment struct {
	UserID         string
	OrganizationID string
	Role           string
	InvitationID   string
	DeletedAt      string
	Version        int64
}

// Reader answers the questions the saga and CLI ask of the projections.
type Reader struct {
	db Querier
}

// NewReader creates a reader over db.
func NewReader(db Querier) *Reader {
	return &Reader{db: db}
}

const orgColumns = `id, name, slug, kind, status, subdomain, domain, dns_record_id, display_name,
	timezone, created_at, updated_at, deleted_at, version, last_event_id`

// Organization returns one organization, live or not.
func (r *Reader) Organization(ctx context.Context, id string) (Organization, error) {
	return r.organizationWhere(ctx, sq.Eq{"id": id})
}

// LiveOrganizationBySlug returns the live organization owning slug.
func (r *Reader) LiveOrganizationBySlug(ctx context.Context, slug string) (Organization, error) {
	return r.organizationWhere(ctx, sq.Eq{"slug": slug, "deleted_at": nil})
}

// LiveOrganizationBySubdomain returns the live organization owning subdomain.
func (r *Reader) LiveOrganizationBySubdomain(ctx context.Context, subdomain string) (Organization, error) {
	return r.organizationWhere(ctx, sq.Eq{"subdomain": subdomain, "deleted_at": nil})
}

func (r *Reader) organizationWhere(ctx context.Context, where sq.Eq) (Organization, error) {
	query, args, err := psql.Select(orgColumns).From("organizations").Where(where).Limit(1).ToSql()
	if err != nil {
		return Organization{}, fmt.Errorf("build organization query: %w", err)
	}

	var (
		o                                                   Organization
		subdomain, domain, recordID, display, tz, deletedAt sql.NullString
	)
	err = r.db.QueryRowContext(ctx, query, args...).Scan(
		&o.ID, &o.Name, &o.Slug, &o.Kind, &o.Status, &subdomain, &domain, &recordID, &display,
		&tz, &o.CreatedAt, &o.UpdatedAt, &deletedAt, &o.Version, &o.LastEventID)
	if errors.Is(err, sql.ErrNoRows) {
		return Organization{}, fmt.Errorf("organization %v: %w", map[string]any(where), ErrNotFound)
	}
	if err != nil {
		return Organization{}, fmt.Errorf("read organization: %w", err)
	}
	o.Subdomain = subdomain.String
	o.Domain = domain.String
	o.DNSRecordID = recordID.String
	o.DisplayName = display.String
	o.Timezone = tz.String
	o.DeletedAt = deletedAt.String
	return o, nil
}

// Contacts returns the organization's live contacts ordered by id.
func (r *Reader) Contacts(ctx context.Context, orgID string) ([]Contact, error) {
	var out []Contact
	err := r.each(ctx, psql.Select("id", "organization_id", "label", "first_name", "last_name", "email",
		"title", "is_primary", "deleted_at", "version").
		From("contacts").
		Where(sq.Eq{"organization_id": orgID, "deleted_at": nil}).
		OrderBy("id"),
		func(rows *sql.Rows) error {
			var (
				c                Contact
				title, deletedAt sql.NullString
			)
			if err := rows.Scan(&c.ID, &c.OrganizationID, &c.Label, &c.FirstName, &c.LastName, &c.Email,
				&title, &c.IsPrimary, &deletedAt, &c.Version); err != nil {
				return err
			}
			c.Title, c.DeletedAt = title.String, deletedAt.String
			out = append(out, c)
			return nil
		})
	return out, err
}

// Addresses returns the organization's live addresses ordered by id.
func (r *Reader) Addresses(ctx context.Context, orgID string) ([]Address, error) {
	var out []Address
	err := r.each(ctx, psql.Select("id", "organization_id", "label", "street1", "street2", "city",
		"region", "postal_code", "country", "deleted_at", "version").
		From("addresses").
		Where(sq.Eq{"organization_id": orgID, "deleted_at": nil}).
		OrderBy("id"),
		func(rows *sql.Rows) error {
			var (
				a                  Address
				street2, deletedAt sql.NullString
			)
			if err := rows.Scan(&a.ID, &a.OrganizationID, &a.Label, &a.Street1, &street2, &a.City,
				&a.Region, &a.PostalCode, &a.Country, &deletedAt, &a.Version); err != nil {
				return err
			}
			a.Street2, a.DeletedAt = street2.String, deletedAt.String
			out = append(out, a)
			return nil
		})
	return out, err
}

// Phones returns the organization's live phones ordered by id.
func (r *Reader) Phones(ctx context.Context, orgID string) ([]Phone, error) {
	var out []Phone
	err := r.each(ctx, psql.Select("id", "organization_id", "label", "number", "extension",
		"deleted_at", "version").
		From("phones").
		Where(sq.Eq{"organization_id": orgID, "deleted_at": nil}).
		OrderBy("id"),
		func(rows *sql.Rows) error {
			var (
				p                    Phone
				extension, deletedAt sql.NullString
			)
			if err := rows.Scan(&p.ID, &p.OrganizationID, &p.Label, &p.Number, &extension,
				&deletedAt, &p.Version); err != nil {
				return err
			}
			p.Extension, p.DeletedAt = extension.String, deletedAt.String
			out = append(out, p)
			return nil
		})
	return out, err
}

const invitationColumns = "id, organization_id, email, first_name, last_name, role, token, status, expires_at, sent_at, message_id, accepted_by, version"

func scanInvitation(row interface{ Scan(...any) error }) (Invitation, error) {
	var (
		inv                           Invitation
		sentAt, messageID, acceptedBy sql.NullString
	)
	if err := row.Scan(&inv.ID, &inv.OrganizationID, &inv.Email, &inv.FirstName, &inv.LastName,
		&inv.Role, &inv.Token, &inv.Status, &inv.ExpiresAt, &sentAt, &messageID, &acceptedBy,
		&inv.Version); err != nil {
		return Invitation{}, err
	}
	inv.SentAt, inv.MessageID, inv.AcceptedBy = sentAt.String, messageID.String, acceptedBy.String
	return inv, nil
}

// Invitations returns every invitation of the organization, any status,
// ordered by id.
func (r *Reader) Invitations(ctx context.Context, orgID string) ([]Invitation, error) {
	var out []Invitation
	err := r.each(ctx, psql.Select(invitationColumns).
		From("invitations").
		Where(sq.Eq{"organization_id": orgID}).
		OrderBy("id"),
		func(rows *sql.Rows) error {
			inv, err := scanInvitation(rows)
			if err != nil {
				return err
			}
			out = append(out, inv)
			return nil
		})
	return out, err
}

// Invitation returns one invitation by id.
func (r *Reader) Invitation(ctx context.Context, id string) (Invitation, error) {
	query, args, err := psql.Select(invitationColumns).From("invitations").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return Invitation{}, fmt.Errorf("build invitation query: %w", err)
	}
	inv, err := scanInvitation(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Invitation{}, fmt.Errorf("invitation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Invitation{}, fmt.Errorf("read invitation: %w", err)
	}
	return inv, nil
}

// RoleAssignments returns the organization's live role assignments ordered
// by user id.
func (r *Reader) RoleAssignments(ctx context.Context, orgID string) ([]RoleAssignment, error) {
	var out []RoleAssignment
	err := r.each(ctx, psql.Select("user_id", "organization_id", "role", "invitation_id", "deleted_at", "version").
		From("role_assignments").
		Where(sq.Eq{"organization_id": orgID, "deleted_at": nil}).
		OrderBy("user_id"),
		func(rows *sql.Rows) error {
			var (
				ra                      RoleAssignment
				invitationID, deletedAt sql.NullString
			)
			if err := rows.Scan(&ra.UserID, &ra.OrganizationID, &ra.Role, &invitationID, &deletedAt, &ra.Version); err != nil {
				return err
			}
			ra.InvitationID, ra.DeletedAt = invitationID.String, deletedAt.String
			out = append(out, ra)
			return nil
		})
	return out, err
}

func (r *Reader) each(ctx context.Context, b sq.SelectBuilder, scan func(*sql.Rows) error) error {
	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
	}
	return rows.Err()
}

// fingerprintTables lists every projection table with its ordering key.
var fingerprintTables = []struct{ name, order string }{
	{"organizations", "id"},
	{"contacts", "id"},
	{"addresses", "id"},
	{"phones", "id"},
	{"invitations", "id"},
	{"role_assignments", "user_id, organization_id"},
}

// Fingerprint hashes the full content of every projection table in key
// order. Two databases with equal fingerprints hold identical projections.
func (r *Reader) Fingerprint(ctx context.Context) (string, error) {
	h := sha256.New()
	for _, t := range fingerprintTables {
		fmt.Fprintf(h, "table %s\n", t.name)
		err := r.each(ctx, psql.Select("*").From(t.name).OrderBy(t.order), func(rows *sql.Rows) error {
			cols, err := rows.Columns()
			if err != nil {
				return err
			}
			vals := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range vals {
				ptrs[i] = &vals[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				return err
			}
			for i, c := range cols {
				v := vals[i]
				if b, ok := v.([]byte); ok {
					v = string(b)
				}
				fmt.Fprintf(h, "%s=%v\x1f", c, v)
			}
			h.Write([]byte{'\n'})
			return nil
		})
		if err != nil {
			return "", fmt.Errorf("fingerprint %s: %w", t.name, err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
