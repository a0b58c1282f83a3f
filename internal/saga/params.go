package saga

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Organization kinds.
const (
	KindProvider    = "provider"
	KindStakeholder = "stakeholder"
)

// Params is the input of one bootstrap run.
type Params struct {
	Organization OrgData `json:"organization" yaml:"organization"`
	// Subdomain requests a public DNS name for a provider tenant.
	Subdomain string `json:"subdomain,omitempty" yaml:"subdomain"`
	Users     []User `json:"users" yaml:"users"`
	// CorrelationID ties every event of the run together. Generated when empty.
	CorrelationID string `json:"correlation_id,omitempty" yaml:"correlation_id"`
}

type OrgData struct {
	Name        string    `json:"name" yaml:"name"`
	Kind        string    `json:"kind,omitempty" yaml:"kind"`
	DisplayName string    `json:"display_name,omitempty" yaml:"display_name"`
	Timezone    string    `json:"timezone,omitempty" yaml:"timezone"`
	Contacts    []Contact `json:"contacts" yaml:"contacts"`
	Addresses   []Address `json:"addresses,omitempty" yaml:"addresses"`
	Phones      []Phone   `json:"phones,omitempty" yaml:"phones"`
}

type Contact struct {
	Label     string `json:"label" yaml:"label"`
	FirstName string `json:"first_name" yaml:"first_name"`
	LastName  string `json:"last_name" yaml:"last_name"`
	Email     string `json:"email" yaml:"email"`
	Title     string `json:"title,omitempty" yaml:"title"`
	IsPrimary bool   `json:"is_primary,omitempty" yaml:"is_primary"`
}

type Address struct {
	Label      string `json:"label" yaml:"label"`
	Street1    string `json:"street1" yaml:"street1"`
	Street2    string `json:"street2,omitempty" yaml:"street2"`
	City       string `json:"city" yaml:"city"`
	Region     string `json:"region" yaml:"region"`
	PostalCode string `json:"postal_code" yaml:"postal_code"`
	Country    string `json:"country" yaml:"country"`
}

type Phone struct {
	Label     string `json:"label" yaml:"label"`
	Number    string `json:"number" yaml:"number"`
	Extension string `json:"extension,omitempty" yaml:"extension"`
}

// User is an initial member invited by the run.
type User struct {
	Email     string `json:"email" yaml:"email"`
	FirstName string `json:"first_name" yaml:"first_name"`
	LastName  string `json:"last_name" yaml:"last_name"`
	Role      string `json:"role,omitempty" yaml:"role"`
}

// ParamsError rejects a bootstrap request before any step runs.
type ParamsError struct {
	Field   string
	Message string
}

func (e *ParamsError) Error() string {
	return fmt.Sprintf("invalid params: %s %s", e.Field, e.Message)
}

var subdomainRE = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

var roles = map[string]bool{"owner": true, "admin": true, "member": true, "viewer": true}

// normalize fills defaults. It does not modify the caller's slices.
func (p Params) normalize() Params {
	p.Subdomain = strings.ToLower(strings.TrimSpace(p.Subdomain))
	if p.Organization.Kind == "" {
		p.Organization.Kind = KindProvider
	}
	users := make([]User, len(p.Users))
	for i, u := range p.Users {
		u.Email = strings.ToLower(strings.TrimSpace(u.Email))
		if u.Role == "" {
			u.Role = "member"
		}
		users[i] = u
	}
	p.Users = users
	return p
}

// Validate checks the shape of the request. Availability of the subdomain
// is checked against the projections when the run starts.
func (p Params) Validate() error {
	p = p.normalize()
	switch {
	case strings.TrimSpace(p.Organization.Name) == "":
		return &ParamsError{Field: "organization.name", Message: "is required"}
	case p.Organization.Kind != KindProvider && p.Organization.Kind != KindStakeholder:
		return &ParamsError{Field: "organization.kind", Message: fmt.Sprintf("must be %q or %q", KindProvider, KindStakeholder)}
	case len(p.Organization.Contacts) == 0:
		return &ParamsError{Field: "organization.contacts", Message: "must contain at least one contact"}
	case len(p.Users) == 0:
		return &ParamsError{Field: "users", Message: "must contain at least one user"}
	case p.Subdomain != "" && !subdomainRE.MatchString(p.Subdomain):
		return &ParamsError{Field: "subdomain", Message: "must be a lowercase DNS label of at most 63 characters"}
	}
	if p.Subdomain == "" && p.slug() == "" {
		return &ParamsError{Field: "organization.name", Message: "has no letters or digits to derive a slug from"}
	}

	seen := make(map[string]bool, len(p.Users))
	for i, u := range p.Users {
		field := fmt.Sprintf("users[%d]", i)
		switch {
		case u.Email == "":
			return &ParamsError{Field: field + ".email", Message: "is required"}
		case strings.TrimSpace(u.FirstName) == "" || strings.TrimSpace(u.LastName) == "":
			return &ParamsError{Field: field, Message: "needs a first and last name"}
		case seen[u.Email]:
			return &ParamsError{Field: field + ".email", Message: "is listed twice"}
		case !roles[u.Role]:
			return &ParamsError{Field: field + ".role", Message: "must be owner, admin, member or viewer"}
		}
		seen[u.Email] = true
	}
	return nil
}

// slug is the organization's natural key: the subdomain when one is
// requested, otherwise the folded name.
func (p Params) slug() string {
	if p.Subdomain != "" {
		return p.Subdomain
	}
	return Slugify(p.Organization.Name)
}

// wantsDNS reports whether the run registers a subdomain.
func (p Params) wantsDNS() bool {
	return p.Subdomain != "" && p.Organization.Kind != KindStakeholder
}

// Slugify folds a display name into a lowercase ASCII key:
// "Café Müller & Söhne" becomes "cafe-muller-sohne".
func Slugify(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, name)
	if err != nil {
		folded = name
	}
	folded = cases.Fold().String(folded)

	var b strings.Builder
	dash := false
	for _, r := range folded {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			b.WriteRune(r)
			dash = false
			continue
		}
		dash = true
	}
	return b.String()
}
