package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Stream types. Each projection entity is owned by exactly one stream type.
const (
	StreamOrganization   = "organization"
	StreamContact        = "contact"
	StreamAddress        = "address"
	StreamPhone          = "phone"
	StreamInvitation     = "invitation"
	StreamRoleAssignment = "role_assignment"
)

// Event types, dotted as <entity>.<verb>.
const (
	OrganizationCreated       = "organization.created"
	OrganizationUpdated       = "organization.updated"
	OrganizationDNSConfigured = "organization.dns_configured"
	OrganizationDNSRemoved    = "organization.dns_removed"
	OrganizationActivated     = "organization.activated"
	OrganizationDeactivated   = "organization.deactivated"

	ContactCreated = "contact.created"
	ContactUpdated = "contact.updated"
	ContactDeleted = "contact.deleted"

	AddressCreated = "address.created"
	AddressUpdated = "address.updated"
	AddressDeleted = "address.deleted"

	PhoneCreated = "phone.created"
	PhoneUpdated = "phone.updated"
	PhoneDeleted = "phone.deleted"

	InvitationCreated  = "invitation.created"
	InvitationSent     = "invitation.sent"
	InvitationRevoked  = "invitation.revoked"
	InvitationAccepted = "invitation.accepted"

	RoleAssigned = "role.assigned"
	RoleRevoked  = "role.revoked"
)

// Data is an event payload. Values are strings, bools, integers, nested
// Data/[]any, or json.Number when read back from the store.
type Data map[string]any

// String returns the string value at key, or "" when absent.
func (d Data) String(key string) string {
	if v, ok := d[key].(string); ok {
		return v
	}
	return ""
}

// OptString returns a pointer to the string at key, or nil when the key is
// absent. Coalesce fields use this to leave existing values untouched.
func (d Data) OptString(key string) *string {
	v, ok := d[key].(string)
	if !ok {
		return nil
	}
	return &v
}

// Bool returns the bool value at key, or false when absent.
func (d Data) Bool(key string) bool {
	v, _ := d[key].(bool)
	return v
}

// Metadata is the audit envelope attached to every event.
type Metadata struct {
	CorrelationID string `json:"correlation_id"`
	WorkflowID    string `json:"workflow_id,omitempty"`
	RunID         string `json:"run_id,omitempty"`
	Source        string `json:"source,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Timestamp     string `json:"timestamp,omitempty"`
}

// Event is an immutable entry of the log once ProcessedAt is set.
type Event struct {
	Seq             int64
	ID              string
	StreamType      string
	StreamID        string
	StreamVersion   int64
	EventType       string
	Data            Data
	Metadata        Metadata
	CreatedAt       time.Time
	ProcessedAt     *time.Time
	ProcessingError string
	RetryCount      int
}

// Processed reports whether every handler has been applied.
func (e Event) Processed() bool {
	return e.ProcessedAt != nil
}

// Time is the event's recorded time. Projections stamp updated_at with it,
// never with the wall clock, so replays land on identical rows.
func (e Event) Time() string {
	return FormatTime(e.CreatedAt)
}

// FormatTime renders a timestamp the way the store persists it.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime is the inverse of FormatTime.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

// DecodeData parses stored payload JSON, keeping integers as json.Number.
func DecodeData(raw string) (Data, error) {
	if raw == "" || raw == "{}" {
		return Data{}, nil
	}
	var d Data
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("decode event data: %w", err)
	}
	return d, nil
}

// EncodeMetadata serializes metadata for storage.
func EncodeMetadata(m Metadata) (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode event metadata: %w", err)
	}
	return string(b), nil
}

// DecodeMetadata parses stored metadata JSON.
func DecodeMetadata(raw string) (Metadata, error) {
	var m Metadata
	if raw == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return Metadata{}, fmt.Errorf("decode event metadata: %w", err)
	}
	return m, nil
}
