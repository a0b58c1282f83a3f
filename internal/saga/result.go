package saga

import "github.com/roach88/orgboot/internal/gateway"

// Step names, as they appear in Result errors and logs.
const (
	StepValidate             = "validate"
	StepCreateOrganization   = "create_organization"
	StepConfigureDNS         = "configure_dns"
	StepGenerateInvitations  = "generate_invitations"
	StepSendInvitationEmails = "send_invitation_emails"
	StepActivate             = "activate_organization"

	StepRevokeInvitations = "revoke_invitations"
	StepRemoveDNS         = "remove_dns"
	StepDeletePhones      = "delete_phones"
	StepDeleteAddresses   = "delete_addresses"
	StepDeleteContacts    = "delete_contacts"
	StepDeactivate        = "deactivate_organization"
)

// Run outcomes.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ErrorKind separates the failure that stopped a run from failures that
// did not, and from failures of the rollback itself.
type ErrorKind string

const (
	ErrorFatal        ErrorKind = "fatal"
	ErrorNonFatal     ErrorKind = "non_fatal"
	ErrorCompensation ErrorKind = "compensation"
)

// StepError is one entry of Result.Errors.
type StepError struct {
	Step    string    `json:"step"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Compensation outcomes.
const (
	CompensationDone    = "done"
	CompensationSkipped = "skipped"
	CompensationFailed  = "failed"
)

// CompensationStep records one rollback action in the order it ran.
type CompensationStep struct {
	Step    string `json:"step"`
	Outcome string `json:"outcome"`
}

// Result is returned by every Bootstrap call, successful or not.
type Result struct {
	OrganizationID  string             `json:"organization_id"`
	Domain          string             `json:"domain"`
	DNSConfigured   bool               `json:"dns_configured"`
	DNSSkipped      bool               `json:"dns_skipped"`
	InvitationsSent int                `json:"invitations_sent"`
	Status          string             `json:"status"`
	Errors          []StepError        `json:"errors"`
	Compensation    []CompensationStep `json:"compensation,omitempty"`
}

// Failed reports whether the run was rolled back.
func (r Result) Failed() bool {
	return r.Status == StatusFailed
}

// workflowState is the transient state of one run. It records what has been
// done so compensation knows what to undo.
type workflowState struct {
	run Run

	orgCreated      bool
	orgResumed      bool
	dnsConfigured   bool
	dnsSkipped      bool
	invitationsSent int

	orgID  string
	domain string
	// dnsRecord is the record rollback removes: one this run registered, or
	// the record of an organization it owns.
	dnsRecord        gateway.Record
	contactIDs       []string
	addressIDs       []string
	phoneIDs         []string
	invitationIDs    []string
	newInvitationIDs []string

	errors             []StepError
	compensationErrors []StepError
	compensation       []CompensationStep
}

// ownsOrg reports whether rollback may undo the organization and its
// records.
func (s *workflowState) ownsOrg() bool {
	return s.orgID != "" && (s.orgCreated || s.orgResumed)
}

func (s *workflowState) fail(step string, kind ErrorKind, err error) {
	e := StepError{Step: step, Kind: kind, Message: err.Error()}
	if kind == ErrorCompensation {
		s.compensationErrors = append(s.compensationErrors, e)
		return
	}
	s.errors = append(s.errors, e)
}

func (s *workflowState) result(status string) Result {
	errs := make([]StepError, 0, len(s.errors)+len(s.compensationErrors))
	errs = append(errs, s.errors...)
	errs = append(errs, s.compensationErrors...)
	return Result{
		OrganizationID:  s.orgID,
		Domain:          s.domain,
		DNSConfigured:   s.dnsConfigured,
		DNSSkipped:      s.dnsSkipped,
		InvitationsSent: s.invitationsSent,
		Status:          status,
		Errors:          errs,
		Compensation:    s.compensation,
	}
}
