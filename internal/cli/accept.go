package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/orgboot/internal/projection"
	"github.com/roach88/orgboot/internal/saga"
)

// AcceptOptions holds flags for the accept command.
type AcceptOptions struct {
	*RootOptions
	InvitationID string
	UserID       string
}

// NewAcceptCommand creates the accept command.
func NewAcceptCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AcceptOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "accept",
		Short: "Accept an invitation on behalf of a user",
		Long: `Accept an open invitation for an already issued user id and assign the
invited role in the organization.

Exit codes:
  0 - Invitation accepted
  1 - Invitation closed, expired or its organization is inactive
  2 - Command error

Examples:
  orgboot accept --invitation 5f0c... --user 3f2e...`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAccept(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.InvitationID, "invitation", "", "invitation id (required)")
	cmd.Flags().StringVar(&opts.UserID, "user", "", "user id (required)")
	_ = cmd.MarkFlagRequired("invitation")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func runAccept(opts *AcceptOptions, cmd *cobra.Command) error {
	a, err := openApp(opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	f := opts.formatter(cmd)
	err = a.orchestrator().AcceptInvitation(cmd.Context(), opts.InvitationID, opts.UserID)
	switch {
	case err == nil:
	case errors.Is(err, saga.ErrInvitationClosed), errors.Is(err, saga.ErrInvitationExpired),
		errors.Is(err, saga.ErrOrganizationInactive), errors.Is(err, projection.ErrNotFound):
		_ = f.Error(CodeRejected, err.Error(), nil)
		return WrapExitError(ExitFailure, "invitation not accepted", err)
	default:
		_ = f.Error(CodeStore, err.Error(), nil)
		return WrapExitError(ExitFailure, "invitation not accepted", err)
	}

	inv, err := a.reader.Invitation(cmd.Context(), opts.InvitationID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read invitation", err)
	}
	if f.JSON() {
		return f.Success(map[string]string{
			"invitation_id":   inv.ID,
			"organization_id": inv.OrganizationID,
			"user_id":         inv.AcceptedBy,
			"role":            inv.Role,
		})
	}
	return f.Success(fmt.Sprintf("Accepted invitation %s: %s is now %s of %s",
		inv.ID, inv.AcceptedBy, inv.Role, inv.OrganizationID))
}
