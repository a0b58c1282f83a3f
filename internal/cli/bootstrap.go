package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/orgboot/internal/saga"
)

// BootstrapOptions holds flags for the bootstrap command.
type BootstrapOptions struct {
	*RootOptions
	ParamsFile string
}

// NewBootstrapCommand creates the bootstrap command.
func NewBootstrapCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BootstrapOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Provision a tenant organization",
		Long: `Provision a tenant organization from a YAML parameters file: create it with its
contacts, addresses and phones, register its subdomain, invite its users and
activate it. If a step fails everything done so far is rolled back.

Exit codes:
  0 - Organization provisioned (possibly with non-fatal email failures)
  1 - Provisioning failed and was rolled back
  2 - Command error (unreadable params, invalid config, etc.)

Examples:
  orgboot bootstrap --params acme.yaml
  orgboot bootstrap --params acme.yaml --sandbox --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBootstrap(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.ParamsFile, "params", "p", "", "path to bootstrap parameters YAML (required)")
	_ = cmd.MarkFlagRequired("params")

	return cmd
}

func runBootstrap(opts *BootstrapOptions, cmd *cobra.Command) error {
	params, err := readParams(opts.ParamsFile)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read params", err)
	}

	a, err := openApp(opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	res := a.orchestrator().Bootstrap(cmd.Context(), params)

	f := opts.formatter(cmd)
	if f.JSON() {
		if err := f.Success(res); err != nil {
			return err
		}
	} else {
		writeResult(cmd.OutOrStdout(), res)
	}

	if res.Failed() {
		return NewExitError(ExitFailure, "bootstrap failed and was rolled back")
	}
	return nil
}

func readParams(path string) (saga.Params, error) {
	fh, err := os.Open(path)
	if err != nil {
		return saga.Params{}, err
	}
	defer fh.Close()

	var p saga.Params
	dec := yaml.NewDecoder(fh)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return saga.Params{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return p, nil
}

func writeResult(w io.Writer, res saga.Result) {
	dns := "not configured"
	switch {
	case res.DNSSkipped:
		dns = "skipped"
	case res.DNSConfigured:
		dns = "configured"
	}

	fmt.Fprintf(w, "Organization: %s\n", res.OrganizationID)
	fmt.Fprintf(w, "Status:       %s\n", res.Status)
	if res.Domain != "" {
		fmt.Fprintf(w, "Domain:       %s\n", res.Domain)
	}
	fmt.Fprintf(w, "DNS:          %s\n", dns)
	fmt.Fprintf(w, "Invitations:  %d sent\n", res.InvitationsSent)

	if len(res.Errors) > 0 {
		fmt.Fprintln(w, "\nErrors:")
		for _, e := range res.Errors {
			fmt.Fprintf(w, "  [%s] %s: %s\n", e.Kind, e.Step, e.Message)
		}
	}
	if len(res.Compensation) > 0 {
		steps := make([]string, 0, len(res.Compensation))
		for _, c := range res.Compensation {
			steps = append(steps, c.Step+"="+c.Outcome)
		}
		fmt.Fprintf(w, "\nRollback: %s\n", strings.Join(steps, " -> "))
	}
}
