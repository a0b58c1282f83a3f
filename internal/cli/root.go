package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/roach88/orgboot/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigFile string

	viper  *viper.Viper
	logger *slog.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the orgboot CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{viper: config.NewViper()}

	cmd := &cobra.Command{
		Use:   "orgboot",
		Short: "Provision tenant organizations from an event log",
		Long: `orgboot provisions tenant organizations end to end: core records, a public
subdomain, initial user invitations and activation. Every change is an event in
an append-only SQLite log; the queryable tables are projections of that log and
can be rebuilt from it at any time.

Settings come from --config (YAML), ORGBOOT_* environment variables and flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			opts.logger = newLogger(cmd.ErrOrStderr(), opts.Verbose)
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().String("db", "", "path to SQLite database (default orgboot.db)")
	cmd.PersistentFlags().Bool("sandbox", false, "use in-memory DNS and email gateways")
	_ = opts.viper.BindPFlag("db", cmd.PersistentFlags().Lookup("db"))
	_ = opts.viper.BindPFlag("sandbox", cmd.PersistentFlags().Lookup("sandbox"))

	cmd.AddCommand(NewBootstrapCommand(opts))
	cmd.AddCommand(NewAcceptCommand(opts))
	cmd.AddCommand(NewEventsCommand(opts))
	cmd.AddCommand(NewReprocessCommand(opts))
	cmd.AddCommand(NewSweepCommand(opts))
	cmd.AddCommand(NewReplayCommand(opts))

	return cmd
}

// Config loads the effective configuration.
func (o *RootOptions) Config() (config.Config, error) {
	c, err := config.Load(o.viper, o.ConfigFile)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	return c, nil
}

// Logger returns the command logger, discarding output before the root
// pre-run has configured it.
func (o *RootOptions) Logger() *slog.Logger {
	if o.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o.logger
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
