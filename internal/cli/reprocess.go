package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/orgboot/internal/store"
)

// ReprocessOptions holds flags for the reprocess command.
type ReprocessOptions struct {
	*RootOptions
	Limit      uint64
	MaxRetries int
}

// NewReprocessCommand creates the reprocess command.
func NewReprocessCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReprocessOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "reprocess",
		Short: "Retry projecting events that failed",
		Long: `Dispatch every unprocessed event again, oldest first, each in its own
transaction. Events that fail again keep their error and count one more retry.

Exit codes:
  0 - Every attempted event was processed
  1 - At least one event failed again
  2 - Command error

Examples:
  orgboot reprocess
  orgboot reprocess --limit 50 --max-retries 10`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReprocess(opts, cmd)
		},
	}

	cmd.Flags().Uint64Var(&opts.Limit, "limit", 0, "maximum number of events to attempt (0 = all)")
	cmd.Flags().IntVar(&opts.MaxRetries, "max-retries", 0, "skip events that already failed this often (0 = no ceiling)")

	return cmd
}

func runReprocess(opts *ReprocessOptions, cmd *cobra.Command) error {
	a, err := openApp(opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.store.Reprocess(cmd.Context(), opts.MaxRetries, opts.Limit)
	if err != nil {
		return WrapExitError(ExitCommandError, "reprocess failed", err)
	}

	f := opts.formatter(cmd)
	if f.JSON() {
		err = f.Success(report)
	} else {
		err = f.Success(fmt.Sprintf("Attempted %d, processed %d, failed %d",
			report.Attempted, report.Succeeded, report.Failed))
	}
	if err != nil {
		return err
	}
	if report.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d events still fail", report.Failed))
	}
	return nil
}

// SweepOptions holds flags for the sweep command.
type SweepOptions struct {
	*RootOptions
	Interval time.Duration
}

// NewSweepCommand creates the sweep command.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SweepOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Reprocess failed events periodically until interrupted",
		Long: `Run the reprocess sweep on a ticker until SIGINT or SIGTERM. Batch size and
the retry ceiling come from the sweeper section of the configuration.

Examples:
  orgboot sweep
  orgboot sweep --interval 1m`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(opts, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.Interval, "interval", 0, "time between sweeps (default from config)")

	return cmd
}

func runSweep(opts *SweepOptions, cmd *cobra.Command) error {
	a, err := openApp(opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	interval := opts.Interval
	if interval <= 0 {
		interval = a.cfg.Sweeper.Interval
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w := store.NewSweeper(a.store, interval, interval, a.cfg.Sweeper.BatchSize, a.cfg.Sweeper.MaxRetries)
	if err := w.Start(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to start sweeper", err)
	}
	opts.formatter(cmd).VerboseLog("sweeping every %s", interval)

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := w.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitFailure, "sweeper did not stop cleanly", err)
	}
	return nil
}
