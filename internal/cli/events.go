package cli

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/roach88/orgboot/internal/event"
	"github.com/roach88/orgboot/internal/store"
)

// EventsOptions holds flags for the events command.
type EventsOptions struct {
	*RootOptions
	Filter store.Filter
}

// EventView is the JSON shape of one listed event.
type EventView struct {
	Seq             int64          `json:"seq"`
	ID              string         `json:"id"`
	StreamType      string         `json:"stream_type"`
	StreamID        string         `json:"stream_id"`
	StreamVersion   int64          `json:"stream_version"`
	EventType       string         `json:"event_type"`
	Data            event.Data     `json:"data"`
	Metadata        event.Metadata `json:"metadata"`
	CreatedAt       string         `json:"created_at"`
	Processed       bool           `json:"processed"`
	ProcessingError string         `json:"processing_error,omitempty"`
	RetryCount      int            `json:"retry_count"`
}

// NewEventsCommand creates the events command.
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EventsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List events from the log",
		Long: `List events in log order, optionally narrowed to one stream, one event type,
one correlation id (a bootstrap run) or events still waiting to be processed.

Examples:
  orgboot events --stream-type organization
  orgboot events --correlation 0190f3a2-... --format json
  orgboot events --unprocessed`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvents(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Filter.StreamType, "stream-type", "", "only events of this stream type")
	cmd.Flags().StringVar(&opts.Filter.StreamID, "stream-id", "", "only events of this stream id")
	cmd.Flags().StringVar(&opts.Filter.EventType, "event-type", "", "only events of this type")
	cmd.Flags().StringVar(&opts.Filter.CorrelationID, "correlation", "", "only events with this correlation id")
	cmd.Flags().BoolVar(&opts.Filter.Unprocessed, "unprocessed", false, "only events not yet projected")
	cmd.Flags().Int64Var(&opts.Filter.AfterSeq, "after", 0, "only events after this sequence number")
	cmd.Flags().Uint64Var(&opts.Filter.Limit, "limit", 0, "maximum number of events (0 = all)")

	return cmd
}

func runEvents(opts *EventsOptions, cmd *cobra.Command) error {
	a, err := openApp(opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	events, err := a.store.Query(cmd.Context(), opts.Filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to query events", err)
	}

	f := opts.formatter(cmd)
	if f.JSON() {
		views := make([]EventView, 0, len(events))
		for _, ev := range events {
			views = append(views, EventView{
				Seq:             ev.Seq,
				ID:              ev.ID,
				StreamType:      ev.StreamType,
				StreamID:        ev.StreamID,
				StreamVersion:   ev.StreamVersion,
				EventType:       ev.EventType,
				Data:            ev.Data,
				Metadata:        ev.Metadata,
				CreatedAt:       ev.Time(),
				Processed:       ev.Processed(),
				ProcessingError: ev.ProcessingError,
				RetryCount:      ev.RetryCount,
			})
		}
		return f.Success(views)
	}

	if len(events) == 0 {
		return f.Success("No events found.")
	}
	rows := make([]table.Row, 0, len(events))
	for _, ev := range events {
		status := "processed"
		if !ev.Processed() {
			status = fmt.Sprintf("pending (%d retries)", ev.RetryCount)
		}
		rows = append(rows, table.Row{ev.Seq, ev.StreamType, ev.StreamID, ev.StreamVersion, ev.EventType, status})
	}
	f.Table(table.Row{"Seq", "Stream", "Stream ID", "Version", "Event", "Status"}, rows)
	return nil
}
