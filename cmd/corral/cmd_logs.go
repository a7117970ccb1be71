package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"corral/pkg/eventlog"

	"github.com/spf13/cobra"
)

// logsConfig holds flag values for the logs command.
type logsConfig struct {
	tail    int
	follow  bool
	session string
	runner  string
	evType  string
}

// newLogsCmd creates the "corral logs" subcommand.
func newLogsCmd() *cobra.Command {
	var cfg logsConfig

	cmd := &cobra.Command{
		Use:   "logs [run-id]",
		Short: "Query and tail the coordinator event log",
		Long:  "Displays lifecycle events from the coordinator event log.\nOptionally filter by run, session, or runner, and follow new events.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var runID string
			if len(args) == 1 {
				runID = args[0]
			}

			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}

			reader, err := eventlog.NewReader(paths.DBPath)
			if err != nil {
				return fmt.Errorf("open event log: %w", err)
			}
			defer reader.Close()

			opts := eventlog.QueryOpts{
				RunID:     runID,
				SessionID: cfg.session,
				RunnerID:  cfg.runner,
				EventType: cfg.evType,
				Limit:     cfg.tail,
			}

			w := cmd.OutOrStdout()
			if cfg.follow {
				return followLogs(cmd.Context(), reader, w, opts)
			}
			return printLogs(cmd.Context(), reader, w, opts)
		},
	}

	cmd.Flags().IntVar(&cfg.tail, "tail", 20, "number of recent events to show")
	cmd.Flags().BoolVarP(&cfg.follow, "follow", "f", false, "poll for new events every 1s")
	cmd.Flags().StringVar(&cfg.session, "session", "", "filter by session id")
	cmd.Flags().StringVar(&cfg.runner, "runner", "", "filter by runner id")
	cmd.Flags().StringVar(&cfg.evType, "type", "", "filter by event type")

	return cmd
}

// printLogs writes matching events oldest-first.
func printLogs(ctx context.Context, reader *eventlog.Reader, w io.Writer, opts eventlog.QueryOpts) error {
	events, err := reader.Query(ctx, opts)
	if err != nil {
		return err
	}
	for i := len(events) - 1; i >= 0; i-- {
		printEvent(w, events[i])
	}
	return nil
}

// followLogs prints the initial tail, then polls for new events until
// the context is canceled.
func followLogs(ctx context.Context, reader *eventlog.Reader, w io.Writer, opts eventlog.QueryOpts) error {
	events, err := reader.Query(ctx, opts)
	if err != nil {
		return err
	}
	var lastID int64
	for i := len(events) - 1; i >= 0; i-- {
		printEvent(w, events[i])
		lastID = events[i].ID
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			// Unbounded query; new rows since lastID are filtered here.
			newOpts := opts
			newOpts.Limit = 0
			events, err := reader.Query(ctx, newOpts)
			if err != nil {
				return err
			}
			for i := len(events) - 1; i >= 0; i-- {
				if events[i].ID <= lastID {
					continue
				}
				printEvent(w, events[i])
				lastID = events[i].ID
			}
		}
	}
}

func printEvent(w io.Writer, e eventlog.Event) {
	subject := e.RunID
	if subject == "" {
		subject = e.SessionID
	}
	if subject == "" {
		subject = e.RunnerID
	}
	line := fmt.Sprintf("%s  %-18s %s", e.CreatedAt.Format("2006-01-02 15:04:05"), e.Type, subject)
	if e.Payload != "" {
		line += "  " + e.Payload
	}
	fmt.Fprintln(w, line)
}
