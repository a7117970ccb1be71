package main

import (
	"fmt"

	"corral/pkg/client"
	"corral/pkg/protocol"

	"github.com/spf13/cobra"
)

// newStopCmd creates the "corral stop" subcommand.
func newStopCmd() *cobra.Command {
	var byRun bool

	cmd := &cobra.Command{
		Use:   "stop <session-id | run-id>",
		Short: "Stop a session's active run",
		Long: `Requests cooperative termination of an in-flight run.
The command is delivered on the owning runner's next poll; the runner
sends SIGTERM, waits out a grace period, then escalates to SIGKILL.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}

			payload := protocol.StopPayload{SessionID: args[0]}
			if byRun {
				payload = protocol.StopPayload{RunID: args[0]}
			}

			c := client.New(paths.SocketPath)
			if err := c.Stop(cmd.Context(), payload); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stop requested for %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&byRun, "run", false, "treat the argument as a run id instead of a session id")
	return cmd
}
