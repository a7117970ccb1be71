package main

import (
	"fmt"

	"corral/internal/buildinfo"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root corral command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "corral",
		Short:         "Agent run coordination service",
		Long:          "corral coordinates agent runs across a fleet of runners.\nIt manages sessions, dispatches runs by capability matching, and\nrelays stop commands and parent/child callbacks.",
		Version:       fmt.Sprintf("corral %s", buildinfo.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newServeCmd(),
		newRunCmd(),
		newStopCmd(),
		newStatusCmd(),
		newSessionsCmd(),
		newRunnerCmd(),
		newLogsCmd(),
	)

	return cmd
}
