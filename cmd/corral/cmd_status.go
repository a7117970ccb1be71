package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"corral/pkg/client"

	"github.com/spf13/cobra"
)

// newStatusCmd creates the "corral status" subcommand.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show coordinator state",
		Long:  "Displays registered runners and session counts by status.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}

			c := client.New(paths.SocketPath)
			ctx := cmd.Context()

			runners, err := c.ListRunners(ctx)
			if err != nil {
				return err
			}
			sessions, err := c.ListSessions(ctx)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			online := 0
			for _, r := range runners {
				if r.Online {
					online++
				}
			}
			fmt.Fprintf(w, "runners: %d registered, %d online\n", len(runners), online)

			byStatus := map[string]int{}
			for _, s := range sessions {
				byStatus[string(s.Status)]++
			}
			parts := make([]string, 0, len(byStatus))
			for _, st := range []string{"pending", "running", "stopping", "stopped", "finished"} {
				if n := byStatus[st]; n > 0 {
					parts = append(parts, fmt.Sprintf("%d %s", n, st))
				}
			}
			if len(parts) == 0 {
				fmt.Fprintln(w, "sessions: none")
			} else {
				fmt.Fprintf(w, "sessions: %s\n", strings.Join(parts, ", "))
			}

			if len(runners) > 0 {
				fmt.Fprintln(w)
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "RUNNER\tHOST\tPROFILE\tTAGS\tONLINE")
				for _, r := range runners {
					state := "no"
					if r.Online {
						state = "yes"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
						r.ID, r.Hostname, r.ExecutorProfile, strings.Join(r.Tags, ","), state)
				}
				if err := tw.Flush(); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
