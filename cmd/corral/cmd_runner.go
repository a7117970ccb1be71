package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"corral/pkg/client"
	"corral/pkg/protocol"
	"corral/pkg/runner"

	"github.com/spf13/cobra"
)

// newRunnerCmd creates the "corral runner" subcommand group.
func newRunnerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runner",
		Short: "Manage runner agents",
	}

	cmd.AddCommand(newRunnerStartCmd())
	cmd.AddCommand(newRunnerListCmd())
	cmd.AddCommand(newRunnerRemoveCmd())
	return cmd
}

// runnerStartConfig holds flag values for "corral runner start".
type runnerStartConfig struct {
	projectDir  string
	profile     string
	tags        []string
	requireTags bool
	hostname    string
	command     string
	args        []string
	stopGrace   time.Duration
	debug       bool
}

// newRunnerStartCmd creates "corral runner start": the worker agent process.
func newRunnerStartCmd() *cobra.Command {
	var cfg runnerStartConfig

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run a worker agent",
		Long: `Registers with the coordinator and polls for work. Assigned runs
are executed with the configured command; "{prompt}" in the argument
template is replaced with the run's prompt.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}

			hostname := cfg.hostname
			if hostname == "" {
				hostname, err = os.Hostname()
				if err != nil {
					return fmt.Errorf("resolve hostname: %w", err)
				}
			}
			projectDir := cfg.projectDir
			if projectDir == "" {
				projectDir, err = os.Getwd()
				if err != nil {
					return fmt.Errorf("resolve project dir: %w", err)
				}
			}

			level := slog.LevelInfo
			if cfg.debug {
				level = slog.LevelDebug
			}
			log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			exec := &runner.SubprocessExecutor{
				Command: cfg.command,
				Args:    cfg.args,
				LogDir:  paths.RunLogDir,
			}

			r := runner.New(paths.SocketPath, runner.Config{
				Hostname:        hostname,
				ProjectDir:      projectDir,
				ExecutorProfile: cfg.profile,
				Tags:            cfg.tags,
				RequireTags:     cfg.requireTags,
				StopGrace:       cfg.stopGrace,
			}, exec, log)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return r.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&cfg.hostname, "hostname", "", "override the reported hostname")
	cmd.Flags().StringVar(&cfg.projectDir, "project-dir", "", "project directory this runner serves (default: cwd)")
	cmd.Flags().StringVar(&cfg.profile, "profile", "default", "executor profile name")
	cmd.Flags().StringSliceVar(&cfg.tags, "tag", nil, "capability tag (repeatable)")
	cmd.Flags().BoolVar(&cfg.requireTags, "require-matching-tags", false, "refuse runs that demand no tags")
	cmd.Flags().StringVar(&cfg.command, "command", "corral-agent", "agent command to execute per run")
	cmd.Flags().StringSliceVar(&cfg.args, "arg", []string{"{prompt}"}, "agent command argument template (repeatable)")
	cmd.Flags().DurationVar(&cfg.stopGrace, "stop-grace", protocol.DefaultStopGrace, "SIGTERM to SIGKILL escalation window")
	cmd.Flags().BoolVar(&cfg.debug, "debug", false, "enable debug logging")

	return cmd
}

// newRunnerListCmd creates "corral runner list".
func newRunnerListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered runners",
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}

			runners, err := client.New(paths.SocketPath).ListRunners(cmd.Context())
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if len(runners) == 0 {
				fmt.Fprintln(w, "no runners")
				return nil
			}

			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUNNER\tHOST\tPROJECT\tPROFILE\tTAGS\tLAST HEARTBEAT\tONLINE")
			for _, r := range runners {
				state := "no"
				if r.Online {
					state = "yes"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.Hostname, r.ProjectDir, r.ExecutorProfile,
					strings.Join(r.Tags, ","), r.LastHeartbeat, state)
			}
			return tw.Flush()
		},
	}
}

// newRunnerRemoveCmd creates "corral runner remove". Removal of a live
// runner is delivered on its next poll rather than applied immediately.
func newRunnerRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <runner-id>",
		Short: "Deregister a runner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}

			if err := client.New(paths.SocketPath).Deregister(cmd.Context(), args[0], false); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "runner %s marked for removal\n", args[0])
			return nil
		},
	}
}
