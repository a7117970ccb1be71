package main

import (
	"fmt"
	"time"

	"corral/pkg/client"
	"corral/pkg/protocol"

	"github.com/spf13/cobra"
)

// runConfig holds flag values for the run command.
type runConfig struct {
	resume     string
	session    string
	projectDir string
	parent     string
	mode       string
	wait       bool

	demandHostname string
	demandDir      string
	demandProfile  string
	demandTags     []string
}

// newRunCmd creates the "corral run" subcommand.
func newRunCmd() *cobra.Command {
	var cfg runConfig

	cmd := &cobra.Command{
		Use:   "run <agent> [prompt]",
		Short: "Start or resume an agent run",
		Long: `Enqueues a run for dispatch to a matching runner.
Without --resume a new session is created; with --resume the run is
routed back to the session's bound runner.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}

			payload := protocol.CreateRunPayload{
				Type:            protocol.RunStart,
				AgentName:       args[0],
				SessionID:       cfg.session,
				ProjectDir:      cfg.projectDir,
				ParentSessionID: cfg.parent,
				Mode:            protocol.ExecutionMode(cfg.mode),
				Demands: protocol.Demand{
					Hostname:        cfg.demandHostname,
					ProjectDir:      cfg.demandDir,
					ExecutorProfile: cfg.demandProfile,
					Tags:            cfg.demandTags,
				},
			}
			if len(args) == 2 {
				payload.Prompt = args[1]
			}
			if cfg.resume != "" {
				payload.Type = protocol.RunResume
				payload.SessionID = cfg.resume
			}

			c := client.New(paths.SocketPath)
			created, err := c.CreateRun(cmd.Context(), payload)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "run %s enqueued (session %s)\n", created.RunID, created.SessionID)

			if !cfg.wait {
				return nil
			}

			run, err := c.WaitRun(cmd.Context(), created.RunID, time.Second)
			if err != nil {
				return err
			}
			switch run.Status {
			case protocol.RunCompleted:
				if run.Result != "" {
					fmt.Fprintln(w, run.Result)
				}
				return nil
			case protocol.RunFailed:
				return fmt.Errorf("run %s failed: %s", run.ID, run.Error)
			case protocol.RunStopped:
				return fmt.Errorf("run %s stopped (%s)", run.ID, run.StopSig)
			default:
				return fmt.Errorf("run %s ended in unexpected status %s", run.ID, run.Status)
			}
		},
	}

	cmd.Flags().StringVar(&cfg.resume, "resume", "", "resume an existing session by id")
	cmd.Flags().StringVar(&cfg.session, "session", "", "explicit session id for a new session")
	cmd.Flags().StringVar(&cfg.projectDir, "project-dir", "", "project directory recorded on the session")
	cmd.Flags().StringVar(&cfg.parent, "parent", "", "parent session id for callback orchestration")
	cmd.Flags().StringVar(&cfg.mode, "mode", string(protocol.ModeAsyncPoll), "execution mode: sync, async_poll, or async_callback")
	cmd.Flags().BoolVar(&cfg.wait, "wait", false, "block until the run reaches a terminal status")
	cmd.Flags().StringVar(&cfg.demandHostname, "demand-hostname", "", "require a runner on this host")
	cmd.Flags().StringVar(&cfg.demandDir, "demand-project-dir", "", "require a runner serving this project directory")
	cmd.Flags().StringVar(&cfg.demandProfile, "demand-profile", "", "require a runner with this executor profile")
	cmd.Flags().StringSliceVar(&cfg.demandTags, "tag", nil, "require a runner carrying this tag (repeatable)")

	return cmd
}
