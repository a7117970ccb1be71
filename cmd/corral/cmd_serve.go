package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"corral/pkg/coordinator"
	"corral/pkg/resolver"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// newServeCmd creates the "corral serve" subcommand: the coordinator daemon.
func newServeCmd() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordination daemon",
		Long:  "Starts the corral coordinator: listens on the Unix socket,\ndispatches runs to polling runners, and sweeps demand timeouts.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}
			if err := ensureCorralHome(paths); err != nil {
				return err
			}

			sl := newStartupLog(cmd.OutOrStdout(), isatty.IsTerminal(os.Stdout.Fd()))

			cfg, err := loadConfig(paths.ConfigPath, paths.SocketPath)
			if err != nil {
				return err
			}
			sl.Step("loaded configuration")

			level := slog.LevelInfo
			if debug {
				level = slog.LevelDebug
			}
			log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			stopSpinner := sl.StartSpinner(fmt.Sprintf("opening state database %s", paths.DBPath))
			db, err := openDB(cmd.Context(), paths.DBPath)
			if err != nil {
				return err
			}
			defer db.Close()

			coord := coordinator.New(cfg, db, log)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := coord.InitSchema(ctx); err != nil {
				return fmt.Errorf("init schema: %w", err)
			}
			stopSpinner()

			res := resolver.New(paths.AgentsDir, log)
			coord.SetResolver(res)
			go res.Watch(ctx)
			sl.Step(fmt.Sprintf("watching agent definitions in %s", paths.AgentsDir))

			sl.Step(fmt.Sprintf("listening on %s", paths.SocketPath))
			return coord.Run(ctx)
		},
	}

	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	return cmd
}
