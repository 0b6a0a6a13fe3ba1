// Package main is the hapi runner CLI: the per-machine supervisor that
// connects to the hub, spawns agent sessions and keeps itself up to date.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hapi-sh/hapi/internal/common/config"
	"github.com/hapi-sh/hapi/internal/common/logger"
	"github.com/hapi-sh/hapi/internal/flavor"
	"github.com/hapi-sh/hapi/internal/runner"
)

// version is stamped at build time via -ldflags.
var version = "0.0.0-dev"

func main() {
	root := &cobra.Command{
		Use:           "runner",
		Short:         "hapi per-machine runner",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(startCmd(), startSyncCmd(), launchCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the runner in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			exe, err := os.Executable()
			if err != nil {
				return err
			}
			child := exec.Command(exe, "start-sync")
			child.Env = os.Environ()
			child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
			if err := child.Start(); err != nil {
				return fmt.Errorf("failed to start runner: %w", err)
			}
			fmt.Printf("runner started (pid %d)\n", child.Process.Pid)
			return nil
		},
	}
}

func startSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start-sync",
		Short: "Run the runner in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log, err := logger.NewLogger(logger.LoggingConfig{
				Level:      cfg.Logging.Level,
				Format:     cfg.Logging.Format,
				OutputPath: cfg.Logging.OutputPath,
			})
			if err != nil {
				return err
			}
			logger.SetDefault(log)
			defer log.Sync()

			supervisor, err := runner.NewSupervisor(cfg.Runner, version, log)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := supervisor.Run(ctx); err != nil {
				if errors.Is(err, runner.ErrAlreadyRunning) {
					return fmt.Errorf("runner already running: %w", err)
				}
				log.Error("runner failed", zap.Error(err))
				return err
			}
			return nil
		},
	}
}

func launchCmd() *cobra.Command {
	var agent string
	cmd := &cobra.Command{
		Use:   "launch [dir]",
		Short: "Launch an agent CLI attached to this terminal",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			flavors, err := flavor.Load(cfg.Runner.FlavorFile)
			if err != nil {
				return err
			}
			fl := flavors.Default()
			if agent != "" {
				var ok bool
				if fl, ok = flavors.Get(agent); !ok {
					return fmt.Errorf("unknown agent flavor %q", agent)
				}
			}

			dir, err := os.Getwd()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				dir = args[0]
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runner.SpawnWithAbort(ctx, runner.LaunchSpec{
				Command:     fl.Binary,
				Args:        fl.ExtraArgs,
				Dir:         dir,
				InstallHint: fl.InstallHint,
			})
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "agent flavor to launch (default claude)")
	return cmd
}
