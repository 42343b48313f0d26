// Package main is the entry point for the taskpanel binary.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"taskpanel/internal/app"
	"taskpanel/internal/config"
)

// Set by ldflags.
var version = "dev"

const stopTimeout = 30 * time.Second

func main() {
	_ = godotenv.Load()
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "taskpanel:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "taskpanel",
		Short:         "Scheduled task engine for a self-hosted panel",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", os.Getenv(config.EnvConfig), "path to the YAML or JSON config file (env "+config.EnvConfig+")")
	root.AddCommand(schedulerCmd(), apiCmd(), healthCmd(), materializeCmd())
	return root
}

// process is a long-lived role started by a subcommand.
type process interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Done() <-chan struct{}
	Err() error
}

// serve starts p and blocks until a signal arrives or p fails.
func serve(p process) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := p.Start(ctx); err != nil {
		sctx, scancel := context.WithTimeout(context.Background(), stopTimeout)
		defer scancel()
		_ = p.Stop(sctx)
		return err
	}
	select {
	case <-ctx.Done():
	case <-p.Done():
	}
	sctx, scancel := context.WithTimeout(context.Background(), stopTimeout)
	defer scancel()
	stopErr := p.Stop(sctx)
	if err := p.Err(); err != nil {
		return err
	}
	return stopErr
}

func configPath(cmd *cobra.Command) string {
	p, _ := cmd.Flags().GetString("config")
	return p
}

func schedulerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Run the scheduler process (job table, bridge server, metrics)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := app.NewScheduler(configPath(cmd))
			if err != nil {
				return err
			}
			return serve(s)
		},
	}
}

func apiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "api",
		Short: "Run the HTTP API process",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app.NewAPI(configPath(cmd))
			if err != nil {
				return err
			}
			return serve(a)
		},
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe the scheduler process; exits non-zero unless it is serving",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.Health(cmd.Context(), configPath(cmd), cmd.OutOrStdout())
		},
	}
}

func materializeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "materialize",
		Short: "Rewrite the crontab file from the task store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.Materialize(cmd.Context(), configPath(cmd), cmd.OutOrStdout())
		},
	}
}
