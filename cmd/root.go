// Package cmd defines and implements the CLI commands for the crawl-scheduler executable.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/config"
	"github.com/JakeFAU/crawl-scheduler/internal/logging"
	"github.com/JakeFAU/crawl-scheduler/internal/server"
)

var cfgFile string

// runtimeKeyType is the key for storing the loaded runtime in the context.
type runtimeKeyType string

const runtimeKey runtimeKeyType = "runtime"

// runtime carries what every subcommand needs before it builds the app.
type runtime struct {
	cfg    *config.Config
	logger *zap.Logger
}

// Runner is the part of the application the subcommands drive. Tests swap
// newApp for a fake.
type Runner interface {
	Run(ctx context.Context) error
	RunOnce(ctx context.Context, tenantID string) error
}

var newApp = func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Runner, error) {
	return server.Build(ctx, cfg, logger)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl-scheduler",
		Short: "Schedules recurring crawls of hosted-crawl websites for many tenants.",
		Long: `crawl-scheduler keeps per-tenant crawl schedules for websites hosted on a
remote crawl API. It triggers crawls on an interval, polls them to completion,
and serves an admin API for configuring tenants and reading their status.`,
		SilenceUsage: true,

		// Loads config and the logger before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cmd.SetContext(context.WithValue(ctx, runtimeKey, &runtime{cfg: &cfg, logger: logger}))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newRunOnceCmd())

	return cmd
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(runtimeKey).(*runtime)
	if !ok || rt == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}
	return rt, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "command execution failed: %v\n", err)
		os.Exit(1)
	}
}
