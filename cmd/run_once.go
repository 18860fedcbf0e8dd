package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newRunOnceCmd creates the 'run-once' subcommand: one crawl of every website
// for a single configured tenant, then exit.
func newRunOnceCmd() *cobra.Command {
	var tenant string
	cmd := &cobra.Command{
		Use:   "run-once",
		Short: "Crawls one tenant's websites once and exits",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if tenant == "" {
				return errors.New("--tenant is required")
			}
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			app, err := newApp(cmd.Context(), rt.cfg, rt.logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			if err := app.RunOnce(cmd.Context(), tenant); err != nil {
				return fmt.Errorf("run once %s: %w", tenant, err)
			}
			rt.logger.Info("run-once finished", zap.String("tenant", tenant))
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id from the config file's tenants list")
	return cmd
}
