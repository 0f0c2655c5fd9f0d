package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/release-pipeline/internal/app"
	"github.com/JakeFAU/release-pipeline/internal/logging"
)

// newRunCmd creates the 'run' subcommand, which starts every periodic task
// and the admin HTTP server in one process.
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Runs the pipeline until interrupted",
		RunE:  runPipeline,
	}
}

func runPipeline(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd.Context())
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	instance, err := app.Build(cmd.Context(), cfg, logger)
	if err != nil {
		logger.Error("build failed", zap.Error(err))
		_ = logger.Sync()
		return err
	}
	if err := instance.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run pipeline: %w", err)
	}
	return nil
}
