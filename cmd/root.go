// Package cmd defines and implements the CLI commands for the releasebot executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/release-pipeline/internal/config"
)

var cfgFile string

// cfgKeyType is the key for storing the loaded Config in the context.
type cfgKeyType string

const cfgKey cfgKeyType = "config"

// loadConfig is the config factory. It's a variable so tests can supply a
// Config without touching disk or the environment.
var loadConfig = config.Load

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "releasebot",
		Short: "Feed-driven game release ingestion pipeline.",
		Long: `releasebot polls a release feed, deduplicates and enriches each entry,
resolves download links with a headless browser, watches published links
for rot, and keeps rolling snapshots of its state.`,
		SilenceUsage: true,

		// Runs before every subcommand so each one sees a validated Config.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx := context.WithValue(cmd.Context(), cfgKey, &cfg)
			cmd.SetContext(ctx)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); defaults and RELEASEBOT_* env apply without one")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newAdminCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func resolveConfig(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(cfgKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
