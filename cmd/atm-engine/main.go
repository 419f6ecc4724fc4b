package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/yegors/airspace-billing/internal/app"
	"github.com/yegors/airspace-billing/internal/clock"
	"github.com/yegors/airspace-billing/internal/config"
	"github.com/yegors/airspace-billing/pkg/logger"
)

var configPath string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "atm-engine",
	Short: "Airspace tracking and billing engine",
	Long: `Tracks aircraft through the national airspace, follows landings at
domestic airports and bills overflight, landing and parking charges.

Every command reads the same TOML configuration file. Without --config the
built-in defaults are used.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the TOML configuration file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the configuration and creates the logger.
func setup() (config.Config, *logger.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	log, err := logger.New(cfg.LoggerConfig())
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, log, nil
}

// openApp builds the full pipeline for a one-shot command.
func openApp(ctx context.Context) (*app.App, *logger.Logger, error) {
	cfg, log, err := setup()
	if err != nil {
		return nil, nil, err
	}
	a, err := app.New(ctx, cfg, clock.System(), log)
	if err != nil {
		log.Sync()
		return nil, nil, err
	}
	return a, log, nil
}
