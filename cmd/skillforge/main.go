// Package main implements the skillforge administrative CLI.
//
// Commands:
//   - serve             - run the HTTP service with its background workers
//   - migrate           - apply database migrations and exit
//   - resumable         - list jobs that would be resumed on startup
//   - taxonomy inspect  - resolve an identifier and render its SKILL.md
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"skillforge/internal/config"
	"skillforge/internal/logging"
)

var (
	verbose bool
	addr    string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "skillforge",
	Short: "skillforge - skill-authoring service",
	Long: `skillforge runs a multi-phase skill-authoring pipeline with human
checkpoints: clients submit a task, the service drives it through
Understand, Generate and Validate phases, collects human feedback at
suspension points, and publishes the finished artifact into a versioned
taxonomy.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapCfg := zap.NewProductionConfig()
		if verbose {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// loadConfig loads the environment-driven configuration and initializes
// the categorized file logger under the storage root.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logCfg := logging.Config{
		Enabled:    cfg.Logging.Enabled,
		Level:      cfg.Logging.Level,
		JSONFormat: cfg.Logging.JSONFormat,
	}
	if verbose {
		logCfg.Enabled = true
		logCfg.Level = "debug"
	}
	if err := logging.Initialize(cfg.StorageRoot, logCfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	serveCmd.Flags().StringVar(&addr, "addr", ":8080", "Listen address for the HTTP API")

	taxonomyCmd.AddCommand(taxonomyInspectCmd)
	rootCmd.AddCommand(serveCmd, migrateCmd, resumableCmd, taxonomyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
