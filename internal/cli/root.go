// Package cli provides the command-line interface for dishcapture.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"github.com/charmbracelet/fang"
	"github.com/joho/godotenv"
	"github.com/raphaelgruber/dishcapture/internal/app"
	"github.com/raphaelgruber/dishcapture/internal/config"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose bool

	cfg      config.Config
	logger   *slog.Logger
	closeLog func() error

	// Lazy-initialized application graph
	application *app.App
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "dishcapture",
	Short: "Capture dishes as 3D models and publish them to the catalog",
	Long: `Dishcapture turns a photo session of a dish into a 3D model and publishes
it to the restaurant catalog.

Photos are collected from a hot folder, reconstructed by a photogrammetry
service, uploaded to object storage and attached to the dish. Dishes saved
before their upload finished are patched later from the pending-upload ledger.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Load .env file if present (ignore errors)
		_ = godotenv.Load()

		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		level := slog.LevelWarn
		if verbose {
			level = cfg.LogLevel
		}
		logger, closeLog = config.SetupLogger(cfg.LogFile, level)
		slog.SetDefault(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if application != nil {
			if err := application.Close(context.Background()); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			}
		}
		if closeLog != nil {
			_ = closeLog()
		}
	},
}

// getApp wires the application on first use.
func getApp(ctx context.Context) (*app.App, error) {
	if application != nil {
		return application, nil
	}
	a, err := app.New(ctx, cfg, logger, app.Engines{})
	if err != nil {
		return nil, err
	}
	application = a
	return a, nil
}

// Execute runs the root command with signal handling, completions and
// styled help.
func Execute(ctx context.Context) error {
	return fang.Execute(ctx, rootCmd,
		fang.WithVersion(Version),
		fang.WithNotifySignal(os.Interrupt, syscall.SIGTERM),
	)
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log to stderr at the configured level")

	// Add subcommands
	rootCmd.AddCommand(captureCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(ledgerCmd)
	rootCmd.AddCommand(dishesCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(whoamiCmd)
}
