// Package cmd implements the CLI commands for mediaedge.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/droppr/mediaedge/internal/config"
	"github.com/droppr/mediaedge/internal/observability"
	"github.com/droppr/mediaedge/internal/version"
)

// cfgFile holds the config file path from the CLI flag.
var cfgFile string

var rootCmd = &cobra.Command{
	Use:     "mediaedge",
	Short:   "Media transform and cache edge for file shares",
	Version: version.Short(),
	Long: `mediaedge sits in front of a file-share backend and serves galleries
from public shares: cached listings, on-demand thumbnails, browser-friendly
video proxy renditions, and per-share download analytics.

The backend stays the source of truth for shares and files; mediaedge only
derives and caches.`,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentPreRun = func(_ *cobra.Command, _ []string) {
		initLogging()
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., /etc/mediaedge, $HOME/.mediaedge)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text, json)")
}

// initLogging sets the default logger before any command runs. Flags win
// over environment, which wins over the built-in defaults; the full config
// file is not loaded yet at this point, so only flag and env sources apply.
func initLogging() {
	level := os.Getenv("MEDIAEDGE_LOGGING_LEVEL")
	format := os.Getenv("MEDIAEDGE_LOGGING_FORMAT")

	if rootCmd.PersistentFlags().Changed("log-level") {
		level, _ = rootCmd.PersistentFlags().GetString("log-level")
	}
	if rootCmd.PersistentFlags().Changed("log-format") {
		format, _ = rootCmd.PersistentFlags().GetString("log-format")
	}
	if level == "" {
		level = "info"
	}
	if format == "" {
		format = "json"
	}

	logger := observability.NewLogger(config.LoggingConfig{
		Level:  strings.ToLower(level),
		Format: strings.ToLower(format),
	})
	observability.SetDefault(observability.WithApp(logger, "mediaedge"))
}
