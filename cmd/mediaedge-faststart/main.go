// Package main is the offline faststart post-processor.
//
// mediaedge-faststart takes uploaded MP4 files and rewrites them in place
// so they start playing before the full download finishes: it relocates
// the moov atom to the front and, where stream copy would produce a file
// browsers refuse to play, remaps or re-encodes first. It is meant to be
// invoked by an upload hook or a directory watcher, one or more paths per
// invocation.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/droppr/mediaedge/internal/config"
	"github.com/droppr/mediaedge/internal/faststart"
	"github.com/droppr/mediaedge/internal/observability"
	"github.com/droppr/mediaedge/internal/runner"
	"github.com/droppr/mediaedge/internal/version"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:     "mediaedge-faststart [flags] FILE...",
	Short:   "Rewrite uploaded MP4 files for progressive playback",
	Version: version.Short(),
	Long: `Rewrite uploaded MP4 files in place so they are progressively playable.

Each file is first waited on until its size stops changing, then inspected:
HEVC video or broken decode timestamps trigger a re-encode, extra streams a
remap to primary video and audio, and a trailing moov atom a plain remux.
Files that are already streamable are left untouched.

Failures on individual files are logged and do not abort the run or change
the exit code; an upload hook should never retry-loop on a file this tool
cannot fix.`,
	Args: cobra.MinimumNArgs(1),
	RunE: run,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., /etc/mediaedge, $HOME/.mediaedge)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text, json)")
	rootCmd.SilenceUsage = true
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyLogFlags(cmd.Flags(), &cfg.Logging)

	logger := observability.WithApp(observability.NewLoggerWithWriter(cfg.Logging, os.Stderr), "mediaedge-faststart")
	observability.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	proc := faststart.NewProcessor(cfg.Faststart, cfg.FFmpeg, runner.NewExecRunner(logger), logger)

	for _, path := range args {
		if ctx.Err() != nil {
			logger.Warn("interrupted, remaining files skipped")
			break
		}
		action, err := proc.Process(ctx, path)
		if err != nil {
			logger.Error("processing failed",
				slog.String("path", path),
				slog.String("error", err.Error()))
			continue
		}
		logger.Info("processed",
			slog.String("path", path),
			slog.String("action", string(action)))
	}
	return nil
}

// applyLogFlags lets explicit CLI flags win over file and env config.
func applyLogFlags(flags *pflag.FlagSet, cfg *config.LoggingConfig) {
	if flags.Changed("log-level") {
		level, _ := flags.GetString("log-level")
		cfg.Level = strings.ToLower(level)
	}
	if flags.Changed("log-format") {
		format, _ := flags.GetString("log-format")
		cfg.Format = strings.ToLower(format)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(2)
	}
}
