package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/droppr/mediaedge/internal/analytics"
	"github.com/droppr/mediaedge/internal/backend"
	"github.com/droppr/mediaedge/internal/cache"
	"github.com/droppr/mediaedge/internal/config"
	"github.com/droppr/mediaedge/internal/httpapi"
	"github.com/droppr/mediaedge/internal/httpapi/handlers"
	"github.com/droppr/mediaedge/internal/observability"
	"github.com/droppr/mediaedge/internal/runner"
	"github.com/droppr/mediaedge/internal/share"
	"github.com/droppr/mediaedge/internal/transform"
	"github.com/droppr/mediaedge/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the mediaedge server",
	Long: `Start the HTTP server that fronts the file-share backend: cached share
listings, thumbnail and video proxy generation, zip passthrough, and the
analytics API.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "server host (overrides config)")
	serveCmd.Flags().Int("port", 0, "server port (overrides config)")
	serveCmd.Flags().String("backend-url", "", "backend base URL (overrides config)")
	serveCmd.Flags().String("thumb-dir", "", "thumbnail cache directory (overrides config)")
	serveCmd.Flags().String("proxy-dir", "", "video proxy cache directory (overrides config)")
	serveCmd.Flags().Bool("no-analytics", false, "disable the download analytics store")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyServeFlags(cmd.Flags(), cfg)

	logger := observability.WithApp(observability.NewLogger(cfg.Logging), "mediaedge")
	observability.SetDefault(logger)

	logger.Info("starting mediaedge",
		slog.String("version", version.Short()),
		slog.String("address", cfg.Server.Address()),
		slog.String("backend", cfg.Backend.BaseURL))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := backend.New(cfg.Backend, logger)
	listings := share.NewListingCache(client, cfg.Listing, logger)

	thumbs, err := cache.NewDiskCache(cfg.Cache.ThumbDir, logger)
	if err != nil {
		return fmt.Errorf("opening thumbnail cache: %w", err)
	}
	proxies, err := cache.NewDiskCache(cfg.Cache.ProxyDir, logger)
	if err != nil {
		return fmt.Errorf("opening proxy cache: %w", err)
	}

	exec := runner.NewExecRunner(logger)
	transforms := transform.NewService(cfg, thumbs, proxies, exec, client, logger)

	store, err := analytics.Open(cfg.Analytics, logger)
	if err != nil {
		return fmt.Errorf("opening analytics store: %w", err)
	}
	defer store.Close()

	// Retention is also enforced opportunistically on the insert path; the
	// cron job keeps a quiet instance from accumulating expired rows.
	sweeper := cron.New()
	if store.Enabled() {
		if _, err := sweeper.AddFunc("@hourly", func() {
			if err := store.Sweep(context.Background()); err != nil {
				logger.Warn("analytics retention sweep failed", slog.String("error", err.Error()))
			}
		}); err != nil {
			return fmt.Errorf("scheduling retention sweep: %w", err)
		}
		sweeper.Start()
		defer sweeper.Stop()
	}

	server := httpapi.NewServer(cfg.Server, logger, version.Short())

	gallery := handlers.NewGallery(listings, transforms, client, store, logger)
	gallery.Register(server.Router())

	analyticsAPI := handlers.NewAnalyticsHandler(store, client, cfg.Analytics, logger)
	analyticsAPI.Register(server.API())
	analyticsAPI.RegisterExport(server.Router())

	health := handlers.NewHealthHandler(version.Short(), store, map[string]*cache.DiskCache{
		"thumbnails": thumbs,
		"proxy":      proxies,
	})
	health.Register(server.API())

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("running server: %w", err)
	}
	logger.Info("mediaedge stopped")
	return nil
}

// applyServeFlags lets explicit CLI flags win over file and env config.
func applyServeFlags(flags *pflag.FlagSet, cfg *config.Config) {
	if flags.Changed("host") {
		cfg.Server.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		cfg.Server.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("backend-url") {
		cfg.Backend.BaseURL, _ = flags.GetString("backend-url")
	}
	if flags.Changed("thumb-dir") {
		cfg.Cache.ThumbDir, _ = flags.GetString("thumb-dir")
	}
	if flags.Changed("proxy-dir") {
		cfg.Cache.ProxyDir, _ = flags.GetString("proxy-dir")
	}
	if flags.Changed("no-analytics") {
		if off, _ := flags.GetBool("no-analytics"); off {
			cfg.Analytics.Enabled = false
		}
	}
}
