// Package config provides configuration management for mediaedge using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort      = 8080
	defaultServerTimeout   = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second

	defaultBackendBaseURL = "http://droppr-app:80"
	defaultBackendTimeout = 10 * time.Second
	defaultZipTimeout     = 120 * time.Second

	defaultListingTTL      = time.Hour
	defaultListingCapacity = 1000

	defaultThumbDir         = "/tmp/thumbnails"
	defaultProxyDir         = "/tmp/proxy-cache"
	defaultThumbMaxWidth    = 800
	defaultThumbQuality     = 6
	defaultThumbTimeout     = 25 * time.Second
	defaultThumbConcurrency = 2

	defaultProxyMaxDimension = 1280
	defaultProxyCRF          = 28
	defaultProxyTimeout      = 900 * time.Second
	defaultHDCRF             = 20
	defaultHDTimeout         = 1800 * time.Second

	defaultAnalyticsDBPath   = "/database/mediaedge-analytics.sqlite3"
	defaultRetentionDays     = 180
	defaultAnalyticsDBtimout = 30 * time.Second

	defaultStableInterval   = 2 * time.Second
	defaultStableTimeout    = 120 * time.Second
	defaultTranscodeTimeout = 3600 * time.Second
	defaultProbeTimeout     = 60 * time.Second
	defaultFaststartCRF     = 23
)

// presetRe matches the lowercase x264 preset names ffmpeg accepts on the
// command line.
var presetRe = regexp.MustCompile(`^[a-z]+$`)

var validProfiles = map[string]bool{"baseline": true, "main": true, "high": true}

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Backend   BackendConfig   `mapstructure:"backend"`
	Listing   ListingConfig   `mapstructure:"listing"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Thumbnail ThumbnailConfig `mapstructure:"thumbnail"`
	Proxy     RenditionConfig `mapstructure:"proxy"`
	HD        RenditionConfig `mapstructure:"hd"`
	Analytics AnalyticsConfig `mapstructure:"analytics"`
	FFmpeg    FFmpegConfig    `mapstructure:"ffmpeg"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Faststart FaststartConfig `mapstructure:"faststart"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// BackendConfig holds the upstream file-share backend configuration.
type BackendConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	ZipTimeout time.Duration `mapstructure:"zip_timeout"`
}

// ListingConfig holds the share listing cache configuration.
type ListingConfig struct {
	TTL      time.Duration `mapstructure:"ttl"`
	Capacity int           `mapstructure:"capacity"`
}

// CacheConfig holds the on-disk artifact cache directories.
type CacheConfig struct {
	ThumbDir string `mapstructure:"thumb_dir"`
	ProxyDir string `mapstructure:"proxy_dir"`
}

// ThumbnailConfig holds thumbnail generation parameters.
type ThumbnailConfig struct {
	MaxWidth    int           `mapstructure:"max_width"`
	Quality     int           `mapstructure:"quality"` // ffmpeg -q:v scale, lower is better
	Timeout     time.Duration `mapstructure:"timeout"`
	Concurrency int           `mapstructure:"concurrency"`
}

// RenditionConfig holds encoder parameters for one video rendition
// (fast proxy or HD proxy).
type RenditionConfig struct {
	MaxDimension   int           `mapstructure:"max_dimension"` // cap on the longer side, 0 = none
	Preset         string        `mapstructure:"preset"`
	Profile        string        `mapstructure:"profile"` // x264 profile: baseline, main, high
	CRF            int           `mapstructure:"crf"`
	AudioBitrate   string        `mapstructure:"audio_bitrate"`
	Timeout        time.Duration `mapstructure:"timeout"`
	Concurrency    int           `mapstructure:"concurrency"`
	ProfileVersion string        `mapstructure:"profile_version"`
}

// AnalyticsConfig holds the download-event analytics store configuration.
type AnalyticsConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	DBPath           string        `mapstructure:"db_path"`
	DBTimeout        time.Duration `mapstructure:"db_timeout"`
	RetentionDays    int           `mapstructure:"retention_days"`
	IPMode           string        `mapstructure:"ip_mode"` // full, anonymized, off
	LogGalleryViews  bool          `mapstructure:"log_gallery_views"`
	LogFileDownloads bool          `mapstructure:"log_file_downloads"`
	LogZipDownloads  bool          `mapstructure:"log_zip_downloads"`
}

// FFmpegConfig holds external encoder binary configuration.
type FFmpegConfig struct {
	BinaryPath string `mapstructure:"binary_path"` // path to ffmpeg (empty = PATH lookup)
	ProbePath  string `mapstructure:"probe_path"`  // path to ffprobe (empty = PATH lookup)
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// FaststartConfig holds the offline faststart post-processor configuration.
type FaststartConfig struct {
	StableInterval   time.Duration `mapstructure:"stable_interval"`
	StableTimeout    time.Duration `mapstructure:"stable_timeout"`
	TranscodeTimeout time.Duration `mapstructure:"transcode_timeout"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	Preset           string        `mapstructure:"preset"`
	CRF              int           `mapstructure:"crf"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with MEDIAEDGE_ and use underscores
// for nesting. Example: MEDIAEDGE_SERVER_PORT=8080.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/mediaedge")
		v.AddConfigPath("$HOME/.mediaedge")
	}

	v.SetEnvPrefix("MEDIAEDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file so defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)

	// Backend defaults
	v.SetDefault("backend.base_url", defaultBackendBaseURL)
	v.SetDefault("backend.timeout", defaultBackendTimeout)
	v.SetDefault("backend.zip_timeout", defaultZipTimeout)

	// Listing cache defaults
	v.SetDefault("listing.ttl", defaultListingTTL)
	v.SetDefault("listing.capacity", defaultListingCapacity)

	// Artifact cache defaults
	v.SetDefault("cache.thumb_dir", defaultThumbDir)
	v.SetDefault("cache.proxy_dir", defaultProxyDir)

	// Thumbnail defaults
	v.SetDefault("thumbnail.max_width", defaultThumbMaxWidth)
	v.SetDefault("thumbnail.quality", defaultThumbQuality)
	v.SetDefault("thumbnail.timeout", defaultThumbTimeout)
	v.SetDefault("thumbnail.concurrency", defaultThumbConcurrency)

	// Fast proxy defaults
	v.SetDefault("proxy.max_dimension", defaultProxyMaxDimension)
	v.SetDefault("proxy.preset", "veryfast")
	v.SetDefault("proxy.profile", "main")
	v.SetDefault("proxy.crf", defaultProxyCRF)
	v.SetDefault("proxy.audio_bitrate", "128k")
	v.SetDefault("proxy.timeout", defaultProxyTimeout)
	v.SetDefault("proxy.concurrency", 1)
	v.SetDefault("proxy.profile_version", "1")

	// HD proxy defaults
	v.SetDefault("hd.max_dimension", 0)
	v.SetDefault("hd.preset", "veryfast")
	v.SetDefault("hd.profile", "high")
	v.SetDefault("hd.crf", defaultHDCRF)
	v.SetDefault("hd.audio_bitrate", "192k")
	v.SetDefault("hd.timeout", defaultHDTimeout)
	v.SetDefault("hd.concurrency", 1)
	v.SetDefault("hd.profile_version", "1")

	// Analytics defaults
	v.SetDefault("analytics.enabled", true)
	v.SetDefault("analytics.db_path", defaultAnalyticsDBPath)
	v.SetDefault("analytics.db_timeout", defaultAnalyticsDBtimout)
	v.SetDefault("analytics.retention_days", defaultRetentionDays)
	v.SetDefault("analytics.ip_mode", "full")
	v.SetDefault("analytics.log_gallery_views", true)
	v.SetDefault("analytics.log_file_downloads", true)
	v.SetDefault("analytics.log_zip_downloads", true)

	// FFmpeg defaults
	v.SetDefault("ffmpeg.binary_path", "")
	v.SetDefault("ffmpeg.probe_path", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Faststart defaults
	v.SetDefault("faststart.stable_interval", defaultStableInterval)
	v.SetDefault("faststart.stable_timeout", defaultStableTimeout)
	v.SetDefault("faststart.transcode_timeout", defaultTranscodeTimeout)
	v.SetDefault("faststart.probe_timeout", defaultProbeTimeout)
	v.SetDefault("faststart.preset", "fast")
	v.SetDefault("faststart.crf", defaultFaststartCRF)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}

	if c.Listing.Capacity < 1 {
		return fmt.Errorf("listing.capacity must be at least 1")
	}

	if c.Cache.ThumbDir == "" || c.Cache.ProxyDir == "" {
		return fmt.Errorf("cache.thumb_dir and cache.proxy_dir are required")
	}

	if c.Thumbnail.MaxWidth < 1 {
		return fmt.Errorf("thumbnail.max_width must be at least 1")
	}
	if c.Thumbnail.Concurrency < 1 {
		return fmt.Errorf("thumbnail.concurrency must be at least 1")
	}

	for name, r := range map[string]RenditionConfig{"proxy": c.Proxy, "hd": c.HD} {
		if r.Concurrency < 1 {
			return fmt.Errorf("%s.concurrency must be at least 1", name)
		}
		if r.CRF < 0 || r.CRF > 51 {
			return fmt.Errorf("%s.crf must be between 0 and 51", name)
		}
		if !presetRe.MatchString(r.Preset) {
			return fmt.Errorf("%s.preset must be a lowercase x264 preset name", name)
		}
		if !validProfiles[r.Profile] {
			return fmt.Errorf("%s.profile must be one of: baseline, main, high", name)
		}
	}

	switch c.Analytics.IPMode {
	case "full", "anonymized", "off":
	default:
		return fmt.Errorf("analytics.ip_mode must be one of: full, anonymized, off")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
