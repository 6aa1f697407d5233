package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/cryptolog/apt-offline/pkg/bugs"
	"github.com/cryptolog/apt-offline/pkg/cache"
	"github.com/cryptolog/apt-offline/pkg/dispatch"
	"github.com/cryptolog/apt-offline/pkg/fetch"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	DefaultFile = "apt-offline.yml"
	EnvPrefix   = "APT_OFFLINE"
)

type Config struct {
	DownloadDir    string        `yaml:"download_dir" envconfig:"DOWNLOAD_DIR"`
	CacheDir       string        `yaml:"cache_dir" envconfig:"CACHE_DIR"`
	Workers        int           `yaml:"workers" envconfig:"WORKERS"`
	Serial         bool          `yaml:"serial" envconfig:"SERIAL"`
	SocketTimeout  time.Duration `yaml:"socket_timeout" envconfig:"SOCKET_TIMEOUT"`
	Retries        int           `yaml:"retries" envconfig:"RETRIES"`
	Proxy          string        `yaml:"proxy" envconfig:"PROXY"`
	Insecure       bool          `yaml:"insecure" envconfig:"INSECURE"`
	Archive        bool          `yaml:"archive" envconfig:"ARCHIVE"`
	UpdateArchive  string        `yaml:"update_archive" envconfig:"UPDATE_ARCHIVE"`
	UpgradeArchive string        `yaml:"upgrade_archive" envconfig:"UPGRADE_ARCHIVE"`
	BugReports     bool          `yaml:"bug_reports" envconfig:"BUG_REPORTS"`
	BugTrackerURL  string        `yaml:"bug_tracker_url" envconfig:"BUG_TRACKER_URL"`
	IndexCacheSize int           `yaml:"index_cache_size" envconfig:"INDEX_CACHE_SIZE"`
	Progress       bool          `yaml:"progress" envconfig:"PROGRESS"`
	LogLevel       string        `yaml:"log_level" envconfig:"LOG_LEVEL"`
	FailOnError    bool          `yaml:"fail_on_error" envconfig:"FAIL_ON_ERROR"`
}

func Default() *Config {
	return &Config{
		DownloadDir:    "apt-offline-downloads",
		Workers:        1,
		SocketTimeout:  fetch.DefaultSocketTimeout,
		Retries:        fetch.DefaultRetries,
		UpdateArchive:  "apt-offline-update.zip",
		UpgradeArchive: "apt-offline-upgrade.zip",
		BugTrackerURL:  bugs.DefaultTrackerURL,
		Progress:       true,
		LogLevel:       "info",
	}
}

// Load layers the YAML file at path and then APT_OFFLINE_* environment
// variables over the defaults. An empty path reads DefaultFile if present.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	f, err := os.Open(path)
	if err == nil {
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("error decoding config: %w", err)
		}
	} else if explicit || !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error opening config: %w", err)
	} else {
		slog.Info("no config file found, using defaults")
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	if c.DownloadDir == "" {
		return errors.New("download_dir is required")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.Retries < 0 {
		return fmt.Errorf("retries must not be negative, got %d", c.Retries)
	}
	return nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c *Config) Fetch() fetch.Config {
	return fetch.Config{SocketTimeout: c.SocketTimeout, Retries: c.Retries, Proxy: c.Proxy}
}

func (c *Config) Cache() cache.Config {
	return cache.Config{IndexSize: c.IndexCacheSize}
}

func (c *Config) Dispatch() dispatch.Config {
	cfg := dispatch.Config{
		DownloadDir: c.DownloadDir,
		CacheDir:    c.CacheDir,
		Workers:     c.Workers,
		Serial:      c.Serial,
		Insecure:    c.Insecure,
		BugReports:  c.BugReports,
	}
	if c.Archive {
		cfg.UpdateArchive = c.UpdateArchive
		cfg.UpgradeArchive = c.UpgradeArchive
	}
	return cfg
}
