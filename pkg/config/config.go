// Package config loads process configuration from FETCHCACHE_* environment
// variables and builds the root logger.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// Prefix is prepended to every environment variable name.
const Prefix = "FETCHCACHE_"

// AppName names the directory created under the user cache directory.
const AppName = "fetchcache"

// Config is the complete process configuration.
type Config struct {
	CacheDir       string         `env:"CACHE_DIR"`
	LogLevel       string         `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat      string         `env:"LOG_FORMAT" envDefault:"auto"`
	Timezone       string         `env:"TIMEZONE" envDefault:"Asia/Tokyo"`
	MaxConcurrency int            `env:"MAX_CONCURRENCY" envDefault:"8"`
	RetryAttempts  int            `env:"RETRY_ATTEMPTS" envDefault:"3"`
	HTTP           HTTPConfig     `envPrefix:"HTTP_"`
	GCS            GCSConfig      `envPrefix:"GCS_"`
	BigQuery       BigQueryConfig `envPrefix:"BQ_"`
	Redis          RedisConfig    `envPrefix:"REDIS_"`
}

// HTTPConfig configures source adapters.
type HTTPConfig struct {
	Timeout           time.Duration `env:"TIMEOUT" envDefault:"30s"`
	RequestsPerSecond float64       `env:"RATE" envDefault:"2"`
	Burst             int           `env:"BURST" envDefault:"2"`
	UserAgent         string        `env:"USER_AGENT" envDefault:"fetchcache"`
}

// GCSConfig configures the snapshot archive.
type GCSConfig struct {
	Bucket          string `env:"BUCKET"`
	Prefix          string `env:"PREFIX"`
	CredentialsFile string `env:"CREDENTIALS_FILE"`
}

// BigQueryConfig configures warehouse exports.
type BigQueryConfig struct {
	ProjectID       string `env:"PROJECT_ID"`
	DatasetID       string `env:"DATASET_ID"`
	CredentialsFile string `env:"CREDENTIALS_FILE"`
	BatchSize       int    `env:"BATCH_SIZE" envDefault:"500"`
}

// RedisConfig configures the optional memo cache.
type RedisConfig struct {
	Addr     string        `env:"ADDR"`
	Password string        `env:"PASSWORD"`
	DB       int           `env:"DB"`
	TTL      time.Duration `env:"TTL" envDefault:"24h"`
}

// DefaultCacheDir is the platform user cache directory joined with AppName.
func DefaultCacheDir() string {
	return filepath.Join(xdg.CacheHome, AppName)
}

// Load parses the environment and fills defaults.
func Load() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: Prefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = DefaultCacheDir()
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports configuration that can never work.
func (c Config) Validate() error {
	var errs []error
	if c.MaxConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("%sMAX_CONCURRENCY must be positive, got %d", Prefix, c.MaxConcurrency))
	}
	if c.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("%sRETRY_ATTEMPTS must be positive, got %d", Prefix, c.RetryAttempts))
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		errs = append(errs, fmt.Errorf("%sLOG_LEVEL: %w", Prefix, err))
	}
	switch c.LogFormat {
	case "auto", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("%sLOG_FORMAT must be auto, json or console, got %q", Prefix, c.LogFormat))
	}
	return errors.Join(errs...)
}

// NewLogger builds the root logger. With the "auto" format a terminal gets
// human-readable console output and anything else gets JSON lines.
func NewLogger(cfg Config, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	console := cfg.LogFormat == "console"
	if cfg.LogFormat == "auto" {
		if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			console = true
		}
	}
	if console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
