// Package config loads shelter configuration from the environment, optionally
// layered over a YAML file named by SHELTER_CONFIG.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ipanova/pulp-shelter/pkg/artifacts"
)

// Config holds server and sync configuration.
type Config struct {
	Port      string `yaml:"port"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// DatabaseURL selects PostgreSQL. Empty runs in lite mode on SQLite
	// under DataDir.
	DatabaseURL string `yaml:"database_url"`
	DataDir     string `yaml:"data_dir"`

	Storage artifacts.StorageConfig `yaml:"storage"`

	SyncWorkers       int           `yaml:"sync_workers"`
	FailOnUnitError   bool          `yaml:"fail_on_unit_error"`
	ManifestTimeout   time.Duration `yaml:"manifest_timeout"`
	DownloadTimeout   time.Duration `yaml:"download_timeout"`
	DownloadRateLimit float64       `yaml:"download_rate_limit"`
	// DownloadRetries counts retries after the first attempt.
	DownloadRetries int `yaml:"download_retries"`
	// DownloadMaxBytes caps one manifest or artifact body. Zero means
	// unlimited.
	DownloadMaxBytes int64  `yaml:"download_max_bytes"`
	ManifestFile     string `yaml:"manifest_file"`

	// RedisURL enables cross-process task reservations.
	RedisURL string `yaml:"redis_url"`

	OTelEnabled  bool   `yaml:"otel_enabled"`
	OTelEndpoint string `yaml:"otel_endpoint"`

	APIRateLimit float64 `yaml:"api_rate_limit"`
	APIRateBurst int     `yaml:"api_rate_burst"`
	// APIJWTSecret enables bearer authentication on the API when set.
	APIJWTSecret string `yaml:"api_jwt_secret"`

	Outbound OutboundPolicy `yaml:"outbound"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:             "8080",
		LogLevel:         "INFO",
		LogFormat:        "text",
		DataDir:          "data",
		SyncWorkers:      5,
		ManifestTimeout:  30 * time.Second,
		DownloadTimeout:  60 * time.Second,
		DownloadRetries:  3,
		DownloadMaxBytes: 64 << 20,
		ManifestFile:     "shelter_manifest.json",
		OTelEndpoint:     "localhost:4317",
		APIRateLimit:     50,
		APIRateBurst:     100,
		Outbound:         OutboundPolicy{Mode: OutboundOpen},
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// SHELTER_CONFIG if set, then environment variables.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("SHELTER_CONFIG"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.overlayEnv(); err != nil {
		return nil, err
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = cfg.DataDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	switch {
	case c.SyncWorkers < 1:
		return fmt.Errorf("config: sync_workers must be at least 1, got %d", c.SyncWorkers)
	case c.ManifestTimeout <= 0:
		return fmt.Errorf("config: manifest_timeout must be positive")
	case c.DownloadTimeout <= 0:
		return fmt.Errorf("config: download_timeout must be positive")
	case c.DownloadRetries < 0:
		return fmt.Errorf("config: download_retries must not be negative")
	case c.DownloadMaxBytes < 0:
		return fmt.Errorf("config: download_max_bytes must not be negative")
	case c.DownloadRateLimit < 0:
		return fmt.Errorf("config: download_rate_limit must not be negative")
	case c.APIRateLimit < 0:
		return fmt.Errorf("config: api_rate_limit must not be negative")
	}
	return c.Outbound.Validate()
}

func (c *Config) overlayEnv() error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str("PORT", &c.Port)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	str("DATABASE_URL", &c.DatabaseURL)
	str("DATA_DIR", &c.DataDir)
	str("MANIFEST_FILE", &c.ManifestFile)
	str("REDIS_URL", &c.RedisURL)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.OTelEndpoint)
	str("API_JWT_SECRET", &c.APIJWTSecret)

	env := artifacts.StorageConfigFromEnv()
	str("ARTIFACT_STORAGE_TYPE", (*string)(&c.Storage.Type))
	if env.DataDir != "" {
		c.Storage.DataDir = env.DataDir
	}
	for dst, v := range map[*string]string{
		&c.Storage.S3Bucket:   env.S3Bucket,
		&c.Storage.S3Region:   env.S3Region,
		&c.Storage.S3Endpoint: env.S3Endpoint,
		&c.Storage.S3Prefix:   env.S3Prefix,
		&c.Storage.GCSBucket:  env.GCSBucket,
		&c.Storage.GCSPrefix:  env.GCSPrefix,
	} {
		if v != "" {
			*dst = v
		}
	}

	var err error
	if c.SyncWorkers, err = envInt("SYNC_WORKERS", c.SyncWorkers); err != nil {
		return err
	}
	if c.DownloadRetries, err = envInt("DOWNLOAD_RETRIES", c.DownloadRetries); err != nil {
		return err
	}
	if c.DownloadMaxBytes, err = envInt64("DOWNLOAD_MAX_BYTES", c.DownloadMaxBytes); err != nil {
		return err
	}
	if c.APIRateBurst, err = envInt("API_RATE_BURST", c.APIRateBurst); err != nil {
		return err
	}
	if c.ManifestTimeout, err = envDuration("MANIFEST_TIMEOUT", c.ManifestTimeout); err != nil {
		return err
	}
	if c.DownloadTimeout, err = envDuration("DOWNLOAD_TIMEOUT", c.DownloadTimeout); err != nil {
		return err
	}
	if c.DownloadRateLimit, err = envFloat("DOWNLOAD_RATE_LIMIT", c.DownloadRateLimit); err != nil {
		return err
	}
	if c.APIRateLimit, err = envFloat("API_RATE_LIMIT", c.APIRateLimit); err != nil {
		return err
	}
	if c.FailOnUnitError, err = envBool("FAIL_ON_UNIT_ERROR", c.FailOnUnitError); err != nil {
		return err
	}
	if c.OTelEnabled, err = envBool("OTEL_ENABLED", c.OTelEnabled); err != nil {
		return err
	}

	if v := os.Getenv("OUTBOUND_MODE"); v != "" {
		c.Outbound.Mode = OutboundMode(strings.ToLower(v))
	}
	if v := os.Getenv("OUTBOUND_HOSTS"); v != "" {
		c.Outbound.Hosts = splitList(v)
	}
	return nil
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func envInt64(key string, def int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func envFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return f, nil
}

func envBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("config: %s: %w", key, err)
	}
	return b, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
