// Package config provides configuration management for the application.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Default limits applied when the corresponding setting is absent.
const (
	// DefaultBodySizeLimit is the maximum accepted request body size (10MB).
	DefaultBodySizeLimit int64 = 10 * 1024 * 1024

	// DefaultRequestBodyMaxSize is the exclusive capture ceiling for request
	// bodies (64KB). Bodies at or above this size are skipped, not captured.
	DefaultRequestBodyMaxSize = 64 * 1024

	// DefaultResponseBodyMaxSize is the exclusive capture ceiling for response
	// bodies (64KB).
	DefaultResponseBodyMaxSize = 64 * 1024
)

// Config holds the application configuration
type Config struct {
	Server  ServerConfig
	Logging LogConfig
	Metrics MetricsConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port          string
	MasterKey     string
	JWTSecret     string
	BodySizeLimit int64
}

// LogConfig holds structured logging and traffic capture configuration
type LogConfig struct {
	// Format selects the slog handler: "json" or "pretty"
	Format string
	// Level is the minimum slog level: debug, info, warn, error
	Level string

	// LogRequestBody enables request-phase body capture
	LogRequestBody bool
	// LogRequestBodyMaxSize is the exclusive upper bound (bytes) for request capture
	LogRequestBodyMaxSize int
	// LogResponseBody enables response-phase body capture
	LogResponseBody bool
	// LogResponseBodyMaxSize is the exclusive upper bound (bytes) for response capture
	LogResponseBodyMaxSize int

	// LogHeaders includes request/response headers on emitted events.
	// On by default; sensitive headers are auto-redacted.
	LogHeaders bool

	// BodyFields are gjson paths extracted from captured JSON request bodies
	// into event fields (e.g. "model,stream").
	BodyFields []string
}

// MetricsConfig holds Prometheus exposition configuration
type MetricsConfig struct {
	Enabled  bool
	Endpoint string
}

// Load reads configuration from the environment (and an optional .env file).
// Malformed boolean or integer settings are a startup error, not a per-request
// concern: capture policy must be valid before the server accepts traffic.
func Load() (*Config, error) {
	// Load .env if present (optional, won't fail if not found)
	_ = godotenv.Load()

	viper.SetDefault("PORT", "8080")
	viper.SetDefault("LOG_FORMAT", "json")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("METRICS_ENDPOINT", "/metrics")
	viper.AutomaticEnv()

	cfg := &Config{
		Server: ServerConfig{
			Port:      viper.GetString("PORT"),
			MasterKey: viper.GetString("MASTER_KEY"),
			JWTSecret: viper.GetString("JWT_SECRET"),
		},
		Logging: LogConfig{
			Format: viper.GetString("LOG_FORMAT"),
			Level:  viper.GetString("LOG_LEVEL"),
		},
		Metrics: MetricsConfig{
			Endpoint: viper.GetString("METRICS_ENDPOINT"),
		},
	}

	var err error
	if cfg.Server.BodySizeLimit, err = envInt64("BODY_SIZE_LIMIT", DefaultBodySizeLimit); err != nil {
		return nil, err
	}
	if cfg.Logging.LogRequestBody, err = envBool("LOG_REQUEST_BODY", false); err != nil {
		return nil, err
	}
	if cfg.Logging.LogResponseBody, err = envBool("LOG_RESPONSE_BODY", false); err != nil {
		return nil, err
	}
	if cfg.Logging.LogHeaders, err = envBool("LOG_HEADERS", true); err != nil {
		return nil, err
	}
	if cfg.Metrics.Enabled, err = envBool("METRICS_ENABLED", false); err != nil {
		return nil, err
	}

	if cfg.Logging.LogRequestBodyMaxSize, err = envInt("LOG_REQUEST_BODY_MAX_SIZE", DefaultRequestBodyMaxSize); err != nil {
		return nil, err
	}
	if cfg.Logging.LogResponseBodyMaxSize, err = envInt("LOG_RESPONSE_BODY_MAX_SIZE", DefaultResponseBodyMaxSize); err != nil {
		return nil, err
	}

	if fields := viper.GetString("LOG_BODY_FIELDS"); fields != "" {
		for _, f := range strings.Split(fields, ",") {
			if f = strings.TrimSpace(f); f != "" {
				cfg.Logging.BodyFields = append(cfg.Logging.BodyFields, f)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks invariants that must hold before the server starts.
func (c *Config) Validate() error {
	if c.Logging.LogRequestBodyMaxSize <= 0 {
		return fmt.Errorf("LOG_REQUEST_BODY_MAX_SIZE must be positive, got %d", c.Logging.LogRequestBodyMaxSize)
	}
	if c.Logging.LogResponseBodyMaxSize <= 0 {
		return fmt.Errorf("LOG_RESPONSE_BODY_MAX_SIZE must be positive, got %d", c.Logging.LogResponseBodyMaxSize)
	}
	if c.Server.BodySizeLimit <= 0 {
		return fmt.Errorf("BODY_SIZE_LIMIT must be positive, got %d", c.Server.BodySizeLimit)
	}
	switch c.Logging.Format {
	case "json", "pretty":
	default:
		return fmt.Errorf("LOG_FORMAT must be \"json\" or \"pretty\", got %q", c.Logging.Format)
	}
	return nil
}

// envBool reads a boolean setting, failing on malformed values instead of
// silently defaulting (a typo'd capture flag must not disable capture).
func envBool(key string, def bool) (bool, error) {
	raw := viper.GetString(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q", key, raw)
	}
	return v, nil
}

func envInt(key string, def int) (int, error) {
	raw := viper.GetString(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, raw)
	}
	return v, nil
}

func envInt64(key string, def int64) (int64, error) {
	raw := viper.GetString(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, raw)
	}
	return v, nil
}
