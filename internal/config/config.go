// Package config provides configuration loading from environment variables
// and an optional YAML file.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// Static errors for configuration validation.
var (
	// ErrTokenRequired is returned when no AudioShake API token is configured.
	ErrTokenRequired = errors.New("config: AUDIOSHAKE_API_TOKEN is required")
	// ErrConfigFile is returned when the YAML config file cannot be used.
	ErrConfigFile = errors.New("config: invalid config file")
)

// Config holds all configuration for the application.
type Config struct {
	// AudioShake settings
	Token        string        `env:"AUDIOSHAKE_API_TOKEN" json:"-"` // Masked in JSON
	BaseURL      string        `env:"AUDIOSHAKE_BASE_URL, default=https://groovy.audioshake.ai" json:"base_url" validate:"required,url"`
	CallbackURL  string        `env:"AUDIOSHAKE_CALLBACK_URL" json:"callback_url,omitempty" validate:"omitempty,url"`
	PollInterval time.Duration `env:"POLL_INTERVAL, default=5s" json:"poll_interval" validate:"gt=0"`
	JobTimeout   time.Duration `env:"JOB_TIMEOUT, default=600s" json:"job_timeout" validate:"gt=0"`
	HTTPTimeout  time.Duration `env:"HTTP_TIMEOUT, default=60s" json:"http_timeout" validate:"gt=0"`
	MaxRetries   int           `env:"MAX_RETRIES, default=3" json:"max_retries" validate:"min=0,max=10"`

	// Pipeline settings
	LengthTolerance time.Duration `env:"LENGTH_TOLERANCE, default=100ms" json:"length_tolerance" validate:"gte=0"`
	MaxParallel     int           `env:"MAX_PARALLEL, default=4" json:"max_parallel" validate:"min=1,max=64"`

	// Transcoder settings
	FFmpegPath  string `env:"FFMPEG_PATH, default=ffmpeg" json:"ffmpeg_path"`
	FFprobePath string `env:"FFPROBE_PATH, default=ffprobe" json:"ffprobe_path"`

	// Storage settings; empty TempDir means a directory under os.TempDir()
	TempDir string `env:"TEMP_DIR" json:"temp_dir"`

	// Server settings
	Port int `env:"PORT, default=8080" json:"port" validate:"min=1,max=65535"`

	// Optional S3 settings
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	S3Endpoint         string `env:"S3_ENDPOINT" json:"s3_endpoint,omitempty" validate:"omitempty,url"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format" validate:"oneof=text json"`
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level" validate:"oneof=debug info warn warning error"`
}

// S3Enabled returns true if S3 configuration is provided.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != ""
}

// Load reads configuration from environment variables using go-envconfig.
// When file is non-empty its YAML keys fill in whatever the environment
// leaves unset. The result is validated before it is returned.
func Load(ctx context.Context, file string) (*Config, error) {
	var lookuper envconfig.Lookuper = envconfig.OsLookuper()
	if file != "" {
		values, err := readFile(file)
		if err != nil {
			return nil, err
		}
		lookuper = envconfig.MultiLookuper(envconfig.OsLookuper(), envconfig.MapLookuper(values))
	}

	cfg := &Config{}
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   cfg,
		Lookuper: lookuper,
	}); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	cfg.LogFormat = strings.ToLower(cfg.LogFormat)
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// readFile parses a flat YAML mapping of configuration keys.
// Keys use the environment variable names; scalar values of any type are
// accepted and stringified.
func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path is provided by the operator
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigFile, err)
	}

	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConfigFile, path, err)
	}

	values := make(map[string]string, len(raw))
	for k, v := range raw {
		switch v.(type) {
		case map[string]any, []any:
			return nil, fmt.Errorf("%w: %s: key %s must be a scalar", ErrConfigFile, path, k)
		case nil:
			continue
		}
		values[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return values, nil
}

// Validate checks value ranges with the struct's validate tags.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// RequireToken returns ErrTokenRequired when no API token is set.
func (c *Config) RequireToken() error {
	if c.Token == "" {
		return ErrTokenRequired
	}
	return nil
}

// NewLogger creates a structured logger based on the configuration.
// Logs go to stderr so stdout stays free for command output.
func (c *Config) NewLogger() *slog.Logger {
	return c.NewLoggerTo(os.Stderr)
}

// NewLoggerTo creates a structured logger writing to w.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLoggerTo(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(c.LogLevel)}

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{BaseURL: %s, Token: %s, PollInterval: %s, JobTimeout: %s, MaxRetries: %d, LengthTolerance: %s, MaxParallel: %d, TempDir: %s, Port: %d, S3Bucket: %s, S3Region: %s, LogFormat: %s, LogLevel: %s}",
		c.BaseURL,
		mask(c.Token),
		c.PollInterval,
		c.JobTimeout,
		c.MaxRetries,
		c.LengthTolerance,
		c.MaxParallel,
		c.TempDir,
		c.Port,
		c.S3Bucket,
		c.S3Region,
		c.LogFormat,
		c.LogLevel,
	)
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "***"
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
