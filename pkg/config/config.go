// Package config provides configuration loading and management for harmony-dl.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mwc10/harmony-dl/pkg/fetch"
	"github.com/mwc10/harmony-dl/pkg/filter"
	"github.com/mwc10/harmony-dl/pkg/projection"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumWorkers bounds how many stacks or planes are processed at once
		NumWorkers int `yaml:"numWorkers"`
	} `yaml:"processing"`

	// Plane retrieval parameters
	Fetch struct {
		// Timeout bounds a single HTTP request
		Timeout time.Duration `yaml:"timeout"`

		// MaxAttempts is the number of tries for a transient failure
		MaxAttempts int `yaml:"maxAttempts"`

		// InitialBackoff and MaxBackoff bound the delay between tries
		InitialBackoff time.Duration `yaml:"initialBackoff"`
		MaxBackoff     time.Duration `yaml:"maxBackoff"`

		// RequestsPerSecond limits requests to the image server; 0 disables it
		RequestsPerSecond float64 `yaml:"requestsPerSecond"`
		Burst             int     `yaml:"burst"`
	} `yaml:"fetch"`

	// Output parameters
	Output struct {
		// Dir is where files are written
		Dir string `yaml:"dir"`

		// Action is "max" or "planes"
		Action string `yaml:"action"`

		// Format is the output container; only TIFF is supported
		Format string `yaml:"format"`

		// Manifest is the path of the run history database; empty disables it
		Manifest string `yaml:"manifest"`
	} `yaml:"output"`

	// Filter selects images; an empty dimension selects everything
	Filter filter.Spec `yaml:"filter"`

	// Server parameters
	Server struct {
		// MetricsAddr serves Prometheus metrics when set
		MetricsAddr string `yaml:"metricsAddr"`

		// ProgressAddr serves progress events over websocket when set
		ProgressAddr string `yaml:"progressAddr"`
	} `yaml:"server"`

	// Logging parameters
	Logging struct {
		// Level is debug, info, warn or error
		Level string `yaml:"level"`

		// Format is text or json
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default processing parameters
	cfg.Processing.NumWorkers = runtime.NumCPU() // Use all available cores by default

	// Set default retrieval parameters
	defaults := fetch.DefaultConfig()
	cfg.Fetch.Timeout = defaults.Timeout
	cfg.Fetch.MaxAttempts = defaults.MaxAttempts
	cfg.Fetch.InitialBackoff = defaults.InitialBackoff
	cfg.Fetch.MaxBackoff = defaults.MaxBackoff
	cfg.Fetch.Burst = 1

	// Set default output parameters
	cfg.Output.Dir = "."
	cfg.Output.Action = "max"
	cfg.Output.Format = "TIFF"

	// Set default logging parameters
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Processing.NumWorkers < 0 {
		return fmt.Errorf("processing.numWorkers must not be negative")
	}
	if c.Fetch.MaxAttempts < 1 {
		return fmt.Errorf("fetch.maxAttempts must be at least 1")
	}
	if c.Fetch.Timeout < 0 || c.Fetch.InitialBackoff < 0 || c.Fetch.MaxBackoff < 0 {
		return fmt.Errorf("fetch durations must not be negative")
	}
	if c.Fetch.RequestsPerSecond < 0 {
		return fmt.Errorf("fetch.requestsPerSecond must not be negative")
	}
	if _, err := c.ProjectionOutput(); err != nil {
		return fmt.Errorf("output: %w", err)
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	return nil
}

// FetchConfig converts the fetch section.
func (c *Config) FetchConfig(logger *slog.Logger) fetch.Config {
	return fetch.Config{
		Timeout:           c.Fetch.Timeout,
		MaxAttempts:       c.Fetch.MaxAttempts,
		InitialBackoff:    c.Fetch.InitialBackoff,
		MaxBackoff:        c.Fetch.MaxBackoff,
		RequestsPerSecond: c.Fetch.RequestsPerSecond,
		Burst:             c.Fetch.Burst,
		Logger:            logger,
	}
}

// ProjectionOutput converts the output section.
func (c *Config) ProjectionOutput() (projection.Output, error) {
	action, err := projection.ParseAction(c.Output.Action)
	if err != nil {
		return projection.Output{}, err
	}
	format, err := projection.ParseFormat(c.Output.Format)
	if err != nil {
		return projection.Output{}, err
	}
	out := projection.Output{Dir: c.Output.Dir, Action: action, Format: format}
	return out, out.Validate()
}

// NewLogger builds the logger described by the logging section.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Logging.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(c.Logging.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown level %q", s)
}
