package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"resgov/internal/cache"
	"resgov/internal/cleanup"
	"resgov/internal/degrade"
	"resgov/internal/errors"
	"resgov/internal/replay"
	"resgov/internal/sampler"
	"resgov/internal/scheduler"
	"resgov/internal/tracing"
	"resgov/internal/worker"
)

// ServerConfig holds control API server configuration
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	EnableEvents bool          `yaml:"enable_events"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// MetricsConfig holds metrics registry configuration
type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
}

// CachesConfig holds the per-cache configurations for the three governed
// caches.
type CachesConfig struct {
	Predictions cache.Config `yaml:"predictions"`
	SearchTable cache.Config `yaml:"search_table"`
	Evaluations cache.Config `yaml:"evaluations"`
}

// Config is the root resource governor configuration
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Logging   LoggingConfig    `yaml:"logging"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Sampler   sampler.Config   `yaml:"sampler"`
	Degrade   degrade.Config   `yaml:"degrade"`
	Scheduler scheduler.Config `yaml:"scheduler"`
	Caches    CachesConfig     `yaml:"caches"`
	Replay    replay.Config    `yaml:"replay"`
	Worker    worker.Config    `yaml:"worker"`
	Cleanup   cleanup.Config   `yaml:"cleanup"`
	Tracing   tracing.Config   `yaml:"tracing"`
}

// Default returns the default governor configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8090,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			EnableEvents: true,
		},
		Logging:   LoggingConfig{Level: "info"},
		Metrics:   MetricsConfig{Namespace: "resgov"},
		Sampler:   sampler.DefaultConfig(),
		Degrade:   degrade.DefaultConfig(),
		Scheduler: scheduler.DefaultConfig(),
		Caches: CachesConfig{
			Predictions: cache.DefaultConfig(),
			SearchTable: cache.DefaultConfig(),
			Evaluations: cache.DefaultConfig(),
		},
		Replay:  replay.DefaultConfig(),
		Worker:  worker.DefaultConfig(),
		Cleanup: cleanup.DefaultConfig(),
		Tracing: tracing.DefaultConfig(),
	}
}

// Load reads a YAML configuration file, layered over the defaults
func Load(path string) (*Config, error) {
	config := Default()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate validates the configuration and returns any errors
func (c *Config) Validate() error {
	if c.Server.Host == "" {
		return errors.NewConfigInvalidError("server host is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.NewConfigInvalidError("server port must be in (0, 65535]")
	}

	sections := []struct {
		name string
		err  error
	}{
		{"sampler", c.Sampler.Validate()},
		{"degrade", c.Degrade.Validate()},
		{"scheduler", c.Scheduler.Validate()},
		{"caches.predictions", c.Caches.Predictions.Validate()},
		{"caches.search_table", c.Caches.SearchTable.Validate()},
		{"caches.evaluations", c.Caches.Evaluations.Validate()},
		{"replay", c.Replay.Validate()},
		{"worker", c.Worker.Validate()},
		{"cleanup", c.Cleanup.Validate()},
		{"tracing", c.Tracing.Validate()},
	}
	for _, s := range sections {
		if s.err != nil {
			return errors.NewConfigInvalidError(fmt.Sprintf("%s: %v", s.name, s.err))
		}
	}
	return nil
}
