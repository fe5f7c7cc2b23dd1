// Package config provides node configuration: explicit defaults, an
// optional YAML file, and LATTICE_* environment overrides, applied in
// that order.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config is the central configuration for a lattice node.
type Config struct {
	// Member identity
	BindAddress string `yaml:"bind_address" envconfig:"LATTICE_BIND_ADDRESS"`

	// Messaging fabric
	NATSURL string `yaml:"nats_url" envconfig:"LATTICE_NATS_URL"`

	// Invocation
	DefaultCallTimeout time.Duration `yaml:"default_call_timeout" envconfig:"LATTICE_DEFAULT_CALL_TIMEOUT"`
	Runners            int           `yaml:"runners" envconfig:"LATTICE_RUNNERS"`
	PartitionCount     int           `yaml:"partition_count" envconfig:"LATTICE_PARTITION_COUNT"`

	// Membership persistence (empty disables the store)
	DatabaseURL string `yaml:"database_url" envconfig:"LATTICE_DATABASE_URL"`

	// Observability
	HTTPAddr      string  `yaml:"http_addr" envconfig:"LATTICE_HTTP_ADDR"`
	LogLevel      string  `yaml:"log_level" envconfig:"LATTICE_LOG_LEVEL"`
	LogFormat     string  `yaml:"log_format" envconfig:"LATTICE_LOG_FORMAT"`
	TraceEnabled  bool    `yaml:"trace_enabled" envconfig:"LATTICE_TRACE_ENABLED"`
	TraceEndpoint string  `yaml:"trace_endpoint" envconfig:"LATTICE_TRACE_ENDPOINT"`
	TraceSample   float64 `yaml:"trace_sample" envconfig:"LATTICE_TRACE_SAMPLE"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BindAddress:        "127.0.0.1:5701",
		NATSURL:            "nats://127.0.0.1:4222",
		DefaultCallTimeout: 60 * time.Second,
		Runners:            16,
		PartitionCount:     271,
		HTTPAddr:           "127.0.0.1:8701",
		LogLevel:           "info",
		LogFormat:          "text",
		TraceEndpoint:      "localhost:4318",
		TraceSample:        1.0,
	}
}

// Load builds the configuration: defaults, then the YAML file (when path
// is non-empty), then environment overrides. Unset environment variables
// leave the lower layers untouched.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	return cfg, nil
}

// Validate checks required settings for running a node.
func (c *Config) Validate() error {
	if c.BindAddress == "" {
		return fmt.Errorf("bind_address is required")
	}
	if c.NATSURL == "" {
		return fmt.Errorf("nats_url is required")
	}
	if c.DefaultCallTimeout <= 0 {
		return fmt.Errorf("default_call_timeout must be positive")
	}
	if c.PartitionCount <= 0 {
		return fmt.Errorf("partition_count must be positive")
	}
	return nil
}
