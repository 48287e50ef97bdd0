// Package config loads delivery-layer tuning from a YAML file.
// Environment references of the form ${VAR} are expanded before parsing,
// so secrets such as the Redis password stay out of the file itself.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the root configuration document.
	Config struct {
		Registry RegistryConfig `yaml:"registry"`
		Pulse    PulseConfig    `yaml:"pulse"`
	}

	// RegistryConfig tunes the local transport's channel registry.
	RegistryConfig struct {
		// IdleTimeout is how long a channel survives without activity.
		IdleTimeout Duration `yaml:"idle_timeout"`
		// SweepInterval is how often idle channels are collected.
		SweepInterval Duration `yaml:"sweep_interval"`
		// FanoutTimeout bounds how long a write waits on a slow reader
		// before dropping it.
		FanoutTimeout Duration `yaml:"fanout_timeout"`
		// ReaderCapacity is the per-subscriber queue size.
		ReaderCapacity int `yaml:"reader_capacity"`
	}

	// PulseConfig tunes the broker transport.
	PulseConfig struct {
		// RedisAddr is the host:port of the Redis backing Pulse.
		RedisAddr string `yaml:"redis_addr"`
		// RedisPassword authenticates to Redis. Usually "${REDIS_PASSWORD}".
		RedisPassword string `yaml:"redis_password"`
		// StreamMaxLen bounds the entries kept per channel stream.
		StreamMaxLen int `yaml:"stream_max_len"`
		// OperationTimeout bounds individual publish operations.
		OperationTimeout Duration `yaml:"operation_timeout"`
		// PublishRate caps publishes per second. Zero means unlimited.
		PublishRate float64 `yaml:"publish_rate"`
		// PublishBurst is the limiter burst when PublishRate is set.
		PublishBurst int `yaml:"publish_burst"`
	}

	// Duration wraps time.Duration so YAML values can be written as
	// strings like "30s" or "5m".
	Duration struct {
		time.Duration
	}
)

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// Default returns the documented defaults: five-minute channel idle
// timeout, 30s sweeps, 50ms fan-out grace, 64-event reader queues, local
// Redis, 1000-entry streams, 5s publish timeout, no rate limit.
func Default() Config {
	return Config{
		Registry: RegistryConfig{
			IdleTimeout:    Duration{5 * time.Minute},
			SweepInterval:  Duration{30 * time.Second},
			FanoutTimeout:  Duration{50 * time.Millisecond},
			ReaderCapacity: 64,
		},
		Pulse: PulseConfig{
			RedisAddr:        "localhost:6379",
			StreamMaxLen:     1000,
			OperationTimeout: Duration{5 * time.Second},
		},
	}
}

// Load reads a YAML config file, expands ${VAR} environment references,
// and unmarshals over the defaults, so a partial file only overrides what
// it names.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config file not found: %s", path)
		}
		return Config{}, fmt.Errorf("read config file %q: %w", path, err)
	}
	cfg := Default()
	expanded := ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config in %s: %w", path, err)
	}
	return cfg, nil
}

// ExpandEnv replaces ${VAR} references with environment values. Unset
// variables expand to the empty string.
func ExpandEnv(s string) string {
	return os.Expand(s, os.Getenv)
}

// Validate rejects values the delivery layer cannot operate with.
func (c Config) Validate() error {
	if c.Registry.IdleTimeout.Duration <= 0 {
		return errors.New("registry.idle_timeout must be positive")
	}
	if c.Registry.FanoutTimeout.Duration <= 0 {
		return errors.New("registry.fanout_timeout must be positive")
	}
	if c.Registry.ReaderCapacity <= 0 {
		return errors.New("registry.reader_capacity must be positive")
	}
	if c.Pulse.RedisAddr == "" {
		return errors.New("pulse.redis_addr is required")
	}
	if c.Pulse.PublishRate < 0 {
		return errors.New("pulse.publish_rate must not be negative")
	}
	return nil
}
