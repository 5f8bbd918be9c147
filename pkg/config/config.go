// Package config loads the engine's own settings from a YAML file with
// environment-variable expansion. The declarative pipeline topology (which
// connectors to build, how to chain steps) lives outside this module; only
// the knobs the engine itself consumes are modelled here.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Duration wraps time.Duration so YAML values can be written as "250ms" or
// "2s" rather than nanosecond integers.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// EngineConfig is the top-level configuration for one runner instance.
type EngineConfig struct {
	Runner  RunnerConfig  `yaml:"runner"`
	Retry   RetryConfig   `yaml:"retry"`
	Batch   BatchConfig   `yaml:"batch"`
	Logging LoggingConfig `yaml:"logging"`
}

// RunnerConfig holds the two concurrency bounds of the pipeline runner.
type RunnerConfig struct {
	MaxConcurrentMessages int `yaml:"max_concurrent_messages"`
	MaxConcurrentOutputs  int `yaml:"max_concurrent_outputs"`
}

// RetryConfig holds the retry-then-dead-letter settings.
type RetryConfig struct {
	MaxRetries      int        `yaml:"max_retries"`
	BackoffSchedule []Duration `yaml:"backoff_schedule"`
}

// Backoff returns the schedule as plain durations.
func (c RetryConfig) Backoff() []time.Duration {
	if len(c.BackoffSchedule) == 0 {
		return nil
	}
	out := make([]time.Duration, len(c.BackoffSchedule))
	for i, d := range c.BackoffSchedule {
		out[i] = d.Std()
	}
	return out
}

// BatchConfig holds the time-windowed batching settings.
type BatchConfig struct {
	MaxBatchSize int      `yaml:"max_batch_size"`
	BatchTimeout Duration `yaml:"batch_timeout"`
	FlushTimeout Duration `yaml:"flush_timeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// Load reads the YAML file at path, expands ${VAR} references from the
// environment, applies defaults, and validates the result. A .env file in
// the working directory is loaded first, if present, so local overrides
// need no shell exports.
func Load(path string) (*EngineConfig, error) {
	// Missing .env is the normal production case.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg EngineConfig
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *EngineConfig) applyDefaults() {
	if c.Runner.MaxConcurrentMessages == 0 {
		c.Runner.MaxConcurrentMessages = 10
	}
	if c.Runner.MaxConcurrentOutputs == 0 {
		c.Runner.MaxConcurrentOutputs = 5
	}
	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = 3
	}
	if c.Batch.MaxBatchSize == 0 {
		c.Batch.MaxBatchSize = 100
	}
	if c.Batch.FlushTimeout == 0 {
		c.Batch.FlushTimeout = Duration(30 * time.Second)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c *EngineConfig) validate() error {
	if c.Runner.MaxConcurrentMessages < 0 {
		return fmt.Errorf("runner.max_concurrent_messages cannot be negative")
	}
	if c.Runner.MaxConcurrentOutputs < 0 {
		return fmt.Errorf("runner.max_concurrent_outputs cannot be negative")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries cannot be negative")
	}
	if c.Batch.MaxBatchSize < 2 {
		return fmt.Errorf("batch.max_batch_size must be at least 2, got %d", c.Batch.MaxBatchSize)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}
	return nil
}
