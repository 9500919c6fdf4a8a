// Package config loads the Argus configuration: defaults, then a YAML
// file, then ARGUS_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wehubfusion/Argus/internal/logging"
	"github.com/wehubfusion/Argus/internal/nats"
	"github.com/wehubfusion/Argus/internal/tracing"
	"github.com/wehubfusion/Argus/pkg/concurrency"
	"github.com/wehubfusion/Argus/pkg/maintenance"
	"github.com/wehubfusion/Argus/pkg/merger"
	"github.com/wehubfusion/Argus/pkg/pipeline"
	"github.com/wehubfusion/Argus/pkg/runner"
)

// ServiceName names the service in traces and error reports.
const ServiceName = "argus"

// Config is the complete Argus configuration.
type Config struct {
	NATS        nats.ConnectionConfig `yaml:"nats"`
	Store       StoreConfig           `yaml:"store"`
	Blob        BlobConfig            `yaml:"blob"`
	Tracing     tracing.Config        `yaml:"tracing"`
	Sentry      SentryConfig          `yaml:"sentry"`
	Pipeline    pipeline.FanOutConfig `yaml:"pipeline"`
	Runner      runner.Config         `yaml:"runner"`
	Logging     logging.Config        `yaml:"logging"`
	Merger      merger.Config         `yaml:"merger"`
	Maintenance maintenance.Config    `yaml:"maintenance"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// BlobConfig configures run and evaluation archiving to Azure Blob Storage.
type BlobConfig struct {
	Enabled          bool   `yaml:"enabled"`
	ConnectionString string `yaml:"connection_string"`
	Container        string `yaml:"container"`
	Prefix           string `yaml:"prefix"`
}

// SentryConfig configures failure reporting. An empty DSN disables it.
type SentryConfig struct {
	DSN         string  `yaml:"dsn"`
	Environment string  `yaml:"environment"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// DefaultConfig returns the defaults. Concurrency defaults are sized from
// the host by concurrency.LoadConfig.
func DefaultConfig() *Config {
	sizing := concurrency.LoadConfig()

	fanOut := pipeline.DefaultFanOutConfig().WithMaxConcurrent(sizing.MaxConcurrent)
	if sizing.FanOutMode == concurrency.FanOutParallel {
		fanOut = fanOut.WithStrategy(pipeline.StrategyParallel)
	}

	run := runner.DefaultConfig()
	run.NumWorkers = sizing.RunnerWorkers

	return &Config{
		NATS:  *nats.DefaultConnectionConfig("nats://localhost:4222"),
		Store: StoreConfig{Path: "data/argus.db"},
		Blob: BlobConfig{
			Container: "argus",
			Prefix:    "argus",
		},
		Tracing: tracing.DefaultConfig(ServiceName),
		Sentry: SentryConfig{
			Environment: "development",
			SampleRate:  1.0,
		},
		Pipeline:    fanOut,
		Runner:      run,
		Logging:     logging.Config{Level: "info", Format: "json"},
		Merger:      merger.DefaultConfig(),
		Maintenance: maintenance.DefaultConfig(),
	}
}

// Load reads the configuration. An empty path yields the defaults with
// environment overrides applied.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decode(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks values that would fail later at startup.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return errors.New("store.path is required")
	}
	if c.Blob.Enabled && (c.Blob.ConnectionString == "" || c.Blob.Container == "") {
		return errors.New("blob.connection_string and blob.container are required when blob archiving is enabled")
	}
	if c.Sentry.SampleRate < 0 || c.Sentry.SampleRate > 1 {
		return fmt.Errorf("sentry.sample_rate must be within [0, 1], got %v", c.Sentry.SampleRate)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1], got %v", c.Tracing.SampleRatio)
	}
	if c.Merger.MaxGap < 0 {
		return errors.New("merger.max_gap cannot be negative")
	}
	switch c.Pipeline.Strategy {
	case pipeline.StrategySequential, pipeline.StrategyParallel:
	default:
		return fmt.Errorf("pipeline.strategy must be %q or %q, got %q",
			pipeline.StrategySequential, pipeline.StrategyParallel, c.Pipeline.Strategy)
	}
	if c.Runner.BatchSize <= 0 || c.Runner.NumWorkers <= 0 || c.Runner.ProcessTimeout <= 0 {
		return errors.New("runner.batch_size, runner.workers and runner.process_timeout must be positive")
	}
	return nil
}

type envOverride struct {
	name  string
	apply func(c *Config, v string) error
}

var envOverrides = []envOverride{
	{"ARGUS_NATS_URL", func(c *Config, v string) error { c.NATS.URL = v; return nil }},
	{"ARGUS_NATS_TOKEN", func(c *Config, v string) error { c.NATS.Token = v; return nil }},
	{"ARGUS_NATS_USERNAME", func(c *Config, v string) error { c.NATS.Username = v; return nil }},
	{"ARGUS_NATS_PASSWORD", func(c *Config, v string) error { c.NATS.Password = v; return nil }},
	{"ARGUS_STORE_PATH", func(c *Config, v string) error { c.Store.Path = v; return nil }},
	{"ARGUS_BLOB_CONNECTION_STRING", func(c *Config, v string) error {
		c.Blob.ConnectionString = v
		c.Blob.Enabled = v != ""
		return nil
	}},
	{"ARGUS_BLOB_CONTAINER", func(c *Config, v string) error { c.Blob.Container = v; return nil }},
	{"ARGUS_TRACING_ENABLED", boolVar(func(c *Config) *bool { return &c.Tracing.Enabled })},
	{"ARGUS_OTLP_ENDPOINT", func(c *Config, v string) error { c.Tracing.OTLPEndpoint = v; return nil }},
	{"ARGUS_ENVIRONMENT", func(c *Config, v string) error {
		c.Tracing.Environment = v
		c.Sentry.Environment = v
		return nil
	}},
	{"ARGUS_SENTRY_DSN", func(c *Config, v string) error { c.Sentry.DSN = v; return nil }},
	{"ARGUS_LOG_LEVEL", func(c *Config, v string) error { c.Logging.Level = v; return nil }},
	{"ARGUS_LOG_FORMAT", func(c *Config, v string) error { c.Logging.Format = v; return nil }},
	{"ARGUS_RUNNER_CONSUMER", func(c *Config, v string) error { c.Runner.Consumer = v; return nil }},
	{"ARGUS_RUNNER_BATCH_SIZE", intVar(func(c *Config) *int { return &c.Runner.BatchSize })},
	{concurrency.EnvRunnerWorkers, intVar(func(c *Config) *int { return &c.Runner.NumWorkers })},
	{"ARGUS_PROCESS_TIMEOUT", durationVar(func(c *Config) *time.Duration { return &c.Runner.ProcessTimeout })},
	{concurrency.EnvMaxConcurrent, intVar(func(c *Config) *int { return &c.Pipeline.MaxConcurrent })},
	{concurrency.EnvFanOutMode, func(c *Config, v string) error {
		c.Pipeline.Strategy = pipeline.Strategy(strings.ToLower(v))
		return nil
	}},
	{"ARGUS_FANOUT_TIMEOUT", durationVar(func(c *Config) *time.Duration { return &c.Pipeline.Timeout })},
	{"ARGUS_MERGE_MAX_GAP", func(c *Config, v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		c.Merger.MaxGap = n
		return nil
	}},
	{"ARGUS_RETUNE_INTERVAL", durationVar(func(c *Config) *time.Duration { return &c.Maintenance.Interval })},
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	for _, o := range envOverrides {
		v, ok := lookup(o.name)
		if !ok {
			continue
		}
		if err := o.apply(cfg, v); err != nil {
			return fmt.Errorf("%s: %w", o.name, err)
		}
	}
	return nil
}

func intVar(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func boolVar(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

func durationVar(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}
