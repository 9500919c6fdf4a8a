package concurrency

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// FanOutMode selects how nested pipeline branches run.
type FanOutMode string

const (
	FanOutParallel   FanOutMode = "parallel"
	FanOutSequential FanOutMode = "sequential"
)

// ConfigSource indicates where MaxConcurrent came from.
type ConfigSource string

const (
	ConfigSourceEnvVar     ConfigSource = "environment_variable"
	ConfigSourceAutoDetect ConfigSource = "auto_detect"
)

// Environment variables read by LoadConfig.
const (
	EnvMaxConcurrent         = "ARGUS_MAX_CONCURRENT"
	EnvConcurrencyMultiplier = "ARGUS_CONCURRENCY_MULTIPLIER"
	EnvRunnerWorkers         = "ARGUS_RUNNER_WORKERS"
	EnvFanOutMode            = "ARGUS_FANOUT_MODE"
)

// Config holds concurrency sizing.
type Config struct {
	// MaxConcurrent bounds nested branches running at once across a worker
	MaxConcurrent int
	// RunnerWorkers is the number of tasks processed at once
	RunnerWorkers int
	FanOutMode    FanOutMode
	Source        ConfigSource
	IsKubernetes  bool
	EffectiveCPUs int
}

// LoadConfig sizes concurrency from the environment, falling back to
// defaults derived from the effective CPU count.
func LoadConfig() *Config {
	config := &Config{
		IsKubernetes:  isKubernetes(),
		EffectiveCPUs: runtime.GOMAXPROCS(0),
	}

	if n := getEnvInt(EnvMaxConcurrent, 0); n > 0 {
		config.MaxConcurrent = n
		config.Source = ConfigSourceEnvVar
	} else if m := getEnvInt(EnvConcurrencyMultiplier, 0); m > 0 {
		config.MaxConcurrent = config.EffectiveCPUs * m
		config.Source = ConfigSourceEnvVar
	} else {
		config.MaxConcurrent = defaultMaxConcurrent(config.IsKubernetes, config.EffectiveCPUs)
		config.Source = ConfigSourceAutoDetect
	}
	config.MaxConcurrent = max(config.MaxConcurrent, 1)

	if n := getEnvInt(EnvRunnerWorkers, 0); n > 0 {
		config.RunnerWorkers = n
	} else {
		config.RunnerWorkers = defaultRunnerWorkers(config.IsKubernetes, config.EffectiveCPUs)
	}

	// Sequential keeps nested results reproducible when unset.
	switch FanOutMode(strings.ToLower(os.Getenv(EnvFanOutMode))) {
	case FanOutParallel:
		config.FanOutMode = FanOutParallel
	default:
		config.FanOutMode = FanOutSequential
	}

	return config
}

func isKubernetes() bool {
	return os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}

func defaultMaxConcurrent(isK8s bool, cpus int) int {
	if isK8s {
		return cpus * 2
	}
	return cpus * 4
}

func defaultRunnerWorkers(isK8s bool, cpus int) int {
	if isK8s {
		return max(cpus, 4)
	}
	return max(cpus*2, 8)
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{MaxConcurrent: %d, RunnerWorkers: %d, FanOutMode: %s, IsK8s: %t, CPUs: %d, Source: %s}",
		c.MaxConcurrent,
		c.RunnerWorkers,
		c.FanOutMode,
		c.IsKubernetes,
		c.EffectiveCPUs,
		c.Source,
	)
}
