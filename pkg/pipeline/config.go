package pipeline

import (
	"runtime"
	"time"
)

// Strategy defines how nested branches are run.
type Strategy string

const (
	StrategySequential Strategy = "sequential" // Run branches one by one
	StrategyParallel   Strategy = "parallel"   // Run branches concurrently
)

// FanOutConfig configures how nested branches are executed.
type FanOutConfig struct {
	// Strategy is sequential or parallel.
	// Default: sequential
	Strategy Strategy `yaml:"strategy"`

	// MaxConcurrent bounds the parallel workers.
	// If 0, it defaults to runtime.NumCPU().
	MaxConcurrent int `yaml:"max_concurrent"`

	// Timeout is the wall-clock budget shared by all branches of one fan-out.
	// Zero means no deadline.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultFanOutConfig returns the default fan-out configuration.
func DefaultFanOutConfig() FanOutConfig {
	return FanOutConfig{
		Strategy:      StrategySequential,
		MaxConcurrent: 0,
		Timeout:       0,
	}
}

// Validate validates the configuration and applies defaults.
func (c *FanOutConfig) Validate() {
	if c.Strategy != StrategyParallel {
		c.Strategy = StrategySequential
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = runtime.NumCPU()
	}
	if c.Timeout < 0 {
		c.Timeout = 0
	}
}

// WithStrategy sets the strategy.
func (c FanOutConfig) WithStrategy(s Strategy) FanOutConfig {
	c.Strategy = s
	return c
}

// WithMaxConcurrent sets the worker bound.
func (c FanOutConfig) WithMaxConcurrent(n int) FanOutConfig {
	c.MaxConcurrent = n
	return c
}

// WithTimeout sets the shared deadline.
func (c FanOutConfig) WithTimeout(d time.Duration) FanOutConfig {
	c.Timeout = d
	return c
}
