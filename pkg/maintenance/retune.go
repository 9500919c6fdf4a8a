// Package maintenance keeps alert models fresh after a run.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Argus/pkg/detection"
)

const (
	// DefaultInterval is how often an alert is re-tuned.
	DefaultInterval = 24 * time.Hour

	// DefaultTuningWindow is how much history a re-tune looks at.
	DefaultTuningWindow = 28 * 24 * time.Hour
)

// Tuner re-tunes an alert from the data in [start, end).
type Tuner interface {
	Tune(ctx context.Context, alert *detection.Alert, start, end time.Time) (*detection.Alert, error)
}

// TunerFunc adapts a function to Tuner.
type TunerFunc func(ctx context.Context, alert *detection.Alert, start, end time.Time) (*detection.Alert, error)

func (f TunerFunc) Tune(ctx context.Context, alert *detection.Alert, start, end time.Time) (*detection.Alert, error) {
	return f(ctx, alert, start, end)
}

// Config holds re-tune settings.
type Config struct {
	Interval     time.Duration `yaml:"interval" json:"interval"`
	TuningWindow time.Duration `yaml:"tuning_window" json:"tuning_window"`
}

// DefaultConfig returns the default re-tune settings.
func DefaultConfig() Config {
	return Config{Interval: DefaultInterval, TuningWindow: DefaultTuningWindow}
}

// RetuneFlow re-tunes alerts whose last tuning is older than the interval.
// It implements postrun.Maintainer.
type RetuneFlow struct {
	config Config
	tuner  Tuner
	logger *zap.Logger
}

// NewRetuneFlow creates a RetuneFlow. A nil tuner only refreshes
// LastTuningTime, which is what alerts without tunable components need.
func NewRetuneFlow(cfg Config, tuner Tuner, logger *zap.Logger) *RetuneFlow {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.TuningWindow <= 0 {
		cfg.TuningWindow = DefaultTuningWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetuneFlow{config: cfg, tuner: tuner, logger: logger}
}

// Due reports whether alert needs a re-tune at now.
func (f *RetuneFlow) Due(alert *detection.Alert, now time.Time) bool {
	return now.UnixMilli()-alert.LastTuningTime >= f.config.Interval.Milliseconds()
}

// Maintain re-tunes alert when due. It returns nil when nothing changed.
func (f *RetuneFlow) Maintain(ctx context.Context, alert *detection.Alert, now time.Time) (*detection.Alert, error) {
	if alert == nil {
		return nil, errors.New("alert is required")
	}
	if !f.Due(alert, now) {
		return nil, nil
	}

	tuned := alert.Clone()
	if f.tuner != nil {
		var err error
		tuned, err = f.tuner.Tune(ctx, alert.Clone(), now.Add(-f.config.TuningWindow), now)
		if err != nil {
			return nil, fmt.Errorf("failed to tune alert %s: %w", alert.ID, err)
		}
		if tuned == nil {
			return nil, fmt.Errorf("tuner returned no alert for %s", alert.ID)
		}
	}
	tuned.LastTuningTime = now.UnixMilli()

	f.logger.Info("Alert re-tuned",
		zap.String("alert_id", alert.ID),
		zap.Int64("last_tuning_time", tuned.LastTuningTime))
	return tuned, nil
}
