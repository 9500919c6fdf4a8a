// Package merger reconciles the candidate anomalies of a run with the
// anomalies already persisted for the alert.
//
// Candidates are grouped by identity (metric, dimension key, detector) and
// collapsed when their windows overlap or are at most MaxGap apart. Each
// group either creates a new anomaly, extends a persisted one, or is a
// no-op when a persisted anomaly already covers it, which makes a
// redelivered run safe to merge again.
package merger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wehubfusion/Argus/pkg/detection"
	"github.com/wehubfusion/Argus/pkg/store"
)

// AnomalyStore is the persistence the merger needs.
type AnomalyStore interface {
	FindOverlapping(ctx context.Context, alertID string, key detection.IdentityKey, start, end int64) ([]*detection.Anomaly, error)
	SaveAnomaly(ctx context.Context, anomaly *detection.Anomaly) (*detection.Anomaly, error)
}

// Config holds merge settings.
type Config struct {
	// MaxGap is the largest gap in milliseconds between two windows that
	// still merges them.
	MaxGap int64 `yaml:"max_gap" json:"max_gap"`
}

// DefaultConfig merges only overlapping windows.
func DefaultConfig() Config {
	return Config{MaxGap: 0}
}

// Merger is the default postrun.Merger.
type Merger struct {
	store  AnomalyStore
	config Config
	logger *zap.Logger
	newID  func() string
}

// Option configures a Merger.
type Option func(*Merger)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Merger) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithIDGenerator replaces uuid generation for new anomalies.
func WithIDGenerator(newID func() string) Option {
	return func(m *Merger) {
		if newID != nil {
			m.newID = newID
		}
	}
}

// New creates a Merger over s.
func New(s AnomalyStore, cfg Config, opts ...Option) *Merger {
	if cfg.MaxGap < 0 {
		cfg.MaxGap = 0
	}
	m := &Merger{
		store:  s,
		config: cfg,
		logger: zap.NewNop(),
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MergeAndSave merges candidates into the alert's persisted anomalies and
// returns the resulting records, one per candidate group, ordered by
// identity and start time.
func (m *Merger) MergeAndSave(ctx context.Context, bounds detection.TaskBounds, alert *detection.Alert, candidates []*detection.Anomaly) ([]*detection.Anomaly, error) {
	if alert == nil {
		return nil, errors.New("alert is required")
	}

	groups := m.group(alert.ID, candidates)
	out := make([]*detection.Anomaly, 0, len(groups))
	var created, extended, unchanged int

	for _, candidate := range groups {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		existing, err := m.store.FindOverlapping(ctx, alert.ID, candidate.Identity(),
			candidate.StartTime-m.config.MaxGap, candidate.EndTime+m.config.MaxGap)
		if err != nil {
			return nil, fmt.Errorf("failed to find anomalies for %s: %w", candidate.Identity(), err)
		}

		if len(existing) == 0 {
			candidate.ID = m.newID()
			candidate.Version = 0
			saved, err := m.save(ctx, alert.ID, candidate)
			if err != nil {
				return nil, err
			}
			created++
			out = append(out, saved)
			continue
		}

		target := existing[0]
		if covers(target, candidate) {
			unchanged++
			out = append(out, target)
			continue
		}

		saved, err := m.save(ctx, alert.ID, extend(target, candidate))
		if err != nil {
			return nil, err
		}
		extended++
		out = append(out, saved)
	}

	m.logger.Debug("Merged anomalies",
		zap.String("alert_id", alert.ID),
		zap.String("run_key", bounds.RunKey()),
		zap.Int("candidates", len(candidates)),
		zap.Int("created", created),
		zap.Int("extended", extended),
		zap.Int("unchanged", unchanged))

	return out, nil
}

func (m *Merger) save(ctx context.Context, alertID string, a *detection.Anomaly) (*detection.Anomaly, error) {
	saved, err := m.store.SaveAnomaly(ctx, a)
	if errors.Is(err, store.ErrVersionConflict) {
		return nil, &MergeConflictError{AlertID: alertID, AnomalyID: a.ID, Cause: err}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to save anomaly %s: %w", a.ID, err)
	}
	return saved, nil
}

// group copies the candidates, tags them with the alert and collapses
// overlapping ones of the same identity.
func (m *Merger) group(alertID string, candidates []*detection.Anomaly) []*detection.Anomaly {
	sorted := make([]*detection.Anomaly, 0, len(candidates))
	for _, c := range candidates {
		if c == nil {
			continue
		}
		a := c.Clone()
		a.AlertID = alertID
		sorted = append(sorted, a)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		ki, kj := sorted[i].Identity().String(), sorted[j].Identity().String()
		if ki != kj {
			return ki < kj
		}
		return sorted[i].StartTime < sorted[j].StartTime
	})

	var groups []*detection.Anomaly
	for _, a := range sorted {
		if n := len(groups); n > 0 {
			last := groups[n-1]
			if last.Identity() == a.Identity() && last.Overlaps(a, m.config.MaxGap) {
				groups[n-1] = extend(last, a)
				continue
			}
		}
		groups = append(groups, a)
	}
	return groups
}

func covers(existing, candidate *detection.Anomaly) bool {
	return existing.StartTime <= candidate.StartTime && candidate.EndTime <= existing.EndTime
}

// extend returns base widened to include other. Averages are weighted by
// window duration, the score is the maximum and other's properties win.
// An extension of a notified anomaly is flagged for re-notification.
func extend(base, other *detection.Anomaly) *detection.Anomaly {
	out := base.Clone()
	out.StartTime = min(base.StartTime, other.StartTime)
	out.EndTime = max(base.EndTime, other.EndTime)
	out.AvgCurrentValue = weighted(base.AvgCurrentValue, base.DurationMillis(), other.AvgCurrentValue, other.DurationMillis())
	out.AvgBaselineValue = weighted(base.AvgBaselineValue, base.DurationMillis(), other.AvgBaselineValue, other.DurationMillis())
	out.Score = math.Max(base.Score, other.Score)
	out.Child = base.Child && other.Child
	if len(other.Properties) > 0 {
		if out.Properties == nil {
			out.Properties = make(map[string]string, len(other.Properties))
		}
		for k, v := range other.Properties {
			out.Properties[k] = v
		}
	}
	if base.Notified {
		out.Renotify = true
	}
	return out
}

func weighted(a float64, wa int64, b float64, wb int64) float64 {
	if wa+wb <= 0 {
		return (a + b) / 2
	}
	return (a*float64(wa) + b*float64(wb)) / float64(wa+wb)
}
