// Package store persists alerts, anomalies, evaluations and notification
// records. MemStore keeps everything in memory; SQLStore uses SQLite.
package store

import (
	"context"
	"errors"

	"github.com/wehubfusion/Argus/pkg/detection"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict is returned when a save carries a stale version.
	ErrVersionConflict = errors.New("version conflict")
)

// Store is the persistence contract shared by MemStore and SQLStore.
type Store interface {
	// PutAlert creates or replaces an alert.
	PutAlert(ctx context.Context, alert *detection.Alert) error
	// GetAlert returns ErrNotFound for unknown ids.
	GetAlert(ctx context.Context, id string) (*detection.Alert, error)
	// UpdateAlert replaces an existing alert and bumps its version.
	UpdateAlert(ctx context.Context, alert *detection.Alert) error
	ListAlerts(ctx context.Context) ([]*detection.Alert, error)

	// FindOverlapping returns the anomalies of alertID with the given
	// identity whose window intersects [start, end), ordered by start time.
	FindOverlapping(ctx context.Context, alertID string, key detection.IdentityKey, start, end int64) ([]*detection.Anomaly, error)
	// SaveAnomaly inserts an anomaly with Version 0, or updates one whose
	// Version matches the stored version. The saved copy carries the new
	// version. A mismatch returns ErrVersionConflict.
	SaveAnomaly(ctx context.Context, anomaly *detection.Anomaly) (*detection.Anomaly, error)
	GetAnomaly(ctx context.Context, id string) (*detection.Anomaly, error)
	ListAnomalies(ctx context.Context, alertID string) ([]*detection.Anomaly, error)

	SaveEvaluation(ctx context.Context, evaluation *detection.Evaluation) error
	ListEvaluations(ctx context.Context, alertID string) ([]*detection.Evaluation, error)

	// MarkNotified records that group was notified about an anomaly.
	MarkNotified(ctx context.Context, anomalyID, group string, at int64) error
	// NotifiedGroups lists the groups notified about an anomaly.
	NotifiedGroups(ctx context.Context, anomalyID string) ([]string, error)
	// Renotify clears an anomaly's notification records so every group
	// is notified again.
	Renotify(ctx context.Context, anomaly *detection.Anomaly) error

	Close() error
}

// Alerts adapts a Store to the alert persistence used after a run.
type Alerts struct{ Store Store }

// Update persists alert.
func (a Alerts) Update(ctx context.Context, alert *detection.Alert) error {
	return a.Store.UpdateAlert(ctx, alert)
}

// Evaluations adapts a Store to evaluation persistence.
type Evaluations struct{ Store Store }

// Save persists evaluation.
func (e Evaluations) Save(ctx context.Context, evaluation *detection.Evaluation) error {
	return e.Store.SaveEvaluation(ctx, evaluation)
}

func overlaps(a *detection.Anomaly, key detection.IdentityKey, start, end int64) bool {
	if a.Identity() != key {
		return false
	}
	window := &detection.Anomaly{StartTime: start, EndTime: end}
	return a.Overlaps(window, 0)
}
