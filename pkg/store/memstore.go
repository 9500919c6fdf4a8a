package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/wehubfusion/Argus/pkg/detection"
)

// MemStore is an in-memory Store for tests and dry runs.
type MemStore struct {
	mu            sync.RWMutex
	alerts        map[string]*detection.Alert
	anomalies     map[string]*detection.Anomaly
	evaluations   []*detection.Evaluation
	notifications map[string]map[string]int64
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		alerts:        make(map[string]*detection.Alert),
		anomalies:     make(map[string]*detection.Anomaly),
		notifications: make(map[string]map[string]int64),
	}
}

func (s *MemStore) PutAlert(_ context.Context, alert *detection.Alert) error {
	if alert == nil || alert.ID == "" {
		return fmt.Errorf("alert id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[alert.ID] = alert.Clone()
	return nil
}

func (s *MemStore) GetAlert(_ context.Context, id string) (*detection.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	return a.Clone(), nil
}

func (s *MemStore) UpdateAlert(_ context.Context, alert *detection.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.alerts[alert.ID]
	if !ok {
		return fmt.Errorf("alert %s: %w", alert.ID, ErrNotFound)
	}
	updated := alert.Clone()
	updated.Version = current.Version + 1
	s.alerts[alert.ID] = updated
	return nil
}

func (s *MemStore) ListAlerts(_ context.Context) ([]*detection.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*detection.Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) FindOverlapping(_ context.Context, alertID string, key detection.IdentityKey, start, end int64) ([]*detection.Anomaly, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*detection.Anomaly
	for _, a := range s.anomalies {
		if a.AlertID == alertID && overlaps(a, key, start, end) {
			out = append(out, a.Clone())
		}
	}
	sortAnomalies(out)
	return out, nil
}

func (s *MemStore) SaveAnomaly(_ context.Context, anomaly *detection.Anomaly) (*detection.Anomaly, error) {
	if anomaly.ID == "" {
		return nil, fmt.Errorf("anomaly id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.anomalies[anomaly.ID]
	switch {
	case !exists && anomaly.Version != 0:
		return nil, fmt.Errorf("anomaly %s: %w: expected new record", anomaly.ID, ErrVersionConflict)
	case exists && current.Version != anomaly.Version:
		return nil, fmt.Errorf("anomaly %s: %w: stored %d, got %d", anomaly.ID, ErrVersionConflict, current.Version, anomaly.Version)
	}

	saved := anomaly.Clone()
	if exists {
		saved.Version = current.Version + 1
	}
	s.anomalies[saved.ID] = saved
	return saved.Clone(), nil
}

func (s *MemStore) GetAnomaly(_ context.Context, id string) (*detection.Anomaly, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.anomalies[id]
	if !ok {
		return nil, fmt.Errorf("anomaly %s: %w", id, ErrNotFound)
	}
	return a.Clone(), nil
}

func (s *MemStore) ListAnomalies(_ context.Context, alertID string) ([]*detection.Anomaly, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*detection.Anomaly
	for _, a := range s.anomalies {
		if a.AlertID == alertID {
			out = append(out, a.Clone())
		}
	}
	sortAnomalies(out)
	return out, nil
}

func (s *MemStore) SaveEvaluation(_ context.Context, evaluation *detection.Evaluation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := *evaluation
	s.evaluations = append(s.evaluations, &e)
	return nil
}

func (s *MemStore) ListEvaluations(_ context.Context, alertID string) ([]*detection.Evaluation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*detection.Evaluation
	for _, e := range s.evaluations {
		if e.AlertID == alertID {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *MemStore) MarkNotified(_ context.Context, anomalyID, group string, at int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.anomalies[anomalyID]
	if !ok {
		return fmt.Errorf("anomaly %s: %w", anomalyID, ErrNotFound)
	}
	if s.notifications[anomalyID] == nil {
		s.notifications[anomalyID] = make(map[string]int64)
	}
	s.notifications[anomalyID][group] = at
	a.Notified = true
	return nil
}

func (s *MemStore) NotifiedGroups(_ context.Context, anomalyID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	groups := make([]string, 0, len(s.notifications[anomalyID]))
	for g := range s.notifications[anomalyID] {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	return groups, nil
}

func (s *MemStore) Renotify(_ context.Context, anomaly *detection.Anomaly) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.anomalies[anomaly.ID]
	if !ok {
		return fmt.Errorf("anomaly %s: %w", anomaly.ID, ErrNotFound)
	}
	delete(s.notifications, anomaly.ID)
	a.Notified = false
	a.Renotify = false
	return nil
}

func (s *MemStore) Close() error { return nil }

func sortAnomalies(list []*detection.Anomaly) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].StartTime != list[j].StartTime {
			return list[i].StartTime < list[j].StartTime
		}
		return list[i].ID < list[j].ID
	})
}

var _ Store = (*MemStore)(nil)
