// Package components provides the pluggable components an alert references
// by key from its nodes, anomaly filters in particular.
package components

import (
	"github.com/wehubfusion/Argus/pkg/detection"
)

// AnomalyFilter decides whether a candidate anomaly is kept.
type AnomalyFilter interface {
	IsQualified(anomaly *detection.Anomaly) (bool, error)
}

// FilterFunc adapts a predicate to AnomalyFilter.
type FilterFunc func(anomaly *detection.Anomaly) bool

// IsQualified calls f.
func (f FilterFunc) IsQualified(anomaly *detection.Anomaly) (bool, error) {
	return f(anomaly), nil
}

// AllowAll keeps every anomaly.
type AllowAll struct{}

// IsQualified always returns true.
func (AllowAll) IsQualified(*detection.Anomaly) (bool, error) {
	return true, nil
}

var (
	_ AnomalyFilter = AllowAll{}
	_ AnomalyFilter = FilterFunc(nil)
)
