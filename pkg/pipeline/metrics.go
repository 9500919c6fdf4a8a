package pipeline

import (
	"sync/atomic"
	"time"
)

// DefaultMetricsCollector is a thread-safe implementation of MetricsCollector.
type DefaultMetricsCollector struct {
	nodes     atomic.Int64
	errors    atomic.Int64
	runs      atomic.Int64
	totalTime atomic.Int64
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *DefaultMetricsCollector {
	return &DefaultMetricsCollector{}
}

// RecordNode records a completed operator.
func (m *DefaultMetricsCollector) RecordNode(durationNs int64) {
	m.nodes.Add(1)
	m.totalTime.Add(durationNs)
}

// RecordError records a failed operator.
func (m *DefaultMetricsCollector) RecordError() {
	m.errors.Add(1)
}

// RecordRun records a completed run.
func (m *DefaultMetricsCollector) RecordRun() {
	m.runs.Add(1)
}

// GetMetrics returns the current metrics.
func (m *DefaultMetricsCollector) GetMetrics() Metrics {
	return Metrics{
		NodesExecuted:   m.nodes.Load(),
		NodeErrors:      m.errors.Load(),
		Runs:            m.runs.Load(),
		ExecutionTimeNs: m.totalTime.Load(),
	}
}

// AverageNodeTime returns the average operator time.
func (m *DefaultMetricsCollector) AverageNodeTime() time.Duration {
	n := m.nodes.Load()
	if n == 0 {
		return 0
	}
	return time.Duration(m.totalTime.Load() / n)
}

var _ MetricsCollector = (*DefaultMetricsCollector)(nil)

type noOpMetricsCollector struct{}

func (noOpMetricsCollector) RecordNode(int64)    {}
func (noOpMetricsCollector) RecordError()        {}
func (noOpMetricsCollector) RecordRun()          {}
func (noOpMetricsCollector) GetMetrics() Metrics { return Metrics{} }
