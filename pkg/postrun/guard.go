package postrun

import (
	"sync"

	"github.com/wehubfusion/Argus/pkg/detection"
)

// DefaultGuardCapacity is the number of completed runs a RunGuard remembers.
const DefaultGuardCapacity = 10000

// RunGuard remembers which runs already handed their candidates to the
// merger. A run key is reserved while its post-run steps are in flight and
// becomes completed once its evaluations are saved; an aborted reservation
// frees the key so the run may be retried. A run that merged but failed
// later keeps its merged anomalies, so the retry skips only the merge. The
// oldest keys are forgotten first once capacity is reached.
type RunGuard struct {
	mu          sync.Mutex
	inFlight    map[string]bool
	completed   map[string]bool
	order       []string
	merged      map[string][]*detection.Anomaly
	mergedOrder []string
	capacity    int
}

// NewRunGuard creates a guard remembering up to capacity completed runs.
func NewRunGuard(capacity int) *RunGuard {
	if capacity <= 0 {
		capacity = DefaultGuardCapacity
	}
	return &RunGuard{
		inFlight:  make(map[string]bool),
		completed: make(map[string]bool),
		merged:    make(map[string][]*detection.Anomaly),
		capacity:  capacity,
	}
}

// GuardKey identifies a run for the guard.
func GuardKey(bounds detection.TaskBounds) string {
	if bounds.TaskID == "" {
		return bounds.RunKey()
	}
	return bounds.TaskID + "/" + bounds.RunKey()
}

// Begin reserves key. It returns false when the key is in flight or
// already completed.
func (g *RunGuard) Begin(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inFlight[key] || g.completed[key] {
		return false
	}
	g.inFlight[key] = true
	return true
}

// Complete marks a reserved key as completed.
func (g *RunGuard) Complete(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inFlight, key)
	delete(g.merged, key)
	if g.completed[key] {
		return
	}
	g.completed[key] = true
	g.order = append(g.order, key)
	for len(g.order) > g.capacity {
		delete(g.completed, g.order[0])
		g.order = g.order[1:]
	}
}

// MarkMerged records the anomalies merged for a reserved key.
func (g *RunGuard) MarkMerged(key string, merged []*detection.Anomaly) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.merged[key]; !ok {
		g.mergedOrder = append(g.mergedOrder, key)
	}
	g.merged[key] = merged
	for len(g.mergedOrder) > g.capacity {
		delete(g.merged, g.mergedOrder[0])
		g.mergedOrder = g.mergedOrder[1:]
	}
}

// Merged returns the anomalies recorded by MarkMerged for a key that has
// not completed yet.
func (g *RunGuard) Merged(key string) ([]*detection.Anomaly, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	merged, ok := g.merged[key]
	return merged, ok
}

// Abort releases a reservation without completing it.
func (g *RunGuard) Abort(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inFlight, key)
}

// Completed reports whether key completed.
func (g *RunGuard) Completed(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.completed[key]
}
