package detection

import (
	"errors"
	"fmt"
)

// ComponentSpec configures one pluggable component (for instance an anomaly
// filter) referenced by nodes through its key in Alert.Components.
type ComponentSpec struct {
	Type   string         `json:"type" yaml:"type"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// Alert is the durable detection configuration a run executes for.
type Alert struct {
	ID             string                   `json:"id" yaml:"id"`
	Name           string                   `json:"name" yaml:"name"`
	Active         bool                     `json:"active" yaml:"active"`
	Nodes          []NodeSpec               `json:"nodes" yaml:"nodes"`
	Components     map[string]ComponentSpec `json:"components,omitempty" yaml:"components,omitempty"`
	LastTimestamp  int64                    `json:"lastTimestamp" yaml:"lastTimestamp"`
	LastTuningTime int64                    `json:"lastTuningTime,omitempty" yaml:"lastTuningTime,omitempty"`
	Version        int64                    `json:"version,omitempty" yaml:"version,omitempty"`
}

// Clone returns a copy that can be mutated without affecting a.
func (a *Alert) Clone() *Alert {
	if a == nil {
		return nil
	}
	c := *a
	c.Nodes = append([]NodeSpec(nil), a.Nodes...)
	if a.Components != nil {
		c.Components = make(map[string]ComponentSpec, len(a.Components))
		for k, v := range a.Components {
			c.Components[k] = v
		}
	}
	return &c
}

// TaskBounds identifies one run: which alert, which task delivered it and
// the window [Start, End) in epoch milliseconds.
type TaskBounds struct {
	TaskID  string `json:"taskId" yaml:"taskId"`
	AlertID string `json:"alertId" yaml:"alertId"`
	Start   int64  `json:"start" yaml:"start"`
	End     int64  `json:"end" yaml:"end"`
}

// Validate checks the window and identifiers.
func (b TaskBounds) Validate() error {
	if b.AlertID == "" {
		return errors.New("alert id is required")
	}
	if b.End <= b.Start {
		return fmt.Errorf("invalid window [%d, %d): end must be after start", b.Start, b.End)
	}
	return nil
}

// RunKey identifies a run independently of which delivery carried it.
func (b TaskBounds) RunKey() string {
	return fmt.Sprintf("%s:%d:%d", b.AlertID, b.Start, b.End)
}
