package detection

import "fmt"

// Anomaly is a candidate anomaly produced by a run, or a persisted one once
// it has gone through merge.
type Anomaly struct {
	ID               string            `json:"id,omitempty" yaml:"id,omitempty"`
	AlertID          string            `json:"alertId,omitempty" yaml:"alertId,omitempty"`
	MetricURN        string            `json:"metricUrn" yaml:"metricUrn"`
	DimensionKey     string            `json:"dimensionKey,omitempty" yaml:"dimensionKey,omitempty"`
	DetectorRef      string            `json:"detectorRef,omitempty" yaml:"detectorRef,omitempty"`
	StartTime        int64             `json:"startTime" yaml:"startTime"`
	EndTime          int64             `json:"endTime" yaml:"endTime"`
	AvgCurrentValue  float64           `json:"avgCurrentVal" yaml:"avgCurrentVal"`
	AvgBaselineValue float64           `json:"avgBaselineVal" yaml:"avgBaselineVal"`
	Score            float64           `json:"score,omitempty" yaml:"score,omitempty"`
	Child            bool              `json:"child,omitempty" yaml:"child,omitempty"`
	Renotify         bool              `json:"renotify,omitempty" yaml:"renotify,omitempty"`
	Notified         bool              `json:"notified,omitempty" yaml:"notified,omitempty"`
	Version          int64             `json:"version,omitempty" yaml:"version,omitempty"`
	Properties       map[string]string `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// IdentityKey groups anomalies that may be merged with each other. Two
// anomalies with the same identity key are the same anomaly when their
// time ranges overlap.
type IdentityKey struct {
	MetricURN    string
	DimensionKey string
	DetectorRef  string
}

// Identity returns the anomaly's identity key.
func (a *Anomaly) Identity() IdentityKey {
	return IdentityKey{
		MetricURN:    a.MetricURN,
		DimensionKey: a.DimensionKey,
		DetectorRef:  a.DetectorRef,
	}
}

func (k IdentityKey) String() string {
	return fmt.Sprintf("%s|%s|%s", k.MetricURN, k.DimensionKey, k.DetectorRef)
}

// DurationMillis returns the length of the anomaly's window.
func (a *Anomaly) DurationMillis() int64 {
	return a.EndTime - a.StartTime
}

// Overlaps reports whether the two half-open windows intersect, treating a
// gap of at most maxGap milliseconds as contiguous.
func (a *Anomaly) Overlaps(other *Anomaly, maxGap int64) bool {
	if maxGap < 0 {
		maxGap = 0
	}
	if a.StartTime == a.EndTime || other.StartTime == other.EndTime {
		return a.StartTime <= other.EndTime+maxGap && other.StartTime <= a.EndTime+maxGap
	}
	return a.StartTime < other.EndTime+maxGap && other.StartTime < a.EndTime+maxGap
}

// Clone returns a deep copy.
func (a *Anomaly) Clone() *Anomaly {
	if a == nil {
		return nil
	}
	c := *a
	if a.Properties != nil {
		c.Properties = make(map[string]string, len(a.Properties))
		for k, v := range a.Properties {
			c.Properties[k] = v
		}
	}
	return &c
}
