package detection

// NoTimestamp is the watermark value of a result that processed nothing.
const NoTimestamp int64 = -1

// Evaluation is a detector performance record produced by a run.
type Evaluation struct {
	ID          string  `json:"id,omitempty" yaml:"id,omitempty"`
	AlertID     string  `json:"alertId,omitempty" yaml:"alertId,omitempty"`
	DetectorRef string  `json:"detectorRef,omitempty" yaml:"detectorRef,omitempty"`
	MetricURN   string  `json:"metricUrn,omitempty" yaml:"metricUrn,omitempty"`
	StartTime   int64   `json:"startTime" yaml:"startTime"`
	EndTime     int64   `json:"endTime" yaml:"endTime"`
	Mape        float64 `json:"mape" yaml:"mape"`
	CreatedAt   int64   `json:"createdAt,omitempty" yaml:"createdAt,omitempty"`
}

// Prediction is the baseline a detector computed for a metric.
type Prediction struct {
	DetectorRef string    `json:"detectorRef,omitempty" yaml:"detectorRef,omitempty"`
	MetricURN   string    `json:"metricUrn,omitempty" yaml:"metricUrn,omitempty"`
	Timestamps  []int64   `json:"timestamps,omitempty" yaml:"timestamps,omitempty"`
	Values      []float64 `json:"values,omitempty" yaml:"values,omitempty"`
}

// PipelineResult is the value stored under one (node, output key) pair.
type PipelineResult struct {
	Anomalies     []*Anomaly     `json:"anomalies,omitempty" yaml:"anomalies,omitempty"`
	LastTimestamp int64          `json:"lastTimestamp" yaml:"lastTimestamp"`
	Diagnostics   map[string]any `json:"diagnostics,omitempty" yaml:"diagnostics,omitempty"`
	Evaluations   []*Evaluation  `json:"evaluations,omitempty" yaml:"evaluations,omitempty"`
	Predictions   []*Prediction  `json:"predictions,omitempty" yaml:"predictions,omitempty"`
}

// EmptyResult returns a result that processed nothing.
func EmptyResult() *PipelineResult {
	return &PipelineResult{
		LastTimestamp: NoTimestamp,
		Diagnostics:   map[string]any{},
	}
}

// ConsolidateLastTimestamps returns the minimum of the non-negative values,
// or NoTimestamp when there is none.
func ConsolidateLastTimestamps(timestamps []int64) int64 {
	consolidated := NoTimestamp
	for _, ts := range timestamps {
		if ts < 0 {
			continue
		}
		if consolidated < 0 || ts < consolidated {
			consolidated = ts
		}
	}
	return consolidated
}

// Combine merges results in order. Anomalies, evaluations and predictions
// are concatenated without dedup, diagnostics are merged with later results
// overwriting earlier ones, and the watermark is consolidated with
// ConsolidateLastTimestamps. Nil results are skipped.
func Combine(results ...*PipelineResult) *PipelineResult {
	combined := EmptyResult()
	timestamps := make([]int64, 0, len(results))
	for _, r := range results {
		if r == nil {
			continue
		}
		timestamps = append(timestamps, r.LastTimestamp)
		combined.Anomalies = append(combined.Anomalies, r.Anomalies...)
		combined.Evaluations = append(combined.Evaluations, r.Evaluations...)
		combined.Predictions = append(combined.Predictions, r.Predictions...)
		for k, v := range r.Diagnostics {
			combined.Diagnostics[k] = v
		}
	}
	combined.LastTimestamp = ConsolidateLastTimestamps(timestamps)
	return combined
}

// Filter keeps the anomalies accepted by keep. Anomalies flagged Child are
// already subsumed by a parent grouping and pass through unevaluated; nil
// entries are dropped. Order is preserved.
func Filter(anomalies []*Anomaly, keep func(*Anomaly) bool) []*Anomaly {
	out := make([]*Anomaly, 0, len(anomalies))
	for _, a := range anomalies {
		if a == nil {
			continue
		}
		if a.Child || keep(a) {
			out = append(out, a)
		}
	}
	return out
}
