package components

import (
	"fmt"
	"math"
	"time"

	"github.com/wehubfusion/Argus/pkg/detection"
	"github.com/wehubfusion/Argus/pkg/pipeline"
)

// ThresholdRuleFilter drops anomalies whose average current value falls
// outside configured bounds. Unset bounds are NaN and never apply.
//
// For cumulative metrics (SUM, COUNT) the hourly and daily bounds compare
// the value normalised to one hour or one day of the anomaly's duration.
type ThresholdRuleFilter struct {
	MinValue       float64
	MaxValue       float64
	MinValueHourly float64
	MaxValueHourly float64
	MinValueDaily  float64
	MaxValueDaily  float64
	Cumulative     bool
}

// NewThresholdRuleFilter builds a filter from component params. Missing or
// non-numeric bounds are left unset.
func NewThresholdRuleFilter(params map[string]any) (*ThresholdRuleFilter, error) {
	f := &ThresholdRuleFilter{
		MinValue:       pipeline.ToFloat(params["minValue"]),
		MaxValue:       pipeline.ToFloat(params["maxValue"]),
		MinValueHourly: pipeline.ToFloat(params["minValueHourly"]),
		MaxValueHourly: pipeline.ToFloat(params["maxValueHourly"]),
		MinValueDaily:  pipeline.ToFloat(params["minValueDaily"]),
		MaxValueDaily:  pipeline.ToFloat(params["maxValueDaily"]),
	}
	if v, ok := params["cumulative"]; ok {
		b, isBool := v.(bool)
		if !isBool {
			return nil, fmt.Errorf("%w: cumulative must be a boolean", ErrInvalidParams)
		}
		f.Cumulative = b
	}
	if !math.IsNaN(f.MinValue) && !math.IsNaN(f.MaxValue) && f.MinValue > f.MaxValue {
		return nil, fmt.Errorf("%w: minValue %v exceeds maxValue %v", ErrInvalidParams, f.MinValue, f.MaxValue)
	}
	return f, nil
}

// IsQualified implements AnomalyFilter.
func (f *ThresholdRuleFilter) IsQualified(anomaly *detection.Anomaly) (bool, error) {
	current := anomaly.AvgCurrentValue

	hourlyMultiplier, dailyMultiplier := 1.0, 1.0
	if f.Cumulative {
		duration := anomaly.DurationMillis()
		if duration <= 0 {
			return false, fmt.Errorf("anomaly %s has an empty window", anomaly.Identity())
		}
		hourlyMultiplier = float64(time.Hour.Milliseconds()) / float64(duration)
		dailyMultiplier = float64((24 * time.Hour).Milliseconds()) / float64(duration)
	}

	if below(current, f.MinValue) || above(current, f.MaxValue) {
		return false, nil
	}
	if below(current*hourlyMultiplier, f.MinValueHourly) || above(current*hourlyMultiplier, f.MaxValueHourly) {
		return false, nil
	}
	if below(current*dailyMultiplier, f.MinValueDaily) || above(current*dailyMultiplier, f.MaxValueDaily) {
		return false, nil
	}
	return true, nil
}

func below(v, bound float64) bool {
	return !math.IsNaN(bound) && v < bound
}

func above(v, bound float64) bool {
	return !math.IsNaN(bound) && v > bound
}

var _ AnomalyFilter = (*ThresholdRuleFilter)(nil)
