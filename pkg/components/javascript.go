package components

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/wehubfusion/Argus/pkg/detection"
)

// DefaultScriptTimeout bounds a single filter evaluation.
const DefaultScriptTimeout = 100 * time.Millisecond

// ErrScriptTimeout is returned when a filter script runs past its timeout.
var ErrScriptTimeout = errors.New("filter script timed out")

// JavaScriptFilter evaluates a JavaScript expression against each anomaly,
// bound to the global "anomaly". The script must evaluate to a boolean.
//
// A filter owns one sandboxed runtime and serialises evaluations on it.
type JavaScriptFilter struct {
	program *goja.Program
	vm      *goja.Runtime
	timeout time.Duration
	mu      sync.Mutex
}

// NewJavaScriptFilter compiles params["script"]. Optional params are
// "timeoutMs" and "securityLevel" (strict or standard, default strict).
func NewJavaScriptFilter(params map[string]any) (*JavaScriptFilter, error) {
	script, _ := params["script"].(string)
	if script == "" {
		return nil, fmt.Errorf("%w: script is required", ErrInvalidParams)
	}

	program, err := goja.Compile("filter.js", script, true)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to compile script: %v", ErrInvalidParams, err)
	}

	timeout := DefaultScriptTimeout
	if v, ok := params["timeoutMs"]; ok {
		ms := toInt64(v)
		if ms <= 0 {
			return nil, fmt.Errorf("%w: timeoutMs must be positive", ErrInvalidParams)
		}
		timeout = time.Duration(ms) * time.Millisecond
	}

	level, _ := params["securityLevel"].(string)
	vm := goja.New()
	if err := newSandbox(level).apply(vm); err != nil {
		return nil, err
	}

	return &JavaScriptFilter{program: program, vm: vm, timeout: timeout}, nil
}

// IsQualified implements AnomalyFilter.
func (f *JavaScriptFilter) IsQualified(anomaly *detection.Anomaly) (qualified bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			qualified, err = false, fmt.Errorf("panic during filter script: %v", r)
		}
	}()

	if err := f.vm.Set("anomaly", anomalyObject(anomaly)); err != nil {
		return false, fmt.Errorf("failed to bind anomaly: %w", err)
	}

	timer := time.AfterFunc(f.timeout, func() {
		f.vm.Interrupt(ErrScriptTimeout)
	})
	value, runErr := f.vm.RunProgram(f.program)
	timer.Stop()
	f.vm.ClearInterrupt()

	if runErr != nil {
		var interrupted *goja.InterruptedError
		if errors.As(runErr, &interrupted) {
			return false, fmt.Errorf("%w after %s", ErrScriptTimeout, f.timeout)
		}
		return false, fmt.Errorf("filter script failed: %w", runErr)
	}

	b, ok := value.Export().(bool)
	if !ok {
		return false, fmt.Errorf("filter script returned %T, expected boolean", value.Export())
	}
	return b, nil
}

func anomalyObject(a *detection.Anomaly) map[string]any {
	props := make(map[string]any, len(a.Properties))
	for k, v := range a.Properties {
		props[k] = v
	}
	return map[string]any{
		"metricUrn":      a.MetricURN,
		"dimensionKey":   a.DimensionKey,
		"detectorRef":    a.DetectorRef,
		"startTime":      a.StartTime,
		"endTime":        a.EndTime,
		"avgCurrentVal":  a.AvgCurrentValue,
		"avgBaselineVal": a.AvgBaselineValue,
		"score":          a.Score,
		"child":          a.Child,
		"properties":     props,
	}
}

func toInt64(v any) int64 {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int64:
		return x
	case float64:
		return int64(x)
	default:
		return 0
	}
}

var _ AnomalyFilter = (*JavaScriptFilter)(nil)
