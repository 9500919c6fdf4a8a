package nodes

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/wehubfusion/Argus/pkg/components"
	"github.com/wehubfusion/Argus/pkg/detection"
	"github.com/wehubfusion/Argus/pkg/pipeline"
)

// Params of AnomalyFilterWrapper.
const (
	ParamNested = "nested"
	ParamFilter = "filter"
)

// AnomalyFilterWrapper runs its nested pipelines over the same window,
// combines their results in nested order and keeps the anomalies accepted
// by its filter component. Child anomalies pass through unfiltered.
type AnomalyFilterWrapper struct {
	pipeline.BaseNode
	nested    []map[string]any
	metricURN string
	filterRef string
	filter    components.AnomalyFilter
	runner    pipeline.NestedRunner
	outputKey string
	logger    *zap.Logger
}

// NewAnomalyFilterWrapper creates an AnomalyFilterWrapper node. Its filter
// must be present in the alert's components.
func NewAnomalyFilterWrapper(bc pipeline.BuildContext) (pipeline.Node, error) {
	n := &AnomalyFilterWrapper{
		BaseNode: pipeline.NewBaseNode(bc),
		runner:   bc.Nested,
		logger:   bc.Logger,
	}
	if n.runner == nil {
		return nil, fmt.Errorf("no nested runner available")
	}
	if n.logger == nil {
		n.logger = zap.NewNop()
	}

	nested, err := nestedParams(bc.Spec.Params[ParamNested])
	if err != nil {
		return nil, err
	}
	n.nested = nested

	n.filterRef = n.ParamString(ParamFilter)
	if n.filterRef == "" {
		return nil, fmt.Errorf("param %q is required", ParamFilter)
	}
	if n.filter, err = components.LookupFilter(bc.Components, n.filterRef); err != nil {
		return nil, err
	}

	n.metricURN = n.ParamString(pipeline.ParamMetricURN)
	n.outputKey = n.ParamStringWithDefault("outputKey", DefaultOutputKey)
	return n, nil
}

// nestedParams accepts a list of param maps, as decoded from JSON or YAML.
func nestedParams(v any) ([]map[string]any, error) {
	switch list := v.(type) {
	case nil:
		return nil, nil
	case []map[string]any:
		return list, nil
	case []any:
		out := make([]map[string]any, 0, len(list))
		for i, item := range list {
			switch m := item.(type) {
			case map[string]any:
				out = append(out, m)
			case map[any]any:
				converted := make(map[string]any, len(m))
				for k, val := range m {
					converted[fmt.Sprint(k)] = val
				}
				out = append(out, converted)
			default:
				return nil, fmt.Errorf("nested[%d] is a %T, expected an object", i, item)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("param %q is a %T, expected a list", ParamNested, v)
	}
}

// BuildOperator implements pipeline.Node.
func (n *AnomalyFilterWrapper) BuildOperator(pipeline.Inputs) (pipeline.Operator, error) {
	start, end := n.Window()
	return pipeline.OperatorFunc(func(ctx context.Context) (map[string]*detection.PipelineResult, error) {
		results, err := n.runner.FanOut(ctx, len(n.nested), func(ctx context.Context, i int) (*detection.PipelineResult, error) {
			return n.runner.RunNested(ctx, n.branchParams(i), start, end)
		})
		if err != nil {
			return nil, err
		}

		combined := detection.Combine(results...)

		var filterErr error
		candidates := len(combined.Anomalies)
		combined.Anomalies = detection.Filter(combined.Anomalies, func(a *detection.Anomaly) bool {
			if filterErr != nil {
				return false
			}
			ok, err := n.filter.IsQualified(a)
			if err != nil {
				filterErr = fmt.Errorf("filter %s: %w", n.filterRef, err)
				return false
			}
			return ok
		})
		if filterErr != nil {
			return nil, filterErr
		}

		n.logger.Debug("Filtered nested anomalies",
			zap.Int("branches", len(n.nested)),
			zap.Int("candidates", candidates),
			zap.Int("kept", len(combined.Anomalies)),
			zap.Int64("last_timestamp", combined.LastTimestamp))

		return map[string]*detection.PipelineResult{n.outputKey: combined}, nil
	}), nil
}

// branchParams copies the nested params of branch i, setting the wrapper's
// metric URN when it has one.
func (n *AnomalyFilterWrapper) branchParams(i int) map[string]any {
	params := make(map[string]any, len(n.nested[i])+1)
	for k, v := range n.nested[i] {
		params[k] = v
	}
	if n.metricURN != "" {
		params[pipeline.ParamMetricURN] = n.metricURN
	}
	return params
}
