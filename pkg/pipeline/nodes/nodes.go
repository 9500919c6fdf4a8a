// Package nodes holds the built-in pipeline node types.
package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/wehubfusion/Argus/pkg/detection"
	"github.com/wehubfusion/Argus/pkg/pipeline"
)

// Registered node types.
const (
	TypeForward              = "Forward"
	TypeCombiner             = "Combiner"
	TypeStatic               = "Static"
	TypeAnomalyFilterWrapper = "AnomalyFilterWrapper"
)

// DefaultOutputKey is the output key used when a node does not set "outputKey".
const DefaultOutputKey = "out"

// RegisterAll registers every built-in node type.
func RegisterAll(reg *pipeline.Registry) {
	reg.Register(TypeForward, NewForward)
	reg.Register(TypeCombiner, NewCombiner)
	reg.Register(TypeStatic, NewStatic)
	reg.Register(TypeAnomalyFilterWrapper, NewAnomalyFilterWrapper)
}

// Forward republishes one input unchanged. It reads the input named by
// param "input" (default "in"), or the only bound input when there is one.
type Forward struct {
	pipeline.BaseNode
	input     string
	outputKey string
}

// NewForward creates a Forward node.
func NewForward(bc pipeline.BuildContext) (pipeline.Node, error) {
	n := &Forward{BaseNode: pipeline.NewBaseNode(bc)}
	n.input = n.ParamStringWithDefault("input", "in")
	n.outputKey = n.ParamStringWithDefault("outputKey", DefaultOutputKey)
	if len(bc.Spec.Inputs) == 0 {
		return nil, fmt.Errorf("forward node needs an input")
	}
	return n, nil
}

// BuildOperator implements pipeline.Node.
func (n *Forward) BuildOperator(inputs pipeline.Inputs) (pipeline.Operator, error) {
	in, ok := inputs[n.input]
	if !ok && len(inputs) == 1 {
		for _, v := range inputs {
			in, ok = v, true
		}
	}
	if !ok {
		return nil, fmt.Errorf("input %q is not bound", n.input)
	}
	out := map[string]*detection.PipelineResult{n.outputKey: in}
	return pipeline.OperatorFunc(func(context.Context) (map[string]*detection.PipelineResult, error) {
		return out, nil
	}), nil
}

// Combiner combines all of its inputs, in input name order, following the
// consolidation rules of detection.Combine.
type Combiner struct {
	pipeline.BaseNode
	outputKey string
}

// NewCombiner creates a Combiner node.
func NewCombiner(bc pipeline.BuildContext) (pipeline.Node, error) {
	n := &Combiner{BaseNode: pipeline.NewBaseNode(bc)}
	n.outputKey = n.ParamStringWithDefault("outputKey", DefaultOutputKey)
	return n, nil
}

// BuildOperator implements pipeline.Node.
func (n *Combiner) BuildOperator(inputs pipeline.Inputs) (pipeline.Operator, error) {
	names := make([]string, 0, len(inputs))
	for name := range inputs {
		names = append(names, name)
	}
	sort.Strings(names)

	ordered := make([]*detection.PipelineResult, 0, len(names))
	for _, name := range names {
		ordered = append(ordered, inputs[name])
	}

	return pipeline.OperatorFunc(func(context.Context) (map[string]*detection.PipelineResult, error) {
		return map[string]*detection.PipelineResult{n.outputKey: detection.Combine(ordered...)}, nil
	}), nil
}

// Static emits the result configured in param "result". It stands in for
// detectors in dry runs and replays.
type Static struct {
	pipeline.BaseNode
	outputKey string
	result    detection.PipelineResult
}

// NewStatic creates a Static node.
func NewStatic(bc pipeline.BuildContext) (pipeline.Node, error) {
	n := &Static{BaseNode: pipeline.NewBaseNode(bc)}
	n.outputKey = n.ParamStringWithDefault("outputKey", DefaultOutputKey)
	n.result.LastTimestamp = detection.NoTimestamp

	if raw, ok := bc.Spec.Param("result"); ok {
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid result: %w", err)
		}
		if err := json.Unmarshal(data, &n.result); err != nil {
			return nil, fmt.Errorf("invalid result: %w", err)
		}
	}
	return n, nil
}

// BuildOperator implements pipeline.Node. Each run gets fresh copies of the
// configured anomalies.
func (n *Static) BuildOperator(pipeline.Inputs) (pipeline.Operator, error) {
	return pipeline.OperatorFunc(func(context.Context) (map[string]*detection.PipelineResult, error) {
		res := n.result
		res.Anomalies = make([]*detection.Anomaly, 0, len(n.result.Anomalies))
		for _, a := range n.result.Anomalies {
			res.Anomalies = append(res.Anomalies, a.Clone())
		}
		res.Diagnostics = make(map[string]any, len(n.result.Diagnostics))
		for k, v := range n.result.Diagnostics {
			res.Diagnostics[k] = v
		}
		return map[string]*detection.PipelineResult{n.outputKey: &res}, nil
	}), nil
}
