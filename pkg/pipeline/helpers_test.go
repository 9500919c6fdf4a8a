package pipeline

import (
	"context"
	"math"
	"sync/atomic"

	"github.com/wehubfusion/Argus/pkg/detection"
)

// funcNode runs fn with its bound inputs and counts executions.
type funcNode struct {
	BaseNode
	fn    func(ctx context.Context, inputs Inputs) (map[string]*detection.PipelineResult, error)
	calls *atomic.Int64
}

func (n *funcNode) BuildOperator(inputs Inputs) (Operator, error) {
	return OperatorFunc(func(ctx context.Context) (map[string]*detection.PipelineResult, error) {
		n.calls.Add(1)
		return n.fn(ctx, inputs)
	}), nil
}

// testRegistry registers:
//   - "static": emits {"out": result with lastTimestamp = params.ts}
//   - "forward": returns input "in" as "out"
//   - "combine": combines every bound input as "out"
//
// and returns per-node execution counters.
func testRegistry() (*Registry, map[string]*atomic.Int64) {
	counters := make(map[string]*atomic.Int64)
	counter := func(name string) *atomic.Int64 {
		if c, ok := counters[name]; ok {
			return c
		}
		c := &atomic.Int64{}
		counters[name] = c
		return c
	}

	reg := NewRegistry()
	reg.Register("static", func(bc BuildContext) (Node, error) {
		ts := detection.NoTimestamp
		if v := ToFloat(bc.Spec.Params["ts"]); !math.IsNaN(v) {
			ts = int64(v)
		}
		anomaly := &detection.Anomaly{ID: bc.Spec.Name, MetricURN: bc.Spec.Name}
		return &funcNode{
			BaseNode: NewBaseNode(bc),
			calls:    counter(bc.Spec.Name),
			fn: func(context.Context, Inputs) (map[string]*detection.PipelineResult, error) {
				return map[string]*detection.PipelineResult{
					"out": {Anomalies: []*detection.Anomaly{anomaly}, LastTimestamp: ts},
				}, nil
			},
		}, nil
	})
	reg.Register("forward", func(bc BuildContext) (Node, error) {
		return &funcNode{
			BaseNode: NewBaseNode(bc),
			calls:    counter(bc.Spec.Name),
			fn: func(_ context.Context, inputs Inputs) (map[string]*detection.PipelineResult, error) {
				in, err := RequireInput(inputs, "in")
				if err != nil {
					return nil, err
				}
				return map[string]*detection.PipelineResult{"out": in}, nil
			},
		}, nil
	})
	reg.Register("combine", func(bc BuildContext) (Node, error) {
		return &funcNode{
			BaseNode: NewBaseNode(bc),
			calls:    counter(bc.Spec.Name),
			fn: func(_ context.Context, inputs Inputs) (map[string]*detection.PipelineResult, error) {
				return map[string]*detection.PipelineResult{"out": CombineOutputs(inputs)}, nil
			},
		}, nil
	})
	return reg, counters
}

func input(source, target string) detection.Input {
	return detection.Input{SourceNode: source, SourceKey: "out", TargetInput: target}
}
