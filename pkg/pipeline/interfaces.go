// Package pipeline builds and executes detection pipelines: graphs of named
// nodes wired by (node, output key) references and resolved lazily from the
// root node.
package pipeline

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/cases"

	"github.com/wehubfusion/Argus/pkg/detection"
)

// Node is a built pipeline node. Each node type decides how its bound
// inputs turn into an operator.
type Node interface {
	// Name returns the node name, unique within its pipeline.
	Name() string

	// Type returns the registered type the node was built from.
	Type() string

	// Spec returns the specification the node was built from.
	Spec() detection.NodeSpec

	// BuildOperator creates the operator computing this node's outputs for
	// the run window, given its inputs keyed by target input name.
	BuildOperator(inputs Inputs) (Operator, error)
}

// Inputs are the values bound to a node's input slots.
type Inputs map[string]*detection.PipelineResult

// Operator computes a node's outputs, keyed by output key.
type Operator interface {
	Execute(ctx context.Context) (map[string]*detection.PipelineResult, error)
}

// OperatorFunc adapts a function to Operator.
type OperatorFunc func(ctx context.Context) (map[string]*detection.PipelineResult, error)

// Execute calls f.
func (f OperatorFunc) Execute(ctx context.Context) (map[string]*detection.PipelineResult, error) {
	return f(ctx)
}

// NodeCreator builds a node of one type.
type NodeCreator func(bc BuildContext) (Node, error)

// BranchFunc runs one nested branch.
type BranchFunc func(ctx context.Context, index int) (*detection.PipelineResult, error)

// NestedRunner runs nested pipelines on behalf of a node.
type NestedRunner interface {
	// RunNested executes the nested pipeline described by params and
	// collapses its root outputs into one result.
	RunNested(ctx context.Context, params map[string]any, start, end int64) (*detection.PipelineResult, error)

	// FanOut runs branches under the nested fan-out policy and returns their
	// results in branch order.
	FanOut(ctx context.Context, branches int, fn BranchFunc) ([]*detection.PipelineResult, error)
}

// BuildContext is handed to a NodeCreator.
type BuildContext struct {
	// Spec is the node specification
	Spec detection.NodeSpec
	// Start is the inclusive start of the run window in epoch millis
	Start int64
	// End is the exclusive end of the run window in epoch millis
	End int64
	// Built holds the nodes of the same pipeline built so far, by name
	Built map[string]Node
	// Components are the pluggable components available to this run
	Components Components
	// Nested runs nested pipelines
	Nested NestedRunner
	// Logger is never nil
	Logger *zap.Logger
}

// Components holds the pluggable components of an alert, by key.
type Components map[string]any

// Lookup resolves a component reference. A leading "$" is accepted and keys
// match case-insensitively.
func (c Components) Lookup(ref string) (any, bool) {
	key := strings.TrimPrefix(ref, "$")
	if key == "" {
		return nil, false
	}
	if v, ok := c[key]; ok {
		return v, true
	}
	folded := cases.Fold().String(key)
	for k, v := range c {
		if cases.Fold().String(k) == folded {
			return v, true
		}
	}
	return nil, false
}

// Metrics holds executor counters.
type Metrics struct {
	// NodesExecuted is the count of operators that completed
	NodesExecuted int64
	// NodeErrors is the count of operators that failed
	NodeErrors int64
	// Runs is the count of completed runs, nested ones included
	Runs int64
	// ExecutionTimeNs is the total operator time in nanoseconds
	ExecutionTimeNs int64
}

// MetricsCollector collects executor metrics.
type MetricsCollector interface {
	// RecordNode records a completed operator
	RecordNode(durationNs int64)
	// RecordError records a failed operator
	RecordError()
	// RecordRun records a completed run
	RecordRun()
	// GetMetrics returns the current metrics
	GetMetrics() Metrics
}
