package nodes

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Argus/pkg/components"
	"github.com/wehubfusion/Argus/pkg/concurrency"
	"github.com/wehubfusion/Argus/pkg/detection"
	"github.com/wehubfusion/Argus/pkg/pipeline"
)

func newRegistry() *pipeline.Registry {
	reg := pipeline.NewRegistry()
	RegisterAll(reg)
	return reg
}

// staticBranch is a nested pipeline whose root emits a fixed result.
func staticBranch(ts int64, anomalies ...map[string]any) map[string]any {
	if anomalies == nil {
		anomalies = []map[string]any{}
	}
	return map[string]any{
		pipeline.ParamNodes: []any{
			map[string]any{
				"name": "root",
				"type": TypeStatic,
				"params": map[string]any{
					"result": map[string]any{"lastTimestamp": ts, "anomalies": anomalies},
				},
			},
		},
	}
}

func wrapperSpec(filter string, branches ...map[string]any) detection.NodeSpec {
	nested := make([]any, 0, len(branches))
	for _, b := range branches {
		nested = append(nested, b)
	}
	return detection.NodeSpec{
		Name:   "root",
		Type:   TypeAnomalyFilterWrapper,
		Params: map[string]any{ParamNested: nested, ParamFilter: filter},
	}
}

func TestAnomalyFilterWrapper_FiltersAndConsolidates(t *testing.T) {
	filter := components.FilterFunc(func(a *detection.Anomaly) bool { return a.ID != "C" })
	exec := pipeline.NewExecutor(newRegistry(), pipeline.WithComponents(pipeline.Components{"f": filter}))

	spec := wrapperSpec("$f",
		staticBranch(100, map[string]any{"id": "A", "metricUrn": "m"}),
		staticBranch(-1, map[string]any{"id": "B", "metricUrn": "m", "child": true}),
		staticBranch(50, map[string]any{"id": "C", "metricUrn": "m"}),
	)

	outputs, err := exec.Run(context.Background(), []detection.NodeSpec{spec}, 0, 1000)
	require.NoError(t, err)

	res := outputs[DefaultOutputKey]
	require.NotNil(t, res)
	ids := make([]string, 0, len(res.Anomalies))
	for _, a := range res.Anomalies {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []string{"A", "B"}, ids)
	assert.Equal(t, int64(50), res.LastTimestamp)
}

func TestAnomalyFilterWrapper_AllBranchesWithoutProgress(t *testing.T) {
	exec := pipeline.NewExecutor(newRegistry(), pipeline.WithComponents(pipeline.Components{"all": components.AllowAll{}}))

	spec := wrapperSpec("all", staticBranch(-1), staticBranch(-1))
	outputs, err := exec.Run(context.Background(), []detection.NodeSpec{spec}, 0, 1000)
	require.NoError(t, err)
	assert.Equal(t, detection.NoTimestamp, outputs[DefaultOutputKey].LastTimestamp)
	assert.Empty(t, outputs[DefaultOutputKey].Anomalies)
}

func TestAnomalyFilterWrapper_InjectsMetricURN(t *testing.T) {
	reg := newRegistry()
	reg.Register("Echo", func(bc pipeline.BuildContext) (pipeline.Node, error) {
		urn, _ := bc.Spec.Params[pipeline.ParamMetricURN].(string)
		return &echoNode{BaseNode: pipeline.NewBaseNode(bc), urn: urn}, nil
	})
	exec := pipeline.NewExecutor(reg, pipeline.WithComponents(pipeline.Components{"all": components.AllowAll{}}))

	spec := detection.NodeSpec{
		Name: "root",
		Type: TypeAnomalyFilterWrapper,
		Params: map[string]any{
			ParamFilter:             "$all",
			pipeline.ParamMetricURN: "thirdeye:metric:42",
			ParamNested: []any{
				map[string]any{pipeline.ParamNodes: []any{map[string]any{"name": "root", "type": "Echo"}}},
			},
		},
	}

	outputs, err := exec.Run(context.Background(), []detection.NodeSpec{spec}, 0, 10)
	require.NoError(t, err)
	require.Len(t, outputs[DefaultOutputKey].Anomalies, 1)
	assert.Equal(t, "thirdeye:metric:42", outputs[DefaultOutputKey].Anomalies[0].MetricURN)
}

type echoNode struct {
	pipeline.BaseNode
	urn string
}

func (n *echoNode) BuildOperator(pipeline.Inputs) (pipeline.Operator, error) {
	return pipeline.OperatorFunc(func(context.Context) (map[string]*detection.PipelineResult, error) {
		return map[string]*detection.PipelineResult{
			"out": {Anomalies: []*detection.Anomaly{{MetricURN: n.urn}}, LastTimestamp: 1},
		}, nil
	}), nil
}

func TestAnomalyFilterWrapper_MissingFilter(t *testing.T) {
	exec := pipeline.NewExecutor(newRegistry())

	_, err := exec.Run(context.Background(), []detection.NodeSpec{wrapperSpec("$absent", staticBranch(1))}, 0, 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, pipeline.ErrGraphConfiguration)
	assert.Contains(t, err.Error(), `component "$absent" not found`)

	_, err = exec.Run(context.Background(), []detection.NodeSpec{wrapperSpec("", staticBranch(1))}, 0, 10)
	assert.ErrorIs(t, err, pipeline.ErrGraphConfiguration)
}

func TestAnomalyFilterWrapper_FilterError(t *testing.T) {
	boom := errors.New("filter backend down")
	exec := pipeline.NewExecutor(newRegistry(), pipeline.WithComponents(pipeline.Components{"f": failingFilter{boom}}))

	spec := wrapperSpec("f", staticBranch(1, map[string]any{"id": "A"}))
	_, err := exec.Run(context.Background(), []detection.NodeSpec{spec}, 0, 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, pipeline.ErrOperatorExecution)
}

type failingFilter struct{ err error }

func (f failingFilter) IsQualified(*detection.Anomaly) (bool, error) { return false, f.err }

func TestAnomalyFilterWrapper_NestedFailurePropagates(t *testing.T) {
	exec := pipeline.NewExecutor(newRegistry(), pipeline.WithComponents(pipeline.Components{"all": components.AllowAll{}}))

	broken := map[string]any{pipeline.ParamNodes: []any{map[string]any{"name": "notroot", "type": TypeStatic}}}
	spec := wrapperSpec("all", staticBranch(1), broken)

	outputs, err := exec.Run(context.Background(), []detection.NodeSpec{spec}, 0, 10)
	require.Error(t, err)
	assert.Nil(t, outputs)
	assert.ErrorIs(t, err, pipeline.ErrGraphConfiguration)
}

func TestAnomalyFilterWrapper_ParallelTimeout(t *testing.T) {
	reg := newRegistry()
	reg.Register("Slow", func(bc pipeline.BuildContext) (pipeline.Node, error) {
		return &slowNode{BaseNode: pipeline.NewBaseNode(bc)}, nil
	})
	cfg := pipeline.DefaultFanOutConfig().
		WithStrategy(pipeline.StrategyParallel).
		WithMaxConcurrent(2).
		WithTimeout(30 * time.Millisecond)
	exec := pipeline.NewExecutor(reg,
		pipeline.WithComponents(pipeline.Components{"all": components.AllowAll{}}),
		pipeline.WithFanOut(cfg, nil))

	slow := map[string]any{pipeline.ParamNodes: []any{map[string]any{"name": "root", "type": "Slow"}}}
	spec := wrapperSpec("all", staticBranch(1), slow)

	_, err := exec.Run(context.Background(), []detection.NodeSpec{spec}, 0, 10)
	require.Error(t, err)
	var te *pipeline.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 2, te.Total)
	assert.True(t, pipeline.IsRetryableError(err))
}

type slowNode struct {
	pipeline.BaseNode
}

func (n *slowNode) BuildOperator(pipeline.Inputs) (pipeline.Operator, error) {
	return pipeline.OperatorFunc(func(context.Context) (map[string]*detection.PipelineResult, error) {
		time.Sleep(500 * time.Millisecond)
		return map[string]*detection.PipelineResult{"out": detection.EmptyResult()}, nil
	}), nil
}

// gateNode blocks until every expected caller has reached it.
type gateNode struct {
	pipeline.BaseNode
	wg *sync.WaitGroup
}

func (n *gateNode) BuildOperator(pipeline.Inputs) (pipeline.Operator, error) {
	return pipeline.OperatorFunc(func(context.Context) (map[string]*detection.PipelineResult, error) {
		n.wg.Done()
		n.wg.Wait()
		return map[string]*detection.PipelineResult{"out": detection.EmptyResult()}, nil
	}), nil
}

func TestAnomalyFilterWrapper_NestedParallelWrappers(t *testing.T) {
	var arrived sync.WaitGroup
	arrived.Add(2)
	reg := newRegistry()
	reg.Register("Gate", func(bc pipeline.BuildContext) (pipeline.Node, error) {
		return &gateNode{BaseNode: pipeline.NewBaseNode(bc), wg: &arrived}, nil
	})

	limiter := concurrency.NewLimiter(2)
	cfg := pipeline.DefaultFanOutConfig().
		WithStrategy(pipeline.StrategyParallel).
		WithMaxConcurrent(2)
	exec := pipeline.NewExecutor(reg,
		pipeline.WithComponents(pipeline.Components{"all": components.AllowAll{}}),
		pipeline.WithFanOut(cfg, limiter))

	// Each outer branch holds a slot at the gate before its inner wrapper fans out.
	innerWrapper := func(id string, ts int64) map[string]any {
		return map[string]any{
			pipeline.ParamNodes: []any{
				map[string]any{
					"name": "root",
					"type": TypeAnomalyFilterWrapper,
					"inputs": []any{
						map[string]any{"sourcePlanNode": "gate", "sourceProperty": "out", "targetProperty": "gate"},
					},
					"params": map[string]any{
						ParamFilter: "all",
						ParamNested: []any{
							staticBranch(ts, map[string]any{"id": id + "-a", "metricUrn": "m"}),
							staticBranch(ts+5, map[string]any{"id": id + "-b", "metricUrn": "m"}),
						},
					},
				},
				map[string]any{"name": "gate", "type": "Gate"},
			},
		}
	}
	spec := wrapperSpec("all", innerWrapper("x", 100), innerWrapper("y", 200))

	type outcome struct {
		outputs map[string]*detection.PipelineResult
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		outputs, err := exec.Run(context.Background(), []detection.NodeSpec{spec}, 0, 1000)
		done <- outcome{outputs, err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("nested parallel wrappers did not complete")
	}
	require.NoError(t, o.err)
	res := o.outputs[DefaultOutputKey]
	require.NotNil(t, res)
	ids := make([]string, 0, len(res.Anomalies))
	for _, a := range res.Anomalies {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []string{"x-a", "x-b", "y-a", "y-b"}, ids)
	assert.Equal(t, int64(100), res.LastTimestamp)
	assert.Zero(t, limiter.CurrentActive())
}

func TestCombinerAndForward(t *testing.T) {
	exec := pipeline.NewExecutor(newRegistry())

	specs := []detection.NodeSpec{
		{
			Name: "root",
			Type: TypeForward,
			Inputs: []detection.Input{
				{SourceNode: "combine", SourceKey: "merged", TargetInput: "anything"},
			},
		},
		{
			Name:   "combine",
			Type:   TypeCombiner,
			Params: map[string]any{"outputKey": "merged"},
			Inputs: []detection.Input{
				{SourceNode: "a", SourceKey: "out", TargetInput: "a"},
				{SourceNode: "b", SourceKey: "out", TargetInput: "b"},
			},
		},
		{Name: "a", Type: TypeStatic, Params: map[string]any{"result": map[string]any{
			"lastTimestamp": 300,
			"diagnostics":   map[string]any{"source": "a"},
			"anomalies":     []any{map[string]any{"id": "a1"}},
		}}},
		{Name: "b", Type: TypeStatic, Params: map[string]any{"result": map[string]any{
			"lastTimestamp": 200,
			"diagnostics":   map[string]any{"source": "b"},
			"anomalies":     []any{map[string]any{"id": "b1"}},
		}}},
	}

	outputs, err := exec.Run(context.Background(), specs, 0, 1000)
	require.NoError(t, err)

	res := outputs[DefaultOutputKey]
	require.NotNil(t, res)
	require.Len(t, res.Anomalies, 2)
	assert.Equal(t, "a1", res.Anomalies[0].ID)
	assert.Equal(t, "b1", res.Anomalies[1].ID)
	assert.Equal(t, int64(200), res.LastTimestamp)
	assert.Equal(t, "b", res.Diagnostics["source"])
}

func TestForward_RequiresInput(t *testing.T) {
	exec := pipeline.NewExecutor(newRegistry())
	_, err := exec.Run(context.Background(), []detection.NodeSpec{{Name: "root", Type: TypeForward}}, 0, 1)
	assert.ErrorIs(t, err, pipeline.ErrGraphConfiguration)
}

func TestStatic_DefaultsAndIsolation(t *testing.T) {
	exec := pipeline.NewExecutor(newRegistry())
	specs := []detection.NodeSpec{{Name: "root", Type: "static"}}

	outputs, err := exec.Run(context.Background(), specs, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, detection.NoTimestamp, outputs[DefaultOutputKey].LastTimestamp)

	_, err = exec.Run(context.Background(), []detection.NodeSpec{{Name: "root", Type: TypeStatic, Params: map[string]any{"result": "nope"}}}, 0, 1)
	assert.ErrorIs(t, err, pipeline.ErrGraphConfiguration)
}
