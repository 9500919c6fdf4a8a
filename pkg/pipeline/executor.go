package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Argus/pkg/concurrency"
	"github.com/wehubfusion/Argus/pkg/detection"
)

// Nested pipeline parameters understood by RunNested.
const (
	ParamNodes     = "nodes"
	ParamOutputKey = "outputKey"
	ParamMetricURN = "metricUrn"
)

// Executor builds and runs pipelines. It holds no per-run state and may be
// shared by concurrent runs; each run gets its own Context.
type Executor struct {
	registry   *Registry
	components Components
	fanOut     *FanOut
	logger     *zap.Logger
	tracer     trace.Tracer
	metrics    MetricsCollector
}

// Option configures an Executor.
type Option func(*Executor)

// WithComponents sets the pluggable components available to nodes.
func WithComponents(c Components) Option {
	return func(e *Executor) { e.components = c }
}

// WithFanOut sets the nested fan-out policy and an optional shared limiter.
func WithFanOut(cfg FanOutConfig, limiter *concurrency.Limiter) Option {
	return func(e *Executor) { e.fanOut = NewFanOut(cfg, limiter) }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Executor) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m MetricsCollector) Option {
	return func(e *Executor) {
		if m != nil {
			e.metrics = m
		}
	}
}

// NewExecutor creates an executor over registry.
func NewExecutor(registry *Registry, opts ...Option) *Executor {
	e := &Executor{
		registry:   registry,
		components: Components{},
		fanOut:     NewFanOut(DefaultFanOutConfig(), nil),
		logger:     zap.NewNop(),
		tracer:     otel.Tracer("github.com/wehubfusion/Argus/pkg/pipeline"),
		metrics:    noOpMetricsCollector{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run builds the pipeline described by specs for the window [start, end),
// resolves it from the root node and returns the root's outputs keyed by
// output key. Nodes the root does not depend on are never executed. Any
// failure aborts the run and nothing partial is returned.
func (e *Executor) Run(ctx context.Context, specs []detection.NodeSpec, start, end int64) (map[string]*detection.PipelineResult, error) {
	ctx, span := e.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.Int("pipeline.nodes", len(specs)),
		attribute.Int64("pipeline.start", start),
		attribute.Int64("pipeline.end", end),
	))
	defer span.End()

	r, err := e.build(specs, start, end)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build failed")
		return nil, err
	}

	if err := r.resolve(ctx, detection.RootNodeName); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve failed")
		e.logger.Debug("Pipeline run failed",
			zap.Int("nodes_executed", len(r.done)),
			zap.Error(err))
		return nil, err
	}

	e.metrics.RecordRun()
	span.SetAttributes(attribute.Int("pipeline.nodes_executed", len(r.done)))
	return r.values.OutputsOf(detection.RootNodeName), nil
}

// RunNested runs the pipeline held in params[ParamNodes] and collapses the
// nested root's outputs into a single result: params[ParamOutputKey] when
// set, otherwise every output combined in key order. A ParamMetricURN value
// is injected into every nested node whose params lack one.
func (e *Executor) RunNested(ctx context.Context, params map[string]any, start, end int64) (*detection.PipelineResult, error) {
	specs, err := DecodeNodeSpecs(params[ParamNodes])
	if err != nil {
		return nil, NewGraphConfigurationError("", "invalid nested pipeline", err)
	}
	if len(specs) == 0 {
		return nil, NewGraphConfigurationError("", "nested pipeline has no nodes", nil)
	}

	if urn, ok := params[ParamMetricURN].(string); ok && urn != "" {
		for i := range specs {
			if _, set := specs[i].Param(ParamMetricURN); set {
				continue
			}
			p := make(map[string]any, len(specs[i].Params)+1)
			for k, v := range specs[i].Params {
				p[k] = v
			}
			p[ParamMetricURN] = urn
			specs[i].Params = p
		}
	}

	outputs, err := e.Run(ctx, specs, start, end)
	if err != nil {
		return nil, err
	}

	if key, ok := params[ParamOutputKey].(string); ok && key != "" {
		res, exists := outputs[key]
		if !exists {
			return nil, NewGraphConfigurationError(detection.RootNodeName, fmt.Sprintf("nested root has no output %q", key), nil)
		}
		return detection.Combine(res), nil
	}

	return CombineOutputs(outputs), nil
}

// FanOut runs branches under the executor's fan-out policy.
func (e *Executor) FanOut(ctx context.Context, branches int, fn BranchFunc) ([]*detection.PipelineResult, error) {
	return e.fanOut.Run(ctx, branches, fn)
}

// CombineOutputs combines a node's outputs in output key order.
func CombineOutputs(outputs map[string]*detection.PipelineResult) *detection.PipelineResult {
	keys := make([]string, 0, len(outputs))
	for k := range outputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]*detection.PipelineResult, 0, len(keys))
	for _, k := range keys {
		ordered = append(ordered, outputs[k])
	}
	return detection.Combine(ordered...)
}

// DecodeNodeSpecs accepts either []detection.NodeSpec or the generic form
// produced by decoding JSON or YAML params.
func DecodeNodeSpecs(v any) ([]detection.NodeSpec, error) {
	switch specs := v.(type) {
	case nil:
		return nil, fmt.Errorf("missing %q", ParamNodes)
	case []detection.NodeSpec:
		return append([]detection.NodeSpec(nil), specs...), nil
	}

	raw, err := json.Marshal(normalizeYAML(v))
	if err != nil {
		return nil, fmt.Errorf("failed to encode nested nodes: %w", err)
	}
	var specs []detection.NodeSpec
	if err := json.Unmarshal(raw, &specs); err != nil {
		return nil, fmt.Errorf("failed to decode nested nodes: %w", err)
	}
	return specs, nil
}

// normalizeYAML converts map[any]any values, which encoding/json rejects,
// into map[string]any.
func normalizeYAML(v any) any {
	switch x := v.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, val := range x {
			m[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, val := range x {
			m[k] = normalizeYAML(val)
		}
		return m
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = normalizeYAML(val)
		}
		return out
	default:
		return v
	}
}

// run is the state of one pipeline execution.
type run struct {
	exec   *Executor
	nodes  map[string]Node
	values *Context

	// inProgress holds nodes whose inputs are being resolved; path is the
	// same set in resolution order, for error reporting.
	inProgress map[string]bool
	path       []string
	done       map[string]bool
}

func (e *Executor) build(specs []detection.NodeSpec, start, end int64) (*run, error) {
	seen := make(map[string]bool, len(specs))
	for _, s := range specs {
		if s.Name == "" {
			return nil, NewGraphConfigurationError("", fmt.Sprintf("node of type %q has no name", s.Type), nil)
		}
		if seen[s.Name] {
			return nil, NewGraphConfigurationError(s.Name, "duplicate node name", nil)
		}
		seen[s.Name] = true
	}
	if !seen[detection.RootNodeName] {
		return nil, NewGraphConfigurationError("", fmt.Sprintf("no node named %q", detection.RootNodeName), nil)
	}

	built := make(map[string]Node, len(specs))
	for _, s := range specs {
		node, err := e.registry.Build(BuildContext{
			Spec:       s,
			Start:      start,
			End:        end,
			Built:      built,
			Components: e.components,
			Nested:     e,
			Logger:     e.logger.With(zap.String("node", s.Name)),
		})
		if err != nil {
			return nil, NewGraphConfigurationError(s.Name, "failed to build node", err)
		}
		built[s.Name] = node
	}

	return &run{
		exec:       e,
		nodes:      built,
		values:     NewContext(),
		inProgress: make(map[string]bool),
		done:       make(map[string]bool),
	}, nil
}

// resolve executes name after resolving every input it needs. Each node
// executes at most once per run.
func (r *run) resolve(ctx context.Context, name string) error {
	if r.done[name] {
		return nil
	}
	if r.inProgress[name] {
		path := append(append([]string(nil), r.path...), name)
		return &CycleDetectedError{Path: path}
	}

	node, ok := r.nodes[name]
	if !ok {
		return NewGraphConfigurationError(name, "dangling reference to unknown node", nil)
	}

	r.inProgress[name] = true
	r.path = append(r.path, name)

	spec := node.Spec()
	inputs := make(Inputs, len(spec.Inputs))
	for _, in := range spec.Inputs {
		key := in.Key()
		if !r.values.Has(key) {
			if _, known := r.nodes[in.SourceNode]; !known {
				return NewGraphConfigurationError(name, fmt.Sprintf("dangling reference %s: unknown source node", key), nil)
			}
			if err := r.resolve(ctx, in.SourceNode); err != nil {
				return err
			}
		}
		value, exists := r.values.Get(key)
		if !exists {
			return NewGraphConfigurationError(name, fmt.Sprintf("dangling reference %s: source produced no such output", key), nil)
		}
		inputs[in.TargetInput] = value
	}

	if err := r.execute(ctx, node, inputs); err != nil {
		return err
	}

	delete(r.inProgress, name)
	r.path = r.path[:len(r.path)-1]
	r.done[name] = true
	return nil
}

func (r *run) execute(ctx context.Context, node Node, inputs Inputs) error {
	e := r.exec
	ctx, span := e.tracer.Start(ctx, "pipeline.node", trace.WithAttributes(
		attribute.String("node.name", node.Name()),
		attribute.String("node.type", node.Type()),
	))
	defer span.End()

	fail := func(phase string, err error) error {
		e.metrics.RecordError()
		span.RecordError(err)
		span.SetStatus(codes.Error, phase+" failed")
		if isTyped(err) {
			return err
		}
		return &OperatorExecutionError{Node: node.Name(), NodeType: node.Type(), Phase: phase, Cause: err}
	}

	op, err := node.BuildOperator(inputs)
	if err != nil {
		return fail("build", err)
	}

	startTime := time.Now()
	outputs, err := op.Execute(ctx)
	if err != nil {
		return fail("execute", err)
	}
	elapsed := time.Since(startTime)

	keys := make([]string, 0, len(outputs))
	for k := range outputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := r.values.Put(detection.Key(node.Name(), k), outputs[k]); err != nil {
			return NewGraphConfigurationError(node.Name(), "output written twice", err)
		}
	}

	e.metrics.RecordNode(elapsed.Nanoseconds())
	e.logger.Debug("Node executed",
		zap.String("node", node.Name()),
		zap.String("type", node.Type()),
		zap.Strings("outputs", keys),
		zap.Duration("duration", elapsed))
	return nil
}
