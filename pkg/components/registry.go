package components

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/text/cases"

	"github.com/wehubfusion/Argus/pkg/detection"
	"github.com/wehubfusion/Argus/pkg/pipeline"
)

// Component types registered by NewDefaultRegistry.
const (
	TypeThresholdRuleFilter = "THRESHOLD_RULE_FILTER"
	TypeJavaScriptFilter    = "JAVASCRIPT_FILTER"
	TypeAllowAll            = "ALLOW_ALL"
)

var (
	// ErrUnknownType is returned when no creator is registered for a component type.
	ErrUnknownType = errors.New("unknown component type")

	// ErrInvalidParams is returned when a component's params are invalid.
	ErrInvalidParams = errors.New("invalid component params")
)

// Creator builds a component from its params.
type Creator func(params map[string]any) (any, error)

// Registry maps component types to creators. Type keys are matched
// case-insensitively.
type Registry struct {
	creators map[string]Creator
	mu       sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{creators: make(map[string]Creator)}
}

// NewDefaultRegistry returns a registry holding the built-in components.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(TypeThresholdRuleFilter, func(params map[string]any) (any, error) {
		return NewThresholdRuleFilter(params)
	})
	r.Register(TypeJavaScriptFilter, func(params map[string]any) (any, error) {
		return NewJavaScriptFilter(params)
	})
	r.Register(TypeAllowAll, func(map[string]any) (any, error) {
		return AllowAll{}, nil
	})
	return r
}

// Register registers a creator, replacing any previous one for the type.
func (r *Registry) Register(componentType string, creator Creator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creators[cases.Fold().String(componentType)] = creator
}

// Build creates one component.
func (r *Registry) Build(spec detection.ComponentSpec) (any, error) {
	r.mu.RLock()
	creator, ok := r.creators[cases.Fold().String(spec.Type)]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, spec.Type)
	}
	params := spec.Params
	if params == nil {
		params = map[string]any{}
	}
	return creator(params)
}

// BuildAll creates every component of an alert, keyed as in specs.
func (r *Registry) BuildAll(specs map[string]detection.ComponentSpec) (pipeline.Components, error) {
	keys := make([]string, 0, len(specs))
	for k := range specs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	built := make(pipeline.Components, len(specs))
	for _, key := range keys {
		c, err := r.Build(specs[key])
		if err != nil {
			return nil, fmt.Errorf("component %s: %w", key, err)
		}
		built[key] = c
	}
	return built, nil
}

// LookupFilter resolves ref in c and checks it is an AnomalyFilter.
func LookupFilter(c pipeline.Components, ref string) (AnomalyFilter, error) {
	v, ok := c.Lookup(ref)
	if !ok {
		return nil, fmt.Errorf("component %q not found", ref)
	}
	f, ok := v.(AnomalyFilter)
	if !ok {
		return nil, fmt.Errorf("component %q is a %T, not an anomaly filter", ref, v)
	}
	return f, nil
}
