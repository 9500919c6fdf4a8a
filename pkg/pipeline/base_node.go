package pipeline

import (
	"fmt"
	"math"
	"strconv"

	"github.com/wehubfusion/Argus/pkg/detection"
)

// BaseNode provides common functionality for pipeline nodes.
// Embed this in node implementations.
type BaseNode struct {
	spec  detection.NodeSpec
	start int64
	end   int64
}

// NewBaseNode creates a base node from a build context.
func NewBaseNode(bc BuildContext) BaseNode {
	spec := bc.Spec
	if spec.Params == nil {
		spec.Params = make(map[string]any)
	}
	return BaseNode{spec: spec, start: bc.Start, end: bc.End}
}

// Name returns the node name.
func (n *BaseNode) Name() string {
	return n.spec.Name
}

// Type returns the node type.
func (n *BaseNode) Type() string {
	return n.spec.Type
}

// Spec returns the node specification.
func (n *BaseNode) Spec() detection.NodeSpec {
	return n.spec
}

// Window returns the run window the node was built for.
func (n *BaseNode) Window() (start, end int64) {
	return n.start, n.end
}

// Param returns a parameter value.
func (n *BaseNode) Param(key string) any {
	return n.spec.Params[key]
}

// ParamString returns a parameter as string.
func (n *BaseNode) ParamString(key string) string {
	if v, ok := n.spec.Params[key].(string); ok {
		return v
	}
	return ""
}

// ParamStringWithDefault returns a parameter as string with default.
func (n *BaseNode) ParamStringWithDefault(key, defaultVal string) string {
	if v := n.ParamString(key); v != "" {
		return v
	}
	return defaultVal
}

// ParamFloat returns a numeric parameter, NaN when unset or not a number.
func (n *BaseNode) ParamFloat(key string) float64 {
	return ToFloat(n.spec.Params[key])
}

// ToFloat converts a decoded parameter value to float64. Values that are not
// numbers yield NaN.
func ToFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case int32:
		return float64(x)
	case uint64:
		return float64(x)
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return math.NaN()
		}
		return f
	default:
		return math.NaN()
	}
}

// RequireInput returns the named input or an error when it was not bound.
func RequireInput(inputs Inputs, name string) (*detection.PipelineResult, error) {
	v, ok := inputs[name]
	if !ok {
		return nil, fmt.Errorf("input %q is not bound", name)
	}
	return v, nil
}
