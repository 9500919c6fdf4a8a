package detection

import "fmt"

// RootNodeName is the name of the node whose outputs are the pipeline output.
const RootNodeName = "root"

// Input declares that a node consumes the output SourceKey of SourceNode
// and binds it to its own input slot TargetInput.
type Input struct {
	SourceNode  string `json:"sourcePlanNode" yaml:"sourcePlanNode"`
	SourceKey   string `json:"sourceProperty" yaml:"sourceProperty"`
	TargetInput string `json:"targetProperty" yaml:"targetProperty"`
}

// NodeSpec is the persisted specification of a single pipeline node.
type NodeSpec struct {
	ID     string         `json:"id,omitempty" yaml:"id,omitempty"`
	Name   string         `json:"name" yaml:"name"`
	Type   string         `json:"type" yaml:"type"`
	Inputs []Input        `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// Param returns a parameter value and whether it was set.
func (s NodeSpec) Param(key string) (any, bool) {
	if s.Params == nil {
		return nil, false
	}
	v, ok := s.Params[key]
	return v, ok
}

// ContextKey addresses one output of one node within a run.
type ContextKey struct {
	NodeName  string
	OutputKey string
}

// Key builds a ContextKey.
func Key(nodeName, outputKey string) ContextKey {
	return ContextKey{NodeName: nodeName, OutputKey: outputKey}
}

func (k ContextKey) String() string {
	return fmt.Sprintf("%s.%s", k.NodeName, k.OutputKey)
}

// Key returns the context key this input reads from.
func (in Input) Key() ContextKey {
	return Key(in.SourceNode, in.SourceKey)
}
