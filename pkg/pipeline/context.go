package pipeline

import (
	"fmt"
	"sort"

	"github.com/wehubfusion/Argus/pkg/detection"
)

// Context holds every value produced during one run, keyed by the producing
// node and output key. Each key is written at most once. A Context belongs
// to a single run and is not safe for concurrent use.
type Context struct {
	values map[detection.ContextKey]*detection.PipelineResult
}

// NewContext creates an empty execution context.
func NewContext() *Context {
	return &Context{values: make(map[detection.ContextKey]*detection.PipelineResult)}
}

// Has reports whether key has been written.
func (c *Context) Has(key detection.ContextKey) bool {
	_, ok := c.values[key]
	return ok
}

// Get returns the value stored under key.
func (c *Context) Get(key detection.ContextKey) (*detection.PipelineResult, bool) {
	v, ok := c.values[key]
	return v, ok
}

// Put stores value under key. Writing a key twice is rejected.
func (c *Context) Put(key detection.ContextKey, value *detection.PipelineResult) error {
	if _, exists := c.values[key]; exists {
		return fmt.Errorf("context key %s already written", key)
	}
	c.values[key] = value
	return nil
}

// OutputsOf returns every value written by node, keyed by output key.
func (c *Context) OutputsOf(node string) map[string]*detection.PipelineResult {
	out := make(map[string]*detection.PipelineResult)
	for k, v := range c.values {
		if k.NodeName == node {
			out[k.OutputKey] = v
		}
	}
	return out
}

// Keys returns all written keys in a stable order.
func (c *Context) Keys() []detection.ContextKey {
	keys := make([]detection.ContextKey, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].NodeName != keys[j].NodeName {
			return keys[i].NodeName < keys[j].NodeName
		}
		return keys[i].OutputKey < keys[j].OutputKey
	})
	return keys
}

// Len returns the number of written keys.
func (c *Context) Len() int {
	return len(c.values)
}
