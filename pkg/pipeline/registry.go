package pipeline

import (
	"fmt"
	"sort"
	"sync"

	"golang.org/x/text/cases"
)

// Registry maps node types to their creators. Type keys are matched
// case-insensitively. It is safe for concurrent use and is normally
// populated once at startup.
type Registry struct {
	creators map[string]registration
	mu       sync.RWMutex
}

type registration struct {
	nodeType string
	creator  NodeCreator
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		creators: make(map[string]registration),
	}
}

func foldType(nodeType string) string {
	return cases.Fold().String(nodeType)
}

// Register registers a creator for a node type.
// If a creator already exists for the type, it is overwritten.
func (r *Registry) Register(nodeType string, creator NodeCreator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creators[foldType(nodeType)] = registration{nodeType: nodeType, creator: creator}
}

// MustRegister registers a creator and panics if the type is already taken.
func (r *Registry) MustRegister(nodeType string, creator NodeCreator) {
	if r.HasCreator(nodeType) {
		panic(fmt.Sprintf("pipeline: node type %q registered twice", nodeType))
	}
	r.Register(nodeType, creator)
}

// Build creates the node described by bc.Spec.
// Returns ErrNoCreator if no creator is registered for the type.
func (r *Registry) Build(bc BuildContext) (Node, error) {
	r.mu.RLock()
	reg, exists := r.creators[foldType(bc.Spec.Type)]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNoCreator, bc.Spec.Type)
	}

	node, err := reg.creator(bc)
	if err != nil {
		return nil, fmt.Errorf("failed to create node %s (%s): %w", bc.Spec.Name, bc.Spec.Type, err)
	}

	return node, nil
}

// HasCreator checks if a creator exists for a node type.
func (r *Registry) HasCreator(nodeType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.creators[foldType(nodeType)]
	return exists
}

// RegisteredTypes returns all registered node types, sorted.
func (r *Registry) RegisteredTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.creators))
	for _, reg := range r.creators {
		types = append(types, reg.nodeType)
	}
	sort.Strings(types)
	return types
}

// Unregister removes the creator for a node type.
// Returns true if a creator was removed, false if none existed.
func (r *Registry) Unregister(nodeType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := foldType(nodeType)
	if _, exists := r.creators[key]; exists {
		delete(r.creators, key)
		return true
	}
	return false
}

// Count returns the number of registered creators.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.creators)
}
