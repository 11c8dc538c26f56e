package handler

import (
	"fmt"
	"sync"

	rwerrors "github.com/gxo-labs/runway/pkg/runway/v1/errors"
	"github.com/gxo-labs/runway/pkg/runway/v1/handler"
	"github.com/gxo-labs/runway/pkg/runway/v1/workflow"
)

// StaticRegistry implements handler.Registry on a map guarded by a RWMutex.
// It is the default registry when none is supplied to the coordinator.
type StaticRegistry struct {
	factories map[workflow.NodeType]handler.Factory
	mu        sync.RWMutex
}

// NewStaticRegistry creates an empty registry.
func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{
		factories: make(map[workflow.NodeType]handler.Factory),
	}
}

// Register associates a node type with its factory. Empty names, nil
// factories and duplicates are rejected.
func (r *StaticRegistry) Register(nodeType workflow.NodeType, factory handler.Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if nodeType == "" {
		return rwerrors.NewConfigError("handler registration error: node type cannot be empty", nil)
	}
	if factory == nil {
		return rwerrors.NewConfigError(fmt.Sprintf("handler registration error for '%s': factory cannot be nil", nodeType), nil)
	}
	if _, exists := r.factories[nodeType]; exists {
		return rwerrors.NewConfigError(fmt.Sprintf("handler registration error: duplicate node type '%s'", nodeType), nil)
	}
	r.factories[nodeType] = factory
	return nil
}

// Get retrieves the factory for a node type.
func (r *StaticRegistry) Get(nodeType workflow.NodeType) (handler.Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, exists := r.factories[nodeType]
	if !exists {
		return nil, rwerrors.NewHandlerNotFoundError(string(nodeType))
	}
	return factory, nil
}

// List returns all registered node types.
func (r *StaticRegistry) List() []workflow.NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]workflow.NodeType, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	return types
}

// --- Default global registry, populated from handler init() functions ---

var (
	globalRegistry = NewStaticRegistry()

	_ handler.Registry = (*StaticRegistry)(nil)
)

// Register adds a factory to the global registry. It panics on error because
// it runs from init() and a failure is a programming mistake.
func Register(nodeType workflow.NodeType, factory handler.Factory) {
	if err := globalRegistry.Register(nodeType, factory); err != nil {
		panic(fmt.Errorf("failed to register handler '%s' globally: %w", nodeType, err))
	}
}

// Default returns the global registry holding every compiled-in handler.
func Default() handler.Registry {
	return globalRegistry
}
