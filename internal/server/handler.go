package server

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"example.com/h1core/internal/http1"
	"example.com/h1core/internal/logger"
)

// HandlerFactory creates a handler from a route's opaque handler_config.
type HandlerFactory func(handlerConfig json.RawMessage, lg *logger.Logger) (http1.Handler, error)

// HandlerRegistry maps handler_type strings from the configuration to
// factories. It is safe for concurrent use.
type HandlerRegistry struct {
	mu        sync.RWMutex
	factories map[string]HandlerFactory
}

// NewHandlerRegistry creates an empty HandlerRegistry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		factories: make(map[string]HandlerFactory),
	}
}

// Register associates a handler type with a factory. Registering the same
// type twice is an error.
func (r *HandlerRegistry) Register(handlerType string, factory HandlerFactory) error {
	if factory == nil {
		return fmt.Errorf("factory for handler type '%s' cannot be nil", handlerType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[handlerType]; exists {
		return fmt.Errorf("handler type '%s' already registered", handlerType)
	}
	r.factories[handlerType] = factory
	return nil
}

// GetFactory retrieves the factory registered for handlerType.
func (r *HandlerRegistry) GetFactory(handlerType string) (HandlerFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[handlerType]
	return factory, ok
}

// Types lists the registered handler types in sorted order.
func (r *HandlerRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// CreateHandler instantiates a handler of the given type. It fails if the
// type is unknown or the factory rejects the configuration.
func (r *HandlerRegistry) CreateHandler(handlerType string, handlerConfig json.RawMessage, lg *logger.Logger) (http1.Handler, error) {
	factory, ok := r.GetFactory(handlerType)
	if !ok {
		return nil, fmt.Errorf("no handler factory registered for type '%s'", handlerType)
	}
	h, err := factory(handlerConfig, lg)
	if err != nil {
		return nil, fmt.Errorf("creating handler type '%s': %w", handlerType, err)
	}
	return h, nil
}

// ClearFactories removes every registered factory. Intended for tests.
func (r *HandlerRegistry) ClearFactories() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories = make(map[string]HandlerFactory)
}
