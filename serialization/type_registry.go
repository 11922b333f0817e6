package serialization

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/glimte/cfx-go/contracts"
)

// TypeRegistry maps message names to the concrete body types of the catalog
type TypeRegistry interface {
	// Register registers a body type under its message name
	Register(msg contracts.Message) error

	// RegisterName registers a body type under an explicit message name
	RegisterName(name string, msg contracts.Message) error

	// New creates a zero value of the type registered for name
	New(name string) (contracts.Message, error)

	// IsRegistered checks if a message name is registered
	IsRegistered(name string) bool

	// ListTypes returns all registered message names, sorted
	ListTypes() []string
}

// DefaultTypeRegistry is the default implementation of TypeRegistry
type DefaultTypeRegistry struct {
	types map[string]reflect.Type
	mu    sync.RWMutex
}

// NewTypeRegistry creates an empty type registry
func NewTypeRegistry() *DefaultTypeRegistry {
	return &DefaultTypeRegistry{
		types: make(map[string]reflect.Type),
	}
}

// NewCatalogRegistry creates a registry holding the built-in catalog
func NewCatalogRegistry() *DefaultTypeRegistry {
	r := NewTypeRegistry()
	for _, msg := range []contracts.Message{
		&contracts.EndpointConnected{},
		&contracts.EndpointShuttingDown{},
		&contracts.AreYouThereRequest{},
		&contracts.AreYouThereResponse{},
		&contracts.NotSupportedResponse{},
	} {
		// built-in names are unique
		_ = r.Register(msg)
	}
	return r
}

// Register registers a body type under its message name
func (r *DefaultTypeRegistry) Register(msg contracts.Message) error {
	if msg == nil {
		return fmt.Errorf("message type cannot be nil")
	}
	return r.RegisterName(msg.MessageName(), msg)
}

// RegisterName registers a body type under an explicit message name
func (r *DefaultTypeRegistry) RegisterName(name string, msg contracts.Message) error {
	if name == "" {
		return fmt.Errorf("message name cannot be empty")
	}
	if msg == nil {
		return fmt.Errorf("message type cannot be nil")
	}

	t := reflect.TypeOf(msg)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return fmt.Errorf("message type must be a struct, got %v", t.Kind())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.types[name]; exists {
		if existing == t {
			return nil
		}
		return fmt.Errorf("message name %s already registered to %v", name, existing)
	}

	r.types[name] = t
	return nil
}

// New creates a pointer to a zero value of the type registered for name
func (r *DefaultTypeRegistry) New(name string) (contracts.Message, error) {
	r.mu.RLock()
	t, exists := r.types[name]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("message name %s not registered", name)
	}

	msg, ok := reflect.New(t).Interface().(contracts.Message)
	if !ok {
		return nil, fmt.Errorf("type %v does not implement Message", t)
	}
	return msg, nil
}

// IsRegistered checks if a message name is registered
func (r *DefaultTypeRegistry) IsRegistered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.types[name]
	return exists
}

// ListTypes returns all registered message names, sorted
func (r *DefaultTypeRegistry) ListTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

var globalRegistry = NewCatalogRegistry()

// GetGlobalRegistry returns the process-wide catalog registry
func GetGlobalRegistry() TypeRegistry {
	return globalRegistry
}
