// Package registry maps resource-type names to resource-manager factories.
//
// The table is populated once at process start. Factories are not invoked
// until Resolve is called, so unused bindings cost nothing. Descriptors are
// available without invoking a factory, which lets policy validation check
// filter and action parameters before any provider client exists.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cloudsteward/steward/pkg/engine"
	"github.com/cloudsteward/steward/pkg/resources"
)

// DefaultProvider is the namespace assumed for names without a provider prefix.
const DefaultProvider = "aws"

// Factory builds the resource manager for one resource type.
type Factory func(opts resources.Options) (*resources.Manager, error)

// ForType returns a factory that builds a standard manager for rt.
func ForType(rt engine.ResourceType) Factory {
	return func(opts resources.Options) (*resources.Manager, error) {
		return resources.New(rt, opts)
	}
}

type entry struct {
	descriptor engine.ResourceType
	factory    Factory
}

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a resource type. Registering a name twice fails with
// DuplicateResourceType.
func (r *Registry) Register(rt engine.ResourceType, factory Factory) error {
	if rt.Name == "" {
		return fmt.Errorf("resource type name is required")
	}
	if rt.IDField == "" {
		return fmt.Errorf("resource type %s: id field is required", rt.Name)
	}
	if factory == nil {
		factory = ForType(rt)
	}
	if rt.Provider == "" {
		rt.Provider = providerOf(rt.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[rt.Name]; exists {
		return &engine.EngineError{
			Class:   engine.ErrorClassPermanent,
			Code:    engine.ErrCodeDuplicateResourceType,
			Message: fmt.Sprintf("resource type %q already registered", rt.Name),
		}
	}
	r.entries[rt.Name] = entry{descriptor: rt, factory: factory}
	return nil
}

// MustRegister is Register for static tables; it panics on error.
func (r *Registry) MustRegister(rt engine.ResourceType, factory Factory) {
	if err := r.Register(rt, factory); err != nil {
		panic(err)
	}
}

// Canonical returns the registered form of name. A name without a provider
// prefix is looked up under DefaultProvider ("ec2" is "aws.ec2").
func (r *Registry) Canonical(name string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.entries[name]; ok {
		return name, nil
	}
	if !strings.Contains(name, ".") {
		alias := DefaultProvider + "." + name
		if _, ok := r.entries[alias]; ok {
			return alias, nil
		}
	}
	return "", engine.NewUnknownResourceTypeError(name)
}

// Describe returns the descriptor for name without invoking its factory.
func (r *Registry) Describe(name string) (engine.ResourceType, error) {
	canonical, err := r.Canonical(name)
	if err != nil {
		return engine.ResourceType{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[canonical].descriptor, nil
}

// Resolve returns the factory for name, or UnknownResourceType.
func (r *Registry) Resolve(name string) (Factory, error) {
	canonical, err := r.Canonical(name)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[canonical].factory, nil
}

// Manager resolves name and invokes its factory.
func (r *Registry) Manager(name string, opts resources.Options) (*resources.Manager, error) {
	factory, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	m, err := factory(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to build manager for %s: %w", name, err)
	}
	return m, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Descriptors returns every registered descriptor, sorted by name.
func (r *Registry) Descriptors() []engine.ResourceType {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]engine.ResourceType, 0, len(names))
	for _, name := range names {
		out = append(out, r.entries[name].descriptor)
	}
	return out
}

// Len returns the number of registered types.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func providerOf(name string) string {
	if i := strings.Index(name, "."); i > 0 {
		return name[:i]
	}
	return DefaultProvider
}
