package source

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrRegistryFrozen is returned by Register once a run has started.
var ErrRegistryFrozen = errors.New("source: registry is frozen")

// Factory builds an adapter from static options.
type Factory func(opts Options) (Adapter, error)

// Registry maps adapter names to factories. It is built once at startup and
// read-only after Freeze.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	frozen    bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds a factory under a case-insensitive name.
func (r *Registry) Register(name string, factory Factory) error {
	key := normalizeName(name)
	if key == "" {
		return fmt.Errorf("source: adapter name cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("source: nil factory for %q", key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrRegistryFrozen
	}
	if _, ok := r.factories[key]; ok {
		return fmt.Errorf("source: adapter %q already registered", key)
	}
	r.factories[key] = factory
	return nil
}

// MustRegister is Register for package-level wiring that cannot fail at runtime.
func (r *Registry) MustRegister(name string, factory Factory) {
	if err := r.Register(name, factory); err != nil {
		panic(err)
	}
}

// Freeze rejects further registrations.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[normalizeName(name)]
	return ok
}

// Names returns the registered adapter names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build constructs the named adapter. Unknown names, factory failures and
// invalid specs are reported as *ConfigurationError.
func (r *Registry) Build(name string, opts Options) (adapter Adapter, err error) {
	r.mu.RLock()
	factory, ok := r.factories[normalizeName(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, Misconfigured(fmt.Errorf("unknown adapter %q", name))
	}

	defer func() {
		if rec := recover(); rec != nil {
			adapter = nil
			err = Misconfigured(fmt.Errorf("adapter %q factory panicked: %v", name, rec))
		}
	}()

	adapter, err = factory(opts)
	if err != nil {
		var cfgErr *ConfigurationError
		if errors.As(err, &cfgErr) {
			return nil, err
		}
		return nil, Misconfigured(fmt.Errorf("build adapter %q: %w", name, err))
	}
	if adapter == nil {
		return nil, Misconfigured(fmt.Errorf("factory for %q returned nil adapter", name))
	}
	if err := adapter.Spec().Validate(); err != nil {
		return nil, Misconfigured(err)
	}
	return adapter, nil
}
