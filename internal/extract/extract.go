// Package extract produces raw record streams from configured sources.
//
// Each source kind maps to an Extractor implementation through a closed
// registry; unknown kinds are rejected when the configuration is validated,
// before any extraction starts. An Extractor yields one lazy, finite,
// forward-only pass per Extract call. A pass is not restartable mid-stream;
// a fresh call re-reads from the supplied resume cursor.
package extract

import (
	"context"
	"fmt"
	"sync"
)

// Record is a single raw record as emitted by an extractor.
type Record = map[string]any

// Iterator provides streaming access to extracted records.
type Iterator interface {
	// Next advances to the next record. Returns false when the pass has
	// ended, either cleanly or on error.
	Next() bool

	// Value returns the current record. Only valid after Next() returns true.
	Value() Record

	// Err distinguishes a clean stop (nil) from a failed pass.
	Err() error

	// Close releases resources. Must be called when done.
	Close() error
}

// Extractor produces one extraction pass per call.
type Extractor interface {
	// Extract starts a pass. since carries the resume cursor from the
	// checkpoint store, empty for a full pull.
	Extract(ctx context.Context, since string) (Iterator, error)
}

// Factory builds an extractor from a source option bag.
type Factory func(options map[string]any) (Extractor, error)

// ErrUnknownKind indicates a source kind with no registered extractor.
type ErrUnknownKind struct {
	Kind string
}

func (e ErrUnknownKind) Error() string {
	return "unknown source kind: " + e.Kind
}

// Registry holds extractor factories indexed by source kind.
type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory for the given kind.
// Panics if the kind is already registered.
func (r *Registry) Register(kind string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[kind]; exists {
		panic(fmt.Sprintf("extractor factory already registered: %s", kind))
	}
	r.factories[kind] = factory
}

// Known reports whether a factory exists for kind.
func (r *Registry) Known(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[kind]
	return ok
}

// Create instantiates an extractor for the given kind.
func (r *Registry) Create(kind string, options map[string]any) (Extractor, error) {
	r.mu.RLock()
	factory, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownKind{Kind: kind}
	}
	return factory(options)
}

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the global extractor registry.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// Register adds a factory to the default registry.
func Register(kind string, factory Factory) {
	defaultRegistry.Register(kind, factory)
}

// Known reports whether kind is registered in the default registry.
func Known(kind string) bool {
	return defaultRegistry.Known(kind)
}

// New creates an extractor from the default registry.
func New(kind string, options map[string]any) (Extractor, error) {
	return defaultRegistry.Create(kind, options)
}
