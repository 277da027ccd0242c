package core

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"pkt.systems/cursorwin/schema"
)

// Registry maps source names to cursor sources. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	sources map[schema.SourceName]CursorSource
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[schema.SourceName]CursorSource)}
}

// Register adds or replaces a named source.
func (r *Registry) Register(name string, source CursorSource) error {
	normalized, err := schema.NormalizeSourceName(name)
	if err != nil {
		return err
	}
	if source == nil {
		return fmt.Errorf("register %q: source is nil", normalized)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[normalized] = source
	return nil
}

// Lookup returns the named source.
func (r *Registry) Lookup(name string) (CursorSource, error) {
	normalized, err := schema.NormalizeSourceName(name)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	source, ok := r.sources[normalized]
	if !ok {
		return nil, fmt.Errorf("%w: %s", schema.ErrSourceNotFound, normalized)
	}
	return source, nil
}

// Open opens a cursor on the named source.
func (r *Registry) Open(ctx context.Context, name string) (SessionCursor, error) {
	source, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	return source.OpenCursor(ctx)
}

// Names lists registered sources in sorted order.
func (r *Registry) Names() []schema.SourceName {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]schema.SourceName, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
