package store

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/t77yq/hubwatch/internal/model"
)

// ErrUnknownCollection is returned when a collection name is not registered
var ErrUnknownCollection = errors.New("unknown collection")

// named is the type-erased view of a Collection used by the Registry
type named interface {
	Name() string
	OnChange(fn Listener) func()
	snapshotRecords() []model.Record
}

// Registry gives read access to collections by name
type Registry struct {
	mu          sync.RWMutex
	collections map[string]named
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{collections: make(map[string]named)}
}

// Register adds a collection to r and returns it. Registering a name twice replaces the earlier collection.
func Register[T model.Record](r *Registry, c *Collection[T]) *Collection[T] {
	r.mu.Lock()
	r.collections[c.Name()] = c
	r.mu.Unlock()
	return c
}

// Snapshot returns the current records of the named collection
func (r *Registry) Snapshot(name string) ([]model.Record, error) {
	c, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	return c.snapshotRecords(), nil
}

// OnChange registers fn on the named collection
func (r *Registry) OnChange(name string, fn Listener) (func(), error) {
	c, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	return c.OnChange(fn), nil
}

// Names returns the registered collection names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.collections))
	for name := range r.collections {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (r *Registry) lookup(name string) (named, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.collections[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, name)
	}
	return c, nil
}
