package store

import (
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/t77yq/hubwatch/internal/model"
)

// Listener is called after every mutation of a collection
type Listener func()

// Collection is an ordered, id-keyed set of records with change notification.
//
// Inserting an unseen id appends it; upserting a known id replaces the record
// in place. Every mutating call notifies listeners exactly once, after the
// mutation, even when nothing changed.
type Collection[T model.Record] struct {
	name   string
	logger *zap.Logger

	mu      sync.RWMutex
	records []T
	index   map[string]int

	lmu       sync.Mutex
	listeners map[uint64]Listener
	nextID    uint64
}

// NewCollection creates an empty collection
func NewCollection[T model.Record](name string, logger *zap.Logger) *Collection[T] {
	return &Collection[T]{
		name:      name,
		logger:    logger.Named("store").With(zap.String("collection", name)),
		index:     make(map[string]int),
		listeners: make(map[uint64]Listener),
	}
}

// Name returns the collection name
func (c *Collection[T]) Name() string {
	return c.name
}

// Upsert inserts record or replaces the record with the same id in place
func (c *Collection[T]) Upsert(record T) {
	id := record.GetID()

	c.mu.Lock()
	if i, ok := c.index[id]; ok {
		c.records[i] = record
	} else {
		c.index[id] = len(c.records)
		c.records = append(c.records, record)
	}
	c.mu.Unlock()

	c.notify()
}

// Remove deletes the record with the given id. Removing an absent id is not an error.
func (c *Collection[T]) Remove(id string) {
	c.mu.Lock()
	if i, ok := c.index[id]; ok {
		records := make([]T, 0, len(c.records)-1)
		records = append(records, c.records[:i]...)
		records = append(records, c.records[i+1:]...)
		c.records = records
		delete(c.index, id)
		for j := i; j < len(c.records); j++ {
			c.index[c.records[j].GetID()] = j
		}
	}
	c.mu.Unlock()

	c.notify()
}

// ReplaceAll swaps the whole contents of the collection.
// A duplicated id keeps its first position and its last value.
func (c *Collection[T]) ReplaceAll(records []T) {
	next := make([]T, 0, len(records))
	index := make(map[string]int, len(records))
	for _, record := range records {
		id := record.GetID()
		if i, ok := index[id]; ok {
			next[i] = record
			continue
		}
		index[id] = len(next)
		next = append(next, record)
	}

	c.mu.Lock()
	c.records = next
	c.index = index
	c.mu.Unlock()

	c.logger.Debug("Collection replaced", zap.Int("count", len(next)))
	c.notify()
}

// Snapshot returns a copy of the current records in order
func (c *Collection[T]) Snapshot() []T {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]T, len(c.records))
	copy(out, c.records)
	return out
}

// Get returns the record with the given id
func (c *Collection[T]) Get(id string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if i, ok := c.index[id]; ok {
		return c.records[i], true
	}
	var zero T
	return zero, false
}

// Len returns the number of records
func (c *Collection[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// OnChange registers fn to be called after each mutation and returns a function that removes it
func (c *Collection[T]) OnChange(fn Listener) func() {
	c.lmu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.lmu.Lock()
			delete(c.listeners, id)
			c.lmu.Unlock()
		})
	}
}

// snapshotRecords returns the snapshot as generic records for the registry
func (c *Collection[T]) snapshotRecords() []model.Record {
	snapshot := c.Snapshot()
	out := make([]model.Record, len(snapshot))
	for i, record := range snapshot {
		out[i] = record
	}
	return out
}

// notify calls the listeners registered at the time of the call, in registration order.
// It runs outside the data lock so listeners may read the collection.
func (c *Collection[T]) notify() {
	c.lmu.Lock()
	ids := make([]uint64, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	listeners := make([]Listener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, c.listeners[id])
	}
	c.lmu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}
