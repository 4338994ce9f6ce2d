package deck

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Registry is the process-wide keyed container of units. The harness inserts
// units at creation; the selection watcher only reads. Units are never
// destroyed by the core, so there is no Delete.
type Registry struct {
	mu    sync.RWMutex
	units map[string]*Unit

	// changes counts Put calls, exposed for the control surfaces.
	changes atomic.Int64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{units: make(map[string]*Unit)}
}

// Put inserts a unit under its ID. Unit IDs are unique across the registry;
// inserting a duplicate is an error.
func (r *Registry) Put(u *Unit) error {
	if u == nil || u.ID() == "" {
		return fmt.Errorf("deck: put: unit must have an ID")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.units[u.ID()]; exists {
		return fmt.Errorf("deck: unit already registered: %s", u.ID())
	}
	r.units[u.ID()] = u
	r.changes.Add(1)
	return nil
}

// Get returns the unit for the given ID, or nil when absent.
func (r *Registry) Get(unitID string) *Unit {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.units[unitID]
}

// Keys returns all unit IDs in lexical order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.units))
	for id := range r.units {
		keys = append(keys, id)
	}
	sort.Strings(keys)
	return keys
}

// Size returns the number of registered units.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.units)
}

// Changes returns the number of Put calls since creation.
func (r *Registry) Changes() int64 { return r.changes.Load() }
