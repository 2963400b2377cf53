package dc

import (
	"sort"
	"sync"
)

// Registry is the process-wide arena of DC records, indexed by DC id.
type Registry struct {
	mu  sync.RWMutex
	dcs map[int32]*DC
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{dcs: make(map[int32]*DC)}
}

// Get returns the DC with the given id, or nil.
func (r *Registry) Get(id int32) *DC {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dcs[id]
}

// GetOrCreate returns the DC with the given id, allocating it on first use.
func (r *Registry) GetOrCreate(id int32) *DC {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.dcs[id]; ok {
		return d
	}
	d := New(id)
	r.dcs[id] = d
	return d
}

// Len returns the number of registered DCs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.dcs)
}

// Iterate calls fn for every DC in ascending id order.
func (r *Registry) Iterate(fn func(*DC)) {
	r.mu.RLock()
	ids := make([]int32, 0, len(r.dcs))
	for id := range r.dcs {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if d := r.Get(id); d != nil {
			fn(d)
		}
	}
}
