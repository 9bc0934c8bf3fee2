package vector

import "sort"

// Registry holds one Store per vector-tagged property key. The defaults
// configure new stores; the dimensionality of each store is fixed by the
// first vector inserted under its key.
type Registry struct {
	defaults Config
	stores   map[uint32]*Store
}

// NewRegistry creates an empty registry.
func NewRegistry(defaults Config) *Registry {
	return &Registry{defaults: defaults, stores: make(map[uint32]*Store)}
}

// Get returns the store for a property key.
func (r *Registry) Get(key uint32) (*Store, bool) {
	s, ok := r.stores[key]
	return s, ok
}

// Ensure returns the store for the key, creating it with the given
// dimensionality on first use.
func (r *Registry) Ensure(key uint32, dims int) (*Store, error) {
	if s, ok := r.stores[key]; ok {
		return s, nil
	}
	cfg := r.defaults
	cfg.Dimensions = dims
	s, err := NewStore(cfg)
	if err != nil {
		return nil, err
	}
	r.stores[key] = s
	return s, nil
}

// Keys returns the property keys with stores, sorted.
func (r *Registry) Keys() []uint32 { return r.sortedKeys() }

func (r *Registry) sortedKeys() []uint32 {
	keys := make([]uint32, 0, len(r.stores))
	for k := range r.stores {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// TotalLive sums live vectors across all stores.
func (r *Registry) TotalLive() uint64 {
	var total uint64
	for _, s := range r.stores {
		total += s.Count()
	}
	return total
}
