package adminapi

import (
	"sort"
	"sync"

	"github.com/nakato-labs/chainseq/internal/seqdispatch"
)

// MapRegistry is a simple in-memory Registry, sufficient for a single
// process hosting a handful of named dispatchers.
type MapRegistry struct {
	mu          sync.RWMutex
	dispatchers map[string]*seqdispatch.Dispatcher
}

func NewMapRegistry() *MapRegistry {
	return &MapRegistry{dispatchers: make(map[string]*seqdispatch.Dispatcher)}
}

func (r *MapRegistry) Add(name string, d *seqdispatch.Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatchers[name] = d
}

func (r *MapRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.dispatchers))
	for name := range r.dispatchers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *MapRegistry) Get(name string) (*seqdispatch.Dispatcher, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.dispatchers[name]
	return d, ok
}
