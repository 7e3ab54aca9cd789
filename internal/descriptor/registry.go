package descriptor

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds descriptor variants keyed by descriptor type.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]Descriptor
}

// NewRegistry creates an empty descriptor registry.
func NewRegistry() *Registry {
	return &Registry{
		descriptors: make(map[string]Descriptor),
	}
}

// NewDefaultRegistry registers the Boutiques and CWL variants driving the
// bosh and cwltool executables found on PATH.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(TypeBoutiques, &Boutiques{})
	r.Register(TypeCWL, &CWL{})
	return r
}

// Register adds a descriptor variant under the given type.
func (r *Registry) Register(typ string, d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descriptors[typ] = d
}

// Resolve returns the variant for typ, or an error wrapping ErrUnsupportedType.
func (r *Registry) Resolve(typ string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.descriptors[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, typ)
	}
	return d, nil
}

// Types returns the registered descriptor types, sorted by name.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.descriptors))
	for typ := range r.descriptors {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}
