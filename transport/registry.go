// File: transport/registry.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"fmt"

	"github.com/momentics/evnet/api"
)

// Registry maps adapter ids to adapter instances. It is populated once at
// startup, passed by reference into the engine constructor, and treated as
// immutable afterwards. There is deliberately no ambient global registry:
// independent engine instances stay independently testable.
type Registry struct {
	adapters [numTransports]api.Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// DefaultRegistry returns a registry with all declared transports mounted.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, t := range All() {
		if err := t.Mount(r); err != nil {
			// All() mounts each id exactly once.
			panic(fmt.Sprintf("transport: default registry: %v", err))
		}
	}
	return r
}

// Mount binds an adapter instance to an id. Mounting twice or out of range
// is a configuration bug and is rejected.
func (r *Registry) Mount(id uint8, a api.Adapter) error {
	if int(id) >= Count {
		return fmt.Errorf("transport: mount id %d out of range [0,%d)", id, Count)
	}
	if a == nil {
		return fmt.Errorf("transport: mount id %d: nil adapter", id)
	}
	if r.adapters[id] != nil {
		return fmt.Errorf("transport: id %d already mounted", id)
	}
	r.adapters[id] = a
	return nil
}

// Mounted reports whether an adapter is bound to id.
func (r *Registry) Mounted(id uint8) bool {
	return int(id) < Count && r.adapters[id] != nil
}

// Adapter resolves an id to its adapter instance. Looking up an unmounted
// id is a programming error, not a runtime failure mode: Validate rejects
// such configurations before the engine starts.
func (r *Registry) Adapter(id uint8) api.Adapter {
	if !r.Mounted(id) {
		panic(fmt.Sprintf("transport: adapter id %d not mounted", id))
	}
	return r.adapters[id]
}

// Validate checks that every transport in ts is mounted. The engine calls
// it at construction so unmounted lookups never reach connection time.
func (r *Registry) Validate(ts ...Transport) error {
	for _, t := range ts {
		if !r.Mounted(t.ID()) {
			return fmt.Errorf("transport: %s (id %d) not mounted", t, t.ID())
		}
	}
	return nil
}
