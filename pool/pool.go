// File: pool/pool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pool

import (
	"sync"
	"sync/atomic"

	"github.com/momentics/evnet/api"
)

// ResourcePool maps stable handles to live resources. Insertion happens on
// connect/accept, removal on close/disconnect. Removal is idempotent: a
// local close request and a peer-driven failure can race to remove the
// same resource, and the loser must be a no-op.
//
// Handles are built from a monotonic sequence and are never recycled, so a
// handle can never be reassigned while an in-flight event still references
// its previous occupant.
type ResourcePool struct {
	mu  sync.RWMutex
	res map[api.ResourceID]*Resource
	seq atomic.Uint64
}

// NewResourcePool returns an empty pool.
func NewResourcePool() *ResourcePool {
	return &ResourcePool{res: make(map[api.ResourceID]*Resource)}
}

// AddRemote registers a connection resource and assigns its handle.
func (p *ResourcePool) AddRemote(adapter uint8, rem api.Remote) *Resource {
	id := api.MakeResourceID(adapter, api.RoleRemote, p.seq.Add(1))
	r := newResource(id)
	r.remote = rem
	p.mu.Lock()
	p.res[id] = r
	p.mu.Unlock()
	return r
}

// AddLocal registers a listener resource and assigns its handle.
func (p *ResourcePool) AddLocal(adapter uint8, loc api.Local) *Resource {
	id := api.MakeResourceID(adapter, api.RoleLocal, p.seq.Add(1))
	r := newResource(id)
	r.local = loc
	p.mu.Lock()
	p.res[id] = r
	p.mu.Unlock()
	return r
}

// Get resolves a handle to its live resource.
func (p *ResourcePool) Get(id api.ResourceID) (*Resource, bool) {
	p.mu.RLock()
	r, ok := p.res[id]
	p.mu.RUnlock()
	return r, ok
}

// Remove forgets a handle. Removing an already-removed handle is a no-op;
// the return value reports whether this call performed the removal.
func (p *ResourcePool) Remove(id api.ResourceID) bool {
	p.mu.Lock()
	_, ok := p.res[id]
	if ok {
		delete(p.res, id)
	}
	p.mu.Unlock()
	return ok
}

// Snapshot returns the current resources, for shutdown sweeps.
func (p *ResourcePool) Snapshot() []*Resource {
	p.mu.RLock()
	out := make([]*Resource, 0, len(p.res))
	for _, r := range p.res {
		out = append(out, r)
	}
	p.mu.RUnlock()
	return out
}

// Len reports the number of live resources.
func (p *ResourcePool) Len() int {
	p.mu.RLock()
	n := len(p.res)
	p.mu.RUnlock()
	return n
}
