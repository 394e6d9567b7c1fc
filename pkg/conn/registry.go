package conn

import "sync"

// Registry is the ordered set of currently open connections.
// Every operation runs under a single mutex that is held only for the
// slice mutation or copy; no caller code ever runs while it is held.
type Registry struct {
	handles  []Handle
	liveness Liveness
	mu       sync.Mutex
}

// NewRegistry creates a Registry. Unregister uses liveness to sweep entries
// whose connection no longer exists; a nil liveness disables the sweep.
// liveness must keep a connection alive until its close has been handled,
// or the sweep removes connections whose close is still pending.
func NewRegistry(liveness Liveness) *Registry {
	return &Registry{liveness: liveness}
}

// Count returns the number of open connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Register adds the handle of a newly opened connection.
// The transport reports exactly one open per connection, so no
// deduplication is done here.
func (r *Registry) Register(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles = append(r.handles, h)
}

// Unregister removes every entry equal to h, along with any entry whose
// connection has already been destroyed. It returns the number of entries
// removed.
func (r *Registry) Unregister(h Handle) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.handles[:0]
	for _, elem := range r.handles {
		if elem == h {
			continue
		}
		if r.liveness != nil && !r.liveness.Alive(elem) {
			continue
		}
		kept = append(kept, elem)
	}

	removed := len(r.handles) - len(kept)
	// clear the tail so the backing array holds no stale handles
	clear(r.handles[len(kept):])
	r.handles = kept
	return removed
}

// Snapshot returns a copy of the registered handles in registration order.
func (r *Registry) Snapshot() []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Handle, len(r.handles))
	copy(out, r.handles)
	return out
}
