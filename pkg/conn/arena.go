package conn

import "sync"

// Arena stores values in generation-tagged slots.
// All methods are safe for concurrent use.
type Arena[T any] struct {
	slots []slot[T]
	free  []uint32
	live  int
	mu    sync.RWMutex
}

type slot[T any] struct {
	gen   uint32
	used  bool
	value T
}

// Interface compliance check
var _ Liveness = (*Arena[int])(nil)

// NewArena creates an empty Arena.
func NewArena[T any]() *Arena[T] {
	return &Arena[T]{}
}

// Insert stores v in a free slot and returns its handle.
func (a *Arena[T]) Insert(v T) Handle {
	a.mu.Lock()
	defer a.mu.Unlock()

	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		idx = uint32(len(a.slots))
		a.slots = append(a.slots, slot[T]{})
	}

	s := &a.slots[idx]
	s.gen++
	if s.gen == 0 {
		// generation 0 is reserved for the zero Handle
		s.gen = 1
	}
	s.used = true
	s.value = v
	a.live++

	return Handle{index: idx, gen: s.gen}
}

// Get returns the value for h, or false if h is no longer alive.
func (a *Arena[T]) Get(h Handle) (T, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if !a.validLocked(h) {
		var zero T
		return zero, false
	}
	return a.slots[h.index].value, true
}

// Alive reports whether h still refers to a stored value.
func (a *Arena[T]) Alive(h Handle) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.validLocked(h)
}

// Release frees the slot for h and returns the value it held.
// Releasing a stale handle is a no-op that returns false.
func (a *Arena[T]) Release(h Handle) (T, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var zero T
	if !a.validLocked(h) {
		return zero, false
	}

	s := &a.slots[h.index]
	v := s.value
	s.value = zero
	s.used = false
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	a.free = append(a.free, h.index)
	a.live--

	return v, true
}

// Len returns the number of live values.
func (a *Arena[T]) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.live
}

// Range calls fn for every live value until fn returns false.
// fn runs on a snapshot, so it may call back into the arena.
func (a *Arena[T]) Range(fn func(h Handle, v T) bool) {
	type entry struct {
		h Handle
		v T
	}

	a.mu.RLock()
	entries := make([]entry, 0, a.live)
	for i := range a.slots {
		s := &a.slots[i]
		if s.used {
			entries = append(entries, entry{h: Handle{index: uint32(i), gen: s.gen}, v: s.value})
		}
	}
	a.mu.RUnlock()

	for _, e := range entries {
		if !fn(e.h, e.v) {
			return
		}
	}
}

func (a *Arena[T]) validLocked(h Handle) bool {
	if h.gen == 0 || int(h.index) >= len(a.slots) {
		return false
	}
	s := &a.slots[h.index]
	return s.used && s.gen == h.gen
}
