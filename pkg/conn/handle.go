package conn

import "strconv"

// Handle identifies one connection without owning it.
// The zero Handle is never issued by an Arena and is never alive.
type Handle struct {
	index uint32
	gen   uint32
}

// IsZero reports whether h is the zero Handle.
func (h Handle) IsZero() bool {
	return h.gen == 0
}

// Index returns the arena slot index.
func (h Handle) Index() uint32 {
	return h.index
}

// Generation returns the slot generation the handle was issued for.
func (h Handle) Generation() uint32 {
	return h.gen
}

// String formats the handle as "index.generation".
func (h Handle) String() string {
	return strconv.FormatUint(uint64(h.index), 10) + "." + strconv.FormatUint(uint64(h.gen), 10)
}

// MarshalText implements encoding.TextMarshaler so handles log readably.
func (h Handle) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// Liveness reports whether the connection behind a handle still exists.
type Liveness interface {
	Alive(h Handle) bool
}
