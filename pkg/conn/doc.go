// Package conn provides connection identity and the registry of open
// connections.
//
// A Handle names one slot of an Arena together with the slot's generation.
// Handles are plain comparable values: they never keep a connection alive and
// comparing two of them never touches the connection they refer to. When a
// connection is torn down its slot is released and the generation is bumped,
// so every Handle issued for it stops being alive at once.
//
// # Usage
//
//	arena := conn.NewArena[*Peer]()
//	registry := conn.NewRegistry(arena)
//
//	h := arena.Insert(peer)
//	registry.Register(h)
//
//	for _, h := range registry.Snapshot() {
//	    if p, ok := arena.Get(h); ok {
//	        p.Write(data)
//	    }
//	}
//
//	arena.Release(h)
//	registry.Unregister(h)
package conn
