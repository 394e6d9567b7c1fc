// Package websocket is the transport endpoint for the typed message server.
//
// An Endpoint upgrades HTTP requests to WebSocket connections and tracks
// each one in a generation-tagged arena, so the rest of the server refers to
// connections by conn.Handle and never holds a *Connection. Every connection
// gets a reader goroutine, which reports inbound frames, and a writer
// goroutine, which drains a bounded outbound queue one frame at a time.
//
// Events are reported through the Events interface in a fixed order per
// connection: Opened, then any number of Received, then Closed exactly once.
// The arena slot is released before Closed is reported, so a handle is no
// longer alive by the time its close event is dispatched.
//
// Features:
//   - Text and binary frames (both reported as raw bytes)
//   - Subprotocol negotiation
//   - Ping/pong heartbeat and idle timeout
//   - Per-connection counters and request metadata
//   - Graceful shutdown with close code 1001
//
// Usage:
//
//	endpoint := websocket.NewEndpoint(websocket.DefaultConfig(),
//		websocket.WithLogger(logger))
//	endpoint.SetEvents(engine)
//	mux.Handle("/", endpoint)
//
// The package uses github.com/coder/websocket for the protocol itself.
package websocket
