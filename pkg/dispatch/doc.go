// Package dispatch routes connection events to typed message handlers.
//
// An Engine owns a Loop, the serial execution context that plays the role of
// the network context: every open, close and message event is posted onto it
// by the transport and handled there, one at a time. Handler registration is
// posted onto the same Loop instead of taking a lock, so a registration made
// before an event is posted is always visible when that event is dispatched.
//
// The registry of open connections is the only state shared with other
// goroutines. NumConnections, Send and Broadcast may be called from anywhere.
//
// # Usage
//
//	engine := dispatch.NewEngine(endpoint, dispatch.WithLogger(logger))
//	endpoint.SetEvents(engine)
//
//	engine.OnConnect(func(h conn.Handle) error {
//	    return engine.Send(h, "hello", nil)
//	})
//	engine.OnMessage("chat", func(h conn.Handle, payload envelope.Document) error {
//	    _, err := engine.Broadcast("chat", payload)
//	    return err
//	})
//
//	go engine.Run(ctx)
//
// Handlers run on the Loop goroutine. A handler that returns an error or
// panics is logged and skipped; the remaining handlers still run. A handler
// that never returns stalls every connection, since no timeout is applied.
package dispatch
