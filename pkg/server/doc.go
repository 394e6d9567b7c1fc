// Package server is the public entry point of wsserver. A Server owns a
// WebSocket endpoint and a dispatch engine and serves them over HTTP:
//
//	srv := server.New(cfg, server.WithLogger(log))
//	srv.OnMessage("ping", func(h conn.Handle, payload envelope.Document) error {
//		return srv.Send(h, "pong", payload)
//	})
//	err := srv.Run(ctx, cfg.Port)
//
// Handlers run on the engine's loop goroutine in registration order. Send
// and Broadcast may be called from any goroutine.
package server
