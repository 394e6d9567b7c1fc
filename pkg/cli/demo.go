package cli

import (
	"bufio"
	"context"
	"io"
	"log/slog"

	"github.com/adamrehn/websocket-server-demo/pkg/conn"
	"github.com/adamrehn/websocket-server-demo/pkg/dispatch"
	"github.com/adamrehn/websocket-server-demo/pkg/envelope"
	"github.com/adamrehn/websocket-server-demo/pkg/server"
)

// Message types used by the demo application.
const (
	typeHello     = "hello"
	typeMessage   = "message"
	typeUserInput = "userInput"
)

// demo is the serve command's application. Server handlers only post work
// onto the demo's own loop, so all application logic runs on the goroutine
// that calls run.
type demo struct {
	srv  *server.Server
	loop *dispatch.Loop
	log  *slog.Logger
}

func newDemo(srv *server.Server, log *slog.Logger) *demo {
	d := &demo{
		srv:  srv,
		loop: dispatch.NewLoop(log),
		log:  log,
	}

	srv.OnConnect(func(h conn.Handle) error {
		d.loop.Post(func() { d.connected(h) })
		return nil
	})
	srv.OnDisconnect(func(h conn.Handle) error {
		d.loop.Post(func() { d.disconnected(h) })
		return nil
	})
	srv.OnMessage(typeMessage, func(h conn.Handle, payload envelope.Document) error {
		d.loop.Post(func() { d.message(h, payload) })
		return nil
	})

	return d
}

func (d *demo) connected(h conn.Handle) {
	d.log.Info("client connected", "handle", h, "connections", d.srv.NumConnections())
	if err := d.srv.Send(h, typeHello, nil); err != nil {
		d.log.Error("send hello", "handle", h, "error", err)
	}
}

func (d *demo) disconnected(h conn.Handle) {
	d.log.Info("client disconnected", "handle", h, "connections", d.srv.NumConnections())
}

func (d *demo) message(h conn.Handle, payload envelope.Document) {
	d.log.Info("message received", "handle", h, "payload", payload)
	if err := d.srv.Send(h, typeMessage, payload); err != nil {
		d.log.Error("echo message", "handle", h, "error", err)
	}
}

func (d *demo) broadcastInput(line string) {
	n, err := d.srv.Broadcast(typeUserInput, envelope.Document{"input": line})
	if err != nil {
		d.log.Error("broadcast input", "error", err)
		return
	}
	d.log.Debug("input broadcast", "recipients", n)
}

// run serves with serve and runs the application loop on the calling
// goroutine until ctx is done or serve fails. Lines read from stdin, when
// not nil, are broadcast to every client.
func (d *demo) run(ctx context.Context, serve func(context.Context) error, stdin io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	serveErr := make(chan error, 1)
	go func() {
		defer cancel()
		serveErr <- serve(ctx)
	}()

	if stdin != nil {
		go d.readInput(ctx, stdin)
	}

	if err := d.loop.Run(ctx); err != nil {
		return err
	}
	return <-serveErr
}

func (d *demo) readInput(ctx context.Context, stdin io.Reader) {
	scanner := bufio.NewScanner(stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text()
		d.loop.Post(func() { d.broadcastInput(line) })
	}
	if err := scanner.Err(); err != nil {
		d.log.Warn("reading stdin", "error", err)
		return
	}
	d.log.Debug("stdin closed, input broadcast disabled")
}
