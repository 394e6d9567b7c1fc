package client

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamrehn/websocket-server-demo/pkg/config"
	"github.com/adamrehn/websocket-server-demo/pkg/conn"
	"github.com/adamrehn/websocket-server-demo/pkg/envelope"
	"github.com/adamrehn/websocket-server-demo/pkg/server"
)

// startEchoServer serves "echo" and "shout" handlers and returns the
// WebSocket URL and a function that stops the server.
func startEchoServer(t *testing.T) (string, func()) {
	t.Helper()

	cfg := config.Default()
	cfg.Path = "/ws"
	cfg.Metrics.Enabled = false
	srv := server.New(cfg)

	srv.OnConnect(func(h conn.Handle) error {
		return srv.Send(h, "hello", nil)
	})
	srv.OnMessage("echo", func(h conn.Handle, payload envelope.Document) error {
		return srv.Send(h, "echo", payload)
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, ln)
	}()

	stop := func() {
		cancel()
		<-done
	}
	t.Cleanup(stop)

	return "ws://" + ln.Addr().String() + "/ws", stop
}

func dialClient(t *testing.T, url string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	c, err := Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func receive(t *testing.T, c *Client) *Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	msg, err := c.Receive(ctx)
	require.NoError(t, err)
	return msg
}

func TestClient_RoundTrip(t *testing.T) {
	url, _ := startEchoServer(t)
	c := dialClient(t, url)

	hello := receive(t, c)
	assert.Equal(t, "hello", hello.Type)
	assert.Empty(t, hello.Payload)
	assert.JSONEq(t, `{"__MESSAGE__":"hello"}`, string(hello.Raw))

	require.NoError(t, c.Send("echo", envelope.Document{"text": "hi", "n": 3}))

	msg := receive(t, c)
	assert.Equal(t, "echo", msg.Type)
	assert.Equal(t, "hi", msg.Payload["text"])
	assert.Equal(t, json.Number("3"), msg.Payload["n"])
	assert.NotContains(t, msg.Payload, envelope.MessageField)
}

func TestClient_SendRawIgnoredByServer(t *testing.T) {
	url, _ := startEchoServer(t)
	c := dialClient(t, url)
	receive(t, c)

	require.NoError(t, c.SendRaw([]byte("garbage")))
	require.NoError(t, c.Send("echo", envelope.Document{"after": true}))

	msg := receive(t, c)
	assert.Equal(t, "echo", msg.Type)
	assert.Equal(t, true, msg.Payload["after"])
}

func TestClient_ReceiveCancelled(t *testing.T) {
	url, _ := startEchoServer(t)
	c := dialClient(t, url)
	receive(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_ServerShutdown(t *testing.T) {
	url, stop := startEchoServer(t)
	c := dialClient(t, url)
	receive(t, c)

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := c.Receive(ctx)
		errCh <- err
	}()

	stop()
	assert.ErrorIs(t, <-errCh, ErrClosed)
}

func TestDial_Errors(t *testing.T) {
	url, _ := startEchoServer(t)

	_, err := Dial(context.Background(), url[:len(url)-len("/ws")]+"/missing", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 404")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = Dial(context.Background(), "ws://"+addr+"/", &Options{HandshakeTimeout: time.Second})
	assert.Error(t, err)
}
