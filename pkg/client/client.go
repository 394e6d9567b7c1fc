// Package client is a small WebSocket client that speaks the wsserver
// envelope format. It is used by the CLI and by end-to-end tests.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/adamrehn/websocket-server-demo/pkg/envelope"
)

// ErrClosed is returned by Receive once the server has closed the connection.
var ErrClosed = errors.New("connection closed")

// DefaultHandshakeTimeout bounds the opening handshake.
const DefaultHandshakeTimeout = 10 * time.Second

// Message is one envelope received from the server.
type Message struct {
	Type    string
	Payload envelope.Document
	Raw     []byte
}

// Options configures Dial.
type Options struct {
	Header           http.Header
	Subprotocols     []string
	HandshakeTimeout time.Duration
	Codec            envelope.Codec
}

// Client is a connection to a wsserver endpoint. Send is safe for concurrent
// use; Receive must be called from one goroutine at a time.
type Client struct {
	conn    *websocket.Conn
	codec   envelope.Codec
	writeMu sync.Mutex
}

// Dial connects to url, e.g. ws://localhost:8080/.
func Dial(ctx context.Context, url string, opts *Options) (*Client, error) {
	if opts == nil {
		opts = &Options{}
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: opts.HandshakeTimeout,
		Subprotocols:     opts.Subprotocols,
	}
	if dialer.HandshakeTimeout <= 0 {
		dialer.HandshakeTimeout = DefaultHandshakeTimeout
	}

	conn, resp, err := dialer.DialContext(ctx, url, opts.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (HTTP %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	codec := opts.Codec
	if codec == nil {
		codec = envelope.JSON
	}
	return &Client{conn: conn, codec: codec}, nil
}

// Subprotocol returns the negotiated subprotocol.
func (c *Client) Subprotocol() string {
	return c.conn.Subprotocol()
}

// Send writes one envelope of type msgType carrying payload.
func (c *Client) Send(msgType string, payload envelope.Document) error {
	data, err := envelope.Pack(c.codec, msgType, payload)
	if err != nil {
		return fmt.Errorf("encode %q: %w", msgType, err)
	}
	return c.SendRaw(data)
}

// SendRaw writes data as a single text frame.
func (c *Client) SendRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Receive reads the next envelope. Frames that are not valid envelopes are
// returned with their decode error wrapped, so the caller can skip them.
// Cancelling ctx aborts the read and leaves the connection unusable.
func (c *Client) Receive(ctx context.Context) (*Message, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, fmt.Errorf("%w: %v", ErrClosed, err)
		}
		return nil, err
	}

	msgType, payload, err := envelope.Unpack(c.codec, data)
	if err != nil {
		return &Message{Raw: data}, fmt.Errorf("decode envelope: %w", err)
	}
	return &Message{Type: msgType, Payload: payload, Raw: data}, nil
}

// Close sends a normal close frame and closes the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}
