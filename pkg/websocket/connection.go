package websocket

import (
	"context"
	"maps"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	ws "github.com/coder/websocket"

	"github.com/adamrehn/websocket-server-demo/pkg/conn"
)

// Connection represents an active WebSocket connection.
type Connection struct {
	id            string
	handle        conn.Handle
	conn          *ws.Conn
	subprotocol   string
	connectedAt   time.Time
	lastMessageAt atomic.Value // time.Time
	messagesSent  atomic.Int64
	messagesRecv  atomic.Int64
	metadata      map[string]any
	outbound      chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.RWMutex
	sendMu sync.RWMutex // Coordinates enqueue with Close
	closed atomic.Bool
}

// newConnection wraps an accepted websocket.Conn. queueSize bounds the number
// of frames waiting for the writer goroutine.
func newConnection(wsConn *ws.Conn, subprotocol string, queueSize int, r *http.Request) *Connection {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Connection{
		id:          GenerateConnectionID(),
		conn:        wsConn,
		subprotocol: subprotocol,
		connectedAt: time.Now(),
		metadata:    make(map[string]any),
		outbound:    make(chan []byte, queueSize),
		ctx:         ctx,
		cancel:      cancel,
	}

	if r != nil {
		c.metadata["remoteAddr"] = r.RemoteAddr
		c.metadata["userAgent"] = r.UserAgent()
		if host := r.Host; host != "" {
			c.metadata["host"] = host
		}
	}

	c.lastMessageAt.Store(c.connectedAt)

	return c
}

// ID returns the unique connection ID.
func (c *Connection) ID() string {
	return c.id
}

// Handle returns the handle the endpoint issued for this connection.
func (c *Connection) Handle() conn.Handle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handle
}

func (c *Connection) setHandle(h conn.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handle = h
}

// Subprotocol returns the negotiated subprotocol.
func (c *Connection) Subprotocol() string {
	return c.subprotocol
}

// ConnectedAt returns the connection establishment time.
func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

// LastMessageAt returns the time a frame was last read or written.
func (c *Connection) LastMessageAt() time.Time {
	t, ok := c.lastMessageAt.Load().(time.Time)
	if !ok {
		return c.connectedAt
	}
	return t
}

// MessagesSent returns the total frames written.
func (c *Connection) MessagesSent() int64 {
	return c.messagesSent.Load()
}

// MessagesReceived returns the total frames read.
func (c *Connection) MessagesReceived() int64 {
	return c.messagesRecv.Load()
}

// Metadata returns a copy of the connection metadata.
func (c *Connection) Metadata() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.metadata)
}

// SetMetadata sets a metadata value.
func (c *Connection) SetMetadata(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata[key] = value
}

// RemoteAddr returns the peer address captured at upgrade time.
func (c *Connection) RemoteAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	addr, _ := c.metadata["remoteAddr"].(string)
	return addr
}

// Context returns the connection context. It is cancelled on close.
func (c *Connection) Context() context.Context {
	return c.ctx
}

// IsClosed returns whether the connection is closed.
func (c *Connection) IsClosed() bool {
	return c.closed.Load()
}

// Queued returns the number of frames waiting to be written.
func (c *Connection) Queued() int {
	return len(c.outbound)
}

// enqueue hands data to the writer goroutine without blocking.
func (c *Connection) enqueue(data []byte) error {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()

	if c.closed.Load() {
		return ErrConnectionClosed
	}

	select {
	case c.outbound <- data:
		return nil
	default:
		return ErrQueueFull
	}
}

// read reads the next frame from the peer.
func (c *Connection) read() (MessageType, []byte, error) {
	// Close cancels ctx, which unblocks Read.
	if c.closed.Load() {
		return 0, nil, ErrConnectionClosed
	}

	wsType, data, err := c.conn.Read(c.ctx)
	if err != nil {
		return 0, nil, err
	}

	c.messagesRecv.Add(1)
	c.lastMessageAt.Store(time.Now())
	return messageTypeOf(wsType), data, nil
}

// write writes one frame, giving up after timeout.
func (c *Connection) write(data []byte, timeout time.Duration) error {
	ctx := c.ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := c.conn.Write(ctx, ws.MessageText, data); err != nil {
		return err
	}

	c.messagesSent.Add(1)
	c.lastMessageAt.Store(time.Now())
	return nil
}

// Close closes the connection with the given close code and reason.
// Frames still queued are discarded.
func (c *Connection) Close(code CloseCode, reason string) error {
	c.sendMu.Lock()
	already := c.closed.Swap(true)
	c.sendMu.Unlock()
	if already {
		return ErrConnectionClosed
	}

	// The close handshake can take a while; enqueue callers must not wait on it.
	defer c.cancel()
	return c.conn.Close(ws.StatusCode(code), reason)
}

// CloseNormal closes the connection with normal closure.
func (c *Connection) CloseNormal() error {
	return c.Close(CloseNormalClosure, "")
}

// Ping sends a ping frame and waits for the matching pong.
func (c *Connection) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	return c.conn.Ping(ctx)
}

// Info returns public information about this connection.
func (c *Connection) Info() *ConnectionInfo {
	return &ConnectionInfo{
		ID:               c.id,
		Handle:           c.Handle().String(),
		Subprotocol:      c.subprotocol,
		ConnectedAt:      c.connectedAt,
		LastMessageAt:    c.LastMessageAt(),
		MessagesSent:     c.messagesSent.Load(),
		MessagesReceived: c.messagesRecv.Load(),
		QueuedMessages:   c.Queued(),
		Metadata:         c.Metadata(),
	}
}
