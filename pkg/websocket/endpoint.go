package websocket

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adamrehn/websocket-server-demo/pkg/conn"
	"github.com/adamrehn/websocket-server-demo/pkg/logging"
	"github.com/adamrehn/websocket-server-demo/pkg/metrics"
)

// Config defines the behaviour of an Endpoint.
type Config struct {
	// Subprotocols lists supported subprotocols for negotiation.
	Subprotocols []string
	// RequireSubprotocol rejects connections without a matching subprotocol.
	RequireSubprotocol bool
	// MaxMessageSize is the maximum inbound message size in bytes (default: 65536).
	MaxMessageSize int64
	// SendQueueSize bounds the frames queued per connection (default: 256).
	SendQueueSize int
	// WriteTimeout bounds a single frame write (default: 10s).
	WriteTimeout time.Duration
	// IdleTimeout closes connections after inactivity (0 = disabled).
	IdleTimeout time.Duration
	// Heartbeat configures ping/pong keepalive.
	Heartbeat HeartbeatConfig
	// SkipOriginVerify accepts any Origin header during the handshake.
	// When false the Origin must match the Host header.
	SkipOriginVerify bool
}

// HeartbeatConfig configures WebSocket ping/pong keepalive.
type HeartbeatConfig struct {
	// Enabled enables heartbeat pings.
	Enabled bool
	// Interval is the time between pings (default: 30s).
	Interval time.Duration
	// Timeout is the maximum wait for pong response (default: 10s).
	Timeout time.Duration
}

// Defaults applied by NewEndpoint to unset fields.
const (
	DefaultMaxMessageSize    = 65536
	DefaultSendQueueSize     = 256
	DefaultWriteTimeout      = 10 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatTimeout  = 10 * time.Second
)

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxMessageSize:   DefaultMaxMessageSize,
		SendQueueSize:    DefaultSendQueueSize,
		WriteTimeout:     DefaultWriteTimeout,
		SkipOriginVerify: true,
	}
}

// Events receives connection lifecycle events from an Endpoint.
// Calls for one connection never overlap and arrive in order.
// Implementations must not block.
//
// Closed hands h over to the receiver: the handle stays alive until the
// receiver calls Endpoint.Release, so it must do so once it has finished
// with the connection.
type Events interface {
	Opened(h conn.Handle)
	Closed(h conn.Handle)
	Received(h conn.Handle, data []byte)
}

// releasingEvents is the default sink. It frees slots as soon as they close.
type releasingEvents struct{ e *Endpoint }

func (releasingEvents) Opened(conn.Handle)           {}
func (releasingEvents) Received(conn.Handle, []byte) {}

func (r releasingEvents) Closed(h conn.Handle) {
	r.e.Release(h)
}

// Option configures an Endpoint.
type Option func(*Endpoint)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Endpoint) {
		if logger != nil {
			e.log = logger
		}
	}
}

// WithMetrics sets the collectors for written and dropped frames.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Endpoint) {
		e.metrics = m
	}
}

// Endpoint accepts WebSocket connections and moves frames between them and
// an Events implementation.
type Endpoint struct {
	cfg     Config
	conns   *conn.Arena[*Connection]
	events  atomic.Value // eventsBox
	log     *slog.Logger
	metrics *metrics.Metrics

	startTime        time.Time
	active           atomic.Int64
	totalConnections atomic.Int64
	totalSent        atomic.Int64
	totalRecv        atomic.Int64
	totalDropped     atomic.Int64

	mu      sync.Mutex // guards closing and wg.Add
	closing bool
	wg      sync.WaitGroup
}

type eventsBox struct{ Events }

// NewEndpoint creates an Endpoint. Unset Config fields take their defaults.
func NewEndpoint(cfg Config, opts ...Option) *Endpoint {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = DefaultSendQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Heartbeat.Interval <= 0 {
		cfg.Heartbeat.Interval = DefaultHeartbeatInterval
	}
	if cfg.Heartbeat.Timeout <= 0 {
		cfg.Heartbeat.Timeout = DefaultHeartbeatTimeout
	}

	e := &Endpoint{
		cfg:       cfg,
		conns:     conn.NewArena[*Connection](),
		log:       logging.Nop(),
		startTime: time.Now(),
	}
	e.events.Store(eventsBox{releasingEvents{e}})
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetEvents sets the receiver of connection events. It should be called
// before the endpoint serves its first request. A nil events restores the
// default, which releases every handle as soon as it closes.
func (e *Endpoint) SetEvents(events Events) {
	if events == nil {
		events = releasingEvents{e}
	}
	e.events.Store(eventsBox{events})
}

func (e *Endpoint) eventSink() Events {
	return e.events.Load().(eventsBox).Events
}

// Config returns the effective configuration.
func (e *Endpoint) Config() Config {
	return e.cfg
}

// Alive reports whether h has not been released yet. A connection that has
// closed but whose Closed event is still being handled is alive; sends to it
// are dropped.
func (e *Endpoint) Alive(h conn.Handle) bool {
	return e.conns.Alive(h)
}

// Release frees the slot behind h after its Closed event has been handled.
// Releasing a stale handle does nothing.
func (e *Endpoint) Release(h conn.Handle) {
	e.conns.Release(h)
}

// Send queues data for the connection behind h without blocking. It reports
// false if h has been released, the connection is closed, or its queue is
// full; in the last two cases the frame is counted as dropped and nothing is
// written.
func (e *Endpoint) Send(h conn.Handle, data []byte) bool {
	c, ok := e.conns.Get(h)
	if !ok {
		return false
	}

	switch err := c.enqueue(data); err {
	case nil:
		return true
	case ErrQueueFull:
		e.drop(metrics.DropQueueFull)
		e.log.Warn("send queue full, message dropped",
			"handle", h, "conn_id", c.ID(), "queued", c.Queued())
	default:
		e.drop(metrics.DropClosed)
	}
	return false
}

func (e *Endpoint) drop(reason string) {
	e.totalDropped.Add(1)
	e.metrics.MessageDropped(reason)
}

// Connection returns the open connection behind h.
func (e *Endpoint) Connection(h conn.Handle) (*Connection, bool) {
	return e.conns.Get(h)
}

// Connections returns information about every open connection.
func (e *Endpoint) Connections() []*ConnectionInfo {
	infos := make([]*ConnectionInfo, 0, e.conns.Len())
	e.conns.Range(func(_ conn.Handle, c *Connection) bool {
		if !c.IsClosed() {
			infos = append(infos, c.Info())
		}
		return true
	})
	return infos
}

// Count returns the number of open connections.
func (e *Endpoint) Count() int {
	return int(e.active.Load())
}

// Disconnect closes the connection behind h.
func (e *Endpoint) Disconnect(h conn.Handle, code CloseCode, reason string) error {
	c, ok := e.conns.Get(h)
	if !ok {
		return ErrConnectionNotFound
	}
	return c.Close(code, reason)
}

// Stats returns aggregate statistics.
func (e *Endpoint) Stats() *Stats {
	return &Stats{
		ActiveConnections:     e.Count(),
		TotalConnections:      e.totalConnections.Load(),
		TotalMessagesSent:     e.totalSent.Load(),
		TotalMessagesReceived: e.totalRecv.Load(),
		TotalMessagesDropped:  e.totalDropped.Load(),
		Uptime:                time.Since(e.startTime).Truncate(time.Second).String(),
	}
}

// NegotiateSubprotocol selects the first configured subprotocol the client
// offers. Returns empty string if no match and subprotocol is not required.
func (e *Endpoint) NegotiateSubprotocol(clientProtocols []string) (string, error) {
	if len(e.cfg.Subprotocols) == 0 {
		if e.cfg.RequireSubprotocol {
			return "", ErrSubprotocolRequired
		}
		return "", nil
	}

	for _, serverProto := range e.cfg.Subprotocols {
		for _, clientProto := range clientProtocols {
			if serverProto == clientProto {
				return serverProto, nil
			}
		}
	}

	if e.cfg.RequireSubprotocol {
		return "", ErrSubprotocolMismatch
	}
	return "", nil
}

// track registers a connection goroutine unless the endpoint is closing.
func (e *Endpoint) track() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closing {
		return false
	}
	e.wg.Add(1)
	return true
}

func (e *Endpoint) isClosing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closing
}

// Shutdown stops accepting connections, closes every open connection with
// close code 1001 and waits for their goroutines to finish or ctx to end.
func (e *Endpoint) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closing = true
	e.mu.Unlock()

	var conns []*Connection
	e.conns.Range(func(_ conn.Handle, c *Connection) bool {
		conns = append(conns, c)
		return true
	})

	for _, c := range conns {
		c := c
		go func() { _ = c.Close(CloseGoingAway, "server shutdown") }()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
