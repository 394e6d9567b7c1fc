package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	ws "github.com/coder/websocket"

	"github.com/adamrehn/websocket-server-demo/pkg/conn"
	"github.com/adamrehn/websocket-server-demo/pkg/metrics"
)

// ServeHTTP upgrades the request to a WebSocket connection and serves it
// until either side closes.
func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !IsWebSocketRequest(r) {
		w.Header().Set("Upgrade", "websocket")
		http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
		return
	}
	if !e.track() {
		http.Error(w, ErrEndpointClosed.Error(), http.StatusServiceUnavailable)
		return
	}

	c, err := e.accept(w, r)
	if err != nil {
		e.wg.Done()
		e.log.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	go e.serve(c)
}

func (e *Endpoint) accept(w http.ResponseWriter, r *http.Request) (*Connection, error) {
	var clientProtocols []string
	if proto := r.Header.Get("Sec-WebSocket-Protocol"); proto != "" {
		for _, p := range strings.Split(proto, ",") {
			clientProtocols = append(clientProtocols, strings.TrimSpace(p))
		}
	}

	negotiated, err := e.NegotiateSubprotocol(clientProtocols)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, err
	}

	acceptOpts := &ws.AcceptOptions{
		Subprotocols:       e.cfg.Subprotocols,
		InsecureSkipVerify: e.cfg.SkipOriginVerify,
		CompressionMode:    ws.CompressionDisabled,
	}

	// Accept writes the error response itself.
	wsConn, err := ws.Accept(w, r, acceptOpts)
	if err != nil {
		return nil, err
	}
	wsConn.SetReadLimit(e.cfg.MaxMessageSize)

	return newConnection(wsConn, negotiated, e.cfg.SendQueueSize, r), nil
}

// serve owns the lifecycle of one connection. Opened is reported before the
// first read and Closed once the writer has stopped. The slot stays alive
// until the Events receiver releases it.
func (e *Endpoint) serve(c *Connection) {
	defer e.wg.Done()

	h := e.conns.Insert(c)
	c.setHandle(h)
	e.active.Add(1)
	e.totalConnections.Add(1)

	events := e.eventSink()
	log := e.log.With("handle", h, "conn_id", c.ID())
	log.Debug("connection opened", "remote_addr", c.RemoteAddr(), "subprotocol", c.Subprotocol())
	events.Opened(h)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		e.writeLoop(c, log)
	}()

	if e.cfg.Heartbeat.Enabled {
		go e.runHeartbeat(c)
	}
	if e.cfg.IdleTimeout > 0 {
		go e.watchIdleTimeout(c)
	}
	if e.isClosing() {
		// Shutdown may have snapshotted the arena before the insert above.
		go func() { _ = c.Close(CloseGoingAway, "server shutdown") }()
	}

	code := e.readLoop(c, h, events, log)

	// A no-op when the peer or a watchdog already closed the connection.
	_ = c.CloseNormal()
	<-writerDone

	e.active.Add(-1)
	log.Debug("connection closed", "code", int(code), "reason", code.String())
	events.Closed(h)
}

// readLoop reports frames until the connection fails and returns the close
// code the peer sent, if any.
func (e *Endpoint) readLoop(c *Connection, h conn.Handle, events Events, log *slog.Logger) CloseCode {
	for {
		typ, data, err := c.read()
		if err != nil {
			return closeCodeFor(err)
		}
		log.Debug("frame received", "frame_type", typ.String(), "size", len(data))
		e.totalRecv.Add(1)
		events.Received(h, data)
	}
}

func closeCodeFor(err error) CloseCode {
	if status := ws.CloseStatus(err); status != -1 {
		return CloseCode(status)
	}
	if errors.Is(err, context.Canceled) {
		return CloseGoingAway
	}
	return CloseAbnormalClosure
}

// writeLoop writes queued frames one at a time. A failed write closes the
// connection; frames still queued are dropped with it.
func (e *Endpoint) writeLoop(c *Connection, log *slog.Logger) {
	for {
		select {
		case <-c.Context().Done():
			return
		case data := <-c.outbound:
			if err := c.write(data, e.cfg.WriteTimeout); err != nil {
				log.Debug("write failed", "error", err)
				e.drop(metrics.DropClosed)
				_ = c.Close(CloseInternalError, "write failed")
				return
			}
			e.totalSent.Add(1)
			e.metrics.MessageSent()
		}
	}
}

// runHeartbeat sends periodic pings to keep the connection alive.
func (e *Endpoint) runHeartbeat(c *Connection) {
	ticker := time.NewTicker(e.cfg.Heartbeat.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.Context().Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.Context(), e.cfg.Heartbeat.Timeout)
			err := c.Ping(pingCtx)
			cancel()

			if err != nil {
				_ = c.Close(CloseGoingAway, "ping timeout")
				return
			}
		}
	}
}

// watchIdleTimeout closes the connection if idle for too long.
func (e *Endpoint) watchIdleTimeout(c *Connection) {
	interval := min(e.cfg.IdleTimeout/2, time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.Context().Done():
			return
		case <-ticker.C:
			if time.Since(c.LastMessageAt()) > e.cfg.IdleTimeout {
				_ = c.Close(CloseGoingAway, "idle timeout")
				return
			}
		}
	}
}

// IsWebSocketRequest reports whether r asks for a WebSocket upgrade.
func IsWebSocketRequest(r *http.Request) bool {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return false
	}
	for _, v := range strings.Split(r.Header.Get("Connection"), ",") {
		if strings.EqualFold(strings.TrimSpace(v), "upgrade") {
			return true
		}
	}
	return false
}
