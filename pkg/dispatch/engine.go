package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/adamrehn/websocket-server-demo/pkg/conn"
	"github.com/adamrehn/websocket-server-demo/pkg/envelope"
	"github.com/adamrehn/websocket-server-demo/pkg/logging"
	"github.com/adamrehn/websocket-server-demo/pkg/metrics"
)

// TracerName is the name of the tracer used for dispatch spans.
const TracerName = "github.com/adamrehn/websocket-server-demo/pkg/dispatch"

// Transport delivers encoded frames to connections.
//
// Alive must keep reporting true for a closed connection until the engine
// calls Release, which it does once the connection's disconnect handlers
// have run. The registry relies on this to sweep only connections whose
// close has been dispatched.
type Transport interface {
	conn.Liveness

	// Send queues data for the connection behind h. It must not block on
	// peer I/O and reports false if the frame was not queued. A closed
	// connection queues nothing.
	Send(h conn.Handle, data []byte) bool

	// Release frees h after its close has been dispatched.
	Release(h conn.Handle)
}

// ConnectHandler handles a connection being opened or closed.
type ConnectHandler func(h conn.Handle) error

// MessageHandler handles one message of a registered type. The payload no
// longer carries the type field and is shared by every handler for the
// message, so handlers must not modify it.
type MessageHandler func(h conn.Handle, payload envelope.Document) error

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.log = logger
		}
	}
}

// WithMetrics sets the collectors that dispatch results are recorded on.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithCodec replaces the default JSON codec.
func WithCodec(codec envelope.Codec) Option {
	return func(e *Engine) {
		if codec != nil {
			e.codec = codec
		}
	}
}

// WithTracer replaces the tracer taken from the global provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// WithLoop makes the engine dispatch on an existing loop.
func WithLoop(loop *Loop) Option {
	return func(e *Engine) {
		if loop != nil {
			e.loop = loop
		}
	}
}

// Engine routes transport events to registered handlers and sends typed
// messages back through the transport.
type Engine struct {
	loop      *Loop
	transport Transport
	registry  *conn.Registry
	codec     envelope.Codec
	log       *slog.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer

	// Owned by the loop goroutine.
	connectHandlers    []ConnectHandler
	disconnectHandlers []ConnectHandler
	messageHandlers    map[string][]MessageHandler
}

// NewEngine creates an Engine that writes through transport.
func NewEngine(transport Transport, opts ...Option) *Engine {
	e := &Engine{
		transport:       transport,
		registry:        conn.NewRegistry(transport),
		codec:           envelope.JSON,
		log:             logging.Nop(),
		messageHandlers: make(map[string][]MessageHandler),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(TracerName)
	}
	if e.loop == nil {
		e.loop = NewLoop(e.log)
	}
	return e
}

// Run dispatches events until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	return e.loop.Run(ctx)
}

// Loop returns the loop events are dispatched on.
func (e *Engine) Loop() *Loop {
	return e.loop
}

// NumConnections returns the number of open connections.
func (e *Engine) NumConnections() int {
	return e.registry.Count()
}

// Connections returns the handles of all open connections.
func (e *Engine) Connections() []conn.Handle {
	return e.registry.Snapshot()
}

// OnConnect registers fn to run for every opened connection.
func (e *Engine) OnConnect(fn ConnectHandler) {
	if fn == nil {
		return
	}
	e.loop.Post(func() {
		e.connectHandlers = append(e.connectHandlers, fn)
	})
}

// OnDisconnect registers fn to run for every closed connection.
func (e *Engine) OnDisconnect(fn ConnectHandler) {
	if fn == nil {
		return
	}
	e.loop.Post(func() {
		e.disconnectHandlers = append(e.disconnectHandlers, fn)
	})
}

// OnMessage registers fn to run for every message of type msgType.
func (e *Engine) OnMessage(msgType string, fn MessageHandler) {
	if fn == nil {
		return
	}
	e.loop.Post(func() {
		e.messageHandlers[msgType] = append(e.messageHandlers[msgType], fn)
	})
}

// Opened reports a new connection.
func (e *Engine) Opened(h conn.Handle) {
	e.post(metrics.EventOpen, h, func() { e.handleOpen(h) })
}

// Closed reports a connection that has gone away. The handle is released
// back to the transport after the disconnect handlers have run, or at once
// if the loop has stopped.
func (e *Engine) Closed(h conn.Handle) {
	if !e.post(metrics.EventClose, h, func() { e.handleClose(h) }) {
		e.transport.Release(h)
	}
}

// Received reports an inbound frame.
func (e *Engine) Received(h conn.Handle, data []byte) {
	e.post(metrics.EventMessage, h, func() { e.handleMessage(h, data) })
}

func (e *Engine) post(event string, h conn.Handle, fn func()) bool {
	if !e.loop.Post(fn) {
		e.log.Debug("event discarded, loop stopped", "event", event, "handle", h)
		return false
	}
	return true
}

func (e *Engine) handleOpen(h conn.Handle) {
	e.registry.Register(h)
	e.metrics.ConnectionOpened()

	handlers := e.connectHandlers
	_, span := e.startSpan("dispatch.open", h, len(handlers))
	defer span.End()

	start := time.Now()
	for _, fn := range handlers {
		e.invoke(span, metrics.EventOpen, h, "", func() error { return fn(h) })
	}
	e.metrics.ObserveDispatch(metrics.EventOpen, time.Since(start))
}

func (e *Engine) handleClose(h conn.Handle) {
	e.registry.Unregister(h)
	e.metrics.ConnectionClosed()

	handlers := e.disconnectHandlers
	_, span := e.startSpan("dispatch.close", h, len(handlers))
	defer span.End()

	start := time.Now()
	for _, fn := range handlers {
		e.invoke(span, metrics.EventClose, h, "", func() error { return fn(h) })
	}
	e.metrics.ObserveDispatch(metrics.EventClose, time.Since(start))

	e.transport.Release(h)
}

func (e *Engine) handleMessage(h conn.Handle, data []byte) {
	msgType, payload, err := envelope.Unpack(e.codec, data)
	if err != nil {
		result := metrics.ResultMalformed
		if errors.Is(err, envelope.ErrMissingType) || errors.Is(err, envelope.ErrInvalidType) {
			result = metrics.ResultUntyped
		}
		e.metrics.MessageReceived(result)
		e.log.Debug("message dropped", "handle", h, "error", err)
		return
	}

	handlers := e.messageHandlers[msgType]
	if len(handlers) == 0 {
		e.metrics.MessageReceived(metrics.ResultUnhandled)
		return
	}
	e.metrics.MessageReceived(metrics.ResultDispatched)

	_, span := e.startSpan("dispatch.message", h, len(handlers),
		attribute.String("message.type", msgType))
	defer span.End()

	start := time.Now()
	for _, fn := range handlers {
		e.invoke(span, metrics.EventMessage, h, msgType, func() error { return fn(h, payload) })
	}
	e.metrics.ObserveDispatch(metrics.EventMessage, time.Since(start))
}

func (e *Engine) startSpan(name string, h conn.Handle, handlers int, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String("connection.handle", h.String()),
		attribute.Int("dispatch.handlers", handlers),
	)
	return e.tracer.Start(context.Background(), name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

// invoke runs one handler. Its failure is logged, counted and recorded on the
// span, and never reaches the loop.
func (e *Engine) invoke(span trace.Span, event string, h conn.Handle, msgType string, fn func() error) {
	err := safeCall(fn)
	if err == nil {
		return
	}
	e.metrics.HandlerFault(event)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	attrs := []any{"event", event, "handle", h, "error", err}
	if msgType != "" {
		attrs = append(attrs, "type", msgType)
	}
	e.log.Error("handler failed", attrs...)
}

func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return fn()
}
