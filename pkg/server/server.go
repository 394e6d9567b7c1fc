package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/adamrehn/websocket-server-demo/pkg/config"
	"github.com/adamrehn/websocket-server-demo/pkg/conn"
	"github.com/adamrehn/websocket-server-demo/pkg/dispatch"
	"github.com/adamrehn/websocket-server-demo/pkg/envelope"
	"github.com/adamrehn/websocket-server-demo/pkg/logging"
	"github.com/adamrehn/websocket-server-demo/pkg/metrics"
	"github.com/adamrehn/websocket-server-demo/pkg/websocket"
)

// ErrServerRunning is returned by Serve when the server is already serving.
var ErrServerRunning = errors.New("server is already running")

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger used by the server and its components.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithRegistry sets the Prometheus registry metrics are registered with.
// By default a fresh registry with the Go and process collectors is used.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) {
		s.registry = reg
	}
}

// WithTracer sets the tracer used for dispatch spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Server) {
		s.tracer = tracer
	}
}

// WithCodec replaces the envelope codec.
func WithCodec(codec envelope.Codec) Option {
	return func(s *Server) {
		s.codec = codec
	}
}

// Server ties a WebSocket endpoint to a dispatch engine and serves both
// over HTTP.
type Server struct {
	cfg      *config.Config
	log      *slog.Logger
	registry *prometheus.Registry
	tracer   trace.Tracer
	codec    envelope.Codec
	metrics  *metrics.Metrics
	endpoint *websocket.Endpoint
	engine   *dispatch.Engine

	mu        sync.Mutex
	running   bool
	addr      net.Addr
	startTime time.Time
}

// New creates a Server from cfg. A nil cfg uses config.Default().
func New(cfg *config.Config, opts ...Option) *Server {
	if cfg == nil {
		cfg = config.Default()
	}

	s := &Server{
		cfg: cfg,
		log: logging.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.Metrics.Enabled {
		if s.registry == nil {
			s.registry = metrics.NewRegistry()
		}
		s.metrics = metrics.New(s.registry)
	}

	s.endpoint = websocket.NewEndpoint(endpointConfig(cfg),
		websocket.WithLogger(s.log),
		websocket.WithMetrics(s.metrics),
	)

	engineOpts := []dispatch.Option{
		dispatch.WithLogger(s.log),
		dispatch.WithMetrics(s.metrics),
	}
	if s.tracer != nil {
		engineOpts = append(engineOpts, dispatch.WithTracer(s.tracer))
	}
	if s.codec != nil {
		engineOpts = append(engineOpts, dispatch.WithCodec(s.codec))
	}
	s.engine = dispatch.NewEngine(s.endpoint, engineOpts...)
	s.endpoint.SetEvents(s.engine)

	return s
}

func endpointConfig(cfg *config.Config) websocket.Config {
	return websocket.Config{
		Subprotocols:     cfg.Subprotocols,
		MaxMessageSize:   cfg.MaxMessageSize,
		SendQueueSize:    cfg.SendQueueSize,
		WriteTimeout:     cfg.WriteTimeout.Duration(),
		IdleTimeout:      cfg.IdleTimeout.Duration(),
		SkipOriginVerify: cfg.SkipOriginVerify,
		Heartbeat: websocket.HeartbeatConfig{
			Enabled:  cfg.Heartbeat.Enabled,
			Interval: cfg.Heartbeat.Interval.Duration(),
			Timeout:  cfg.Heartbeat.Timeout.Duration(),
		},
	}
}

// Config returns the server configuration.
func (s *Server) Config() *config.Config {
	return s.cfg
}

// Engine returns the dispatch engine.
func (s *Server) Engine() *dispatch.Engine {
	return s.engine
}

// Endpoint returns the WebSocket endpoint.
func (s *Server) Endpoint() *websocket.Endpoint {
	return s.endpoint
}

// NumConnections returns the number of open connections.
func (s *Server) NumConnections() int {
	return s.engine.NumConnections()
}

// OnConnect registers fn to run for every new connection.
func (s *Server) OnConnect(fn dispatch.ConnectHandler) {
	s.engine.OnConnect(fn)
}

// OnDisconnect registers fn to run for every closed connection.
func (s *Server) OnDisconnect(fn dispatch.ConnectHandler) {
	s.engine.OnDisconnect(fn)
}

// OnMessage registers fn for messages tagged msgType.
func (s *Server) OnMessage(msgType string, fn dispatch.MessageHandler) {
	s.engine.OnMessage(msgType, fn)
}

// Send queues a message of type msgType for the connection h.
func (s *Server) Send(h conn.Handle, msgType string, payload envelope.Document) error {
	return s.engine.Send(h, msgType, payload)
}

// Broadcast queues a message of type msgType for every open connection and
// returns how many were queued.
func (s *Server) Broadcast(msgType string, payload envelope.Document) (int, error) {
	return s.engine.Broadcast(msgType, payload)
}

// Addr returns the address being served, or nil before Serve starts.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// IsRunning reports whether the server is serving.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Uptime returns how long the server has been serving.
func (s *Server) Uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return 0
	}
	return time.Since(s.startTime)
}

// Run listens on port and serves until ctx is done. Port 0 picks a free
// port; Addr reports it once serving.
func (s *Server) Run(ctx context.Context, port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", port, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then shuts down within
// the configured shutdown timeout. The listener is closed on return.
// A Server serves at most once.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrServerRunning
	}
	s.running = true
	s.addr = ln.Addr()
	s.startTime = time.Now()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}

	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.log.Handler(), slog.LevelDebug),
	}

	// The loop outlives ctx so that disconnect handlers run during shutdown.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.engine.Run(loopCtx)
	})
	g.Go(func() error {
		s.log.Info("server listening", "addr", ln.Addr().String(), "path", s.cfg.Path)
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		defer stopLoop()
		return s.shutdown(httpServer)
	})

	err := g.Wait()
	s.log.Info("server stopped")
	return err
}

func (s *Server) shutdown(httpServer *http.Server) error {
	timeout := s.cfg.ShutdownTimeout.Duration()
	if timeout <= 0 {
		timeout = config.DefaultShutdownTimeout.Duration()
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.log.Info("shutting down", "connections", s.engine.NumConnections())

	var errs []error
	if err := httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := s.endpoint.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("endpoint shutdown: %w", err))
	}
	// Let queued close events reach their handlers.
	if err := s.engine.Loop().Do(ctx, func() {}); err != nil && !errors.Is(err, dispatch.ErrLoopStopped) {
		errs = append(errs, fmt.Errorf("drain events: %w", err))
	}
	return errors.Join(errs...)
}
