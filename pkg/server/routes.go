package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/adamrehn/websocket-server-demo/pkg/httputil"
	"github.com/adamrehn/websocket-server-demo/pkg/metrics"
	"github.com/adamrehn/websocket-server-demo/pkg/websocket"
)

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	Connections      int    `json:"connections"`
	TotalConnections int64  `json:"totalConnections"`
	MessagesSent     int64  `json:"messagesSent"`
	MessagesReceived int64  `json:"messagesReceived"`
	MessagesDropped  int64  `json:"messagesDropped"`
	Uptime           string `json:"uptime"`
	UptimeSeconds    int64  `json:"uptimeSeconds"`

	Clients []*websocket.ConnectionInfo `json:"clients"`
}

// Handler returns the HTTP routes: the WebSocket endpoint at the configured
// path, /healthz, /stats and, when enabled, the metrics endpoint.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.NotFound(httputil.NotFound)
	r.MethodNotAllowed(httputil.MethodNotAllowed)

	r.Get("/healthz", s.handleHealth)
	r.Get("/stats", s.handleStats)
	if s.metrics != nil {
		r.Method(http.MethodGet, s.cfg.Metrics.Path, metrics.Handler(s.registry))
	}
	r.Method(http.MethodGet, s.cfg.Path, s.endpoint)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	stats := s.endpoint.Stats()
	uptime := s.Uptime()
	httputil.WriteJSON(w, http.StatusOK, StatsResponse{
		Connections:      s.engine.NumConnections(),
		TotalConnections: stats.TotalConnections,
		MessagesSent:     stats.TotalMessagesSent,
		MessagesReceived: stats.TotalMessagesReceived,
		MessagesDropped:  stats.TotalMessagesDropped,
		Uptime:           uptime.Truncate(time.Second).String(),
		UptimeSeconds:    int64(uptime.Seconds()),
		Clients:          s.endpoint.Connections(),
	})
}
