package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name.
const Namespace = "wsserver"

// Receive results.
const (
	ResultDispatched = "dispatched"
	ResultUnhandled  = "unhandled"
	ResultMalformed  = "malformed"
	ResultUntyped    = "untyped"
)

// Drop reasons.
const (
	DropQueueFull = "queue_full"
	DropClosed    = "closed"
)

// Dispatch events.
const (
	EventOpen    = "open"
	EventClose   = "close"
	EventMessage = "message"
)

// Metrics holds the server's Prometheus collectors.
type Metrics struct {
	activeConnections prometheus.Gauge
	connectionsTotal  prometheus.Counter
	messagesReceived  *prometheus.CounterVec
	messagesSent      prometheus.Counter
	messagesDropped   *prometheus.CounterVec
	handlerFaults     *prometheus.CounterVec
	dispatchDuration  *prometheus.HistogramVec
}

// New creates the server metrics and registers them on reg.
// It panics if a metric with the same name is already registered on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "active_connections",
			Help:      "Number of open WebSocket connections",
		}),

		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "connections_total",
			Help:      "Total number of accepted WebSocket connections",
		}),

		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "messages_received_total",
			Help:      "Total number of inbound frames by dispatch result",
		}, []string{"result"}),

		messagesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "messages_sent_total",
			Help:      "Total number of outbound frames written to peers",
		}),

		messagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "messages_dropped_total",
			Help:      "Total number of outbound frames dropped before reaching the wire",
		}, []string{"reason"}),

		handlerFaults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "handler_faults_total",
			Help:      "Total number of handler invocations that returned an error or panicked",
		}, []string{"event"}),

		dispatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent running the handlers for one event",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event"}),
	}
}

// NewRegistry creates a registry preloaded with the Go runtime and process
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler returns an http.Handler serving the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// ConnectionOpened records a newly accepted connection.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connectionsTotal.Inc()
	m.activeConnections.Inc()
}

// ConnectionClosed records a closed connection.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
}

// MessageReceived records an inbound frame with its dispatch result.
func (m *Metrics) MessageReceived(result string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(result).Inc()
}

// MessageSent records an outbound frame written to a peer.
func (m *Metrics) MessageSent() {
	if m == nil {
		return
	}
	m.messagesSent.Inc()
}

// MessageDropped records an outbound frame that was never written.
func (m *Metrics) MessageDropped(reason string) {
	if m == nil {
		return
	}
	m.messagesDropped.WithLabelValues(reason).Inc()
}

// HandlerFault records a handler that returned an error or panicked.
func (m *Metrics) HandlerFault(event string) {
	if m == nil {
		return
	}
	m.handlerFaults.WithLabelValues(event).Inc()
}

// ObserveDispatch records how long the handlers for one event took.
func (m *Metrics) ObserveDispatch(event string, d time.Duration) {
	if m == nil {
		return
	}
	m.dispatchDuration.WithLabelValues(event).Observe(d.Seconds())
}
