// Package metrics exposes Prometheus metrics for the server.
//
// All metrics are registered on a caller-supplied prometheus.Registerer,
// so several servers (or tests) in one process never share state.
//
// # Metrics
//
//   - wsserver_active_connections: Gauge of open WebSocket connections
//   - wsserver_connections_total: Counter of accepted connections
//   - wsserver_messages_received_total: Counter of inbound frames (labels: result)
//   - wsserver_messages_sent_total: Counter of outbound frames written
//   - wsserver_messages_dropped_total: Counter of outbound frames dropped (labels: reason)
//   - wsserver_handler_faults_total: Counter of handler errors and panics (labels: event)
//   - wsserver_dispatch_duration_seconds: Histogram of event dispatch time (labels: event)
//
// # Label Conventions
//
//   - result: dispatched, unhandled, malformed, untyped
//   - reason: queue_full, closed
//   - event: open, close, message
//
// # Usage
//
//	reg := prometheus.NewRegistry()
//	m := metrics.New(reg)
//	m.ConnectionOpened()
//
//	http.Handle("/metrics", metrics.Handler(reg))
//
// Every method is safe to call on a nil *Metrics, which records nothing.
package metrics
