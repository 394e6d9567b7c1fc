package config

import "time"

// DefaultPort is the default listen port.
const DefaultPort = 8080

// DefaultPath is the default WebSocket upgrade path.
const DefaultPath = "/"

// DefaultMaxMessageSize is the default inbound message limit in bytes.
const DefaultMaxMessageSize = 65536

// DefaultSendQueueSize is the default number of frames queued per connection.
const DefaultSendQueueSize = 256

// DefaultWriteTimeout is the default limit for a single frame write.
const DefaultWriteTimeout = Duration(10 * time.Second)

// DefaultShutdownTimeout is the default grace period for open connections.
const DefaultShutdownTimeout = Duration(10 * time.Second)

// Default heartbeat timings, used when heartbeat is enabled.
const (
	DefaultHeartbeatInterval = Duration(30 * time.Second)
	DefaultHeartbeatTimeout  = Duration(10 * time.Second)
)

// DefaultMetricsPath is the default path of the Prometheus endpoint.
const DefaultMetricsPath = "/metrics"

// Default returns a Config holding the default values.
func Default() *Config {
	cfg := &Config{
		Port:             DefaultPort,
		Path:             DefaultPath,
		ShutdownTimeout:  DefaultShutdownTimeout,
		MaxMessageSize:   DefaultMaxMessageSize,
		SendQueueSize:    DefaultSendQueueSize,
		WriteTimeout:     DefaultWriteTimeout,
		SkipOriginVerify: true,
		Heartbeat: HeartbeatConfig{
			Interval: DefaultHeartbeatInterval,
			Timeout:  DefaultHeartbeatTimeout,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    DefaultMetricsPath,
		},
		Sources: make(map[string]string),
	}

	for _, key := range []string{
		"port", "path", "shutdownTimeout", "maxMessageSize", "sendQueueSize",
		"writeTimeout", "skipOriginVerify", "heartbeat.interval", "heartbeat.timeout",
		"log.level", "log.format", "metrics.enabled", "metrics.path",
	} {
		cfg.Sources[key] = SourceDefault
	}

	return cfg
}
