package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Port < 0 || c.Port > 65535 {
		add("port %d is out of range (0-65535)", c.Port)
	}
	if !strings.HasPrefix(c.Path, "/") {
		add("path %q must start with /", c.Path)
	}
	if c.MaxConnections < 0 {
		add("maxConnections %d must not be negative", c.MaxConnections)
	}
	if c.MaxMessageSize <= 0 {
		add("maxMessageSize %d must be positive", c.MaxMessageSize)
	}
	if c.SendQueueSize <= 0 {
		add("sendQueueSize %d must be positive", c.SendQueueSize)
	}

	for _, d := range []struct {
		name  string
		value Duration
	}{
		{"shutdownTimeout", c.ShutdownTimeout},
		{"writeTimeout", c.WriteTimeout},
		{"idleTimeout", c.IdleTimeout},
	} {
		if d.value < 0 {
			add("%s %s must not be negative", d.name, d.value)
		}
	}

	if c.Heartbeat.Enabled {
		if c.Heartbeat.Interval <= 0 {
			add("heartbeat.interval must be positive when heartbeat is enabled")
		}
		if c.Heartbeat.Timeout <= 0 {
			add("heartbeat.timeout must be positive when heartbeat is enabled")
		}
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		add("log.format %q is not one of text, json", c.Log.Format)
	}

	if c.Metrics.Enabled {
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			add("metrics.path %q must start with /", c.Metrics.Path)
		} else if c.Metrics.Path == c.Path {
			add("metrics.path %q conflicts with path", c.Metrics.Path)
		}
	}

	return errors.Join(errs...)
}
