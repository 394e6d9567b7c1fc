package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by ApplyEnv.
const EnvPrefix = "WSSERVER_"

// ConfigError represents a configuration error with location info.
type ConfigError struct {
	Path    string
	Line    int
	Message string
}

func (e *ConfigError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s (line %d): %s", e.Path, e.Line, e.Message)
	}
	return e.Path + ": " + e.Message
}

// LoadFile reads a YAML config file over the defaults. Unknown keys are
// rejected.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, &ConfigError{Path: path, Message: err.Error()}
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, &ConfigError{Path: path, Message: err.Error()}
	}

	if len(root.Content) > 0 {
		doc := root.Content[0]
		if doc.Kind != yaml.MappingNode {
			return nil, &ConfigError{Path: path, Line: doc.Line, Message: "top level must be a mapping"}
		}
		markSources(cfg, doc, "")
	}
	return cfg, nil
}

// markSources records every leaf key present in the file.
func markSources(cfg *Config, node *yaml.Node, prefix string) {
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := prefix + node.Content[i].Value
		if value := node.Content[i+1]; value.Kind == yaml.MappingNode {
			markSources(cfg, value, key+".")
			continue
		}
		cfg.SetSource(key, SourceFile)
	}
}

// Load builds a Config from the defaults, the file at path (if not empty)
// and the environment as seen through lookup.
func Load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := ApplyEnv(cfg, lookup); err != nil {
		return nil, err
	}
	return cfg, nil
}

type envVar struct {
	name  string
	key   string
	apply func(cfg *Config, v string) error
}

var envVars = []envVar{
	{"PORT", "port", func(c *Config, v string) error { return setInt(&c.Port, v) }},
	{"PATH", "path", func(c *Config, v string) error { c.Path = v; return nil }},
	{"MAX_CONNECTIONS", "maxConnections", func(c *Config, v string) error { return setInt(&c.MaxConnections, v) }},
	{"SHUTDOWN_TIMEOUT", "shutdownTimeout", func(c *Config, v string) error { return setDuration(&c.ShutdownTimeout, v) }},
	{"MAX_MESSAGE_SIZE", "maxMessageSize", func(c *Config, v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer %q", v)
		}
		c.MaxMessageSize = n
		return nil
	}},
	{"SEND_QUEUE_SIZE", "sendQueueSize", func(c *Config, v string) error { return setInt(&c.SendQueueSize, v) }},
	{"WRITE_TIMEOUT", "writeTimeout", func(c *Config, v string) error { return setDuration(&c.WriteTimeout, v) }},
	{"IDLE_TIMEOUT", "idleTimeout", func(c *Config, v string) error { return setDuration(&c.IdleTimeout, v) }},
	{"HEARTBEAT_ENABLED", "heartbeat.enabled", func(c *Config, v string) error { return setBool(&c.Heartbeat.Enabled, v) }},
	{"HEARTBEAT_INTERVAL", "heartbeat.interval", func(c *Config, v string) error { return setDuration(&c.Heartbeat.Interval, v) }},
	{"HEARTBEAT_TIMEOUT", "heartbeat.timeout", func(c *Config, v string) error { return setDuration(&c.Heartbeat.Timeout, v) }},
	{"SUBPROTOCOLS", "subprotocols", func(c *Config, v string) error { c.Subprotocols = SplitList(v); return nil }},
	{"SKIP_ORIGIN_VERIFY", "skipOriginVerify", func(c *Config, v string) error { return setBool(&c.SkipOriginVerify, v) }},
	{"LOG_LEVEL", "log.level", func(c *Config, v string) error { c.Log.Level = v; return nil }},
	{"LOG_FORMAT", "log.format", func(c *Config, v string) error { c.Log.Format = v; return nil }},
	{"METRICS_ENABLED", "metrics.enabled", func(c *Config, v string) error { return setBool(&c.Metrics.Enabled, v) }},
	{"METRICS_PATH", "metrics.path", func(c *Config, v string) error { c.Metrics.Path = v; return nil }},
}

// ApplyEnv overrides cfg with WSSERVER_* variables found by lookup. Empty
// variables are ignored. Pass os.LookupEnv in production.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if lookup == nil {
		return nil
	}

	var errs []error
	for _, ev := range envVars {
		name := EnvPrefix + ev.name
		v, ok := lookup(name)
		v = strings.TrimSpace(v)
		if !ok || v == "" {
			continue
		}
		if err := ev.apply(cfg, v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		cfg.SetSource(ev.key, SourceEnv)
	}
	return errors.Join(errs...)
}

// SplitList splits a comma separated list, dropping empty items.
func SplitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func setInt(dst *int, v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid integer %q", v)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, v string) error {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid boolean %q", v)
	}
	*dst = b
	return nil
}

func setDuration(dst *Duration, v string) error {
	d, err := ParseDuration(v)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}
