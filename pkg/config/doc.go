// Package config provides configuration types and loading for wsserver.
//
// Values come from several sources. Later sources override earlier ones:
//  1. Defaults (Default)
//  2. A YAML config file (LoadFile)
//  3. WSSERVER_* environment variables (ApplyEnv)
//  4. Command-line flags, applied by the CLI
//
// Every Config records where each key came from in Sources, which the CLI
// prints with `serve --print-config`.
//
// Example file:
//
//	port: 8080
//	path: /
//	sendQueueSize: 256
//	writeTimeout: 10s
//	heartbeat:
//	  enabled: true
//	  interval: 30s
//	log:
//	  level: debug
//	  format: json
package config
