package websocket

import "errors"

// Common errors for the websocket package.
var (
	// ErrConnectionClosed indicates the connection is closed.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrConnectionNotFound indicates the handle does not refer to an open connection.
	ErrConnectionNotFound = errors.New("connection not found")
	// ErrEndpointClosed indicates the endpoint is shutting down.
	ErrEndpointClosed = errors.New("endpoint is shutting down")
	// ErrQueueFull indicates the connection's outbound queue has no room.
	ErrQueueFull = errors.New("send queue full")
	// ErrSubprotocolRequired indicates a subprotocol is required but not provided.
	ErrSubprotocolRequired = errors.New("subprotocol required")
	// ErrSubprotocolMismatch indicates the requested subprotocol is not supported.
	ErrSubprotocolMismatch = errors.New("subprotocol not supported")
)
