package websocket

import (
	"time"

	ws "github.com/coder/websocket"
)

// MessageType represents the type of WebSocket message.
type MessageType int

const (
	// MessageText indicates a UTF-8 encoded text message.
	MessageText MessageType = 1
	// MessageBinary indicates a binary message.
	MessageBinary MessageType = 2
)

// String returns the string representation of the message type.
func (t MessageType) String() string {
	switch t {
	case MessageText:
		return "text"
	case MessageBinary:
		return "binary"
	default:
		return "unknown"
	}
}

func messageTypeOf(t ws.MessageType) MessageType {
	if t == ws.MessageBinary {
		return MessageBinary
	}
	return MessageText
}

// CloseCode represents a WebSocket close status code per RFC 6455.
type CloseCode int

const (
	// CloseNormalClosure indicates a normal closure (1000).
	CloseNormalClosure CloseCode = 1000
	// CloseGoingAway indicates the endpoint is going away (1001).
	CloseGoingAway CloseCode = 1001
	// CloseProtocolError indicates a protocol error (1002).
	CloseProtocolError CloseCode = 1002
	// CloseNoStatusReceived indicates no status code was received (1005).
	CloseNoStatusReceived CloseCode = 1005
	// CloseAbnormalClosure indicates abnormal closure (1006).
	CloseAbnormalClosure CloseCode = 1006
	// ClosePolicyViolation indicates a policy violation (1008).
	ClosePolicyViolation CloseCode = 1008
	// CloseMessageTooBig indicates message is too large (1009).
	CloseMessageTooBig CloseCode = 1009
	// CloseInternalError indicates internal server error (1011).
	CloseInternalError CloseCode = 1011
)

// String returns a human-readable description of the close code.
func (c CloseCode) String() string {
	switch c {
	case CloseNormalClosure:
		return "normal closure"
	case CloseGoingAway:
		return "going away"
	case CloseProtocolError:
		return "protocol error"
	case CloseNoStatusReceived:
		return "no status received"
	case CloseAbnormalClosure:
		return "abnormal closure"
	case ClosePolicyViolation:
		return "policy violation"
	case CloseMessageTooBig:
		return "message too big"
	case CloseInternalError:
		return "internal error"
	default:
		return "unknown"
	}
}

// ConnectionInfo represents public information about a connection.
type ConnectionInfo struct {
	ID               string         `json:"id"`
	Handle           string         `json:"handle"`
	Subprotocol      string         `json:"subprotocol,omitempty"`
	ConnectedAt      time.Time      `json:"connectedAt"`
	LastMessageAt    time.Time      `json:"lastMessageAt,omitempty"`
	MessagesSent     int64          `json:"messagesSent"`
	MessagesReceived int64          `json:"messagesReceived"`
	QueuedMessages   int            `json:"queuedMessages"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// Stats represents aggregate endpoint statistics.
type Stats struct {
	ActiveConnections     int    `json:"activeConnections"`
	TotalConnections      int64  `json:"totalConnections"`
	TotalMessagesSent     int64  `json:"totalMessagesSent"`
	TotalMessagesReceived int64  `json:"totalMessagesReceived"`
	TotalMessagesDropped  int64  `json:"totalMessagesDropped"`
	Uptime                string `json:"uptime"`
}
