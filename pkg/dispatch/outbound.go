package dispatch

import (
	"fmt"

	"github.com/adamrehn/websocket-server-demo/pkg/conn"
	"github.com/adamrehn/websocket-server-demo/pkg/envelope"
)

// Send encodes payload as a message of type msgType and queues it for the
// connection behind h. The payload is not modified.
//
// Sending to a connection that has already closed writes nothing, including
// from the connection's own disconnect handlers. Only an encoding failure is
// reported.
func (e *Engine) Send(h conn.Handle, msgType string, payload envelope.Document) error {
	if !e.transport.Alive(h) {
		return nil
	}
	data, err := envelope.Pack(e.codec, msgType, payload)
	if err != nil {
		return fmt.Errorf("send %q: %w", msgType, err)
	}
	if !e.transport.Send(h, data) {
		e.log.Debug("message not queued", "handle", h, "type", msgType)
	}
	return nil
}

// Broadcast encodes payload once and queues it for every open connection.
// It returns the number of connections the message was queued for. A
// connection that closes during the broadcast is skipped.
func (e *Engine) Broadcast(msgType string, payload envelope.Document) (int, error) {
	recipients := e.registry.Snapshot()
	if len(recipients) == 0 {
		return 0, nil
	}

	data, err := envelope.Pack(e.codec, msgType, payload)
	if err != nil {
		return 0, fmt.Errorf("broadcast %q: %w", msgType, err)
	}

	queued := 0
	for _, h := range recipients {
		if e.transport.Send(h, data) {
			queued++
		}
	}
	return queued, nil
}
