package websocket

import "github.com/google/uuid"

// GenerateConnectionID generates a unique connection ID of the form
// "conn-<uuid>". IDs are for logs and stats only; dispatch uses handles.
func GenerateConnectionID() string {
	return "conn-" + uuid.NewString()
}
