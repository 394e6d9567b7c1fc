package cli

import "errors"

// Common CLI errors
var (
	ErrInvalidPayload = errors.New("payload must be a JSON object")
	ErrNoReply        = errors.New("no matching reply before timeout")
)
