package dispatch

import "errors"

// Common errors for the dispatch package.
var (
	// ErrLoopRunning indicates Run was called on a Loop that is already running.
	ErrLoopRunning = errors.New("loop already running")
	// ErrLoopStopped indicates the Loop no longer accepts work.
	ErrLoopStopped = errors.New("loop stopped")
	// ErrHandlerPanic wraps the value recovered from a panicking handler.
	ErrHandlerPanic = errors.New("handler panicked")
)
