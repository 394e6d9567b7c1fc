package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/adamrehn/websocket-server-demo/pkg/logging"
)

// Loop is a serial execution context. Work posted to it runs one item at a
// time, in posting order, on the goroutine that called Run.
type Loop struct {
	queue   []func()
	wake    chan struct{}
	stopped chan struct{}
	closed  bool
	running atomic.Bool
	log     *slog.Logger
	mu      sync.Mutex
}

// NewLoop creates a Loop. Work may be posted before Run is called; it runs
// once the loop starts.
func NewLoop(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Loop{
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
		log:     logger,
	}
}

// Post queues fn and returns without waiting. The queue is unbounded, so
// Post never blocks, including when called from the loop itself.
// It returns false if the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the loop and waits for it to finish.
// It must not be called from the loop goroutine.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return ErrLoopStopped
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stopped:
		// fn may have completed just before the loop exited
		select {
		case <-done:
			return nil
		default:
			return ErrLoopStopped
		}
	}
}

// Stopped returns a channel closed once Run has returned.
func (l *Loop) Stopped() <-chan struct{} {
	return l.stopped
}

// Run executes posted work until ctx is done. Work still queued at that point
// is discarded and later posts are refused. A Loop runs at most once.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		select {
		case <-l.stopped:
			return ErrLoopStopped
		default:
			return ErrLoopRunning
		}
	}
	defer func() {
		l.mu.Lock()
		l.closed = true
		l.queue = nil
		l.mu.Unlock()
		close(l.stopped)
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		batch := l.take()
		for _, fn := range batch {
			l.runTask(fn)
			if ctx.Err() != nil {
				return nil
			}
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-l.wake:
		}
	}
}

func (l *Loop) take() []func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	batch := l.queue
	l.queue = nil
	return batch
}

// runTask keeps a panicking task from taking the loop down with it.
func (l *Loop) runTask(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("loop task panicked", "error", fmt.Sprint(r))
		}
	}()
	fn()
}
