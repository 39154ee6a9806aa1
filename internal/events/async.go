package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrDropped is returned when the async buffer is full or closed.
var ErrDropped = errors.New("events: event dropped")

// Async decouples actors from slow sinks. Publish never blocks; a single
// worker forwards events to the wrapped sink in order.
type Async struct {
	next    Sink
	logger  *zap.Logger
	timeout time.Duration

	queue  chan Event
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewAsync starts a worker that forwards to next with a per-event timeout.
//
// Precondition: next and logger must be non-nil.
// Postcondition: Close must be called to stop the worker.
func NewAsync(next Sink, size int, timeout time.Duration, logger *zap.Logger) *Async {
	if size <= 0 {
		size = 256
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	a := &Async{
		next:    next,
		logger:  logger,
		timeout: timeout,
		queue:   make(chan Event, size),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

// Publish enqueues ev.
func (a *Async) Publish(_ context.Context, ev Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrDropped
	}
	select {
	case a.queue <- ev:
		return nil
	default:
		a.logger.Warn("event buffer full, dropping event",
			zap.String("kind", ev.Kind),
			zap.String("lobby", ev.Lobby),
		)
		return ErrDropped
	}
}

func (a *Async) run() {
	defer a.wg.Done()
	for ev := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.next.Publish(ctx, ev); err != nil {
			a.logger.Warn("publishing event",
				zap.String("kind", ev.Kind),
				zap.String("lobby", ev.Lobby),
				zap.Error(err),
			)
		}
		cancel()
	}
}

// Close drains queued events and stops the worker. Safe to call multiple times.
func (a *Async) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()
	a.wg.Wait()
}
