// Package actor provides the mailbox, request/response and weak-handle
// primitives shared by the session, lobby and registry actors.
//
// Every actor owns one Mailbox and drains it from a single goroutine, so the
// state behind it is never touched concurrently.
package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrStopped is returned when the target actor has terminated.
	ErrStopped = errors.New("actor: stopped")
	// ErrTimeout is returned when a request was not answered within its deadline.
	ErrTimeout = errors.New("actor: request timed out")
	// ErrMailboxFull is returned by TryTell when the inbox has no free slot.
	ErrMailboxFull = errors.New("actor: mailbox full")
)

// Mailbox is a bounded FIFO inbox plus a termination signal.
// The inbox channel is never closed, so senders cannot panic after the
// owner stops; they observe Done instead.
type Mailbox[M any] struct {
	inbox chan M
	done  chan struct{}
	once  sync.Once
}

// NewMailbox creates a Mailbox with room for size queued messages.
//
// Postcondition: size <= 0 is raised to 1.
func NewMailbox[M any](size int) *Mailbox[M] {
	if size <= 0 {
		size = 1
	}
	return &Mailbox[M]{
		inbox: make(chan M, size),
		done:  make(chan struct{}),
	}
}

// Inbox returns the receive side. Only the owning goroutine reads it.
func (m *Mailbox[M]) Inbox() <-chan M { return m.inbox }

// Done is closed once the owner has stopped.
func (m *Mailbox[M]) Done() <-chan struct{} { return m.done }

// Close marks the owner stopped. Safe to call multiple times.
func (m *Mailbox[M]) Close() {
	m.once.Do(func() { close(m.done) })
}

// Alive reports whether the owner is still running.
func (m *Mailbox[M]) Alive() bool {
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

// Tell enqueues msg, blocking while the inbox is full.
//
// Postcondition: Returns ErrStopped if the owner stopped, or a wrapped
// context error if ctx ended first.
func (m *Mailbox[M]) Tell(ctx context.Context, msg M) error {
	if !m.Alive() {
		return ErrStopped
	}
	select {
	case m.inbox <- msg:
		return nil
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		return contextErr(ctx)
	}
}

// TryTell enqueues msg without blocking.
func (m *Mailbox[M]) TryTell(msg M) error {
	if !m.Alive() {
		return ErrStopped
	}
	select {
	case m.inbox <- msg:
		return nil
	case <-m.done:
		return ErrStopped
	default:
		return ErrMailboxFull
	}
}

// Ask sends the message produced by build and waits for its single reply.
//
// The reply channel has capacity one, so the target never blocks answering
// a caller that already gave up.
//
// Precondition: ctx should carry a deadline; Ask waits until ctx ends otherwise.
// Postcondition: Returns the reply, ErrStopped, ErrTimeout, or ctx.Err().
func Ask[M, R any](ctx context.Context, mb *Mailbox[M], build func(reply chan<- R) M) (R, error) {
	var zero R
	reply := make(chan R, 1)
	if err := mb.Tell(ctx, build(reply)); err != nil {
		return zero, err
	}
	select {
	case r := <-reply:
		return r, nil
	case <-mb.Done():
		// The owner may have answered just before stopping.
		select {
		case r := <-reply:
			return r, nil
		default:
			return zero, ErrStopped
		}
	case <-ctx.Done():
		return zero, contextErr(ctx)
	}
}

// Call is Ask for requests whose effect must not outlive the caller. The
// reply channel is unbuffered, so the target learns from Offer whether the
// caller received the reply and commits only then.
//
// Precondition: the target answers through Offer with the ctx carried in
// the message, which must be the ctx passed here.
// Postcondition: Returns the reply, ErrStopped, ErrTimeout, or ctx.Err().
// On error the target has not committed.
func Call[M, R any](ctx context.Context, mb *Mailbox[M], build func(reply chan<- R) M) (R, error) {
	var zero R
	reply := make(chan R)
	if err := mb.Tell(ctx, build(reply)); err != nil {
		return zero, err
	}
	select {
	case r := <-reply:
		return r, nil
	case <-mb.Done():
		return zero, ErrStopped
	case <-ctx.Done():
		return zero, contextErr(ctx)
	}
}

// Offer hands r to a caller blocked in Call.
//
// Postcondition: Returns true only if the caller received r. On false the
// caller has given up and the target must leave its state unchanged.
func Offer[R any](ctx context.Context, reply chan<- R, r R) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case reply <- r:
		return true
	case <-ctx.Done():
		return false
	}
}

func contextErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}
	return ctx.Err()
}
