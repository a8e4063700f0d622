package bus

import (
	"context"
	"errors"
)

// ErrClosed is returned by Send once the bus has been closed.
var ErrClosed = errors.New("bus: closed")

// Bus is a bounded-capacity, single-consumer channel from any number of
// control goroutines to the one audio callback goroutine. Capacity is
// intentionally small (the original runtime's crossbeam channel uses
// bounded(0), a full rendezvous); fluxgraph uses a small buffer instead so
// Send from a non-realtime goroutine never has to block on the audio
// thread's exact timing, while PollOne still only ever drains one message
// per callback.
type Bus struct {
	messages chan Message
	closed   chan struct{}
}

// New creates a Bus with the given channel capacity. A capacity of 0
// makes Send a full rendezvous with PollOne, matching the original
// runtime's bounded(0) channel most closely; most hosts want a small
// buffer (e.g. 8) so bursts of control messages don't stall their caller.
func New(capacity int) *Bus {
	return &Bus{
		messages: make(chan Message, capacity),
		closed:   make(chan struct{}),
	}
}

// Send delivers msg to the audio thread, blocking until there is room (or
// the bus is closed, or ctx is done).
func (b *Bus) Send(ctx context.Context, msg Message) error {
	select {
	case <-b.closed:
		return ErrClosed
	default:
	}
	select {
	case b.messages <- msg:
		return nil
	case <-b.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PollOne is called once per audio callback. It never blocks: it either
// returns the single oldest pending message, or reports none pending.
func (b *Bus) PollOne() (Message, bool) {
	select {
	case m := <-b.messages:
		return m, true
	default:
		return Message{}, false
	}
}

// Close stops accepting new sends; pending messages already queued remain
// available to PollOne until drained.
func (b *Bus) Close() {
	select {
	case <-b.closed:
	default:
		close(b.closed)
	}
}
