// Package session tracks connected users, their outbound frame queues and
// their room memberships.
package session

import (
	"errors"
	"fmt"
	"sync"
)

// ErrOutboxFull is returned when a slow peer has not drained its queue.
var ErrOutboxFull = errors.New("outbox full")

// ErrOutboxClosed is returned by Push after Close.
var ErrOutboxClosed = errors.New("outbox closed")

// Outbox queues encoded frames for a connection's writer goroutine. Push
// never blocks.
type Outbox struct {
	owner  string
	frames chan []byte
	mu     sync.Mutex
	closed bool
}

// NewOutbox creates an Outbox holding up to size frames.
//
// Postcondition: A non-positive size uses 64.
func NewOutbox(owner string, size int) *Outbox {
	if size <= 0 {
		size = 64
	}
	return &Outbox{owner: owner, frames: make(chan []byte, size)}
}

// Push enqueues frame.
//
// Postcondition: Returns ErrOutboxClosed or ErrOutboxFull instead of blocking.
func (o *Outbox) Push(frame []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return fmt.Errorf("user %s: %w", o.owner, ErrOutboxClosed)
	}
	select {
	case o.frames <- frame:
		return nil
	default:
		return fmt.Errorf("user %s: %w", o.owner, ErrOutboxFull)
	}
}

// WriteFrame lets an Outbox serve as a channel transport.
func (o *Outbox) WriteFrame(frame []byte) error {
	return o.Push(frame)
}

// Frames is drained by the connection writer; it is closed by Close.
func (o *Outbox) Frames() <-chan []byte {
	return o.frames
}

// Close stops accepting frames and closes the queue. Close is idempotent.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		close(o.frames)
	}
}

// IsClosed reports whether Close has been called.
func (o *Outbox) IsClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}
