// Package session provides the per-connection outbound queue that decouples
// room broadcasts from socket writes.
package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cory-johannsen/omokchat/internal/protocol"
)

// DefaultOutboxSize is used when a non-positive size is requested.
const DefaultOutboxSize = 256

var (
	ErrOutboxClosed = errors.New("outbox is closed")
	ErrOutboxFull   = errors.New("outbox buffer full")
)

// Outbox is a bounded queue of envelopes waiting to be written to one client.
// Producers never block; a single writer goroutine drains it with Take.
//
// The bound counts envelopes pushed one at a time since the writer last took
// the queue. Batches are admitted whole while the bound holds and do not count
// against it.
type Outbox struct {
	owner string
	size  int

	mu      sync.Mutex
	ready   *sync.Cond
	pending []protocol.Envelope
	live    int
	closed  bool
}

// NewOutbox creates an Outbox for the named owner.
//
// Postcondition: Returns an open, empty Outbox admitting up to size single pushes between takes.
func NewOutbox(owner string, size int) *Outbox {
	if size <= 0 {
		size = DefaultOutboxSize
	}
	o := &Outbox{owner: owner, size: size}
	o.ready = sync.NewCond(&o.mu)
	return o
}

// Push enqueues env without blocking.
//
// Postcondition: env is queued, or ErrOutboxClosed / ErrOutboxFull is returned and env is dropped.
func (o *Outbox) Push(env protocol.Envelope) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.admitLocked(); err != nil {
		return err
	}
	o.pending = append(o.pending, env)
	o.live++
	o.ready.Signal()
	return nil
}

// PushBatch enqueues envs in order without blocking.
//
// Postcondition: Either every envelope of envs is queued contiguously, or none is.
func (o *Outbox) PushBatch(envs []protocol.Envelope) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.admitLocked(); err != nil {
		return err
	}
	o.pending = append(o.pending, envs...)
	o.ready.Signal()
	return nil
}

func (o *Outbox) admitLocked() error {
	if o.closed {
		return fmt.Errorf("%s: %w", o.owner, ErrOutboxClosed)
	}
	if o.live >= o.size {
		return fmt.Errorf("%s: %w (%d pending)", o.owner, ErrOutboxFull, len(o.pending))
	}
	return nil
}

// Take blocks until envelopes are pending or the outbox is closed, and returns
// everything pending in push order.
//
// Postcondition: ok is false only once the outbox is closed and fully drained.
func (o *Outbox) Take() (envs []protocol.Envelope, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for len(o.pending) == 0 && !o.closed {
		o.ready.Wait()
	}
	if len(o.pending) == 0 {
		return nil, false
	}
	envs = o.pending
	o.pending = nil
	o.live = 0
	return envs, true
}

// Close stops accepting envelopes and wakes the writer. Envelopes already
// queued remain available to Take. Safe to call more than once.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.closed {
		o.closed = true
		o.ready.Broadcast()
	}
}

// Len returns the number of queued envelopes.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}
