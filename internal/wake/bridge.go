// Package wake bridges engine-side "there is work pending" notifications into
// the goroutine that drives a render session.
//
// A bridge has exactly one producer (the engine's background goroutines, via
// Sender) and one consumer (the render state machine, via Receiver). The
// buffer holds at most one signal: a pending signal already guarantees the
// consumer will re-poll the engine, so further signals carry no information
// and are dropped instead of queued.
package wake

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Receive once the producer side is gone and no
// signal is pending.
var ErrClosed = errors.New("wake bridge closed")

// Sender is the producer end. It is safe for concurrent use.
type Sender struct {
	mu     sync.Mutex
	ch     chan struct{}
	closed bool

	sent      atomic.Int64
	coalesced atomic.Int64
}

// Receiver is the consumer end. Only one goroutine may call Receive.
type Receiver struct {
	ch       <-chan struct{}
	received atomic.Int64
}

// New returns both ends of a bridge with capacity one.
func New() (*Sender, *Receiver) {
	ch := make(chan struct{}, 1)
	return &Sender{ch: ch}, &Receiver{ch: ch}
}

// Wake signals the consumer. It never blocks; if a signal is already pending
// the call is coalesced into it. Wake after Close is a no-op.
func (s *Sender) Wake() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- struct{}{}:
		s.sent.Add(1)
	default:
		s.coalesced.Add(1)
	}
}

// Close permanently closes the producer side. A signal that is already
// pending is still delivered before Receive reports ErrClosed.
func (s *Sender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Sent reports how many signals were buffered.
func (s *Sender) Sent() int64 { return s.sent.Load() }

// Coalesced reports how many signals were dropped because one was pending.
func (s *Sender) Coalesced() int64 { return s.coalesced.Load() }

// Receive suspends until a signal arrives, the producer closes, or ctx ends.
func (r *Receiver) Receive(ctx context.Context) error {
	select {
	case _, ok := <-r.ch:
		if !ok {
			return ErrClosed
		}
		r.received.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Received reports how many signals the consumer has observed.
func (r *Receiver) Received() int64 { return r.received.Load() }
