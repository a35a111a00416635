// Package bus implements the cross-thread message bus described in spec
// §4.1: messages carry a route of (handler, next-pipe) hops; pushing a
// message enqueues it on the first pipe, and each receiver runs its hop
// then forwards to the next pipe, terminating when there isn't one.
//
// Tarantool's cbus runs on real OS threads; this module has no OS threads
// of its own, only goroutines, so "thread" below always means "the single
// goroutine that owns a Pipe's receive side and calls Drain on it".
package bus

import "context"

// Hop is one step of a message's route: Handler runs in the thread that
// owns the pipe the message currently sits on, then the message is
// forwarded to Next (or the route ends if Next is nil).
type Hop struct {
	Handler func(*Message)
	Next    *Pipe
}

// Message is a single routed unit pushed onto a Pipe. Payload is
// user-defined and must outlive the round trip — callers own the Message's
// lifetime, matching the spec's "messages are user-allocated" contract.
type Message struct {
	Route   []Hop
	hopIdx  int
	Payload any
}

// NewMessage builds a message that will run each hop of route in order.
func NewMessage(payload any, route ...Hop) *Message {
	return &Message{Route: route, Payload: payload}
}

// Pipe is a two-way channel a single goroutine (the "owning thread") drains
// by calling Drain or Run. Buffered so producers on other goroutines never
// block unless the owner is falling behind.
type Pipe struct {
	ch chan *Message
}

// NewPipe returns a Pipe with the given buffer capacity.
func NewPipe(capacity int) *Pipe {
	return &Pipe{ch: make(chan *Message, capacity)}
}

// Push enqueues msg on the pipe. It blocks if the pipe is full — this is
// the "wal_write itself never blocks TX unless the input pipe is at
// capacity" behavior spec §5 describes.
func (p *Pipe) Push(msg *Message) {
	p.ch <- msg
}

// TryPush enqueues msg without blocking, reporting whether it was
// accepted.
func (p *Pipe) TryPush(msg *Message) bool {
	select {
	case p.ch <- msg:
		return true
	default:
		return false
	}
}

// Chan exposes the receive side for a goroutine's own select loop, when
// Drain's blocking-run shape doesn't fit (e.g. the WAL event loop, which
// also selects on a shutdown channel).
func (p *Pipe) Chan() <-chan *Message {
	return p.ch
}

// step runs a message's current hop and advances it to the next pipe, if
// any. Returns true if the message's route is now exhausted.
func step(msg *Message) (next *Pipe, done bool) {
	if msg.hopIdx >= len(msg.Route) {
		return nil, true
	}
	hop := msg.Route[msg.hopIdx]
	msg.hopIdx++
	if hop.Handler != nil {
		hop.Handler(msg)
	}
	if hop.Next == nil {
		return nil, true
	}
	return hop.Next, false
}

// Drain runs every message currently buffered on p, forwarding each to its
// next hop. It does not block waiting for new messages — callers that want
// to block should select on Chan() directly.
func (p *Pipe) Drain() {
	for {
		select {
		case msg := <-p.ch:
			if next, done := step(msg); !done {
				next.Push(msg)
			}
		default:
			return
		}
	}
}

// Run blocks, processing messages as they arrive, until ctx is cancelled.
func (p *Pipe) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-p.ch:
			if next, done := step(msg); !done {
				next.Push(msg)
			}
		}
	}
}

// PriorityPush is the WAL→TX commit path's "priority return pipe that must
// not yield" (spec §4.1): it runs the final hop inline, synchronously, on
// the calling goroutine instead of going through a channel at all, then
// forwards to Next if there is one. Used for exactly the kind of
// time-critical completion (batch results returning to TX) that cannot sit
// behind ordinary bus traffic.
func PriorityPush(msg *Message) {
	for {
		next, done := step(msg)
		if done {
			return
		}
		if next == nil {
			return
		}
		// A priority message still only has one more hop in practice
		// (the completion signal); if it names a further pipe, hand
		// off normally rather than recursing into another thread's
		// queue from here.
		next.Push(msg)
		return
	}
}
