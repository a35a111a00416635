package bus

import "context"

// Call implements the spec's cbus_call: it pushes req onto dest, appending
// a completion hop that closes done, then blocks the caller until either
// the route returns or ctx is cancelled. Cancellation here is cooperative
// in the same sense fiber_is_cancelled is: the message is still in flight
// and may still run its handler on the owning thread, but the caller stops
// waiting for it.
func Call(ctx context.Context, dest *Pipe, payload any, hops ...Hop) error {
	done := make(chan struct{})
	route := append(append([]Hop{}, hops...), Hop{
		Handler: func(*Message) { close(done) },
	})
	msg := NewMessage(payload, route...)
	dest.Push(msg)

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
