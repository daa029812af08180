// Package async runs blocking work (persistence, mostly) off the server event
// loop and hands the outcome back through a one-shot channel the loop can poll
// without blocking.
package async

import "time"

// Result pairs a value with the error from the background work that
// produced it.
type Result[T any] struct {
	Value T
	Err   error
}

// Receiver is the poll end of one dispatched operation. Poll never blocks and
// reports ready exactly once; after that the receiver is spent. The zero value
// is not usable; receivers come from Dispatch.
type Receiver[T any] struct {
	ch       chan Result[T]
	start    time.Time
	received bool
}

// Dispatch runs work on its own goroutine and immediately returns a Receiver
// for its outcome. work must not touch any state shared with the event loop;
// everything it produces travels back through the returned Receiver.
func Dispatch[T any](work func() (T, error)) *Receiver[T] {
	r := &Receiver[T]{
		ch:    make(chan Result[T], 1),
		start: time.Now(),
	}
	go func() {
		value, err := work()
		r.ch <- Result[T]{Value: value, Err: err}
	}()
	return r
}

// Poll checks for a completed result without blocking. The second return is
// false while the work is still pending and after a result has already been
// observed.
func (r *Receiver[T]) Poll() (Result[T], bool) {
	if r.received {
		return Result[T]{}, false
	}
	select {
	case result := <-r.ch:
		r.received = true
		return result, true
	default:
		return Result[T]{}, false
	}
}

// Done reports whether a result has already been observed via Poll.
func (r *Receiver[T]) Done() bool {
	return r.received
}

// StartTime returns when the operation was dispatched.
func (r *Receiver[T]) StartTime() time.Time {
	return r.start
}

// Age returns how long the operation has been outstanding. Callers use this
// to flag stalled background work; the work itself is never force-cancelled.
func (r *Receiver[T]) Age() time.Duration {
	return time.Since(r.start)
}
