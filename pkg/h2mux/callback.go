package h2mux

import "sync/atomic"

// Callback is the completion token for asynchronous operations. It is
// invoked exactly once with nil on success or the failure cause otherwise.
// Intermediate DATA emissions never fire the caller's callback; only the
// final emission completes it.
type Callback func(err error)

// NoopCallback discards the completion.
var NoopCallback Callback = func(error) {}

// Promise receives the outcome of an asynchronous stream creation.
type Promise func(stream *Stream, err error)

func ensureCallback(cb Callback) Callback {
	if cb == nil {
		return NoopCallback
	}
	return cb
}

// newCountingCallback returns a callback that completes cb after count
// successful completions, or fails it on the first failure. Completions
// after a failure are ignored.
func newCountingCallback(cb Callback, count int) Callback {
	cb = ensureCallback(cb)
	if count <= 0 {
		cb(nil)
		return NoopCallback
	}
	var remaining atomic.Int32
	remaining.Store(int32(count))
	return func(err error) {
		if err != nil {
			if remaining.Swap(0) > 0 {
				cb(err)
			}
			return
		}
		if remaining.Add(-1) == 0 {
			cb(nil)
		}
	}
}
