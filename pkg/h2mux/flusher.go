package h2mux

import (
	"sync"

	"github.com/albertbausili/h2mux/pkg/frame"
)

// flusher is the single write loop of the session. It drains queued entries
// into a lease and hands the lease to the endpoint; at the start of every
// cycle it applies the window updates forwarded from the dispatch path, so
// it is the only component adjusting send windows while writes are decided.
type flusher struct {
	sess *Session

	mu         sync.Mutex
	entries    []entry
	windows    []windowEntry
	inFlight   []entry
	active     bool
	pending    bool
	terminated error
}

type windowEntry struct {
	st *Stream
	f  *frame.WindowUpdateFrame
}

func newFlusher(sess *Session) *flusher {
	return &flusher{sess: sess}
}

// Append queues an entry at the tail. It reports false, failing the entry,
// when the flusher is already terminated.
func (fl *flusher) Append(e entry) bool {
	fl.mu.Lock()
	terminated := fl.terminated
	if terminated == nil {
		fl.entries = append(fl.entries, e)
	}
	fl.mu.Unlock()
	if terminated != nil {
		e.failed(terminated)
		return false
	}
	return true
}

// Prepend queues an entry at the head; PING frames take this path so they
// are answered as soon as possible.
func (fl *flusher) Prepend(e entry) bool {
	fl.mu.Lock()
	terminated := fl.terminated
	if terminated == nil {
		fl.entries = append([]entry{e}, fl.entries...)
	}
	fl.mu.Unlock()
	if terminated != nil {
		e.failed(terminated)
		return false
	}
	return true
}

// Window hands off a window update; it is applied at the start of the next
// write cycle.
func (fl *flusher) Window(st *Stream, f *frame.WindowUpdateFrame) {
	fl.mu.Lock()
	terminated := fl.terminated
	if terminated == nil {
		fl.windows = append(fl.windows, windowEntry{st: st, f: f})
	}
	fl.mu.Unlock()
	if terminated == nil {
		fl.Iterate()
	}
}

// Iterate wakes the write loop. If a cycle is already running, the request
// is remembered and honored before the loop goes idle.
func (fl *flusher) Iterate() {
	fl.mu.Lock()
	if fl.terminated != nil {
		fl.mu.Unlock()
		return
	}
	if fl.active {
		fl.pending = true
		fl.mu.Unlock()
		return
	}
	fl.active = true
	fl.mu.Unlock()
	fl.process()
}

// OnFlushed distributes socket-level write progress over the in-flight
// entries, in order.
func (fl *flusher) OnFlushed(bytes int64) {
	fl.mu.Lock()
	inFlight := fl.inFlight
	fl.mu.Unlock()
	for _, e := range inFlight {
		bytes = e.onFlushed(bytes)
		if bytes <= 0 {
			return
		}
	}
}

// Terminate fails every queued entry and refuses further work. Idempotent.
func (fl *flusher) Terminate(cause error) {
	fl.mu.Lock()
	if fl.terminated != nil {
		fl.mu.Unlock()
		return
	}
	fl.terminated = cause
	queued := fl.entries
	fl.entries = nil
	fl.windows = nil
	fl.mu.Unlock()
	for _, e := range queued {
		e.failed(cause)
	}
}

// process runs write cycles until no entry can make progress. Each cycle:
// apply window updates, generate writable entries into a lease bounded by
// the write threshold, hand the lease to the endpoint, and on completion
// account the flushed entries, requeueing DATA entries that still hold
// bytes. Entries that cannot progress (window exhaustion) stay queued in
// order and are retried after the next window update.
func (fl *flusher) process() {
	for {
		fl.mu.Lock()
		if fl.terminated != nil {
			fl.active = false
			fl.mu.Unlock()
			return
		}
		windows := fl.windows
		fl.windows = nil
		batch := fl.entries
		fl.entries = nil
		fl.mu.Unlock()

		for _, w := range windows {
			fl.sess.flowControl.WindowUpdate(fl.sess, w.st, w.f)
		}

		lease := &frame.Lease{}
		var flushed, stalled []entry
		for i, e := range batch {
			if lease.Total() >= fl.sess.writeThreshold {
				stalled = append(stalled, batch[i:]...)
				break
			}
			ok, err := e.generate(lease)
			if err != nil {
				stalled = append(stalled, batch[i+1:]...)
				fl.requeue(stalled)
				e.failed(err)
				// Entries generated into the dropped lease never reach the
				// wire; fail them with the same cause.
				for _, g := range flushed {
					g.failed(err)
				}
				fl.mu.Lock()
				fl.active = false
				fl.mu.Unlock()
				fl.sess.abort(err)
				return
			}
			if ok {
				flushed = append(flushed, e)
			} else {
				stalled = append(stalled, e)
			}
		}

		fl.requeue(stalled)

		if len(flushed) == 0 {
			fl.mu.Lock()
			if fl.pending {
				fl.pending = false
				fl.mu.Unlock()
				continue
			}
			fl.active = false
			fl.mu.Unlock()
			return
		}

		fl.mu.Lock()
		fl.inFlight = flushed
		fl.mu.Unlock()

		// The cycle continues from the write completion; the loop must not
		// block here, or a slow endpoint would stall the dispatch path.
		fl.sess.endpoint.Write(func(err error) {
			fl.writeCompleted(flushed, err)
		}, lease.Buffers()...)
		return
	}
}

// writeCompleted accounts a finished write and resumes the loop. DATA
// entries that still hold bytes go back to the tail; their next fragment
// competes with entries queued in the meantime.
func (fl *flusher) writeCompleted(flushed []entry, err error) {
	fl.mu.Lock()
	fl.inFlight = nil
	fl.mu.Unlock()

	if err != nil {
		for _, e := range flushed {
			e.failed(err)
		}
		fl.mu.Lock()
		fl.active = false
		fl.mu.Unlock()
		fl.sess.abort(err)
		return
	}

	var requeue []entry
	for _, e := range flushed {
		e.succeeded()
		if e.dataRemaining() > 0 {
			requeue = append(requeue, e)
		}
	}
	if len(requeue) > 0 {
		fl.mu.Lock()
		fl.entries = append(fl.entries, requeue...)
		fl.mu.Unlock()
	}
	fl.process()
}

// requeue puts entries back at the head of the queue, ahead of anything
// appended while the cycle ran, preserving submission order.
func (fl *flusher) requeue(stalled []entry) {
	if len(stalled) == 0 {
		return
	}
	fl.mu.Lock()
	fl.entries = append(stalled, fl.entries...)
	fl.mu.Unlock()
}
