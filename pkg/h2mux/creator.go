package h2mux

import (
	"sync"
	"sync/atomic"

	"github.com/albertbausili/h2mux/pkg/frame"
)

// streamCreator assigns locally initiated stream ids and guarantees that
// HEADERS/PUSH_PROMISE/PRIORITY frames reach the wire in strictly
// increasing stream-id order, which HPACK state correctness depends on.
//
// Reserving a slot atomically pairs the id allocation with a position in a
// FIFO; the slot's entry is filled outside the critical section and flushed
// in queue order. Whichever goroutine arrives first claims the flush and
// drains slots from the head only while they carry an entry; a submitter
// that later fills the head slot finishes the drain with its own flush call.
type streamCreator struct {
	sess     *Session
	mu       sync.Mutex
	slots    []*slot
	flushing bool
}

type slot struct {
	entry atomic.Pointer[controlEntry]
}

func (c *streamCreator) newStream(f *frame.HeadersFrame, promise Promise, listener StreamListener) {
	sl := &slot{}
	streamID := c.reserveSlot(sl, f.StreamID)

	if f.StreamID == 0 {
		var priority *frame.PriorityFrame
		if f.Priority != nil {
			p := *f.Priority
			p.StreamID = streamID
			priority = &p
		}
		f = &frame.HeadersFrame{
			StreamID:  streamID,
			Headers:   f.Headers,
			Priority:  priority,
			EndStream: f.EndStream,
		}
	}

	c.createLocalStream(sl, f, promise, listener, streamID)
}

func (c *streamCreator) priority(f *frame.PriorityFrame, callback Callback) uint32 {
	sl := &slot{}
	streamID := c.reserveSlot(sl, f.StreamID)

	if f.StreamID == 0 {
		p := *f
		p.StreamID = streamID
		f = &p
	}

	sl.entry.Store(newControlEntry(c.sess, f, nil, ensureCallback(callback)))
	c.flush()
	return streamID
}

func (c *streamCreator) push(f *frame.PushPromiseFrame, promise Promise, listener StreamListener) {
	sl := &slot{}
	streamID := c.reserveSlot(sl, 0)

	p := *f
	p.PromisedStreamID = streamID

	c.createLocalStream(sl, &p, promise, listener, streamID)
}

// reserveSlot pairs the id allocation and the queue append in one critical
// section: the queue order equals the stream-id order.
func (c *streamCreator) reserveSlot(sl *slot, streamID uint32) uint32 {
	c.mu.Lock()
	if streamID == 0 {
		streamID = uint32(c.sess.localStreamIDs.Add(2) - 2)
	}
	c.slots = append(c.slots, sl)
	c.mu.Unlock()
	return streamID
}

func (c *streamCreator) createLocalStream(sl *slot, f frame.Frame, promise Promise, listener StreamListener, streamID uint32) {
	stream, err := c.sess.createLocalStream(streamID)
	if err != nil {
		c.freeSlotAndFailPromise(sl, promise, err)
		return
	}
	stream.setListener(listener)
	sl.entry.Store(newControlEntry(c.sess, f, stream, func(err error) {
		if err != nil {
			promise(nil, err)
			return
		}
		promise(stream, nil)
	}))
	c.flush()
}

func (c *streamCreator) freeSlotAndFailPromise(sl *slot, promise Promise, err error) {
	c.mu.Lock()
	for i, s := range c.slots {
		if s == sl {
			c.slots = append(c.slots[:i], c.slots[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	// Flush anyway: the removed slot may have been blocking trailing entries.
	c.flush()
	promise(nil, err)
}

// flush drains filled slots from the head of the queue into the flusher.
// A head slot without an entry belongs to a concurrent submitter that is
// not done yet: the drain stops there and that submitter's flush call
// finishes the job. Only one goroutine flushes at a time.
func (c *streamCreator) flush() {
	queued := false
	c.mu.Lock()
	if c.flushing {
		c.mu.Unlock()
		return
	}
	c.flushing = true
	for {
		if len(c.slots) == 0 {
			break
		}
		entry := c.slots[0].entry.Load()
		if entry == nil {
			break
		}
		c.slots = c.slots[1:]
		c.mu.Unlock()
		queued = c.sess.flusher.Append(entry) || queued
		c.mu.Lock()
	}
	c.flushing = false
	c.mu.Unlock()
	if queued {
		c.sess.flusher.Iterate()
	}
}
