package h2mux

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"

	"github.com/albertbausili/h2mux/pkg/frame"
)

// streamCloseState is the per-stream close sub-machine. It advances on the
// BEFORE_SEND / AFTER_SEND / RECEIVED events carried by end-stream flags.
type streamCloseState int32

const (
	streamNotClosed streamCloseState = iota
	streamLocallyClosing
	streamLocallyClosed
	streamRemotelyClosed
	streamClosing
	streamClosed
)

func (s streamCloseState) String() string {
	switch s {
	case streamNotClosed:
		return "NOT_CLOSED"
	case streamLocallyClosing:
		return "LOCALLY_CLOSING"
	case streamLocallyClosed:
		return "LOCALLY_CLOSED"
	case streamRemotelyClosed:
		return "REMOTELY_CLOSED"
	case streamClosing:
		return "CLOSING"
	default:
		return "CLOSED"
	}
}

// closeEvent identifies where in the send/receive path an end-stream flag
// was observed.
type closeEvent int

const (
	eventBeforeSend closeEvent = iota
	eventAfterSend
	eventReceived
)

// Stream is one request/response exchange multiplexed on a Session. The
// session owns the stream: only the session inserts it into and removes it
// from the stream table.
type Stream struct {
	sess  *Session
	id    uint32
	local bool

	sendWindow atomic.Int32
	recvWindow atomic.Int32
	closeState atomic.Int32
	opened     atomic.Bool
	idleTime   atomic.Int64

	mu          sync.Mutex
	listener    StreamListener
	attachment  any
	failure     error
	idleTimeout time.Duration
	idleTask    Task
}

// FlushedListener is implemented by stream attachments that want byte-level
// write progress for the stream's DATA frames.
type FlushedListener interface {
	OnFlushed(bytes int64)
}

func newStream(sess *Session, id uint32, local bool) *Stream {
	st := &Stream{sess: sess, id: id, local: local}
	st.idleTime.Store(nowNanos())
	return st
}

// ID returns the stream identifier.
func (st *Stream) ID() uint32 { return st.id }

// IsLocal reports whether this endpoint initiated the stream.
func (st *Stream) IsLocal() bool { return st.local }

// Session returns the owning session.
func (st *Stream) Session() *Session { return st.sess }

// SendWindow returns the current stream send window.
func (st *Stream) SendWindow() int32 { return st.sendWindow.Load() }

// RecvWindow returns the current stream receive window.
func (st *Stream) RecvWindow() int32 { return st.recvWindow.Load() }

// updateSendWindow adds delta to the send window and returns the previous
// value. A zero delta reads the window.
func (st *Stream) updateSendWindow(delta int32) int32 {
	return st.sendWindow.Add(delta) - delta
}

// updateRecvWindow adds delta to the receive window and returns the
// previous value.
func (st *Stream) updateRecvWindow(delta int32) int32 {
	return st.recvWindow.Add(delta) - delta
}

// SetAttachment associates opaque state with the stream.
func (st *Stream) SetAttachment(attachment any) {
	st.mu.Lock()
	st.attachment = attachment
	st.mu.Unlock()
}

// Attachment returns the opaque state associated with the stream.
func (st *Stream) Attachment() any {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.attachment
}

func (st *Stream) setListener(listener StreamListener) {
	st.mu.Lock()
	st.listener = listener
	st.mu.Unlock()
}

// Listener returns the stream listener, which may be nil.
func (st *Stream) Listener() StreamListener {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.listener
}

// Failure returns the error that reset or failed the stream, if any.
func (st *Stream) Failure() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.failure
}

func (st *Stream) setFailure(err error) {
	st.mu.Lock()
	st.failure = err
	st.mu.Unlock()
}

// IsClosed reports whether the stream reached its terminal state.
func (st *Stream) IsClosed() bool {
	return streamCloseState(st.closeState.Load()) == streamClosed
}

// isRemotelyClosed reports whether the peer already sent its end-stream.
func (st *Stream) isRemotelyClosed() bool {
	state := streamCloseState(st.closeState.Load())
	return state == streamRemotelyClosed || state == streamClosing
}

// isLocallyClosed reports whether this endpoint already sent its end-stream.
func (st *Stream) isLocallyClosed() bool {
	return streamCloseState(st.closeState.Load()) == streamLocallyClosed
}

// Headers sends a HEADERS frame on this stream (response or trailers).
func (st *Stream) Headers(f *frame.HeadersFrame, callback Callback) {
	st.notIdle()
	st.sess.Frames(st, callback, f)
}

// Data sends a DATA frame on this stream, fragmented by the flow-control
// windows. The callback fires once, on the final emission.
func (st *Stream) Data(f *frame.DataFrame, callback Callback) {
	st.notIdle()
	st.sess.data(st, ensureCallback(callback), f)
}

// Push reserves a pushed stream associated with this one.
func (st *Stream) Push(f *frame.PushPromiseFrame, promise Promise, listener StreamListener) {
	st.sess.Push(st, promise, f, listener)
}

// Reset terminates the stream towards the peer.
func (st *Stream) Reset(f *frame.ResetFrame, callback Callback) {
	st.setFailure(&StreamError{StreamID: st.id, Code: f.Error, Reason: "reset"})
	st.sess.reset(st, f, ensureCallback(callback))
}

// process delivers an inbound or synthetic frame to the stream. The
// completion reports when the stream (and, for DATA, the application) is
// done with the frame.
func (st *Stream) process(f frame.Frame, callback Callback) {
	callback = ensureCallback(callback)
	st.notIdle()
	switch f := f.(type) {
	case *frame.HeadersFrame:
		if st.updateClose(f.EndStream, eventReceived) {
			st.sess.removeStream(st)
		}
		callback(nil)
	case *frame.DataFrame:
		st.onData(f, callback)
	case *frame.ResetFrame:
		st.onReset(f, callback)
	case *frame.PushPromiseFrame:
		// Pushed streams are implicitly remotely closed: the peer sends no
		// frames on them after the promise.
		st.updateClose(true, eventReceived)
		callback(nil)
	case *frame.WindowUpdateFrame:
		callback(nil)
	case *frame.FailureFrame:
		st.onFailure(f, callback)
	default:
		callback(nil)
	}
}

func (st *Stream) onData(f *frame.DataFrame, callback Callback) {
	if st.isRemotelyClosed() {
		st.sess.reset(st, &frame.ResetFrame{StreamID: st.id, Error: http2.ErrCodeStreamClosed}, NoopCallback)
		callback(&StreamError{StreamID: st.id, Code: http2.ErrCodeStreamClosed, Reason: "stream_closed"})
		return
	}
	if st.updateClose(f.EndStream, eventReceived) {
		st.sess.removeStream(st)
	}
	st.notifyData(f, callback)
}

func (st *Stream) onReset(f *frame.ResetFrame, callback Callback) {
	st.setFailure(&StreamError{StreamID: st.id, Code: f.Error, Reason: "remote_reset"})
	st.close()
	st.sess.removeStream(st)
	st.notifyReset(f)
	callback(nil)
}

func (st *Stream) onFailure(f *frame.FailureFrame, callback Callback) {
	st.setFailure(f.Cause)
	st.close()
	st.sess.removeStream(st)
	st.notifyFailure(f, callback)
}

// updateClose advances the close sub-machine; update carries the end-stream
// flag that triggered the event. It returns true when the stream reached
// its terminal state and should be removed from the session.
func (st *Stream) updateClose(update bool, event closeEvent) bool {
	if !update {
		return false
	}
	switch event {
	case eventBeforeSend:
		return st.updateCloseBeforeSend()
	case eventAfterSend:
		return st.updateCloseAfterSend()
	default:
		return st.updateCloseAfterReceived()
	}
}

func (st *Stream) updateCloseAfterReceived() bool {
	for {
		current := streamCloseState(st.closeState.Load())
		switch current {
		case streamNotClosed:
			if st.cas(current, streamRemotelyClosed) {
				return false
			}
		case streamLocallyClosing:
			if st.cas(current, streamClosing) {
				st.sess.updateStreamCount(st.local, 0, 1)
				return false
			}
		case streamLocallyClosed:
			st.close()
			return true
		default:
			return false
		}
	}
}

func (st *Stream) updateCloseBeforeSend() bool {
	for {
		current := streamCloseState(st.closeState.Load())
		switch current {
		case streamNotClosed:
			if st.cas(current, streamLocallyClosing) {
				return false
			}
		case streamRemotelyClosed:
			if st.cas(current, streamClosing) {
				st.sess.updateStreamCount(st.local, 0, 1)
				return false
			}
		default:
			return false
		}
	}
}

func (st *Stream) updateCloseAfterSend() bool {
	for {
		current := streamCloseState(st.closeState.Load())
		switch current {
		case streamNotClosed, streamLocallyClosing:
			if st.cas(current, streamLocallyClosed) {
				return false
			}
		case streamRemotelyClosed, streamClosing:
			st.close()
			return true
		default:
			return false
		}
	}
}

func (st *Stream) cas(from, to streamCloseState) bool {
	return st.closeState.CompareAndSwap(int32(from), int32(to))
}

// close moves the stream to its terminal state, adjusting the session
// stream counters exactly once.
func (st *Stream) close() {
	previous := streamCloseState(st.closeState.Swap(int32(streamClosed)))
	if previous == streamClosed {
		return
	}
	deltaClosing := int32(0)
	if previous == streamClosing {
		deltaClosing = -1
	}
	st.sess.updateStreamCount(st.local, -1, deltaClosing)
	st.cancelIdleTask()
	st.notifyClosed()
}

func (st *Stream) setIdleTimeout(timeout time.Duration) {
	st.mu.Lock()
	st.idleTimeout = timeout
	task := st.idleTask
	st.idleTask = nil
	st.mu.Unlock()
	if task != nil {
		task.Cancel()
	}
	if timeout > 0 {
		st.notIdle()
		st.scheduleIdleTask(timeout)
	}
}

func (st *Stream) scheduleIdleTask(delay time.Duration) {
	task := st.sess.scheduler.Schedule(delay, st.onIdleTimeout)
	st.mu.Lock()
	if streamCloseState(st.closeState.Load()) == streamClosed {
		st.mu.Unlock()
		task.Cancel()
		return
	}
	st.idleTask = task
	st.mu.Unlock()
}

func (st *Stream) cancelIdleTask() {
	st.mu.Lock()
	task := st.idleTask
	st.idleTask = nil
	st.mu.Unlock()
	if task != nil {
		task.Cancel()
	}
}

// onIdleTimeout fires when the idle task expires; traffic since scheduling
// postpones the deadline instead of expiring it.
func (st *Stream) onIdleTimeout() {
	st.mu.Lock()
	timeout := st.idleTimeout
	st.mu.Unlock()
	if timeout <= 0 || st.IsClosed() {
		return
	}
	elapsed := time.Duration(nowNanos() - st.idleTime.Load())
	if elapsed < timeout {
		st.scheduleIdleTask(timeout - elapsed)
		return
	}
	if st.notifyIdleTimeout() {
		st.Reset(&frame.ResetFrame{StreamID: st.id, Error: http2.ErrCodeCancel}, NoopCallback)
		return
	}
	st.scheduleIdleTask(timeout)
}

func (st *Stream) notIdle() {
	st.idleTime.Store(nowNanos())
}

func (st *Stream) notifyData(f *frame.DataFrame, callback Callback) {
	listener := st.Listener()
	if listener == nil {
		// No listener: consume immediately so the flow-control credit is
		// returned to the peer.
		callback(nil)
		return
	}
	defer st.sess.recoverListener("onData")
	listener.OnData(st, f, callback)
}

func (st *Stream) notifyReset(f *frame.ResetFrame) {
	listener := st.Listener()
	if listener == nil {
		return
	}
	defer st.sess.recoverListener("onReset")
	listener.OnReset(st, f)
}

func (st *Stream) notifyHeaders(f *frame.HeadersFrame) {
	listener := st.Listener()
	if listener == nil {
		return
	}
	defer st.sess.recoverListener("onHeaders")
	listener.OnHeaders(st, f)
}

func (st *Stream) notifyPush(f *frame.PushPromiseFrame) StreamListener {
	listener := st.Listener()
	if listener == nil {
		return nil
	}
	defer st.sess.recoverListener("onPush")
	return listener.OnPush(st, f)
}

func (st *Stream) notifyFailure(f *frame.FailureFrame, callback Callback) {
	listener := st.Listener()
	if listener == nil {
		callback(nil)
		return
	}
	defer st.sess.recoverListener("onFailure")
	listener.OnFailure(st, f, callback)
}

func (st *Stream) notifyIdleTimeout() bool {
	listener := st.Listener()
	if listener == nil {
		return true
	}
	defer st.sess.recoverListener("onIdleTimeout")
	return listener.OnIdleTimeout(st)
}

func (st *Stream) notifyClosed() {
	listener := st.Listener()
	if listener == nil {
		return
	}
	defer st.sess.recoverListener("onClosed")
	listener.OnClosed(st)
}

func (st *Stream) String() string {
	return fmt.Sprintf("stream#%d{local=%v,sendWindow=%d,recvWindow=%d,%s}",
		st.id, st.local, st.sendWindow.Load(), st.recvWindow.Load(),
		streamCloseState(st.closeState.Load()))
}

func nowNanos() int64 { return time.Now().UnixNano() }
