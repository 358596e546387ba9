package h2mux

import (
	"sync/atomic"

	"github.com/albertbausili/h2mux/pkg/frame"
)

// DefaultWindowSize is the initial flow-control window per RFC 7540.
const DefaultWindowSize = 65535

// FlowControlStrategy observes and steers the session's flow control. The
// engine funnels window mutations through it, except the session receive
// window enlargement queued by Session.Preface; WindowUpdate is invoked
// by the flusher for peer updates and on flush for local ones, so window
// adjustments never race with in-flight send decisions.
type FlowControlStrategy interface {
	OnStreamCreated(stream *Stream)
	OnStreamDestroyed(stream *Stream)

	// OnDataReceived debits the receive windows when DATA arrives; length
	// includes padding.
	OnDataReceived(session *Session, stream *Stream, length int)

	// OnDataConsumed returns receive-window credit once the application
	// consumed the bytes; stream may be nil when the frame addressed an
	// absent stream but the session window must still be enlarged.
	OnDataConsumed(session *Session, stream *Stream, length int)

	// OnDataSending debits the send windows as a DATA fragment is
	// generated.
	OnDataSending(stream *Stream, length int)

	// OnDataSent is invoked when a generated DATA fragment reached the
	// endpoint.
	OnDataSent(stream *Stream, length int)

	// UpdateInitialStreamWindow applies an INITIAL_WINDOW_SIZE change,
	// recomputing the windows of open streams. local marks changes this
	// endpoint advertised, as opposed to peer SETTINGS.
	UpdateInitialStreamWindow(session *Session, size uint32, local bool)

	// WindowUpdate applies a WINDOW_UPDATE frame: peer updates grow send
	// windows; local updates are reported once the frame is flushed.
	WindowUpdate(session *Session, stream *Stream, f *frame.WindowUpdateFrame)
}

// SimpleFlowControl returns a WINDOW_UPDATE for every consumed chunk: always
// for the session, and for the stream only while the peer may still send on
// it (not remotely closed, not closed).
type SimpleFlowControl struct {
	initialStreamSendWindow atomic.Int32
	initialStreamRecvWindow atomic.Int32
}

// NewSimpleFlowControl creates a strategy advertising the given initial
// stream receive window.
func NewSimpleFlowControl(initialStreamRecvWindow int) *SimpleFlowControl {
	fc := &SimpleFlowControl{}
	fc.initialStreamSendWindow.Store(DefaultWindowSize)
	fc.initialStreamRecvWindow.Store(int32(initialStreamRecvWindow))
	return fc
}

// OnStreamCreated implements FlowControlStrategy.
func (fc *SimpleFlowControl) OnStreamCreated(stream *Stream) {
	stream.updateSendWindow(fc.initialStreamSendWindow.Load())
	stream.updateRecvWindow(fc.initialStreamRecvWindow.Load())
}

// OnStreamDestroyed implements FlowControlStrategy.
func (fc *SimpleFlowControl) OnStreamDestroyed(stream *Stream) {}

// OnDataReceived implements FlowControlStrategy.
func (fc *SimpleFlowControl) OnDataReceived(session *Session, stream *Stream, length int) {
	if length <= 0 {
		return
	}
	session.updateRecvWindow(int32(-length))
	if stream != nil {
		stream.updateRecvWindow(int32(-length))
	}
}

// OnDataConsumed implements FlowControlStrategy.
func (fc *SimpleFlowControl) OnDataConsumed(session *Session, stream *Stream, length int) {
	if length <= 0 {
		return
	}
	// The session window is always enlarged, even without a stream, so a
	// flood on a dead stream cannot starve the other streams.
	session.updateRecvWindow(int32(length))
	sessionFrame := &frame.WindowUpdateFrame{StreamID: 0, Delta: int32(length), Local: true}

	if stream != nil && !stream.isRemotelyClosed() && !stream.IsClosed() {
		stream.updateRecvWindow(int32(length))
		streamFrame := &frame.WindowUpdateFrame{StreamID: stream.ID(), Delta: int32(length), Local: true}
		session.Frames(stream, NoopCallback, sessionFrame, streamFrame)
		return
	}
	session.Frames(nil, NoopCallback, sessionFrame)
}

// OnDataSending implements FlowControlStrategy.
func (fc *SimpleFlowControl) OnDataSending(stream *Stream, length int) {
	if length <= 0 {
		return
	}
	stream.Session().updateSendWindow(int32(-length))
	stream.updateSendWindow(int32(-length))
}

// OnDataSent implements FlowControlStrategy.
func (fc *SimpleFlowControl) OnDataSent(stream *Stream, length int) {}

// UpdateInitialStreamWindow implements FlowControlStrategy.
func (fc *SimpleFlowControl) UpdateInitialStreamWindow(session *Session, size uint32, local bool) {
	if local {
		delta := int32(size) - fc.initialStreamRecvWindow.Swap(int32(size))
		if delta == 0 {
			return
		}
		session.forEachStream(func(stream *Stream) {
			stream.updateRecvWindow(delta)
		})
		return
	}
	delta := int32(size) - fc.initialStreamSendWindow.Swap(int32(size))
	if delta == 0 {
		return
	}
	// Send windows of open streams change under the peer's new setting;
	// route the deltas through the flusher like any other window update.
	session.forEachStream(func(stream *Stream) {
		session.flusher.Window(stream, &frame.WindowUpdateFrame{StreamID: stream.ID(), Delta: delta})
	})
}

// WindowUpdate implements FlowControlStrategy.
func (fc *SimpleFlowControl) WindowUpdate(session *Session, stream *Stream, f *frame.WindowUpdateFrame) {
	if f.Local {
		// Receive windows were restored at consume time; nothing to do
		// once the frame is on the wire.
		return
	}
	delta := f.Delta
	if f.StreamID > 0 {
		// The stream may have been removed concurrently.
		if stream != nil {
			oldSize := stream.updateSendWindow(delta)
			if oldSize <= 0 && oldSize+delta > 0 {
				session.onStreamUnstalled(stream)
			}
		}
		return
	}
	oldSize := session.updateSendWindow(delta)
	if oldSize <= 0 && oldSize+delta > 0 {
		session.onSessionUnstalled()
	}
}
