package h2mux

import (
	"net"

	"golang.org/x/net/http2"

	"github.com/albertbausili/h2mux/pkg/frame"
)

// entry is a queued outbound frame that knows how to serialize itself
// against the available flow-control window and what to do once its bytes
// have been written.
type entry interface {
	Frame() frame.Frame
	Stream() *Stream

	// generate serializes into the lease. It returns false when the entry
	// cannot progress now (DATA with exhausted windows); the flusher keeps
	// it queued and retries after a window update.
	generate(lease *frame.Lease) (bool, error)

	// onFlushed consumes socket-level flush progress and returns the
	// unattributed remainder.
	onFlushed(bytes int64) int64

	// succeeded is invoked after the generated bytes reached the endpoint.
	succeeded()

	failed(err error)

	// dataRemaining reports bytes still to serialize; non-zero after a
	// flush means the entry must be requeued.
	dataRemaining() int
}

// controlEntry carries every non-DATA frame.
type controlEntry struct {
	sess *Session
	f    frame.Frame
	st   *Stream
	cb   Callback

	frameBytes     int
	frameRemaining int
}

func newControlEntry(sess *Session, f frame.Frame, st *Stream, cb Callback) *controlEntry {
	return &controlEntry{sess: sess, f: f, st: st, cb: ensureCallback(cb)}
}

func (e *controlEntry) Frame() frame.Frame { return e.f }
func (e *controlEntry) Stream() *Stream    { return e.st }
func (e *controlEntry) dataRemaining() int { return 0 }

func (e *controlEntry) generate(lease *frame.Lease) (bool, error) {
	n, err := e.sess.generator.Control(lease, e.f)
	if err != nil {
		return false, err
	}
	e.frameBytes = n
	e.frameRemaining = n
	e.beforeSend()
	return true, nil
}

// beforeSend runs right before the frame is handed to the endpoint. The
// peer may react to the frame before succeeded() runs, so state the peer's
// reaction depends on must already be in place.
func (e *controlEntry) beforeSend() {
	switch f := e.f.(type) {
	case *frame.HeadersFrame:
		if e.st != nil {
			e.st.updateClose(f.EndStream, eventBeforeSend)
		}
	case *frame.SettingsFrame:
		// An INITIAL_WINDOW_SIZE we advertise is a local change: the peer
		// may use the new value as soon as it reads the frame.
		if size, ok := f.Settings[http2.SettingInitialWindowSize]; ok {
			e.sess.flowControl.UpdateInitialStreamWindow(e.sess, size, true)
		}
	}
}

func (e *controlEntry) onFlushed(bytes int64) int64 {
	flushed := int64(e.frameRemaining)
	if flushed > bytes {
		flushed = bytes
	}
	e.frameRemaining -= int(flushed)
	return bytes - flushed
}

func (e *controlEntry) succeeded() {
	e.sess.bytesWritten.Add(int64(e.frameBytes))
	framesSent.WithLabelValues(frameLabel(e.f.Type())).Inc()
	sessionBytesWritten.Add(float64(e.frameBytes))
	e.frameBytes = 0
	e.frameRemaining = 0

	switch f := e.f.(type) {
	case *frame.HeadersFrame:
		if e.st != nil {
			e.sess.onStreamOpened(e.st)
			if e.st.updateClose(f.EndStream, eventAfterSend) {
				e.sess.removeStream(e.st)
			}
		}
	case *frame.ResetFrame:
		if e.st != nil {
			e.st.close()
			e.sess.removeStream(e.st)
		}
	case *frame.PushPromiseFrame:
		// Pushed streams are implicitly remotely closed; they close fully
		// when the end-stream DATA is sent.
		if e.st != nil {
			e.st.updateClose(true, eventReceived)
		}
	case *frame.GoAwayFrame:
		// Only shut down the output: straggler frames from the peer can
		// still be read until the peer closes or the idle timeout fires.
		e.sess.endpoint.ShutdownOutput()
	case *frame.WindowUpdateFrame:
		e.sess.flowControl.WindowUpdate(e.sess, e.st, f)
	case *frame.DisconnectFrame:
		e.sess.terminate(net.ErrClosed)
	}

	e.cb(nil)
}

func (e *controlEntry) failed(err error) {
	if e.f.Type() == frame.TypeDisconnect {
		e.sess.terminate(net.ErrClosed)
	}
	e.cb(err)
}

// dataEntry carries a DATA frame, fragmented by the flow-control windows.
type dataEntry struct {
	sess *Session
	f    *frame.DataFrame
	st   *Stream
	cb   Callback

	frameBytes     int
	frameRemaining int
	dataBytes      int
	remaining      int
}

func newDataEntry(sess *Session, f *frame.DataFrame, st *Stream, cb Callback) *dataEntry {
	// The engine emits no padding, so the flow-controlled length is always
	// the data remaining; a frame that stalls mid-write never has to count
	// padding twice.
	return &dataEntry{sess: sess, f: f, st: st, cb: ensureCallback(cb), remaining: f.Remaining()}
}

func (e *dataEntry) Frame() frame.Frame { return e.f }
func (e *dataEntry) Stream() *Stream    { return e.st }
func (e *dataEntry) dataRemaining() int { return e.remaining }

func (e *dataEntry) generate(lease *frame.Lease) (bool, error) {
	dataRemaining := e.remaining

	sessionWindow := e.sess.SendWindow()
	streamWindow := e.st.updateSendWindow(0)
	window := sessionWindow
	if streamWindow < window {
		window = streamWindow
	}
	if window <= 0 && dataRemaining > 0 {
		return false, nil
	}

	length := dataRemaining
	if int(window) < length {
		length = int(window)
	}

	n, err := e.sess.generator.Data(lease, e.f, length)
	if err != nil {
		return false, err
	}
	e.frameBytes += n
	e.frameRemaining += n

	dataBytes := n - frame.HeaderLength
	e.dataBytes += dataBytes
	e.remaining -= dataBytes

	e.sess.flowControl.OnDataSending(e.st, dataBytes)

	if e.remaining == 0 {
		e.st.updateClose(e.f.EndStream, eventBeforeSend)
	}
	return true, nil
}

func (e *dataEntry) onFlushed(bytes int64) int64 {
	flushed := int64(e.frameRemaining)
	if flushed > bytes {
		flushed = bytes
	}
	e.frameRemaining -= int(flushed)
	// Forwarding frame bytes instead of data bytes trades precision for
	// simplicity.
	if listener, ok := e.st.Attachment().(FlushedListener); ok {
		listener.OnFlushed(flushed)
	}
	return bytes - flushed
}

func (e *dataEntry) succeeded() {
	e.sess.bytesWritten.Add(int64(e.frameBytes))
	framesSent.WithLabelValues(frameLabel(frame.TypeData)).Inc()
	sessionBytesWritten.Add(float64(e.frameBytes))
	e.frameBytes = 0
	e.frameRemaining = 0

	e.sess.flowControl.OnDataSent(e.st, e.dataBytes)
	e.dataBytes = 0

	// Intermediate emissions complete silently: only the final emission
	// may close the stream and fire the user callback.
	if e.remaining == 0 {
		if e.st.updateClose(e.f.EndStream, eventAfterSend) {
			e.sess.removeStream(e.st)
		}
		e.cb(nil)
	}
}

func (e *dataEntry) failed(err error) {
	e.cb(err)
}
