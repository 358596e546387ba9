package h2mux

import (
	"github.com/albertbausili/h2mux/pkg/frame"
)

// Listener receives session-scoped events. Implementations are invoked from
// the frame dispatch path and must not block; panics are caught, logged and
// swallowed so they never poison the dispatch loop.
type Listener interface {
	// OnNewStream is invoked when the peer opens a stream. The returned
	// listener observes that stream's lifecycle; nil is allowed.
	OnNewStream(stream *Stream, f *frame.HeadersFrame) StreamListener

	// OnSettings is invoked after a peer SETTINGS frame has been applied.
	OnSettings(session *Session, f *frame.SettingsFrame)

	// OnPing is invoked when a PING reply arrives.
	OnPing(session *Session, f *frame.PingFrame)

	// OnReset is invoked for a RST_STREAM addressing an already closed
	// stream.
	OnReset(session *Session, f *frame.ResetFrame)

	// OnClose is invoked when the peer sends GOAWAY. The callback must be
	// completed to let the close sequence proceed.
	OnClose(session *Session, f *frame.GoAwayFrame, callback Callback)

	// OnIdleTimeout decides whether an expired idle timeout should close
	// the session.
	OnIdleTimeout(session *Session) bool

	// OnFailure is invoked on a connection-level fault. The callback must
	// be completed to let the failure sequence proceed.
	OnFailure(session *Session, failure error, callback Callback)
}

// ListenerAdapter is a Listener with no-op defaults; embed it and override
// what you need.
type ListenerAdapter struct{}

// OnNewStream implements Listener.
func (ListenerAdapter) OnNewStream(*Stream, *frame.HeadersFrame) StreamListener { return nil }

// OnSettings implements Listener.
func (ListenerAdapter) OnSettings(*Session, *frame.SettingsFrame) {}

// OnPing implements Listener.
func (ListenerAdapter) OnPing(*Session, *frame.PingFrame) {}

// OnReset implements Listener.
func (ListenerAdapter) OnReset(*Session, *frame.ResetFrame) {}

// OnClose implements Listener.
func (ListenerAdapter) OnClose(_ *Session, _ *frame.GoAwayFrame, callback Callback) {
	callback(nil)
}

// OnIdleTimeout implements Listener; the default closes the session.
func (ListenerAdapter) OnIdleTimeout(*Session) bool { return true }

// OnFailure implements Listener.
func (ListenerAdapter) OnFailure(_ *Session, _ error, callback Callback) {
	callback(nil)
}

// StreamListener receives stream-scoped events.
type StreamListener interface {
	// OnHeaders is invoked for trailers (and, on the client, responses).
	OnHeaders(stream *Stream, f *frame.HeadersFrame)

	// OnData is invoked for DATA frames. The callback must be completed
	// when the bytes are consumed: completion returns the flow-control
	// credit to the peer.
	OnData(stream *Stream, f *frame.DataFrame, callback Callback)

	// OnReset is invoked when the peer resets the stream.
	OnReset(stream *Stream, f *frame.ResetFrame)

	// OnPush is invoked on a pushed stream; the returned listener observes
	// the pushed stream.
	OnPush(stream *Stream, f *frame.PushPromiseFrame) StreamListener

	// OnFailure is invoked when a session fault fails this stream.
	OnFailure(stream *Stream, f *frame.FailureFrame, callback Callback)

	// OnIdleTimeout decides whether an expired stream idle timeout should
	// reset the stream.
	OnIdleTimeout(stream *Stream) bool

	// OnClosed is invoked once when the stream reaches its terminal state.
	OnClosed(stream *Stream)
}

// StreamListenerAdapter is a StreamListener with no-op defaults.
type StreamListenerAdapter struct{}

// OnHeaders implements StreamListener.
func (StreamListenerAdapter) OnHeaders(*Stream, *frame.HeadersFrame) {}

// OnData implements StreamListener; the default consumes immediately.
func (StreamListenerAdapter) OnData(_ *Stream, _ *frame.DataFrame, callback Callback) {
	callback(nil)
}

// OnReset implements StreamListener.
func (StreamListenerAdapter) OnReset(*Stream, *frame.ResetFrame) {}

// OnPush implements StreamListener.
func (StreamListenerAdapter) OnPush(*Stream, *frame.PushPromiseFrame) StreamListener { return nil }

// OnFailure implements StreamListener.
func (StreamListenerAdapter) OnFailure(_ *Stream, _ *frame.FailureFrame, callback Callback) {
	callback(nil)
}

// OnIdleTimeout implements StreamListener; the default resets the stream.
func (StreamListenerAdapter) OnIdleTimeout(*Stream) bool { return true }

// OnClosed implements StreamListener.
func (StreamListenerAdapter) OnClosed(*Stream) {}
