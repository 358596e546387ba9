package h2mux

import (
	"golang.org/x/net/http2"

	"github.com/albertbausili/h2mux/pkg/frame"
)

// serverRole handles HEADERS/PUSH_PROMISE for the server side of a
// connection: HEADERS on a new peer id opens a remote stream, HEADERS on a
// known stream delivers trailers, and PUSH_PROMISE from a client is illegal.
type serverRole struct {
	sess *Session
}

func (r *serverRole) onHeaders(f *frame.HeadersFrame) {
	s := r.sess
	streamID := f.StreamID

	// Peer-initiated ids must carry the client parity.
	if s.isLocalStream(streamID) {
		s.onConnectionFailure(http2.ErrCodeProtocol, "invalid_stream_id", NoopCallback)
		return
	}

	stream := s.GetStream(streamID)
	if stream != nil {
		// Trailers for a request already in flight.
		stream.process(f, NoopCallback)
		stream.notifyHeaders(f)
		return
	}

	if s.isRemoteStreamClosed(streamID) {
		// A completed or skipped id cannot be revived.
		s.onConnectionFailure(http2.ErrCodeProtocol, "unexpected_headers_frame", NoopCallback)
		return
	}

	stream = s.createRemoteStream(streamID)
	if stream == nil {
		// Refused or duplicate; createRemoteStream already reacted.
		return
	}
	s.onStreamOpened(stream)
	stream.process(f, NoopCallback)
	stream.setListener(s.notifyNewStream(stream, f))
}

func (r *serverRole) onPushPromise(f *frame.PushPromiseFrame) {
	// Clients must not push.
	r.sess.onConnectionFailure(http2.ErrCodeProtocol, "push_promise", NoopCallback)
}
