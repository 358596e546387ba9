package h2mux

import (
	"golang.org/x/net/http2"

	"github.com/albertbausili/h2mux/pkg/frame"
)

// clientRole handles HEADERS/PUSH_PROMISE for the client side of a
// connection: HEADERS deliver responses or trailers to local streams, and
// PUSH_PROMISE completes into a new remote (pushed) stream.
type clientRole struct {
	sess *Session
}

func (r *clientRole) onHeaders(f *frame.HeadersFrame) {
	s := r.sess
	stream := s.GetStream(f.StreamID)
	if stream != nil {
		stream.process(f, NoopCallback)
		stream.notifyHeaders(f)
		return
	}
	if s.isStreamClosed(f.StreamID) {
		// Straggler response for a stream that is already gone.
		if verboseLogging {
			s.logger.Printf("Ignoring %v for closed stream on %v", f, s)
		}
		return
	}
	s.onConnectionFailure(http2.ErrCodeProtocol, "unexpected_headers_frame", NoopCallback)
}

func (r *clientRole) onPushPromise(f *frame.PushPromiseFrame) {
	s := r.sess
	stream := s.GetStream(f.StreamID)
	if stream == nil {
		if verboseLogging {
			s.logger.Printf("Ignoring %v for unknown stream on %v", f, s)
		}
		return
	}
	pushed := s.createRemoteStream(f.PromisedStreamID)
	if pushed == nil {
		return
	}
	s.onStreamOpened(pushed)
	pushed.process(f, NoopCallback)
	pushed.setListener(stream.notifyPush(f))
}
