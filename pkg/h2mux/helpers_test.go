package h2mux

import (
	"bytes"
	"net"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/http2"

	"github.com/albertbausili/h2mux/pkg/frame"
)

// fakeEndpoint records written bytes and completes write callbacks
// synchronously, so tests observe the wire deterministically.
type fakeEndpoint struct {
	mu          sync.Mutex
	written     bytes.Buffer
	closed      bool
	outputShut  bool
	idleTimeout time.Duration
	writeErr    error
}

type fakeAddr string

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return string(a) }

func (e *fakeEndpoint) Write(callback Callback, buffers ...[]byte) {
	e.mu.Lock()
	err := e.writeErr
	if err == nil {
		for _, b := range buffers {
			e.written.Write(b)
		}
	}
	e.mu.Unlock()
	callback(err)
}

func (e *fakeEndpoint) ShutdownOutput() {
	e.mu.Lock()
	e.outputShut = true
	e.mu.Unlock()
}

func (e *fakeEndpoint) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

func (e *fakeEndpoint) IsOpen() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.closed
}

func (e *fakeEndpoint) IdleTimeout() time.Duration {
	if e.idleTimeout > 0 {
		return e.idleTimeout
	}
	return 30 * time.Second
}

func (e *fakeEndpoint) LocalAddr() net.Addr  { return fakeAddr("127.0.0.1:0") }
func (e *fakeEndpoint) RemoteAddr() net.Addr { return fakeAddr("127.0.0.1:1") }

func (e *fakeEndpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *fakeEndpoint) isOutputShut() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outputShut
}

func (e *fakeEndpoint) takeWritten() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]byte, e.written.Len())
	copy(out, e.written.Bytes())
	e.written.Reset()
	return out
}

// decodeFrames parses the raw written bytes back into x/net frames.
// MetaHeaders decoding is not needed: tests look at types, ids and flags.
type decodedFrame struct {
	kind      http2.FrameType
	streamID  uint32
	flags     http2.Flags
	length    uint32
	errCode   http2.ErrCode
	increment uint32
	promiseID uint32
	debug     []byte
	pingData  [8]byte
}

func decodeFrames(t *testing.T, raw []byte) []decodedFrame {
	t.Helper()
	framer := http2.NewFramer(nil, bytes.NewReader(raw))
	var frames []decodedFrame
	for {
		f, err := framer.ReadFrame()
		if err != nil {
			return frames
		}
		d := decodedFrame{
			kind:     f.Header().Type,
			streamID: f.Header().StreamID,
			flags:    f.Header().Flags,
			length:   f.Header().Length,
		}
		switch f := f.(type) {
		case *http2.RSTStreamFrame:
			d.errCode = f.ErrCode
		case *http2.GoAwayFrame:
			d.errCode = f.ErrCode
			d.debug = append([]byte(nil), f.DebugData()...)
		case *http2.WindowUpdateFrame:
			d.increment = f.Increment
		case *http2.PushPromiseFrame:
			d.promiseID = f.PromiseID
		case *http2.PingFrame:
			d.pingData = f.Data
		}
		frames = append(frames, d)
	}
}

func framesOfType(frames []decodedFrame, kind http2.FrameType) []decodedFrame {
	var out []decodedFrame
	for _, f := range frames {
		if f.kind == kind {
			out = append(out, f)
		}
	}
	return out
}

// manualScheduler collects tasks and fires them on demand.
type manualScheduler struct {
	mu    sync.Mutex
	tasks []*manualTask
}

type manualTask struct {
	fn        func()
	cancelled bool
}

func (t *manualTask) Cancel() bool {
	t.cancelled = true
	return true
}

func (s *manualScheduler) Schedule(_ time.Duration, task func()) Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	mt := &manualTask{fn: task}
	s.tasks = append(s.tasks, mt)
	return mt
}

// recordingListener captures session events.
type recordingListener struct {
	ListenerAdapter
	mu             sync.Mutex
	pings          []*frame.PingFrame
	resets         []*frame.ResetFrame
	settings       []*frame.SettingsFrame
	goAways        []*frame.GoAwayFrame
	failures       []error
	newStreams     []*Stream
	idleVerdict    bool
	idleCalls      int
	streamListener StreamListener
}

func (l *recordingListener) OnNewStream(stream *Stream, f *frame.HeadersFrame) StreamListener {
	l.mu.Lock()
	l.newStreams = append(l.newStreams, stream)
	listener := l.streamListener
	l.mu.Unlock()
	return listener
}

func (l *recordingListener) OnSettings(_ *Session, f *frame.SettingsFrame) {
	l.mu.Lock()
	l.settings = append(l.settings, f)
	l.mu.Unlock()
}

func (l *recordingListener) OnPing(_ *Session, f *frame.PingFrame) {
	l.mu.Lock()
	l.pings = append(l.pings, f)
	l.mu.Unlock()
}

func (l *recordingListener) OnReset(_ *Session, f *frame.ResetFrame) {
	l.mu.Lock()
	l.resets = append(l.resets, f)
	l.mu.Unlock()
}

func (l *recordingListener) OnClose(_ *Session, f *frame.GoAwayFrame, callback Callback) {
	l.mu.Lock()
	l.goAways = append(l.goAways, f)
	l.mu.Unlock()
	callback(nil)
}

func (l *recordingListener) OnIdleTimeout(*Session) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.idleCalls++
	return l.idleVerdict
}

func (l *recordingListener) OnFailure(_ *Session, failure error, callback Callback) {
	l.mu.Lock()
	l.failures = append(l.failures, failure)
	l.mu.Unlock()
	callback(nil)
}

func newTestServerSession(t *testing.T, config Config) (*Session, *fakeEndpoint) {
	t.Helper()
	endpoint := &fakeEndpoint{}
	session, err := NewServerSession(endpoint, config)
	if err != nil {
		t.Fatalf("NewServerSession() error = %v", err)
	}
	return session, endpoint
}

func newTestClientSession(t *testing.T, config Config) (*Session, *fakeEndpoint) {
	t.Helper()
	endpoint := &fakeEndpoint{}
	session, err := NewClientSession(endpoint, config)
	if err != nil {
		t.Fatalf("NewClientSession() error = %v", err)
	}
	return session, endpoint
}

// openRemoteStream drives a request HEADERS into a server session.
func openRemoteStream(t *testing.T, session *Session, streamID uint32, endStream bool) *Stream {
	t.Helper()
	session.OnHeaders(&frame.HeadersFrame{
		StreamID:  streamID,
		Headers:   [][2]string{{":method", "GET"}, {":path", "/"}, {":scheme", "http"}},
		EndStream: endStream,
	})
	stream := session.GetStream(streamID)
	if stream == nil {
		t.Fatalf("Expected stream %d to be open", streamID)
	}
	return stream
}
