package h2mux

import (
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"

	"github.com/albertbausili/h2mux/pkg/frame"
)

// verboseLogging controls hot-path logging for performance-sensitive
// operations. Keep false for production runs to avoid per-frame overhead.
const verboseLogging = false

// CloseState is the session-level close register.
type CloseState int32

// Close states; transitions only follow
// NOT_CLOSED -> {LOCALLY_CLOSED, REMOTELY_CLOSED} -> CLOSED and CLOSED is
// absorbing.
const (
	NotClosed CloseState = iota
	LocallyClosed
	RemotelyClosed
	Closed
)

func (s CloseState) String() string {
	switch s {
	case NotClosed:
		return "NOT_CLOSED"
	case LocallyClosed:
		return "LOCALLY_CLOSED"
	case RemotelyClosed:
		return "REMOTELY_CLOSED"
	default:
		return "CLOSED"
	}
}

// Endpoint is the byte transport under the session. Write hands buffers to
// the transport and completes the callback when they are accepted by the
// socket layer.
type Endpoint interface {
	Write(callback Callback, buffers ...[]byte)
	ShutdownOutput()
	Close()
	IsOpen() bool
	IdleTimeout() time.Duration
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// roleHandler is the client/server variant point: the two roles differ
// almost only in how they react to HEADERS and PUSH_PROMISE.
type roleHandler interface {
	onHeaders(f *frame.HeadersFrame)
	onPushPromise(f *frame.PushPromiseFrame)
}

// Session is the HTTP/2 state for one bidirectional transport connection.
// It multiplexes streams onto the endpoint, enforces the wire protocol,
// applies flow control, and drives orderly close. One selector goroutine
// delivers inbound frames; application goroutines submit egress operations
// concurrently.
type Session struct {
	logger      *log.Logger
	endpoint    Endpoint
	generator   Generator
	listener    Listener
	flowControl FlowControlStrategy
	scheduler   Scheduler
	flusher     *flusher
	creator     *streamCreator
	role        roleHandler

	streams     sync.Map // map[uint32]*Stream
	streamCount atomic.Int32

	localStreamIDs     atomic.Int64
	lastRemoteStreamID atomic.Uint32
	localStreamCount   atomic.Int32
	remoteStreamCount  atomic.Int64 // packed (count, closing) pair
	sendWindow         atomic.Int32
	recvWindow         atomic.Int32
	closed             atomic.Int32
	bytesWritten       atomic.Int64
	idleTime           atomic.Int64
	pushEnabled        atomic.Bool
	closeFrame         atomic.Pointer[frame.GoAwayFrame]

	maxLocalStreams          atomic.Int32
	maxRemoteStreams         int32
	streamIdleTimeout        time.Duration
	initialSessionRecvWindow int32
	writeThreshold           int
}

// NewServerSession creates the server side of a connection; locally
// initiated (pushed) streams carry even ids.
func NewServerSession(endpoint Endpoint, config Config) (*Session, error) {
	return newSession(endpoint, config, 2, func(s *Session) roleHandler {
		return &serverRole{sess: s}
	})
}

// NewClientSession creates the client side of a connection; locally
// initiated streams carry odd ids.
func NewClientSession(endpoint Endpoint, config Config) (*Session, error) {
	return newSession(endpoint, config, 1, func(s *Session) roleHandler {
		return &clientRole{sess: s}
	})
}

func newSession(endpoint Endpoint, config Config, initialStreamID int64, role func(*Session) roleHandler) (*Session, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	s := &Session{
		logger:            config.Logger,
		endpoint:          endpoint,
		generator:         config.Generator,
		listener:          config.Listener,
		flowControl:       config.FlowControl,
		scheduler:         config.Scheduler,
		streamIdleTimeout:        config.StreamIdleTimeout,
		initialSessionRecvWindow: int32(config.InitialSessionRecvWindow),
		writeThreshold:           config.WriteThreshold,
		maxRemoteStreams:         int32(config.MaxRemoteStreams),
	}
	s.localStreamIDs.Store(initialStreamID)
	s.maxLocalStreams.Store(int32(config.MaxLocalStreams))
	s.sendWindow.Store(DefaultWindowSize)
	s.recvWindow.Store(DefaultWindowSize)
	s.pushEnabled.Store(true)
	s.idleTime.Store(nowNanos())
	s.flusher = newFlusher(s)
	s.creator = &streamCreator{sess: s}
	s.role = role(s)
	return s, nil
}

// ---------------------------------------------------------------------------
// Ingress: the session implements frame.Listener. Handlers never block.

// OnData implements frame.Listener.
func (s *Session) OnData(f *frame.DataFrame) {
	if verboseLogging {
		s.logger.Printf("Received %v on %v", f, s)
	}
	s.recordFrame(frame.TypeData)
	s.notIdle()

	stream := s.GetStream(f.StreamID)

	// The session window must be updated even if the stream is absent; the
	// flow-control length includes the padding bytes.
	flowLength := f.Remaining() + f.Padding()
	s.flowControl.OnDataReceived(s, stream, flowLength)

	if stream != nil {
		if s.RecvWindow() < 0 {
			s.onConnectionFailure(http2.ErrCodeFlowControl, "session_window_exceeded", NoopCallback)
			return
		}
		stream.process(f, s.dataConsumedCallback(stream, flowLength))
		return
	}

	if verboseLogging {
		s.logger.Printf("Stream #%d not found on %v", f.StreamID, s)
	}
	// Enlarge the session flow-control window anyway, otherwise other
	// requests would be stalled by frames addressing dead streams.
	s.flowControl.OnDataConsumed(s, nil, flowLength)
	if s.isStreamClosed(f.StreamID) {
		s.reset(nil, &frame.ResetFrame{StreamID: f.StreamID, Error: http2.ErrCodeStreamClosed}, NoopCallback)
	} else {
		s.onConnectionFailure(http2.ErrCodeProtocol, "unexpected_data_frame", NoopCallback)
	}
}

// dataConsumedCallback completes when the application consumed the DATA
// bytes; consumption returns the flow-control credit even on failure so the
// session window is freed for other streams.
func (s *Session) dataConsumedCallback(stream *Stream, flowLength int) Callback {
	return func(error) {
		s.notIdle()
		stream.notIdle()
		s.flowControl.OnDataConsumed(s, stream, flowLength)
	}
}

// OnHeaders implements frame.Listener; client and server react differently.
func (s *Session) OnHeaders(f *frame.HeadersFrame) {
	if verboseLogging {
		s.logger.Printf("Received %v on %v", f, s)
	}
	s.recordFrame(frame.TypeHeaders)
	s.notIdle()
	s.role.onHeaders(f)
}

// OnPushPromise implements frame.Listener.
func (s *Session) OnPushPromise(f *frame.PushPromiseFrame) {
	if verboseLogging {
		s.logger.Printf("Received %v on %v", f, s)
	}
	s.recordFrame(frame.TypePushPromise)
	s.notIdle()
	s.role.onPushPromise(f)
}

// OnPriority implements frame.Listener. The frame is accepted and reported;
// no dependency tree is maintained.
func (s *Session) OnPriority(f *frame.PriorityFrame) {
	if verboseLogging {
		s.logger.Printf("Received %v on %v", f, s)
	}
	s.recordFrame(frame.TypePriority)
	s.notIdle()
}

// OnReset implements frame.Listener.
func (s *Session) OnReset(f *frame.ResetFrame) {
	if verboseLogging {
		s.logger.Printf("Received %v on %v", f, s)
	}
	s.recordFrame(frame.TypeReset)
	s.notIdle()

	if stream := s.GetStream(f.StreamID); stream != nil {
		stream.process(f, func(error) { s.flusher.Iterate() })
		return
	}
	if s.isStreamClosed(f.StreamID) {
		s.notifyReset(f)
	} else {
		s.onConnectionFailure(http2.ErrCodeProtocol, "unexpected_rst_stream_frame", NoopCallback)
	}
}

// OnSettings implements frame.Listener. A non-reply SETTINGS is applied,
// reported to the listener, and acknowledged; the acknowledgment is queued
// after application so a peer observing the ack may rely on the new values.
func (s *Session) OnSettings(f *frame.SettingsFrame) {
	if verboseLogging {
		s.logger.Printf("Received %v on %v", f, s)
	}
	s.recordFrame(frame.TypeSettings)
	s.notIdle()

	if f.Reply {
		return
	}

	for id, value := range f.Settings {
		switch id {
		case http2.SettingHeaderTableSize:
			s.generator.SetHeaderTableSize(value)
		case http2.SettingEnablePush:
			s.pushEnabled.Store(value == 1)
		case http2.SettingMaxConcurrentStreams:
			s.maxLocalStreams.Store(int32(value))
		case http2.SettingInitialWindowSize:
			s.flowControl.UpdateInitialStreamWindow(s, value, false)
		case http2.SettingMaxFrameSize:
			s.generator.SetMaxFrameSize(value)
		case http2.SettingMaxHeaderListSize:
			s.generator.SetMaxHeaderListSize(value)
		default:
			if verboseLogging {
				s.logger.Printf("Unknown setting %d:%d for %v", id, value, s)
			}
		}
	}
	s.notifySettings(f)

	s.control(nil, NoopCallback, &frame.SettingsFrame{Reply: true})
}

// OnPing implements frame.Listener: replies are reported, pings are echoed.
func (s *Session) OnPing(f *frame.PingFrame) {
	if verboseLogging {
		s.logger.Printf("Received %v on %v", f, s)
	}
	s.recordFrame(frame.TypePing)
	s.notIdle()

	if f.Reply {
		s.notifyPing(f)
		return
	}
	s.control(nil, NoopCallback, &frame.PingFrame{Payload: f.Payload, Reply: true})
}

// OnGoAway implements frame.Listener. From NOT_CLOSED the session moves to
// REMOTELY_CLOSED and queues a disconnect, so the queue content is written
// and then the connection closed; in every other state other methods are
// already performing their close actions.
func (s *Session) OnGoAway(f *frame.GoAwayFrame) {
	if verboseLogging {
		s.logger.Printf("Received %v on %v", f, s)
	}
	s.recordFrame(frame.TypeGoAway)
	s.notIdle()

	for {
		current := s.CloseState()
		if current != NotClosed {
			if verboseLogging {
				s.logger.Printf("Ignored %v, already closed", f)
			}
			return
		}
		if s.casClosed(current, RemotelyClosed) {
			s.closeFrame.Store(f)
			s.onClose(f, func(error) {
				s.Frames(nil, NoopCallback, s.newGoAwayFrame(http2.ErrCodeNo, ""), &frame.DisconnectFrame{})
			})
			return
		}
	}
}

// OnWindowUpdate implements frame.Listener. Stream overflow is a stream
// error, session overflow a connection error; valid updates are handed to
// the flusher, the single owner of send-window adjustments.
func (s *Session) OnWindowUpdate(f *frame.WindowUpdateFrame) {
	if verboseLogging {
		s.logger.Printf("Received %v on %v", f, s)
	}
	s.recordFrame(frame.TypeWindowUpdate)
	s.notIdle()

	if f.StreamID > 0 {
		stream := s.GetStream(f.StreamID)
		if stream == nil {
			if !s.isStreamClosed(f.StreamID) {
				s.onConnectionFailure(http2.ErrCodeProtocol, "unexpected_window_update_frame", NoopCallback)
			}
			return
		}
		streamSendWindow := stream.updateSendWindow(0)
		if sumOverflows(streamSendWindow, f.Delta) {
			s.reset(stream, &frame.ResetFrame{StreamID: f.StreamID, Error: http2.ErrCodeFlowControl}, NoopCallback)
			return
		}
		stream.process(f, NoopCallback)
		s.flusher.Window(stream, f)
		return
	}

	sessionSendWindow := s.updateSendWindow(0)
	if sumOverflows(sessionSendWindow, f.Delta) {
		s.onConnectionFailure(http2.ErrCodeFlowControl, "invalid_flow_control_window", NoopCallback)
		return
	}
	s.flusher.Window(nil, f)
}

// OnStreamFailure implements frame.Listener: the stream observes a
// synthetic failure frame, then an RST_STREAM is sent.
func (s *Session) OnStreamFailure(streamID uint32, code http2.ErrCode, reason string) {
	failure := toFailure(code, reason)
	if verboseLogging {
		s.logger.Printf("Stream #%d failure on %v: %v", streamID, s, failure)
	}
	callback := func(error) {
		s.reset(s.GetStream(streamID), &frame.ResetFrame{StreamID: streamID, Error: code}, NoopCallback)
	}
	s.onStreamFailure(streamID, code, reason, failure, callback)
}

func (s *Session) onStreamFailure(streamID uint32, code http2.ErrCode, reason string, failure error, callback Callback) {
	if stream := s.GetStream(streamID); stream != nil {
		stream.process(&frame.FailureFrame{Error: code, Reason: reason, Cause: failure}, callback)
		return
	}
	callback(nil)
}

// OnConnectionFailure implements frame.Listener.
func (s *Session) OnConnectionFailure(code http2.ErrCode, reason string) {
	s.onConnectionFailure(code, reason, NoopCallback)
}

// onConnectionFailure is the single entry point for protocol-level faults:
// every open stream observes the failure, the listener is notified, and a
// close drives GOAWAY transmission followed by disconnect.
func (s *Session) onConnectionFailure(code http2.ErrCode, reason string, callback Callback) {
	failure := toFailure(code, reason)
	s.logger.Printf("Session failure on %v: %v", s, failure)
	connectionFailures.WithLabelValues(code.String()).Inc()
	s.onFailure(code, reason, failure, func(error) {
		s.Close(code, reason, callback)
	})
}

// abort handles unrecoverable transport-level errors: the streams observe
// the failure, then the session terminates without a GOAWAY.
func (s *Session) abort(failure error) {
	if verboseLogging {
		s.logger.Printf("Session abort on %v: %v", s, failure)
	}
	s.onFailure(http2.ErrCodeNo, "", failure, func(error) {
		s.terminate(failure)
	})
}

// onFailure fans the failure out to every stream with a counting callback,
// so the sequel runs only after all streams and the listener observed it.
func (s *Session) onFailure(code http2.ErrCode, reason string, failure error, callback Callback) {
	streams := s.Streams()
	counting := newCountingCallback(callback, len(streams)+1)
	for _, stream := range streams {
		s.onStreamFailure(stream.ID(), code, reason, failure, counting)
	}
	s.notifyFailure(failure, counting)
}

// onClose fans a peer GOAWAY out to every stream, then to the listener.
func (s *Session) onClose(f *frame.GoAwayFrame, callback Callback) {
	code, reason := f.Error, f.Reason()
	failure := toFailure(code, reason)
	if verboseLogging {
		s.logger.Printf("Session close on %v: %v", s, failure)
	}
	streams := s.Streams()
	counting := newCountingCallback(callback, len(streams)+1)
	for _, stream := range streams {
		s.onStreamFailure(stream.ID(), code, reason, failure, counting)
	}
	s.notifyClose(f, counting)
}

// OnFrame implements frame.Listener for frames that are not valid HTTP/2.
func (s *Session) OnFrame(frameType uint8, streamID uint32, payload []byte) {
	s.onConnectionFailure(http2.ErrCodeProtocol, "upgrade", NoopCallback)
}

// ---------------------------------------------------------------------------
// Egress operations.

// NewStream opens a locally initiated stream: the id is allocated, the
// stream created, and the HEADERS queued in strictly increasing id order
// even under concurrent submission.
func (s *Session) NewStream(f *frame.HeadersFrame, promise Promise, listener StreamListener) {
	s.creator.newStream(f, promise, listener)
}

// Priority sends a PRIORITY frame, allocating a stream id when the frame
// carries none; the id used is returned.
func (s *Session) Priority(f *frame.PriorityFrame, callback Callback) uint32 {
	return s.creator.priority(f, callback)
}

// Push reserves a pushed stream associated with parent and transmits the
// PUSH_PROMISE.
func (s *Session) Push(parent *Stream, promise Promise, f *frame.PushPromiseFrame, listener StreamListener) {
	if !s.IsPushEnabled() {
		promise(nil, fmt.Errorf("push disabled on %v", s))
		return
	}
	p := *f
	if parent != nil {
		p.StreamID = parent.ID()
	}
	s.creator.push(&p, promise, listener)
}

// Settings sends a SETTINGS frame.
func (s *Session) Settings(f *frame.SettingsFrame, callback Callback) {
	s.control(nil, callback, f)
}

// Preface queues the initial SETTINGS and, when the configured session
// receive window exceeds the protocol default, the WINDOW_UPDATE that
// enlarges it; the callback completes after the last frame flushes.
func (s *Session) Preface(f *frame.SettingsFrame, callback Callback) {
	frames := []frame.Frame{f}
	if delta := s.initialSessionRecvWindow - DefaultWindowSize; delta > 0 {
		s.updateRecvWindow(delta)
		frames = append(frames, &frame.WindowUpdateFrame{StreamID: 0, Delta: delta, Local: true})
	}
	s.Frames(nil, callback, frames...)
}

// Ping sends a PING frame; sending a reply directly is not allowed.
func (s *Session) Ping(f *frame.PingFrame, callback Callback) {
	if f.Reply {
		ensureCallback(callback)(fmt.Errorf("cannot send an already replied ping"))
		return
	}
	s.control(nil, callback, f)
}

// reset sends an RST_STREAM for the given stream, which may be nil when the
// stream is already gone.
func (s *Session) reset(stream *Stream, f *frame.ResetFrame, callback Callback) {
	if stream == nil {
		stream = s.GetStream(f.StreamID)
	}
	s.control(stream, callback, f)
}

// Close sends a GOAWAY and moves to LOCALLY_CLOSED. Once the GOAWAY is
// flushed only the output is shut down, so frames arriving from the peer
// can still be read; the connection fully closes on the peer's FIN or on
// idle timeout. It returns true iff this call initiated the close.
func (s *Session) Close(code http2.ErrCode, reason string, callback Callback) bool {
	callback = ensureCallback(callback)
	for {
		current := s.CloseState()
		if current != NotClosed {
			if verboseLogging {
				s.logger.Printf("Ignoring close %v/%s, already closed", code, reason)
			}
			callback(nil)
			return false
		}
		if s.casClosed(current, LocallyClosed) {
			closeFrame := s.newGoAwayFrame(code, reason)
			s.closeFrame.Store(closeFrame)
			s.control(nil, callback, closeFrame)
			return true
		}
	}
}

func (s *Session) newGoAwayFrame(code http2.ErrCode, reason string) *frame.GoAwayFrame {
	return frame.NewGoAwayFrame(s.lastRemoteStreamID.Load(), code, reason)
}

// control queues a single non-DATA frame.
func (s *Session) control(stream *Stream, callback Callback, f frame.Frame) {
	s.Frames(stream, callback, f)
}

// Frames queues one or more frames; the callback completes when the last
// frame is flushed. Generation happens as late as possible, in the write
// loop, so the windows seen are current.
func (s *Session) Frames(stream *Stream, callback Callback, frames ...frame.Frame) {
	callback = ensureCallback(callback)
	if len(frames) == 0 {
		callback(nil)
		return
	}
	if len(frames) == 1 {
		s.frameEntry(newControlEntry(s, frames[0], stream, callback), true)
		return
	}
	counting := newCountingCallback(callback, len(frames))
	for i, f := range frames {
		s.frameEntry(newControlEntry(s, f, stream, counting), i == len(frames)-1)
	}
}

// data queues a DATA frame; fragmentation against the windows happens in
// the write loop.
func (s *Session) data(stream *Stream, callback Callback, f *frame.DataFrame) {
	s.frameEntry(newDataEntry(s, f, stream, callback), true)
}

func (s *Session) frameEntry(e entry, flush bool) {
	if verboseLogging {
		s.logger.Printf("%s %v on %v", map[bool]string{true: "Sending", false: "Queueing"}[flush], e.Frame(), s)
	}
	// Ping frames are prepended to process them as soon as possible.
	var queued bool
	if e.Frame().Type() == frame.TypePing {
		queued = s.flusher.Prepend(e)
	} else {
		queued = s.flusher.Append(e)
	}
	if queued && flush {
		if stream := e.Stream(); stream != nil {
			stream.notIdle()
		}
		s.flusher.Iterate()
	}
}

// ---------------------------------------------------------------------------
// Stream creation and removal.

// createLocalStream admits a local stream under maxLocalStreams and inserts
// it into the table; a duplicate id is a programming error of the caller.
func (s *Session) createLocalStream(streamID uint32) (*Stream, error) {
	for {
		localCount := s.localStreamCount.Load()
		maxCount := s.maxLocalStreams.Load()
		if maxCount >= 0 && localCount >= maxCount {
			return nil, fmt.Errorf("max local stream count %d exceeded", maxCount)
		}
		if s.localStreamCount.CompareAndSwap(localCount, localCount+1) {
			break
		}
	}

	stream := newStream(s, streamID, true)
	if _, dup := s.streams.LoadOrStore(streamID, stream); dup {
		s.localStreamCount.Add(-1)
		return nil, fmt.Errorf("duplicate stream %d", streamID)
	}
	s.streamCount.Add(1)
	stream.setIdleTimeout(s.streamIdleTimeout)
	s.flowControl.OnStreamCreated(stream)
	if verboseLogging {
		s.logger.Printf("Created local %v", stream)
	}
	return stream, nil
}

// createRemoteStream admits a peer stream. Exceeding the concurrency limit
// is a stream error (REFUSED_STREAM); a duplicate id is a connection error.
func (s *Session) createRemoteStream(streamID uint32) *Stream {
	for {
		encoded := s.remoteStreamCount.Load()
		remoteCount, remoteClosing := unpackStreamCount(encoded)
		maxCount := s.maxRemoteStreams
		if maxCount >= 0 && remoteCount-remoteClosing >= maxCount {
			s.updateLastRemoteStreamID(streamID)
			s.reset(nil, &frame.ResetFrame{StreamID: streamID, Error: http2.ErrCodeRefusedStream}, NoopCallback)
			return nil
		}
		if s.remoteStreamCount.CompareAndSwap(encoded, packStreamCount(remoteCount+1, remoteClosing)) {
			break
		}
	}

	stream := newStream(s, streamID, false)
	if _, dup := s.streams.LoadOrStore(streamID, stream); dup {
		s.updateStreamCount(false, -1, 0)
		s.onConnectionFailure(http2.ErrCodeProtocol, "duplicate_stream", NoopCallback)
		return nil
	}
	s.streamCount.Add(1)
	s.updateLastRemoteStreamID(streamID)
	stream.setIdleTimeout(s.streamIdleTimeout)
	s.flowControl.OnStreamCreated(stream)
	if verboseLogging {
		s.logger.Printf("Created remote %v", stream)
	}
	return stream
}

// updateStreamCount adjusts the stream counters; it is the only mutation
// point of the remote closing count, and apart from the admission CAS in
// createRemoteStream the only one of the packed remote (count, closing)
// pair. The stream close sub-machine drives it.
func (s *Session) updateStreamCount(local bool, deltaStreams, deltaClosing int32) {
	if local {
		s.localStreamCount.Add(deltaStreams)
		return
	}
	for {
		encoded := s.remoteStreamCount.Load()
		count, closing := unpackStreamCount(encoded)
		if s.remoteStreamCount.CompareAndSwap(encoded, packStreamCount(count+deltaStreams, closing+deltaClosing)) {
			return
		}
	}
}

// removeStream removes the stream from the table; removal is by the
// session alone and happens at most once per id.
func (s *Session) removeStream(stream *Stream) {
	if _, present := s.streams.LoadAndDelete(stream.ID()); present {
		s.streamCount.Add(-1)
		s.onStreamClosed(stream)
		s.flowControl.OnStreamDestroyed(stream)
		if verboseLogging {
			s.logger.Printf("Removed %v from %v", stream, s)
		}
	}
}

func (s *Session) onStreamOpened(stream *Stream) {
	if stream.opened.CompareAndSwap(false, true) {
		initiator := "remote"
		if stream.IsLocal() {
			initiator = "local"
		}
		streamsOpened.WithLabelValues(initiator).Inc()
	}
}

func (s *Session) onStreamClosed(stream *Stream) {
	streamsClosed.Inc()
}

// onStreamUnstalled wakes the write loop after a send window went positive.
func (s *Session) onStreamUnstalled(stream *Stream) {
	if verboseLogging {
		s.logger.Printf("Unstalled %v", stream)
	}
	s.flusher.Iterate()
}

func (s *Session) onSessionUnstalled() {
	if verboseLogging {
		s.logger.Printf("Unstalled %v", s)
	}
	s.flusher.Iterate()
}

// ---------------------------------------------------------------------------
// Close protocol.

// OnShutdown is invoked when the transport input is exhausted (TCP FIN) or
// reading fails. A typical close involves a peer GOAWAY followed by the
// FIN: without the GOAWAY the close was abrupt and the session terminates;
// after a local GOAWAY only the output was shut down, so a disconnect is
// queued to close the socket for good.
func (s *Session) OnShutdown() {
	if verboseLogging {
		s.logger.Printf("Shutting down %v", s)
	}
	switch s.CloseState() {
	case NotClosed:
		// The other peer did not send a GOAWAY, no need to be gentle.
		s.abort(net.ErrClosed)
	case LocallyClosed:
		s.control(nil, NoopCallback, &frame.DisconnectFrame{})
	default:
		// REMOTELY_CLOSED: the received GOAWAY already drives the close.
	}
}

// OnIdleTimeout is invoked when the connection idle timeout fires. In
// NOT_CLOSED a genuine timeout asks the listener for the verdict; in the
// half-closed states the close stalled (missing FIN or stuck disconnect)
// and the session terminates.
func (s *Session) OnIdleTimeout() bool {
	switch s.CloseState() {
	case NotClosed:
		elapsed := time.Duration(nowNanos() - s.idleTime.Load())
		if elapsed < s.endpoint.IdleTimeout() {
			return false
		}
		return s.notifyIdleTimeout()
	case LocallyClosed, RemotelyClosed:
		s.abort(&TimeoutError{Message: fmt.Sprintf("idle timeout %v expired", s.endpoint.IdleTimeout())})
		return false
	default:
		return false
	}
}

// OnFlushed forwards socket-level write progress to the write loop.
func (s *Session) OnFlushed(bytes int64) {
	s.flusher.OnFlushed(bytes)
}

// disconnect closes the endpoint.
func (s *Session) disconnect() {
	if verboseLogging {
		s.logger.Printf("Disconnecting %v", s)
	}
	s.endpoint.Close()
}

// IsDisconnected reports whether the endpoint is gone.
func (s *Session) IsDisconnected() bool {
	return !s.endpoint.IsOpen()
}

// terminate moves to CLOSED from any other state, fails the queued entries,
// closes every stream, clears the table and closes the endpoint. Idempotent.
func (s *Session) terminate(cause error) {
	for {
		current := s.CloseState()
		if current == Closed {
			return
		}
		if s.casClosed(current, Closed) {
			s.flusher.Terminate(cause)
			s.forEachStream(func(stream *Stream) {
				stream.close()
			})
			s.streams.Range(func(key, _ any) bool {
				s.streams.Delete(key)
				return true
			})
			s.streamCount.Store(0)
			sessionsTerminated.Inc()
			s.disconnect()
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Introspection and predicates.

// GetStream returns the stream with the given id, or nil.
func (s *Session) GetStream(streamID uint32) *Stream {
	if v, ok := s.streams.Load(streamID); ok {
		return v.(*Stream)
	}
	return nil
}

// Streams returns a snapshot of the open streams.
func (s *Session) Streams() []*Stream {
	var streams []*Stream
	s.forEachStream(func(stream *Stream) {
		streams = append(streams, stream)
	})
	return streams
}

func (s *Session) forEachStream(fn func(*Stream)) {
	s.streams.Range(func(_, v any) bool {
		fn(v.(*Stream))
		return true
	})
}

// StreamCount returns the number of streams in the table.
func (s *Session) StreamCount() int {
	return int(s.streamCount.Load())
}

// SendWindow returns the session send window.
func (s *Session) SendWindow() int32 { return s.sendWindow.Load() }

// RecvWindow returns the session receive window.
func (s *Session) RecvWindow() int32 { return s.recvWindow.Load() }

// updateSendWindow adds delta and returns the previous value.
func (s *Session) updateSendWindow(delta int32) int32 {
	return s.sendWindow.Add(delta) - delta
}

// updateRecvWindow adds delta and returns the previous value.
func (s *Session) updateRecvWindow(delta int32) int32 {
	return s.recvWindow.Add(delta) - delta
}

// BytesWritten returns the total frame bytes written to the endpoint.
func (s *Session) BytesWritten() int64 { return s.bytesWritten.Load() }

// IsPushEnabled reports whether the peer accepts PUSH_PROMISE.
func (s *Session) IsPushEnabled() bool { return s.pushEnabled.Load() }

// IsClosed reports whether a close was initiated by either side.
func (s *Session) IsClosed() bool { return s.CloseState() != NotClosed }

// CloseState returns the current close register value.
func (s *Session) CloseState() CloseState { return CloseState(s.closed.Load()) }

// CloseFrame returns the GOAWAY that caused the close, if any.
func (s *Session) CloseFrame() *frame.GoAwayFrame { return s.closeFrame.Load() }

func (s *Session) casClosed(from, to CloseState) bool {
	return s.closed.CompareAndSwap(int32(from), int32(to))
}

// isStreamClosed reports whether an absent id belongs to a stream that
// lived and completed, as opposed to one that never existed.
func (s *Session) isStreamClosed(streamID uint32) bool {
	if s.isLocalStream(streamID) {
		return s.isLocalStreamClosed(streamID)
	}
	return s.isRemoteStreamClosed(streamID)
}

func (s *Session) isLocalStream(streamID uint32) bool {
	return streamID&1 == uint32(s.localStreamIDs.Load())&1
}

func (s *Session) isLocalStreamClosed(streamID uint32) bool {
	return streamID <= uint32(s.localStreamIDs.Load())
}

func (s *Session) isRemoteStreamClosed(streamID uint32) bool {
	return streamID <= s.lastRemoteStreamID.Load()
}

// LastRemoteStreamID returns the highest peer-initiated stream id seen.
func (s *Session) LastRemoteStreamID() uint32 {
	return s.lastRemoteStreamID.Load()
}

// updateLastRemoteStreamID raises the high-water mark monotonically.
func (s *Session) updateLastRemoteStreamID(streamID uint32) {
	for {
		last := s.lastRemoteStreamID.Load()
		if streamID <= last {
			return
		}
		if s.lastRemoteStreamID.CompareAndSwap(last, streamID) {
			return
		}
	}
}

func (s *Session) notIdle() {
	s.idleTime.Store(nowNanos())
}

func (s *Session) recordFrame(t frame.Type) {
	framesReceived.WithLabelValues(frameLabel(t)).Inc()
}

func (s *Session) String() string {
	return fmt.Sprintf("session@%p{l:%v <-> r:%v,sendWindow=%d,recvWindow=%d,streams=%d,%s,%v}",
		s, s.endpoint.LocalAddr(), s.endpoint.RemoteAddr(),
		s.sendWindow.Load(), s.recvWindow.Load(), s.StreamCount(),
		s.CloseState(), s.closeFrame.Load())
}

// ---------------------------------------------------------------------------
// Listener fan-out. Every notification catches and logs panics so listener
// bugs never propagate into the dispatch loop.

func (s *Session) recoverListener(operation string) {
	if x := recover(); x != nil {
		s.logger.Printf("Failure while notifying listener %s: %v", operation, x)
	}
}

func (s *Session) notifyNewStream(stream *Stream, f *frame.HeadersFrame) StreamListener {
	defer s.recoverListener("onNewStream")
	return s.listener.OnNewStream(stream, f)
}

func (s *Session) notifySettings(f *frame.SettingsFrame) {
	defer s.recoverListener("onSettings")
	s.listener.OnSettings(s, f)
}

func (s *Session) notifyPing(f *frame.PingFrame) {
	defer s.recoverListener("onPing")
	s.listener.OnPing(s, f)
}

func (s *Session) notifyReset(f *frame.ResetFrame) {
	defer s.recoverListener("onReset")
	s.listener.OnReset(s, f)
}

func (s *Session) notifyClose(f *frame.GoAwayFrame, callback Callback) {
	defer s.recoverListener("onClose")
	s.listener.OnClose(s, f, callback)
}

func (s *Session) notifyIdleTimeout() (verdict bool) {
	// A listener panic closes the session, like the default verdict.
	verdict = true
	defer s.recoverListener("onIdleTimeout")
	verdict = s.listener.OnIdleTimeout(s)
	return verdict
}

func (s *Session) notifyFailure(failure error, callback Callback) {
	defer s.recoverListener("onFailure")
	s.listener.OnFailure(s, failure, callback)
}

// ---------------------------------------------------------------------------

func packStreamCount(count, closing int32) int64 {
	return int64(count)<<32 | int64(uint32(closing))
}

func unpackStreamCount(encoded int64) (count, closing int32) {
	return int32(encoded >> 32), int32(uint32(encoded))
}

func sumOverflows(a, b int32) bool {
	sum := int64(a) + int64(b)
	return sum > int64(int32(^uint32(0)>>1))
}
