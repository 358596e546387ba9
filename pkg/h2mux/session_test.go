package h2mux

import (
	"math"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/http2"

	"github.com/albertbausili/h2mux/pkg/frame"
)

func TestPingIsEchoedWithReplyFlag(t *testing.T) {
	session, endpoint := newTestServerSession(t, DefaultConfig())

	payload := [8]byte{1, 2, 3, 4, 5, 6, 7, 8}
	session.OnPing(&frame.PingFrame{Payload: payload})

	frames := decodeFrames(t, endpoint.takeWritten())
	pings := framesOfType(frames, http2.FramePing)
	if len(pings) != 1 {
		t.Fatalf("Expected exactly 1 PING reply, got %d", len(pings))
	}
	if pings[0].flags&http2.FlagPingAck == 0 {
		t.Error("Expected PING reply flag to be set")
	}
	if pings[0].pingData != payload {
		t.Errorf("Expected PING payload %v, got %v", payload, pings[0].pingData)
	}
}

func TestPingReplyOnlyNotifiesListener(t *testing.T) {
	listener := &recordingListener{}
	config := DefaultConfig()
	config.Listener = listener
	session, endpoint := newTestServerSession(t, config)

	session.OnPing(&frame.PingFrame{Payload: [8]byte{9}, Reply: true})

	if got := len(endpoint.takeWritten()); got != 0 {
		t.Errorf("Expected no frames written for a PING reply, got %d bytes", got)
	}
	if len(listener.pings) != 1 {
		t.Errorf("Expected 1 ping notification, got %d", len(listener.pings))
	}
}

func TestSendingReplyPingIsRejected(t *testing.T) {
	session, _ := newTestServerSession(t, DefaultConfig())

	var failure error
	session.Ping(&frame.PingFrame{Reply: true}, func(err error) { failure = err })
	if failure == nil {
		t.Error("Expected sending a reply PING to fail")
	}
}

func TestSettingsAreAppliedAndAcknowledgedOnce(t *testing.T) {
	listener := &recordingListener{}
	config := DefaultConfig()
	config.Listener = listener
	session, endpoint := newTestServerSession(t, config)

	session.OnSettings(&frame.SettingsFrame{Settings: map[http2.SettingID]uint32{
		http2.SettingEnablePush:           0,
		http2.SettingMaxConcurrentStreams: 50,
	}})

	if session.IsPushEnabled() {
		t.Error("Expected push to be disabled")
	}
	if got := session.maxLocalStreams.Load(); got != 50 {
		t.Errorf("Expected maxLocalStreams 50, got %d", got)
	}
	if len(listener.settings) != 1 {
		t.Errorf("Expected 1 settings notification, got %d", len(listener.settings))
	}

	frames := framesOfType(decodeFrames(t, endpoint.takeWritten()), http2.FrameSettings)
	if len(frames) != 1 {
		t.Fatalf("Expected exactly 1 SETTINGS reply, got %d", len(frames))
	}
	if frames[0].flags&http2.FlagSettingsAck == 0 {
		t.Error("Expected SETTINGS reply flag to be set")
	}
}

func TestSettingsReplyIsIgnored(t *testing.T) {
	session, endpoint := newTestServerSession(t, DefaultConfig())

	session.OnSettings(&frame.SettingsFrame{Reply: true})

	if got := len(endpoint.takeWritten()); got != 0 {
		t.Errorf("Expected no frames written for a SETTINGS reply, got %d bytes", got)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	session, endpoint := newTestServerSession(t, DefaultConfig())

	if !session.Close(http2.ErrCodeNo, "bye", NoopCallback) {
		t.Fatal("Expected first close to initiate")
	}
	if session.CloseState() != LocallyClosed {
		t.Errorf("Expected LOCALLY_CLOSED, got %v", session.CloseState())
	}
	if !endpoint.isOutputShut() {
		t.Error("Expected output to be shut down after GOAWAY flush")
	}
	if endpoint.isClosed() {
		t.Error("Expected endpoint to stay open for straggler reads")
	}

	goAways := framesOfType(decodeFrames(t, endpoint.takeWritten()), http2.FrameGoAway)
	if len(goAways) != 1 {
		t.Fatalf("Expected 1 GOAWAY, got %d", len(goAways))
	}
	if string(goAways[0].debug) != "bye" {
		t.Errorf("Expected GOAWAY reason %q, got %q", "bye", goAways[0].debug)
	}

	secondDone := false
	if session.Close(http2.ErrCodeNo, "again", func(err error) {
		if err != nil {
			t.Errorf("Expected second close callback to succeed, got %v", err)
		}
		secondDone = true
	}) {
		t.Error("Expected second close to report false")
	}
	if !secondDone {
		t.Error("Expected second close callback to complete immediately")
	}
	if goAways := framesOfType(decodeFrames(t, endpoint.takeWritten()), http2.FrameGoAway); len(goAways) != 0 {
		t.Errorf("Expected no second GOAWAY, got %d", len(goAways))
	}
}

func TestGoAwayReasonIsTruncated(t *testing.T) {
	session, endpoint := newTestServerSession(t, DefaultConfig())

	session.Close(http2.ErrCodeNo, strings.Repeat("x", 100), NoopCallback)

	goAways := framesOfType(decodeFrames(t, endpoint.takeWritten()), http2.FrameGoAway)
	if len(goAways) != 1 {
		t.Fatalf("Expected 1 GOAWAY, got %d", len(goAways))
	}
	if len(goAways[0].debug) != frame.MaxReasonLength {
		t.Errorf("Expected reason truncated to %d bytes, got %d", frame.MaxReasonLength, len(goAways[0].debug))
	}
}

func TestPeerGoAwayDrainsAndDisconnects(t *testing.T) {
	listener := &recordingListener{}
	config := DefaultConfig()
	config.Listener = listener
	session, endpoint := newTestServerSession(t, config)

	received := frame.NewGoAwayFrame(7, http2.ErrCodeNo, "")
	session.OnGoAway(received)

	if session.CloseState() != Closed {
		t.Errorf("Expected CLOSED after drain, got %v", session.CloseState())
	}
	if session.CloseFrame() != received {
		t.Error("Expected the received GOAWAY to be remembered")
	}
	if len(listener.goAways) != 1 {
		t.Errorf("Expected 1 close notification, got %d", len(listener.goAways))
	}
	if !endpoint.isClosed() {
		t.Error("Expected endpoint closed after disconnect")
	}

	// A close during/after REMOTELY_CLOSED reports false and succeeds.
	done := false
	if session.Close(http2.ErrCodeNo, "late", func(error) { done = true }) {
		t.Error("Expected close after peer GOAWAY to report false")
	}
	if !done {
		t.Error("Expected late close callback to complete immediately")
	}
}

func TestSecondGoAwayIsIgnored(t *testing.T) {
	listener := &recordingListener{}
	config := DefaultConfig()
	config.Listener = listener
	session, _ := newTestServerSession(t, config)

	session.OnGoAway(frame.NewGoAwayFrame(1, http2.ErrCodeNo, ""))
	session.OnGoAway(frame.NewGoAwayFrame(3, http2.ErrCodeNo, ""))

	if len(listener.goAways) != 1 {
		t.Errorf("Expected 1 close notification, got %d", len(listener.goAways))
	}
}

func TestShutdownWithoutGoAwayAborts(t *testing.T) {
	listener := &recordingListener{}
	config := DefaultConfig()
	config.Listener = listener
	session, endpoint := newTestServerSession(t, config)

	session.OnShutdown()

	if session.CloseState() != Closed {
		t.Errorf("Expected CLOSED after abrupt shutdown, got %v", session.CloseState())
	}
	if !endpoint.isClosed() {
		t.Error("Expected endpoint closed")
	}
	if len(listener.failures) != 1 {
		t.Errorf("Expected 1 failure notification, got %d", len(listener.failures))
	}
}

func TestShutdownAfterLocalCloseDisconnects(t *testing.T) {
	session, endpoint := newTestServerSession(t, DefaultConfig())

	session.Close(http2.ErrCodeNo, "bye", NoopCallback)
	session.OnShutdown()

	if session.CloseState() != Closed {
		t.Errorf("Expected CLOSED, got %v", session.CloseState())
	}
	if !endpoint.isClosed() {
		t.Error("Expected endpoint closed after queued disconnect")
	}
}

func TestIdleTimeout(t *testing.T) {
	t.Run("not elapsed returns false without notifying", func(t *testing.T) {
		listener := &recordingListener{idleVerdict: true}
		config := DefaultConfig()
		config.Listener = listener
		session, _ := newTestServerSession(t, config)

		if session.OnIdleTimeout() {
			t.Error("Expected no close verdict while traffic is recent")
		}
		if listener.idleCalls != 0 {
			t.Errorf("Expected no listener calls, got %d", listener.idleCalls)
		}
	})

	t.Run("elapsed asks the listener", func(t *testing.T) {
		listener := &recordingListener{idleVerdict: true}
		config := DefaultConfig()
		config.Listener = listener
		session, _ := newTestServerSession(t, config)
		session.idleTime.Store(nowNanos() - int64(time.Hour))

		if !session.OnIdleTimeout() {
			t.Error("Expected listener verdict to be returned")
		}
		if listener.idleCalls != 1 {
			t.Errorf("Expected 1 listener call, got %d", listener.idleCalls)
		}
	})

	t.Run("locally closed aborts regardless of listener", func(t *testing.T) {
		listener := &recordingListener{idleVerdict: true}
		config := DefaultConfig()
		config.Listener = listener
		session, endpoint := newTestServerSession(t, config)

		session.Close(http2.ErrCodeNo, "bye", NoopCallback)
		if session.OnIdleTimeout() {
			t.Error("Expected false from idle timeout while closing")
		}
		if session.CloseState() != Closed {
			t.Errorf("Expected CLOSED after idle abort, got %v", session.CloseState())
		}
		if !endpoint.isClosed() {
			t.Error("Expected endpoint closed")
		}
		if listener.idleCalls != 0 {
			t.Errorf("Expected no listener calls, got %d", listener.idleCalls)
		}
	})
}

func TestDataOnUnknownStreamIsConnectionError(t *testing.T) {
	session, endpoint := newTestServerSession(t, DefaultConfig())

	session.OnData(frame.NewDataFrame(5, []byte("x"), false, 1))

	goAways := framesOfType(decodeFrames(t, endpoint.takeWritten()), http2.FrameGoAway)
	if len(goAways) != 1 {
		t.Fatalf("Expected GOAWAY for DATA on unknown stream, got %d", len(goAways))
	}
	if goAways[0].errCode != http2.ErrCodeProtocol {
		t.Errorf("Expected PROTOCOL_ERROR, got %v", goAways[0].errCode)
	}
	if !session.IsClosed() {
		t.Error("Expected session to be closing")
	}
	// The session window was credited back even without a stream.
	if got := session.RecvWindow(); got != DefaultWindowSize {
		t.Errorf("Expected session recv window %d, got %d", DefaultWindowSize, got)
	}
}

func TestDataOnClosedStreamIsReset(t *testing.T) {
	config := DefaultConfig()
	session, endpoint := newTestServerSession(t, config)

	stream := openRemoteStream(t, session, 1, true)
	stream.Headers(&frame.HeadersFrame{StreamID: 1, Headers: [][2]string{{":status", "200"}}, EndStream: true}, NoopCallback)
	if session.GetStream(1) != nil {
		t.Fatal("Expected stream 1 to be removed after both halves closed")
	}
	endpoint.takeWritten()

	session.OnData(frame.NewDataFrame(1, []byte("late"), false, 4))

	frames := decodeFrames(t, endpoint.takeWritten())
	resets := framesOfType(frames, http2.FrameRSTStream)
	if len(resets) != 1 {
		t.Fatalf("Expected RST_STREAM for DATA on closed stream, got %d", len(resets))
	}
	if resets[0].errCode != http2.ErrCodeStreamClosed {
		t.Errorf("Expected STREAM_CLOSED, got %v", resets[0].errCode)
	}
	if session.IsClosed() {
		t.Error("Expected session to survive DATA on a closed stream")
	}
	if got := session.RecvWindow(); got != DefaultWindowSize {
		t.Errorf("Expected session recv window %d, got %d", DefaultWindowSize, got)
	}
}

func TestDataOverflowingSessionWindowFailsConnection(t *testing.T) {
	session, endpoint := newTestServerSession(t, DefaultConfig())

	openRemoteStream(t, session, 1, false)
	endpoint.takeWritten()

	session.OnData(frame.NewDataFrame(1, make([]byte, 1024), false, 70000))

	goAways := framesOfType(decodeFrames(t, endpoint.takeWritten()), http2.FrameGoAway)
	if len(goAways) != 1 {
		t.Fatalf("Expected GOAWAY for session window exceeded, got %d", len(goAways))
	}
	if goAways[0].errCode != http2.ErrCodeFlowControl {
		t.Errorf("Expected FLOW_CONTROL_ERROR, got %v", goAways[0].errCode)
	}
}

func TestWindowUpdateOverflow(t *testing.T) {
	t.Run("stream overflow resets the stream only", func(t *testing.T) {
		session, endpoint := newTestServerSession(t, DefaultConfig())
		openRemoteStream(t, session, 1, false)
		endpoint.takeWritten()

		session.OnWindowUpdate(&frame.WindowUpdateFrame{StreamID: 1, Delta: math.MaxInt32})

		resets := framesOfType(decodeFrames(t, endpoint.takeWritten()), http2.FrameRSTStream)
		if len(resets) != 1 {
			t.Fatalf("Expected RST_STREAM on window overflow, got %d", len(resets))
		}
		if resets[0].errCode != http2.ErrCodeFlowControl {
			t.Errorf("Expected FLOW_CONTROL_ERROR, got %v", resets[0].errCode)
		}
		if session.IsClosed() {
			t.Error("Expected session to survive a stream window overflow")
		}
	})

	t.Run("session overflow fails the connection", func(t *testing.T) {
		session, endpoint := newTestServerSession(t, DefaultConfig())

		session.OnWindowUpdate(&frame.WindowUpdateFrame{StreamID: 0, Delta: math.MaxInt32})

		goAways := framesOfType(decodeFrames(t, endpoint.takeWritten()), http2.FrameGoAway)
		if len(goAways) != 1 {
			t.Fatalf("Expected GOAWAY on session window overflow, got %d", len(goAways))
		}
		if goAways[0].errCode != http2.ErrCodeFlowControl {
			t.Errorf("Expected FLOW_CONTROL_ERROR, got %v", goAways[0].errCode)
		}
	})

	t.Run("update for unknown stream is a protocol error", func(t *testing.T) {
		session, endpoint := newTestServerSession(t, DefaultConfig())

		session.OnWindowUpdate(&frame.WindowUpdateFrame{StreamID: 9, Delta: 10})

		goAways := framesOfType(decodeFrames(t, endpoint.takeWritten()), http2.FrameGoAway)
		if len(goAways) != 1 {
			t.Fatalf("Expected GOAWAY, got %d", len(goAways))
		}
		if goAways[0].errCode != http2.ErrCodeProtocol {
			t.Errorf("Expected PROTOCOL_ERROR, got %v", goAways[0].errCode)
		}
	})

	t.Run("update for closed stream is tolerated", func(t *testing.T) {
		session, endpoint := newTestServerSession(t, DefaultConfig())
		stream := openRemoteStream(t, session, 1, true)
		stream.Headers(&frame.HeadersFrame{StreamID: 1, Headers: [][2]string{{":status", "200"}}, EndStream: true}, NoopCallback)
		endpoint.takeWritten()

		session.OnWindowUpdate(&frame.WindowUpdateFrame{StreamID: 1, Delta: 10})

		if session.IsClosed() {
			t.Error("Expected session to tolerate update for a closed stream")
		}
	})
}

func TestResetDispatch(t *testing.T) {
	t.Run("reset for open stream closes it", func(t *testing.T) {
		session, _ := newTestServerSession(t, DefaultConfig())
		stream := openRemoteStream(t, session, 1, false)

		session.OnReset(&frame.ResetFrame{StreamID: 1, Error: http2.ErrCodeCancel})

		if session.GetStream(1) != nil {
			t.Error("Expected stream removed after reset")
		}
		if !stream.IsClosed() {
			t.Error("Expected stream closed after reset")
		}
		if stream.Failure() == nil {
			t.Error("Expected stream failure recorded")
		}
	})

	t.Run("reset for closed stream notifies the listener", func(t *testing.T) {
		listener := &recordingListener{}
		config := DefaultConfig()
		config.Listener = listener
		session, _ := newTestServerSession(t, config)
		stream := openRemoteStream(t, session, 1, true)
		stream.Headers(&frame.HeadersFrame{StreamID: 1, Headers: [][2]string{{":status", "200"}}, EndStream: true}, NoopCallback)

		session.OnReset(&frame.ResetFrame{StreamID: 1, Error: http2.ErrCodeCancel})

		if len(listener.resets) != 1 {
			t.Errorf("Expected 1 reset notification, got %d", len(listener.resets))
		}
		if session.IsClosed() {
			t.Error("Expected session to survive")
		}
	})

	t.Run("reset for unknown stream fails the connection", func(t *testing.T) {
		session, endpoint := newTestServerSession(t, DefaultConfig())

		session.OnReset(&frame.ResetFrame{StreamID: 9, Error: http2.ErrCodeCancel})

		goAways := framesOfType(decodeFrames(t, endpoint.takeWritten()), http2.FrameGoAway)
		if len(goAways) != 1 {
			t.Fatalf("Expected GOAWAY, got %d", len(goAways))
		}
		if goAways[0].errCode != http2.ErrCodeProtocol {
			t.Errorf("Expected PROTOCOL_ERROR, got %v", goAways[0].errCode)
		}
	})
}

func TestNonHTTP2FrameFailsConnection(t *testing.T) {
	session, endpoint := newTestServerSession(t, DefaultConfig())

	session.OnFrame(0x42, 0, []byte("hi"))

	goAways := framesOfType(decodeFrames(t, endpoint.takeWritten()), http2.FrameGoAway)
	if len(goAways) != 1 {
		t.Fatalf("Expected GOAWAY, got %d", len(goAways))
	}
	if string(goAways[0].debug) != "upgrade" {
		t.Errorf("Expected reason %q, got %q", "upgrade", goAways[0].debug)
	}
}

func TestConnectionFailureFailsAllStreams(t *testing.T) {
	session, endpoint := newTestServerSession(t, DefaultConfig())
	first := openRemoteStream(t, session, 1, false)
	second := openRemoteStream(t, session, 3, false)
	endpoint.takeWritten()

	session.OnConnectionFailure(http2.ErrCodeProtocol, "boom")

	if !first.IsClosed() || !second.IsClosed() {
		t.Error("Expected every stream to observe the failure")
	}
	if session.StreamCount() != 0 {
		t.Errorf("Expected empty stream table, got %d", session.StreamCount())
	}
	goAways := framesOfType(decodeFrames(t, endpoint.takeWritten()), http2.FrameGoAway)
	if len(goAways) != 1 {
		t.Fatalf("Expected 1 GOAWAY, got %d", len(goAways))
	}
}

func TestTerminateFailsQueuedEntries(t *testing.T) {
	session, _ := newTestServerSession(t, DefaultConfig())
	// A zero initial send window keeps the DATA entry queued.
	session.flowControl.UpdateInitialStreamWindow(session, 0, false)
	stream := openRemoteStream(t, session, 1, false)

	var failure error
	stream.Data(&frame.DataFrame{StreamID: 1, Data: []byte("stalled"), EndStream: true}, func(err error) {
		failure = err
	})
	if failure != nil {
		t.Fatalf("Expected the DATA entry to stall, got completion %v", failure)
	}

	session.OnShutdown()

	if failure == nil {
		t.Error("Expected the stalled entry to fail on terminate")
	}
	if session.CloseState() != Closed {
		t.Errorf("Expected CLOSED, got %v", session.CloseState())
	}
}

func TestPrefaceEnlargesSessionRecvWindow(t *testing.T) {
	config := DefaultConfig()
	config.InitialSessionRecvWindow = 1 << 20
	session, endpoint := newTestServerSession(t, config)

	session.Preface(&frame.SettingsFrame{Settings: map[http2.SettingID]uint32{
		http2.SettingMaxConcurrentStreams: 100,
	}}, NoopCallback)

	frames := decodeFrames(t, endpoint.takeWritten())
	if len(frames) != 2 {
		t.Fatalf("Expected SETTINGS + WINDOW_UPDATE, got %d frames", len(frames))
	}
	if frames[0].kind != http2.FrameSettings {
		t.Errorf("Expected SETTINGS first, got %v", frames[0].kind)
	}
	expected := uint32(1<<20 - DefaultWindowSize)
	if frames[1].kind != http2.FrameWindowUpdate || frames[1].increment != expected {
		t.Errorf("Expected WINDOW_UPDATE of %d, got %v/%d", expected, frames[1].kind, frames[1].increment)
	}
	if got := session.RecvWindow(); got != 1<<20 {
		t.Errorf("Expected session recv window %d, got %d", 1<<20, got)
	}
}

func TestStringDumpsState(t *testing.T) {
	session, _ := newTestServerSession(t, DefaultConfig())
	dump := session.String()
	if !strings.Contains(dump, "NOT_CLOSED") {
		t.Errorf("Expected dump to contain close state, got %q", dump)
	}
	if !strings.Contains(dump, "sendWindow=65535") {
		t.Errorf("Expected dump to contain send window, got %q", dump)
	}
}
