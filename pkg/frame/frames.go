// Package frame provides HTTP/2 frame value types and the codec that turns
// them into wire bytes and back. The session engine works exclusively with
// these types; the underlying framing is delegated to golang.org/x/net/http2.
package frame

import (
	"fmt"

	"golang.org/x/net/http2"
)

// Type represents HTTP/2 frame types, plus the synthetic types the engine
// uses internally and never puts on the wire.
type Type uint8

// HTTP/2 frame type constants per RFC 7540, followed by synthetic types.
const (
	TypeData         Type = 0x0
	TypeHeaders      Type = 0x1
	TypePriority     Type = 0x2
	TypeReset        Type = 0x3
	TypeSettings     Type = 0x4
	TypePushPromise  Type = 0x5
	TypePing         Type = 0x6
	TypeGoAway       Type = 0x7
	TypeWindowUpdate Type = 0x8
	TypeContinuation Type = 0x9

	// Synthetic frames, processed by the session but never serialized.
	TypeDisconnect Type = 0x3e
	TypeFailure    Type = 0x3f
)

const (
	// HeaderLength is the fixed size of an HTTP/2 frame header.
	HeaderLength = 9

	// MaxReasonLength bounds the UTF-8 reason payload carried by GOAWAY.
	MaxReasonLength = 32
)

// Frame is implemented by every frame value type.
type Frame interface {
	Type() Type
}

// HeadersFrame carries a header list for a stream. A nil Priority means no
// priority fields are present.
type HeadersFrame struct {
	StreamID  uint32
	Headers   [][2]string
	Priority  *PriorityFrame
	EndStream bool
}

// Type implements Frame.
func (f *HeadersFrame) Type() Type { return TypeHeaders }

func (f *HeadersFrame) String() string {
	return fmt.Sprintf("HEADERS#%d{fields=%d,endStream=%v}", f.StreamID, len(f.Headers), f.EndStream)
}

// DataFrame carries application bytes for a stream. The engine consumes the
// payload incrementally as flow control windows allow; Remaining reports the
// bytes not yet serialized.
type DataFrame struct {
	StreamID  uint32
	Data      []byte
	EndStream bool

	// flowLength is the full payload length on the wire, including padding.
	// Zero for locally built frames (the engine emits no padding).
	flowLength int
	offset     int
}

// NewDataFrame builds an inbound DATA frame whose wire payload length was
// flowLength (data plus padding).
func NewDataFrame(streamID uint32, data []byte, endStream bool, flowLength int) *DataFrame {
	return &DataFrame{StreamID: streamID, Data: data, EndStream: endStream, flowLength: flowLength}
}

// Type implements Frame.
func (f *DataFrame) Type() Type { return TypeData }

// Remaining returns the number of data bytes not yet consumed.
func (f *DataFrame) Remaining() int { return len(f.Data) - f.offset }

// Padding returns the number of padding bytes the frame carried on the wire.
func (f *DataFrame) Padding() int {
	if f.flowLength > len(f.Data) {
		return f.flowLength - len(f.Data)
	}
	return 0
}

// next returns up to n unconsumed bytes and advances the read offset.
func (f *DataFrame) next(n int) []byte {
	if remaining := f.Remaining(); n > remaining {
		n = remaining
	}
	chunk := f.Data[f.offset : f.offset+n]
	f.offset += n
	return chunk
}

func (f *DataFrame) String() string {
	return fmt.Sprintf("DATA#%d{length=%d,remaining=%d,endStream=%v}", f.StreamID, len(f.Data), f.Remaining(), f.EndStream)
}

// PriorityFrame carries stream dependency information. The engine transmits
// and reports these frames but maintains no dependency tree.
type PriorityFrame struct {
	StreamID       uint32
	ParentStreamID uint32
	Weight         uint8
	Exclusive      bool
}

// Type implements Frame.
func (f *PriorityFrame) Type() Type { return TypePriority }

func (f *PriorityFrame) String() string {
	return fmt.Sprintf("PRIORITY#%d{parent=%d,weight=%d,exclusive=%v}", f.StreamID, f.ParentStreamID, f.Weight, f.Exclusive)
}

// ResetFrame terminates a single stream with an error code.
type ResetFrame struct {
	StreamID uint32
	Error    http2.ErrCode
}

// Type implements Frame.
func (f *ResetFrame) Type() Type { return TypeReset }

func (f *ResetFrame) String() string {
	return fmt.Sprintf("RST_STREAM#%d{%v}", f.StreamID, f.Error)
}

// SettingsFrame carries a settings map, or an empty acknowledgment when
// Reply is set.
type SettingsFrame struct {
	Settings map[http2.SettingID]uint32
	Reply    bool
}

// Type implements Frame.
func (f *SettingsFrame) Type() Type { return TypeSettings }

func (f *SettingsFrame) String() string {
	return fmt.Sprintf("SETTINGS{settings=%d,reply=%v}", len(f.Settings), f.Reply)
}

// PushPromiseFrame reserves PromisedStreamID for a pushed response
// associated with StreamID.
type PushPromiseFrame struct {
	StreamID         uint32
	PromisedStreamID uint32
	Headers          [][2]string
}

// Type implements Frame.
func (f *PushPromiseFrame) Type() Type { return TypePushPromise }

func (f *PushPromiseFrame) String() string {
	return fmt.Sprintf("PUSH_PROMISE#%d{promised=%d,fields=%d}", f.StreamID, f.PromisedStreamID, len(f.Headers))
}

// PingFrame carries an opaque 8-byte payload, echoed back with Reply set.
type PingFrame struct {
	Payload [8]byte
	Reply   bool
}

// Type implements Frame.
func (f *PingFrame) Type() Type { return TypePing }

func (f *PingFrame) String() string {
	return fmt.Sprintf("PING{reply=%v}", f.Reply)
}

// GoAwayFrame announces the intent to stop initiating streams.
type GoAwayFrame struct {
	LastStreamID uint32
	Error        http2.ErrCode
	Payload      []byte
}

// NewGoAwayFrame builds a GOAWAY whose reason is truncated to
// MaxReasonLength UTF-8 bytes.
func NewGoAwayFrame(lastStreamID uint32, code http2.ErrCode, reason string) *GoAwayFrame {
	var payload []byte
	if reason != "" {
		if len(reason) > MaxReasonLength {
			reason = reason[:MaxReasonLength]
		}
		payload = []byte(reason)
	}
	return &GoAwayFrame{LastStreamID: lastStreamID, Error: code, Payload: payload}
}

// Type implements Frame.
func (f *GoAwayFrame) Type() Type { return TypeGoAway }

// Reason returns the debug payload as a string.
func (f *GoAwayFrame) Reason() string { return string(f.Payload) }

func (f *GoAwayFrame) String() string {
	return fmt.Sprintf("GOAWAY{last=%d,%v,reason=%q}", f.LastStreamID, f.Error, f.Reason())
}

// WindowUpdateFrame carries a flow-control window delta. Deltas on the wire
// are positive; negative deltas occur only internally when the peer shrinks
// INITIAL_WINDOW_SIZE.
//
// Local marks updates originated by this endpoint, whose receive-window
// credit was already returned when the data was consumed; peer updates grow
// the send window.
type WindowUpdateFrame struct {
	StreamID uint32
	Delta    int32
	Local    bool
}

// Type implements Frame.
func (f *WindowUpdateFrame) Type() Type { return TypeWindowUpdate }

func (f *WindowUpdateFrame) String() string {
	return fmt.Sprintf("WINDOW_UPDATE#%d{delta=%d,local=%v}", f.StreamID, f.Delta, f.Local)
}

// DisconnectFrame is a synthetic frame: when it reaches the head of the
// write queue and "flushes", the session terminates the connection. It lets
// disconnection sequence after all previously queued frames.
type DisconnectFrame struct{}

// Type implements Frame.
func (f *DisconnectFrame) Type() Type { return TypeDisconnect }

func (f *DisconnectFrame) String() string { return "DISCONNECT" }

// FailureFrame is a synthetic frame delivered to streams when the session
// fails, so every stream observes the failure through its normal frame path.
type FailureFrame struct {
	Error  http2.ErrCode
	Reason string
	Cause  error
}

// Type implements Frame.
func (f *FailureFrame) Type() Type { return TypeFailure }

func (f *FailureFrame) String() string {
	return fmt.Sprintf("FAILURE{%v,reason=%q}", f.Error, f.Reason)
}
