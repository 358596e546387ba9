package frame

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// Lease accumulates serialized frames for one write cycle. The buffers are
// handed to the endpoint in order; each element is one or more complete
// frames backed by a stable array.
type Lease struct {
	buffers [][]byte
	total   int
}

// Append adds a buffer to the lease.
func (l *Lease) Append(b []byte) {
	if len(b) == 0 {
		return
	}
	l.buffers = append(l.buffers, b)
	l.total += len(b)
}

// Buffers returns the accumulated buffers in append order.
func (l *Lease) Buffers() [][]byte { return l.buffers }

// Total returns the accumulated byte count.
func (l *Lease) Total() int { return l.total }

// Generator serializes frame values into a Lease. A single writer (the
// session flusher) drives serialization; the SETTINGS-driven setters may be
// invoked concurrently from the dispatch path and are locked accordingly.
type Generator struct {
	mu     sync.Mutex
	buf    *bytes.Buffer
	framer *http2.Framer

	encoder *hpack.Encoder
	encBuf  *bytes.Buffer

	maxFrameSize      atomic.Uint32
	maxHeaderListSize atomic.Uint32
}

// NewGenerator creates a generator with RFC 7540 defaults.
func NewGenerator() *Generator {
	buf := new(bytes.Buffer)
	encBuf := new(bytes.Buffer)
	g := &Generator{
		buf:     buf,
		framer:  http2.NewFramer(buf, nil),
		encoder: hpack.NewEncoder(encBuf),
		encBuf:  encBuf,
	}
	g.maxFrameSize.Store(16384)
	return g
}

// SetHeaderTableSize applies the peer's SETTINGS_HEADER_TABLE_SIZE to the
// HPACK encoder.
func (g *Generator) SetHeaderTableSize(size uint32) {
	g.mu.Lock()
	g.encoder.SetMaxDynamicTableSize(size)
	g.mu.Unlock()
}

// SetMaxFrameSize applies the peer's SETTINGS_MAX_FRAME_SIZE.
func (g *Generator) SetMaxFrameSize(size uint32) {
	g.maxFrameSize.Store(size)
}

// SetMaxHeaderListSize applies the peer's SETTINGS_MAX_HEADER_LIST_SIZE.
func (g *Generator) SetMaxHeaderListSize(size uint32) {
	g.maxHeaderListSize.Store(size)
}

// MaxFrameSize returns the current outbound frame size limit.
func (g *Generator) MaxFrameSize() uint32 { return g.maxFrameSize.Load() }

// Control serializes one non-DATA frame into the lease and returns the
// number of frame bytes generated. Synthetic frames generate zero bytes.
func (g *Generator) Control(lease *Lease, f Frame) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.buf.Reset()
	switch f := f.(type) {
	case *HeadersFrame:
		if err := g.generateHeaders(f); err != nil {
			return 0, err
		}
	case *PriorityFrame:
		if err := g.framer.WritePriority(f.StreamID, priorityParam(f)); err != nil {
			return 0, err
		}
	case *ResetFrame:
		if err := g.framer.WriteRSTStream(f.StreamID, f.Error); err != nil {
			return 0, err
		}
	case *SettingsFrame:
		if f.Reply {
			if err := g.framer.WriteSettingsAck(); err != nil {
				return 0, err
			}
		} else {
			settings := make([]http2.Setting, 0, len(f.Settings))
			for id, value := range f.Settings {
				settings = append(settings, http2.Setting{ID: id, Val: value})
			}
			if err := g.framer.WriteSettings(settings...); err != nil {
				return 0, err
			}
		}
	case *PushPromiseFrame:
		if err := g.generatePushPromise(f); err != nil {
			return 0, err
		}
	case *PingFrame:
		if err := g.framer.WritePing(f.Reply, f.Payload); err != nil {
			return 0, err
		}
	case *GoAwayFrame:
		payload := f.Payload
		if len(payload) > MaxReasonLength {
			payload = payload[:MaxReasonLength]
		}
		if err := g.framer.WriteGoAway(f.LastStreamID, f.Error, payload); err != nil {
			return 0, err
		}
	case *WindowUpdateFrame:
		if err := g.framer.WriteWindowUpdate(f.StreamID, uint32(f.Delta)); err != nil {
			return 0, err
		}
	case *DisconnectFrame, *FailureFrame:
		return 0, nil
	default:
		return 0, fmt.Errorf("cannot generate frame type %v", f.Type())
	}

	return g.drainTo(lease), nil
}

// Data serializes exactly one DATA frame consuming up to maxLength bytes of
// the frame's remaining payload, bounded by the outbound frame size limit.
// END_STREAM is set only when this emission drains the payload.
func (g *Generator) Data(lease *Lease, f *DataFrame, maxLength int) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	length := f.Remaining()
	if length > maxLength {
		length = maxLength
	}
	if maxFrame := int(g.maxFrameSize.Load()); length > maxFrame {
		length = maxFrame
	}

	chunk := f.next(length)
	endStream := f.EndStream && f.Remaining() == 0

	g.buf.Reset()
	if err := g.framer.WriteData(f.StreamID, endStream, chunk); err != nil {
		return 0, err
	}
	return g.drainTo(lease), nil
}

// drainTo copies the framer output into the lease. The copy is required:
// the framer reuses its write buffer on the next call while the lease may
// still be in flight on the endpoint.
func (g *Generator) drainTo(lease *Lease) int {
	n := g.buf.Len()
	if n == 0 {
		return 0
	}
	out := make([]byte, n)
	copy(out, g.buf.Bytes())
	lease.Append(out)
	return n
}

func (g *Generator) generateHeaders(f *HeadersFrame) error {
	block, err := g.encodeFields(f.Headers)
	if err != nil {
		return err
	}

	maxFrame := int(g.maxFrameSize.Load())
	first := block
	if len(first) > maxFrame {
		first = block[:maxFrame]
	}
	rest := block[len(first):]

	if err := g.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      f.StreamID,
		BlockFragment: first,
		EndStream:     f.EndStream,
		EndHeaders:    len(rest) == 0,
		Priority:      priorityParam(f.Priority),
	}); err != nil {
		return err
	}
	return g.generateContinuations(f.StreamID, rest, maxFrame)
}

func (g *Generator) generatePushPromise(f *PushPromiseFrame) error {
	block, err := g.encodeFields(f.Headers)
	if err != nil {
		return err
	}

	maxFrame := int(g.maxFrameSize.Load())
	first := block
	if len(first) > maxFrame {
		first = block[:maxFrame]
	}
	rest := block[len(first):]

	if err := g.framer.WritePushPromise(http2.PushPromiseParam{
		StreamID:      f.StreamID,
		PromiseID:     f.PromisedStreamID,
		BlockFragment: first,
		EndHeaders:    len(rest) == 0,
	}); err != nil {
		return err
	}
	return g.generateContinuations(f.StreamID, rest, maxFrame)
}

func (g *Generator) generateContinuations(streamID uint32, rest []byte, maxFrame int) error {
	for len(rest) > 0 {
		chunk := rest
		if len(chunk) > maxFrame {
			chunk = rest[:maxFrame]
		}
		rest = rest[len(chunk):]
		if err := g.framer.WriteContinuation(streamID, len(rest) == 0, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (g *Generator) encodeFields(headers [][2]string) ([]byte, error) {
	g.encBuf.Reset()
	for _, h := range headers {
		if err := g.encoder.WriteField(hpack.HeaderField{Name: h[0], Value: h[1]}); err != nil {
			return nil, err
		}
	}
	// Copy: the encoder buffer is reused on the next header block.
	block := make([]byte, g.encBuf.Len())
	copy(block, g.encBuf.Bytes())
	return block, nil
}

func priorityParam(f *PriorityFrame) http2.PriorityParam {
	if f == nil {
		return http2.PriorityParam{}
	}
	return http2.PriorityParam{
		StreamDep: f.ParentStreamID,
		Weight:    f.Weight,
		Exclusive: f.Exclusive,
	}
}
