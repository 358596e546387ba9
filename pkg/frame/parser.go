package frame

import (
	"fmt"
	"io"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// Listener receives decoded frames and protocol faults from the Parser.
// The session engine implements this interface; handlers must not block.
type Listener interface {
	OnData(f *DataFrame)
	OnHeaders(f *HeadersFrame)
	OnPriority(f *PriorityFrame)
	OnReset(f *ResetFrame)
	OnSettings(f *SettingsFrame)
	OnPushPromise(f *PushPromiseFrame)
	OnPing(f *PingFrame)
	OnGoAway(f *GoAwayFrame)
	OnWindowUpdate(f *WindowUpdateFrame)
	OnStreamFailure(streamID uint32, code http2.ErrCode, reason string)
	OnConnectionFailure(code http2.ErrCode, reason string)
	OnFrame(frameType uint8, streamID uint32, payload []byte)
}

// headerBlock accumulates HEADERS/PUSH_PROMISE fragments until END_HEADERS.
type headerBlock struct {
	streamID         uint32
	promisedStreamID uint32
	push             bool
	endStream        bool
	priority         *PriorityFrame
	fragment         []byte
}

// Parser reads frames from a bound reader, assembles header blocks, decodes
// HPACK with a single per-connection decoder, and dispatches value frames
// to the listener. Bind a persistent reader with InitReader so the framer
// keeps its CONTINUATION expectations across reads.
type Parser struct {
	listener Listener
	framer   *http2.Framer
	decoder  *hpack.Decoder
	pending  *headerBlock
}

// NewParser creates a parser dispatching to the given listener.
func NewParser(listener Listener) *Parser {
	return &Parser{
		listener: listener,
		decoder:  hpack.NewDecoder(4096, nil),
	}
}

// InitReader binds the parser to a persistent reader.
func (p *Parser) InitReader(r io.Reader) {
	p.framer = http2.NewFramer(io.Discard, r)
	p.framer.SetMaxReadFrameSize(1 << 20)
}

// SetHeaderTableSize applies our SETTINGS_HEADER_TABLE_SIZE to the decoder.
func (p *Parser) SetHeaderTableSize(size uint32) {
	p.decoder.SetMaxDynamicTableSize(size)
}

// ParseNext reads and dispatches a single frame. io.EOF and
// io.ErrUnexpectedEOF mean the reader ran dry mid-frame and more bytes are
// needed; the caller should ensure a complete frame is buffered before
// calling. Stream- and connection-level parse errors are reported through
// the listener; connection errors are also returned so the read loop stops.
func (p *Parser) ParseNext() error {
	if p.framer == nil {
		return fmt.Errorf("parser not initialized; call InitReader")
	}

	f, err := p.framer.ReadFrame()
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return err
		}
		if se, ok := err.(http2.StreamError); ok {
			p.listener.OnStreamFailure(se.StreamID, se.Code, se.Error())
			return nil
		}
		if ce, ok := err.(http2.ConnectionError); ok {
			p.listener.OnConnectionFailure(http2.ErrCode(ce), "frame_parse_error")
			return err
		}
		p.listener.OnConnectionFailure(http2.ErrCodeProtocol, "frame_parse_error")
		return err
	}

	p.dispatch(f)
	return nil
}

func (p *Parser) dispatch(f http2.Frame) {
	// The framer already rejects interleaved frames during a header block,
	// so a non-CONTINUATION here with a pending block is unreachable; the
	// pending check below guards CONTINUATION bookkeeping only.
	switch f := f.(type) {
	case *http2.DataFrame:
		data := make([]byte, len(f.Data()))
		copy(data, f.Data())
		p.listener.OnData(NewDataFrame(f.StreamID, data, f.StreamEnded(), int(f.Header().Length)))

	case *http2.HeadersFrame:
		block := &headerBlock{
			streamID:  f.StreamID,
			endStream: f.StreamEnded(),
		}
		if f.HasPriority() {
			block.priority = &PriorityFrame{
				StreamID:       f.StreamID,
				ParentStreamID: f.Priority.StreamDep,
				Weight:         f.Priority.Weight,
				Exclusive:      f.Priority.Exclusive,
			}
		}
		block.fragment = append(block.fragment, f.HeaderBlockFragment()...)
		if f.HeadersEnded() {
			p.completeHeaders(block)
		} else {
			p.pending = block
		}

	case *http2.PushPromiseFrame:
		block := &headerBlock{
			streamID:         f.StreamID,
			promisedStreamID: f.PromiseID,
			push:             true,
		}
		block.fragment = append(block.fragment, f.HeaderBlockFragment()...)
		if f.HeadersEnded() {
			p.completeHeaders(block)
		} else {
			p.pending = block
		}

	case *http2.ContinuationFrame:
		if p.pending == nil || p.pending.streamID != f.StreamID {
			p.listener.OnConnectionFailure(http2.ErrCodeProtocol, "unexpected_continuation_frame")
			return
		}
		p.pending.fragment = append(p.pending.fragment, f.HeaderBlockFragment()...)
		if f.HeadersEnded() {
			block := p.pending
			p.pending = nil
			p.completeHeaders(block)
		}

	case *http2.PriorityFrame:
		p.listener.OnPriority(&PriorityFrame{
			StreamID:       f.StreamID,
			ParentStreamID: f.PriorityParam.StreamDep,
			Weight:         f.PriorityParam.Weight,
			Exclusive:      f.PriorityParam.Exclusive,
		})

	case *http2.RSTStreamFrame:
		p.listener.OnReset(&ResetFrame{StreamID: f.StreamID, Error: f.ErrCode})

	case *http2.SettingsFrame:
		settings := make(map[http2.SettingID]uint32)
		_ = f.ForeachSetting(func(s http2.Setting) error {
			settings[s.ID] = s.Val
			return nil
		})
		p.listener.OnSettings(&SettingsFrame{Settings: settings, Reply: f.IsAck()})

	case *http2.PingFrame:
		p.listener.OnPing(&PingFrame{Payload: f.Data, Reply: f.IsAck()})

	case *http2.GoAwayFrame:
		payload := make([]byte, len(f.DebugData()))
		copy(payload, f.DebugData())
		p.listener.OnGoAway(&GoAwayFrame{
			LastStreamID: f.LastStreamID,
			Error:        f.ErrCode,
			Payload:      payload,
		})

	case *http2.WindowUpdateFrame:
		p.listener.OnWindowUpdate(&WindowUpdateFrame{
			StreamID: f.Header().StreamID,
			Delta:    int32(f.Increment),
		})

	case *http2.UnknownFrame:
		payload := make([]byte, len(f.Payload()))
		copy(payload, f.Payload())
		p.listener.OnFrame(uint8(f.Header().Type), f.Header().StreamID, payload)
	}
}

// completeHeaders decodes an assembled header block and emits the frame.
// HPACK decode failures poison the shared dynamic table and are therefore
// connection errors.
func (p *Parser) completeHeaders(block *headerBlock) {
	var fields [][2]string
	p.decoder.SetEmitFunc(func(hf hpack.HeaderField) {
		fields = append(fields, [2]string{hf.Name, hf.Value})
	})
	_, err := p.decoder.Write(block.fragment)
	if err == nil {
		err = p.decoder.Close()
	}
	if err != nil {
		p.listener.OnConnectionFailure(http2.ErrCodeCompression, "hpack_decode_failure")
		return
	}

	if block.push {
		p.listener.OnPushPromise(&PushPromiseFrame{
			StreamID:         block.streamID,
			PromisedStreamID: block.promisedStreamID,
			Headers:          fields,
		})
		return
	}
	p.listener.OnHeaders(&HeadersFrame{
		StreamID:  block.streamID,
		Headers:   fields,
		Priority:  block.priority,
		EndStream: block.endStream,
	})
}
