// Package h2mux implements the endpoint-side HTTP/2 session engine: frame
// dispatch for one peer connection, stream lifecycle, ordered stream-id
// allocation, session- and stream-level flow control coordinated through a
// single write loop, and the GOAWAY/shutdown/idle-timeout close machine.
package h2mux

import (
	"io"
	"log"
	"time"

	"github.com/albertbausili/h2mux/pkg/frame"
)

// Generator serializes outbound frames; see frame.Generator for the shipped
// implementation.
type Generator interface {
	Control(lease *frame.Lease, f frame.Frame) (int, error)
	Data(lease *frame.Lease, f *frame.DataFrame, maxLength int) (int, error)
	SetHeaderTableSize(size uint32)
	SetMaxFrameSize(size uint32)
	SetMaxHeaderListSize(size uint32)
}

// Config holds the session configuration options.
type Config struct {
	Listener    Listener            // Session event listener
	FlowControl FlowControlStrategy // Flow control strategy (default: SimpleFlowControl)
	Scheduler   Scheduler           // Timer source for idle timeouts
	Generator   Generator           // Outbound frame serializer

	MaxLocalStreams          int           // Max locally initiated streams (-1 for unbounded)
	MaxRemoteStreams         int           // Max peer initiated streams (-1 for unbounded)
	StreamIdleTimeout        time.Duration // Per-stream idle timeout (0 disables)
	InitialSessionRecvWindow int           // Session receive window advertised in the preface
	WriteThreshold           int           // Bytes generated per write cycle before flushing
	Logger                   *log.Logger   // Logger for session events
}

// newSilentLogger creates a logger that discards all output.
func newSilentLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		MaxLocalStreams:          -1,
		MaxRemoteStreams:         -1,
		InitialSessionRecvWindow: DefaultWindowSize,
		WriteThreshold:           32 * 1024,
		Logger:                   newSilentLogger(),
	}
}

// Validate checks and normalizes the configuration values.
func (c *Config) Validate() error {
	if c.Listener == nil {
		c.Listener = ListenerAdapter{}
	}
	if c.FlowControl == nil {
		c.FlowControl = NewSimpleFlowControl(DefaultWindowSize)
	}
	if c.Scheduler == nil {
		c.Scheduler = NewStdScheduler()
	}
	if c.Generator == nil {
		c.Generator = frame.NewGenerator()
	}
	if c.InitialSessionRecvWindow < DefaultWindowSize {
		c.InitialSessionRecvWindow = DefaultWindowSize
	}
	if c.WriteThreshold <= 0 {
		c.WriteThreshold = 32 * 1024
	}
	if c.Logger == nil {
		c.Logger = newSilentLogger()
	}
	return nil
}
