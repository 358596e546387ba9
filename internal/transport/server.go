// Package transport provides the gnet-based endpoint under the session
// engine: it validates the connection preface, feeds inbound bytes to the
// frame parser, and implements the engine's Endpoint over gnet's
// asynchronous write path.
package transport

import (
	"bytes"
	"context"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/gnet/v2"
	"golang.org/x/net/http2"

	"github.com/albertbausili/h2mux/pkg/frame"
	"github.com/albertbausili/h2mux/pkg/h2mux"
)

const (
	// HTTP/2 connection preface
	http2Preface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

	prefaceTimeout = 1 * time.Second
)

// Config defines the configuration options for the HTTP/2 transport server.
type Config struct {
	Addr         string
	Multicore    bool
	NumEventLoop int
	ReusePort    bool
	IdleTimeout  time.Duration
	Logger       *log.Logger

	// Session configures each accepted connection's session.
	Session h2mux.Config

	// NewListener builds the per-connection session listener.
	NewListener func() h2mux.Listener

	// Settings is the server preface sent after the client preface.
	Settings map[http2.SettingID]uint32
}

// Server implements the gnet.EventHandler interface for HTTP/2 connections.
type Server struct {
	gnet.BuiltinEventEngine
	config        Config
	logger        *log.Logger
	engine        gnet.Engine
	activeConns   []gnet.Conn // Track connections for shutdown only
	activeConnsMu sync.Mutex  // Protects activeConns
}

// NewServer creates a new HTTP/2 server with gnet transport engine.
func NewServer(config Config) *Server {
	if config.Logger == nil {
		config.Logger = log.Default()
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 30 * time.Second
	}
	if config.NewListener == nil {
		config.NewListener = func() h2mux.Listener { return h2mux.ListenerAdapter{} }
	}
	if config.Settings == nil {
		config.Settings = map[http2.SettingID]uint32{
			http2.SettingMaxConcurrentStreams: 100,
			http2.SettingInitialWindowSize:    h2mux.DefaultWindowSize,
		}
	}
	return &Server{config: config, logger: config.Logger}
}

// Start starts the gnet server.
func (s *Server) Start() error {
	options := []gnet.Option{
		gnet.WithMulticore(s.config.Multicore),
		gnet.WithReusePort(s.config.ReusePort),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
	}
	if s.config.NumEventLoop > 0 {
		options = append(options, gnet.WithNumEventLoop(s.config.NumEventLoop))
	}
	s.logger.Printf("Starting HTTP/2 server on %s", s.config.Addr)
	return gnet.Run(s, "tcp://"+s.config.Addr, options...)
}

// Stop gracefully stops the server: each session gets a GOAWAY and the
// engine stops accepting connections.
func (s *Server) Stop() error {
	s.activeConnsMu.Lock()
	conns := make([]gnet.Conn, len(s.activeConns))
	copy(conns, s.activeConns)
	s.activeConnsMu.Unlock()

	for _, c := range conns {
		if conn, ok := c.Context().(*Connection); ok && conn.session != nil {
			conn.session.Close(http2.ErrCodeNo, "server_shutdown", h2mux.NoopCallback)
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.engine.Stop(stopCtx)
}

// OnBoot is called when the server is ready to accept connections.
func (s *Server) OnBoot(eng gnet.Engine) gnet.Action {
	s.engine = eng
	s.logger.Printf("HTTP/2 server is listening on %s (multicore: %v)", s.config.Addr, s.config.Multicore)
	return gnet.None
}

// OnOpen is called when a new connection is opened.
func (s *Server) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	conn := newConnection(c, s.config, s.logger)
	c.SetContext(conn)

	s.activeConnsMu.Lock()
	s.activeConns = append(s.activeConns, c)
	s.activeConnsMu.Unlock()
	return nil, gnet.None
}

// OnClose is called when a connection is closed; the session observes the
// FIN through OnShutdown and decides whether the close was orderly.
func (s *Server) OnClose(c gnet.Conn, err error) gnet.Action {
	if conn, ok := c.Context().(*Connection); ok {
		conn.shutdown()
	}

	s.activeConnsMu.Lock()
	for i, conn := range s.activeConns {
		if conn == c {
			s.activeConns[i] = s.activeConns[len(s.activeConns)-1]
			s.activeConns = s.activeConns[:len(s.activeConns)-1]
			break
		}
	}
	s.activeConnsMu.Unlock()

	if err != nil {
		s.logger.Printf("Connection closed with error: %v", err)
	}
	return gnet.None
}

// OnTraffic is called when data is received on a connection.
func (s *Server) OnTraffic(c gnet.Conn) gnet.Action {
	conn, ok := c.Context().(*Connection)
	if !ok {
		s.logger.Printf("Invalid connection context type")
		return gnet.Close
	}
	buf, err := c.Next(-1)
	if err != nil {
		s.logger.Printf("Error reading data: %v", err)
		return gnet.Close
	}
	if err := conn.handleData(buf); err != nil {
		s.logger.Printf("Error handling data: %v", err)
		return gnet.Close
	}
	return gnet.None
}

// Connection binds one gnet connection to its session and parser.
type Connection struct {
	conn     gnet.Conn
	config   Config
	logger   *log.Logger
	endpoint *gnetEndpoint
	session  *h2mux.Session
	parser   *frame.Parser

	buffer          *bytes.Buffer
	prefaceReceived bool
	prefaceStart    time.Time
	readerBound     bool
	idleTask        h2mux.Task
	shut            atomic.Bool
}

func newConnection(c gnet.Conn, config Config, logger *log.Logger) *Connection {
	return &Connection{
		conn:         c,
		config:       config,
		logger:       logger,
		buffer:       new(bytes.Buffer),
		prefaceStart: time.Now(),
	}
}

// handleData processes incoming bytes: preface first, then complete frames
// one at a time, so the framer never observes a truncated frame.
func (c *Connection) handleData(data []byte) error {
	c.buffer.Write(data)

	if !c.prefaceReceived {
		if err := c.handlePreface(); err != nil || !c.prefaceReceived {
			return err
		}
	}

	if !c.readerBound {
		c.parser.InitReader(&bufferReader{buffer: c.buffer})
		c.readerBound = true
	}

	for c.buffer.Len() >= frame.HeaderLength {
		head := c.buffer.Bytes()
		length := int(uint32(head[0])<<16 | uint32(head[1])<<8 | uint32(head[2]))
		if c.buffer.Len() < frame.HeaderLength+length {
			break
		}
		if err := c.parser.ParseNext(); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			// Connection-level parse failure: the session already received
			// OnConnectionFailure and is emitting the GOAWAY.
			return nil
		}
	}
	return nil
}

func (c *Connection) handlePreface() error {
	if time.Since(c.prefaceStart) > prefaceTimeout && c.buffer.Len() > 0 {
		_ = c.conn.Close()
		return nil
	}
	if c.buffer.Len() > 0 && c.buffer.Len() < len(http2Preface) {
		if !bytes.HasPrefix([]byte(http2Preface), c.buffer.Bytes()) {
			_ = c.conn.Close()
			return nil
		}
	}
	if c.buffer.Len() < len(http2Preface) {
		return nil
	}

	preface := make([]byte, len(http2Preface))
	_, _ = c.buffer.Read(preface)
	if string(preface) != http2Preface {
		c.logger.Printf("Invalid preface from %s", c.conn.RemoteAddr())
		_ = c.conn.Close()
		return nil
	}
	c.prefaceReceived = true

	c.endpoint = &gnetEndpoint{conn: c.conn, idleTimeout: c.config.IdleTimeout}
	c.endpoint.open.Store(true)

	session, err := h2mux.NewServerSession(c.endpoint, c.sessionConfig())
	if err != nil {
		return err
	}
	c.session = session
	c.parser = frame.NewParser(session)

	// Server preface: our SETTINGS must be the first frame on the wire.
	session.Preface(&frame.SettingsFrame{Settings: c.config.Settings}, h2mux.NoopCallback)
	c.scheduleIdleCheck()
	return nil
}

func (c *Connection) sessionConfig() h2mux.Config {
	config := c.config.Session
	if config.Logger == nil {
		config.Logger = c.logger
	}
	config.Listener = c.config.NewListener()
	return config
}

func (c *Connection) scheduleIdleCheck() {
	scheduler := c.config.Session.Scheduler
	if scheduler == nil {
		scheduler = h2mux.NewStdScheduler()
	}
	c.idleTask = scheduler.Schedule(c.config.IdleTimeout, func() {
		if c.shut.Load() || c.session.CloseState() == h2mux.Closed {
			return
		}
		if c.session.OnIdleTimeout() {
			c.session.Close(http2.ErrCodeNo, "idle_timeout", h2mux.NoopCallback)
			return
		}
		c.scheduleIdleCheck()
	})
}

// shutdown reports the transport FIN to the session.
func (c *Connection) shutdown() {
	if !c.shut.CompareAndSwap(false, true) {
		return
	}
	if c.idleTask != nil {
		c.idleTask.Cancel()
	}
	if c.endpoint != nil {
		c.endpoint.open.Store(false)
	}
	if c.session != nil {
		c.session.OnShutdown()
	}
}

// bufferReader drains the connection buffer as the framer reads; an empty
// buffer signals that more data is expected rather than end of stream.
type bufferReader struct {
	buffer *bytes.Buffer
}

func (br *bufferReader) Read(p []byte) (int, error) {
	if br.buffer.Len() == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	n := copy(p, br.buffer.Bytes())
	br.buffer.Next(n)
	return n, nil
}

// gnetEndpoint implements h2mux.Endpoint over a gnet connection.
type gnetEndpoint struct {
	conn        gnet.Conn
	idleTimeout time.Duration
	open        atomic.Bool
	outputShut  atomic.Bool
}

// Write hands the buffers to gnet's asynchronous write path. After the
// output was shut down the buffers are silently discarded: the session may
// still queue frames (window updates for late reads) that have nowhere to
// go on a half-closed socket.
func (e *gnetEndpoint) Write(callback h2mux.Callback, buffers ...[]byte) {
	if callback == nil {
		callback = h2mux.NoopCallback
	}
	if !e.open.Load() {
		callback(net.ErrClosed)
		return
	}
	if e.outputShut.Load() || len(buffers) == 0 {
		callback(nil)
		return
	}
	if err := e.conn.AsyncWritev(buffers, func(_ gnet.Conn, err error) error {
		callback(err)
		return nil
	}); err != nil {
		callback(err)
	}
}

func (e *gnetEndpoint) ShutdownOutput() {
	e.outputShut.Store(true)
}

func (e *gnetEndpoint) Close() {
	if e.open.CompareAndSwap(true, false) {
		_ = e.conn.Close()
	}
}

func (e *gnetEndpoint) IsOpen() bool { return e.open.Load() }

func (e *gnetEndpoint) IdleTimeout() time.Duration { return e.idleTimeout }

func (e *gnetEndpoint) LocalAddr() net.Addr { return e.conn.LocalAddr() }

func (e *gnetEndpoint) RemoteAddr() net.Addr { return e.conn.RemoteAddr() }
