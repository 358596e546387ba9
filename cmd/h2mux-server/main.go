// Package main runs a demo HTTP/2 echo server on the session engine: every
// request is answered with a 200 response echoing the request body.
package main

import (
	"bytes"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/albertbausili/h2mux/internal/transport"
	"github.com/albertbausili/h2mux/pkg/frame"
	"github.com/albertbausili/h2mux/pkg/h2mux"
)

func main() {
	addr := flag.String("addr", ":18080", "listen address")
	multicore := flag.Bool("multicore", true, "enable multicore mode")
	idleTimeout := flag.Duration("idle-timeout", 60*time.Second, "connection idle timeout")
	tracing := flag.Bool("tracing", false, "enable OpenTelemetry stream spans")
	flag.Parse()

	logger := log.New(os.Stdout, "h2mux: ", log.LstdFlags)

	server := transport.NewServer(transport.Config{
		Addr:        *addr,
		Multicore:   *multicore,
		IdleTimeout: *idleTimeout,
		Logger:      logger,
		Session: h2mux.Config{
			MaxRemoteStreams: 100,
			Logger:           logger,
		},
		NewListener: func() h2mux.Listener {
			var listener h2mux.Listener = &echoListener{}
			if *tracing {
				listener = h2mux.Tracing(listener)
			}
			return listener
		},
	})

	go func() {
		if err := server.Start(); err != nil {
			log.Fatal(err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Println("Shutting down server...")
	if err := server.Stop(); err != nil {
		logger.Printf("Shutdown error: %v", err)
	}
}

// echoListener opens an echoStream for every request.
type echoListener struct {
	h2mux.ListenerAdapter
}

func (l *echoListener) OnNewStream(stream *h2mux.Stream, f *frame.HeadersFrame) h2mux.StreamListener {
	e := &echoStream{}
	if f.EndStream {
		e.respond(stream)
		return e
	}
	return e
}

// echoStream accumulates the request body and answers when it ends.
type echoStream struct {
	h2mux.StreamListenerAdapter
	body bytes.Buffer
}

func (e *echoStream) OnData(stream *h2mux.Stream, f *frame.DataFrame, callback h2mux.Callback) {
	e.body.Write(f.Data)
	callback(nil)
	if f.EndStream {
		e.respond(stream)
	}
}

func (e *echoStream) respond(stream *h2mux.Stream) {
	body := e.body.Bytes()
	headers := [][2]string{
		{":status", "200"},
		{"content-type", "application/octet-stream"},
		{"content-length", strconv.Itoa(len(body))},
	}
	stream.Headers(&frame.HeadersFrame{
		StreamID:  stream.ID(),
		Headers:   headers,
		EndStream: len(body) == 0,
	}, h2mux.NoopCallback)
	if len(body) > 0 {
		stream.Data(&frame.DataFrame{
			StreamID:  stream.ID(),
			Data:      body,
			EndStream: true,
		}, h2mux.NoopCallback)
	}
}
