package h2mux

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/albertbausili/h2mux/pkg/frame"
)

// TracingConfig defines the configuration options for the OpenTelemetry
// tracing listener.
type TracingConfig struct {
	// TracerName is the name of the tracer (default: "h2mux")
	TracerName string
}

// DefaultTracingConfig returns a TracingConfig with sensible defaults.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{TracerName: "h2mux"}
}

// Tracing wraps a session listener so every peer-initiated stream gets an
// OpenTelemetry span covering its lifetime.
func Tracing(inner Listener) Listener {
	return TracingWithConfig(inner, DefaultTracingConfig())
}

// TracingWithConfig wraps a session listener with custom configuration.
func TracingWithConfig(inner Listener, config TracingConfig) Listener {
	if config.TracerName == "" {
		config.TracerName = "h2mux"
	}
	if inner == nil {
		inner = ListenerAdapter{}
	}
	return &tracingListener{
		Listener: inner,
		tracer:   otel.Tracer(config.TracerName),
	}
}

type tracingListener struct {
	Listener
	tracer trace.Tracer
}

func (t *tracingListener) OnNewStream(stream *Stream, f *frame.HeadersFrame) StreamListener {
	_, span := t.tracer.Start(
		context.Background(),
		"h2mux.stream",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	span.SetAttributes(
		attribute.Int64("h2.stream_id", int64(stream.ID())),
		attribute.Bool("h2.local", stream.IsLocal()),
		attribute.Bool("h2.end_stream", f.EndStream),
	)
	inner := t.Listener.OnNewStream(stream, f)
	return &tracingStreamListener{inner: inner, span: span}
}

type tracingStreamListener struct {
	inner StreamListener
	span  trace.Span
}

func (t *tracingStreamListener) OnHeaders(stream *Stream, f *frame.HeadersFrame) {
	if t.inner != nil {
		t.inner.OnHeaders(stream, f)
	}
}

func (t *tracingStreamListener) OnData(stream *Stream, f *frame.DataFrame, callback Callback) {
	if t.inner != nil {
		t.inner.OnData(stream, f, callback)
		return
	}
	callback(nil)
}

func (t *tracingStreamListener) OnReset(stream *Stream, f *frame.ResetFrame) {
	t.span.SetStatus(codes.Error, f.Error.String())
	if t.inner != nil {
		t.inner.OnReset(stream, f)
	}
}

func (t *tracingStreamListener) OnPush(stream *Stream, f *frame.PushPromiseFrame) StreamListener {
	if t.inner != nil {
		return t.inner.OnPush(stream, f)
	}
	return nil
}

func (t *tracingStreamListener) OnFailure(stream *Stream, f *frame.FailureFrame, callback Callback) {
	t.span.RecordError(f.Cause)
	t.span.SetStatus(codes.Error, f.Reason)
	if t.inner != nil {
		t.inner.OnFailure(stream, f, callback)
		return
	}
	callback(nil)
}

func (t *tracingStreamListener) OnIdleTimeout(stream *Stream) bool {
	if t.inner != nil {
		return t.inner.OnIdleTimeout(stream)
	}
	return true
}

func (t *tracingStreamListener) OnClosed(stream *Stream) {
	t.span.End()
	if t.inner != nil {
		t.inner.OnClosed(stream)
	}
}
