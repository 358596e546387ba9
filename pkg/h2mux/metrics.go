package h2mux

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/albertbausili/h2mux/pkg/frame"
)

var (
	streamsOpened = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "h2mux_streams_opened_total",
			Help: "Total number of streams opened",
		},
		[]string{"initiator"},
	)

	streamsClosed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "h2mux_streams_closed_total",
			Help: "Total number of streams removed from their session",
		},
	)

	framesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "h2mux_frames_received_total",
			Help: "Total number of frames dispatched to sessions",
		},
		[]string{"type"},
	)

	framesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "h2mux_frames_sent_total",
			Help: "Total number of frames flushed to endpoints",
		},
		[]string{"type"},
	)

	sessionBytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "h2mux_bytes_written_total",
			Help: "Total frame bytes written to endpoints",
		},
	)

	connectionFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "h2mux_connection_failures_total",
			Help: "Total connection-level protocol failures",
		},
		[]string{"code"},
	)

	sessionsTerminated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "h2mux_sessions_terminated_total",
			Help: "Total number of sessions terminated",
		},
	)
)

func frameLabel(t frame.Type) string {
	switch t {
	case frame.TypeData:
		return "data"
	case frame.TypeHeaders:
		return "headers"
	case frame.TypePriority:
		return "priority"
	case frame.TypeReset:
		return "rst_stream"
	case frame.TypeSettings:
		return "settings"
	case frame.TypePushPromise:
		return "push_promise"
	case frame.TypePing:
		return "ping"
	case frame.TypeGoAway:
		return "goaway"
	case frame.TypeWindowUpdate:
		return "window_update"
	case frame.TypeContinuation:
		return "continuation"
	case frame.TypeDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}
