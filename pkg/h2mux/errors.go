package h2mux

import (
	"fmt"

	"golang.org/x/net/http2"
)

// StreamError is a fault scoped to a single stream; the session survives it.
type StreamError struct {
	StreamID uint32
	Code     http2.ErrCode
	Reason   string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream %d error %v/%s", e.StreamID, e.Code, e.Reason)
}

// SessionError is a connection-level fault; it terminates every stream and
// then the session.
type SessionError struct {
	Code   http2.ErrCode
	Reason string
	Cause  error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("%v/%s", e.Code, e.Reason)
}

func (e *SessionError) Unwrap() error { return e.Cause }

// TimeoutError reports an expired idle timeout.
type TimeoutError struct {
	Message string
}

func (e *TimeoutError) Error() string { return e.Message }

// Timeout marks the error as a timeout for net.Error-style checks.
func (e *TimeoutError) Timeout() bool { return true }

func toFailure(code http2.ErrCode, reason string) error {
	return &SessionError{Code: code, Reason: reason}
}
