// Package errsink classifies server failures and routes them to a per-scope sink
// that logs once and closes the failing connection or stream.
package errsink

import (
	"fmt"

	"golang.org/x/net/http2"
)

// StartupError is returned when the server cannot start: bad configuration,
// unreadable certificates or a failed bind. Fatal to the process.
type StartupError struct {
	Op  string
	Err error
}

func (e *StartupError) Error() string {
	if e.Err == nil {
		return "startup: " + e.Op
	}
	return fmt.Sprintf("startup: %s: %v", e.Op, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// HandshakeError is a failed TLS handshake or ALPN negotiation. Fatal to one connection.
type HandshakeError struct {
	Remote string
	Err    error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("tls handshake with %s: %v", e.Remote, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// ProtocolError is a malformed or out-of-order frame. StreamID is zero for
// connection-level violations. Fatal to the connection.
type ProtocolError struct {
	StreamID uint32
	Code     http2.ErrCode
	Reason   string
}

func (e *ProtocolError) Error() string {
	if e.StreamID == 0 {
		return fmt.Sprintf("protocol error (%v): %s", e.Code, e.Reason)
	}
	return fmt.Sprintf("protocol error on stream %d (%v): %s", e.StreamID, e.Code, e.Reason)
}

// NewProtocolError builds a connection-level PROTOCOL_ERROR.
func NewProtocolError(format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: http2.ErrCodeProtocol, Reason: fmt.Sprintf(format, args...)}
}

// ResponseWriteError is a failed write of a response part. Fatal to the scope it was
// written on.
type ResponseWriteError struct {
	StreamID uint32
	Err      error
}

func (e *ResponseWriteError) Error() string {
	return fmt.Sprintf("response write on stream %d: %v", e.StreamID, e.Err)
}

func (e *ResponseWriteError) Unwrap() error { return e.Err }

// Class names the taxonomy bucket of err for logging.
func Class(err error) string {
	switch err.(type) {
	case *StartupError:
		return "startup"
	case *HandshakeError:
		return "handshake"
	case *ProtocolError:
		return "protocol"
	case *ResponseWriteError:
		return "response_write"
	default:
		return "internal"
	}
}
