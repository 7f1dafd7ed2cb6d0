package tlsterm

import (
	"context"
	"crypto/tls"
	"errors"
	"sync/atomic"

	"github.com/albertbausili/xeno/internal/errsink"
	"github.com/panjf2000/gnet/v2"
	"go.uber.org/multierr"
)

// Handshake progress of a Session.
const (
	Handshaking int32 = iota
	Established
	Failed
)

// Session is the TLS state of one connection.
//
// Feed and Handshake may run on different goroutines. Every other method must
// be called on the connection's event loop after Handshake returned nil.
type Session struct {
	wire  *wire
	conn  *tls.Conn
	state atomic.Int32
	err   error

	closed bool
}

// Feed hands ciphertext read by the event loop to TLS. p is copied.
func (s *Session) Feed(p []byte) {
	s.wire.feed(p)
}

// Handshake runs the server handshake. It blocks until the handshake
// completes, fails, or ctx is done, and must not run on an event loop.
func (s *Session) Handshake(ctx context.Context) error {
	err := s.conn.HandshakeContext(ctx)
	if err != nil {
		s.err = &errsink.HandshakeError{Remote: s.remote(), Err: err}
		s.state.Store(Failed)
		return s.err
	}
	s.wire.establish()
	s.state.Store(Established)
	return nil
}

// State returns Handshaking, Established or Failed.
func (s *Session) State() int32 { return s.state.Load() }

// Err returns the handshake error of a Failed session.
func (s *Session) Err() error {
	if s.state.Load() != Failed {
		return nil
	}
	return s.err
}

// Negotiated returns the ALPN protocol. A client that offered no ALPN gets
// HTTP/1.1.
func (s *Session) Negotiated() string {
	if p := s.conn.ConnectionState().NegotiatedProtocol; p != "" {
		return p
	}
	return ProtoHTTP1
}

// ConnectionState exposes the negotiated TLS parameters.
func (s *Session) ConnectionState() tls.ConnectionState {
	return s.conn.ConnectionState()
}

// Read decrypts buffered records into p. It returns ErrWouldBlock once no
// complete record is left.
func (s *Session) Read(p []byte) (int, error) {
	return s.conn.Read(p)
}

// ReadAll decrypts every complete buffered record and calls fn with each run
// of plaintext. It stops at the first error from fn.
func (s *Session) ReadAll(buf []byte, fn func([]byte) error) error {
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			if ferr := fn(buf[:n]); ferr != nil {
				return ferr
			}
		}
		if err != nil {
			if errors.Is(err, ErrWouldBlock) {
				return nil
			}
			return err
		}
	}
}

// Write encrypts p. The records are sent by the next Flush.
func (s *Session) Write(p []byte) (int, error) {
	return s.conn.Write(p)
}

// Flush sends every pending record in one vectored write. done runs once the
// write completed.
func (s *Session) Flush(done func(error)) {
	bufs := s.wire.take()
	if len(bufs) == 0 {
		done(nil)
		return
	}
	err := s.wire.t.AsyncWritev(bufs, func(_ gnet.Conn, err error) error {
		done(err)
		return nil
	})
	if err != nil {
		done(err)
	}
}

// Hangup unblocks a running handshake after the transport was closed by the
// peer.
func (s *Session) Hangup() {
	s.wire.hangup()
}

// Close sends close_notify, flushes and closes the transport. Later calls are
// no-ops.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.state.Load() != Established {
		s.wire.hangup()
		return s.wire.t.Close()
	}
	notifyErr := s.conn.CloseWrite()
	var closeErr error
	s.Flush(func(error) {
		s.wire.hangup()
		closeErr = s.wire.t.Close()
	})
	return multierr.Append(notifyErr, closeErr)
}

func (s *Session) remote() string {
	if addr := s.wire.t.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}
