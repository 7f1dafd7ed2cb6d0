// Package tlsterm terminates TLS on gnet connections. The handshake runs on a
// worker goroutine; once it completes, records are decrypted and encrypted on
// the connection's event loop without blocking it.
package tlsterm

import (
	"crypto/tls"

	"github.com/albertbausili/xeno/internal/errsink"
)

// ALPN identifiers in server preference order.
const (
	ProtoH2    = "h2"
	ProtoHTTP1 = "http/1.1"
)

// Context is the immutable server TLS configuration shared by every event loop.
type Context struct {
	config *tls.Config
}

// Load reads a PEM certificate chain and private key.
func Load(certFile, keyFile string) (*Context, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, &errsink.StartupError{Op: "load certificate", Err: err}
	}
	return New(cert), nil
}

// New builds a Context serving cert.
func New(cert tls.Certificate) *Context {
	return &Context{config: &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ProtoH2, ProtoHTTP1},
		MinVersion:   tls.VersionTLS12,
	}}
}

// Config returns a copy of the underlying configuration.
func (c *Context) Config() *tls.Config { return c.config.Clone() }

// NewSession starts the server side of TLS over t.
func (c *Context) NewSession(t Transport) *Session {
	w := newWire(t)
	return &Session{
		wire: w,
		conn: tls.Server(w, c.config),
	}
}
