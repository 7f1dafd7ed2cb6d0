// Package xeno is a TLS-terminating HTTP/2 server that answers every request
// with one fixed response.
package xeno

import (
	"errors"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"time"

	"github.com/albertbausili/xeno/internal/errsink"
	"github.com/albertbausili/xeno/internal/exchange"
	"github.com/albertbausili/xeno/internal/h2/frame"
	"go.uber.org/zap"
)

// Config holds the server configuration. It is read-only once the server runs.
type Config struct {
	Host     string // Address to bind to
	Port     int    // TCP port
	CertFile string // PEM certificate chain
	KeyFile  string // PEM private key

	NumEventLoop  int  // Number of event loops (0 for one per CPU)
	Backlog       int  // Listen backlog, validated and logged
	ReuseAddr     bool // SO_REUSEADDR on the listener
	TCPNoDelay    bool // Disable Nagle on accepted connections
	ReadBufferCap int  // Bytes read per event

	HandshakeTimeout time.Duration // Deadline of one TLS handshake
	MaxHandshakes    int           // Concurrent handshakes

	MaxConcurrentStreams uint32 // Maximum concurrent HTTP/2 streams
	InitialWindowSize    uint32 // Advertised HTTP/2 receive window
	MaxFrameSize         uint32 // Maximum HTTP/2 frame size
	MaxHeaderListSize    uint32 // Maximum request header block

	KeepAlive bool              // Keep connections open after their last exchange
	Response  exchange.Response // Fixed response sent for every request
	Logger    *zap.Logger       // Logger for server events
}

// minHeaderListSize leaves room for the pseudo headers of any request.
const minHeaderListSize = 1024

// DefaultConfig returns a Config with the server defaults. Certificate paths
// must still be set.
func DefaultConfig() Config {
	return Config{
		Host:                 "::1",
		Port:                 7050,
		NumEventLoop:         runtime.NumCPU(),
		Backlog:              256,
		ReuseAddr:            true,
		TCPNoDelay:           true,
		ReadBufferCap:        64 << 10,
		HandshakeTimeout:     10 * time.Second,
		MaxHandshakes:        1024,
		MaxConcurrentStreams: 100,
		InitialWindowSize:    1 << 20,
		MaxFrameSize:         frame.DefaultMaxFrameSize,
		MaxHeaderListSize:    frame.DefaultMaxHeaderListSize,
		Response:             exchange.DefaultResponse(),
		Logger:               zap.NewNop(),
	}
}

// Validate normalizes zero values to their defaults and rejects settings the
// server cannot run with.
func (c *Config) Validate() error {
	def := DefaultConfig()
	if c.Host == "" {
		c.Host = def.Host
	}
	if c.NumEventLoop == 0 {
		c.NumEventLoop = def.NumEventLoop
	}
	if c.ReadBufferCap == 0 {
		c.ReadBufferCap = def.ReadBufferCap
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.MaxHandshakes == 0 {
		c.MaxHandshakes = def.MaxHandshakes
	}
	if c.MaxConcurrentStreams == 0 {
		c.MaxConcurrentStreams = def.MaxConcurrentStreams
	}
	if c.InitialWindowSize == 0 {
		c.InitialWindowSize = def.InitialWindowSize
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = def.MaxFrameSize
	}
	if c.MaxHeaderListSize == 0 {
		c.MaxHeaderListSize = def.MaxHeaderListSize
	}
	if c.Response.Status == 0 {
		c.Response = def.Response
	}
	if c.Logger == nil {
		c.Logger = def.Logger
	}

	var err error
	switch {
	case c.Port < 1 || c.Port > 65535:
		err = fmt.Errorf("port %d out of range", c.Port)
	case c.NumEventLoop < 0:
		err = fmt.Errorf("negative event loop count %d", c.NumEventLoop)
	case c.Backlog <= 0:
		// A zero backlog makes some platforms refuse every connection.
		err = fmt.Errorf("backlog must be positive, got %d", c.Backlog)
	case c.ReadBufferCap < 0:
		err = fmt.Errorf("negative read buffer %d", c.ReadBufferCap)
	case c.HandshakeTimeout < 0:
		err = fmt.Errorf("negative handshake timeout %v", c.HandshakeTimeout)
	case c.MaxHandshakes < 0:
		err = fmt.Errorf("negative handshake limit %d", c.MaxHandshakes)
	case c.MaxFrameSize < frame.DefaultMaxFrameSize || c.MaxFrameSize > frame.MaxFrameSizeLimit:
		err = fmt.Errorf("max frame size %d outside [%d, %d]", c.MaxFrameSize, frame.DefaultMaxFrameSize, frame.MaxFrameSizeLimit)
	case c.MaxHeaderListSize < minHeaderListSize:
		err = fmt.Errorf("max header list size %d below %d", c.MaxHeaderListSize, minHeaderListSize)
	case c.InitialWindowSize > 1<<31-1:
		err = fmt.Errorf("initial window size %d too large", c.InitialWindowSize)
	case c.CertFile == "" || c.KeyFile == "":
		err = errors.New("certificate and key files are required")
	}
	if err != nil {
		return &errsink.StartupError{Op: "validate config", Err: err}
	}
	return nil
}

// Addr returns the gnet listen address.
func (c Config) Addr() string {
	return "tcp://" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
