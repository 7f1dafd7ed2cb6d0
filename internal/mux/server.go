// Package mux is the gnet event handler of the server. It terminates TLS on
// every connection and routes the decrypted bytes to the HTTP/2 multiplexer or
// the HTTP/1.1 fallback chosen by ALPN.
package mux

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/albertbausili/xeno/internal/errsink"
	"github.com/albertbausili/xeno/internal/exchange"
	"github.com/albertbausili/xeno/internal/h1"
	h2transport "github.com/albertbausili/xeno/internal/h2/transport"
	"github.com/albertbausili/xeno/internal/tlsterm"
	"github.com/panjf2000/ants/v2"
	"github.com/panjf2000/gnet/v2"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

// maxPlaintextRecord is the largest TLS record payload.
const maxPlaintextRecord = 16 << 10

// Config defines the per-connection behaviour of the event handler.
type Config struct {
	TLS              *tlsterm.Context
	Pool             *ants.Pool
	Logger           *zap.Logger
	HandshakeTimeout time.Duration
	H2               h2transport.Config
	// KeepAlive and Response also apply to HTTP/1.1 connections.
	KeepAlive bool
	Response  exchange.Response
}

// Server implements gnet.EventHandler.
type Server struct {
	gnet.BuiltinEventEngine

	cfg    Config
	logger *zap.Logger
	sink   *errsink.Sink

	ctx    context.Context
	cancel context.CancelFunc

	engine   gnet.Engine
	booted   chan struct{}
	bootOnce sync.Once

	sessions sync.Map // map[gnet.Conn]*session
	active   atomic.Int64
}

// NewServer creates the event handler.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	cfg.H2.KeepAlive = cfg.KeepAlive
	cfg.H2.Response = cfg.Response
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		logger: cfg.Logger,
		sink:   errsink.New(cfg.Logger),
		ctx:    ctx,
		cancel: cancel,
		booted: make(chan struct{}),
	}
}

// Booted is closed once the engine accepts connections.
func (s *Server) Booted() <-chan struct{} { return s.booted }

// Engine returns the running engine. Valid after Booted is closed.
func (s *Server) Engine() gnet.Engine { return s.engine }

// Active returns the number of open connections.
func (s *Server) Active() int64 { return s.active.Load() }

// Sink returns the error sink shared by all connections.
func (s *Server) Sink() *errsink.Sink { return s.sink }

// OnBoot is called when the server is ready to accept connections.
func (s *Server) OnBoot(eng gnet.Engine) gnet.Action {
	s.engine = eng
	s.bootOnce.Do(func() { close(s.booted) })
	return gnet.None
}

// OnShutdown cancels handshakes still in flight.
func (s *Server) OnShutdown(gnet.Engine) {
	s.cancel()
}

// OnOpen starts the TLS handshake of a new connection on the worker pool.
func (s *Server) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	sess := s.newSession(c)
	c.SetContext(sess)
	s.sessions.Store(c, sess)
	s.active.Add(1)

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.HandshakeTimeout)
	sess.cancelHandshake = cancel
	err := s.cfg.Pool.Submit(func() {
		defer cancel()
		_ = sess.tls.Handshake(ctx)
		_ = c.Wake(nil)
	})
	if err != nil {
		cancel()
		sess.fail(&errsink.HandshakeError{Remote: sess.scope.Name(), Err: err})
	}
	return nil, gnet.None
}

// OnTraffic runs the tasks deferred by the previous turn, then consumes new
// ciphertext.
func (s *Server) OnTraffic(c gnet.Conn) gnet.Action {
	sess, ok := c.Context().(*session)
	if !ok {
		return gnet.Close
	}
	data, err := c.Next(-1)
	if err != nil {
		return gnet.Close
	}
	sess.turn(data)
	return gnet.None
}

// OnClose cancels everything the connection still had in flight.
func (s *Server) OnClose(c gnet.Conn, err error) gnet.Action {
	if sess, ok := c.Context().(*session); ok {
		sess.gone = true
		sess.tls.Hangup()
		if herr := sess.tls.Err(); herr != nil {
			// The peer hung up after a failed handshake, before the worker's wake-up.
			sess.fail(herr)
		} else {
			_ = sess.scope.Release()
		}
		if err != nil && !errors.Is(err, io.EOF) {
			s.logger.Debug("connection closed", zap.String("remote", sess.scope.Name()), zap.Error(err))
		}
	}
	s.sessions.Delete(c)
	s.active.Add(-1)
	return gnet.None
}

// Drain asks every connection to finish: HTTP/2 peers get GOAWAY, then each
// connection is closed on its own event loop.
func (s *Server) Drain() {
	s.cancel()
	s.sessions.Range(func(key, value any) bool {
		c := key.(gnet.Conn)
		sess := value.(*session)
		_ = c.Wake(func(gnet.Conn, error) error {
			sess.drain()
			return nil
		})
		return true
	})
}

func (s *Server) newSession(c gnet.Conn) *session {
	sess := &session{srv: s, conn: c, tls: s.cfg.TLS.NewSession(c)}
	remote := "unknown"
	if addr := c.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	sess.scope = s.sink.Scope(errsink.KindConnection, remote, errsink.CloserFunc(sess.shutdown))
	return sess
}

// session is the state of one connection. Every method except the handshake
// runs on the connection's event loop.
type session struct {
	srv   *Server
	conn  gnet.Conn
	tls   *tlsterm.Session
	scope *errsink.Scope

	cancelHandshake context.CancelFunc

	proto      string
	h2         *h2transport.Connection
	h1         *h1.Connection
	readBuf    []byte
	deliverErr error
	tasks      []func()

	closed bool
	gone   bool
}

// Schedule implements exchange.Scheduler. The first task of a turn wakes the
// connection, so the queue is drained by a later OnTraffic.
func (s *session) Schedule(task func()) {
	if s.closed {
		return
	}
	s.tasks = append(s.tasks, task)
	if len(s.tasks) == 1 {
		if err := s.conn.Wake(nil); err != nil {
			s.fail(&errsink.ResponseWriteError{Err: err})
		}
	}
}

func (s *session) runTasks() {
	// Tasks scheduled while these run belong to the next turn.
	tasks := s.tasks
	s.tasks = nil
	for _, task := range tasks {
		if s.closed {
			return
		}
		task()
	}
}

func (s *session) turn(data []byte) {
	s.runTasks()
	if s.closed {
		return
	}
	if len(data) > 0 {
		s.tls.Feed(data)
	}
	switch s.tls.State() {
	case tlsterm.Handshaking:
		return
	case tlsterm.Failed:
		s.fail(s.tls.Err())
		return
	}
	if s.proto == "" {
		s.start()
	}
	err := s.tls.ReadAll(s.readBuf, s.deliver)
	switch {
	case err == nil:
	case s.deliverErr != nil:
		s.fail(s.deliverErr)
	case errors.Is(err, io.EOF):
		// close_notify from the peer.
		_ = s.scope.Release()
	default:
		s.fail(&errsink.ProtocolError{Code: http2.ErrCodeProtocol, Reason: err.Error()})
	}
}

func (s *session) start() {
	s.proto = s.tls.Negotiated()
	s.readBuf = make([]byte, maxPlaintextRecord)
	cfg := s.srv.cfg
	if s.proto == tlsterm.ProtoH2 {
		s.h2 = h2transport.NewConnection(s.tls, s, h2transport.Hooks{Fail: s.fail, Done: s.done}, cfg.H2)
	} else {
		s.h1 = h1.NewConnection(s.tls, s, h1.Hooks{Fail: s.fail, Done: s.done}, cfg.Response, cfg.KeepAlive)
	}
	s.srv.logger.Debug("connection established",
		zap.String("remote", s.scope.Name()),
		zap.String("protocol", s.proto),
	)
}

func (s *session) deliver(p []byte) error {
	if s.h2 != nil {
		s.deliverErr = s.h2.HandleData(p)
	} else {
		s.deliverErr = s.h1.HandleData(p)
	}
	return s.deliverErr
}

func (s *session) fail(err error) {
	s.srv.sink.Report(s.scope, err)
}

// done closes a connection whose last exchange completed.
func (s *session) done() {
	_ = s.scope.Release()
}

func (s *session) drain() {
	if s.closed {
		return
	}
	if s.h2 != nil {
		_ = s.h2.GoAway(http2.ErrCodeNo, "server shutdown")
	}
	_ = s.scope.Release()
}

// shutdown is the scope closer: it cancels all scheduled work and handlers,
// then closes TLS and the transport.
func (s *session) shutdown() error {
	s.closed = true
	s.tasks = nil
	if s.cancelHandshake != nil {
		s.cancelHandshake()
	}
	if s.h2 != nil {
		_ = s.h2.Close()
	}
	if s.h1 != nil {
		_ = s.h1.Close()
	}
	if s.gone {
		return nil
	}
	return s.tls.Close()
}
