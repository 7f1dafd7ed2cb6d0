package xeno

import (
	"context"
	"sync"
	"time"

	"github.com/albertbausili/xeno/internal/errsink"
	h2transport "github.com/albertbausili/xeno/internal/h2/transport"
	"github.com/albertbausili/xeno/internal/mux"
	"github.com/albertbausili/xeno/internal/tlsterm"
	"github.com/panjf2000/ants/v2"
	"github.com/panjf2000/gnet/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// stopTimeout bounds the shutdown triggered by a cancelled Run context.
const stopTimeout = 5 * time.Second

// Server is one Xeno instance.
type Server struct {
	config  Config
	logger  *zap.Logger
	pool    *ants.Pool
	handler *mux.Server

	ready        chan struct{}
	stopped      chan struct{}
	stopOnce     sync.Once
	shutdownOnce sync.Once
	stopErr      error
}

// New validates config, loads the certificate and prepares the handshake
// workers. Every failure is a *errsink.StartupError.
func New(config Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	tlsCtx, err := tlsterm.Load(config.CertFile, config.KeyFile)
	if err != nil {
		return nil, err
	}

	logger := config.Logger
	pool, err := ants.NewPool(config.MaxHandshakes,
		ants.WithNonblocking(true),
		ants.WithLogger(zap.NewStdLog(logger.Named("ants"))),
		ants.WithPanicHandler(func(p any) {
			logger.Error("handshake panic", zap.Any("panic", p))
		}),
	)
	if err != nil {
		return nil, &errsink.StartupError{Op: "create handshake pool", Err: err}
	}

	handler := mux.NewServer(mux.Config{
		TLS:              tlsCtx,
		Pool:             pool,
		Logger:           logger,
		HandshakeTimeout: config.HandshakeTimeout,
		H2: h2transport.Config{
			MaxConcurrentStreams: config.MaxConcurrentStreams,
			InitialWindowSize:    config.InitialWindowSize,
			MaxFrameSize:         config.MaxFrameSize,
			MaxHeaderListSize:    config.MaxHeaderListSize,
		},
		KeepAlive: config.KeepAlive,
		Response:  config.Response,
	})

	return &Server{
		config:  config,
		logger:  logger,
		pool:    pool,
		handler: handler,
		ready:   make(chan struct{}),
		stopped: make(chan struct{}),
	}, nil
}

// Config returns the validated configuration.
func (s *Server) Config() Config { return s.config }

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// ActiveConnections returns the number of open connections.
func (s *Server) ActiveConnections() int64 { return s.handler.Active() }

// ErrorsReported returns how many connection or stream failures were logged.
func (s *Server) ErrorsReported() uint64 { return s.handler.Sink().Reported() }

// Run binds the listener and serves until ctx is done or Stop is called. A
// bind failure is a *errsink.StartupError.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	runDone := make(chan struct{})

	g.Go(func() error {
		defer close(runDone)
		if err := gnet.Run(s.handler, s.config.Addr(), s.options()...); err != nil {
			return &errsink.StartupError{Op: "bind " + s.config.Addr(), Err: err}
		}
		return nil
	})

	g.Go(func() error {
		select {
		case <-s.handler.Booted():
		case <-runDone:
			return nil
		}
		s.logger.Info("bound",
			zap.String("host", s.config.Host),
			zap.Int("port", s.config.Port),
			zap.Int("event_loops", s.config.NumEventLoop),
			zap.Int("backlog", s.config.Backlog),
		)
		close(s.ready)

		select {
		case <-gctx.Done():
		case <-s.stopped:
		}
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		return s.shutdown(stopCtx)
	})

	return multierr.Append(g.Wait(), s.release())
}

// Stop sends GOAWAY to HTTP/2 peers, closes every connection and stops the
// event loops. It is safe to call more than once and before Run bound.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopped) })
	select {
	case <-s.ready:
	default:
		// Run shuts down as soon as it is bound.
		return nil
	}
	return s.shutdown(ctx)
}

func (s *Server) shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.handler.Drain()
		s.stopErr = s.handler.Engine().Stop(ctx)
	})
	return s.stopErr
}

func (s *Server) release() error {
	if s.pool.IsClosed() {
		return nil
	}
	return s.pool.ReleaseTimeout(stopTimeout)
}

func (s *Server) options() []gnet.Option {
	noDelay := gnet.TCPDelay
	if s.config.TCPNoDelay {
		noDelay = gnet.TCPNoDelay
	}
	return []gnet.Option{
		gnet.WithMulticore(true),
		gnet.WithNumEventLoop(s.config.NumEventLoop),
		gnet.WithLoadBalancing(gnet.RoundRobin),
		gnet.WithReuseAddr(s.config.ReuseAddr),
		gnet.WithTCPNoDelay(noDelay),
		gnet.WithReadBufferCap(s.config.ReadBufferCap),
		gnet.WithLogger(s.logger.Named("gnet").Sugar()),
	}
}
