// Package transport multiplexes one HTTP/2 connection into streams and
// schedules their response frames onto the connection.
package transport

import (
	"bytes"
	"errors"

	"github.com/albertbausili/xeno/internal/errsink"
	"github.com/albertbausili/xeno/internal/exchange"
	"github.com/albertbausili/xeno/internal/h2/frame"
	"github.com/albertbausili/xeno/internal/h2/stream"
	"golang.org/x/net/http2"
)

// Protocol is the ALPN identifier served by this package.
const Protocol = "h2"

// ErrConnectionClosed is returned when writing to a connection that was closed
// or aborted.
var ErrConnectionClosed = errors.New("connection closed")

// Output is the decrypted byte stream of the connection.
type Output interface {
	Write(p []byte) (int, error)
	// Flush hands everything written so far to the network and calls done
	// when the write completed.
	Flush(done func(error))
}

// Hooks connect the multiplexer to the owning session.
type Hooks struct {
	// Fail reports a fatal connection error.
	Fail func(error)
	// Done is called once the connection finished its last exchange and
	// should be closed gracefully.
	Done func()
}

// Config holds the connection settings.
type Config struct {
	MaxConcurrentStreams uint32
	InitialWindowSize    uint32
	MaxFrameSize         uint32
	MaxHeaderListSize    uint32
	// KeepAlive keeps the connection open after its last exchange.
	KeepAlive bool
	Response  exchange.Response
}

// Connection is the HTTP/2 multiplexer for one connection. All methods must be
// called on the connection's event loop.
type Connection struct {
	out   Output
	sched exchange.Scheduler
	hooks Hooks
	cfg   Config

	parser    *frame.Parser
	wbuf      bytes.Buffer
	writer    *frame.Writer
	encoder   *frame.HeaderEncoder
	manager   *stream.Manager
	processor *stream.Processor

	// ready holds streams with queued output in round-robin order.
	ready       []*stream.Stream
	completions []func(error)

	prefaceDone   bool
	pumpScheduled bool
	sentGoAway    bool
	closed        bool
}

// NewConnection creates a multiplexer writing to out. Response tasks are
// deferred through sched.
func NewConnection(out Output, sched exchange.Scheduler, hooks Hooks, cfg Config) *Connection {
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = frame.DefaultMaxFrameSize
	}
	if cfg.MaxHeaderListSize == 0 {
		cfg.MaxHeaderListSize = frame.DefaultMaxHeaderListSize
	}
	if cfg.MaxConcurrentStreams == 0 {
		cfg.MaxConcurrentStreams = 100
	}
	if cfg.InitialWindowSize == 0 {
		cfg.InitialWindowSize = 65535
	}
	c := &Connection{
		out:     out,
		sched:   sched,
		hooks:   hooks,
		cfg:     cfg,
		parser:  frame.NewParser(cfg.MaxFrameSize, cfg.MaxHeaderListSize),
		encoder: frame.NewHeaderEncoder(),
		manager: stream.NewManager(cfg.MaxConcurrentStreams, cfg.InitialWindowSize),
	}
	c.writer = frame.NewWriter(&c.wbuf)
	c.processor = stream.NewProcessor(c.manager, c.writer, c)
	return c
}

// Manager exposes the stream manager.
func (c *Connection) Manager() *stream.Manager { return c.manager }

// HandleData consumes decrypted bytes from the peer. A returned
// *errsink.ProtocolError means the connection was aborted with GOAWAY and must
// be closed; no further data is processed.
func (c *Connection) HandleData(p []byte) error {
	if c.closed {
		return nil
	}
	c.parser.Feed(p)
	if err := c.process(); err != nil {
		var pe *errsink.ProtocolError
		if errors.As(err, &pe) {
			c.abort(pe)
		}
		return err
	}
	if err := c.pump(); err != nil {
		return err
	}
	return c.flush()
}

func (c *Connection) process() error {
	if !c.prefaceDone {
		ok, err := c.parser.ReadPreface()
		if err != nil || !ok {
			return err
		}
		c.prefaceDone = true
		if err := c.sendServerPreface(); err != nil {
			return err
		}
	}
	for !c.closed {
		f, err := c.parser.Next()
		if err != nil {
			return err
		}
		if f == nil {
			return nil
		}
		if err := c.processor.Process(f); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connection) sendServerPreface() error {
	settings := []http2.Setting{
		{ID: http2.SettingMaxConcurrentStreams, Val: c.cfg.MaxConcurrentStreams},
		{ID: http2.SettingInitialWindowSize, Val: c.cfg.InitialWindowSize},
		{ID: http2.SettingEnablePush, Val: 0},
	}
	if c.cfg.MaxFrameSize != frame.DefaultMaxFrameSize {
		settings = append(settings, http2.Setting{ID: http2.SettingMaxFrameSize, Val: c.cfg.MaxFrameSize})
	}
	settings = append(settings, http2.Setting{ID: http2.SettingMaxHeaderListSize, Val: c.cfg.MaxHeaderListSize})
	if err := c.writer.WriteSettings(settings...); err != nil {
		return err
	}
	// The connection window can only be raised by WINDOW_UPDATE.
	if c.cfg.InitialWindowSize > 65535 {
		inc := c.cfg.InitialWindowSize - 65535
		if err := c.writer.WriteWindowUpdate(0, inc); err != nil {
			return err
		}
		c.manager.GrowRecvWindow(inc)
	}
	return nil
}

// NewHandler creates the exchange handler for a new stream.
func (c *Connection) NewHandler(s *stream.Stream) *exchange.Handler {
	return exchange.NewHandler(&streamTarget{c: c, s: s}, c.sched, c.cfg.Response)
}

// WindowsChanged is called by the processor when send capacity grew. Blocked
// streams are retried by the pump at the end of HandleData.
func (c *Connection) WindowsChanged() {}

// StreamReset drops a reset stream from the write schedule.
func (c *Connection) StreamReset(s *stream.Stream) {
	c.unready(s)
}

// SetHeaderTableSize applies the peer's HPACK table limit.
func (c *Connection) SetHeaderTableSize(v uint32) {
	c.encoder.SetMaxDynamicTableSize(v)
}

// GoAway sends GOAWAY once. Later calls are ignored.
func (c *Connection) GoAway(code http2.ErrCode, reason string) error {
	if c.sentGoAway || c.closed {
		return nil
	}
	c.sentGoAway = true
	var debug []byte
	if reason != "" {
		debug = []byte(reason)
	}
	if err := c.writer.WriteGoAway(c.manager.LastStreamID(), code, debug); err != nil {
		return err
	}
	return c.flush()
}

// abort discards queued response output and announces the error with GOAWAY.
func (c *Connection) abort(pe *errsink.ProtocolError) {
	c.cancelAll()
	_ = c.GoAway(pe.Code, pe.Reason)
	c.closed = true
}

// Close cancels every in-flight exchange. Nothing is written afterwards.
func (c *Connection) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.cancelAll()
	return nil
}

func (c *Connection) cancelAll() {
	c.manager.Each(func(s *stream.Stream) {
		if s.Handler != nil {
			s.Handler.Cancel()
		}
		s.Drop()
	})
	c.ready = nil
	for _, done := range c.completions {
		done(ErrConnectionClosed)
	}
	c.completions = nil
}

func (c *Connection) markReady(s *stream.Stream) {
	for _, r := range c.ready {
		if r == s {
			return
		}
	}
	c.ready = append(c.ready, s)
}

func (c *Connection) unready(s *stream.Stream) {
	kept := c.ready[:0]
	for _, r := range c.ready {
		if r != s {
			kept = append(kept, r)
		}
	}
	c.ready = kept
}

// pump frames queued response parts, one frame per stream per pass, until
// every stream is drained or blocked by flow control.
func (c *Connection) pump() error {
	for !c.closed && len(c.ready) > 0 {
		progressed := false
		ring := c.ready
		c.ready = nil
		for _, s := range ring {
			wrote, err := c.writeNext(s)
			if err != nil {
				return err
			}
			progressed = progressed || wrote
			if s.HasPending() {
				c.ready = append(c.ready, s)
			}
		}
		if !progressed {
			return nil
		}
	}
	return nil
}

// writeNext frames at most one frame from the head of s's queue.
func (c *Connection) writeNext(s *stream.Stream) (bool, error) {
	part := s.Pending[0]
	switch part.Kind {
	case exchange.Head:
		block, err := c.encoder.Encode(part.Status, part.Headers)
		if err != nil {
			return false, err
		}
		if err := c.writer.WriteHeaders(s.ID, false, block, c.manager.PeerMaxFrame()); err != nil {
			return false, err
		}
		c.pop(s)
	case exchange.Body:
		rest := part.Data[s.Sent:]
		if len(rest) == 0 {
			c.pop(s)
			return true, nil
		}
		connWin, streamWin, maxFrame := c.manager.SendWindows(s)
		n := min(len(rest), int(maxFrame))
		n = min(n, int(connWin), int(streamWin))
		if n <= 0 {
			return false, nil
		}
		if err := c.writer.WriteData(s.ID, false, rest[:n]); err != nil {
			return false, err
		}
		c.manager.ConsumeSendWindow(s, int32(n))
		s.Sent += n
		if s.Sent == len(part.Data) {
			c.pop(s)
		}
	case exchange.End:
		if err := c.writer.WriteData(s.ID, true, nil); err != nil {
			return false, err
		}
		c.pop(s)
		c.manager.CloseLocal(s)
		if s.OnWritten != nil {
			c.completions = append(c.completions, s.OnWritten)
			s.OnWritten = nil
		}
	}
	return true, nil
}

func (c *Connection) pop(s *stream.Stream) {
	s.Pending = s.Pending[1:]
	s.Sent = 0
}

// flush moves serialized frames to the output and arms the completions of
// every End frame in this batch.
func (c *Connection) flush() error {
	if c.wbuf.Len() == 0 && len(c.completions) == 0 {
		return nil
	}
	completions := c.completions
	c.completions = nil
	if c.wbuf.Len() > 0 {
		_, err := c.out.Write(c.wbuf.Bytes())
		c.wbuf.Reset()
		if err != nil {
			for _, done := range completions {
				done(err)
			}
			return err
		}
	}
	c.out.Flush(func(err error) {
		for _, done := range completions {
			done(err)
		}
	})
	return nil
}

func (c *Connection) flushStream(s *stream.Stream, done func(error)) {
	if c.closed {
		done(ErrConnectionClosed)
		return
	}
	if s.HasPending() {
		s.OnWritten = done
		c.markReady(s)
	} else {
		c.completions = append(c.completions, done)
	}
	c.schedulePump()
}

// schedulePump runs the write scheduler once on the next turn, so every
// stream that queued output during this turn takes part in the same
// round-robin pass.
func (c *Connection) schedulePump() {
	if c.pumpScheduled {
		return
	}
	c.pumpScheduled = true
	c.sched.Schedule(func() {
		c.pumpScheduled = false
		if c.closed {
			return
		}
		err := c.pump()
		if err == nil {
			err = c.flush()
		}
		if err != nil {
			c.hooks.Fail(&errsink.ResponseWriteError{Err: err})
		}
	})
}

// finish runs after a stream's response reached the wire. The connection is
// closed once its last exchange completed unless KeepAlive is set.
func (c *Connection) finish() {
	if c.closed || c.cfg.KeepAlive || c.manager.Active() > 0 {
		return
	}
	if err := c.GoAway(http2.ErrCodeNo, ""); err != nil {
		c.hooks.Fail(err)
		return
	}
	c.closed = true
	if c.hooks.Done != nil {
		c.hooks.Done()
	}
}

// streamTarget is the exchange.Target of one HTTP/2 stream.
type streamTarget struct {
	c *Connection
	s *stream.Stream
}

func (t *streamTarget) ID() uint32       { return t.s.ID }
func (t *streamTarget) Protocol() string { return Protocol }

func (t *streamTarget) WriteResponsePart(part exchange.ResponsePart) error {
	if t.c.closed {
		return ErrConnectionClosed
	}
	return t.s.Enqueue(part)
}

func (t *streamTarget) Flush(done func(error)) { t.c.flushStream(t.s, done) }
func (t *streamTarget) Finish()                { t.c.finish() }
func (t *streamTarget) Fail(err error)         { t.c.hooks.Fail(err) }
