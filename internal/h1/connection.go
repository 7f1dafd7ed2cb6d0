package h1

import (
	"errors"

	"github.com/albertbausili/xeno/internal/errsink"
	"github.com/albertbausili/xeno/internal/exchange"
)

// Protocol is the ALPN identifier served by this package.
const Protocol = "http/1.1"

// maxHeadBytes bounds a buffered, still incomplete request head.
const maxHeadBytes = 64 << 10

var (
	errConnectionClosed = errors.New("connection closed")
	errWriteOrder       = errors.New("response part out of order")
)

// Output is the decrypted byte stream of the connection.
type Output interface {
	Write(p []byte) (int, error)
	Flush(done func(error))
}

// Hooks connect the connection to the owning session.
type Hooks struct {
	Fail func(error)
	Done func()
}

type phase uint8

const (
	phaseHead phase = iota
	phaseBody
	phaseChunked
	phaseResponding
)

// Connection serves HTTP/1.1 exchanges one at a time. It is also the
// exchange.Target of its current exchange, whose id counts up from 1.
type Connection struct {
	out       Output
	sched     exchange.Scheduler
	hooks     Hooks
	resp      exchange.Response
	keepAlive bool

	parser    *Parser
	req       Request
	buf       []byte
	phase     phase
	remaining int64
	handler   *exchange.Handler
	id        uint32

	wbuf     []byte
	written  exchange.PartKind
	headDone bool
	keepOpen bool
	closed   bool
}

// NewConnection creates an HTTP/1.1 connection. With keepAlive the connection
// serves further requests after a response whose body matches its declared
// length.
func NewConnection(out Output, sched exchange.Scheduler, hooks Hooks, resp exchange.Response, keepAlive bool) *Connection {
	return &Connection{
		out:       out,
		sched:     sched,
		hooks:     hooks,
		resp:      resp,
		keepAlive: keepAlive,
		parser:    NewParser(),
	}
}

// HandleData consumes decrypted request bytes. A returned
// *errsink.ProtocolError means the request was malformed; a 400 response was
// queued and the connection must be closed.
func (c *Connection) HandleData(p []byte) error {
	if c.closed {
		return nil
	}
	c.buf = append(c.buf, p...)
	if err := c.process(); err != nil {
		var pe *errsink.ProtocolError
		if errors.As(err, &pe) {
			c.badRequest()
		}
		return err
	}
	return nil
}

func (c *Connection) process() error {
	for !c.closed {
		switch c.phase {
		case phaseHead:
			if len(c.buf) == 0 {
				return nil
			}
			c.parser.Reset(c.buf)
			c.req.Reset()
			n, err := c.parser.ParseRequest(&c.req)
			if err != nil {
				return errsink.NewProtocolError("%v", err)
			}
			if n == 0 {
				if len(c.buf) > maxHeadBytes {
					return errsink.NewProtocolError("request head too large")
				}
				return nil
			}
			c.consume(n)
			if err := c.begin(); err != nil {
				return err
			}
		case phaseBody:
			if len(c.buf) == 0 {
				return nil
			}
			n := int64(len(c.buf))
			if n > c.remaining {
				n = c.remaining
			}
			if err := c.handler.Deliver(exchange.RequestPart{Kind: exchange.Body, Data: c.buf[:n]}); err != nil {
				return err
			}
			c.consume(int(n))
			c.remaining -= n
			if c.remaining == 0 {
				if err := c.end(); err != nil {
					return err
				}
			}
		case phaseChunked:
			c.parser.Reset(c.buf)
			chunk, n, last, err := c.parser.ParseChunk()
			if err != nil {
				return errsink.NewProtocolError("%v", err)
			}
			if n == 0 {
				return nil
			}
			if len(chunk) > 0 {
				if err := c.handler.Deliver(exchange.RequestPart{Kind: exchange.Body, Data: chunk}); err != nil {
					return err
				}
			}
			c.consume(n)
			if last {
				if err := c.end(); err != nil {
					return err
				}
			}
		case phaseResponding:
			// Pipelined requests wait for the current response.
			return nil
		}
	}
	return nil
}

func (c *Connection) consume(n int) {
	c.buf = c.buf[n:]
	if len(c.buf) == 0 {
		c.buf = nil
	}
}

func (c *Connection) begin() error {
	c.id++
	c.headDone = false
	c.handler = exchange.NewHandler(c, c.sched, c.resp)
	if err := c.handler.Deliver(exchange.RequestPart{Kind: exchange.Head, Headers: c.req.Headers}); err != nil {
		return err
	}
	switch {
	case c.req.ChunkedEncoding:
		c.phase = phaseChunked
	case c.req.ContentLength > 0:
		c.phase = phaseBody
		c.remaining = c.req.ContentLength
	default:
		return c.end()
	}
	return nil
}

func (c *Connection) end() error {
	c.phase = phaseResponding
	return c.handler.Deliver(exchange.RequestPart{Kind: exchange.End})
}

func (c *Connection) badRequest() {
	c.closed = true
	if c.handler != nil {
		c.handler.Cancel()
	}
	if _, err := c.out.Write(badRequestResponse); err == nil {
		c.out.Flush(func(error) {})
	}
}

// Close cancels the current exchange. Nothing is written afterwards.
func (c *Connection) Close() error {
	c.closed = true
	if c.handler != nil {
		c.handler.Cancel()
	}
	return nil
}

// ID returns the id of the current exchange.
func (c *Connection) ID() uint32 { return c.id }

// Protocol returns "http/1.1".
func (c *Connection) Protocol() string { return Protocol }

// WriteResponsePart serializes a response part in Head, Body, End order.
func (c *Connection) WriteResponsePart(part exchange.ResponsePart) error {
	if c.closed {
		return errConnectionClosed
	}
	switch part.Kind {
	case exchange.Head:
		if c.headDone {
			return errWriteOrder
		}
		c.headDone = true
		c.written = exchange.Head
		// A body longer than the declared length would corrupt the next
		// response on a persistent connection.
		c.keepOpen = c.keepAlive && c.req.KeepAlive && len(c.resp.Payload()) == c.resp.ContentLength
		c.wbuf = appendHead(c.wbuf[:0], part.Status, part.Headers, c.keepOpen)
	case exchange.Body:
		if !c.headDone || c.written == exchange.End {
			return errWriteOrder
		}
		c.written = exchange.Body
		c.wbuf = append(c.wbuf, part.Data...)
	case exchange.End:
		if !c.headDone || c.written == exchange.End {
			return errWriteOrder
		}
		c.written = exchange.End
	}
	return nil
}

// Flush writes the serialized response.
func (c *Connection) Flush(done func(error)) {
	if c.closed {
		done(errConnectionClosed)
		return
	}
	if _, err := c.out.Write(c.wbuf); err != nil {
		done(err)
		return
	}
	c.wbuf = c.wbuf[:0]
	c.out.Flush(done)
}

// Finish completes the exchange. The connection is closed unless it stays
// open for the next request.
func (c *Connection) Finish() {
	if c.closed {
		return
	}
	if !c.keepOpen {
		c.closed = true
		if c.hooks.Done != nil {
			c.hooks.Done()
		}
		return
	}
	c.phase = phaseHead
	c.handler = nil
	if err := c.process(); err != nil {
		var pe *errsink.ProtocolError
		if errors.As(err, &pe) {
			c.badRequest()
		}
		c.hooks.Fail(err)
	}
}

// Fail reports a fatal connection error.
func (c *Connection) Fail(err error) { c.hooks.Fail(err) }
