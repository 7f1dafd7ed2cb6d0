package tlsterm

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/panjf2000/gnet/v2"
)

// Transport is the ciphertext side of a connection. gnet.Conn implements it.
type Transport interface {
	AsyncWritev(bs [][]byte, callback gnet.AsyncCallback) error
	Close() error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

type wouldBlock struct{}

func (wouldBlock) Error() string   { return "tlsterm: no buffered record" }
func (wouldBlock) Timeout() bool   { return false }
func (wouldBlock) Temporary() bool { return true }

// ErrWouldBlock is returned by Session.Read when no complete record is
// buffered. It is a temporary net.Error, which crypto/tls does not latch.
var ErrWouldBlock net.Error = wouldBlock{}

// wire is the net.Conn handed to crypto/tls. While the handshake runs, reads
// block on a worker goroutine and writes go straight to the transport. After
// it, reads never block and writes are held until the next flush.
type wire struct {
	t    Transport
	mu   sync.Mutex
	cond *sync.Cond

	in      []byte
	eof     bool
	ready   bool
	pending [][]byte
}

func newWire(t Transport) *wire {
	w := &wire{t: t}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// feed appends ciphertext received by the event loop.
func (w *wire) feed(p []byte) {
	w.mu.Lock()
	if !w.eof {
		w.in = append(w.in, p...)
	}
	w.mu.Unlock()
	w.cond.Broadcast()
}

// establish switches the wire to non-blocking, corked operation.
func (w *wire) establish() {
	w.mu.Lock()
	w.ready = true
	w.mu.Unlock()
}

// hangup marks the peer gone and wakes a blocked handshake.
func (w *wire) hangup() {
	w.mu.Lock()
	w.eof = true
	w.mu.Unlock()
	w.cond.Broadcast()
}

func (w *wire) Read(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for !w.ready && len(w.in) == 0 && !w.eof {
		w.cond.Wait()
	}
	if len(w.in) == 0 {
		if w.eof {
			return 0, io.EOF
		}
		return 0, ErrWouldBlock
	}
	n := copy(p, w.in)
	w.in = w.in[n:]
	if len(w.in) == 0 {
		w.in = nil
	}
	return n, nil
}

func (w *wire) Write(p []byte) (int, error) {
	buf := append([]byte(nil), p...)
	w.mu.Lock()
	if w.eof {
		w.mu.Unlock()
		return 0, net.ErrClosed
	}
	if w.ready {
		w.pending = append(w.pending, buf)
		w.mu.Unlock()
		return len(p), nil
	}
	w.mu.Unlock()
	if err := w.t.AsyncWritev([][]byte{buf}, nil); err != nil {
		return 0, err
	}
	return len(p), nil
}

// take removes and returns the corked records.
func (w *wire) take() [][]byte {
	w.mu.Lock()
	bufs := w.pending
	w.pending = nil
	w.mu.Unlock()
	return bufs
}

// Close is called by crypto/tls when a handshake is cancelled. It only wakes
// the handshake; the session closes the transport from its event loop.
func (w *wire) Close() error {
	w.hangup()
	return nil
}

func (w *wire) LocalAddr() net.Addr  { return w.t.LocalAddr() }
func (w *wire) RemoteAddr() net.Addr { return w.t.RemoteAddr() }

// Deadlines are enforced by the handshake context and the event loop.
func (w *wire) SetDeadline(time.Time) error      { return nil }
func (w *wire) SetReadDeadline(time.Time) error  { return nil }
func (w *wire) SetWriteDeadline(time.Time) error { return nil }
