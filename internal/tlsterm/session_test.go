package tlsterm

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/albertbausili/xeno/internal/certgen"
	"github.com/albertbausili/xeno/internal/errsink"
	"github.com/panjf2000/gnet/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeTransport delivers server writes to the client end of a net.Pipe from a
// writer goroutine, like gnet's asynchronous writes.
type pipeTransport struct {
	conn   net.Conn
	writes chan write
	once   sync.Once
	closed chan struct{}
}

type write struct {
	bufs [][]byte
	cb   gnet.AsyncCallback
}

func newPipeTransport(conn net.Conn) *pipeTransport {
	t := &pipeTransport{conn: conn, writes: make(chan write, 256), closed: make(chan struct{})}
	go func() {
		for w := range t.writes {
			var err error
			for _, b := range w.bufs {
				if _, err = t.conn.Write(b); err != nil {
					break
				}
			}
			if w.cb != nil {
				_ = w.cb(nil, err)
			}
		}
	}()
	return t
}

func (t *pipeTransport) AsyncWritev(bs [][]byte, cb gnet.AsyncCallback) error {
	select {
	case <-t.closed:
		return net.ErrClosed
	default:
	}
	t.writes <- write{bufs: bs, cb: cb}
	return nil
}

func (t *pipeTransport) Close() error {
	t.once.Do(func() {
		close(t.closed)
		t.writes <- write{cb: func(gnet.Conn, error) error { return t.conn.Close() }}
	})
	return nil
}

func (t *pipeTransport) LocalAddr() net.Addr  { return t.conn.LocalAddr() }
func (t *pipeTransport) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }

type harness struct {
	session *Session
	client  net.Conn
	fed     chan struct{}
}

// newHarness wires a Session to the server end of a pipe; a reader goroutine
// plays the event loop's Feed.
func newHarness(t *testing.T) *harness {
	t.Helper()
	cert, err := certgen.KeyPair("localhost")
	require.NoError(t, err)

	serverEnd, clientEnd := net.Pipe()
	h := &harness{
		session: New(cert).NewSession(newPipeTransport(serverEnd)),
		client:  clientEnd,
		fed:     make(chan struct{}, 64),
	}
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := serverEnd.Read(buf)
			if n > 0 {
				h.session.Feed(buf[:n])
				h.fed <- struct{}{}
			}
			if err != nil {
				h.session.Hangup()
				return
			}
		}
	}()
	t.Cleanup(func() { _ = clientEnd.Close() })
	return h
}

func (h *harness) handshake(t *testing.T, protos ...string) *tls.Conn {
	t.Helper()
	client := tls.Client(h.client, &tls.Config{
		InsecureSkipVerify: true, //nolint:gosec // self-signed test certificate
		NextProtos:         protos,
	})
	errc := make(chan error, 1)
	go func() { errc <- client.Handshake() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.session.Handshake(ctx))
	require.NoError(t, <-errc)
	assert.Equal(t, Established, h.session.State())
	return client
}

func TestSessionNegotiatesALPN(t *testing.T) {
	tests := []struct {
		name   string
		offers []string
		want   string
	}{
		{"h2 preferred", []string{"http/1.1", "h2"}, ProtoH2},
		{"http/1.1 only", []string{"http/1.1"}, ProtoHTTP1},
		{"no alpn", nil, ProtoHTTP1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.handshake(t, tt.offers...)
			assert.Equal(t, tt.want, h.session.Negotiated())
		})
	}
}

func TestSessionNoCommonProtocol(t *testing.T) {
	h := newHarness(t)
	client := tls.Client(h.client, &tls.Config{
		InsecureSkipVerify: true, //nolint:gosec // self-signed test certificate
		NextProtos:         []string{"spdy/3"},
	})
	go func() { _ = client.Handshake() }()

	err := h.session.Handshake(context.Background())
	var he *errsink.HandshakeError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, Failed, h.session.State())
	assert.Equal(t, err, h.session.Err())
}

func TestSessionHandshakeTimeout(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := h.session.Handshake(ctx)
	var he *errsink.HandshakeError
	require.ErrorAs(t, err, &he)
}

func TestSessionExchangesRecords(t *testing.T) {
	h := newHarness(t)
	client := h.handshake(t, ProtoH2)

	go func() { _, _ = client.Write([]byte("ping")) }()

	// Read never blocks: it reports ErrWouldBlock until a full record arrived.
	var got []byte
	deadline := time.After(5 * time.Second)
	for len(got) < 4 {
		select {
		case <-h.fed:
		case <-deadline:
			t.Fatal("record not delivered")
		}
		err := h.session.ReadAll(make([]byte, 1024), func(p []byte) error {
			got = append(got, p...)
			return nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, "ping", string(got))

	_, err := h.session.Read(make([]byte, 16))
	assert.ErrorIs(t, err, ErrWouldBlock)

	// Writes are held until Flush.
	_, err = h.session.Write([]byte("pong"))
	require.NoError(t, err)
	flushed := make(chan error, 1)
	h.session.Flush(func(err error) { flushed <- err })

	buf := make([]byte, 4)
	_, err = io.ReadFull(client, buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf))
	require.NoError(t, <-flushed)
}

func TestSessionCloseSendsCloseNotify(t *testing.T) {
	h := newHarness(t)
	client := h.handshake(t, ProtoH2)

	require.NoError(t, h.session.Close())
	require.NoError(t, h.session.Close())

	_, err := client.Read(make([]byte, 1))
	assert.True(t, errors.Is(err, io.EOF), "got %v", err)
}

func TestLoadMissingFiles(t *testing.T) {
	_, err := Load("/nonexistent/cert.pem", "/nonexistent/key.pem")
	var se *errsink.StartupError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "load certificate", se.Op)
}

func TestContextConfig(t *testing.T) {
	cert, err := certgen.KeyPair("localhost")
	require.NoError(t, err)
	cfg := New(cert).Config()
	assert.Equal(t, []string{ProtoH2, ProtoHTTP1}, cfg.NextProtos)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
}
