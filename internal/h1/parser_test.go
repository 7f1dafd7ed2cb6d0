package h1

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequest(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		method    string
		path      string
		length    int64
		chunked   bool
		keepAlive bool
		wantErr   bool
	}{
		{
			name:      "simple get",
			input:     "GET /index HTTP/1.1\r\nHost: localhost\r\n\r\n",
			method:    "GET",
			path:      "/index",
			length:    -1,
			keepAlive: true,
		},
		{
			name:      "content length",
			input:     "POST /api HTTP/1.1\r\nHost: localhost\r\nContent-Length: 12\r\n\r\n",
			method:    "POST",
			path:      "/api",
			length:    12,
			keepAlive: true,
		},
		{
			name:      "chunked wins over content length",
			input:     "PUT /data HTTP/1.1\r\nHost: localhost\r\nTransfer-Encoding: chunked\r\nContent-Length: 3\r\n\r\n",
			method:    "PUT",
			path:      "/data",
			length:    -1,
			chunked:   true,
			keepAlive: true,
		},
		{
			name:   "connection close",
			input:  "GET / HTTP/1.1\r\nHost: localhost\r\nConnection: Close\r\n\r\n",
			method: "GET",
			path:   "/",
			length: -1,
		},
		{
			name:   "http/1.0 without host",
			input:  "GET / HTTP/1.0\r\n\r\n",
			method: "GET",
			path:   "/",
			length: -1,
		},
		{name: "missing host", input: "GET / HTTP/1.1\r\n\r\n", wantErr: true},
		{name: "bad request line", input: "GET /\r\n\r\n", wantErr: true},
		{name: "bad version", input: "GET / HTTP/2.0\r\nHost: x\r\n\r\n", wantErr: true},
		{name: "bad header", input: "GET / HTTP/1.1\r\nHost localhost\r\n\r\n", wantErr: true},
		{name: "negative length", input: "GET / HTTP/1.1\r\nHost: x\r\nContent-Length: -1\r\n\r\n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParser()
			p.Reset([]byte(tt.input))
			var req Request
			n, err := p.ParseRequest(&req)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, len(tt.input), n)
			assert.Equal(t, tt.method, req.Method)
			assert.Equal(t, tt.path, req.Path)
			assert.Equal(t, tt.length, req.ContentLength)
			assert.Equal(t, tt.chunked, req.ChunkedEncoding)
			assert.Equal(t, tt.keepAlive, req.KeepAlive)
		})
	}
}

func TestParseRequestIncomplete(t *testing.T) {
	full := "GET / HTTP/1.1\r\nHost: localhost\r\n\r\nGET"
	end := strings.Index(full, "\r\n\r\n") + 4
	for i := 0; i < end; i++ {
		p := NewParser()
		p.Reset([]byte(full[:i]))
		var req Request
		n, err := p.ParseRequest(&req)
		require.NoError(t, err, "prefix %d", i)
		assert.Zero(t, n, "prefix %d", i)
	}

	p := NewParser()
	p.Reset([]byte(full))
	var req Request
	n, err := p.ParseRequest(&req)
	require.NoError(t, err)
	assert.Equal(t, end, n)
	assert.Equal(t, [][2]string{{"host", "localhost"}}, req.Headers)
}

func TestParseChunk(t *testing.T) {
	p := NewParser()

	p.Reset([]byte("5;ext=1\r\nhello\r\n"))
	chunk, n, last, err := p.ParseChunk()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(chunk))
	assert.Equal(t, 16, n)
	assert.False(t, last)

	p.Reset([]byte("5\r\nhel"))
	_, n, _, err = p.ParseChunk()
	require.NoError(t, err)
	assert.Zero(t, n)

	p.Reset([]byte("0\r\nX-Trailer: v\r\n\r\n"))
	_, n, last, err = p.ParseChunk()
	require.NoError(t, err)
	assert.Equal(t, 19, n)
	assert.True(t, last)

	p.Reset([]byte("zz\r\n"))
	_, _, _, err = p.ParseChunk()
	assert.Error(t, err)

	p.Reset([]byte("2\r\nabXX"))
	_, _, _, err = p.ParseChunk()
	assert.Error(t, err)
}

func FuzzParseRequest(f *testing.F) {
	f.Add([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	f.Add([]byte("POST /api HTTP/1.1\r\nHost: localhost\r\nContent-Length: 0\r\n\r\n"))
	f.Add([]byte("PUT /data HTTP/1.1\r\nHost: api\r\nTransfer-Encoding: chunked\r\n\r\n"))
	f.Add([]byte("GET / HTTP/1.1\r\nHost:  example.com  \r\n\r\n"))
	f.Add([]byte("INVALID\r\n"))
	f.Add([]byte(""))

	f.Fuzz(func(t *testing.T, data []byte) {
		p := NewParser()
		p.Reset(data)
		var req Request
		n, err := p.ParseRequest(&req)
		if err != nil || n == 0 {
			return
		}
		if n > len(data) {
			t.Fatalf("consumed %d of %d bytes", n, len(data))
		}
		if !strings.HasPrefix(req.Version, "HTTP/1.") {
			t.Errorf("invalid version %q", req.Version)
		}
		if req.ChunkedEncoding && req.ContentLength != -1 {
			t.Errorf("chunked request with content length %d", req.ContentLength)
		}
	})
}
