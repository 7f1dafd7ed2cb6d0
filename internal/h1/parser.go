// Package h1 serves the HTTP/1.1 fallback negotiated through ALPN.
package h1

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Request is a parsed HTTP/1.1 request head.
type Request struct {
	Method  string
	Path    string
	Version string
	Headers [][2]string
	Host    string

	ContentLength   int64
	ChunkedEncoding bool
	KeepAlive       bool
}

// Reset clears the request for reuse.
func (r *Request) Reset() {
	r.Method = ""
	r.Path = ""
	r.Version = ""
	r.Headers = r.Headers[:0]
	r.Host = ""
	r.ContentLength = 0
	r.ChunkedEncoding = false
	r.KeepAlive = false
}

var crlf = []byte("\r\n")

// Parser parses request heads and chunked bodies from a byte buffer.
type Parser struct {
	buf []byte
	pos int
}

// NewParser creates a parser.
func NewParser() *Parser {
	return &Parser{}
}

// Reset points the parser at buf.
func (p *Parser) Reset(buf []byte) {
	p.buf = buf
	p.pos = 0
}

// ParseRequest parses the request line and headers. It returns the number of
// bytes consumed, or 0 when the head is incomplete.
func (p *Parser) ParseRequest(req *Request) (int, error) {
	complete, err := p.parseRequestLine(req)
	if err != nil || !complete {
		return 0, err
	}

	req.Headers = req.Headers[:0]
	req.ContentLength = -1
	req.KeepAlive = req.Version == "HTTP/1.1"

	complete, err = p.parseHeaders(req)
	if err != nil || !complete {
		return 0, err
	}

	if req.Host == "" && req.Version == "HTTP/1.1" {
		return 0, fmt.Errorf("missing Host header")
	}
	return p.pos, nil
}

// parseRequestLine parses METHOD SP PATH SP VERSION CRLF.
func (p *Parser) parseRequestLine(req *Request) (bool, error) {
	lineEnd := bytes.Index(p.buf[p.pos:], crlf)
	if lineEnd == -1 {
		return false, nil
	}
	line := p.buf[p.pos : p.pos+lineEnd]
	p.pos += lineEnd + 2

	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) != 3 || len(parts[0]) == 0 || len(parts[1]) == 0 {
		return false, fmt.Errorf("invalid request line")
	}
	req.Method = string(parts[0])
	req.Path = string(parts[1])
	req.Version = string(parts[2])
	if req.Version != "HTTP/1.1" && req.Version != "HTTP/1.0" {
		return false, fmt.Errorf("unsupported HTTP version: %s", req.Version)
	}
	return true, nil
}

// parseHeaders parses header lines up to the empty line.
func (p *Parser) parseHeaders(req *Request) (bool, error) {
	for {
		lineEnd := bytes.Index(p.buf[p.pos:], crlf)
		if lineEnd == -1 {
			return false, nil
		}
		line := p.buf[p.pos : p.pos+lineEnd]
		p.pos += lineEnd + 2
		if len(line) == 0 {
			return true, nil
		}
		colonIdx := bytes.IndexByte(line, ':')
		if colonIdx <= 0 {
			return false, fmt.Errorf("invalid header line")
		}
		rawName := bytes.TrimSpace(line[:colonIdx])
		rawValue := bytes.TrimSpace(line[colonIdx+1:])
		if err := appendHeader(req, rawName, rawValue); err != nil {
			return false, err
		}
	}
}

func appendHeader(req *Request, rawName, rawValue []byte) error {
	var name string
	switch {
	case asciiEqualFold(rawName, "Host"):
		name = "host"
	case asciiEqualFold(rawName, "Content-Length"):
		name = "content-length"
	case asciiEqualFold(rawName, "Transfer-Encoding"):
		name = "transfer-encoding"
	case asciiEqualFold(rawName, "Connection"):
		name = "connection"
	default:
		name = strings.ToLower(string(rawName))
	}
	value := string(rawValue)
	req.Headers = append(req.Headers, [2]string{name, value})

	switch name {
	case "host":
		req.Host = value
	case "content-length":
		cl, err := strconv.ParseInt(value, 10, 64)
		if err != nil || cl < 0 {
			return fmt.Errorf("invalid content-length: %q", value)
		}
		if req.ChunkedEncoding {
			return nil
		}
		req.ContentLength = cl
	case "transfer-encoding":
		if asciiContainsFold(value, "chunked") {
			req.ChunkedEncoding = true
			req.ContentLength = -1
		}
	case "connection":
		if asciiContainsFold(value, "close") {
			req.KeepAlive = false
		} else if asciiContainsFold(value, "keep-alive") {
			req.KeepAlive = true
		}
	}
	return nil
}

// asciiEqualFold reports whether b equals s under ASCII case folding.
func asciiEqualFold(b []byte, s string) bool {
	if len(b) != len(s) {
		return false
	}
	for i := 0; i < len(b); i++ {
		if lower(b[i]) != lower(s[i]) {
			return false
		}
	}
	return true
}

// asciiContainsFold reports whether s contains sub under ASCII case folding.
func asciiContainsFold(s, sub string) bool {
	n, m := len(s), len(sub)
	for i := 0; i <= n-m; i++ {
		match := true
		for j := 0; j < m; j++ {
			if lower(s[i+j]) != lower(sub[j]) {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func lower(c byte) byte {
	if 'A' <= c && c <= 'Z' {
		return c | 0x20
	}
	return c
}

// ParseChunk decodes one chunk of a chunked body. consumed is 0 when more
// data is needed. last is set on the terminating zero-size chunk, after its
// trailer section has been consumed.
func (p *Parser) ParseChunk() (chunk []byte, consumed int, last bool, err error) {
	start := p.pos
	lineEnd := bytes.Index(p.buf[p.pos:], crlf)
	if lineEnd == -1 {
		return nil, 0, false, nil
	}
	sizeLine := p.buf[p.pos : p.pos+lineEnd]
	p.pos += lineEnd + 2

	if semi := bytes.IndexByte(sizeLine, ';'); semi != -1 {
		sizeLine = sizeLine[:semi]
	}
	size, err := strconv.ParseInt(string(bytes.TrimSpace(sizeLine)), 16, 64)
	if err != nil || size < 0 {
		return nil, 0, false, fmt.Errorf("invalid chunk size: %q", sizeLine)
	}

	if size == 0 {
		rest := p.buf[p.pos:]
		if bytes.HasPrefix(rest, crlf) {
			p.pos += 2
			return nil, p.pos - start, true, nil
		}
		end := bytes.Index(rest, []byte("\r\n\r\n"))
		if end == -1 {
			p.pos = start
			return nil, 0, false, nil
		}
		p.pos += end + 4
		return nil, p.pos - start, true, nil
	}

	if int64(len(p.buf)-p.pos) < size+2 {
		p.pos = start
		return nil, 0, false, nil
	}
	chunk = p.buf[p.pos : p.pos+int(size)]
	p.pos += int(size)
	if !bytes.HasPrefix(p.buf[p.pos:], crlf) {
		return nil, 0, false, fmt.Errorf("chunk not terminated by CRLF")
	}
	p.pos += 2
	return chunk, p.pos - start, false, nil
}
