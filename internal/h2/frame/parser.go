// Package frame reads and writes HTTP/2 frames on top of golang.org/x/net/http2.
package frame

import (
	"bytes"
	"errors"
	"io"

	"github.com/albertbausili/xeno/internal/errsink"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// ClientPreface is the connection preface every HTTP/2 client sends first.
const ClientPreface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

const (
	headerLen = 9
	// DefaultMaxFrameSize is the RFC 9113 initial SETTINGS_MAX_FRAME_SIZE.
	DefaultMaxFrameSize = 16384
	// MaxFrameSizeLimit is the largest legal SETTINGS_MAX_FRAME_SIZE.
	MaxFrameSizeLimit = 1<<24 - 1
	// DefaultMaxHeaderListSize bounds a request's header block.
	DefaultMaxHeaderListSize = 1 << 20
	headerTableSize          = 4096
)

// ErrPreface is returned when the client preface does not match.
var ErrPreface = errors.New("invalid client preface")

// bufferReader exposes the parser's buffer to the framer. It reports
// io.ErrUnexpectedEOF when empty so a short read is never mistaken for EOF.
type bufferReader struct {
	buf *bytes.Buffer
}

func (r *bufferReader) Read(p []byte) (int, error) {
	if r.buf.Len() == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	return r.buf.Read(p)
}

// Parser accumulates decrypted bytes and yields complete frames. HEADERS and
// their CONTINUATION frames are returned as one *http2.MetaHeadersFrame.
type Parser struct {
	buf      bytes.Buffer
	framer   *http2.Framer
	maxFrame uint32
	maxBlock uint32
	preface  bool
}

// NewParser creates a parser that accepts frames up to maxFrameSize bytes and
// header blocks up to maxHeaderListSize bytes, both encoded and decoded.
func NewParser(maxFrameSize, maxHeaderListSize uint32) *Parser {
	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	if maxHeaderListSize == 0 {
		maxHeaderListSize = DefaultMaxHeaderListSize
	}
	p := &Parser{maxFrame: maxFrameSize, maxBlock: maxHeaderListSize}
	p.framer = http2.NewFramer(io.Discard, &bufferReader{buf: &p.buf})
	p.framer.SetMaxReadFrameSize(maxFrameSize)
	p.framer.ReadMetaHeaders = hpack.NewDecoder(headerTableSize, nil)
	p.framer.MaxHeaderListSize = maxHeaderListSize
	return p
}

// Feed appends decrypted bytes.
func (p *Parser) Feed(b []byte) { p.buf.Write(b) }

// Buffered returns the number of unconsumed bytes.
func (p *Parser) Buffered() int { return p.buf.Len() }

// ReadPreface consumes the client preface. It returns false until the whole
// preface has arrived and fails as soon as a received byte differs.
func (p *Parser) ReadPreface() (bool, error) {
	if p.preface {
		return true, nil
	}
	b := p.buf.Bytes()
	n := min(len(b), len(ClientPreface))
	if !bytes.Equal(b[:n], []byte(ClientPreface[:n])) {
		return false, errsink.NewProtocolError("%v", ErrPreface)
	}
	if n < len(ClientPreface) {
		return false, nil
	}
	p.buf.Next(len(ClientPreface))
	p.preface = true
	return true, nil
}

// Next returns the next complete frame, or nil when more bytes are needed.
// Frame payloads are only valid until the following call.
func (p *Parser) Next() (http2.Frame, error) {
	n, err := unitLen(p.buf.Bytes(), p.maxFrame, p.maxBlock)
	if err != nil || n == 0 {
		return nil, err
	}
	f, err := p.framer.ReadFrame()
	if err != nil {
		return nil, classify(err, p.framer.ErrorDetail())
	}
	return f, nil
}

// unitLen returns the byte length of the next frame, extended over the
// CONTINUATION frames of an unfinished header block, or 0 if incomplete. A
// header block is rejected as soon as its declared size passes maxBlock.
func unitLen(b []byte, maxFrame, maxBlock uint32) (int, error) {
	off := 0
	first := true
	var block uint64
	for {
		if len(b)-off < headerLen {
			return 0, nil
		}
		length := uint32(b[off])<<16 | uint32(b[off+1])<<8 | uint32(b[off+2])
		if length > maxFrame {
			return 0, &errsink.ProtocolError{Code: http2.ErrCodeFrameSize, Reason: "frame exceeds SETTINGS_MAX_FRAME_SIZE"}
		}
		typ := http2.FrameType(b[off+3])
		flags := http2.Flags(b[off+4])
		if !first && typ == http2.FrameContinuation {
			block += uint64(length)
			if block > uint64(maxBlock) {
				return 0, &errsink.ProtocolError{Code: http2.ErrCodeEnhanceYourCalm, Reason: "header block exceeds SETTINGS_MAX_HEADER_LIST_SIZE"}
			}
		}
		end := off + headerLen + int(length)
		if len(b) < end {
			return 0, nil
		}
		off = end

		var more bool
		if first {
			more = (typ == http2.FrameHeaders || typ == http2.FramePushPromise) && flags&http2.FlagHeadersEndHeaders == 0
		} else {
			more = typ == http2.FrameContinuation && flags&http2.FlagContinuationEndHeaders == 0
		}
		if !more {
			return off, nil
		}
		if first {
			block = uint64(length)
		}
		first = false
	}
}

func classify(err error, detail error) error {
	reason := err.Error()
	if detail != nil {
		reason = detail.Error()
	}
	var ce http2.ConnectionError
	if errors.As(err, &ce) {
		return &errsink.ProtocolError{Code: http2.ErrCode(ce), Reason: reason}
	}
	var se http2.StreamError
	if errors.As(err, &se) {
		return &errsink.ProtocolError{StreamID: se.StreamID, Code: se.Code, Reason: reason}
	}
	if errors.Is(err, http2.ErrFrameTooLarge) {
		return &errsink.ProtocolError{Code: http2.ErrCodeFrameSize, Reason: reason}
	}
	return &errsink.ProtocolError{Code: http2.ErrCodeProtocol, Reason: reason}
}
