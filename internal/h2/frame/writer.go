package frame

import (
	"bytes"
	"io"
	"strconv"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// Writer serializes frames into w. It is not safe for concurrent use; a
// connection's writer lives on that connection's event loop.
type Writer struct {
	framer *http2.Framer
}

// NewWriter creates a frame writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{framer: http2.NewFramer(w, nil)}
}

// WriteSettings writes a SETTINGS frame.
func (w *Writer) WriteSettings(settings ...http2.Setting) error {
	return w.framer.WriteSettings(settings...)
}

// WriteSettingsAck writes a SETTINGS acknowledgment.
func (w *Writer) WriteSettingsAck() error {
	return w.framer.WriteSettingsAck()
}

// WriteHeaders writes a header block as HEADERS followed by as many
// CONTINUATION frames as maxFrameSize requires.
func (w *Writer) WriteHeaders(streamID uint32, endStream bool, headerBlock []byte, maxFrameSize uint32) error {
	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}

	remaining := headerBlock
	first := true
	for first || len(remaining) > 0 {
		n := min(len(remaining), int(maxFrameSize))
		frag := remaining[:n]
		remaining = remaining[n:]

		if first {
			var flags http2.Flags
			if endStream {
				flags |= http2.FlagHeadersEndStream
			}
			if len(remaining) == 0 {
				flags |= http2.FlagHeadersEndHeaders
			}
			if err := w.framer.WriteRawFrame(http2.FrameHeaders, flags, streamID, frag); err != nil {
				return err
			}
			first = false
			continue
		}

		var flags http2.Flags
		if len(remaining) == 0 {
			flags |= http2.FlagContinuationEndHeaders
		}
		if err := w.framer.WriteRawFrame(http2.FrameContinuation, flags, streamID, frag); err != nil {
			return err
		}
	}
	return nil
}

// WriteData writes a DATA frame. Empty frames without END_STREAM are dropped.
func (w *Writer) WriteData(streamID uint32, endStream bool, data []byte) error {
	if len(data) == 0 && !endStream {
		return nil
	}
	return w.framer.WriteData(streamID, endStream, data)
}

// WriteWindowUpdate writes a WINDOW_UPDATE frame.
func (w *Writer) WriteWindowUpdate(streamID, increment uint32) error {
	return w.framer.WriteWindowUpdate(streamID, increment)
}

// WriteRSTStream writes a RST_STREAM frame.
func (w *Writer) WriteRSTStream(streamID uint32, code http2.ErrCode) error {
	return w.framer.WriteRSTStream(streamID, code)
}

// WriteGoAway writes a GOAWAY frame.
func (w *Writer) WriteGoAway(lastStreamID uint32, code http2.ErrCode, debugData []byte) error {
	return w.framer.WriteGoAway(lastStreamID, code, debugData)
}

// WritePing writes a PING frame.
func (w *Writer) WritePing(ack bool, data [8]byte) error {
	return w.framer.WritePing(ack, data)
}

// HeaderEncoder encodes header lists with HPACK. The dynamic table is per
// connection, so one encoder serves all streams of a connection in order.
type HeaderEncoder struct {
	encoder *hpack.Encoder
	buf     bytes.Buffer
}

// NewHeaderEncoder creates an encoder.
func NewHeaderEncoder() *HeaderEncoder {
	e := &HeaderEncoder{}
	e.encoder = hpack.NewEncoder(&e.buf)
	return e
}

// Encode returns the header block for the status and headers. A status of 0
// omits the :status pseudo header (trailers).
func (e *HeaderEncoder) Encode(status int, headers [][2]string) ([]byte, error) {
	e.buf.Reset()
	if status != 0 {
		if err := e.encoder.WriteField(hpack.HeaderField{Name: ":status", Value: strconv.Itoa(status)}); err != nil {
			return nil, err
		}
	}
	for _, h := range headers {
		if err := e.encoder.WriteField(hpack.HeaderField{Name: h[0], Value: h[1]}); err != nil {
			return nil, err
		}
	}
	out := make([]byte, e.buf.Len())
	copy(out, e.buf.Bytes())
	return out, nil
}

// SetMaxDynamicTableSize applies the peer's SETTINGS_HEADER_TABLE_SIZE.
func (e *HeaderEncoder) SetMaxDynamicTableSize(v uint32) {
	e.encoder.SetMaxDynamicTableSizeLimit(v)
}
