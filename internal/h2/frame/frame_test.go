package frame

import (
	"bytes"
	"testing"

	"github.com/albertbausili/xeno/internal/errsink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
)

func requestBlock(t *testing.T, extra int) []byte {
	t.Helper()
	enc := NewHeaderEncoder()
	headers := [][2]string{
		{":method", "GET"},
		{":scheme", "https"},
		{":path", "/"},
		{":authority", "localhost"},
	}
	for i := 0; i < extra; i++ {
		headers = append(headers, [2]string{"x-filler", string(bytes.Repeat([]byte{'a' + byte(i%26)}, 64))})
	}
	block, err := enc.Encode(0, headers)
	require.NoError(t, err)
	return block
}

func TestParserPreface(t *testing.T) {
	p := NewParser(0, 0)
	p.Feed([]byte(ClientPreface[:10]))
	ok, err := p.ReadPreface()
	require.NoError(t, err)
	assert.False(t, ok)

	p.Feed([]byte(ClientPreface[10:]))
	ok, err = p.ReadPreface()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, p.Buffered())
}

func TestParserRejectsBadPreface(t *testing.T) {
	p := NewParser(0, 0)
	p.Feed([]byte("GET / HTTP/1.1\r\n"))
	_, err := p.ReadPreface()
	var pe *errsink.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http2.ErrCodeProtocol, pe.Code)
}

func TestParserWaitsForCompleteFrames(t *testing.T) {
	var out bytes.Buffer
	w := NewWriter(&out)
	require.NoError(t, w.WriteHeaders(1, false, requestBlock(t, 0), 0))
	require.NoError(t, w.WriteData(1, true, []byte("payload")))

	p := NewParser(0, 0)
	wire := out.Bytes()
	var frames []http2.Frame
	for i := range wire {
		p.Feed(wire[i : i+1])
		f, err := p.Next()
		require.NoError(t, err)
		if f == nil {
			continue
		}
		if df, ok := f.(*http2.DataFrame); ok {
			assert.Equal(t, "payload", string(df.Data()))
		}
		frames = append(frames, f)
	}
	require.Len(t, frames, 2)
	mh, ok := frames[0].(*http2.MetaHeadersFrame)
	require.True(t, ok)
	assert.Equal(t, "GET", mh.PseudoValue("method"))
	assert.False(t, mh.StreamEnded())
	assert.True(t, frames[1].Header().Flags.Has(http2.FlagDataEndStream))
}

func TestParserJoinsContinuation(t *testing.T) {
	var out bytes.Buffer
	w := NewWriter(&out)
	block := requestBlock(t, 40)
	require.Greater(t, len(block), 256)
	require.NoError(t, w.WriteHeaders(3, true, block, 256))

	p := NewParser(0, 0)
	wire := out.Bytes()
	// Everything except the final byte: the block is not complete yet.
	p.Feed(wire[:len(wire)-1])
	f, err := p.Next()
	require.NoError(t, err)
	assert.Nil(t, f)

	p.Feed(wire[len(wire)-1:])
	f, err = p.Next()
	require.NoError(t, err)
	mh, ok := f.(*http2.MetaHeadersFrame)
	require.True(t, ok)
	assert.Equal(t, uint32(3), mh.StreamID)
	assert.True(t, mh.StreamEnded())
	assert.Len(t, mh.RegularFields(), 40)
}

func TestParserFrameTooLarge(t *testing.T) {
	var out bytes.Buffer
	w := NewWriter(&out)
	require.NoError(t, w.WriteData(1, false, make([]byte, DefaultMaxFrameSize+1)))

	p := NewParser(DefaultMaxFrameSize, 0)
	p.Feed(out.Bytes()[:headerLen])
	_, err := p.Next()
	var pe *errsink.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http2.ErrCodeFrameSize, pe.Code)
}

func TestParserMalformedFrame(t *testing.T) {
	var out bytes.Buffer
	// DATA on stream 0 is a connection error; the raw write skips the framer's checks.
	require.NoError(t, http2.NewFramer(&out, nil).WriteRawFrame(http2.FrameData, 0, 0, []byte("x")))

	p := NewParser(0, 0)
	p.Feed(out.Bytes())
	_, err := p.Next()
	var pe *errsink.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http2.ErrCodeProtocol, pe.Code)
}

func TestParserBoundsHeaderBlock(t *testing.T) {
	const limit = 64 << 10
	var out bytes.Buffer
	fr := http2.NewFramer(&out, nil)
	fragment := make([]byte, DefaultMaxFrameSize)

	p := NewParser(0, limit)
	require.NoError(t, fr.WriteRawFrame(http2.FrameHeaders, 0, 1, fragment))
	p.Feed(out.Bytes())
	out.Reset()

	var err error
	for i := 0; i < 4000 && err == nil; i++ {
		require.NoError(t, fr.WriteContinuation(1, false, fragment))
		p.Feed(out.Bytes())
		out.Reset()

		var f http2.Frame
		f, err = p.Next()
		require.Nil(t, f)
	}
	var pe *errsink.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http2.ErrCodeEnhanceYourCalm, pe.Code)
	assert.LessOrEqual(t, p.Buffered(), limit+2*(DefaultMaxFrameSize+headerLen))
}

func TestParserDefaultHeaderListSize(t *testing.T) {
	p := NewParser(0, 0)
	assert.Equal(t, uint32(DefaultMaxHeaderListSize), p.maxBlock)
	assert.Equal(t, uint32(DefaultMaxHeaderListSize), p.framer.MaxHeaderListSize)
}

func TestWriterSkipsEmptyData(t *testing.T) {
	var out bytes.Buffer
	w := NewWriter(&out)
	require.NoError(t, w.WriteData(1, false, nil))
	assert.Zero(t, out.Len())
	require.NoError(t, w.WriteData(1, true, nil))
	assert.Equal(t, headerLen, out.Len())
}

func TestHeaderEncoderStatus(t *testing.T) {
	var out bytes.Buffer
	w := NewWriter(&out)
	enc := NewHeaderEncoder()
	block, err := enc.Encode(200, [][2]string{{"server", "Xeno"}})
	require.NoError(t, err)
	require.NoError(t, w.WriteHeaders(1, false, block, 0))

	fr := http2.NewFramer(nil, &out)
	fr.ReadMetaHeaders = nil
	f, err := fr.ReadFrame()
	require.NoError(t, err)
	hf, ok := f.(*http2.HeadersFrame)
	require.True(t, ok)
	assert.True(t, hf.HeadersEnded())
}
