package stream

import (
	"errors"

	"github.com/albertbausili/xeno/internal/errsink"
	"github.com/albertbausili/xeno/internal/exchange"
	"github.com/albertbausili/xeno/internal/h2/frame"
	"golang.org/x/net/http2"
)

// Conn is the connection side of a Processor.
type Conn interface {
	// NewHandler creates the exchange handler for a newly opened stream.
	NewHandler(s *Stream) *exchange.Handler
	// WindowsChanged is called when send windows grew or the frame size changed.
	WindowsChanged()
	// StreamReset is called after a stream was reset by either side.
	StreamReset(s *Stream)
	// SetHeaderTableSize applies the peer's SETTINGS_HEADER_TABLE_SIZE.
	SetHeaderTableSize(v uint32)
}

// Processor applies inbound frames to the stream manager and delivers request
// parts to each stream's handler. Control frames it answers (SETTINGS ACK,
// PING ACK, WINDOW_UPDATE, RST_STREAM) are written to the frame writer.
type Processor struct {
	manager    *Manager
	writer     *frame.Writer
	conn       Conn
	peerGoAway bool
}

// NewProcessor creates a processor.
func NewProcessor(m *Manager, w *frame.Writer, conn Conn) *Processor {
	return &Processor{manager: m, writer: w, conn: conn}
}

// Manager returns the stream manager.
func (p *Processor) Manager() *Manager { return p.manager }

// Process handles one frame. Any returned error is a *errsink.ProtocolError or
// a write failure and is fatal to the connection.
func (p *Processor) Process(f http2.Frame) error {
	switch f := f.(type) {
	case *http2.MetaHeadersFrame:
		return p.handleHeaders(f)
	case *http2.DataFrame:
		return p.handleData(f)
	case *http2.SettingsFrame:
		return p.handleSettings(f)
	case *http2.WindowUpdateFrame:
		return p.handleWindowUpdate(f)
	case *http2.RSTStreamFrame:
		return p.handleRSTStream(f)
	case *http2.PingFrame:
		if f.IsAck() {
			return nil
		}
		return p.writer.WritePing(true, f.Data)
	case *http2.GoAwayFrame:
		p.peerGoAway = true
		return nil
	case *http2.PriorityFrame:
		if f.StreamDep == f.StreamID {
			return &errsink.ProtocolError{StreamID: f.StreamID, Code: http2.ErrCodeProtocol, Reason: "stream depends on itself"}
		}
		return nil
	case *http2.PushPromiseFrame:
		return errsink.NewProtocolError("client sent PUSH_PROMISE")
	default:
		// Unknown frame types are ignored (RFC 9113 §4.1).
		return nil
	}
}

func (p *Processor) handleHeaders(f *http2.MetaHeadersFrame) error {
	id := f.StreamID
	if f.HasPriority() && f.Priority.StreamDep == id {
		return &errsink.ProtocolError{StreamID: id, Code: http2.ErrCodeProtocol, Reason: "stream depends on itself"}
	}
	if f.Truncated {
		return &errsink.ProtocolError{StreamID: id, Code: http2.ErrCodeProtocol, Reason: "header list too large"}
	}

	if s, ok := p.manager.Get(id); ok {
		if s.State != StateOpen && s.State != StateHalfClosedLocal {
			return &errsink.ProtocolError{StreamID: id, Code: http2.ErrCodeStreamClosed, Reason: "HEADERS on half-closed stream"}
		}
		if !f.StreamEnded() {
			return &errsink.ProtocolError{StreamID: id, Code: http2.ErrCodeProtocol, Reason: "trailers without END_STREAM"}
		}
		if err := validateTrailerHeaders(f.Fields); err != nil {
			return &errsink.ProtocolError{StreamID: id, Code: http2.ErrCodeProtocol, Reason: err.Error()}
		}
		return p.endRemote(s)
	}

	if id%2 == 0 {
		return &errsink.ProtocolError{StreamID: id, Code: http2.ErrCodeProtocol, Reason: "client sent even-numbered stream id"}
	}
	if !p.manager.IsIdle(id) {
		return &errsink.ProtocolError{StreamID: id, Code: http2.ErrCodeStreamClosed, Reason: "HEADERS on closed stream"}
	}
	if err := validateRequestHeaders(f.Fields); err != nil {
		return &errsink.ProtocolError{StreamID: id, Code: http2.ErrCodeProtocol, Reason: err.Error()}
	}
	contentLen, hasLen, err := declaredContentLength(f.Fields)
	if err != nil {
		return &errsink.ProtocolError{StreamID: id, Code: http2.ErrCodeProtocol, Reason: err.Error()}
	}

	s, ok := p.manager.Open(id)
	if !ok {
		return p.writer.WriteRSTStream(id, http2.ErrCodeRefusedStream)
	}
	if p.peerGoAway {
		p.manager.Close(s)
		return p.writer.WriteRSTStream(id, http2.ErrCodeRefusedStream)
	}
	s.contentLen, s.hasLen = contentLen, hasLen
	s.Handler = p.conn.NewHandler(s)

	if err := s.Handler.Deliver(exchange.RequestPart{Kind: exchange.Head, Headers: toPairs(f.Fields)}); err != nil {
		return err
	}
	if f.StreamEnded() {
		return p.endRemote(s)
	}
	return nil
}

func (p *Processor) endRemote(s *Stream) error {
	if s.hasLen && int64(s.received) != s.contentLen {
		return &errsink.ProtocolError{StreamID: s.ID, Code: http2.ErrCodeProtocol, Reason: "content-length does not match body length"}
	}
	p.manager.CloseRemote(s)
	return s.Handler.Deliver(exchange.RequestPart{Kind: exchange.End})
}

func (p *Processor) handleData(f *http2.DataFrame) error {
	id := f.StreamID
	s, ok := p.manager.Get(id)
	if !ok {
		if p.manager.IsIdle(id) {
			return &errsink.ProtocolError{StreamID: id, Code: http2.ErrCodeProtocol, Reason: "DATA on idle stream"}
		}
		return &errsink.ProtocolError{StreamID: id, Code: http2.ErrCodeStreamClosed, Reason: "DATA on closed stream"}
	}
	if s.State != StateOpen && s.State != StateHalfClosedLocal {
		return &errsink.ProtocolError{StreamID: id, Code: http2.ErrCodeStreamClosed, Reason: "DATA on half-closed stream"}
	}

	// Padding counts against flow control, so charge the full frame length.
	n := int32(f.Length)
	m := p.manager
	if n > m.recvWindow || n > s.recvWindow {
		return &errsink.ProtocolError{StreamID: id, Code: http2.ErrCodeFlowControl, Reason: "peer exceeded receive window"}
	}
	m.recvWindow -= n
	s.recvWindow -= n

	data := f.Data()
	s.received += len(data)
	if s.hasLen && int64(s.received) > s.contentLen {
		return &errsink.ProtocolError{StreamID: id, Code: http2.ErrCodeProtocol, Reason: "body exceeds content-length"}
	}
	if err := s.Handler.Deliver(exchange.RequestPart{Kind: exchange.Body, Data: data}); err != nil {
		return err
	}

	if n > 0 {
		if err := p.writer.WriteWindowUpdate(0, uint32(n)); err != nil {
			return err
		}
		m.recvWindow += n
		if !f.StreamEnded() {
			if err := p.writer.WriteWindowUpdate(id, uint32(n)); err != nil {
				return err
			}
			s.recvWindow += n
		}
	}

	if f.StreamEnded() {
		return p.endRemote(s)
	}
	return nil
}

func (p *Processor) handleSettings(f *http2.SettingsFrame) error {
	if f.IsAck() {
		return nil
	}
	m := p.manager
	err := f.ForeachSetting(func(s http2.Setting) error {
		if err := s.Valid(); err != nil {
			var ce http2.ConnectionError
			if errors.As(err, &ce) {
				return &errsink.ProtocolError{Code: http2.ErrCode(ce), Reason: "invalid " + s.ID.String()}
			}
			return errsink.NewProtocolError("invalid %v", s.ID)
		}
		switch s.ID {
		case http2.SettingHeaderTableSize:
			p.conn.SetHeaderTableSize(s.Val)
		case http2.SettingInitialWindowSize:
			delta := int64(s.Val) - int64(m.peerInitialWindow)
			m.peerInitialWindow = s.Val
			for _, st := range m.streams {
				next := int64(st.SendWindow) + delta
				if next > maxWindow {
					return &errsink.ProtocolError{Code: http2.ErrCodeFlowControl, Reason: "stream window overflow"}
				}
				st.SendWindow = int32(next)
			}
		case http2.SettingMaxFrameSize:
			m.peerMaxFrame = s.Val
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := p.writer.WriteSettingsAck(); err != nil {
		return err
	}
	p.conn.WindowsChanged()
	return nil
}

func (p *Processor) handleWindowUpdate(f *http2.WindowUpdateFrame) error {
	m := p.manager
	if f.StreamID == 0 {
		next := int64(m.sendWindow) + int64(f.Increment)
		if next > maxWindow {
			return &errsink.ProtocolError{Code: http2.ErrCodeFlowControl, Reason: "connection window overflow"}
		}
		m.sendWindow = int32(next)
		p.conn.WindowsChanged()
		return nil
	}

	s, ok := m.Get(f.StreamID)
	if !ok {
		if m.IsIdle(f.StreamID) {
			return &errsink.ProtocolError{StreamID: f.StreamID, Code: http2.ErrCodeProtocol, Reason: "WINDOW_UPDATE on idle stream"}
		}
		// Allowed on recently closed streams.
		return nil
	}
	next := int64(s.SendWindow) + int64(f.Increment)
	if next > maxWindow {
		return p.Reset(s, http2.ErrCodeFlowControl)
	}
	s.SendWindow = int32(next)
	p.conn.WindowsChanged()
	return nil
}

func (p *Processor) handleRSTStream(f *http2.RSTStreamFrame) error {
	s, ok := p.manager.Get(f.StreamID)
	if !ok {
		if p.manager.IsIdle(f.StreamID) {
			return &errsink.ProtocolError{StreamID: f.StreamID, Code: http2.ErrCodeProtocol, Reason: "RST_STREAM on idle stream"}
		}
		return nil
	}
	p.cancel(s)
	return nil
}

// Reset sends RST_STREAM for s and cancels its exchange.
func (p *Processor) Reset(s *Stream, code http2.ErrCode) error {
	p.cancel(s)
	return p.writer.WriteRSTStream(s.ID, code)
}

func (p *Processor) cancel(s *Stream) {
	if s.Handler != nil {
		s.Handler.Cancel()
	}
	s.Drop()
	p.manager.Close(s)
	p.conn.StreamReset(s)
}
