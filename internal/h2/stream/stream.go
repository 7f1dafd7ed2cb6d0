// Package stream tracks HTTP/2 stream state and turns inbound frames into
// per-stream request parts.
package stream

import (
	"errors"

	"github.com/albertbausili/xeno/internal/exchange"
)

// State is an HTTP/2 stream state (RFC 9113 §5.1). Reserved states are never
// entered because the server does not push.
type State int

// Stream states.
const (
	StateIdle State = iota
	StateOpen
	StateHalfClosedLocal
	StateHalfClosedRemote
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpen:
		return "open"
	case StateHalfClosedLocal:
		return "half-closed (local)"
	case StateHalfClosedRemote:
		return "half-closed (remote)"
	default:
		return "closed"
	}
}

// Phase is the response progress of a stream, used to enforce write order.
type Phase int

const (
	// PhaseInit means no response part was queued yet.
	PhaseInit Phase = iota
	// PhaseHeaders means the response head was queued.
	PhaseHeaders
	// PhaseBody means at least one body part was queued.
	PhaseBody
	// PhaseEnded means the End part was queued.
	PhaseEnded
)

var (
	// ErrStreamClosed is returned when writing to a reset or closed stream.
	ErrStreamClosed = errors.New("stream closed")
	// ErrWriteOrder is returned for a response part out of Head, Body, End order.
	ErrWriteOrder = errors.New("response part out of order")
)

// Stream is one HTTP/2 stream. It is confined to its connection's event loop.
type Stream struct {
	ID      uint32
	State   State
	Phase   Phase
	Handler *exchange.Handler

	// SendWindow is the peer's flow-control window for this stream.
	SendWindow int32
	recvWindow int32

	// Pending holds queued response parts not yet fully framed; Sent is the
	// number of bytes of Pending[0].Data already framed.
	Pending []exchange.ResponsePart
	Sent    int
	// OnWritten runs once the End part has been handed to the wire.
	OnWritten func(error)

	received    int
	contentLen  int64
	hasLen      bool
	closedLocal bool
}

// Enqueue appends a response part, enforcing Head, Body*, End order.
func (s *Stream) Enqueue(part exchange.ResponsePart) error {
	if s.State == StateClosed || s.State == StateIdle {
		return ErrStreamClosed
	}
	switch part.Kind {
	case exchange.Head:
		if s.Phase != PhaseInit {
			return ErrWriteOrder
		}
		s.Phase = PhaseHeaders
	case exchange.Body:
		if s.Phase != PhaseHeaders && s.Phase != PhaseBody {
			return ErrWriteOrder
		}
		s.Phase = PhaseBody
	case exchange.End:
		if s.Phase != PhaseHeaders && s.Phase != PhaseBody {
			return ErrWriteOrder
		}
		s.Phase = PhaseEnded
	default:
		return ErrWriteOrder
	}
	s.Pending = append(s.Pending, part)
	return nil
}

// HasPending reports whether response parts are waiting to be framed.
func (s *Stream) HasPending() bool { return len(s.Pending) > 0 }

// Drop discards queued output, e.g. after the peer reset the stream.
func (s *Stream) Drop() {
	s.Pending = nil
	s.Sent = 0
	s.OnWritten = nil
}

// Received returns the number of request body bytes seen on this stream.
func (s *Stream) Received() int { return s.received }

// Manager owns the streams of one connection and the connection-level
// flow-control state. It is confined to the connection's event loop.
type Manager struct {
	streams          map[uint32]*Stream
	lastClientStream uint32
	maxStreams       uint32
	active           uint32

	// send side, governed by the peer's settings
	sendWindow        int32
	peerInitialWindow uint32
	peerMaxFrame      uint32

	// receive side, governed by our settings
	recvWindow         int32
	localInitialWindow uint32
}

// NewManager creates a manager. localWindow is the stream receive window we
// advertise.
func NewManager(maxStreams, localWindow uint32) *Manager {
	return &Manager{
		streams:            make(map[uint32]*Stream),
		maxStreams:         maxStreams,
		sendWindow:         initialWindow,
		peerInitialWindow:  initialWindow,
		peerMaxFrame:       16384,
		recvWindow:         initialWindow,
		localInitialWindow: localWindow,
	}
}

const (
	initialWindow = 65535
	maxWindow     = 1<<31 - 1
)

// Get returns an open stream by id.
func (m *Manager) Get(id uint32) (*Stream, bool) {
	s, ok := m.streams[id]
	return s, ok
}

// Open creates a stream in the open state. It returns false when
// MAX_CONCURRENT_STREAMS would be exceeded.
func (m *Manager) Open(id uint32) (*Stream, bool) {
	if id > m.lastClientStream {
		m.lastClientStream = id
	}
	if m.active >= m.maxStreams {
		return nil, false
	}
	s := &Stream{
		ID:         id,
		State:      StateOpen,
		SendWindow: int32(m.peerInitialWindow),
		recvWindow: int32(m.localInitialWindow),
	}
	m.streams[id] = s
	m.active++
	return s, true
}

// Close moves a stream to closed and forgets it. Its id stays consumed.
func (m *Manager) Close(s *Stream) {
	if s.State == StateClosed {
		return
	}
	s.State = StateClosed
	if _, ok := m.streams[s.ID]; ok {
		delete(m.streams, s.ID)
		m.active--
	}
}

// CloseRemote records the peer's END_STREAM.
func (m *Manager) CloseRemote(s *Stream) {
	switch s.State {
	case StateOpen:
		s.State = StateHalfClosedRemote
	case StateHalfClosedLocal:
		m.Close(s)
	}
}

// CloseLocal records our END_STREAM.
func (m *Manager) CloseLocal(s *Stream) {
	switch s.State {
	case StateOpen:
		s.State = StateHalfClosedLocal
	case StateHalfClosedRemote:
		m.Close(s)
	}
}

// Active returns the number of open or half-closed streams.
func (m *Manager) Active() int { return int(m.active) }

// LastStreamID returns the highest client stream id seen.
func (m *Manager) LastStreamID() uint32 { return m.lastClientStream }

// IsIdle reports whether id has never been used by the client.
func (m *Manager) IsIdle(id uint32) bool { return id > m.lastClientStream }

// Each calls fn for every live stream.
func (m *Manager) Each(fn func(*Stream)) {
	for _, s := range m.streams {
		fn(s)
	}
}

// SendWindows returns the connection send window, the stream send window and
// the peer's max frame size.
func (m *Manager) SendWindows(s *Stream) (conn, stream int32, maxFrame uint32) {
	return m.sendWindow, s.SendWindow, m.peerMaxFrame
}

// ConsumeSendWindow charges n bytes of DATA against both windows.
func (m *Manager) ConsumeSendWindow(s *Stream, n int32) {
	if n <= 0 {
		return
	}
	m.sendWindow -= n
	s.SendWindow -= n
}

// GrowRecvWindow raises the connection receive window after we sent a
// connection-level WINDOW_UPDATE of n bytes.
func (m *Manager) GrowRecvWindow(n uint32) { m.recvWindow += int32(n) }

// PeerMaxFrame returns the peer's SETTINGS_MAX_FRAME_SIZE.
func (m *Manager) PeerMaxFrame() uint32 { return m.peerMaxFrame }
