// Package exchange holds the protocol-independent request/response model and the
// stream handler that answers every completed request with a fixed response.
package exchange

// PartKind tags a request or response part.
type PartKind uint8

const (
	// Head carries the status (responses) and header list.
	Head PartKind = iota
	// Body carries a chunk of payload bytes.
	Body
	// End marks the end of the message.
	End
)

func (k PartKind) String() string {
	switch k {
	case Head:
		return "head"
	case Body:
		return "body"
	case End:
		return "end"
	default:
		return "unknown"
	}
}

// RequestPart is one inbound piece of a request.
type RequestPart struct {
	Kind    PartKind
	Headers [][2]string
	Data    []byte
}

// ResponsePart is one outbound piece of a response.
type ResponsePart struct {
	Kind    PartKind
	Status  int
	Headers [][2]string
	Data    []byte
}

// Target is the sink for one exchange's response. It is implemented by an
// HTTP/2 stream and by an HTTP/1.1 connection.
type Target interface {
	// ID is the stream id, or the exchange id on HTTP/1.1.
	ID() uint32
	// Protocol returns the negotiated ALPN protocol.
	Protocol() string
	// WriteResponsePart queues part for the wire.
	WriteResponsePart(part ResponsePart) error
	// Flush pushes queued parts out and calls done once the End part was written.
	Flush(done func(error))
	// Finish marks the exchange complete.
	Finish()
	// Fail reports a fatal error for the scope owning the target.
	Fail(err error)
}

// Scheduler runs tasks on a later turn of the caller's event loop. Tasks never
// run inside the call to Schedule.
type Scheduler interface {
	Schedule(task func())
}
