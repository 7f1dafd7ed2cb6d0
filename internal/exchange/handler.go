package exchange

import (
	"github.com/albertbausili/xeno/internal/errsink"
	"golang.org/x/net/http2"
)

// State is the lifecycle position of one exchange.
type State uint8

const (
	StateAwaitingHead State = iota
	StateAwaitingBody
	StateRequestComplete
	StateResponseScheduled
	StateResponseSent
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingHead:
		return "awaiting-head"
	case StateAwaitingBody:
		return "awaiting-body"
	case StateRequestComplete:
		return "request-complete"
	case StateResponseScheduled:
		return "response-scheduled"
	case StateResponseSent:
		return "response-sent"
	default:
		return "closed"
	}
}

// Handler drives one exchange. The request is drained and ignored; once it
// ends, the fixed response is written from a task on a later loop turn so that
// no write happens inside the callback that delivered the request.
//
// A Handler is confined to its connection's event loop.
type Handler struct {
	target   Target
	sched    Scheduler
	resp     Response
	state    State
	received int
}

// NewHandler creates a handler for a freshly opened exchange.
func NewHandler(target Target, sched Scheduler, resp Response) *Handler {
	return &Handler{target: target, sched: sched, resp: resp}
}

// State returns the current lifecycle state.
func (h *Handler) State() State { return h.state }

// Received returns the number of request body bytes drained.
func (h *Handler) Received() int { return h.received }

// Deliver feeds the next request part.
func (h *Handler) Deliver(part RequestPart) error {
	switch part.Kind {
	case Head:
		if h.state != StateAwaitingHead {
			return h.outOfOrder(part.Kind)
		}
		h.state = StateAwaitingBody
	case Body:
		if h.state != StateAwaitingBody {
			return h.outOfOrder(part.Kind)
		}
		h.received += len(part.Data)
	case End:
		if h.state != StateAwaitingBody {
			return h.outOfOrder(part.Kind)
		}
		h.state = StateRequestComplete
		h.sched.Schedule(h.respond)
		h.state = StateResponseScheduled
	default:
		return h.outOfOrder(part.Kind)
	}
	return nil
}

// Cancel abandons the exchange. A scheduled response becomes a no-op.
func (h *Handler) Cancel() {
	h.state = StateClosed
}

func (h *Handler) outOfOrder(kind PartKind) error {
	return &errsink.ProtocolError{
		StreamID: h.target.ID(),
		Code:     http2.ErrCodeProtocol,
		Reason:   "request " + kind.String() + " in state " + h.state.String(),
	}
}

func (h *Handler) respond() {
	if h.state != StateResponseScheduled {
		return
	}
	id := h.target.ID()
	for _, part := range h.resp.Parts(id) {
		if err := h.target.WriteResponsePart(part); err != nil {
			h.fail(err)
			return
		}
	}
	h.target.Flush(func(err error) {
		if h.state != StateResponseScheduled {
			return
		}
		if err != nil {
			h.fail(err)
			return
		}
		h.state = StateResponseSent
		h.target.Finish()
		h.state = StateClosed
	})
}

func (h *Handler) fail(err error) {
	h.state = StateClosed
	h.target.Fail(&errsink.ResponseWriteError{StreamID: h.target.ID(), Err: err})
}
