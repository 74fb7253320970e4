// Package sequencer reorders per-request responses and server-pushed
// events so that the application observes both streams in the exact
// order the state machine produced them, regardless of the order the
// transport delivered them.
//
// A Sequencer is bound to one client session and is not safe for
// concurrent use: every public method, and every completion closure it
// invokes, must run on the same single dispatcher goroutine. Nothing
// here suspends or blocks; each call drains as many pending items as
// the ordering contract allows before returning.
package sequencer

import (
	"raftproxy/internal/protocol"
	"raftproxy/internal/session"
)

type pendingResponse struct {
	sequence uint64
	response protocol.Response
	complete func()
}

type pendingEvent struct {
	eventIndex    uint64
	previousIndex uint64
	complete      func()
}

// Sequencer implements the ordering contract described by the module
// this package belongs to. It owns two containers (a sequence-keyed
// map of pending responses and a FIFO of pending events) and two
// scalar cursors (responseSequence, eventIndex), all seeded from the
// bound session's counters at construction.
type Sequencer struct {
	state *session.State

	requestSequence  uint64
	responseSequence uint64
	eventIndex       uint64

	responses map[uint64]*pendingResponse
	events    []*pendingEvent

	draining bool
}

// New binds a Sequencer to state, seeding its counters from it.
func New(state *session.State) *Sequencer {
	commandRequest := state.CommandRequest()
	return &Sequencer{
		state:            state,
		requestSequence:  commandRequest,
		responseSequence: commandRequest,
		eventIndex:       state.EventIndex(),
		responses:        make(map[uint64]*pendingResponse),
	}
}

// NextRequest allocates the next request sequence number and advances
// the session's CommandRequest counter to match. Never fails.
func (s *Sequencer) NextRequest() uint64 {
	s.requestSequence++
	s.state.SetCommandRequest(s.requestSequence)
	return s.requestSequence
}

// SequenceResponse admits a response for a previously allocated
// sequence. complete runs once the response reaches its ordering slot;
// it may run synchronously, before SequenceResponse returns, or be
// deferred behind pending events. A response whose sequence has
// already been delivered, or that was never allocated, is dropped
// silently.
func (s *Sequencer) SequenceResponse(seq uint64, response protocol.Response, complete func()) {
	if seq <= s.responseSequence || seq > s.requestSequence {
		return
	}
	s.responses[seq] = &pendingResponse{sequence: seq, response: response, complete: complete}
	s.drain()
}

// SequenceEvent admits a server-pushed event. The causal-gap check is
// against the highest event index this client has already admitted —
// delivered or merely queued — not only what has been drained to the
// application: a still-pending chain of queued events (§4.3's
// multi-event scenarios) must be able to extend itself before any of
// its members have fired. If ev.PreviousIndex implies a hole relative
// to that watermark, the event is dropped silently; the server is
// expected to retransmit.
func (s *Sequencer) SequenceEvent(ev *protocol.PublishRequest, complete func()) {
	watermark := s.eventIndex
	if n := len(s.events); n > 0 {
		watermark = s.events[n-1].eventIndex
	}
	if ev.PreviousIndex > watermark {
		return
	}
	s.events = append(s.events, &pendingEvent{eventIndex: ev.EventIndex, previousIndex: ev.PreviousIndex, complete: complete})
	s.drain()
}

// drain fires as many pending closures as the ordering contract
// allows. It is not reentrant: a closure that calls back into this
// Sequencer synchronously is a caller bug (see package doc); guarded
// here so the bug surfaces immediately instead of corrupting state.
func (s *Sequencer) drain() {
	if s.draining {
		panic("sequencer: drain is not reentrant")
	}
	s.draining = true
	defer func() { s.draining = false }()

	for {
		head, hasHead := s.responses[s.responseSequence+1]
		event, hasEvent := s.peekEvent()

		if hasHead && s.responseReady(head, event, hasEvent) {
			s.fireResponse(head)
			continue
		}
		if hasEvent && s.eventReady(event, head, hasHead) {
			s.fireEvent(event)
			continue
		}
		break
	}
}

func (s *Sequencer) peekEvent() (*pendingEvent, bool) {
	if len(s.events) == 0 {
		return nil, false
	}
	return s.events[0], true
}

// responseReady reports whether head may fire now. With a pending
// event queued, the response waits unless that event's index is
// already past the response's own event index (Case A, §4.3). With no
// event queued, the response only takes the empty-queue shortcut when
// its own event index cannot still be outstanding: either it is
// strictly behind its own applied index (any event it implies already
// predates it and is presumed delivered or lost), or the client has
// already observed events through that index. A response produced by
// its own command (event index equal to its applied index, both
// nonzero) otherwise holds until the matching event arrives.
func (s *Sequencer) responseReady(head *pendingResponse, event *pendingEvent, hasEvent bool) bool {
	respEventIndex := head.response.GetEventIndex()
	if hasEvent {
		return event.eventIndex > respEventIndex
	}
	return respEventIndex < head.response.GetIndex() || s.eventIndex >= respEventIndex
}

// eventReady reports whether event may fire now. With a pending
// response queued, the event fires when it is at or below that
// response's event index (ties favor the event, Case B, §4.3). With no
// response queued, the event only fires once there is truly no
// outstanding request awaiting a response that could still need to
// precede it.
func (s *Sequencer) eventReady(event *pendingEvent, head *pendingResponse, hasHead bool) bool {
	if hasHead {
		return event.eventIndex <= head.response.GetEventIndex()
	}
	return s.responseSequence == s.requestSequence
}

func (s *Sequencer) fireResponse(head *pendingResponse) {
	s.responseSequence = head.sequence
	s.state.SetResponseIndex(head.response.GetIndex())
	if respEventIndex := head.response.GetEventIndex(); respEventIndex > s.eventIndex {
		s.eventIndex = respEventIndex
		s.state.SetEventIndex(s.eventIndex)
	}
	delete(s.responses, head.sequence)
	head.complete()
}

func (s *Sequencer) fireEvent(event *pendingEvent) {
	s.eventIndex = event.eventIndex
	s.state.SetEventIndex(s.eventIndex)
	s.events = s.events[1:]
	event.complete()
}
