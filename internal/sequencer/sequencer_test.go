package sequencer

import (
	"testing"

	"raftproxy/internal/protocol"
	"raftproxy/internal/session"
)

func newTestSequencer() *Sequencer {
	return New(session.New("test", 0, 0, 0))
}

func cmdResp(index, eventIndex uint64) *protocol.CommandResponse {
	return &protocol.CommandResponse{Status: int32(protocol.StatusOK), Index: index, EventIndex: eventIndex}
}

func queryResp(index, eventIndex uint64) *protocol.QueryResponse {
	return &protocol.QueryResponse{Status: int32(protocol.StatusOK), Index: index, EventIndex: eventIndex}
}

func publish(eventIndex, previousIndex uint64) *protocol.PublishRequest {
	return &protocol.PublishRequest{SessionID: 1, EventIndex: eventIndex, PreviousIndex: previousIndex}
}

// order records the sequence in which completion closures actually run
// and asserts each one lands at the expected position.
type order struct {
	t   *testing.T
	run int
}

func (o *order) expect(want int) func() {
	return func() {
		o.t.Helper()
		if o.run != want {
			o.t.Fatalf("closure ran at position %d, want %d", o.run, want)
		}
		o.run++
	}
}

func TestSequenceEventBeforeCommand(t *testing.T) {
	s := newTestSequencer()
	seq := s.NextRequest()
	o := &order{t: t}

	s.SequenceEvent(publish(1, 0), o.expect(0))
	s.SequenceResponse(seq, cmdResp(2, 1), o.expect(1))

	if o.run != 2 {
		t.Fatalf("run = %d, want 2", o.run)
	}
}

func TestSequenceEventAfterCommand(t *testing.T) {
	s := newTestSequencer()
	seq := s.NextRequest()
	o := &order{t: t}

	s.SequenceResponse(seq, cmdResp(2, 1), o.expect(0))
	s.SequenceEvent(publish(1, 0), o.expect(1))

	if o.run != 2 {
		t.Fatalf("run = %d, want 2", o.run)
	}
}

func TestSequenceEventAtCommand(t *testing.T) {
	s := newTestSequencer()
	seq := s.NextRequest()
	o := &order{t: t}

	s.SequenceResponse(seq, cmdResp(2, 2), o.expect(1))
	s.SequenceEvent(publish(2, 0), o.expect(0))

	if o.run != 2 {
		t.Fatalf("run = %d, want 2", o.run)
	}
}

func TestSequenceEventAfterAllCommands(t *testing.T) {
	s := newTestSequencer()
	seq := s.NextRequest()
	o := &order{t: t}

	s.SequenceEvent(publish(2, 0), o.expect(0))
	s.SequenceEvent(publish(3, 2), o.expect(2))
	s.SequenceResponse(seq, cmdResp(2, 2), o.expect(1))

	if o.run != 3 {
		t.Fatalf("run = %d, want 3", o.run)
	}
}

func TestSequenceEventAbsentCommand(t *testing.T) {
	s := newTestSequencer()
	o := &order{t: t}

	s.SequenceEvent(publish(2, 0), o.expect(0))
	s.SequenceEvent(publish(3, 2), o.expect(1))

	if o.run != 2 {
		t.Fatalf("run = %d, want 2", o.run)
	}
}

func TestSequenceResponses(t *testing.T) {
	s := newTestSequencer()
	seq1 := s.NextRequest()
	seq2 := s.NextRequest()
	if seq2 != seq1+1 {
		t.Fatalf("seq2 = %d, want %d", seq2, seq1+1)
	}

	var ran bool
	s.SequenceResponse(seq2, queryResp(2, 0), func() { ran = true })
	s.SequenceResponse(seq1, cmdResp(2, 0), func() {
		if ran {
			t.Fatalf("seq2 fired before seq1")
		}
	})
	if !ran {
		t.Fatalf("seq2 never fired")
	}
}

func TestSequenceMissingEvent(t *testing.T) {
	state := session.New("test", 0, 15, 5)
	s := New(state)
	o := &order{t: t}

	seq := s.NextRequest()
	s.SequenceResponse(seq, cmdResp(20, 10), o.expect(0))
	s.SequenceEvent(publish(25, 5), o.expect(1))

	if o.run != 2 {
		t.Fatalf("run = %d, want 2", o.run)
	}
	if s.eventIndex != 25 {
		t.Fatalf("eventIndex = %d, want 25", s.eventIndex)
	}
	if s.responseSequence != seq {
		t.Fatalf("responseSequence = %d, want %d", s.responseSequence, seq)
	}
}

// TestSequenceEventAfterMissingEventResponse covers the "event after
// response, no overlap in indices" scenario: a response fires through
// the no-pending-event fast path implying an event that hasn't arrived
// yet, and a later event chained off that missing event's index must
// not be flagged as a causal gap just because no event at that index
// ever fired.
func TestSequenceEventAfterMissingEventResponse(t *testing.T) {
	s := newTestSequencer()
	o := &order{t: t}

	seq := s.NextRequest()
	s.SequenceResponse(seq, cmdResp(2, 1), o.expect(0))
	if s.eventIndex != 1 {
		t.Fatalf("eventIndex after missing-event response = %d, want 1", s.eventIndex)
	}

	s.SequenceEvent(publish(2, 1), o.expect(1))
	if o.run != 2 {
		t.Fatalf("run = %d, want 2", o.run)
	}
}

func TestSequenceMultipleMissingEvents(t *testing.T) {
	state := session.New("test", 0, 1, 5)
	s := New(state)
	o := &order{t: t}

	seq1 := s.NextRequest()
	seq2 := s.NextRequest()

	s.SequenceResponse(seq2, cmdResp(20, 10), o.expect(1))
	s.SequenceResponse(seq1, cmdResp(18, 8), o.expect(0))
	s.SequenceEvent(publish(25, 5), o.expect(2))
	s.SequenceEvent(publish(28, 8), o.expect(3))

	if o.run != 4 {
		t.Fatalf("run = %d, want 4", o.run)
	}
}

// Boundary and idempotence properties from the ordering contract.

func TestDropsResponseForNeverAllocatedSequence(t *testing.T) {
	s := newTestSequencer()
	fired := false
	s.SequenceResponse(5, cmdResp(1, 0), func() { fired = true })
	if fired {
		t.Fatalf("response for unallocated sequence fired")
	}
	if _, ok := s.responses[5]; ok {
		t.Fatalf("response for unallocated sequence was retained")
	}
}

func TestDropsAlreadyDeliveredResponse(t *testing.T) {
	s := newTestSequencer()
	seq := s.NextRequest()
	s.SequenceResponse(seq, cmdResp(1, 0), func() {})

	fired := false
	s.SequenceResponse(seq, cmdResp(1, 0), func() { fired = true })
	if fired {
		t.Fatalf("re-admitted stale response fired")
	}
}

func TestDropsCausalGapEvent(t *testing.T) {
	s := newTestSequencer()
	fired := false
	s.SequenceEvent(publish(10, 5), func() { fired = true })
	if fired {
		t.Fatalf("event with causal gap fired")
	}
	if len(s.events) != 0 {
		t.Fatalf("event with causal gap was retained")
	}
}

func TestAdmitsEventAtExactWatermark(t *testing.T) {
	s := newTestSequencer()
	fired := false
	// previousIndex == eventIndex (0) is the boundary that must admit.
	s.SequenceEvent(publish(1, 0), func() { fired = true })
	if !fired {
		t.Fatalf("event at exact watermark was dropped")
	}
}

func TestQueryWithNoEventsNeverBlocks(t *testing.T) {
	s := newTestSequencer()
	seq := s.NextRequest()
	fired := false
	s.SequenceResponse(seq, queryResp(9, 0), func() { fired = true })
	if !fired {
		t.Fatalf("query response with eventIndex 0 was held")
	}
}

func TestDrainIsIdempotent(t *testing.T) {
	s := newTestSequencer()
	seq := s.NextRequest()
	count := 0
	s.SequenceResponse(seq, cmdResp(1, 0), func() { count++ })
	s.drain()
	s.drain()
	if count != 1 {
		t.Fatalf("closure fired %d times, want 1", count)
	}
}

func TestReentrantDrainPanics(t *testing.T) {
	s := newTestSequencer()
	seq1 := s.NextRequest()
	seq2 := s.NextRequest()
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on reentrant drain")
		}
	}()
	s.SequenceResponse(seq1, cmdResp(1, 0), func() {
		s.SequenceResponse(seq2, cmdResp(2, 0), func() {})
	})
}

func TestCounterMonotonicity(t *testing.T) {
	state := session.New("test", 0, 0, 0)
	s := New(state)

	seq1 := s.NextRequest()
	s.SequenceEvent(publish(1, 0), func() {})
	s.SequenceResponse(seq1, cmdResp(1, 1), func() {})

	if got := state.ResponseIndex(); got != 1 {
		t.Fatalf("session ResponseIndex = %d, want 1", got)
	}
	if got := state.EventIndex(); got != 1 {
		t.Fatalf("session EventIndex = %d, want 1", got)
	}

	seq2 := s.NextRequest()
	s.SequenceResponse(seq2, cmdResp(1, 1), func() {})
	if got := state.ResponseIndex(); got != 1 {
		t.Fatalf("session ResponseIndex regressed to %d", got)
	}
}
