// Package session holds the per-client Raft session identity and the
// three monotonic counters the sequencer reads and advances.
package session

import "sync"

// State is shared between the sequencer, the dispatch loop, and any
// out-of-process observer (metrics, session keep-alive). The sequencer
// itself is single-threaded, but State is read from more than one
// goroutine, so it carries its own lock.
type State struct {
	SessionID   string
	Address     string
	ServiceType string

	mu             sync.Mutex
	commandRequest uint64
	responseIndex  uint64
	eventIndex     uint64
}

// New seeds a session at the counters a resumed session (or a fresh
// one, all zero) starts from.
func New(sessionID string, commandRequest, responseIndex, eventIndex uint64) *State {
	return &State{
		SessionID:      sessionID,
		commandRequest: commandRequest,
		responseIndex:  responseIndex,
		eventIndex:     eventIndex,
	}
}

func (s *State) CommandRequest() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commandRequest
}

func (s *State) ResponseIndex() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.responseIndex
}

func (s *State) EventIndex() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eventIndex
}

// SetCommandRequest advances commandRequest to max(current, seq).
func (s *State) SetCommandRequest(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.commandRequest {
		s.commandRequest = seq
	}
}

// SetResponseIndex advances responseIndex to max(current, index).
func (s *State) SetResponseIndex(index uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index > s.responseIndex {
		s.responseIndex = index
	}
}

// SetEventIndex advances eventIndex to max(current, index).
func (s *State) SetEventIndex(index uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index > s.eventIndex {
		s.eventIndex = index
	}
}
