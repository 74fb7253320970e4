// Package clienttransport dials the current cluster leader, frames
// requests and responses over TCP, and feeds decoded server messages
// into a bound sequencer.Sequencer so the application observes one
// correctly ordered stream regardless of transport delivery order.
package clienttransport

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"raftproxy/internal/protocol"
	"raftproxy/internal/sequencer"
	"raftproxy/internal/session"
)

// MaxFrameSize bounds a single frame written by WriteFrame or read by
// ReadFrame (8 MiB).
const MaxFrameSize = 8 << 20

// WriteFrame and ReadFrame use the same length-prefixed framing idiom
// used throughout this module: a 4-byte big-endian length prefix
// followed by the payload.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d", len(payload))
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func ReadFrame(r *bufio.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	sz := binary.BigEndian.Uint32(header)
	if sz == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	if sz > MaxFrameSize {
		return nil, fmt.Errorf("frame too large: %d", sz)
	}
	payload := make([]byte, int(sz))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// ErrNoLeader is returned when Dial cannot reach the leader after its
// single retry.
var ErrNoLeader = errors.New("clienttransport: no reachable cluster leader")

// Dispatcher owns the sequencer bound to one session and the single
// TCP connection to the cluster's current leader. Per the ordering
// contract's single-dispatcher-goroutine rule, only the goroutine
// calling Run may invoke Submit or the sequencer, directly or
// indirectly, for the lifetime of a Run call.
type Dispatcher struct {
	seq    *sequencer.Sequencer
	state  *session.State
	router *Router

	mu   sync.Mutex
	conn net.Conn
}

func NewDispatcher(state *session.State) *Dispatcher {
	return &Dispatcher{seq: sequencer.New(state), state: state, router: NewRouter()}
}

// Dial connects to addr, retrying once after a fixed delay. Leader
// discovery and a general reconnection policy are out of scope; a
// caller that needs more wraps Dial in its own retry loop. The
// session's route is pinned to addr on its first successful Dial and
// repinned if a later Dial call lands on a different address (the
// caller's own leader-discovery redial).
func (d *Dispatcher) Dial(ctx context.Context, addr string) error {
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		select {
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
		conn, err = dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrNoLeader, err)
		}
	}
	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()

	if existing, ok := d.router.Route(d.state.SessionID); ok && existing.Address != addr {
		d.router.Repin(d.state.SessionID, addr, time.Now())
	} else if !ok {
		d.router.EnsureRoute(d.state.SessionID, addr, time.Now())
	}
	return nil
}

// Route returns the cluster address this dispatcher's session is
// currently pinned to, if it has dialed successfully at least once.
func (d *Dispatcher) Route() (SessionRoute, bool) {
	return d.router.Route(d.state.SessionID)
}

// Submit allocates the next request sequence and writes it to the
// leader connection; the caller correlates the eventual response
// frame against the returned sequence.
func (d *Dispatcher) Submit(ctx context.Context, payload []byte) (uint64, error) {
	seq := d.seq.NextRequest()
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return seq, fmt.Errorf("clienttransport: not connected")
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	frame := encodeRequestFrame(seq, payload)
	if err := WriteFrame(conn, frame); err != nil {
		return seq, fmt.Errorf("submit sequence %d: %w", seq, err)
	}
	return seq, nil
}

func encodeRequestFrame(seq uint64, payload []byte) []byte {
	buf := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint64(buf[:8], seq)
	copy(buf[8:], payload)
	return buf
}

// Run drains frames from the leader connection until ctx is canceled
// or the connection closes. Each frame is [tag byte][8-byte sequence,
// unused for publish frames][payload]; the decoded value and a
// completion closure calling the matching callback are handed to the
// sequencer, which decides when the closure actually runs.
func (d *Dispatcher) Run(ctx context.Context, onCommand func(*protocol.CommandResponse), onQuery func(*protocol.QueryResponse), onEvent func(*protocol.PublishRequest)) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("clienttransport: not connected")
	}
	reader := bufio.NewReader(conn)
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	for {
		frame, err := ReadFrame(reader)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if len(frame) < 9 {
			continue
		}
		tag := protocol.FrameTag(frame[0])
		seq := binary.BigEndian.Uint64(frame[1:9])
		payload := frame[9:]
		switch tag {
		case protocol.FrameCommandResponse:
			resp, err := protocol.UnmarshalCommandResponse(payload)
			if err != nil {
				continue
			}
			d.seq.SequenceResponse(seq, resp, func() {
				if onCommand != nil {
					onCommand(resp)
				}
			})
		case protocol.FrameQueryResponse:
			resp, err := protocol.UnmarshalQueryResponse(payload)
			if err != nil {
				continue
			}
			d.seq.SequenceResponse(seq, resp, func() {
				if onQuery != nil {
					onQuery(resp)
				}
			})
		case protocol.FramePublishRequest:
			pub, err := protocol.UnmarshalPublishRequest(payload)
			if err != nil {
				continue
			}
			d.seq.SequenceEvent(pub, func() {
				if onEvent != nil {
					onEvent(pub)
				}
			})
		}
	}
}

func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	return d.conn.Close()
}
