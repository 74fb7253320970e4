package clienttransport

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"testing"
	"time"

	"raftproxy/internal/protocol"
	"raftproxy/internal/session"
)

func writeTestFrame(t *testing.T, w net.Conn, tag protocol.FrameTag, seq uint64, payload []byte) {
	t.Helper()
	frame := make([]byte, 9+len(payload))
	frame[0] = byte(tag)
	binary.BigEndian.PutUint64(frame[1:9], seq)
	copy(frame[9:], payload)
	if err := WriteFrame(w, frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// TestRunSequencesInterleavedFrames drives a Dispatcher over a
// net.Pipe with a hand-built leader connection, feeding it an event
// frame followed by a command response frame whose eventIndex ties
// the event to it. The event must still surface before the response.
func TestRunSequencesInterleavedFrames(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	d := NewDispatcher(session.New("s1", 0, 0, 0))
	d.mu.Lock()
	d.conn = client
	d.mu.Unlock()

	seq := d.seq.NextRequest()

	var order []string
	done := make(chan struct{})
	record := func(label string) {
		order = append(order, label)
		if len(order) == 2 {
			close(done)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = d.Run(ctx,
			func(*protocol.CommandResponse) { record("command") },
			nil,
			func(*protocol.PublishRequest) { record("event") },
		)
	}()

	pubPayload, err := protocol.MarshalMessage(&protocol.PublishRequest{EventIndex: 1, PreviousIndex: 0})
	if err != nil {
		t.Fatalf("marshal publish: %v", err)
	}
	writeTestFrame(t, server, protocol.FramePublishRequest, 0, pubPayload)

	respPayload, err := protocol.MarshalMessage(&protocol.CommandResponse{Status: int32(protocol.StatusOK), Index: 2, EventIndex: 1})
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	writeTestFrame(t, server, protocol.FrameCommandResponse, seq, respPayload)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for both frames to sequence")
	}

	if len(order) != 2 || order[0] != "event" || order[1] != "command" {
		t.Fatalf("order = %v, want [event command]", order)
	}
}

func TestDialPinsSessionRouteToFirstAddress(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	d := NewDispatcher(session.New("s1", 0, 0, 0))
	if err := d.Dial(context.Background(), ln.Addr().String()); err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer d.Close()

	route, ok := d.Route()
	if !ok {
		t.Fatalf("expected route to be pinned after dial")
	}
	if route.Address != ln.Addr().String() {
		t.Fatalf("route address = %s, want %s", route.Address, ln.Addr().String())
	}
}

func TestDialRepinsSessionRouteOnDifferentAddress(t *testing.T) {
	lnA, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer lnA.Close()
	lnB, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer lnB.Close()
	for _, ln := range []net.Listener{lnA, lnB} {
		go func(ln net.Listener) {
			for {
				conn, err := ln.Accept()
				if err != nil {
					return
				}
				defer conn.Close()
			}
		}(ln)
	}

	d := NewDispatcher(session.New("s1", 0, 0, 0))
	if err := d.Dial(context.Background(), lnA.Addr().String()); err != nil {
		t.Fatalf("dial a: %v", err)
	}
	if err := d.Dial(context.Background(), lnB.Addr().String()); err != nil {
		t.Fatalf("dial b: %v", err)
	}
	defer d.Close()

	route, ok := d.Route()
	if !ok {
		t.Fatalf("expected route to be pinned")
	}
	if route.Address != lnB.Addr().String() {
		t.Fatalf("route address = %s, want repinned to %s", route.Address, lnB.Addr().String())
	}
}

// TestRunSequencesQueryResponse exercises the query half of the frame
// tag switch in Run, which TestRunSequencesInterleavedFrames never
// touches: a lone FrameQueryResponse frame must decode and reach
// onQuery, the same way a command response reaches onCommand.
func TestRunSequencesQueryResponse(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	d := NewDispatcher(session.New("s1", 0, 0, 0))
	d.mu.Lock()
	d.conn = client
	d.mu.Unlock()

	seq := d.seq.NextRequest()

	got := make(chan *protocol.QueryResponse, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = d.Run(ctx,
			nil,
			func(resp *protocol.QueryResponse) { got <- resp },
			nil,
		)
	}()

	payload, err := protocol.MarshalMessage(&protocol.QueryResponse{Status: int32(protocol.StatusOK), Index: 5, Payload: []byte("value")})
	if err != nil {
		t.Fatalf("marshal query response: %v", err)
	}
	writeTestFrame(t, server, protocol.FrameQueryResponse, seq, payload)

	select {
	case resp := <-got:
		if resp.Index != 5 || string(resp.Payload) != "value" {
			t.Fatalf("unexpected query response: %+v", resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for query response to sequence")
	}
}

func TestSubmitAllocatesSequenceAndWritesFrame(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	d := NewDispatcher(session.New("s1", 0, 0, 0))
	d.mu.Lock()
	d.conn = client
	d.mu.Unlock()

	readErr := make(chan error, 1)
	var got uint64
	go func() {
		reader := bufio.NewReader(server)
		frame, err := ReadFrame(reader)
		if err != nil {
			readErr <- err
			return
		}
		if len(frame) < 8 {
			readErr <- fmt.Errorf("frame too short: %d bytes", len(frame))
			return
		}
		got = binary.BigEndian.Uint64(frame[:8])
		readErr <- nil
	}()

	seq, err := d.Submit(context.Background(), []byte("hello"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if seq != 1 {
		t.Fatalf("seq = %d, want 1", seq)
	}

	if err := <-readErr; err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if got != seq {
		t.Fatalf("frame sequence = %d, want %d", got, seq)
	}
}
