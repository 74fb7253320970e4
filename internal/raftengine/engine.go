// Package raftengine runs the single-partition demo key/value state
// machine: a go.etcd.io/raft/v3 node whose committed entries each
// produce a protocol.CommandResponse and, for publishing commands, a
// protocol.PublishRequest, both handed to the configured AckFunc.
package raftengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"raftproxy/internal/protocol"
)

var ErrNotLeader = errors.New("raft leader required")

// AckFunc is invoked once per committed command, in log order, from
// the engine's own single run loop. resp always carries the outcome;
// pub is non-nil only when the command declared itself as publishing.
type AckFunc func(resp *protocol.CommandResponse, pub *protocol.PublishRequest)

type Config struct {
	NodeID              uint64
	Address             string
	PeerAddresses       map[uint64]string
	TickInterval        time.Duration
	ElectionTicks       int
	HeartbeatTicks      int
	MaxInflightMsgs     int
	MaxMessageSize      uint64
	Storage             *raft.MemoryStorage
	Ack                 AckFunc
	BootstrapNewCluster bool
}

// Engine runs one raft node holding a plain map[string][]byte state
// machine. It is deliberately not partitioned or sharded: the demo
// cluster exists to give clienttransport two real, causally related
// streams to sequence, not to demonstrate a scalable store.
type Engine struct {
	cfg       Config
	transport *tcpTransport
	node      raft.Node
	storage   *raft.MemoryStorage
	stopCh    chan struct{}
	wg        sync.WaitGroup

	mu          sync.Mutex
	kv          map[string][]byte
	eventIndex  uint64
	lastApplied uint64
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Storage == nil {
		cfg.Storage = raft.NewMemoryStorage()
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 20 * time.Millisecond
	}
	if cfg.ElectionTicks == 0 {
		cfg.ElectionTicks = 10
	}
	if cfg.HeartbeatTicks == 0 {
		cfg.HeartbeatTicks = 1
	}
	if cfg.MaxInflightMsgs == 0 {
		cfg.MaxInflightMsgs = 256
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = 1024 * 1024
	}

	e := &Engine{cfg: cfg, storage: cfg.Storage, stopCh: make(chan struct{}), kv: make(map[string][]byte)}
	t, err := newTCPTransport(cfg.NodeID, cfg.Address, cfg.PeerAddresses, func(msg raftpb.Message) {
		_ = e.node.Step(context.Background(), msg)
	})
	if err != nil {
		return nil, err
	}
	e.transport = t

	peers := make([]raft.Peer, 0, len(cfg.PeerAddresses))
	for id := range cfg.PeerAddresses {
		peers = append(peers, raft.Peer{ID: id})
	}

	rc := &raft.Config{
		ID:              cfg.NodeID,
		ElectionTick:    cfg.ElectionTicks,
		HeartbeatTick:   cfg.HeartbeatTicks,
		Storage:         e.storage,
		MaxSizePerMsg:   cfg.MaxMessageSize,
		MaxInflightMsgs: cfg.MaxInflightMsgs,
		CheckQuorum:     true,
		PreVote:         true,
	}
	if cfg.BootstrapNewCluster {
		e.node = raft.StartNode(rc, peers)
	} else {
		e.node = raft.RestartNode(rc)
	}
	return e, nil
}

func (e *Engine) Start() {
	e.wg.Add(1)
	go e.run()
}

func (e *Engine) Stop() error {
	close(e.stopCh)
	e.node.Stop()
	e.wg.Wait()
	return e.transport.close()
}

func (e *Engine) Leader() uint64 { return e.node.Status().Lead }

func (e *Engine) IsLeader() bool { return e.node.Status().RaftState == raft.StateLeader }

func (e *Engine) Propose(ctx context.Context, cmd Command) error {
	if e.node.Status().RaftState != raft.StateLeader {
		return fmt.Errorf("%w: leader=%d", ErrNotLeader, e.node.Status().Lead)
	}
	b, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return e.node.Propose(ctx, b)
}

func (e *Engine) run() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.node.Tick()
		case rd := <-e.node.Ready():
			if !raft.IsEmptySnap(rd.Snapshot) {
				_ = e.storage.ApplySnapshot(rd.Snapshot)
			}
			if !raft.IsEmptyHardState(rd.HardState) {
				_ = e.storage.SetHardState(rd.HardState)
			}
			_ = e.storage.Append(rd.Entries)
			for _, m := range rd.Messages {
				_ = e.transport.send(m.To, m)
			}
			for _, ent := range rd.CommittedEntries {
				if ent.Type != raftpb.EntryNormal || len(ent.Data) == 0 {
					continue
				}
				var cmd Command
				if err := json.Unmarshal(ent.Data, &cmd); err != nil {
					continue
				}
				e.apply(ent.Index, cmd)
			}
			e.node.Advance()
		}
	}
}

func (e *Engine) apply(index uint64, cmd Command) {
	e.mu.Lock()
	e.kv[cmd.Key] = cmd.Value
	e.lastApplied = index
	resp := &protocol.CommandResponse{Status: int32(protocol.StatusOK), Index: index, Payload: cmd.Value}
	var pub *protocol.PublishRequest
	if cmd.Publish {
		previous := e.eventIndex
		e.eventIndex = index
		resp.EventIndex = e.eventIndex
		pub = &protocol.PublishRequest{
			EventIndex:    e.eventIndex,
			PreviousIndex: previous,
			Events:        [][]byte{append([]byte(nil), cmd.Value...)},
		}
	}
	e.mu.Unlock()
	if e.cfg.Ack != nil {
		e.cfg.Ack(resp, pub)
	}
}

// Get reads the current value for key. It does not go through raft
// and does not check leadership; Query adds a leader check.
func (e *Engine) Get(key string) ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.kv[key]
	return v, ok
}

// Query is the leader-only read beside Get: it refuses to answer unless this node currently believes itself
// leader, then returns the value as of the last entry this node has
// applied. A raft leader can be stale for up to an election timeout
// after losing leadership without yet knowing it, so this is a
// best-effort leader check, not a ReadIndex barrier; a client relying
// on a stronger guarantee should route the read through Propose
// instead.
func (e *Engine) Query(key string) (*protocol.QueryResponse, error) {
	if e.node.Status().RaftState != raft.StateLeader {
		return nil, fmt.Errorf("%w: leader=%d", ErrNotLeader, e.node.Status().Lead)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	resp := &protocol.QueryResponse{Status: int32(protocol.StatusOK), Index: e.lastApplied, EventIndex: e.eventIndex}
	if v, ok := e.kv[key]; ok {
		resp.Payload = append([]byte(nil), v...)
	} else {
		resp.Status = int32(protocol.StatusError)
	}
	return resp, nil
}
