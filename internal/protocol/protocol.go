// Package protocol defines the wire messages the sequencer consumes:
// command/query responses and server-pushed publish (event) requests.
// Message types follow the legacy protobuf-by-reflection idiom (struct
// tags plus Reset/String/ProtoMessage, no generated .pb.go).
package protocol

import "github.com/golang/protobuf/proto"

// Status is the outcome the server attached to a response. The
// sequencer never inspects it; it is delivered to the application
// verbatim (spec §7: "Response carries failure status ... the
// sequencer does not distinguish").
type Status int32

const (
	StatusOK    Status = 0
	StatusError Status = 1
)

// ResponseKind distinguishes the two response variants; the sequencer
// treats them identically (spec §9's "Polymorphic response kinds").
type ResponseKind int32

const (
	KindCommand ResponseKind = 0
	KindQuery   ResponseKind = 1
)

// Response is the common surface the sequencer reads from either
// response variant.
type Response interface {
	proto.Message
	Kind() ResponseKind
	GetIndex() uint64
	GetEventIndex() uint64
	GetStatus() Status
}

// CommandResponse is returned for a write that advanced the state
// machine.
type CommandResponse struct {
	Status     int32  `protobuf:"varint,1,opt,name=status,proto3"`
	Index      uint64 `protobuf:"varint,2,opt,name=index,proto3"`
	EventIndex uint64 `protobuf:"varint,3,opt,name=event_index,json=eventIndex,proto3"`
	Payload    []byte `protobuf:"bytes,4,opt,name=payload,proto3"`
}

func (*CommandResponse) Reset()         {}
func (*CommandResponse) String() string { return "CommandResponse" }
func (*CommandResponse) ProtoMessage()  {}

func (r *CommandResponse) Kind() ResponseKind    { return KindCommand }
func (r *CommandResponse) GetIndex() uint64      { return r.Index }
func (r *CommandResponse) GetEventIndex() uint64 { return r.EventIndex }
func (r *CommandResponse) GetStatus() Status     { return Status(r.Status) }

// QueryResponse is returned for a read. Index carries the last state
// machine index the read observed, not one it produced; a read that
// observed no events has EventIndex == 0 and never blocks on the
// event queue (spec §8 boundary behavior).
type QueryResponse struct {
	Status     int32  `protobuf:"varint,1,opt,name=status,proto3"`
	Index      uint64 `protobuf:"varint,2,opt,name=index,proto3"`
	EventIndex uint64 `protobuf:"varint,3,opt,name=event_index,json=eventIndex,proto3"`
	Payload    []byte `protobuf:"bytes,4,opt,name=payload,proto3"`
}

func (*QueryResponse) Reset()         {}
func (*QueryResponse) String() string { return "QueryResponse" }
func (*QueryResponse) ProtoMessage()  {}

func (r *QueryResponse) Kind() ResponseKind    { return KindQuery }
func (r *QueryResponse) GetIndex() uint64      { return r.Index }
func (r *QueryResponse) GetEventIndex() uint64 { return r.EventIndex }
func (r *QueryResponse) GetStatus() Status     { return Status(r.Status) }

// PublishRequest is a server-pushed notification of one or more state
// machine events. PreviousIndex is the event index the server claims
// immediately precedes EventIndex; the sequencer uses it to detect a
// gap in delivery.
type PublishRequest struct {
	SessionID     uint64   `protobuf:"varint,1,opt,name=session_id,json=sessionId,proto3"`
	EventIndex    uint64   `protobuf:"varint,2,opt,name=event_index,json=eventIndex,proto3"`
	PreviousIndex uint64   `protobuf:"varint,3,opt,name=previous_index,json=previousIndex,proto3"`
	Events        [][]byte `protobuf:"bytes,4,rep,name=events,proto3"`
}

func (*PublishRequest) Reset()         {}
func (*PublishRequest) String() string { return "PublishRequest" }
func (*PublishRequest) ProtoMessage()  {}
