package protocol

import (
	"fmt"

	"github.com/golang/protobuf/proto"
)

// Frame tags identify which message follows the length prefix on the
// wire.
type FrameTag byte

const (
	FrameCommandResponse FrameTag = 1
	FrameQueryResponse   FrameTag = 2
	FramePublishRequest  FrameTag = 3
)

func MarshalMessage(msg proto.Message) ([]byte, error) { return proto.Marshal(msg) }

func UnmarshalCommandResponse(payload []byte) (*CommandResponse, error) {
	var r CommandResponse
	if err := proto.Unmarshal(payload, &r); err != nil {
		return nil, fmt.Errorf("unmarshal command response: %w", err)
	}
	return &r, nil
}

func UnmarshalQueryResponse(payload []byte) (*QueryResponse, error) {
	var r QueryResponse
	if err := proto.Unmarshal(payload, &r); err != nil {
		return nil, fmt.Errorf("unmarshal query response: %w", err)
	}
	return &r, nil
}

func UnmarshalPublishRequest(payload []byte) (*PublishRequest, error) {
	var p PublishRequest
	if err := proto.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("unmarshal publish request: %w", err)
	}
	return &p, nil
}
