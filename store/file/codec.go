package file

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/Benjamindaoson/agentic-delivery-os-sub002/queue"
)

// Codec defines the serialization contract for snapshot documents.
type Codec interface {
	// Encode serializes a snapshot to bytes.
	Encode(snap *queue.Snapshot) ([]byte, error)

	// Decode deserializes bytes into a snapshot.
	Decode(data []byte) (*queue.Snapshot, error)

	// Name returns the codec identifier, doubling as the file extension.
	Name() string
}

// CodecName constants.
const (
	CodecNameJSON    = "json"
	CodecNameMsgpack = "msgpack"
)

// GetCodec returns a codec by name. Defaults to JSON.
func GetCodec(name string) Codec {
	switch name {
	case CodecNameMsgpack:
		return &MsgpackCodec{}
	default:
		return &JSONCodec{}
	}
}

// JSONCodec encodes snapshots as indented JSON, readable for debugging.
type JSONCodec struct{}

func (c *JSONCodec) Encode(snap *queue.Snapshot) ([]byte, error) {
	return json.MarshalIndent(snap, "", "  ")
}

func (c *JSONCodec) Decode(data []byte) (*queue.Snapshot, error) {
	var s queue.Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *JSONCodec) Name() string { return CodecNameJSON }

// MsgpackCodec encodes snapshots as MessagePack, compact for large queues.
type MsgpackCodec struct{}

func (c *MsgpackCodec) Encode(snap *queue.Snapshot) ([]byte, error) {
	return msgpack.Marshal(snap)
}

func (c *MsgpackCodec) Decode(data []byte) (*queue.Snapshot, error) {
	var s queue.Snapshot
	if err := msgpack.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *MsgpackCodec) Name() string { return CodecNameMsgpack }
