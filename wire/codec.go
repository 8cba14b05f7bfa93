package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec defines how records and events are turned into bytes.
type Codec interface {
	// Name returns the codec identifier, e.g. "msgpack" or "json".
	Name() string

	EncodeRecords(records *Records) ([]byte, error)
	DecodeRecords(data []byte) (*Records, error)

	EncodeEvent(event *Event) ([]byte, error)
	DecodeEvent(data []byte) (*Event, error)
}

// ErrDecode is wrapped by every decoding failure, so callers can tell corrupt
// data from storage failures.
var ErrDecode = errors.New("decode failed")

// Codec names.
const (
	CodecNameMsgpack = "msgpack"
	CodecNameJSON    = "json"
)

// DefaultCodec is the compact binary codec used when none is configured.
var DefaultCodec Codec = &MsgpackCodec{}

// GetCodec returns a codec by name. An empty name selects the default.
func GetCodec(name string) (Codec, error) {
	switch name {
	case CodecNameMsgpack, "":
		return &MsgpackCodec{}, nil
	case CodecNameJSON:
		return &JSONCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// MsgpackCodec encodes records and events as MessagePack.
type MsgpackCodec struct{}

func (c *MsgpackCodec) Name() string { return CodecNameMsgpack }

func (c *MsgpackCodec) EncodeRecords(records *Records) ([]byte, error) {
	return msgpack.Marshal(records)
}

func (c *MsgpackCodec) DecodeRecords(data []byte) (*Records, error) {
	var r Records
	if err := msgpack.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: records: %w", ErrDecode, err)
	}
	return &r, nil
}

func (c *MsgpackCodec) EncodeEvent(event *Event) ([]byte, error) {
	return msgpack.Marshal(event)
}

func (c *MsgpackCodec) DecodeEvent(data []byte) (*Event, error) {
	var e Event
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: event: %w", ErrDecode, err)
	}
	return &e, nil
}

// JSONCodec encodes records and events as JSON. Useful when stored history
// needs to be inspected by hand.
type JSONCodec struct{}

func (c *JSONCodec) Name() string { return CodecNameJSON }

func (c *JSONCodec) EncodeRecords(records *Records) ([]byte, error) {
	return json.Marshal(records)
}

func (c *JSONCodec) DecodeRecords(data []byte) (*Records, error) {
	var r Records
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: records: %w", ErrDecode, err)
	}
	return &r, nil
}

func (c *JSONCodec) EncodeEvent(event *Event) ([]byte, error) {
	return json.Marshal(event)
}

func (c *JSONCodec) DecodeEvent(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: event: %w", ErrDecode, err)
	}
	return &e, nil
}
