package notify

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec names accepted in configuration
const (
	CodecJSON    = "json"
	CodecMsgpack = "msgpack"
)

// Codec serializes notifications for the broker.
type Codec interface {
	Encode(msg Message) ([]byte, error)
	Decode(data []byte) (Message, error)
	ContentType() string
	Name() string
}

// GetCodec returns a codec by name. An empty name selects JSON.
func GetCodec(name string) (Codec, error) {
	switch name {
	case CodecJSON, "":
		return JSONCodec{}, nil
	case CodecMsgpack:
		return MsgpackCodec{}, nil
	}
	return nil, fmt.Errorf("unknown notification codec %q", name)
}

type JSONCodec struct{}

func (JSONCodec) Encode(msg Message) ([]byte, error) { return json.Marshal(msg) }

func (JSONCodec) Decode(data []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(data, &m)
	return m, err
}

func (JSONCodec) ContentType() string { return "application/json" }
func (JSONCodec) Name() string        { return CodecJSON }

type MsgpackCodec struct{}

func (MsgpackCodec) Encode(msg Message) ([]byte, error) { return msgpack.Marshal(msg) }

func (MsgpackCodec) Decode(data []byte) (Message, error) {
	var m Message
	err := msgpack.Unmarshal(data, &m)
	return m, err
}

func (MsgpackCodec) ContentType() string { return "application/msgpack" }
func (MsgpackCodec) Name() string        { return CodecMsgpack }
