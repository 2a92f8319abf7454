package protocol

import (
	"encoding/json"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

// Serializer 消息体序列化器
type Serializer interface {
	Marshal(msg Message) ([]byte, error)
	Unmarshal(data []byte, msg Message) error
}

type jsonSerializer struct{}

func (jsonSerializer) Marshal(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

func (jsonSerializer) Unmarshal(data []byte, msg Message) error {
	return json.Unmarshal(data, msg)
}

type msgpackSerializer struct {
	handle *codec.MsgpackHandle
}

func newMsgpackSerializer() *msgpackSerializer {
	return &msgpackSerializer{handle: &codec.MsgpackHandle{}}
}

func (m *msgpackSerializer) Marshal(msg Message) ([]byte, error) {
	var out []byte
	if err := codec.NewEncoderBytes(&out, m.handle).Encode(msg); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *msgpackSerializer) Unmarshal(data []byte, msg Message) error {
	return codec.NewDecoderBytes(data, m.handle).Decode(msg)
}

var serializers = map[CodecType]Serializer{
	CodecJSON:    jsonSerializer{},
	CodecMsgpack: newMsgpackSerializer(),
}

// SerializerFor 获取对应的序列化器
func SerializerFor(c CodecType) (Serializer, bool) {
	s, ok := serializers[c]
	return s, ok
}
