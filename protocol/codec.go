package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// 帧格式(大端序)
//
//	0     2            6         7             8       9            10   14              16
//	+-----+------------+---------+-------------+-------+------------+----+---------------+---------+------+
//	|magic| totalLength| version | messageType | codec | compressor | id | headMapLength | headMap | body |
//	+-----+------------+---------+-------------+-------+------------+----+---------------+---------+------+
//
// headMap: 逐项写入 keyLen(u16) key valLen(u16) val, key 按字典序排列
// body:    typeCode(u16) + 序列化后的消息体, 整体按 compressor 压缩

// Codec 帧编解码器, 无状态, 可并发使用
type Codec struct {
	// 默认序列化方式, 报文未指定时使用
	DefaultCodec CodecType
	// 默认压缩方式, 报文未指定时使用
	DefaultCompressor CompressorType
	// 单帧最大长度
	MaxFrameLength int
}

// NewCodec 构造帧编解码器
func NewCodec(codecType CodecType, compressor CompressorType, maxFrameLength int) *Codec {
	c := &Codec{
		DefaultCodec:      codecType,
		DefaultCompressor: compressor,
		MaxFrameLength:    maxFrameLength,
	}
	repair(c)
	return c
}

func repair(c *Codec) {
	if c.DefaultCodec == 0 {
		c.DefaultCodec = CodecJSON
	}
	if c.MaxFrameLength <= 0 || int64(c.MaxFrameLength) > math.MaxUint32 {
		c.MaxFrameLength = DefaultMaxFrameLength
	}
}

var defaultCodec = NewCodec(CodecJSON, CompressorNone, DefaultMaxFrameLength)

// Encode 使用默认编解码器编码
func Encode(msg *RpcMessage) ([]byte, error) {
	return defaultCodec.Encode(msg)
}

// Decode 使用默认编解码器解码一个完整的帧
func Decode(frame []byte) (*RpcMessage, error) {
	return defaultCodec.Decode(frame)
}

// Encode 把报文编码为一个完整的帧
func (c *Codec) Encode(msg *RpcMessage) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("protocol: nil message")
	}
	if !msg.MessageType.Valid() {
		return nil, fmt.Errorf("protocol: unknown message type %d", msg.MessageType)
	}
	codecType := msg.Codec
	if codecType == 0 {
		codecType = c.DefaultCodec
	}
	compressorType := msg.Compressor
	if msg.Compressor == CompressorNone {
		compressorType = c.DefaultCompressor
	}

	// 1. 序列化并压缩消息体
	body, err := c.encodeBody(msg.Body, codecType, compressorType)
	if err != nil {
		return nil, err
	}

	// 2. 编码 headMap
	headMap, err := encodeHeadMap(msg.HeadMap)
	if err != nil {
		return nil, err
	}

	total := HeaderLength + len(headMap) + len(body)
	if total > c.MaxFrameLength {
		return nil, fmt.Errorf("protocol: frame length %d exceeds limit %d", total, c.MaxFrameLength)
	}

	// 3. 写入固定帧头
	frame := make([]byte, HeaderLength, total)
	binary.BigEndian.PutUint16(frame[0:2], Magic)
	binary.BigEndian.PutUint32(frame[2:6], uint32(total))
	frame[6] = Version
	frame[7] = byte(msg.MessageType)
	frame[8] = byte(codecType)
	frame[9] = byte(compressorType)
	binary.BigEndian.PutUint32(frame[10:14], msg.ID)
	binary.BigEndian.PutUint16(frame[14:16], uint16(len(headMap)))
	frame = append(frame, headMap...)
	frame = append(frame, body...)
	return frame, nil
}

func (c *Codec) encodeBody(body Message, codecType CodecType, compressorType CompressorType) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	serializer, ok := SerializerFor(codecType)
	if !ok {
		return nil, fmt.Errorf("protocol: unsupported codec %s", codecType)
	}
	compressor, ok := CompressorFor(compressorType)
	if !ok {
		return nil, fmt.Errorf("protocol: unsupported compressor %s", compressorType)
	}
	payload, err := serializer.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s: %w", body.TypeCode(), err)
	}
	raw := make([]byte, 2, 2+len(payload))
	binary.BigEndian.PutUint16(raw, uint16(body.TypeCode()))
	raw = append(raw, payload...)
	return compressor.Compress(raw)
}

func encodeHeadMap(head map[string]string) ([]byte, error) {
	if len(head) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(head))
	for k := range head {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []byte
	for _, k := range keys {
		v := head[k]
		if len(k) > math.MaxUint16 || len(v) > math.MaxUint16 {
			return nil, fmt.Errorf("protocol: head map entry %q too long", k)
		}
		out = binary.BigEndian.AppendUint16(out, uint16(len(k)))
		out = append(out, k...)
		out = binary.BigEndian.AppendUint16(out, uint16(len(v)))
		out = append(out, v...)
	}
	if len(out) > math.MaxUint16 {
		return nil, fmt.Errorf("protocol: head map length %d too long", len(out))
	}
	return out, nil
}

// Decode 解码一个完整的帧, frame 中不能包含多余的字节
func (c *Codec) Decode(frame []byte) (*RpcMessage, error) {
	total, err := c.frameLength(frame)
	if err != nil {
		return nil, err
	}
	if len(frame) < total {
		return nil, ErrIncompleteFrame
	}
	if len(frame) > total {
		return nil, recoverable(binary.BigEndian.Uint32(frame[10:14]), "trailing bytes after frame", nil)
	}
	return c.decodeFrame(frame)
}

// frameLength 校验帧头并返回整帧长度, 帧头不完整时返回 ErrIncompleteFrame
func (c *Codec) frameLength(buf []byte) (int, error) {
	if len(buf) < 6 {
		if len(buf) >= 2 && binary.BigEndian.Uint16(buf[0:2]) != Magic {
			return 0, fatalf("bad magic 0x%04x", binary.BigEndian.Uint16(buf[0:2]))
		}
		return 0, ErrIncompleteFrame
	}
	if magic := binary.BigEndian.Uint16(buf[0:2]); magic != Magic {
		return 0, fatalf("bad magic 0x%04x", magic)
	}
	total := int(binary.BigEndian.Uint32(buf[2:6]))
	if total < HeaderLength {
		return 0, fatalf("frame length %d shorter than header", total)
	}
	if total > c.MaxFrameLength {
		return 0, fatalf("frame length %d exceeds limit %d", total, c.MaxFrameLength)
	}
	if len(buf) >= 7 && buf[6] != Version {
		return 0, fatalf("unsupported protocol version %d", buf[6])
	}
	if len(buf) >= HeaderLength {
		if headLen := int(binary.BigEndian.Uint16(buf[14:16])); HeaderLength+headLen > total {
			return 0, fatalf("head map length %d exceeds frame length %d", headLen, total)
		}
	}
	return total, nil
}

// decodeFrame 解码恰好一帧的字节, 帧头已经通过 frameLength 校验
func (c *Codec) decodeFrame(frame []byte) (*RpcMessage, error) {
	msg := &RpcMessage{
		MessageType: MessageType(frame[7]),
		Codec:       CodecType(frame[8]),
		Compressor:  CompressorType(frame[9]),
		ID:          binary.BigEndian.Uint32(frame[10:14]),
	}
	if !msg.MessageType.Valid() {
		return nil, recoverable(msg.ID, fmt.Sprintf("unknown message type %d", frame[7]), nil)
	}

	headLen := int(binary.BigEndian.Uint16(frame[14:16]))
	head, err := decodeHeadMap(frame[HeaderLength : HeaderLength+headLen])
	if err != nil {
		return nil, recoverable(msg.ID, "bad head map", err)
	}
	msg.HeadMap = head

	body := frame[HeaderLength+headLen:]
	if len(body) == 0 {
		return msg, nil
	}
	if msg.Body, err = c.decodeBody(msg.ID, body, msg.Codec, msg.Compressor); err != nil {
		return nil, err
	}
	return msg, nil
}

func (c *Codec) decodeBody(id uint32, body []byte, codecType CodecType, compressorType CompressorType) (Message, error) {
	compressor, ok := CompressorFor(compressorType)
	if !ok {
		return nil, recoverable(id, fmt.Sprintf("unsupported compressor %s", compressorType), nil)
	}
	serializer, ok := SerializerFor(codecType)
	if !ok {
		return nil, recoverable(id, fmt.Sprintf("unsupported codec %s", codecType), nil)
	}
	raw, err := compressor.Decompress(body)
	if err != nil {
		return nil, recoverable(id, "decompress body", err)
	}
	if len(raw) < 2 {
		return nil, recoverable(id, "body too short", nil)
	}
	code := TypeCode(binary.BigEndian.Uint16(raw[0:2]))
	msg, ok := NewMessage(code)
	if !ok {
		return nil, recoverable(id, fmt.Sprintf("unknown body type code %d", uint16(code)), nil)
	}
	if err = serializer.Unmarshal(raw[2:], msg); err != nil {
		return nil, recoverable(id, fmt.Sprintf("unmarshal %s", code), err)
	}
	return msg, nil
}

func decodeHeadMap(b []byte) (map[string]string, error) {
	if len(b) == 0 {
		return nil, nil
	}
	head := make(map[string]string)
	for len(b) > 0 {
		key, rest, err := readString(b)
		if err != nil {
			return nil, err
		}
		val, rest, err := readString(rest)
		if err != nil {
			return nil, err
		}
		head[key] = val
		b = rest
	}
	return head, nil
}

func readString(b []byte) (string, []byte, error) {
	if len(b) < 2 {
		return "", nil, fmt.Errorf("truncated length prefix")
	}
	n := int(binary.BigEndian.Uint16(b))
	if len(b)-2 < n {
		return "", nil, fmt.Errorf("truncated string of length %d", n)
	}
	return string(b[2 : 2+n]), b[2+n:], nil
}
