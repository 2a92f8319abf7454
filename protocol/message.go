package protocol

import (
	"fmt"
	"sort"
	"strings"
)

// 协议报文
// 1. RpcMessage 为一次 RPC 交互的逻辑报文, 由帧头信息 + 扩展 headMap + 消息体组成
// 2. MessageType 表示帧的种类, 决定了报文在通道中如何被关联(同步请求/响应/单向请求/心跳)
// 3. TypeCode 表示消息体的具体类型, 派发器根据它把 TC 推送的指令路由到对应的处理器

const (
	// Magic 帧起始魔数, 用于识别字节流是否失去同步
	Magic uint16 = 0xdada
	// Version 当前协议版本
	Version byte = 1
	// HeaderLength 固定帧头长度
	// magic(2) + totalLength(4) + version(1) + messageType(1) + codec(1) + compressor(1) + id(4) + headMapLength(2)
	HeaderLength = 16
	// DefaultMaxFrameLength 单帧最大长度
	DefaultMaxFrameLength = 8 << 20
)

// MessageType 帧类型
type MessageType byte

const (
	MessageTypeRequestSync       MessageType = 0
	MessageTypeResponse          MessageType = 1
	MessageTypeRequestOneway     MessageType = 2
	MessageTypeHeartbeatRequest  MessageType = 3
	MessageTypeHeartbeatResponse MessageType = 4
)

func (m MessageType) Valid() bool {
	return m <= MessageTypeHeartbeatResponse
}

// IsResponse 判断该帧是否可能对应一个等待中的请求
func (m MessageType) IsResponse() bool {
	return m == MessageTypeResponse || m == MessageTypeHeartbeatResponse
}

func (m MessageType) String() string {
	switch m {
	case MessageTypeRequestSync:
		return "REQUEST_SYNC"
	case MessageTypeResponse:
		return "RESPONSE"
	case MessageTypeRequestOneway:
		return "REQUEST_ONEWAY"
	case MessageTypeHeartbeatRequest:
		return "HEARTBEAT_REQUEST"
	case MessageTypeHeartbeatResponse:
		return "HEARTBEAT_RESPONSE"
	default:
		return fmt.Sprintf("MESSAGE_TYPE(%d)", byte(m))
	}
}

// CodecType 消息体序列化方式
type CodecType byte

const (
	CodecJSON    CodecType = 1
	CodecMsgpack CodecType = 2
)

func (c CodecType) String() string {
	switch c {
	case CodecJSON:
		return "json"
	case CodecMsgpack:
		return "msgpack"
	default:
		return fmt.Sprintf("codec(%d)", byte(c))
	}
}

// ParseCodecType 解析配置中的序列化方式
func ParseCodecType(name string) (CodecType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return CodecJSON, nil
	case "msgpack":
		return CodecMsgpack, nil
	default:
		return 0, fmt.Errorf("unknown serializer: %s", name)
	}
}

// CompressorType 消息体压缩方式
type CompressorType byte

const (
	CompressorNone   CompressorType = 0
	CompressorGzip   CompressorType = 1
	CompressorLZ4    CompressorType = 5
	CompressorZstd   CompressorType = 7
	CompressorSnappy CompressorType = 9
)

func (c CompressorType) String() string {
	switch c {
	case CompressorNone:
		return "none"
	case CompressorGzip:
		return "gzip"
	case CompressorLZ4:
		return "lz4"
	case CompressorZstd:
		return "zstd"
	case CompressorSnappy:
		return "snappy"
	default:
		return fmt.Sprintf("compressor(%d)", byte(c))
	}
}

// ParseCompressorType 解析配置中的压缩方式
func ParseCompressorType(name string) (CompressorType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return CompressorNone, nil
	case "gzip":
		return CompressorGzip, nil
	case "lz4":
		return CompressorLZ4, nil
	case "zstd":
		return CompressorZstd, nil
	case "snappy":
		return CompressorSnappy, nil
	default:
		return 0, fmt.Errorf("unknown compressor: %s", name)
	}
}

// RpcMessage 逻辑报文. 构造完成后不应再被修改, ID 即为请求与响应的关联键
type RpcMessage struct {
	ID          uint32
	MessageType MessageType
	Codec       CodecType
	Compressor  CompressorType
	HeadMap     map[string]string
	Body        Message
}

// NewRequest 构造一个同步请求, 自动分配进程内递增的报文 id
func NewRequest(body Message) *RpcMessage {
	return &RpcMessage{
		ID:          NextID(),
		MessageType: MessageTypeRequestSync,
		Body:        body,
	}
}

// NewOneway 构造一个无需响应的单向请求
func NewOneway(body Message) *RpcMessage {
	return &RpcMessage{
		ID:          NextID(),
		MessageType: MessageTypeRequestOneway,
		Body:        body,
	}
}

// NewResponse 针对请求 req 构造响应报文, 沿用请求的 id 以及编解码方式
func NewResponse(req *RpcMessage, body Message) *RpcMessage {
	typ := MessageTypeResponse
	if req.MessageType == MessageTypeHeartbeatRequest {
		typ = MessageTypeHeartbeatResponse
	}
	return &RpcMessage{
		ID:          req.ID,
		MessageType: typ,
		Codec:       req.Codec,
		Compressor:  req.Compressor,
		Body:        body,
	}
}

// NewHeartbeat 构造心跳 ping
func NewHeartbeat() *RpcMessage {
	return &RpcMessage{
		ID:          NextID(),
		MessageType: MessageTypeHeartbeatRequest,
		Body:        &HeartbeatMessage{Ping: true},
	}
}

// TypeCode 返回消息体类型, 消息体为空时返回 0
func (r *RpcMessage) TypeCode() TypeCode {
	if r == nil || r.Body == nil {
		return 0
	}
	return r.Body.TypeCode()
}

// String 用于日志打印
func (r *RpcMessage) String() string {
	if r == nil {
		return "<nil>"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "id=%d type=%s codec=%s compressor=%s", r.ID, r.MessageType, r.Codec, r.Compressor)
	if len(r.HeadMap) > 0 {
		keys := make([]string, 0, len(r.HeadMap))
		for k := range r.HeadMap {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" head={")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, "%s:%s", k, r.HeadMap[k])
		}
		b.WriteString("}")
	}
	if r.Body != nil {
		fmt.Fprintf(&b, " body=%s%+v", r.Body.TypeCode(), r.Body)
	}
	return b.String()
}
