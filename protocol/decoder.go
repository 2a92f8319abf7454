package protocol

// Decoder 流式解码器
// 通道从 socket 中读到的字节粒度是任意的, Decoder 负责缓存不完整的帧, 每凑齐一帧就解出一个报文.
// Decoder 不是并发安全的, 只应被接收循环独占使用
type Decoder struct {
	codec *Codec
	buf   []byte
	// 已经解码消费掉的字节数
	off int
}

// NewDecoder 构造流式解码器
func NewDecoder(codec *Codec) *Decoder {
	if codec == nil {
		codec = defaultCodec
	}
	return &Decoder{codec: codec}
}

// Feed 追加新读到的字节
func (d *Decoder) Feed(p []byte) {
	if len(p) == 0 {
		return
	}
	// 已消费的字节超过一半时整理缓冲区, 避免无限增长
	if d.off > 0 && d.off >= len(d.buf)/2 {
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
	}
	d.buf = append(d.buf, p...)
}

// Buffered 返回尚未解码的字节数
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.off
}

// Next 尝试解出下一个报文
//   - 字节不足一帧时返回 ErrIncompleteFrame, 缓冲区保持不变
//   - 返回非致命的 *FramingError 时, 该帧已被跳过, 可以继续调用 Next
//   - 返回致命的 *FramingError 时, 字节流已失去同步, 解码器不可再用
func (d *Decoder) Next() (*RpcMessage, error) {
	pending := d.buf[d.off:]
	total, err := d.codec.frameLength(pending)
	if err != nil {
		return nil, err
	}
	if len(pending) < total {
		return nil, ErrIncompleteFrame
	}
	frame := pending[:total]
	d.off += total
	if d.off == len(d.buf) {
		d.buf = d.buf[:0]
		d.off = 0
	}
	return d.codec.decodeFrame(frame)
}
