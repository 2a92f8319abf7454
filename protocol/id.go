package protocol

import "go.uber.org/atomic"

// 报文 id 在进程范围内单调递增, 所有通道共用同一个生成器
var messageID = atomic.NewUint32(0)

// NextID 返回下一个报文 id
func NextID() uint32 {
	return messageID.Inc()
}
