package rpc

import (
	"context"
	"sync"

	"github.com/xiaoxuxiansheng/goat/log"
	"github.com/xiaoxuxiansheng/goat/protocol"
)

// Processor 处理 TC 推送过来的报文
// Process 在通道的接收循环中被同步调用, 耗时的工作必须另起 goroutine 处理, 否则会阻塞后续报文的接收
type Processor interface {
	Process(ctx context.Context, ch *Channel, msg *protocol.RpcMessage)
}

// ProcessorFunc 函数适配为 Processor
type ProcessorFunc func(ctx context.Context, ch *Channel, msg *protocol.RpcMessage)

func (f ProcessorFunc) Process(ctx context.Context, ch *Channel, msg *protocol.RpcMessage) {
	f(ctx, ch, msg)
}

// Dispatcher 报文分发器
// 1. 按照消息体的 TypeCode 存储 processor, 由读写锁保护
// 2. 未注册的 TypeCode 直接忽略, 兼容服务端扩展的新报文
type Dispatcher struct {
	mux        sync.RWMutex
	processors map[protocol.TypeCode]Processor
}

// NewDispatcher 构造分发器
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		processors: make(map[protocol.TypeCode]Processor),
	}
}

// Register 注册 processor, 同一个 TypeCode 重复注册时后者覆盖前者
func (d *Dispatcher) Register(code protocol.TypeCode, p Processor) {
	d.mux.Lock()
	defer d.mux.Unlock()
	d.processors[code] = p
}

// Dispatch 把报文交给对应的 processor 处理, 返回是否找到了 processor
func (d *Dispatcher) Dispatch(ctx context.Context, ch *Channel, msg *protocol.RpcMessage) bool {
	if d == nil || msg == nil {
		return false
	}
	d.mux.RLock()
	p, ok := d.processors[msg.TypeCode()]
	d.mux.RUnlock()
	if !ok {
		log.Debugf("no processor for message %s, ignored", msg)
		return false
	}
	p.Process(ctx, ch, msg)
	return true
}

// HeartbeatProcessor 心跳处理: 回复 TC 的 ping, 记录 TC 的 pong
type HeartbeatProcessor struct{}

func (HeartbeatProcessor) Process(_ context.Context, ch *Channel, msg *protocol.RpcMessage) {
	if msg.MessageType == protocol.MessageTypeHeartbeatResponse {
		log.Debugf("receive heartbeat pong from %s, id: %d", ch.Address(), msg.ID)
		return
	}
	if msg.MessageType != protocol.MessageTypeHeartbeatRequest {
		return
	}
	if err := ch.Send(protocol.NewResponse(msg, &protocol.HeartbeatMessage{Ping: false})); err != nil {
		log.Warnf("reply heartbeat to %s failed, err: %v", ch.Address(), err)
	}
}
