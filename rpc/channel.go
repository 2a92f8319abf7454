package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/xiaoxuxiansheng/goat/log"
	"github.com/xiaoxuxiansheng/goat/protocol"
)

// Channel 到单个 TC 节点的一条多路复用连接
// 1. 独占一个 net.Conn, 只有接收循环读 socket, 只有发送循环写 socket
// 2. 发送循环从一个无界的 FIFO 队列中依次取出帧写入 socket, 保证提交顺序
// 3. 接收循环把字节喂给流式解码器, 每解出一个报文先交给 Dispatcher 处理, 再投递给等待该 id 的请求方
// 4. 在途请求登记在 waiters 中, 由 mux 保护: 发送路径插入, 接收路径或超时路径删除
// 5. 发生 I/O 错误或者字节流失去同步时关闭连接, 所有在途请求收到 ErrConnectionClosed. 通道内部不重连
type Channel struct {
	conn    net.Conn
	addr    Address
	opts    ChannelOptions
	decoder *protocol.Decoder

	// 生命周期随通道关闭而结束, 传给 processor 使用
	ctx    context.Context
	cancel context.CancelFunc

	mux      sync.Mutex
	waiters  map[uint32]chan *protocol.RpcMessage
	queue    [][]byte
	closeErr error

	notify    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// ChannelOptions 通道的依赖与配置, 在构造时显式注入
type ChannelOptions struct {
	// 推送报文的分发器, 为空时推送报文被忽略
	Dispatcher *Dispatcher
	// 帧编解码器, 为空时使用默认 json 编码不压缩
	Codec *protocol.Codec
	// 通道关闭后的回调, 在关闭通道的 goroutine 中执行
	OnClose func(ch *Channel)
	// 单次读 socket 的缓冲区大小
	ReadBufferSize int
}

func (o *ChannelOptions) repair() {
	if o.Codec == nil {
		o.Codec = protocol.NewCodec(protocol.CodecJSON, protocol.CompressorNone, 0)
	}
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = 4096
	}
}

// NewChannel 基于已经建立的连接构造通道, 并启动收发两个循环
func NewChannel(conn net.Conn, addr Address, opts ChannelOptions) *Channel {
	opts.repair()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		conn:    conn,
		addr:    addr,
		opts:    opts,
		decoder: protocol.NewDecoder(opts.Codec),
		ctx:     ctx,
		cancel:  cancel,
		waiters: make(map[uint32]chan *protocol.RpcMessage),
		notify:  make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
	channelGauge.Inc()

	c.wg.Add(2)
	go c.recvLoop()
	go c.sendLoop()
	return c
}

// Address 通道对应的 TC 地址
func (c *Channel) Address() Address {
	return c.addr
}

// Closed 通道关闭时该 chan 被关闭
func (c *Channel) Closed() <-chan struct{} {
	return c.closed
}

// IsClosed 通道是否已经关闭
func (c *Channel) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Err 通道关闭的原因, 未关闭时返回 nil
func (c *Channel) Err() error {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.closeErr
}

// Close 关闭连接并等待收发循环退出. 不能在 processor 中调用
func (c *Channel) Close() error {
	c.teardown(ErrConnectionClosed)
	c.wg.Wait()
	return nil
}

// Send 把报文投递到发送队列后立即返回, 不等待写入 socket
// 编码失败的错误直接返回给调用方
func (c *Channel) Send(msg *protocol.RpcMessage) error {
	frame, err := c.opts.Codec.Encode(msg)
	if err != nil {
		return err
	}

	c.mux.Lock()
	if c.closeErr != nil {
		err = c.closeErr
		c.mux.Unlock()
		return err
	}
	c.queue = append(c.queue, frame)
	c.mux.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	framesCounter.WithLabelValues("out", msg.MessageType.String()).Inc()
	return nil
}

// SendAndAwait 发送同步请求并等待 id 相同的响应
//   - 超过 timeout 仍未收到响应时返回 ErrTimeout, 并移除等待者, 之后迟到的响应会被丢弃
//   - timeout <= 0 时只受 ctx 控制
//   - 通道关闭时返回 ErrConnectionClosed
func (c *Channel) SendAndAwait(ctx context.Context, msg *protocol.RpcMessage, timeout time.Duration) (*protocol.RpcMessage, error) {
	if msg == nil {
		return nil, errors.New("rpc: nil message")
	}
	start := time.Now()
	resp, err := c.sendAndAwait(ctx, msg, timeout)
	result := "ok"
	switch {
	case errors.Is(err, ErrTimeout):
		result = "timeout"
	case err != nil:
		result = "error"
	}
	requestDuration.WithLabelValues(msg.TypeCode().String(), result).Observe(time.Since(start).Seconds())
	return resp, err
}

func (c *Channel) sendAndAwait(ctx context.Context, msg *protocol.RpcMessage, timeout time.Duration) (*protocol.RpcMessage, error) {
	// 1. 先登记等待者, 再发送, 避免响应先于登记到达
	slot := make(chan *protocol.RpcMessage, 1)
	c.mux.Lock()
	if c.closeErr != nil {
		err := c.closeErr
		c.mux.Unlock()
		return nil, err
	}
	if _, ok := c.waiters[msg.ID]; ok {
		c.mux.Unlock()
		return nil, fmt.Errorf("rpc: duplicate in-flight request id %d", msg.ID)
	}
	c.waiters[msg.ID] = slot
	c.mux.Unlock()
	inflightGauge.Inc()
	defer inflightGauge.Dec()

	// 2. 投递到发送队列
	if err := c.Send(msg); err != nil {
		c.removeWaiter(msg.ID)
		return nil, err
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	// 3. 等待响应/超时/取消/连接关闭
	select {
	case resp := <-slot:
		return resp, nil
	case <-expired:
		c.removeWaiter(msg.ID)
		return nil, fmt.Errorf("%w: id %d to %s after %s", ErrTimeout, msg.ID, c.addr, timeout)
	case <-ctx.Done():
		c.removeWaiter(msg.ID)
		return nil, ctx.Err()
	case <-c.closed:
		// 关闭前可能已经投递了响应
		select {
		case resp := <-slot:
			return resp, nil
		default:
		}
		return nil, c.Err()
	}
}

func (c *Channel) removeWaiter(id uint32) {
	c.mux.Lock()
	delete(c.waiters, id)
	c.mux.Unlock()
}

// PendingRequests 在途请求数
func (c *Channel) PendingRequests() int {
	c.mux.Lock()
	defer c.mux.Unlock()
	return len(c.waiters)
}

// deliver 把响应交给等待者, 没有等待者时说明已经超时, 直接丢弃
func (c *Channel) deliver(msg *protocol.RpcMessage) {
	c.mux.Lock()
	slot, ok := c.waiters[msg.ID]
	if ok {
		delete(c.waiters, msg.ID)
	}
	c.mux.Unlock()
	if !ok {
		log.Debugf("drop response without waiter, %s", msg)
		return
	}
	slot <- msg
}

func (c *Channel) recvLoop() {
	defer c.wg.Done()
	buf := make([]byte, c.opts.ReadBufferSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.decoder.Feed(buf[:n])
			if !c.drain() {
				return
			}
		}
		if err != nil {
			c.teardown(fmt.Errorf("%w: read from %s: %v", ErrConnectionClosed, c.addr, err))
			return
		}
	}
}

// drain 解出缓冲区中所有完整的帧, 字节流失去同步时关闭通道并返回 false
func (c *Channel) drain() bool {
	for {
		msg, err := c.decoder.Next()
		switch {
		case err == nil:
			c.handle(msg)
		case errors.Is(err, protocol.ErrIncompleteFrame):
			return true
		case protocol.IsFatal(err):
			decodeErrorCounter.WithLabelValues("fatal").Inc()
			log.Errorf("channel %s stream desynchronized, err: %v", c.addr, err)
			c.teardown(fmt.Errorf("%w: %v", ErrConnectionClosed, err))
			return false
		default:
			decodeErrorCounter.WithLabelValues("recoverable").Inc()
			log.Warnf("channel %s skip undecodable frame, err: %v", c.addr, err)
		}
	}
}

// handle 先分发再投递, 分发在接收循环中同步执行
func (c *Channel) handle(msg *protocol.RpcMessage) {
	framesCounter.WithLabelValues("in", msg.MessageType.String()).Inc()
	c.opts.Dispatcher.Dispatch(c.ctx, c, msg)
	if msg.MessageType.IsResponse() {
		c.deliver(msg)
	}
}

func (c *Channel) sendLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.closed:
			return
		case <-c.notify:
		}

		for {
			c.mux.Lock()
			frames := c.queue
			c.queue = nil
			c.mux.Unlock()
			if len(frames) == 0 {
				break
			}
			for _, frame := range frames {
				if _, err := c.conn.Write(frame); err != nil {
					c.teardown(fmt.Errorf("%w: write to %s: %v", ErrConnectionClosed, c.addr, err))
					return
				}
			}
		}
	}
}

// teardown 关闭通道, 只执行一次
func (c *Channel) teardown(cause error) {
	c.closeOnce.Do(func() {
		c.mux.Lock()
		c.closeErr = cause
		c.waiters = make(map[uint32]chan *protocol.RpcMessage)
		c.queue = nil
		c.mux.Unlock()

		close(c.closed)
		c.cancel()
		_ = c.conn.Close()
		channelGauge.Dec()

		// 主动 Close 不打印
		if cause != ErrConnectionClosed {
			log.Warnf("channel %s closed, cause: %v", c.addr, cause)
		}
		if c.opts.OnClose != nil {
			c.opts.OnClose(c)
		}
	})
}
