package rpc

import (
	"context"
	"fmt"
	"time"

	"github.com/xiaoxuxiansheng/goat/protocol"
)

// Caller 向 TC 发起同步调用, tm 与 rm 只依赖该接口
type Caller interface {
	Call(ctx context.Context, body protocol.Message) (protocol.Message, error)
}

// Client 面向事务分组的同步调用客户端
type Client struct {
	manager *ChannelManager
	group   string
	timeout time.Duration
}

// NewClient 构造客户端, 调用超时沿用 ChannelManager 的配置
func NewClient(manager *ChannelManager, group string) *Client {
	return &Client{
		manager: manager,
		group:   group,
		timeout: manager.opts.RPCTimeout,
	}
}

// Group 客户端绑定的事务分组
func (c *Client) Group() string {
	return c.group
}

// Call 选择通道发送同步请求, 响应的结果码为失败时返回 ErrRemote
func (c *Client) Call(ctx context.Context, body protocol.Message) (protocol.Message, error) {
	ch, err := c.manager.Acquire(ctx, c.group)
	if err != nil {
		return nil, err
	}
	resp, err := ch.SendAndAwait(ctx, protocol.NewRequest(body), c.timeout)
	if err != nil {
		return nil, err
	}
	if resp.Body == nil {
		return nil, fmt.Errorf("rpc: empty response for %s", body.TypeCode())
	}
	if r, ok := resp.Body.(protocol.ResultMessage); ok && r.GetResult().ResultCode != protocol.ResultCodeSuccess {
		return resp.Body, &RemoteError{TypeCode: body.TypeCode(), Msg: r.GetResult().Msg}
	}
	return resp.Body, nil
}

// Invoke 发起同步调用并把响应断言为期望的类型
func Invoke[T protocol.Message](ctx context.Context, caller Caller, body protocol.Message) (T, error) {
	var zero T
	resp, err := caller.Call(ctx, body)
	if err != nil {
		return zero, err
	}
	typed, ok := resp.(T)
	if !ok {
		return zero, fmt.Errorf("rpc: unexpected response %s for %s", resp.TypeCode(), body.TypeCode())
	}
	return typed, nil
}
