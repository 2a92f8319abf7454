package rpc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/xiaoxuxiansheng/goat/log"
	"github.com/xiaoxuxiansheng/goat/protocol"
)

// ChannelManager 通道管理器
// 1. 通过 Resolver 把事务分组解析为 TC 地址列表
// 2. 按地址缓存通道, 优先复用已打开的通道; 通道关闭后被剔除, 下次使用时惰性重建
// 3. 新建通道时完成 RegisterTM/RegisterRM 注册握手, 握手被拒绝视为该地址不可用
// 4. 运行异步心跳任务, 定期向每个打开的通道发送 ping
type ChannelManager struct {
	ctx      context.Context
	stop     context.CancelFunc
	opts     *Options
	resolver Resolver

	mux      sync.Mutex
	channels map[Address]*Channel

	wg sync.WaitGroup
}

// NewChannelManager 构造通道管理器, 心跳间隔大于 0 时伴生启动心跳任务
func NewChannelManager(resolver Resolver, opts ...Option) *ChannelManager {
	ctx, cancel := context.WithCancel(context.Background())
	m := ChannelManager{
		ctx:      ctx,
		stop:     cancel,
		opts:     &Options{},
		resolver: resolver,
		channels: make(map[Address]*Channel),
	}
	for _, opt := range opts {
		opt(m.opts)
	}
	repair(m.opts)

	m.opts.Dispatcher.Register(protocol.TypeHeartbeat, HeartbeatProcessor{})

	if m.opts.HeartbeatInterval > 0 {
		m.wg.Add(1)
		go m.run()
	}
	return &m
}

// Options 返回生效的配置
func (m *ChannelManager) Options() Options {
	return *m.opts
}

// Acquire 为事务分组选择一个通道
//  1. 打乱候选地址, 按打乱后的顺序复用第一个打开的通道, 多个地址的通道同时打开时随机选择
//  2. 没有打开的通道时逐个尝试建连一次, 第一个成功的通道被缓存并返回
//  3. 所有地址都失败时返回最后一个错误
func (m *ChannelManager) Acquire(ctx context.Context, group string) (*Channel, error) {
	if err := m.ctx.Err(); err != nil {
		return nil, ErrConnectionClosed
	}
	addrs, err := m.resolver.Resolve(group)
	if err != nil {
		return nil, err
	}

	m.opts.Shuffle(addrs)
	m.mux.Lock()
	for _, addr := range addrs {
		if ch, ok := m.channels[addr]; ok && !ch.IsClosed() {
			m.mux.Unlock()
			return ch, nil
		}
	}
	m.mux.Unlock()

	var (
		lastErr error
		errs    error
	)
	for _, addr := range addrs {
		ch, err := m.connect(ctx, group, addr)
		if err == nil {
			return ch, nil
		}
		lastErr = err
		errs = multierr.Append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	log.WarnContextf(ctx, "acquire channel for group %s failed, tried %d addresses, errs: %v", group, len(multierr.Errors(errs)), errs)
	return nil, fmt.Errorf("rpc: no channel for group %s: %w", group, lastErr)
}

// connect 建连并完成注册握手
func (m *ChannelManager) connect(ctx context.Context, group string, addr Address) (*Channel, error) {
	dctx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
	conn, err := m.opts.Dial(dctx, "tcp", addr.String())
	cancel()
	if err != nil {
		return nil, fmt.Errorf("rpc: dial %s: %w", addr, err)
	}

	ch := NewChannel(conn, addr, ChannelOptions{
		Dispatcher: m.opts.Dispatcher,
		Codec:      m.opts.Codec,
		OnClose:    m.evict,
	})
	if err = m.handshake(ctx, group, ch); err != nil {
		_ = ch.Close()
		return nil, err
	}

	// 并发建连时只保留先登记的通道
	m.mux.Lock()
	if cur, ok := m.channels[addr]; ok && !cur.IsClosed() {
		m.mux.Unlock()
		_ = ch.Close()
		return cur, nil
	}
	if m.ctx.Err() != nil {
		m.mux.Unlock()
		_ = ch.Close()
		return nil, ErrConnectionClosed
	}
	m.channels[addr] = ch
	m.mux.Unlock()

	log.Infof("channel to %s established, mode: %d", addr, m.opts.Mode)
	return ch, nil
}

// handshake 按照 mode 发送 RegisterTM / RegisterRM
func (m *ChannelManager) handshake(ctx context.Context, group string, ch *Channel) error {
	if m.opts.Mode.Has(ModeMT) {
		resp, err := ch.SendAndAwait(ctx, protocol.NewRequest(&protocol.RegisterTMRequest{
			Version:                 m.opts.Version,
			ApplicationID:           m.opts.ApplicationID,
			TransactionServiceGroup: group,
		}), m.opts.RPCTimeout)
		if err != nil {
			return fmt.Errorf("rpc: register tm to %s: %w", ch.Address(), err)
		}
		body, ok := resp.Body.(*protocol.RegisterTMResponse)
		if !ok || body.ResultCode != protocol.ResultCodeSuccess || !body.Identified {
			return fmt.Errorf("rpc: register tm to %s rejected: %w", ch.Address(), remoteErr(resp))
		}
	}

	if m.opts.Mode.Has(ModeAT) {
		resp, err := ch.SendAndAwait(ctx, protocol.NewRequest(&protocol.RegisterRMRequest{
			Version:                 m.opts.Version,
			ApplicationID:           m.opts.ApplicationID,
			TransactionServiceGroup: group,
			ResourceIDs:             strings.Join(m.opts.ResourceIDs(), ","),
		}), m.opts.RPCTimeout)
		if err != nil {
			return fmt.Errorf("rpc: register rm to %s: %w", ch.Address(), err)
		}
		body, ok := resp.Body.(*protocol.RegisterRMResponse)
		if !ok || body.ResultCode != protocol.ResultCodeSuccess || !body.Identified {
			return fmt.Errorf("rpc: register rm to %s rejected: %w", ch.Address(), remoteErr(resp))
		}
	}
	return nil
}

func remoteErr(resp *protocol.RpcMessage) error {
	if resp == nil || resp.Body == nil {
		return &RemoteError{Msg: "empty response"}
	}
	if r, ok := resp.Body.(protocol.ResultMessage); ok {
		return &RemoteError{TypeCode: resp.TypeCode(), Msg: r.GetResult().Msg}
	}
	return &RemoteError{TypeCode: resp.TypeCode(), Msg: "unexpected response body"}
}

// evict 通道关闭时从缓存中剔除
func (m *ChannelManager) evict(ch *Channel) {
	m.mux.Lock()
	defer m.mux.Unlock()
	if cur, ok := m.channels[ch.Address()]; ok && cur == ch {
		delete(m.channels, ch.Address())
	}
}

// Channel 获取某个地址上已缓存的通道
func (m *ChannelManager) Channel(addr Address) (*Channel, bool) {
	m.mux.Lock()
	defer m.mux.Unlock()
	ch, ok := m.channels[addr]
	return ch, ok
}

// run 异步心跳任务, 随 ChannelManager 关闭而退出
func (m *ChannelManager) run() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-time.After(m.opts.HeartbeatInterval):
			m.heartbeat()
		}
	}
}

func (m *ChannelManager) heartbeat() {
	m.mux.Lock()
	channels := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.mux.Unlock()

	for _, ch := range channels {
		if err := ch.Send(protocol.NewHeartbeat()); err != nil && !errors.Is(err, ErrConnectionClosed) {
			log.Warnf("send heartbeat to %s failed, err: %v", ch.Address(), err)
		}
	}
}

// Close 停止心跳任务并关闭所有通道
func (m *ChannelManager) Close() error {
	m.stop()
	m.wg.Wait()

	m.mux.Lock()
	channels := m.channels
	m.channels = make(map[Address]*Channel)
	m.mux.Unlock()

	var errs error
	for _, ch := range channels {
		errs = multierr.Append(errs, ch.Close())
	}
	return errs
}
