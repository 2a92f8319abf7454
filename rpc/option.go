package rpc

import (
	"context"
	"math/rand"
	"net"
	"time"

	"github.com/xiaoxuxiansheng/goat/protocol"
)

// Mode 客户端参与的角色, 按位组合
type Mode int

const (
	// ModeAT 作为 RM 参与 AT 模式分支事务, 建连时发送 RegisterRM
	ModeAT Mode = 1
	// ModeMT 作为 TM 发起全局事务, 建连时发送 RegisterTM
	ModeMT Mode = 2
)

func (m Mode) Has(flag Mode) bool {
	return m&flag != 0
}

// DialFunc 建立到 TC 的连接
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Options ChannelManager 的配置项
type Options struct {
	// 应用标识, 注册握手时上报
	ApplicationID string
	// 握手时上报的客户端版本
	Version string
	// 参与角色
	Mode Mode
	// 建连超时
	DialTimeout time.Duration
	// 同步请求(含握手)的超时
	RPCTimeout time.Duration
	// 心跳间隔, 为 0 时不发送心跳
	HeartbeatInterval time.Duration
	// 帧编解码器
	Codec *protocol.Codec
	// TC 推送报文的分发器
	Dispatcher *Dispatcher
	// 建连方法, 测试中可替换
	Dial DialFunc
	// 打乱候选地址的方法, 测试中可替换为固定顺序
	Shuffle func(addrs []Address)
	// RM 握手时上报的资源 id 列表
	ResourceIDs func() []string
}

type Option func(*Options)

// WithApplicationID 设置应用标识
func WithApplicationID(id string) Option {
	return func(o *Options) {
		o.ApplicationID = id
	}
}

// WithMode 设置参与角色
func WithMode(mode Mode) Option {
	return func(o *Options) {
		o.Mode = mode
	}
}

// WithDialTimeout 设置建连超时
func WithDialTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		o.DialTimeout = timeout
	}
}

// WithRPCTimeout 设置同步请求超时
func WithRPCTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		o.RPCTimeout = timeout
	}
}

// WithHeartbeatInterval 设置心跳间隔, 0 表示关闭心跳
func WithHeartbeatInterval(interval time.Duration) Option {
	if interval < 0 {
		interval = 0
	}
	return func(o *Options) {
		o.HeartbeatInterval = interval
	}
}

// WithCodec 设置帧编解码器
func WithCodec(codec *protocol.Codec) Option {
	return func(o *Options) {
		o.Codec = codec
	}
}

// WithDispatcher 设置推送报文分发器
func WithDispatcher(d *Dispatcher) Option {
	return func(o *Options) {
		o.Dispatcher = d
	}
}

// WithDialer 替换建连方法
func WithDialer(dial DialFunc) Option {
	return func(o *Options) {
		o.Dial = dial
	}
}

// WithShuffle 替换打乱候选地址的方法
func WithShuffle(shuffle func(addrs []Address)) Option {
	return func(o *Options) {
		o.Shuffle = shuffle
	}
}

// WithResourceIDs 设置 RM 握手时上报的资源列表
func WithResourceIDs(f func() []string) Option {
	return func(o *Options) {
		o.ResourceIDs = f
	}
}

// repair 为没有设置的配置项赋默认值
func repair(o *Options) {
	if o.Version == "" {
		o.Version = "1.0.0"
	}
	if o.Mode == 0 {
		o.Mode = ModeAT | ModeMT
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 3 * time.Second
	}
	if o.RPCTimeout <= 0 {
		o.RPCTimeout = 30 * time.Second
	}
	if o.Codec == nil {
		o.Codec = protocol.NewCodec(protocol.CodecJSON, protocol.CompressorNone, 0)
	}
	if o.Dispatcher == nil {
		o.Dispatcher = NewDispatcher()
	}
	if o.Dial == nil {
		o.Dial = (&net.Dialer{}).DialContext
	}
	if o.Shuffle == nil {
		o.Shuffle = func(addrs []Address) {
			rand.Shuffle(len(addrs), func(i, j int) {
				addrs[i], addrs[j] = addrs[j], addrs[i]
			})
		}
	}
	if o.ResourceIDs == nil {
		o.ResourceIDs = func() []string { return nil }
	}
}
