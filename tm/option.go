package tm

import (
	"time"

	"github.com/xiaoxuxiansheng/goat/rm"
)

// Options TransactionManager 的配置项
type Options struct {
	// Begin 未指定超时时长时使用的全局事务超时时长
	DefaultTimeout time.Duration
	// 全局提交遇到传输错误时的重试次数
	CommitRetryCount int
	// 全局回滚遇到传输错误时的重试次数
	RollbackRetryCount int
	// 重试间隔策略
	Retry rm.RetryPolicy
	// 关闭全局事务, Begin 返回不与 TC 交互的本地事务
	DisableGlobalTransaction bool
}

type Option func(*Options)

// WithDefaultTimeout 设置全局事务的默认超时时长
func WithDefaultTimeout(timeout time.Duration) Option {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return func(o *Options) {
		o.DefaultTimeout = timeout
	}
}

// WithCommitRetryCount 设置全局提交的重试次数
func WithCommitRetryCount(n int) Option {
	return func(o *Options) {
		o.CommitRetryCount = n
	}
}

// WithRollbackRetryCount 设置全局回滚的重试次数
func WithRollbackRetryCount(n int) Option {
	return func(o *Options) {
		o.RollbackRetryCount = n
	}
}

// WithRetryPolicy 设置重试间隔策略
func WithRetryPolicy(p rm.RetryPolicy) Option {
	return func(o *Options) {
		o.Retry = p
	}
}

// WithDisableGlobalTransaction 关闭全局事务
func WithDisableGlobalTransaction(disable bool) Option {
	return func(o *Options) {
		o.DisableGlobalTransaction = disable
	}
}

// repair 未设置的配置项赋默认值
func repair(o *Options) {
	// 全局事务默认 60s 超时
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 60 * time.Second
	}

	// 重试次数为 0 表示只发送一次, 重试间隔策略的缺省值由 rm.RetryPolicy 自行补齐
	if o.CommitRetryCount < 0 {
		o.CommitRetryCount = 0
	}
	if o.RollbackRetryCount < 0 {
		o.RollbackRetryCount = 0
	}
}
