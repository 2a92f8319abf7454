package rm

import "time"

// Options ResourceManager 的配置项
type Options struct {
	// 二阶段提交失败后的重试次数
	CommitRetryCount int
	// 二阶段回滚失败后的重试次数
	RollbackRetryCount int
	// 重试间隔策略
	Retry RetryPolicy
	// 终态分支在分支表中的保留时长
	BranchRecordTTL time.Duration
	// 分支表清理任务的轮询间隔
	MonitorTick time.Duration
}

type Option func(*Options)

// WithCommitRetryCount 设置二阶段提交的重试次数
func WithCommitRetryCount(n int) Option {
	return func(o *Options) {
		o.CommitRetryCount = n
	}
}

// WithRollbackRetryCount 设置二阶段回滚的重试次数
func WithRollbackRetryCount(n int) Option {
	return func(o *Options) {
		o.RollbackRetryCount = n
	}
}

// WithRetryPolicy 设置重试间隔策略
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *Options) {
		o.Retry = p
	}
}

// WithBranchRecordTTL 设置终态分支的保留时长
func WithBranchRecordTTL(ttl time.Duration) Option {
	return func(o *Options) {
		o.BranchRecordTTL = ttl
	}
}

// WithMonitorTick 设置分支表清理任务的轮询间隔
func WithMonitorTick(tick time.Duration) Option {
	return func(o *Options) {
		o.MonitorTick = tick
	}
}

// repair 未设置的配置项赋默认值
func repair(o *Options) {
	// 重试次数为 0 表示只执行一次
	if o.CommitRetryCount < 0 {
		o.CommitRetryCount = 0
	}
	if o.RollbackRetryCount < 0 {
		o.RollbackRetryCount = 0
	}
	o.Retry = o.Retry.repair()
	if o.BranchRecordTTL <= 0 {
		o.BranchRecordTTL = 10 * time.Minute
	}
	if o.MonitorTick <= 0 {
		o.MonitorTick = time.Minute
	}
}
