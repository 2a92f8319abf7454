package datasource

import (
	"time"

	"github.com/xiaoxuxiansheng/goat/rm"
	"github.com/xiaoxuxiansheng/goat/sqlparser"
	"github.com/xiaoxuxiansheng/goat/undo"
)

// Options 数据源代理的配置项
type Options struct {
	// 资源 id, 注册分支与接收二阶段指令时使用
	ResourceID string
	// SQL 识别器
	Recognizer sqlparser.Recognizer
	// undo 日志管理器的配置
	UndoOptions []undo.Option
	// 表元数据缓存的容量
	MetaCacheSize int
	// 全局锁冲突时的重试间隔
	LockRetryInterval time.Duration
	// 全局锁冲突时的重试次数
	LockRetryTimes int
	// 关闭全局事务, 所有语句按普通本地语句执行
	DisableGlobalTransaction bool
}

type Option func(*Options)

// WithResourceID 设置资源 id
func WithResourceID(id string) Option {
	return func(o *Options) {
		o.ResourceID = id
	}
}

// WithRecognizer 设置 SQL 识别器
func WithRecognizer(r sqlparser.Recognizer) Option {
	return func(o *Options) {
		o.Recognizer = r
	}
}

// WithUndoOptions 设置 undo 日志管理器的配置
func WithUndoOptions(opts ...undo.Option) Option {
	return func(o *Options) {
		o.UndoOptions = append(o.UndoOptions, opts...)
	}
}

// WithMetaCacheSize 设置表元数据缓存的容量
func WithMetaCacheSize(size int) Option {
	return func(o *Options) {
		o.MetaCacheSize = size
	}
}

// WithLockRetry 设置全局锁冲突时的重试间隔与次数
func WithLockRetry(interval time.Duration, times int) Option {
	return func(o *Options) {
		o.LockRetryInterval = interval
		o.LockRetryTimes = times
	}
}

// WithDisableGlobalTransaction 关闭全局事务
func WithDisableGlobalTransaction(disable bool) Option {
	return func(o *Options) {
		o.DisableGlobalTransaction = disable
	}
}

func repair(o *Options) {
	if o.Recognizer == nil {
		o.Recognizer = sqlparser.NewMySQL()
	}
	if o.MetaCacheSize <= 0 {
		o.MetaCacheSize = 256
	}
	if o.LockRetryInterval <= 0 {
		o.LockRetryInterval = 10 * time.Millisecond
	}
	if o.LockRetryTimes < 0 {
		o.LockRetryTimes = 0
	}
	if o.LockRetryTimes == 0 {
		o.LockRetryTimes = 30
	}
}

func (o *Options) lockRetryPolicy() rm.RetryPolicy {
	return rm.RetryPolicy{Backoff: rm.BackoffConstant, Interval: o.LockRetryInterval}
}
