package goat

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/xiaoxuxiansheng/redis_lock"
	"go.uber.org/multierr"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/xiaoxuxiansheng/goat/config"
	"github.com/xiaoxuxiansheng/goat/datasource"
	"github.com/xiaoxuxiansheng/goat/log"
	"github.com/xiaoxuxiansheng/goat/rm"
	"github.com/xiaoxuxiansheng/goat/rpc"
	"github.com/xiaoxuxiansheng/goat/tm"
	"github.com/xiaoxuxiansheng/goat/undo"
)

// goat AT 模式分布式事务客户端的统一入口
// 1. 组成部分:
//  1.1 rpc.ChannelManager: 按事务分组维护到 TC 的长连接, 完成注册握手与心跳
//  1.2 rpc.Dispatcher: 把 TC 下发的二阶段指令交给 rm 处理
//  1.3 tm.TransactionManager: 开启/提交/回滚全局事务
//  1.4 rm.ResourceManager: 分支注册、状态上报、二阶段提交与回滚
//  1.5 datasource.DataSource: 数据源代理, 在全局事务中为 DML 生成 undo 日志并注册分支
// 2. 使用方式: New 按配置装配各个模块, 通过 TM 开启全局事务, 通过 DataSource 执行 SQL

// Client 装配完成的分布式事务客户端
type Client struct {
	conf       *config.Config
	dispatcher *rpc.Dispatcher
	channels   *rpc.ChannelManager
	caller     *rpc.Client
	tm         *tm.TransactionManager
	rm         *rm.ResourceManager
	redis      *redis_lock.Client

	mux         sync.RWMutex
	dataSources map[string]*datasource.DataSource
}

// Options New 的可选项
type Options struct {
	// 指标注册器, 为 nil 时不注册指标
	Registerer prometheus.Registerer
	// 额外的通道配置, 追加在配置文件生成的配置之后
	RPCOptions []rpc.Option
}

type Option func(*Options)

// WithRegisterer 设置指标注册器
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *Options) {
		o.Registerer = reg
	}
}

// WithRPCOptions 追加通道配置
func WithRPCOptions(opts ...rpc.Option) Option {
	return func(o *Options) {
		o.RPCOptions = append(o.RPCOptions, opts...)
	}
}

// New 按配置装配客户端
//  1. 初始化日志与指标
//  2. 构造路由表、分发器与通道管理器, 通道在第一次调用 TC 时建立
//  3. 构造 RM 并注册二阶段指令的处理器, 构造 TM
//  4. 打开配置中的数据源并注册为 RM 的资源
func New(conf *config.Config, opts ...Option) (*Client, error) {
	if conf == nil {
		return nil, errors.New("goat: nil config")
	}
	o := Options{}
	for _, opt := range opts {
		opt(&o)
	}

	// 1. 日志与指标
	if err := log.Init(conf.Log); err != nil {
		return nil, fmt.Errorf("goat: init log: %w", err)
	}
	if err := multierr.Combine(
		rpc.RegisterMetrics(o.Registerer),
		rm.RegisterMetrics(o.Registerer),
		tm.RegisterMetrics(o.Registerer),
	); err != nil {
		return nil, fmt.Errorf("goat: register metrics: %w", err)
	}

	// 2. 通道
	resolver, err := rpc.NewStaticResolver(conf.Service.VgroupMapping, conf.Grouplist())
	if err != nil {
		return nil, err
	}
	c := Client{
		conf:        conf,
		dispatcher:  rpc.NewDispatcher(),
		dataSources: make(map[string]*datasource.DataSource),
	}
	rpcOpts := append([]rpc.Option{
		rpc.WithApplicationID(conf.ApplicationID),
		rpc.WithMode(conf.Mode),
		rpc.WithDialTimeout(conf.Transport.DialTimeout),
		rpc.WithRPCTimeout(conf.Transport.RPCTimeout),
		rpc.WithHeartbeatInterval(conf.Transport.HeartbeatInterval),
		rpc.WithCodec(conf.Codec()),
		rpc.WithDispatcher(c.dispatcher),
		rpc.WithResourceIDs(func() []string { return c.rm.ResourceIDs() }),
	}, o.RPCOptions...)
	c.channels = rpc.NewChannelManager(resolver, rpcOpts...)
	c.caller = rpc.NewClient(c.channels, conf.TxServiceGroup)

	// 3. RM 与 TM
	c.rm = rm.NewResourceManager(c.caller,
		rm.WithCommitRetryCount(conf.CommitRetryCount),
		rm.WithRollbackRetryCount(conf.RollbackRetryCount),
		rm.WithRetryPolicy(conf.RetryPolicy()),
	)
	c.rm.RegisterProcessors(c.dispatcher)
	c.tm = tm.NewTransactionManager(c.caller,
		tm.WithDefaultTimeout(conf.TM.DefaultTimeout),
		tm.WithCommitRetryCount(conf.TM.CommitRetryCount),
		tm.WithRollbackRetryCount(conf.TM.RollbackRetryCount),
		tm.WithRetryPolicy(conf.RetryPolicy()),
		tm.WithDisableGlobalTransaction(conf.Service.DisableGlobalTransaction),
	)
	if conf.Redis.Address != "" {
		c.redis = redis_lock.NewClient(conf.Redis.Network, conf.Redis.Address, conf.Redis.Password)
	}

	// 4. 数据源
	for _, ds := range conf.DataSources {
		db, err := OpenMySQL(ds.DSN)
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("goat: open datasource %s: %w", ds.ResourceID, err)
		}
		if _, err = c.AddDataSource(ds.ResourceID, db); err != nil {
			_ = c.Close()
			return nil, err
		}
	}

	log.Infof("goat client started, application: %s, group: %s, mode: %d", conf.ApplicationID, conf.TxServiceGroup, conf.Mode)
	return &c, nil
}

// OpenMySQL 打开 MySQL 连接, 关闭 gorm 自身的 SQL 日志
func OpenMySQL(dsn string) (*gorm.DB, error) {
	return gorm.Open(gormmysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
}

// AddDataSource 把 db 包装为 AT 模式的数据源并注册为 RM 的资源
// undo 日志表、清理锁与全局锁重试等配置取自客户端配置, opts 追加在其后
func (c *Client) AddDataSource(resourceID string, db *gorm.DB, opts ...datasource.Option) (*datasource.DataSource, error) {
	undoOpts := []undo.Option{undo.WithTable(c.conf.Undo.LogTable)}
	if c.redis != nil {
		undoOpts = append(undoOpts, undo.WithLocker(undo.NewRedisLocker(c.redis, c.conf.Undo.SweepLockKey+":"+resourceID)))
	}
	dsOpts := append([]datasource.Option{
		datasource.WithResourceID(resourceID),
		datasource.WithUndoOptions(undoOpts...),
		datasource.WithLockRetry(c.conf.Lock.RetryInterval, c.conf.Lock.RetryTimes),
		datasource.WithDisableGlobalTransaction(c.conf.Service.DisableGlobalTransaction),
	}, opts...)

	ds, err := datasource.New(db, c.rm, dsOpts...)
	if err != nil {
		return nil, err
	}
	if err = c.rm.RegisterResource(ds); err != nil {
		return nil, fmt.Errorf("goat: register datasource %s: %w", resourceID, err)
	}

	c.mux.Lock()
	c.dataSources[resourceID] = ds
	c.mux.Unlock()
	return ds, nil
}

// DataSource 按资源 id 获取数据源
func (c *Client) DataSource(resourceID string) (*datasource.DataSource, bool) {
	c.mux.RLock()
	defer c.mux.RUnlock()
	ds, ok := c.dataSources[resourceID]
	return ds, ok
}

// TM 全局事务管理器
func (c *Client) TM() *tm.TransactionManager {
	return c.tm
}

// RM 分支事务管理器
func (c *Client) RM() *rm.ResourceManager {
	return c.rm
}

// Execute 在全局事务中执行 fn, 见 tm.TransactionManager.Execute
func (c *Client) Execute(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return c.tm.Execute(ctx, name, fn)
}

// CleanUndoLog 清理所有数据源中超过保留天数的 undo 日志
func (c *Client) CleanUndoLog(ctx context.Context) error {
	var err error
	for _, id := range c.rm.ResourceIDs() {
		err = multierr.Append(err, c.rm.CleanUndoLog(ctx, id, c.conf.Undo.SaveDays))
	}
	return err
}

// Close 停止 RM 的后台任务并关闭所有通道
func (c *Client) Close() error {
	err := multierr.Combine(c.rm.Close(), c.channels.Close())
	_ = log.Sync()
	return err
}
