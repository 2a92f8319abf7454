package undo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xiaoxuxiansheng/redis_lock"
	"gorm.io/gorm"
)

// DefaultTable undo 日志表的默认表名
const DefaultTable = "undo_log"

const (
	// LogStatusNormal 一阶段正常写入的 undo 日志
	LogStatusNormal = 0
	// LogStatusGlobalFinished 二阶段回滚时未找到 undo 日志而写入的防御记录, 阻止迟到的一阶段提交
	LogStatusGlobalFinished = 1
)

// UndoLog undo_log 表的一行, 与业务写入在同一个本地事务中落库
type UndoLog struct {
	ID           int64     `gorm:"column:id;primaryKey;autoIncrement"`
	BranchID     int64     `gorm:"column:branch_id;not null;uniqueIndex:ux_undo_log,priority:2"`
	XID          string    `gorm:"column:xid;type:varchar(128);not null;uniqueIndex:ux_undo_log,priority:1"`
	Context      string    `gorm:"column:context;type:varchar(128);not null"`
	RollbackInfo []byte    `gorm:"column:rollback_info;type:longblob;not null"`
	LogStatus    int       `gorm:"column:log_status;not null"`
	LogCreated   time.Time `gorm:"column:log_created;not null;index"`
	LogModified  time.Time `gorm:"column:log_modified;not null"`
}

// TableName gorm 使用的默认表名
func (UndoLog) TableName() string {
	return DefaultTable
}

// Migrate 在 db 中创建 undo 日志表, table 为空时使用默认表名
func Migrate(db *gorm.DB, table string) error {
	if table == "" {
		table = DefaultTable
	}
	return db.Table(table).AutoMigrate(&UndoLog{})
}

// Locker undo 日志清理使用的锁
// 多个 RM 实例共享同一个库时需要使用分布式锁, 保证同一时刻只有一个实例在执行清理
type Locker interface {
	// Lock 取锁, 锁被他人持有时直接返回错误, 不阻塞
	Lock(ctx context.Context, expire time.Duration) error
	// Unlock 释放锁
	Unlock(ctx context.Context) error
}

// RedisLocker 基于 redis_lock 的分布式锁
type RedisLocker struct {
	client *redis_lock.Client
	key    string

	mux  sync.Mutex
	lock *redis_lock.RedisLock
}

// NewRedisLocker 构造分布式锁, key 为所有 RM 实例共享的锁 key
func NewRedisLocker(client *redis_lock.Client, key string) *RedisLocker {
	return &RedisLocker{
		client: client,
		key:    key,
	}
}

// Lock 非阻塞取锁, expire 不足一秒时按一秒处理
func (r *RedisLocker) Lock(ctx context.Context, expire time.Duration) error {
	seconds := int64(expire / time.Second)
	if seconds <= 0 {
		seconds = 1
	}
	lock := redis_lock.NewRedisLock(r.key, r.client, redis_lock.WithExpireSeconds(seconds))
	if err := lock.Lock(ctx); err != nil {
		return fmt.Errorf("undo: acquire lock %s: %w", r.key, err)
	}

	r.mux.Lock()
	r.lock = lock
	r.mux.Unlock()
	return nil
}

// Unlock 释放最近一次取到的锁
func (r *RedisLocker) Unlock(ctx context.Context) error {
	r.mux.Lock()
	lock := r.lock
	r.lock = nil
	r.mux.Unlock()

	if lock == nil {
		return errors.New("undo: unlock without lock")
	}
	return lock.Unlock(ctx)
}

// LocalLocker 进程内的锁, 未配置 redis 时使用
type LocalLocker struct {
	mux sync.Mutex
}

// Lock 非阻塞取锁, 进程内锁不会过期
func (l *LocalLocker) Lock(_ context.Context, _ time.Duration) error {
	if !l.mux.TryLock() {
		return errors.New("undo: local lock is held")
	}
	return nil
}

// Unlock 释放锁
func (l *LocalLocker) Unlock(_ context.Context) error {
	l.mux.Unlock()
	return nil
}
