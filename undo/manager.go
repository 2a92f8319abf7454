package undo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/xiaoxuxiansheng/goat/log"
)

// ErrBranchFinished 一阶段写 undo 日志时发现该分支已被二阶段回滚(存在防御记录), 本地事务必须放弃
var ErrBranchFinished = errors.New("undo: branch already finished by global rollback")

// mysqlDuplicateEntry MySQL 唯一键冲突错误码
const mysqlDuplicateEntry = 1062

// Options undo 日志管理器的配置
type Options struct {
	// undo 日志表名
	Table string
	// 清理时使用的锁
	Locker Locker
	// 清理锁的过期时长
	SweepLockExpire time.Duration
	// 按日期清理时每批删除的行数
	DeleteBatch int
}

type Option func(*Options)

// WithTable 设置 undo 日志表名
func WithTable(table string) Option {
	return func(o *Options) {
		o.Table = table
	}
}

// WithLocker 设置清理锁, 多实例部署时应使用 RedisLocker
func WithLocker(locker Locker) Option {
	return func(o *Options) {
		o.Locker = locker
	}
}

// WithSweepLockExpire 设置清理锁的过期时长
func WithSweepLockExpire(expire time.Duration) Option {
	return func(o *Options) {
		o.SweepLockExpire = expire
	}
}

// WithDeleteBatch 设置每批删除的行数
func WithDeleteBatch(batch int) Option {
	return func(o *Options) {
		o.DeleteBatch = batch
	}
}

func repair(o *Options) {
	if o.Table == "" {
		o.Table = DefaultTable
	}
	if o.Locker == nil {
		o.Locker = &LocalLocker{}
	}
	if o.SweepLockExpire <= 0 {
		o.SweepLockExpire = time.Minute
	}
	if o.DeleteBatch <= 0 {
		o.DeleteBatch = 1000
	}
}

// Manager undo 日志管理器
// 1. 一阶段: 与业务写入在同一个本地事务中写入 undo 日志
// 2. 二阶段提交: 删除 undo 日志
// 3. 二阶段回滚: 校验数据后执行补偿语句并删除 undo 日志, 未找到日志时写入防御记录
// 4. 按日期清理过期的 undo 日志
type Manager struct {
	db   *gorm.DB
	opts *Options
}

// NewManager 构造 undo 日志管理器
func NewManager(db *gorm.DB, opts ...Option) *Manager {
	m := Manager{
		db:   db,
		opts: &Options{},
	}
	for _, opt := range opts {
		opt(m.opts)
	}
	repair(m.opts)
	return &m
}

// Table undo 日志表名
func (m *Manager) Table() string {
	return m.opts.Table
}

// Insert 在本地事务 tx 中写入 undo 日志
// 唯一键冲突说明二阶段回滚已经写入了防御记录, 返回 ErrBranchFinished
func (m *Manager) Insert(ctx context.Context, tx *gorm.DB, branchLog *BranchUndoLog) error {
	info, err := branchLog.Encode()
	if err != nil {
		return fmt.Errorf("undo: encode branch %d: %w", branchLog.BranchID, err)
	}
	now := time.Now()
	record := UndoLog{
		BranchID:     branchLog.BranchID,
		XID:          branchLog.XID,
		Context:      "serializer=json",
		RollbackInfo: info,
		LogStatus:    LogStatusNormal,
		LogCreated:   now,
		LogModified:  now,
	}
	if err = tx.WithContext(ctx).Table(m.opts.Table).Create(&record).Error; err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("%w: xid %s, branch %d", ErrBranchFinished, branchLog.XID, branchLog.BranchID)
		}
		return fmt.Errorf("undo: insert undo log: %w", err)
	}
	return nil
}

// Commit 二阶段提交, 删除 undo 日志; 日志不存在时同样视为成功
func (m *Manager) Commit(ctx context.Context, xid string, branchID int64) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return m.delete(tx, xid, branchID)
	})
}

// Undo 二阶段回滚
//  1. 加锁读取 undo 日志
//  2. 日志不存在: 写入防御记录后视为成功, 迟到的一阶段写 undo 日志时会因唯一键冲突而失败
//  3. 日志为防御记录: 已回滚过, 视为成功
//  4. 按语句逆序执行补偿, 每条语句执行前校验当前数据
//  5. 删除 undo 日志
//
// 以上步骤在同一个本地事务中完成, 校验失败时整体回滚, 返回 ErrUndoApplyConflict
func (m *Manager) Undo(ctx context.Context, xid string, branchID int64) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 1. 加锁读取
		var record UndoLog
		err := tx.Table(m.opts.Table).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("xid = ? AND branch_id = ?", xid, branchID).
			Take(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// 2. 写入防御记录
			log.InfoContextf(ctx, "undo log not found, insert global finished record, branch: %d", branchID)
			return m.insertFinished(tx, xid, branchID)
		}
		if err != nil {
			return fmt.Errorf("undo: load undo log: %w", err)
		}

		// 3. 防御记录
		if record.LogStatus == LogStatusGlobalFinished {
			return nil
		}

		// 4. 逆序补偿
		branchLog, err := DecodeBranchUndoLog(record.RollbackInfo)
		if err != nil {
			return err
		}
		for i := len(branchLog.SQLUndoLogs) - 1; i >= 0; i-- {
			exec, err := newExecutor(branchLog.SQLUndoLogs[i])
			if err != nil {
				return err
			}
			if err = exec.execute(tx); err != nil {
				return err
			}
		}

		// 5. 删除
		return m.delete(tx, xid, branchID)
	})
}

func (m *Manager) delete(tx *gorm.DB, xid string, branchID int64) error {
	if err := tx.Table(m.opts.Table).Where("xid = ? AND branch_id = ?", xid, branchID).Delete(&UndoLog{}).Error; err != nil {
		return fmt.Errorf("undo: delete undo log: %w", err)
	}
	return nil
}

func (m *Manager) insertFinished(tx *gorm.DB, xid string, branchID int64) error {
	now := time.Now()
	record := UndoLog{
		BranchID:     branchID,
		XID:          xid,
		Context:      "serializer=json",
		RollbackInfo: []byte("{}"),
		LogStatus:    LogStatusGlobalFinished,
		LogCreated:   now,
		LogModified:  now,
	}
	if err := tx.Table(m.opts.Table).Create(&record).Error; err != nil {
		return fmt.Errorf("undo: insert global finished record: %w", err)
	}
	return nil
}

// DeleteByDate 分批删除 log_created 不晚于 before 的 undo 日志, 返回删除的总行数
func (m *Manager) DeleteByDate(ctx context.Context, before time.Time) (int64, error) {
	query := fmt.Sprintf("DELETE FROM %s WHERE log_created <= ? LIMIT ?", QuoteIdent(m.opts.Table))
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		res := m.db.WithContext(ctx).Exec(query, before, m.opts.DeleteBatch)
		if res.Error != nil {
			return total, fmt.Errorf("undo: delete by date: %w", res.Error)
		}
		total += res.RowsAffected
		if res.RowsAffected < int64(m.opts.DeleteBatch) {
			return total, nil
		}
	}
}

// Sweep 清理 saveDays 天之前的 undo 日志
// 取锁失败说明其他实例正在清理, 直接返回
func (m *Manager) Sweep(ctx context.Context, saveDays int) (int64, error) {
	if saveDays <= 0 {
		saveDays = 7
	}
	if err := m.opts.Locker.Lock(ctx, m.opts.SweepLockExpire); err != nil {
		log.InfoContextf(ctx, "undo log sweep skipped, lock is held: %v", err)
		return 0, nil
	}
	defer func() {
		if err := m.opts.Locker.Unlock(ctx); err != nil {
			log.WarnContextf(ctx, "undo log sweep unlock failed, err: %v", err)
		}
	}()

	deleted, err := m.DeleteByDate(ctx, time.Now().AddDate(0, 0, -saveDays))
	if err != nil {
		return deleted, err
	}
	log.InfoContextf(ctx, "undo log sweep done, table: %s, save days: %d, deleted: %d", m.opts.Table, saveDays, deleted)
	return deleted, nil
}

func isDuplicate(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry
}
