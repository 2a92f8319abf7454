package datasource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/xiaoxuxiansheng/goat/log"
	"github.com/xiaoxuxiansheng/goat/protocol"
	"github.com/xiaoxuxiansheng/goat/rm"
	"github.com/xiaoxuxiansheng/goat/rootctx"
	"github.com/xiaoxuxiansheng/goat/sqlparser"
	"github.com/xiaoxuxiansheng/goat/undo"
)

// ErrGlobalLockConflict 待加锁的行被其他全局事务持有, 重试后仍未释放
var ErrGlobalLockConflict = errors.New("datasource: global lock conflict")

// BranchEngine 数据源依赖的分支事务能力, 由 rm.ResourceManager 实现
type BranchEngine interface {
	BranchRegister(ctx context.Context, param rm.BranchRegisterParam) (int64, error)
	BranchReport(ctx context.Context, param rm.BranchReportParam) error
	LockQuery(ctx context.Context, param rm.LockQueryParam) (bool, error)
	MarkPhaseOneDone(xid string, branchID int64, resourceID string)
}

// DataSource AT 模式的数据源代理
// 1. 不在全局事务中的语句直接交给底层数据库执行
// 2. 全局事务中的 INSERT/UPDATE/DELETE 在一个本地事务中完成:
//    前镜像 -> 分支注册 -> 执行语句 -> 后镜像 -> 写 undo 日志 -> 提交本地事务
// 3. 作为 rm.Resource 注册进 ResourceManager, 二阶段提交删除 undo 日志, 二阶段回滚执行补偿
type DataSource struct {
	db     *gorm.DB
	engine BranchEngine
	undo   *undo.Manager
	meta   *metaCache
	opts   *Options
}

// New 构造数据源代理
func New(db *gorm.DB, engine BranchEngine, opts ...Option) (*DataSource, error) {
	d := DataSource{
		db:     db,
		engine: engine,
		opts:   &Options{},
	}
	for _, opt := range opts {
		opt(d.opts)
	}
	repair(d.opts)
	if d.opts.ResourceID == "" {
		return nil, errors.New("datasource: empty resource id")
	}

	meta, err := newMetaCache(db, d.opts.MetaCacheSize)
	if err != nil {
		return nil, err
	}
	d.meta = meta
	d.undo = undo.NewManager(db, d.opts.UndoOptions...)
	return &d, nil
}

// DB 底层的 gorm 连接, 执行不需要参与分支事务的操作
func (d *DataSource) DB() *gorm.DB {
	return d.db
}

// UndoManager undo 日志管理器
func (d *DataSource) UndoManager() *undo.Manager {
	return d.undo
}

// ResourceID 资源 id
func (d *DataSource) ResourceID() string {
	return d.opts.ResourceID
}

// BranchType 分支事务模式
func (d *DataSource) BranchType() protocol.BranchType {
	return protocol.BranchTypeAT
}

// BranchCommit 二阶段提交: 删除 undo 日志
func (d *DataSource) BranchCommit(ctx context.Context, xid string, branchID int64) error {
	return d.undo.Commit(ctx, xid, branchID)
}

// BranchRollback 二阶段回滚: 执行补偿并删除 undo 日志
func (d *DataSource) BranchRollback(ctx context.Context, xid string, branchID int64) error {
	return d.undo.Undo(ctx, xid, branchID)
}

// CleanUndoLog 清理保留天数之前的 undo 日志
func (d *DataSource) CleanUndoLog(ctx context.Context, saveDays int) error {
	_, err := d.undo.Sweep(ctx, saveDays)
	return err
}

// inGlobal 返回 ctx 中的 xid, 关闭全局事务时视为不在全局事务中
func (d *DataSource) inGlobal(ctx context.Context) (string, bool) {
	if d.opts.DisableGlobalTransaction {
		return "", false
	}
	xid := rootctx.XID(ctx)
	return xid, xid != ""
}

// ExecContext 执行一条语句
func (d *DataSource) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	xid, ok := d.inGlobal(ctx)
	if !ok {
		return d.execLocal(ctx, query, args...)
	}

	stmt, err := d.opts.Recognizer.Recognize(query, sqlparser.DialectMySQL)
	if err != nil {
		return nil, err
	}
	if !stmt.Type().IsMutation() {
		return d.execLocal(ctx, query, args...)
	}
	return d.execBranch(ctx, xid, stmt, args)
}

func (d *DataSource) execLocal(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	sqlDB, err := d.db.DB()
	if err != nil {
		return nil, err
	}
	return sqlDB.ExecContext(ctx, query, args...)
}

// execBranch 在本地事务中执行语句并生成 undo 日志
//  1. 加载表的主键
//  2. UPDATE/DELETE: SELECT ... FOR UPDATE 取前镜像, 以前镜像的主键为 lock keys 注册分支
//  3. 执行语句
//  4. 取后镜像; INSERT 以后镜像的主键为 lock keys 注册分支
//  5. 在同一个本地事务中写入 undo 日志并提交
//
// 分支注册之后出现的失败会把分支状态上报为 PhaseOne_Failed
func (d *DataSource) execBranch(ctx context.Context, xid string, stmt *sqlparser.Statement, args []interface{}) (result sql.Result, err error) {
	// 1. 表元数据
	meta, err := d.meta.get(ctx, stmt.Table())
	if err != nil {
		return nil, err
	}

	tx := d.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, fmt.Errorf("datasource: begin local transaction: %w", tx.Error)
	}
	var (
		branchID  int64
		committed bool
	)
	defer func() {
		if committed {
			return
		}
		_ = tx.Rollback().Error
		if branchID != 0 {
			d.reportFailed(ctx, xid, branchID, err)
		}
	}()

	// 2. 前镜像
	before, err := d.beforeImage(tx, stmt, meta, args)
	if err != nil {
		return nil, err
	}
	if stmt.Type() != sqlparser.SQLTypeInsert {
		if before.Empty() {
			// 没有命中任何行, 不需要注册分支
			result, err = tx.Statement.ConnPool.ExecContext(ctx, stmt.SQL(), args...)
			if err != nil {
				return nil, err
			}
			if err = tx.Commit().Error; err != nil {
				return nil, err
			}
			committed = true
			return result, nil
		}
		if branchID, err = d.register(ctx, xid, before.LockKeys()); err != nil {
			return nil, err
		}
	}

	// 3. 执行
	if result, err = tx.Statement.ConnPool.ExecContext(ctx, stmt.SQL(), args...); err != nil {
		return nil, err
	}

	// 4. 后镜像
	after, err := d.afterImage(tx, stmt, meta, before, args, result)
	if err != nil {
		return nil, err
	}
	if stmt.Type() == sqlparser.SQLTypeInsert {
		if branchID, err = d.register(ctx, xid, after.LockKeys()); err != nil {
			return nil, err
		}
	}

	// 5. undo 日志与本地提交
	branchLog := &undo.BranchUndoLog{
		XID:      xid,
		BranchID: branchID,
		SQLUndoLogs: []undo.SQLUndoLog{{
			SQLType:     stmt.Type(),
			TableName:   stmt.Table(),
			BeforeImage: before,
			AfterImage:  after,
		}},
	}
	if err = d.undo.Insert(ctx, tx, branchLog); err != nil {
		return nil, err
	}
	if err = tx.Commit().Error; err != nil {
		return nil, fmt.Errorf("datasource: commit local transaction: %w", err)
	}
	committed = true
	d.engine.MarkPhaseOneDone(xid, branchID, d.opts.ResourceID)
	return result, nil
}

func (d *DataSource) register(ctx context.Context, xid, lockKeys string) (int64, error) {
	return d.engine.BranchRegister(ctx, rm.BranchRegisterParam{
		XID:        xid,
		ResourceID: d.opts.ResourceID,
		LockKeys:   lockKeys,
	})
}

// reportFailed 上报一阶段失败, 上报失败只记录日志
func (d *DataSource) reportFailed(ctx context.Context, xid string, branchID int64, cause error) {
	log.WarnContextf(ctx, "branch phase one failed, resource: %s, branch: %d, err: %v", d.opts.ResourceID, branchID, cause)
	if err := d.engine.BranchReport(ctx, rm.BranchReportParam{
		XID:        xid,
		BranchID:   branchID,
		ResourceID: d.opts.ResourceID,
		Status:     protocol.BranchStatusPhaseOneFailed,
	}); err != nil {
		log.ErrorContextf(ctx, "report phase one failed, branch: %d, err: %v", branchID, err)
	}
}
