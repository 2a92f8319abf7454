package datasource

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"

	"github.com/xiaoxuxiansheng/goat/log"
	"github.com/xiaoxuxiansheng/goat/rm"
	"github.com/xiaoxuxiansheng/goat/sqlparser"
)

// QueryForUpdate 执行查询并把结果扫描到 dest
// 在全局事务中执行 SELECT ... FOR UPDATE 时, 除了本地行锁之外还需要确认这些行的全局锁没有被其他全局事务持有:
//  1. 开启本地事务, 按语句条件对主键加行锁
//  2. 向 TC 查询全局锁, 被他人持有时回滚本地事务并按配置重试
//  3. 全局锁可用时在同一个本地事务中执行原查询
func (d *DataSource) QueryForUpdate(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	xid, ok := d.inGlobal(ctx)
	if !ok {
		return d.db.WithContext(ctx).Raw(query, args...).Scan(dest).Error
	}
	stmt, err := d.opts.Recognizer.Recognize(query, sqlparser.DialectMySQL)
	if err != nil {
		return err
	}
	if stmt.Type() != sqlparser.SQLTypeSelectForUpdate {
		return d.db.WithContext(ctx).Raw(query, args...).Scan(dest).Error
	}
	meta, err := d.meta.get(ctx, stmt.Table())
	if err != nil {
		return err
	}

	_, err = d.opts.lockRetryPolicy().Do(ctx, d.opts.LockRetryTimes, func() error {
		err := d.queryWithGlobalLock(ctx, xid, stmt, meta, dest, args)
		if err == nil || errors.Is(err, ErrGlobalLockConflict) {
			return err
		}
		return backoff.Permanent(err)
	})
	if errors.Is(err, rm.ErrRetryExhausted) {
		log.WarnContextf(ctx, "global lock still held after %d retries, table: %s", d.opts.LockRetryTimes, stmt.Table())
	}
	return err
}

func (d *DataSource) queryWithGlobalLock(ctx context.Context, xid string, stmt *sqlparser.Statement, meta TableMeta, dest interface{}, args []interface{}) error {
	tx := d.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return fmt.Errorf("datasource: begin local transaction: %w", tx.Error)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback().Error
		}
	}()

	// 1. 本地行锁
	locked, err := queryRecords(tx, stmt.Table(), meta.PrimaryKeys, lockSQL(stmt, meta.PrimaryKeys), stmt.WhereArgs(args))
	if err != nil {
		return err
	}

	// 2. 全局锁
	if !locked.Empty() {
		lockable, err := d.engine.LockQuery(ctx, rm.LockQueryParam{
			XID:        xid,
			ResourceID: d.opts.ResourceID,
			LockKeys:   locked.LockKeys(),
		})
		if err != nil {
			return err
		}
		if !lockable {
			return fmt.Errorf("%w: %s", ErrGlobalLockConflict, locked.LockKeys())
		}
	}

	// 3. 原查询
	if err = tx.Raw(stmt.SQL(), args...).Scan(dest).Error; err != nil {
		return err
	}
	if err = tx.Commit().Error; err != nil {
		return err
	}
	committed = true
	return nil
}
