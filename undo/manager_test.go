package undo

import (
	"context"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaoxuxiansheng/redis_lock"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/xiaoxuxiansheng/goat/sqlparser"
)

const (
	selectUndoLog = "SELECT \\* FROM `undo_log` WHERE xid = \\? AND branch_id = \\?.*FOR UPDATE"
	deleteUndoLog = "DELETE FROM `undo_log` WHERE xid = \\? AND branch_id = \\?"
	insertUndoLog = "INSERT INTO `undo_log`"
)

var undoLogColumns = []string{"id", "branch_id", "xid", "context", "rollback_info", "log_status", "log_created", "log_modified"}

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	db, err := gorm.Open(gormmysql.New(gormmysql.Config{Conn: conn, SkipInitializeWithVersion: true}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return db, mock
}

func undoLogRow(t *testing.T, status int, logs ...SQLUndoLog) *sqlmock.Rows {
	t.Helper()
	info := []byte("{}")
	if len(logs) > 0 {
		var err error
		info, err = (&BranchUndoLog{XID: "X1", BranchID: 7, SQLUndoLogs: logs}).Encode()
		require.NoError(t, err)
	}
	now := time.Now()
	return sqlmock.NewRows(undoLogColumns).AddRow(1, 7, "X1", "serializer=json", info, status, now, now)
}

func updateOrderLog() SQLUndoLog {
	return SQLUndoLog{
		SQLType:     sqlparser.SQLTypeUpdate,
		TableName:   "orders",
		BeforeImage: orderImage("NEW", 42),
		AfterImage:  orderImage("PAID", 42),
	}
}

func TestCommitIsIdempotent(t *testing.T) {
	db, mock := newMockDB(t)
	m := NewManager(db)

	mock.ExpectBegin()
	mock.ExpectExec(deleteUndoLog).WithArgs("X1", int64(7)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	// 第二次提交时日志已不存在
	mock.ExpectBegin()
	mock.ExpectExec(deleteUndoLog).WithArgs("X1", int64(7)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, m.Commit(context.Background(), "X1", 7))
	require.NoError(t, m.Commit(context.Background(), "X1", 7))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUndoCompensatesUpdate(t *testing.T) {
	db, mock := newMockDB(t)
	m := NewManager(db)

	mock.ExpectBegin()
	mock.ExpectQuery(selectUndoLog).WillReturnRows(undoLogRow(t, LogStatusNormal, updateOrderLog()))
	mock.ExpectQuery("SELECT `id`,`status` FROM `orders` WHERE `id`=\\? FOR UPDATE").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).AddRow(42, []byte("PAID")))
	mock.ExpectExec("UPDATE `orders` SET `status`=\\? WHERE `id`=\\?").
		WithArgs("NEW", int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(deleteUndoLog).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, m.Undo(context.Background(), "X1", 7))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUndoAppliesStatementsInReverseOrder(t *testing.T) {
	db, mock := newMockDB(t)
	m := NewManager(db)

	insertLog := SQLUndoLog{
		SQLType:    sqlparser.SQLTypeInsert,
		TableName:  "orders",
		AfterImage: orderImage("NEW", 50),
	}

	mock.ExpectBegin()
	mock.ExpectQuery(selectUndoLog).WillReturnRows(undoLogRow(t, LogStatusNormal, insertLog, updateOrderLog()))
	// 后执行的 UPDATE 先补偿
	mock.ExpectQuery("SELECT .* FROM `orders` WHERE `id`=\\? FOR UPDATE").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).AddRow(42, "PAID"))
	mock.ExpectExec("UPDATE `orders`").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT .* FROM `orders` WHERE `id`=\\? FOR UPDATE").
		WithArgs(int64(50)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).AddRow(50, "NEW"))
	mock.ExpectExec("DELETE FROM `orders` WHERE `id`=\\?").WithArgs(int64(50)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(deleteUndoLog).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, m.Undo(context.Background(), "X1", 7))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUndoSkipsAlreadyCompensatedRows(t *testing.T) {
	db, mock := newMockDB(t)
	m := NewManager(db)

	mock.ExpectBegin()
	mock.ExpectQuery(selectUndoLog).WillReturnRows(undoLogRow(t, LogStatusNormal, updateOrderLog()))
	mock.ExpectQuery("SELECT `id`,`status` FROM `orders`").
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).AddRow(42, "NEW"))
	mock.ExpectExec(deleteUndoLog).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, m.Undo(context.Background(), "X1", 7))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUndoConflictWritesNothing(t *testing.T) {
	db, mock := newMockDB(t)
	m := NewManager(db)

	mock.ExpectBegin()
	mock.ExpectQuery(selectUndoLog).WillReturnRows(undoLogRow(t, LogStatusNormal, updateOrderLog()))
	mock.ExpectQuery("SELECT `id`,`status` FROM `orders`").
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).AddRow(42, "CANCELLED"))
	mock.ExpectRollback()

	err := m.Undo(context.Background(), "X1", 7)
	require.ErrorIs(t, err, ErrUndoApplyConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUndoWithoutLogInsertsFinishedRecord(t *testing.T) {
	db, mock := newMockDB(t)
	m := NewManager(db)

	mock.ExpectBegin()
	mock.ExpectQuery(selectUndoLog).WillReturnRows(sqlmock.NewRows(undoLogColumns))
	mock.ExpectExec(insertUndoLog).
		WithArgs(int64(7), "X1", "serializer=json", []byte("{}"), LogStatusGlobalFinished, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	// 再次回滚时读到防御记录
	mock.ExpectBegin()
	mock.ExpectQuery(selectUndoLog).WillReturnRows(undoLogRow(t, LogStatusGlobalFinished))
	mock.ExpectCommit()

	require.NoError(t, m.Undo(context.Background(), "X1", 7))
	require.NoError(t, m.Undo(context.Background(), "X1", 7))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertAfterFinishedRecordFails(t *testing.T) {
	db, mock := newMockDB(t)
	m := NewManager(db)

	mock.ExpectBegin()
	mock.ExpectExec(insertUndoLog).WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'X1-7'"})
	mock.ExpectRollback()

	tx := db.Begin()
	require.NoError(t, tx.Error)
	err := m.Insert(context.Background(), tx, &BranchUndoLog{XID: "X1", BranchID: 7, SQLUndoLogs: []SQLUndoLog{updateOrderLog()}})
	require.ErrorIs(t, err, ErrBranchFinished)
	require.NoError(t, tx.Rollback().Error)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertWritesRollbackInfo(t *testing.T) {
	db, mock := newMockDB(t)
	m := NewManager(db, WithTable("undo_log"))

	mock.ExpectBegin()
	mock.ExpectExec(insertUndoLog).
		WithArgs(int64(7), "X1", "serializer=json", rollbackInfoArg{}, LogStatusNormal, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(3, 1))
	mock.ExpectCommit()

	tx := db.Begin()
	require.NoError(t, m.Insert(context.Background(), tx, &BranchUndoLog{XID: "X1", BranchID: 7, SQLUndoLogs: []SQLUndoLog{updateOrderLog()}}))
	require.NoError(t, tx.Commit().Error)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// rollbackInfoArg 校验写入的 rollback_info 可以被还原
type rollbackInfoArg struct{}

func (rollbackInfoArg) Match(v driver.Value) bool {
	data, ok := v.([]byte)
	if !ok {
		return false
	}
	b, err := DecodeBranchUndoLog(data)
	return err == nil && b.XID == "X1" && len(b.SQLUndoLogs) == 1
}

func TestDeleteByDateInBatches(t *testing.T) {
	db, mock := newMockDB(t)
	m := NewManager(db, WithDeleteBatch(2))

	query := "DELETE FROM `undo_log` WHERE log_created <= \\? LIMIT \\?"
	mock.ExpectExec(query).WithArgs(sqlmock.AnyArg(), 2).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(query).WithArgs(sqlmock.AnyArg(), 2).WillReturnResult(sqlmock.NewResult(0, 1))

	deleted, err := m.DeleteByDate(context.Background(), time.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 3, deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSweepUnderRedisLock(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis_lock.NewClient("tcp", s.Addr(), "")

	db, mock := newMockDB(t)
	holder := NewRedisLocker(client, "goat:undo:sweep")
	m := NewManager(db, WithLocker(NewRedisLocker(client, "goat:undo:sweep")), WithSweepLockExpire(10*time.Second))

	// 其他实例持有锁时跳过
	require.NoError(t, holder.Lock(context.Background(), 10*time.Second))
	deleted, err := m.Sweep(context.Background(), 7)
	require.NoError(t, err)
	assert.Zero(t, deleted)
	require.NoError(t, holder.Unlock(context.Background()))

	mock.ExpectExec("DELETE FROM `undo_log` WHERE log_created <= \\? LIMIT \\?").WillReturnResult(sqlmock.NewResult(0, 5))
	deleted, err = m.Sweep(context.Background(), 7)
	require.NoError(t, err)
	assert.EqualValues(t, 5, deleted)
	assert.NoError(t, mock.ExpectationsWereMet())

	// 清理结束后锁已释放
	require.NoError(t, holder.Lock(context.Background(), time.Second))
	require.NoError(t, holder.Unlock(context.Background()))
}

func TestLocalLocker(t *testing.T) {
	var l LocalLocker
	require.NoError(t, l.Lock(context.Background(), time.Second))
	assert.Error(t, l.Lock(context.Background(), time.Second))
	require.NoError(t, l.Unlock(context.Background()))
	assert.NoError(t, l.Lock(context.Background(), time.Second))
}

func TestCompensationStatements(t *testing.T) {
	exec, err := newExecutor(SQLUndoLog{
		SQLType:     sqlparser.SQLTypeDelete,
		TableName:   "orders",
		BeforeImage: orderImage("NEW", 42, 43),
	})
	require.NoError(t, err)
	stmts := exec.statements()
	require.Len(t, stmts, 2)
	assert.Equal(t, "INSERT INTO `orders` (`id`,`status`) VALUES (?,?)", stmts[0].sql)
	assert.Equal(t, []interface{}{int64(43), "NEW"}, stmts[1].args)

	exec, err = newExecutor(SQLUndoLog{SQLType: sqlparser.SQLTypeInsert, TableName: "orders", AfterImage: orderImage("NEW", 1, 2)})
	require.NoError(t, err)
	stmts = exec.statements()
	require.Len(t, stmts, 1)
	assert.Equal(t, "DELETE FROM `orders` WHERE `id`=? OR `id`=?", stmts[0].sql)

	_, err = newExecutor(SQLUndoLog{SQLType: sqlparser.SQLTypeSelect})
	assert.Error(t, err)
}
