package goat

import (
	"context"
	"database/sql/driver"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/xiaoxuxiansheng/goat/config"
	"github.com/xiaoxuxiansheng/goat/datasource"
	"github.com/xiaoxuxiansheng/goat/protocol"
	"github.com/xiaoxuxiansheng/goat/rootctx"
	"github.com/xiaoxuxiansheng/goat/sqlparser"
	"github.com/xiaoxuxiansheng/goat/tctest"
	"github.com/xiaoxuxiansheng/goat/undo"
)

const updateOrder = "UPDATE orders SET status = ? WHERE id = ?"

type fixture struct {
	tc     *tctest.Server
	client *Client
	ds     *datasource.DataSource
	mock   sqlmock.Sqlmock
}

func newFixture(t *testing.T, edit func(c *config.Config)) *fixture {
	t.Helper()
	tc, err := tctest.NewServer()
	require.NoError(t, err)
	t.Cleanup(func() { _ = tc.Close() })
	tc.SetNextBranchID(7)
	tc.Handle(protocol.TypeGlobalBegin, func(*tctest.Conn, *protocol.RpcMessage) protocol.Message {
		return &protocol.GlobalBeginResponse{Result: protocol.Success(), XID: "X1"}
	})

	conf, err := config.Default()
	require.NoError(t, err)
	conf.ApplicationID = "order-service"
	conf.Service.VgroupMapping = map[string]string{conf.TxServiceGroup: "default"}
	conf.Service.Grouplist = map[string]interface{}{"default": tc.Addr()}
	conf.Transport.HeartbeatInterval = 0
	conf.Transport.RPCTimeout = 2 * time.Second
	conf.Retry.Interval = 10 * time.Millisecond
	if edit != nil {
		edit(conf)
	}

	client, err := New(conf, WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	db, err := gorm.Open(gormmysql.New(gormmysql.Config{Conn: conn, SkipInitializeWithVersion: true}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	ds, err := client.AddDataSource("orderdb", db)
	require.NoError(t, err)
	return &fixture{tc: tc, client: client, ds: ds, mock: mock}
}

// expectPhaseOne 订单 42 由 PENDING 改为 PAID 的一阶段, 写入的 rollback_info 保存到 info
func (f *fixture) expectPhaseOne(info *rollbackInfo) {
	f.mock.ExpectQuery("SELECT COLUMN_NAME FROM information_schema.KEY_COLUMN_USAGE").
		WithArgs("orders").
		WillReturnRows(sqlmock.NewRows([]string{"COLUMN_NAME"}).AddRow("id"))
	f.mock.ExpectBegin()
	f.mock.ExpectQuery("SELECT \\* FROM `orders` WHERE .+ FOR UPDATE").
		WithArgs(42).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).AddRow(42, "PENDING"))
	f.mock.ExpectExec("UPDATE orders SET status").WithArgs("PAID", 42).WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectQuery("SELECT \\* FROM `orders` WHERE `id`=\\?").
		WithArgs(42).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).AddRow(42, "PAID"))
	f.mock.ExpectExec("INSERT INTO `undo_log`").
		WithArgs(int64(7), "X1", sqlmock.AnyArg(), info, undo.LogStatusNormal, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	f.mock.ExpectCommit()
}

// rollbackInfo 记录一阶段写入 undo_log 的 rollback_info
type rollbackInfo struct {
	mux  sync.Mutex
	data []byte
}

func (r *rollbackInfo) Match(v driver.Value) bool {
	data, ok := v.([]byte)
	if !ok {
		return false
	}
	r.mux.Lock()
	defer r.mux.Unlock()
	r.data = append([]byte(nil), data...)
	return true
}

func (r *rollbackInfo) Bytes() []byte {
	r.mux.Lock()
	defer r.mux.Unlock()
	return r.data
}

func TestGlobalCommit(t *testing.T) {
	f := newFixture(t, nil)
	f.expectPhaseOne(&rollbackInfo{})
	// 二阶段提交删除 undo 日志
	f.mock.ExpectBegin()
	f.mock.ExpectExec("DELETE FROM `undo_log` WHERE xid = \\? AND branch_id = \\?").
		WithArgs("X1", 7).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	var xid string
	err := f.client.Execute(context.Background(), "pay-order", func(ctx context.Context) error {
		xid = rootctx.XID(ctx)
		_, err := f.ds.ExecContext(ctx, updateOrder, "PAID", 42)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "X1", xid)
	assert.NoError(t, f.mock.ExpectationsWereMet())

	branches := f.tc.Branches("X1")
	require.Len(t, branches, 1)
	assert.EqualValues(t, 7, branches[0].BranchID)
	assert.Equal(t, "orderdb", branches[0].ResourceID)
	assert.Equal(t, "orders:42", branches[0].LockKey)

	assert.Equal(t, []tctest.BranchResult{{XID: "X1", BranchID: 7, Status: protocol.BranchStatusPhaseTwoCommitted}}, f.tc.BranchResults())

	b, ok := f.client.RM().Branch(7)
	require.True(t, ok)
	assert.Equal(t, protocol.BranchStatusPhaseTwoCommitted, b.Status)

	// 握手上报了应用标识与资源
	regs := f.tc.RequestsOf(protocol.TypeRegisterRM)
	require.NotEmpty(t, regs)
	rmReq := regs[0].(*protocol.RegisterRMRequest)
	assert.Equal(t, "order-service", rmReq.ApplicationID)
	assert.Contains(t, rmReq.ResourceIDs, "orderdb")
	assert.NotEmpty(t, f.tc.RequestsOf(protocol.TypeRegisterTM))
}

func TestGlobalRollback(t *testing.T) {
	f := newFixture(t, nil)
	info := &rollbackInfo{}
	f.expectPhaseOne(info)

	bizErr := errors.New("payment declined")
	err := f.client.Execute(context.Background(), "pay-order", func(ctx context.Context) error {
		if _, err := f.ds.ExecContext(ctx, updateOrder, "PAID", 42); err != nil {
			return err
		}

		// 二阶段回滚读取一阶段写入的 undo 日志: 校验当前数据等于后镜像, 恢复前镜像并删除 undo 日志
		now := time.Now()
		f.mock.ExpectBegin()
		f.mock.ExpectQuery("SELECT \\* FROM `undo_log` WHERE xid = \\? AND branch_id = \\?.*FOR UPDATE").
			WillReturnRows(sqlmock.NewRows([]string{"id", "branch_id", "xid", "context", "rollback_info", "log_status", "log_created", "log_modified"}).
				AddRow(1, 7, "X1", "serializer=json", info.Bytes(), undo.LogStatusNormal, now, now))
		f.mock.ExpectQuery("SELECT `id`,`status` FROM `orders` WHERE `id`=\\? FOR UPDATE").
			WithArgs(int64(42)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).AddRow(42, "PAID"))
		f.mock.ExpectExec("UPDATE `orders` SET `status`=\\? WHERE `id`=\\?").
			WithArgs("PENDING", int64(42)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		f.mock.ExpectExec("DELETE FROM `undo_log`").WillReturnResult(sqlmock.NewResult(0, 1))
		f.mock.ExpectCommit()
		return bizErr
	})
	require.ErrorIs(t, err, bizErr)
	assert.NoError(t, f.mock.ExpectationsWereMet())
	assert.Equal(t, []tctest.BranchResult{{XID: "X1", BranchID: 7, Status: protocol.BranchStatusPhaseTwoRollbacked}}, f.tc.BranchResults())
	assert.Len(t, f.tc.RequestsOf(protocol.TypeGlobalRollback), 1)
	assert.Empty(t, f.tc.RequestsOf(protocol.TypeGlobalCommit))

	branchLog, err := undo.DecodeBranchUndoLog(info.Bytes())
	require.NoError(t, err)
	require.Len(t, branchLog.SQLUndoLogs, 1)
	sqlLog := branchLog.SQLUndoLogs[0]
	assert.Equal(t, sqlparser.SQLTypeUpdate, sqlLog.SQLType)
	require.Len(t, sqlLog.BeforeImage.Rows, 1)
	status, _ := sqlLog.BeforeImage.Rows[0].Get("status")
	assert.Equal(t, "PENDING", status)
}

func TestDisabledGlobalTransaction(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Service.DisableGlobalTransaction = true
	})
	f.mock.ExpectExec("UPDATE orders SET status").WithArgs("PAID", 42).WillReturnResult(sqlmock.NewResult(0, 1))

	err := f.client.Execute(context.Background(), "pay-order", func(ctx context.Context) error {
		_, err := f.ds.ExecContext(ctx, updateOrder, "PAID", 42)
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, f.mock.ExpectationsWereMet())
	assert.Empty(t, f.tc.RequestsOf(protocol.TypeGlobalBegin))
}

func TestUndoLogDeleteUnderRedisLock(t *testing.T) {
	s := miniredis.RunT(t)
	f := newFixture(t, func(c *config.Config) {
		c.Redis.Address = s.Addr()
	})
	key := "goat:undo_log:sweep:orderdb"

	// 锁被其他实例持有时跳过本轮清理
	require.NoError(t, s.Set(key, "other-instance"))
	require.NoError(t, f.client.CleanUndoLog(context.Background()))

	s.Del(key)
	f.mock.ExpectExec("DELETE FROM `undo_log` WHERE log_created").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, f.client.CleanUndoLog(context.Background()))
	assert.NoError(t, f.mock.ExpectationsWereMet())
	assert.False(t, s.Exists(key))
}

func TestConcurrentGlobalTransactions(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Service.DisableGlobalTransaction = true
	})
	f.mock.MatchExpectationsInOrder(false)
	for i := 0; i < 4; i++ {
		f.mock.ExpectExec("UPDATE orders SET status").WillReturnResult(sqlmock.NewResult(0, 1))
	}

	var g errgroup.Group
	for i := 0; i < 4; i++ {
		id := 40 + i
		g.Go(func() error {
			return f.client.Execute(context.Background(), "pay-order", func(ctx context.Context) error {
				_, err := f.ds.ExecContext(ctx, updateOrder, "PAID", id)
				return err
			})
		})
	}
	require.NoError(t, g.Wait())
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestDataSourceLookup(t *testing.T) {
	f := newFixture(t, nil)
	ds, ok := f.client.DataSource("orderdb")
	require.True(t, ok)
	assert.Same(t, f.ds, ds)

	_, err := f.client.AddDataSource("orderdb", f.ds.DB())
	assert.Error(t, err)
	_, ok = f.client.DataSource("userdb")
	assert.False(t, ok)
}
