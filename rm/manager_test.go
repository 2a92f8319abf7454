package rm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/xiaoxuxiansheng/goat/protocol"
	"github.com/xiaoxuxiansheng/goat/rpc"
	"github.com/xiaoxuxiansheng/goat/tctest"
	"github.com/xiaoxuxiansheng/goat/undo"
)

// fakeCaller 按请求类型返回预设的响应
type fakeCaller struct {
	mux   sync.Mutex
	calls []protocol.Message
	fn    func(body protocol.Message) (protocol.Message, error)
}

func (f *fakeCaller) Call(_ context.Context, body protocol.Message) (protocol.Message, error) {
	f.mux.Lock()
	f.calls = append(f.calls, body)
	f.mux.Unlock()
	return f.fn(body)
}

// fakeResource 依次返回预设的错误, 用完后返回 nil
type fakeResource struct {
	id           string
	commitErrs   []error
	rollbackErrs []error
	commits      atomic.Int32
	rollbacks    atomic.Int32
	cleaned      chan int
}

func (f *fakeResource) ResourceID() string              { return f.id }
func (f *fakeResource) BranchType() protocol.BranchType { return protocol.BranchTypeAT }

func (f *fakeResource) BranchCommit(context.Context, string, int64) error {
	n := int(f.commits.Inc())
	if n <= len(f.commitErrs) {
		return f.commitErrs[n-1]
	}
	return nil
}

func (f *fakeResource) BranchRollback(context.Context, string, int64) error {
	n := int(f.rollbacks.Inc())
	if n <= len(f.rollbackErrs) {
		return f.rollbackErrs[n-1]
	}
	return nil
}

func (f *fakeResource) CleanUndoLog(_ context.Context, saveDays int) error {
	f.cleaned <- saveDays
	return nil
}

func fastRetry() RetryPolicy {
	return RetryPolicy{Backoff: BackoffConstant, Interval: time.Millisecond}
}

func newTestRM(t *testing.T, caller rpc.Caller, opts ...Option) *ResourceManager {
	opts = append([]Option{WithRetryPolicy(fastRetry())}, opts...)
	r := NewResourceManager(caller, opts...)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestBranchRegister(t *testing.T) {
	caller := &fakeCaller{fn: func(body protocol.Message) (protocol.Message, error) {
		return &protocol.BranchRegisterResponse{Result: protocol.Success(), BranchID: 7}, nil
	}}
	r := newTestRM(t, caller)

	id, err := r.BranchRegister(context.Background(), BranchRegisterParam{XID: "X1", ResourceID: "orderdb", LockKeys: "orders:42"})
	require.NoError(t, err)
	assert.EqualValues(t, 7, id)

	req := caller.calls[0].(*protocol.BranchRegisterRequest)
	assert.Equal(t, "X1", req.XID)
	assert.Equal(t, "orders:42", req.LockKey)
	assert.Equal(t, protocol.BranchTypeAT, req.BranchType)

	b, ok := r.Branch(7)
	require.True(t, ok)
	assert.Equal(t, protocol.BranchStatusRegistered, b.Status)
	assert.Equal(t, "orderdb", b.ResourceID)

	r.MarkPhaseOneDone("X1", 7, "orderdb")
	b, _ = r.Branch(7)
	assert.Equal(t, protocol.BranchStatusPhaseOneDone, b.Status)
}

func TestBranchRegisterFailed(t *testing.T) {
	caller := &fakeCaller{fn: func(body protocol.Message) (protocol.Message, error) {
		return nil, &rpc.RemoteError{TypeCode: body.TypeCode(), Msg: "lock conflict"}
	}}
	r := newTestRM(t, caller)

	_, err := r.BranchRegister(context.Background(), BranchRegisterParam{XID: "X1", ResourceID: "orderdb"})
	require.ErrorIs(t, err, ErrBranchRegistrationFailed)
	assert.ErrorIs(t, err, rpc.ErrRemote)

	caller.fn = func(protocol.Message) (protocol.Message, error) { return nil, rpc.ErrTimeout }
	_, err = r.BranchRegister(context.Background(), BranchRegisterParam{XID: "X1", ResourceID: "orderdb"})
	require.ErrorIs(t, err, ErrBranchRegistrationFailed)
	assert.ErrorIs(t, err, rpc.ErrTimeout)
}

func TestBranchReportAndLockQuery(t *testing.T) {
	caller := &fakeCaller{fn: func(body protocol.Message) (protocol.Message, error) {
		switch body.(type) {
		case *protocol.BranchReportRequest:
			return &protocol.BranchReportResponse{Result: protocol.Success()}, nil
		case *protocol.GlobalLockQueryRequest:
			return &protocol.GlobalLockQueryResponse{Result: protocol.Success(), Lockable: false}, nil
		}
		return nil, errors.New("unexpected")
	}}
	r := newTestRM(t, caller)

	require.NoError(t, r.BranchReport(context.Background(), BranchReportParam{
		XID: "X1", BranchID: 7, ResourceID: "orderdb", Status: protocol.BranchStatusPhaseOneFailed,
	}))
	b, ok := r.Branch(7)
	require.True(t, ok)
	assert.Equal(t, protocol.BranchStatusPhaseOneFailed, b.Status)
	assert.Equal(t, protocol.BranchStatusPhaseOneFailed, caller.calls[0].(*protocol.BranchReportRequest).Status)

	lockable, err := r.LockQuery(context.Background(), LockQueryParam{XID: "X1", ResourceID: "orderdb", LockKeys: "orders:42"})
	require.NoError(t, err)
	assert.False(t, lockable)
}

func TestBranchCommitRetriesUntilSuccess(t *testing.T) {
	r := newTestRM(t, nil, WithCommitRetryCount(3))
	res := &fakeResource{id: "orderdb", commitErrs: []error{errors.New("deadlock"), errors.New("deadlock")}}
	require.NoError(t, r.RegisterResource(res))

	status, err := r.BranchCommit(context.Background(), "X1", 7, "orderdb")
	require.NoError(t, err)
	assert.Equal(t, protocol.BranchStatusPhaseTwoCommitted, status)
	assert.EqualValues(t, 3, res.commits.Load())

	b, ok := r.Branch(7)
	require.True(t, ok)
	assert.Equal(t, protocol.BranchStatusPhaseTwoCommitted, b.Status)
}

func TestBranchCommitRetryExhausted(t *testing.T) {
	r := newTestRM(t, nil, WithCommitRetryCount(2))
	boom := errors.New("db down")
	res := &fakeResource{id: "orderdb", commitErrs: []error{boom, boom, boom, boom}}
	require.NoError(t, r.RegisterResource(res))

	status, err := r.BranchCommit(context.Background(), "X1", 7, "orderdb")
	require.ErrorIs(t, err, ErrRetryExhausted)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, protocol.BranchStatusPhaseTwoCommitFailedRetryable, status)
	assert.EqualValues(t, 3, res.commits.Load())
}

func TestBranchRollbackConflictIsNotRetried(t *testing.T) {
	r := newTestRM(t, nil, WithRollbackRetryCount(5))
	conflict := fmt.Errorf("%w: table orders", undo.ErrUndoApplyConflict)
	res := &fakeResource{id: "orderdb", rollbackErrs: []error{conflict}}
	require.NoError(t, r.RegisterResource(res))

	status, err := r.BranchRollback(context.Background(), "X1", 7, "orderdb")
	require.ErrorIs(t, err, undo.ErrUndoApplyConflict)
	assert.NotErrorIs(t, err, ErrRetryExhausted)
	assert.Equal(t, protocol.BranchStatusPhaseTwoRollbackFailedUnretryable, status)
	assert.EqualValues(t, 1, res.rollbacks.Load())
}

func TestBranchRollbackRetryExhausted(t *testing.T) {
	r := newTestRM(t, nil, WithRollbackRetryCount(1))
	boom := errors.New("lock wait timeout")
	res := &fakeResource{id: "orderdb", rollbackErrs: []error{boom, boom}}
	require.NoError(t, r.RegisterResource(res))

	status, err := r.BranchRollback(context.Background(), "X1", 7, "orderdb")
	require.ErrorIs(t, err, ErrRetryExhausted)
	assert.Equal(t, protocol.BranchStatusPhaseTwoRollbackFailedRetryable, status)
	assert.EqualValues(t, 2, res.rollbacks.Load())
}

func TestPhaseTwoUnknownResource(t *testing.T) {
	r := newTestRM(t, nil)
	status, err := r.BranchCommit(context.Background(), "X1", 7, "missing")
	require.ErrorIs(t, err, ErrResourceNotFound)
	assert.Equal(t, protocol.BranchStatusPhaseTwoCommitFailedRetryable, status)
}

func TestRegisterResource(t *testing.T) {
	r := newTestRM(t, nil)
	require.NoError(t, r.RegisterResource(&fakeResource{id: "stockdb"}))
	require.NoError(t, r.RegisterResource(&fakeResource{id: "orderdb"}))
	assert.Error(t, r.RegisterResource(&fakeResource{id: "orderdb"}))
	assert.Error(t, r.RegisterResource(&fakeResource{}))
	assert.Equal(t, []string{"orderdb", "stockdb"}, r.ResourceIDs())
}

func TestBranchTableEvictsFinishedBranches(t *testing.T) {
	table := newBranchTable(time.Minute)
	table.put(Branch{XID: "X1", BranchID: 1, Status: protocol.BranchStatusRegistered})
	table.update("X1", 2, "orderdb", protocol.BranchStatusPhaseTwoCommitted)

	assert.Zero(t, table.evict(time.Now()))
	assert.Equal(t, 1, table.evict(time.Now().Add(2*time.Minute)))
	_, ok := table.get(2)
	assert.False(t, ok)
	_, ok = table.get(1)
	assert.True(t, ok)
}

func TestProcessorsAnswerCoordinator(t *testing.T) {
	tc, err := tctest.NewServer()
	require.NoError(t, err)
	t.Cleanup(func() { _ = tc.Close() })
	tc.SetNextBranchID(7)

	resolver, err := rpc.NewStaticResolver(map[string]string{"tx_group": "default"}, map[string]string{"default": tc.Addr()})
	require.NoError(t, err)
	dispatcher := rpc.NewDispatcher()
	manager := rpc.NewChannelManager(resolver, rpc.WithDispatcher(dispatcher), rpc.WithRPCTimeout(2*time.Second))
	t.Cleanup(func() { _ = manager.Close() })

	r := newTestRM(t, rpc.NewClient(manager, "tx_group"))
	r.RegisterProcessors(dispatcher)
	res := &fakeResource{id: "orderdb", cleaned: make(chan int, 1)}
	require.NoError(t, r.RegisterResource(res))

	ctx := context.Background()
	id, err := r.BranchRegister(ctx, BranchRegisterParam{XID: "X1", ResourceID: "orderdb", LockKeys: "orders:42"})
	require.NoError(t, err)
	assert.EqualValues(t, 7, id)

	// 全局提交触发 TC 向本进程下发 BranchCommit
	resp, err := rpc.Invoke[*protocol.GlobalCommitResponse](ctx, rpc.NewClient(manager, "tx_group"), &protocol.GlobalCommitRequest{XID: "X1"})
	require.NoError(t, err)
	assert.Equal(t, protocol.GlobalStatusCommitted, resp.GlobalStatus)

	results := tc.BranchResults()
	require.Len(t, results, 1)
	assert.Equal(t, tctest.BranchResult{XID: "X1", BranchID: 7, Status: protocol.BranchStatusPhaseTwoCommitted}, results[0])
	assert.EqualValues(t, 1, res.commits.Load())

	// 单向的 undo 日志清理通知
	conns := tc.Conns()
	require.Len(t, conns, 1)
	require.NoError(t, conns[0].Notify(&protocol.UndoLogDeleteRequest{ResourceID: "orderdb", SaveDays: 3}))
	select {
	case days := <-res.cleaned:
		assert.Equal(t, 3, days)
	case <-time.After(2 * time.Second):
		t.Fatal("undo log delete not processed")
	}
}
