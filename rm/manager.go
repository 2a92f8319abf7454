package rm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/xiaoxuxiansheng/goat/log"
	"github.com/xiaoxuxiansheng/goat/protocol"
	"github.com/xiaoxuxiansheng/goat/rootctx"
	"github.com/xiaoxuxiansheng/goat/rpc"
	"github.com/xiaoxuxiansheng/goat/undo"
)

// ResourceManager AT 模式下的分支事务引擎
// 1. 组成部分:
//  1.1 registryCenter: 资源注册中心, 二阶段指令按资源 id 找到数据源
//  1.2 branchTable: 本进程参与过的分支及其最近状态
//  1.3 caller: 与 TC 通信的同步调用客户端
// 2. 功能:
//  2.1 一阶段: 分支注册、全局锁查询、一阶段失败上报
//  2.2 二阶段: 处理 TC 下发的提交/回滚指令, 按重试策略驱动分支走向终态
//  2.3 处理 TC 下发的 undo 日志清理指令
//  2.4 异步轮询清理分支表中过期的终态分支
type ResourceManager struct {
	ctx      context.Context
	stop     context.CancelFunc
	opts     *Options
	caller   rpc.Caller
	registry *registryCenter
	branches *branchTable

	life sync.RWMutex
	wg   sync.WaitGroup
}

// NewResourceManager 构造 ResourceManager 并启动分支表清理任务
func NewResourceManager(caller rpc.Caller, opts ...Option) *ResourceManager {
	ctx, cancel := context.WithCancel(context.Background())
	r := ResourceManager{
		ctx:      ctx,
		stop:     cancel,
		opts:     &Options{},
		caller:   caller,
		registry: newRegistryCenter(),
	}
	for _, opt := range opts {
		opt(r.opts)
	}
	repair(r.opts)
	r.branches = newBranchTable(r.opts.BranchRecordTTL)

	r.wg.Add(1)
	go r.run()
	return &r
}

// Close 停止后台任务, 并等待正在执行的二阶段指令结束
func (r *ResourceManager) Close() error {
	r.life.Lock()
	r.stop()
	r.life.Unlock()
	r.wg.Wait()
	return nil
}

// RegisterResource 注册资源
func (r *ResourceManager) RegisterResource(resource Resource) error {
	return r.registry.register(resource)
}

// ResourceIDs 已注册的资源 id, 供 RM 握手上报
func (r *ResourceManager) ResourceIDs() []string {
	return r.registry.ids()
}

// Branch 查询分支表中的分支
func (r *ResourceManager) Branch(branchID int64) (Branch, bool) {
	return r.branches.get(branchID)
}

// BranchRegisterParam 分支注册参数
type BranchRegisterParam struct {
	XID             string
	ResourceID      string
	LockKeys        string
	ApplicationData string
}

// BranchRegister 向 TC 注册分支, 返回分支 id
// TC 拒绝或请求未送达时返回包装了 ErrBranchRegistrationFailed 的错误
func (r *ResourceManager) BranchRegister(ctx context.Context, param BranchRegisterParam) (int64, error) {
	resp, err := rpc.Invoke[*protocol.BranchRegisterResponse](ctx, r.caller, &protocol.BranchRegisterRequest{
		XID:             param.XID,
		BranchType:      protocol.BranchTypeAT,
		ResourceID:      param.ResourceID,
		LockKey:         param.LockKeys,
		ApplicationData: param.ApplicationData,
	})
	if err != nil {
		branchRegisterCounter.WithLabelValues("failed").Inc()
		return 0, fmt.Errorf("%w: resource %s: %w", ErrBranchRegistrationFailed, param.ResourceID, err)
	}
	branchRegisterCounter.WithLabelValues("ok").Inc()

	r.branches.put(Branch{
		XID:        param.XID,
		BranchID:   resp.BranchID,
		ResourceID: param.ResourceID,
		BranchType: protocol.BranchTypeAT,
		Status:     protocol.BranchStatusRegistered,
	})
	log.DebugContextf(ctx, "branch registered, resource: %s, branch: %d, lock keys: %s", param.ResourceID, resp.BranchID, param.LockKeys)
	return resp.BranchID, nil
}

// MarkPhaseOneDone 一阶段本地事务提交成功
func (r *ResourceManager) MarkPhaseOneDone(xid string, branchID int64, resourceID string) {
	r.branches.update(xid, branchID, resourceID, protocol.BranchStatusPhaseOneDone)
}

// BranchReportParam 分支状态上报参数
type BranchReportParam struct {
	XID             string
	BranchID        int64
	ResourceID      string
	Status          protocol.BranchStatus
	ApplicationData string
}

// BranchReport 记录分支状态并上报给 TC
func (r *ResourceManager) BranchReport(ctx context.Context, param BranchReportParam) error {
	r.branches.update(param.XID, param.BranchID, param.ResourceID, param.Status)
	_, err := rpc.Invoke[*protocol.BranchReportResponse](ctx, r.caller, &protocol.BranchReportRequest{
		XID:             param.XID,
		BranchID:        param.BranchID,
		ResourceID:      param.ResourceID,
		BranchType:      protocol.BranchTypeAT,
		Status:          param.Status,
		ApplicationData: param.ApplicationData,
	})
	if err != nil {
		return fmt.Errorf("rm: report branch %d status %s: %w", param.BranchID, param.Status, err)
	}
	return nil
}

// LockQueryParam 全局锁查询参数
type LockQueryParam struct {
	XID        string
	ResourceID string
	LockKeys   string
}

// LockQuery 查询 lock keys 对应的全局锁是否可以被当前全局事务获取
func (r *ResourceManager) LockQuery(ctx context.Context, param LockQueryParam) (bool, error) {
	resp, err := rpc.Invoke[*protocol.GlobalLockQueryResponse](ctx, r.caller, &protocol.GlobalLockQueryRequest{
		XID:        param.XID,
		BranchType: protocol.BranchTypeAT,
		ResourceID: param.ResourceID,
		LockKey:    param.LockKeys,
	})
	if err != nil {
		return false, fmt.Errorf("rm: global lock query: %w", err)
	}
	return resp.Lockable, nil
}

// BranchCommit 执行二阶段提交
//  1. 成功: PhaseTwo_Committed
//  2. 重试耗尽: PhaseTwo_CommitFailed_Retryable, 错误包装 ErrRetryExhausted
//  3. 不可重试的错误: PhaseTwo_CommitFailed_Unretryable
func (r *ResourceManager) BranchCommit(ctx context.Context, xid string, branchID int64, resourceID string) (protocol.BranchStatus, error) {
	return r.phaseTwo(ctx, "commit", xid, branchID, resourceID, r.opts.CommitRetryCount,
		func(ctx context.Context, res Resource) error { return res.BranchCommit(ctx, xid, branchID) },
		protocol.BranchStatusPhaseTwoCommitted,
		protocol.BranchStatusPhaseTwoCommitFailedRetryable,
		protocol.BranchStatusPhaseTwoCommitFailedUnretryable,
	)
}

// BranchRollback 执行二阶段回滚
//  1. 成功: PhaseTwo_Rollbacked
//  2. 重试耗尽: PhaseTwo_RollbackFailed_Retryable, 错误包装 ErrRetryExhausted
//  3. 数据校验冲突: PhaseTwo_RollbackFailed_Unretryable, 不重试
func (r *ResourceManager) BranchRollback(ctx context.Context, xid string, branchID int64, resourceID string) (protocol.BranchStatus, error) {
	return r.phaseTwo(ctx, "rollback", xid, branchID, resourceID, r.opts.RollbackRetryCount,
		func(ctx context.Context, res Resource) error { return res.BranchRollback(ctx, xid, branchID) },
		protocol.BranchStatusPhaseTwoRollbacked,
		protocol.BranchStatusPhaseTwoRollbackFailedRetryable,
		protocol.BranchStatusPhaseTwoRollbackFailedUnretryable,
	)
}

func (r *ResourceManager) phaseTwo(ctx context.Context, phase, xid string, branchID int64, resourceID string, retries int,
	fn func(ctx context.Context, res Resource) error, done, retryable, unretryable protocol.BranchStatus) (protocol.BranchStatus, error) {
	ctx = rootctx.WithXID(ctx, xid)

	// 1. 找到资源
	res, err := r.registry.get(resourceID)
	if err != nil {
		r.finish(phase, xid, branchID, resourceID, retryable, 0)
		return retryable, err
	}

	// 2. 按策略重试, 数据冲突或资源声明为 backoff.Permanent 的错误不重试
	var permanent bool
	attempts, err := r.opts.Retry.Do(ctx, retries, func() error {
		err := fn(ctx, res)
		if err == nil {
			return nil
		}
		log.WarnContextf(ctx, "branch %s failed, branch: %d, err: %v", phase, branchID, err)
		var pe *backoff.PermanentError
		switch {
		case errors.As(err, &pe):
			permanent = true
		case errors.Is(err, undo.ErrUndoApplyConflict):
			permanent = true
			return backoff.Permanent(err)
		}
		return err
	})

	// 3. 映射分支状态
	status := done
	switch {
	case err == nil:
	case permanent:
		status = unretryable
	default:
		status = retryable
	}
	r.finish(phase, xid, branchID, resourceID, status, attempts)
	if err != nil {
		log.ErrorContextf(ctx, "branch %s gave up, branch: %d, status: %s, attempts: %d, err: %v", phase, branchID, status, attempts, err)
		return status, err
	}
	log.InfoContextf(ctx, "branch %s done, branch: %d, attempts: %d", phase, branchID, attempts)
	return status, nil
}

func (r *ResourceManager) finish(phase, xid string, branchID int64, resourceID string, status protocol.BranchStatus, attempts int) {
	r.branches.update(xid, branchID, resourceID, status)
	phaseTwoCounter.WithLabelValues(phase, status.String()).Inc()
	if attempts > 0 {
		phaseTwoAttempts.WithLabelValues(phase).Observe(float64(attempts))
	}
}

// CleanUndoLog 清理资源中保留天数之前的 undo 日志
func (r *ResourceManager) CleanUndoLog(ctx context.Context, resourceID string, saveDays int) error {
	res, err := r.registry.get(resourceID)
	if err != nil {
		return err
	}
	cleaner, ok := res.(UndoLogCleaner)
	if !ok {
		return fmt.Errorf("rm: resource %s does not keep undo log", resourceID)
	}
	return cleaner.CleanUndoLog(ctx, saveDays)
}

// run 异步轮询任务, 定期清理分支表中过期的终态分支
func (r *ResourceManager) run() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-time.After(r.opts.MonitorTick):
			if n := r.branches.evict(time.Now()); n > 0 {
				log.Debugf("evict %d finished branches, remain: %d", n, r.branches.len())
			}
		}
	}
}
