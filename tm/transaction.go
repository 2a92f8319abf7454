package tm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xiaoxuxiansheng/goat/log"
	"github.com/xiaoxuxiansheng/goat/protocol"
	"github.com/xiaoxuxiansheng/goat/rootctx"
	"github.com/xiaoxuxiansheng/goat/rpc"
)

// ErrTransactionFinished 全局事务已经提交或回滚
var ErrTransactionFinished = errors.New("tm: global transaction finished")

// Role 当前进程在全局事务中的角色
type Role int

const (
	// RoleLauncher 开启全局事务的一方, 负责提交或回滚
	RoleLauncher Role = iota
	// RoleParticipant 沿调用链加入全局事务的一方, 提交与回滚不与 TC 交互
	RoleParticipant
	// RoleLocal 关闭全局事务时的本地事务
	RoleLocal
)

func (r Role) String() string {
	switch r {
	case RoleLauncher:
		return "Launcher"
	case RoleParticipant:
		return "Participant"
	default:
		return "Local"
	}
}

// GlobalTransaction 全局事务句柄, 可以并发使用
type GlobalTransaction struct {
	tm      *TransactionManager
	xid     string
	name    string
	role    Role
	beginAt time.Time

	mux      sync.Mutex
	status   protocol.GlobalStatus
	finished bool
}

func newGlobalTransaction(tm *TransactionManager, xid, name string, role Role) *GlobalTransaction {
	return &GlobalTransaction{
		tm:      tm,
		xid:     xid,
		name:    name,
		role:    role,
		beginAt: time.Now(),
		status:  protocol.GlobalStatusBegin,
	}
}

// XID 全局事务 id, 本地事务返回空串
func (g *GlobalTransaction) XID() string {
	return g.xid
}

// Name 全局事务名称
func (g *GlobalTransaction) Name() string {
	return g.name
}

// Role 当前进程在全局事务中的角色
func (g *GlobalTransaction) Role() Role {
	return g.role
}

// Context 返回携带 xid 的 ctx, 在该 ctx 下执行的数据源语句会注册为分支
func (g *GlobalTransaction) Context(ctx context.Context) context.Context {
	if g.xid == "" {
		return ctx
	}
	return rootctx.WithXID(ctx, g.xid)
}

// Commit 提交全局事务, 返回 TC 给出的全局事务状态
func (g *GlobalTransaction) Commit(ctx context.Context) (protocol.GlobalStatus, error) {
	return g.finish(ctx, true)
}

// Rollback 回滚全局事务, 返回 TC 给出的全局事务状态
func (g *GlobalTransaction) Rollback(ctx context.Context) (protocol.GlobalStatus, error) {
	return g.finish(ctx, false)
}

// finish 推进全局事务的二阶段
//  1. 已经结束的事务返回 ErrTransactionFinished
//  2. 参与者与本地事务只更新本地状态
//  3. 发起者向 TC 发送 GlobalCommit/GlobalRollback, 失败时事务保持未结束, 可以再次调用
func (g *GlobalTransaction) finish(ctx context.Context, commit bool) (protocol.GlobalStatus, error) {
	g.mux.Lock()
	defer g.mux.Unlock()

	if g.finished {
		return g.status, fmt.Errorf("%w: xid %s, status %s", ErrTransactionFinished, g.xid, g.status)
	}

	op := "rollback"
	if commit {
		op = "commit"
	}

	if g.role != RoleLauncher {
		g.finished = true
		if commit {
			g.status = protocol.GlobalStatusCommitted
		} else {
			g.status = protocol.GlobalStatusRollbacked
		}
		if g.role == RoleParticipant {
			log.DebugContextf(ctx, "participant skips global %s, xid: %s", op, g.xid)
		}
		return g.status, nil
	}

	var (
		status protocol.GlobalStatus
		err    error
	)
	if commit {
		status, err = g.commit(ctx)
	} else {
		status, err = g.rollback(ctx)
	}
	observe(op, err)
	if err != nil {
		log.ErrorContextf(ctx, "global %s failed, xid: %s, err: %v", op, g.xid, err)
		return g.status, fmt.Errorf("tm: global %s %s: %w", op, g.xid, err)
	}

	g.status = status
	g.finished = true
	globalTxDuration.WithLabelValues(op).Observe(time.Since(g.beginAt).Seconds())
	log.InfoContextf(ctx, "global %s done, xid: %s, status: %s", op, g.xid, status)
	return status, nil
}

func (g *GlobalTransaction) commit(ctx context.Context) (protocol.GlobalStatus, error) {
	resp, err := g.tm.call(ctx, g.tm.opts.CommitRetryCount, &protocol.GlobalCommitRequest{XID: g.xid})
	if err != nil {
		return protocol.GlobalStatusUnknown, err
	}
	r, ok := resp.(*protocol.GlobalCommitResponse)
	if !ok {
		return protocol.GlobalStatusUnknown, fmt.Errorf("unexpected response %s", resp.TypeCode())
	}
	return r.GlobalStatus, nil
}

func (g *GlobalTransaction) rollback(ctx context.Context) (protocol.GlobalStatus, error) {
	resp, err := g.tm.call(ctx, g.tm.opts.RollbackRetryCount, &protocol.GlobalRollbackRequest{XID: g.xid})
	if err != nil {
		return protocol.GlobalStatusUnknown, err
	}
	r, ok := resp.(*protocol.GlobalRollbackResponse)
	if !ok {
		return protocol.GlobalStatusUnknown, fmt.Errorf("unexpected response %s", resp.TypeCode())
	}
	return r.GlobalStatus, nil
}

// Status 向 TC 查询全局事务的最新状态, 参与者与本地事务返回本地记录的状态
func (g *GlobalTransaction) Status(ctx context.Context) (protocol.GlobalStatus, error) {
	if g.role != RoleLauncher {
		g.mux.Lock()
		defer g.mux.Unlock()
		return g.status, nil
	}

	resp, err := rpc.Invoke[*protocol.GlobalStatusResponse](ctx, g.tm.caller, &protocol.GlobalStatusRequest{XID: g.xid})
	if err != nil {
		return protocol.GlobalStatusUnknown, fmt.Errorf("tm: global status %s: %w", g.xid, err)
	}

	g.mux.Lock()
	defer g.mux.Unlock()
	g.status = resp.GlobalStatus
	return resp.GlobalStatus, nil
}
