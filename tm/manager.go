package tm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/multierr"

	"github.com/xiaoxuxiansheng/goat/log"
	"github.com/xiaoxuxiansheng/goat/protocol"
	"github.com/xiaoxuxiansheng/goat/rootctx"
	"github.com/xiaoxuxiansheng/goat/rpc"
)

// TransactionManager 全局事务的发起方
//  1. Begin 向 TC 申请 xid 开启全局事务
//  2. Commit/Rollback 通知 TC 推进全局事务的二阶段, 遇到传输错误按配置重试
//  3. Execute 事务模板: 业务函数返回错误或 panic 时回滚, 否则提交
type TransactionManager struct {
	caller rpc.Caller
	opts   *Options
}

// NewTransactionManager 构造 TransactionManager
func NewTransactionManager(caller rpc.Caller, opts ...Option) *TransactionManager {
	t := TransactionManager{
		caller: caller,
		opts:   &Options{},
	}
	for _, opt := range opts {
		opt(t.opts)
	}
	repair(t.opts)
	return &t
}

// Begin 开启全局事务, timeout 不大于 0 时使用默认超时时长
// ctx 中已经携带 xid 时不再开启新的全局事务, 以参与者身份加入, 提交与回滚交由发起者完成
func (t *TransactionManager) Begin(ctx context.Context, name string, timeout time.Duration) (*GlobalTransaction, error) {
	if t.opts.DisableGlobalTransaction {
		return newGlobalTransaction(t, "", name, RoleLocal), nil
	}
	if xid := rootctx.XID(ctx); xid != "" {
		log.DebugContextf(ctx, "join global transaction, xid: %s, name: %s", xid, name)
		return newGlobalTransaction(t, xid, name, RoleParticipant), nil
	}

	if timeout <= 0 {
		timeout = t.opts.DefaultTimeout
	}
	resp, err := rpc.Invoke[*protocol.GlobalBeginResponse](ctx, t.caller, &protocol.GlobalBeginRequest{
		Timeout:         int32(timeout / time.Millisecond),
		TransactionName: name,
	})
	observe("begin", err)
	if err != nil {
		return nil, fmt.Errorf("tm: begin %s: %w", name, err)
	}
	xid, ok := rootctx.Normalize(resp.XID)
	if !ok {
		return nil, fmt.Errorf("tm: begin %s: invalid xid %q", name, resp.XID)
	}
	log.InfoContextf(ctx, "global transaction begin, xid: %s, name: %s, timeout: %s", xid, name, timeout)
	return newGlobalTransaction(t, xid, name, RoleLauncher), nil
}

// Execute 在全局事务中执行 fn
//  1. 开启全局事务, 把 xid 绑定到传给 fn 的 ctx 上
//  2. fn 返回错误时回滚全局事务, 返回 fn 的错误与回滚的错误
//  3. fn panic 时回滚全局事务后继续 panic
//  4. fn 成功时提交全局事务
func (t *TransactionManager) Execute(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	gtx, err := t.Begin(ctx, name, 0)
	if err != nil {
		return err
	}

	defer func() {
		p := recover()
		if p == nil {
			return
		}
		if _, rerr := gtx.Rollback(ctx); rerr != nil {
			log.ErrorContextf(ctx, "rollback after panic failed, xid: %s, err: %v", gtx.XID(), rerr)
		}
		panic(p)
	}()

	if err = fn(gtx.Context(ctx)); err != nil {
		if _, rerr := gtx.Rollback(ctx); rerr != nil {
			return multierr.Append(err, rerr)
		}
		return err
	}
	_, err = gtx.Commit(ctx)
	return err
}

// call 发送全局事务请求, 传输错误按策略重试, TC 返回的失败结果不重试
func (t *TransactionManager) call(ctx context.Context, retries int, body protocol.Message) (protocol.Message, error) {
	var resp protocol.Message
	attempts, err := t.opts.Retry.Do(ctx, retries, func() error {
		r, err := t.caller.Call(ctx, body)
		if err != nil {
			if errors.Is(err, rpc.ErrRemote) {
				return backoff.Permanent(err)
			}
			log.WarnContextf(ctx, "%s failed, will retry, err: %v", body.TypeCode(), err)
			return err
		}
		resp = r
		return nil
	})
	if attempts > 1 {
		log.InfoContextf(ctx, "%s finished after %d attempts, err: %v", body.TypeCode(), attempts, err)
	}
	return resp, err
}
