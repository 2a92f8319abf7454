package rm

import (
	"context"

	"github.com/xiaoxuxiansheng/goat/log"
	"github.com/xiaoxuxiansheng/goat/protocol"
	"github.com/xiaoxuxiansheng/goat/rootctx"
	"github.com/xiaoxuxiansheng/goat/rpc"
)

// RegisterProcessors 把 TC 下发指令的处理器注册到分发器上
// 处理器在通道的接收循环中被调用, 二阶段的工作另起 goroutine 执行, 完成后通过同一条通道回复
func (r *ResourceManager) RegisterProcessors(d *rpc.Dispatcher) {
	d.Register(protocol.TypeBranchCommit, rpc.ProcessorFunc(r.processBranchCommit))
	d.Register(protocol.TypeBranchRollback, rpc.ProcessorFunc(r.processBranchRollback))
	d.Register(protocol.TypeUndoLogDelete, rpc.ProcessorFunc(r.processUndoLogDelete))
}

// async 在 ResourceManager 的生命周期内执行 fn, Close 会等待其结束
func (r *ResourceManager) async(fn func(ctx context.Context)) {
	r.life.RLock()
	defer r.life.RUnlock()
	if r.ctx.Err() != nil {
		log.Warnf("resource manager closed, command dropped")
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn(r.ctx)
	}()
}

func (r *ResourceManager) processBranchCommit(_ context.Context, ch *rpc.Channel, msg *protocol.RpcMessage) {
	req, ok := msg.Body.(*protocol.BranchCommitRequest)
	if !ok {
		return
	}
	r.async(func(ctx context.Context) {
		status, err := r.BranchCommit(ctx, req.XID, req.BranchID, req.ResourceID)
		resp := &protocol.BranchCommitResponse{
			Result:       protocol.Success(),
			XID:          req.XID,
			BranchID:     req.BranchID,
			BranchStatus: status,
		}
		if err != nil {
			resp.Result = protocol.Failure(err.Error())
		}
		reply(rootctx.WithXID(ctx, req.XID), ch, msg, resp)
	})
}

func (r *ResourceManager) processBranchRollback(_ context.Context, ch *rpc.Channel, msg *protocol.RpcMessage) {
	req, ok := msg.Body.(*protocol.BranchRollbackRequest)
	if !ok {
		return
	}
	r.async(func(ctx context.Context) {
		status, err := r.BranchRollback(ctx, req.XID, req.BranchID, req.ResourceID)
		resp := &protocol.BranchRollbackResponse{
			Result:       protocol.Success(),
			XID:          req.XID,
			BranchID:     req.BranchID,
			BranchStatus: status,
		}
		if err != nil {
			resp.Result = protocol.Failure(err.Error())
		}
		reply(rootctx.WithXID(ctx, req.XID), ch, msg, resp)
	})
}

// processUndoLogDelete TC 的清理通知是单向报文, 不需要回复
func (r *ResourceManager) processUndoLogDelete(_ context.Context, _ *rpc.Channel, msg *protocol.RpcMessage) {
	req, ok := msg.Body.(*protocol.UndoLogDeleteRequest)
	if !ok {
		return
	}
	r.async(func(ctx context.Context) {
		if err := r.CleanUndoLog(ctx, req.ResourceID, int(req.SaveDays)); err != nil {
			log.WarnContextf(ctx, "clean undo log failed, resource: %s, save days: %d, err: %v", req.ResourceID, req.SaveDays, err)
		}
	})
}

func reply(ctx context.Context, ch *rpc.Channel, req *protocol.RpcMessage, body protocol.Message) {
	if req.MessageType == protocol.MessageTypeRequestOneway {
		return
	}
	if err := ch.Send(protocol.NewResponse(req, body)); err != nil {
		log.ErrorContextf(ctx, "reply %s to %s failed, err: %v", body.TypeCode(), ch.Address(), err)
	}
}
