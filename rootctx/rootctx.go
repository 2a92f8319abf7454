package rootctx

import (
	"context"
	"strings"
)

// 全局事务上下文
// TM 开启全局事务后拿到的 xid 需要沿着调用链一路传递给各个 RM,
// 这里通过 context.Context 完成 xid 的携带与读取

type xidKey struct{}

// MaxXIDLength xid 的最大长度, 与 undo_log 表中 xid 字段的长度保持一致
const MaxXIDLength = 128

// WithXID 把 xid 绑定到 ctx 上. 非法的 xid 会被忽略, 直接返回原 ctx
func WithXID(ctx context.Context, xid string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	xid, ok := Normalize(xid)
	if !ok {
		return ctx
	}
	return context.WithValue(ctx, xidKey{}, xid)
}

// XID 获取 ctx 中携带的 xid, 不存在时返回空串
func XID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	xid, _ := ctx.Value(xidKey{}).(string)
	return xid
}

// InGlobalTransaction 判断当前 ctx 是否处于全局事务之中
func InGlobalTransaction(ctx context.Context) bool {
	return XID(ctx) != ""
}

// Unbind 返回一个不再携带 xid 的 ctx, 用于在全局事务中执行不需要参与分支事务的本地操作
func Unbind(ctx context.Context) context.Context {
	if !InGlobalTransaction(ctx) {
		return ctx
	}
	return context.WithValue(ctx, xidKey{}, "")
}

// Normalize 校验 xid 的合法性
func Normalize(xid string) (string, bool) {
	xid = strings.TrimSpace(xid)
	if xid == "" || len(xid) > MaxXIDLength {
		return "", false
	}
	for _, r := range xid {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return xid, true
}
