package rpc

import (
	"errors"
	"fmt"

	"github.com/xiaoxuxiansheng/goat/protocol"
)

var (
	// ErrConnectionClosed 连接已关闭, 所有在途请求都会收到该错误
	ErrConnectionClosed = errors.New("rpc: connection closed")
	// ErrTimeout 在超时时间内没有收到响应, 请求可能仍在途中
	ErrTimeout = errors.New("rpc: request timeout")
	// ErrNoAvailableAddress 事务分组下没有可用的 TC 地址
	ErrNoAvailableAddress = errors.New("rpc: no available address")
	// ErrRemote TC 返回了失败的结果码
	ErrRemote = errors.New("rpc: remote failure")
)

// RemoteError 携带 TC 返回的错误信息
type RemoteError struct {
	TypeCode protocol.TypeCode
	Msg      string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc: remote failure on %s: %s", e.TypeCode, e.Msg)
}

func (e *RemoteError) Is(target error) bool {
	return target == ErrRemote
}
