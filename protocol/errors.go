package protocol

import (
	"errors"
	"fmt"
)

// ErrIncompleteFrame 当前缓冲区中的字节不足一帧, 调用方应继续读取后再解码
var ErrIncompleteFrame = errors.New("protocol: incomplete frame")

// FramingError 帧解码失败
// Fatal 为 true 表示字节流已经失去同步(魔数错误/长度非法/版本不支持), 连接无法继续使用;
// 否则帧边界仍然可知, 该帧已被跳过, 连接可以继续解码后续的帧
type FramingError struct {
	Fatal  bool
	ID     uint32
	Reason string
	Err    error
}

func (e *FramingError) Error() string {
	kind := "recoverable"
	if e.Fatal {
		kind = "fatal"
	}
	if e.Err != nil {
		return fmt.Sprintf("protocol: %s framing error (id=%d): %s: %v", kind, e.ID, e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol: %s framing error (id=%d): %s", kind, e.ID, e.Reason)
}

func (e *FramingError) Unwrap() error {
	return e.Err
}

// IsFatal 判断 err 是否为导致连接失去同步的解码错误
func IsFatal(err error) bool {
	var fe *FramingError
	return errors.As(err, &fe) && fe.Fatal
}

func fatalf(format string, args ...interface{}) *FramingError {
	return &FramingError{Fatal: true, Reason: fmt.Sprintf(format, args...)}
}

func recoverable(id uint32, reason string, err error) *FramingError {
	return &FramingError{ID: id, Reason: reason, Err: err}
}
