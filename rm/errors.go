package rm

import "errors"

var (
	// ErrBranchRegistrationFailed TC 拒绝注册或注册请求未送达, 本地事务不能继续
	ErrBranchRegistrationFailed = errors.New("rm: branch registration failed")
	// ErrRetryExhausted 二阶段提交/回滚在重试次数内没有成功
	ErrRetryExhausted = errors.New("rm: retry exhausted")
	// ErrResourceNotFound 二阶段指令中的资源未在本进程注册
	ErrResourceNotFound = errors.New("rm: resource not found")
)
