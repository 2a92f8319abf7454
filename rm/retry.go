package rm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffKind 重试间隔的策略
type BackoffKind string

const (
	// BackoffNone 失败后立即重试
	BackoffNone BackoffKind = "none"
	// BackoffConstant 固定间隔重试
	BackoffConstant BackoffKind = "constant"
	// BackoffExponential 指数退避, 间隔封顶为 MaxInterval
	BackoffExponential BackoffKind = "exponential"
)

// ParseBackoffKind 解析配置中的退避策略, 大小写不敏感, 空串视为 constant
func ParseBackoffKind(s string) (BackoffKind, error) {
	switch kind := BackoffKind(strings.ToLower(strings.TrimSpace(s))); kind {
	case "":
		return BackoffConstant, nil
	case BackoffNone, BackoffConstant, BackoffExponential:
		return kind, nil
	default:
		return "", fmt.Errorf("rm: unknown backoff %q", s)
	}
}

// RetryPolicy 二阶段提交/回滚的重试间隔策略, 重试次数由调用方指定
type RetryPolicy struct {
	Backoff     BackoffKind
	Interval    time.Duration
	MaxInterval time.Duration
	Multiplier  float64
}

// DefaultRetryPolicy 固定 1s 间隔
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Backoff:     BackoffConstant,
		Interval:    time.Second,
		MaxInterval: 30 * time.Second,
		Multiplier:  2,
	}
}

func (p RetryPolicy) repair() RetryPolicy {
	if p.Backoff == "" {
		p.Backoff = BackoffConstant
	}
	if p.Interval <= 0 {
		p.Interval = time.Second
	}
	if p.MaxInterval < p.Interval {
		p.MaxInterval = p.Interval
	}
	if p.Multiplier <= 1 {
		p.Multiplier = 2
	}
	return p
}

// NewBackOff 构造最多重试 retries 次的退避器, ctx 结束时停止重试
func (p RetryPolicy) NewBackOff(ctx context.Context, retries int) backoff.BackOff {
	p = p.repair()
	if retries < 0 {
		retries = 0
	}

	var b backoff.BackOff
	switch p.Backoff {
	case BackoffNone:
		b = &backoff.ZeroBackOff{}
	case BackoffExponential:
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = p.Interval
		exp.MaxInterval = p.MaxInterval
		exp.Multiplier = p.Multiplier
		exp.RandomizationFactor = 0
		exp.MaxElapsedTime = 0
		exp.Reset()
		b = exp
	default:
		b = backoff.NewConstantBackOff(p.Interval)
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// Do 执行 op, 失败时按策略最多重试 retries 次
//  1. op 返回 backoff.Permanent 包装的错误时不再重试, 直接返回原始错误
//  2. 重试耗尽时返回的错误同时包装 ErrRetryExhausted 与最后一次的错误
//  3. 返回实际执行的次数
func (p RetryPolicy) Do(ctx context.Context, retries int, op func() error) (int, error) {
	var (
		attempts  int
		permanent bool
	)
	err := backoff.Retry(func() error {
		attempts++
		err := op()
		var pe *backoff.PermanentError
		if errors.As(err, &pe) {
			permanent = true
		}
		return err
	}, p.NewBackOff(ctx, retries))
	if err == nil || permanent {
		return attempts, err
	}
	if ctx.Err() != nil {
		return attempts, err
	}
	return attempts, fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempts, err)
}
