package retry

import (
	"context"
	"errors"
	"time"
)

// RetryableFuncWithContext 是带上下文的可重试函数类型
type RetryableFuncWithContext func(context.Context) error

// Retrier 重试器
type Retrier struct {
	// 最大尝试次数，包含第一次
	maxAttempts int
	// 退避策略
	backoffStrategy BackoffStrategy
	// 重试条件函数，返回true表示应该重试
	retryCondition func(error) bool
}

// RetryOption 配置Retrier的选项
type RetryOption func(*Retrier)

// WithMaxAttempts 设置最大尝试次数
func WithMaxAttempts(maxAttempts int) RetryOption {
	return func(r *Retrier) {
		if maxAttempts > 0 {
			r.maxAttempts = maxAttempts
		}
	}
}

// WithBackoffStrategy 设置退避策略
func WithBackoffStrategy(strategy BackoffStrategy) RetryOption {
	return func(r *Retrier) {
		r.backoffStrategy = strategy
	}
}

// WithRetryCondition 设置重试条件
func WithRetryCondition(condition func(error) bool) RetryOption {
	return func(r *Retrier) {
		r.retryCondition = condition
	}
}

// NewRetrier 创建一个新的重试器
func NewRetrier(opts ...RetryOption) *Retrier {
	r := &Retrier{
		maxAttempts:     3,
		backoffStrategy: NewJitteredBackoffStrategy(NewExponentialBackoffStrategy(5*time.Millisecond, 200*time.Millisecond, 2.0), 0.5),
		retryCondition:  IsRetryableError,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// MaxAttempts 返回最大尝试次数
func (r *Retrier) MaxAttempts() int {
	return r.maxAttempts
}

// DoWithContext 执行带上下文的重试操作
func (r *Retrier) DoWithContext(ctx context.Context, fn RetryableFuncWithContext) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !r.retryCondition(err) {
			return err
		}

		attempt++
		if attempt >= r.maxAttempts {
			return err
		}

		backoff := r.backoffStrategy.NextBackoff(attempt)
		if backoff <= 0 {
			continue
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// IsRetryableError 检查错误是否可重试
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}
