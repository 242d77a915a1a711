package retry

import (
	"context"
	"errors"
	"fmt"
)

// ErrConflict 表示写入时记录版本已被其他请求修改
var ErrConflict = errors.New("retry: version conflict")

// ErrExhausted 表示冲突重试次数耗尽
var ErrExhausted = errors.New("retry: compare-and-swap attempts exhausted")

// Versioned 是支持乐观锁的记录
type Versioned interface {
	GetVersion() int64
}

// CASStore 描述一个支持按版本条件写入的存储
// Swap 仅当存储中的版本等于 expected 时写入 next，否则返回 ErrConflict
type CASStore[T Versioned] interface {
	Load(ctx context.Context) (T, error)
	Swap(ctx context.Context, expected int64, next T) error
}

// CASFuncs 用函数实现 CASStore
type CASFuncs[T Versioned] struct {
	LoadFunc func(ctx context.Context) (T, error)
	SwapFunc func(ctx context.Context, expected int64, next T) error
}

// Load 读取当前记录
func (f CASFuncs[T]) Load(ctx context.Context) (T, error) { return f.LoadFunc(ctx) }

// Swap 按版本条件写入
func (f CASFuncs[T]) Swap(ctx context.Context, expected int64, next T) error {
	return f.SwapFunc(ctx, expected, next)
}

// CompareAndSwap 读取记录，用 mutate 计算新值，并按读取到的版本条件写入。
// 只有 ErrConflict 会触发重新读取与重新计算，其他错误直接返回。
// 使用 r 的尝试次数和退避策略，忽略 r 的重试条件。
func CompareAndSwap[T Versioned, R any](ctx context.Context, r *Retrier, store CASStore[T],
	mutate func(current T) (T, R, error)) (R, error) {
	casRetrier := *r
	casRetrier.retryCondition = func(err error) bool {
		return errors.Is(err, ErrConflict)
	}

	var result R
	err := casRetrier.DoWithContext(ctx, func(ctx context.Context) error {
		current, err := store.Load(ctx)
		if err != nil {
			return err
		}
		next, res, err := mutate(current)
		if err != nil {
			return err
		}
		if err = store.Swap(ctx, current.GetVersion(), next); err != nil {
			return err
		}
		result = res
		return nil
	})
	if errors.Is(err, ErrConflict) {
		return result, fmt.Errorf("%w: %w", ErrExhausted, err)
	}
	return result, err
}
