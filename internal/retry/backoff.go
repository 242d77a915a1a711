package retry

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// BackoffStrategy 退避策略接口
type BackoffStrategy interface {
	// NextBackoff 计算第 attempt 次重试前的等待时间
	NextBackoff(attempt int) time.Duration
}

// ExponentialBackoffStrategy 指数退避策略
type ExponentialBackoffStrategy struct {
	initialBackoff time.Duration
	maxBackoff     time.Duration
	factor         float64
}

// NewExponentialBackoffStrategy 创建指数退避策略
func NewExponentialBackoffStrategy(initialBackoff, maxBackoff time.Duration, factor float64) *ExponentialBackoffStrategy {
	if factor <= 1.0 {
		factor = 2.0
	}
	return &ExponentialBackoffStrategy{
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
		factor:         factor,
	}
}

// NextBackoff 计算下一次指数退避时间
func (s *ExponentialBackoffStrategy) NextBackoff(attempt int) time.Duration {
	backoff := float64(s.initialBackoff) * math.Pow(s.factor, float64(attempt-1))
	if backoff > float64(s.maxBackoff) {
		backoff = float64(s.maxBackoff)
	}
	return time.Duration(backoff)
}

// JitteredBackoffStrategy 带抖动的退避策略
// 同一个因子上并发冲突的请求会按不同的节奏重试
type JitteredBackoffStrategy struct {
	base         BackoffStrategy
	jitterFactor float64
	rng          *rand.Rand
	mu           sync.Mutex
}

// NewJitteredBackoffStrategy 创建带抖动的退避策略
func NewJitteredBackoffStrategy(base BackoffStrategy, jitterFactor float64) *JitteredBackoffStrategy {
	if jitterFactor < 0.0 {
		jitterFactor = 0.0
	}
	if jitterFactor > 1.0 {
		jitterFactor = 1.0
	}
	return &JitteredBackoffStrategy{
		base:         base,
		jitterFactor: jitterFactor,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NextBackoff 计算下一次带抖动的退避时间
func (s *JitteredBackoffStrategy) NextBackoff(attempt int) time.Duration {
	baseBackoff := s.base.NextBackoff(attempt)

	s.mu.Lock()
	defer s.mu.Unlock()

	jitter := float64(baseBackoff) * s.jitterFactor * s.rng.Float64()
	return baseBackoff + time.Duration(jitter)
}

// NoBackoff 立即重试，测试中使用
type NoBackoff struct{}

// NextBackoff 总是返回0
func (NoBackoff) NextBackoff(int) time.Duration { return 0 }
