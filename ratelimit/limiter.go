package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/dormoron/idguard/auth"
	"github.com/dormoron/idguard/internal/errs"
	"github.com/dormoron/idguard/observability/logging"
	"github.com/dormoron/idguard/observability/metrics"
)

// RateLimiter 按路由类别和调用方标识限流
type RateLimiter struct {
	store    Store
	policies map[string]Policy
	prefix   string
	// failOpen 存储故障时放行
	failOpen bool
	logger   logging.Logger
	metrics  *metrics.AuthMetrics
	now      func() time.Time
}

// Option 配置 RateLimiter
type Option func(*RateLimiter)

// WithPolicy 覆盖某个路由类别的策略
func WithPolicy(route string, p Policy) Option {
	return func(l *RateLimiter) {
		l.policies[route] = p
	}
}

// WithKeyPrefix 设置桶键前缀
func WithKeyPrefix(prefix string) Option {
	return func(l *RateLimiter) {
		l.prefix = prefix
	}
}

// WithFailClosed 存储故障时拒绝请求
func WithFailClosed() Option {
	return func(l *RateLimiter) {
		l.failOpen = false
	}
}

// WithClock 设置时钟
func WithClock(now func() time.Time) Option {
	return func(l *RateLimiter) {
		l.now = now
	}
}

// WithLogger 设置日志
func WithLogger(logger logging.Logger) Option {
	return func(l *RateLimiter) {
		l.logger = logger
	}
}

// WithMetrics 设置指标
func WithMetrics(m *metrics.AuthMetrics) Option {
	return func(l *RateLimiter) {
		l.metrics = m
	}
}

// NewRateLimiter 创建限流器，未覆盖的路由类别使用 DefaultPolicies
func NewRateLimiter(store Store, opts ...Option) (*RateLimiter, error) {
	l := &RateLimiter{
		store:    store,
		policies: DefaultPolicies(),
		prefix:   DefaultKeyPrefix,
		failOpen: true,
		logger:   logging.GetDefaultLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	for route, p := range l.policies {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("route %s: %w", route, err)
		}
	}
	return l, nil
}

// Key 拼接桶键
func (l *RateLimiter) Key(route, identity string) string {
	return l.prefix + route + ":" + identity
}

// Policy 返回路由类别的策略
func (l *RateLimiter) Policy(route string) (Policy, bool) {
	p, ok := l.policies[route]
	return p, ok
}

// TryAcquire 从 key 对应的桶中取一个令牌
func (l *RateLimiter) TryAcquire(ctx context.Context, key string, p Policy) (Decision, error) {
	return l.TryAcquireN(ctx, key, p, 1)
}

// TryAcquireN 从 key 对应的桶中取 n 个令牌
func (l *RateLimiter) TryAcquireN(ctx context.Context, key string, p Policy, n int64) (Decision, error) {
	if err := p.Validate(); err != nil {
		return Decision{}, auth.Validation("%v", err)
	}
	if n <= 0 || n > p.Capacity {
		return Decision{}, auth.Validation("cost %d out of range", n)
	}
	d, err := l.store.Take(ctx, key, p, n, l.now())
	if err != nil {
		return Decision{}, errs.ErrRateLimitStore(err)
	}
	return d, nil
}

// Allow 对路由类别和调用方标识限流，拒绝时返回 RateLimited 和重试提示
func (l *RateLimiter) Allow(ctx context.Context, route, identity string) (Decision, error) {
	p, ok := l.policies[route]
	if !ok {
		return Decision{Allowed: true}, nil
	}
	d, err := l.TryAcquire(ctx, l.Key(route, identity), p)
	if err != nil {
		l.logger.Warn("限流存储不可用", map[string]interface{}{
			"route":            route,
			"fail_open":        l.failOpen,
			logging.FieldError: err,
		})
		if l.failOpen {
			return Decision{Allowed: true, Limit: p.Capacity}, nil
		}
		return Decision{RetryAfter: p.RefillPeriod}, auth.NewError(auth.KindRateLimited, auth.ErrRateLimited.Message, err)
	}
	if !d.Allowed {
		if l.metrics != nil {
			l.metrics.IncRateLimited(route)
		}
		return d, auth.NewError(auth.KindRateLimited,
			fmt.Sprintf("too many requests, retry after %d seconds", RetryAfterSeconds(d.RetryAfter)), nil)
	}
	return d, nil
}

// Remaining 返回调用方在路由类别下剩余的令牌数
func (l *RateLimiter) Remaining(ctx context.Context, route, identity string) (int64, error) {
	p, ok := l.policies[route]
	if !ok {
		return 0, auth.Validation("unknown route class %q", route)
	}
	n, err := l.store.Peek(ctx, l.Key(route, identity), p, l.now())
	if err != nil {
		return 0, errs.ErrRateLimitStore(err)
	}
	return n, nil
}

// Reset 清空调用方在路由类别下的桶
func (l *RateLimiter) Reset(ctx context.Context, route, identity string) error {
	if err := l.store.Reset(ctx, l.Key(route, identity)); err != nil {
		return errs.ErrRateLimitStore(err)
	}
	return nil
}

// RetryAfterSeconds 向上取整到秒，至少为1
func RetryAfterSeconds(d time.Duration) int64 {
	s := int64(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
