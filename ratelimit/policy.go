package ratelimit

import (
	"fmt"
	"time"
)

// 路由类别
const (
	RouteLogin     = "login"
	RouteOTPSend   = "otp_send"
	RouteMFAVerify = "mfa_verify"
	RouteAPI       = "api"
)

// DefaultKeyPrefix 桶键前缀，完整键为 rate_limit:<route>:<identity>
const DefaultKeyPrefix = "rate_limit:"

// Policy 令牌桶参数：容量，每隔 RefillPeriod 补充 RefillAmount 个令牌
type Policy struct {
	Capacity     int64         `mapstructure:"capacity"`
	RefillPeriod time.Duration `mapstructure:"refill_period"`
	RefillAmount int64         `mapstructure:"refill_amount"`
}

// PerMinute 每分钟补满的策略
func PerMinute(n int64) Policy {
	return Policy{Capacity: n, RefillPeriod: time.Minute, RefillAmount: n}
}

// PerSecond 每秒补满的策略
func PerSecond(n int64) Policy {
	return Policy{Capacity: n, RefillPeriod: time.Second, RefillAmount: n}
}

// Validate 校验策略参数
func (p Policy) Validate() error {
	if p.Capacity <= 0 || p.RefillAmount <= 0 || p.RefillPeriod <= 0 {
		return fmt.Errorf("ratelimit: invalid policy %+v", p)
	}
	return nil
}

// idleTTL 桶从空到满所需的时间再加一个周期，之后不活跃的桶可以被淘汰
func (p Policy) idleTTL() time.Duration {
	periods := (p.Capacity + p.RefillAmount - 1) / p.RefillAmount
	return time.Duration(periods+1) * p.RefillPeriod
}

// DefaultPolicies 各路由类别的默认策略
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		RouteLogin:     PerMinute(10),
		RouteOTPSend:   PerMinute(5),
		RouteMFAVerify: PerMinute(10),
		RouteAPI:       PerSecond(100),
	}
}

// Decision 一次取令牌的结果
type Decision struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	// RetryAfter 被拒绝时距离下一次补充的时间
	RetryAfter time.Duration
}

// bucket 令牌桶状态
type bucket struct {
	Tokens int64
	Last   time.Time
}

// refill 按整周期补充令牌，不足一个周期的时间保留到下次计算
func (b bucket) refill(p Policy, now time.Time) bucket {
	if b.Last.IsZero() {
		return bucket{Tokens: p.Capacity, Last: now}
	}
	elapsed := now.Sub(b.Last)
	if elapsed < p.RefillPeriod {
		return b
	}
	periods := int64(elapsed / p.RefillPeriod)
	b.Tokens += periods * p.RefillAmount
	if b.Tokens > p.Capacity {
		b.Tokens = p.Capacity
	}
	b.Last = b.Last.Add(time.Duration(periods) * p.RefillPeriod)
	return b
}

// take 补充后尝试取出 cost 个令牌
func (b bucket) take(p Policy, cost int64, now time.Time) (bucket, Decision) {
	b = b.refill(p, now)
	d := Decision{Limit: p.Capacity}
	if b.Tokens >= cost {
		b.Tokens -= cost
		d.Allowed = true
	} else {
		d.RetryAfter = p.RefillPeriod - now.Sub(b.Last)
	}
	d.Remaining = b.Tokens
	return b, d
}
