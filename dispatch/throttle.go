package dispatch

import (
	"context"

	"golang.org/x/time/rate"
)

// Throttled 限制对服务商的外发速率，等待期间遵守 ctx 的超时
type Throttled struct {
	next    Gateway
	limiter *rate.Limiter
}

// NewThrottled 创建限速网关，perSecond 为每秒允许的请求数
func NewThrottled(next Gateway, perSecond float64, burst int) *Throttled {
	if burst <= 0 {
		burst = 1
	}
	return &Throttled{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Send 实现 Gateway
func (t *Throttled) Send(ctx context.Context, msg Message) (string, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return t.next.Send(ctx, msg)
}
