package ratelimit

import (
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/dormoron/idguard/auth"
)

// EchoKeyFunc 从HTTP请求中提取调用方标识
type EchoKeyFunc func(c echo.Context) string

// RealIPKey 使用客户端IP
func RealIPKey(c echo.Context) string {
	return "ip:" + c.RealIP()
}

// Middleware 返回对 route 类别限流的 Echo 中间件
// 超限时设置 Retry-After 和 X-RateLimit-* 响应头，并返回 RateLimited 错误交给错误处理器
func (l *RateLimiter) Middleware(route string, key EchoKeyFunc) echo.MiddlewareFunc {
	if key == nil {
		key = RealIPKey
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			d, err := l.Allow(c.Request().Context(), route, key(c))
			h := c.Response().Header()
			if d.Limit > 0 {
				h.Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
				h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
			}
			if err != nil {
				if auth.KindOf(err) == auth.KindRateLimited {
					h.Set("Retry-After", strconv.FormatInt(RetryAfterSeconds(d.RetryAfter), 10))
				}
				return err
			}
			return next(c)
		}
	}
}
