package ratelimit

import (
	"context"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/dormoron/idguard/auth"
)

type limitedKey struct{}

type rejectStrategy func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler, d Decision) (any, error)

var defaultRejectStrategy rejectStrategy = func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler, d Decision) (any, error) {
	return nil, status.Errorf(codes.ResourceExhausted, "rate limit reached for %s, retry after %d seconds",
		info.FullMethod, RetryAfterSeconds(d.RetryAfter))
}

var markFailedStrategy rejectStrategy = func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler, d Decision) (any, error) {
	ctx = context.WithValue(ctx, limitedKey{}, true)
	return handler(ctx, req)
}

// IsLimited 请求是否被标记为超限放行
func IsLimited(ctx context.Context) bool {
	v, _ := ctx.Value(limitedKey{}).(bool)
	return v
}

// KeyFunc 从gRPC请求中提取调用方标识
type KeyFunc func(ctx context.Context, info *grpc.UnaryServerInfo) string

// PeerKey 使用对端IP，已认证时使用用户ID
func PeerKey(ctx context.Context, _ *grpc.UnaryServerInfo) string {
	if p, ok := auth.PrincipalFromContext(ctx); ok {
		return "user:" + p.UserID
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		host, _, err := net.SplitHostPort(p.Addr.String())
		if err != nil {
			return "ip:" + p.Addr.String()
		}
		return "ip:" + host
	}
	return "anonymous"
}

// InterceptorOption 配置gRPC拦截器
type InterceptorOption func(*interceptor)

type interceptor struct {
	route    string
	key      KeyFunc
	onReject rejectStrategy
}

// MarkFailed 超限时不拒绝，而是在上下文中打标记后继续处理
func MarkFailed() InterceptorOption {
	return func(i *interceptor) {
		i.onReject = markFailedStrategy
	}
}

// WithKeyFunc 设置调用方标识提取方式
func WithKeyFunc(fn KeyFunc) InterceptorOption {
	return func(i *interceptor) {
		i.key = fn
	}
}

// LimitUnary 返回对 route 类别限流的 gRPC 一元拦截器
func (l *RateLimiter) LimitUnary(route string, opts ...InterceptorOption) grpc.UnaryServerInterceptor {
	ic := &interceptor{route: route, key: PeerKey, onReject: defaultRejectStrategy}
	for _, opt := range opts {
		opt(ic)
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		d, err := l.Allow(ctx, ic.route, ic.key(ctx, info))
		if err != nil {
			if auth.KindOf(err) == auth.KindRateLimited {
				return ic.onReject(ctx, req, info, handler, d)
			}
			return nil, auth.ErrorToStatus(err)
		}
		return handler(ctx, req)
	}
}
