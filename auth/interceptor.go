package auth

import (
	"context"

	"google.golang.org/grpc"
)

// AuthInterceptor 是一个GRPC认证拦截器，校验访问令牌并把主体放入上下文
type AuthInterceptor struct {
	extractor *MetadataTokenExtractor
	validator TokenValidator
	// 不需要认证的方法
	publicMethods map[string]bool
}

// NewAuthInterceptor 创建一个新的认证拦截器
func NewAuthInterceptor(validator TokenValidator, publicMethods ...string) *AuthInterceptor {
	i := &AuthInterceptor{
		extractor:     NewMetadataTokenExtractor(""),
		validator:     validator,
		publicMethods: make(map[string]bool, len(publicMethods)),
	}
	for _, m := range publicMethods {
		i.publicMethods[m] = true
	}
	return i
}

// UnaryServerInterceptor 返回一个一元服务器拦截器
func (i *AuthInterceptor) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if i.publicMethods[info.FullMethod] {
			return handler(ctx, req)
		}
		raw, err := i.extractor.Extract(ctx)
		if err != nil {
			return nil, ErrorToStatus(ErrTokenInvalid)
		}
		principal, err := i.validator.ValidateAccess(ctx, raw)
		if err != nil {
			return nil, ErrorToStatus(err)
		}
		return handler(WithPrincipal(ctx, principal), req)
	}
}
