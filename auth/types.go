package auth

import (
	"context"
	"time"
)

// contextKey 用于存储认证信息在上下文中的键
type contextKey string

const (
	// PrincipalContextKey 用于在上下文中存储已认证主体
	PrincipalContextKey contextKey = "auth.principal"
)

// User 用户目录中的用户
type User struct {
	ID           string
	TenantID     string
	Username     string
	Email        string
	Phone        string
	PasswordHash []byte
	Disabled     bool
}

// Principal 通过访问令牌识别出的调用方
type Principal struct {
	UserID    string
	TenantID  string
	DeviceID  string
	TokenID   string
	ExpiresAt time.Time
}

// UserDirectory 用户目录，认证核心之外的协作方
type UserDirectory interface {
	// FindByUsername 按用户名查找用户，不存在时返回 ErrInvalidCredentials
	FindByUsername(ctx context.Context, username string) (*User, error)
	// FindByID 按ID查找用户
	FindByID(ctx context.Context, userID string) (*User, error)
	// VerifyPassword 校验用户名和密码，成功时返回用户
	VerifyPassword(ctx context.Context, username, password string) (*User, error)
}

// TokenValidator 校验访问令牌
type TokenValidator interface {
	ValidateAccess(ctx context.Context, accessToken string) (*Principal, error)
}

// PrincipalFromContext 从上下文中获取已认证主体
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(PrincipalContextKey).(*Principal)
	return p, ok
}

// WithPrincipal 向上下文中添加已认证主体
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, PrincipalContextKey, p)
}
