package auth

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind 错误分类
type Kind uint8

const (
	// KindInternal 内部错误，不对外暴露细节
	KindInternal Kind = iota
	// KindInvalidCredentials 用户名或密码错误
	KindInvalidCredentials
	// KindMFARequired 需要完成多因素认证
	KindMFARequired
	// KindFactorNotFound 认证因子不存在
	KindFactorNotFound
	// KindMFAInvalidCode 验证码错误
	KindMFAInvalidCode
	// KindMFALocked 认证因子已锁定
	KindMFALocked
	// KindTokenInvalid 令牌无效
	KindTokenInvalid
	// KindTokenExpired 令牌已过期
	KindTokenExpired
	// KindTokenRevoked 令牌已撤销
	KindTokenRevoked
	// KindRateLimited 请求被限流
	KindRateLimited
	// KindDispatchFailure 验证码发送失败
	KindDispatchFailure
	// KindValidation 请求参数不合法
	KindValidation
)

var kindNames = [...]string{
	KindInternal:           "Internal",
	KindInvalidCredentials: "InvalidCredentials",
	KindMFARequired:        "MFARequired",
	KindFactorNotFound:     "FactorNotFound",
	KindMFAInvalidCode:     "MFAInvalidCode",
	KindMFALocked:          "MFALocked",
	KindTokenInvalid:       "TokenInvalid",
	KindTokenExpired:       "TokenExpired",
	KindTokenRevoked:       "TokenRevoked",
	KindRateLimited:        "RateLimited",
	KindDispatchFailure:    "DispatchFailure",
	KindValidation:         "ValidationError",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Code 返回响应信封中的业务码
func (k Kind) Code() int {
	switch k {
	case KindInvalidCredentials:
		return 1001
	case KindMFARequired:
		return 1002
	case KindFactorNotFound:
		return 1003
	case KindMFAInvalidCode:
		return 1004
	case KindMFALocked:
		return 1005
	case KindTokenInvalid:
		return 2001
	case KindTokenExpired:
		return 2002
	case KindTokenRevoked:
		return 2003
	case KindValidation:
		return 4000
	case KindRateLimited:
		return 4290
	case KindDispatchFailure:
		return 5002
	case KindInternal:
		return 5000
	}
	return 5000
}

// HTTPStatus 返回对应的HTTP状态码
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidCredentials, KindMFARequired, KindMFAInvalidCode,
		KindTokenInvalid, KindTokenExpired, KindTokenRevoked:
		return http.StatusUnauthorized
	case KindFactorNotFound:
		return http.StatusNotFound
	case KindMFALocked:
		return http.StatusLocked
	case KindValidation:
		return http.StatusBadRequest
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindDispatchFailure:
		return http.StatusBadGateway
	case KindInternal:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// GRPCCode 返回对应的gRPC状态码
func (k Kind) GRPCCode() codes.Code {
	switch k {
	case KindInvalidCredentials, KindMFARequired, KindMFAInvalidCode,
		KindTokenInvalid, KindTokenExpired, KindTokenRevoked:
		return codes.Unauthenticated
	case KindFactorNotFound:
		return codes.NotFound
	case KindMFALocked:
		return codes.PermissionDenied
	case KindValidation:
		return codes.InvalidArgument
	case KindRateLimited:
		return codes.ResourceExhausted
	case KindDispatchFailure:
		return codes.Unavailable
	case KindInternal:
		return codes.Internal
	}
	return codes.Internal
}

// Error 认证核心对外的错误
type Error struct {
	Kind Kind
	// Message 可以返回给客户端的描述
	Message string
	// Cause 原始错误，只用于日志
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is 同类错误视为相等，便于 errors.Is(err, auth.ErrTokenRevoked)
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// 每一类错误的哨兵值
var (
	ErrInternal           = &Error{Kind: KindInternal, Message: "internal error"}
	ErrInvalidCredentials = &Error{Kind: KindInvalidCredentials, Message: "invalid username or password"}
	ErrMFARequired        = &Error{Kind: KindMFARequired, Message: "multi-factor authentication required"}
	ErrFactorNotFound     = &Error{Kind: KindFactorNotFound, Message: "authentication factor not found"}
	ErrMFAInvalidCode     = &Error{Kind: KindMFAInvalidCode, Message: "invalid verification code"}
	ErrMFALocked          = &Error{Kind: KindMFALocked, Message: "authentication factor is temporarily locked"}
	ErrTokenInvalid       = &Error{Kind: KindTokenInvalid, Message: "invalid token"}
	ErrTokenExpired       = &Error{Kind: KindTokenExpired, Message: "token has expired"}
	ErrTokenRevoked       = &Error{Kind: KindTokenRevoked, Message: "token has been revoked"}
	ErrRateLimited        = &Error{Kind: KindRateLimited, Message: "too many requests"}
	ErrDispatchFailure    = &Error{Kind: KindDispatchFailure, Message: "failed to deliver verification code"}
	ErrValidation         = &Error{Kind: KindValidation, Message: "invalid request"}
)

// NewError 创建指定分类的错误
func NewError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Wrap 为哨兵错误附加原因
func Wrap(sentinel *Error, cause error) *Error {
	return &Error{Kind: sentinel.Kind, Message: sentinel.Message, Cause: cause}
}

// Validation 创建参数校验错误
func Validation(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// KindOf 解析错误分类，未知错误归为 KindInternal
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// PublicMessage 返回可以展示给调用方的描述
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Message
	}
	return ErrInternal.Message
}

// ErrorToStatus 将认证错误转换为gRPC状态错误
func ErrorToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	kind := KindOf(err)
	return status.Error(kind.GRPCCode(), PublicMessage(err))
}
