package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/dormoron/idguard/auth"
	"github.com/dormoron/idguard/observability/logging"
)

// CodeOK 成功响应的业务码
const CodeOK = 0

// Envelope 统一响应结构
type Envelope struct {
	Code      int         `json:"code"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

func (s *Server) ok(c echo.Context, status int, data interface{}) error {
	return c.JSON(status, Envelope{
		Code:      CodeOK,
		Message:   "ok",
		Data:      data,
		Timestamp: s.now().UnixMilli(),
	})
}

// fail 按错误分类写出响应，data 可以为空
func (s *Server) fail(c echo.Context, err error, data interface{}) error {
	kind := auth.KindOf(err)
	return c.JSON(kind.HTTPStatus(), Envelope{
		Code:      kind.Code(),
		Message:   auth.PublicMessage(err),
		Data:      data,
		Timestamp: s.now().UnixMilli(),
	})
}

// errorHandler 把处理器和中间件返回的错误转换为统一响应
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		err = fromHTTPError(he)
	}

	if auth.KindOf(err) == auth.KindInternal {
		s.logger.Error("请求处理失败", map[string]interface{}{
			logging.FieldMethod: c.Request().Method,
			logging.FieldPath:   c.Path(),
			logging.FieldError:  err,
		})
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(auth.KindOf(err).HTTPStatus())
	} else {
		err = s.fail(c, err, nil)
	}
	if err != nil {
		s.logger.Warn("写入错误响应失败", map[string]interface{}{logging.FieldError: err})
	}
}

// fromHTTPError 处理 Echo 自身产生的错误，例如路由不存在和请求体解析失败
func fromHTTPError(he *echo.HTTPError) error {
	switch he.Code {
	case http.StatusNotFound:
		return auth.NewError(auth.KindFactorNotFound, "resource not found", he)
	case http.StatusMethodNotAllowed, http.StatusBadRequest, http.StatusUnsupportedMediaType,
		http.StatusRequestEntityTooLarge:
		return auth.NewError(auth.KindValidation, http.StatusText(he.Code), he)
	case http.StatusUnauthorized:
		return auth.Wrap(auth.ErrTokenInvalid, he)
	case http.StatusTooManyRequests:
		return auth.Wrap(auth.ErrRateLimited, he)
	}
	return auth.Wrap(auth.ErrInternal, he)
}

func unixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
