package server

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/dormoron/idguard/auth"
	"github.com/dormoron/idguard/observability/logging"
	"github.com/dormoron/idguard/ratelimit"
)

// requestLogger 访问日志写入统一日志器
func (s *Server) requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURIPath:  true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := map[string]interface{}{
				logging.FieldMethod:   v.Method,
				logging.FieldPath:     v.URIPath,
				logging.FieldStatus:   v.Status,
				logging.FieldDuration: v.Latency.Milliseconds(),
				logging.FieldClientIP: v.RemoteIP,
			}
			if p, ok := auth.PrincipalFromContext(c.Request().Context()); ok {
				fields[logging.FieldUserID] = p.UserID
			}
			if v.Error != nil {
				fields[logging.FieldError] = v.Error.Error()
			}
			if v.Status >= 500 {
				s.logger.Error("HTTP请求", fields)
			} else {
				s.logger.Info("HTTP请求", fields)
			}
			return nil
		},
	})
}

// bearerAuth 校验 Authorization 头中的访问令牌，并把主体放入请求上下文
func (s *Server) bearerAuth() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw, err := auth.BearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
			if err != nil {
				return auth.Wrap(auth.ErrTokenInvalid, err)
			}
			req := c.Request()
			p, err := s.deps.Tokens.ValidateAccess(req.Context(), raw)
			if err != nil {
				return err
			}
			c.SetRequest(req.WithContext(auth.WithPrincipal(req.Context(), p)))
			return next(c)
		}
	}
}

// limit 未配置限流器时不限流
func (s *Server) limit(route string, key ratelimit.EchoKeyFunc) echo.MiddlewareFunc {
	if s.deps.Limiter == nil {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	return s.deps.Limiter.Middleware(route, key)
}

// principalKey 已认证请求按用户限流
func principalKey(c echo.Context) string {
	if p, ok := auth.PrincipalFromContext(c.Request().Context()); ok {
		return "user:" + p.UserID
	}
	return ratelimit.RealIPKey(c)
}

func principal(c echo.Context) *auth.Principal {
	p, _ := auth.PrincipalFromContext(c.Request().Context())
	return p
}
