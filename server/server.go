// Package server 通过 Echo 暴露登录、多因素认证、因子管理和令牌接口
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/cors"

	"github.com/dormoron/idguard/auth"
	"github.com/dormoron/idguard/auth/mfa"
	"github.com/dormoron/idguard/auth/token"
	"github.com/dormoron/idguard/observability/logging"
	"github.com/dormoron/idguard/observability/metrics"
	"github.com/dormoron/idguard/ratelimit"
)

// TokenService 服务端需要的令牌能力
type TokenService interface {
	token.Service
	auth.TokenValidator
}

// Deps 服务端依赖的协作方
type Deps struct {
	Directory auth.UserDirectory
	Registry  *mfa.Registry
	Verifier  mfa.Verifier
	Tokens    TokenService
	Limiter   *ratelimit.RateLimiter
	Metrics   *metrics.AuthMetrics
	Logger    logging.Logger
	// Health 健康检查，为空时总是健康
	Health func(ctx context.Context) error
}

// Config 服务端配置
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// AllowedOrigins 非空时启用跨域
	AllowedOrigins []string
	MetricsPath    string
	ChallengeTTL   time.Duration
	// TLS 非空时使用HTTPS
	TLS *tls.Config
}

// Server HTTP接口
type Server struct {
	cfg        Config
	deps       Deps
	logger     logging.Logger
	echo       *echo.Echo
	challenges *challengeStore
	httpServer *http.Server
	now        func() time.Time
}

// Option 配置 Server
type Option func(*Server)

// WithClock 设置时钟
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// New 创建服务端并注册路由
func New(cfg Config, deps Deps, opts ...Option) (*Server, error) {
	if deps.Directory == nil || deps.Registry == nil || deps.Verifier == nil || deps.Tokens == nil {
		return nil, errors.New("server: directory, registry, verifier and tokens are required")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger,
		now:    time.Now,
	}
	if s.logger == nil {
		s.logger = logging.GetDefaultLogger()
	}
	for _, opt := range opts {
		opt(s)
	}
	s.challenges = newChallengeStore(0, cfg.ChallengeTTL, s.now)
	s.echo = s.routes()
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  time.Minute,
		TLSConfig:    cfg.TLS,
	}
	return s, nil
}

// Handler 返回带跨域处理的 HTTP Handler
func (s *Server) Handler() http.Handler {
	if len(s.cfg.AllowedOrigins) == 0 {
		return s.echo
	}
	return cors.New(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{echo.HeaderAuthorization, echo.HeaderContentType, echo.HeaderAccept},
		ExposedHeaders:   []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler(s.echo)
}

// Start 开始监听，正常关闭时返回 nil
func (s *Server) Start() error {
	s.logger.Info("HTTP服务启动", map[string]interface{}{"addr": s.cfg.Addr, "tls": s.cfg.TLS != nil})
	var err error
	if s.cfg.TLS != nil {
		// 证书由 TLSConfig.GetCertificate 提供
		err = s.httpServer.ListenAndServeTLS("", "")
	} else {
		err = s.httpServer.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.errorHandler
	e.Validator = newRequestValidator()

	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("64K"))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XFrameOptions:      "DENY",
		ContentTypeNosniff: "nosniff",
		XSSProtection:      "1; mode=block",
	}))
	e.Use(s.requestLogger())

	e.GET("/healthz", s.healthz)
	if s.deps.Metrics != nil {
		e.GET(s.cfg.MetricsPath, echo.WrapHandler(s.deps.Metrics.Handler()))
	}

	g := e.Group("/auth")
	g.POST("/login", s.login, s.limit(ratelimit.RouteLogin, ratelimit.RealIPKey))
	g.POST("/mfa/verify", s.verifyMFA, s.limit(ratelimit.RouteMFAVerify, ratelimit.RealIPKey))
	g.POST("/mfa/challenge", s.sendLoginChallenge, s.limit(ratelimit.RouteOTPSend, ratelimit.RealIPKey))
	g.POST("/token/refresh", s.refresh, s.limit(ratelimit.RouteAPI, ratelimit.RealIPKey))
	g.POST("/token/revoke", s.revoke, s.limit(ratelimit.RouteAPI, ratelimit.RealIPKey))

	secured := g.Group("", s.bearerAuth(), s.limit(ratelimit.RouteAPI, principalKey))
	secured.POST("/token/revoke-all", s.revokeAll)
	secured.POST("/token/revoke-device", s.revokeDevice)
	secured.GET("/token/sessions", s.listSessions)
	secured.GET("/mfa/logs", s.listLogs)

	factors := secured.Group("/mfa/factors")
	factors.GET("", s.listFactors)
	factors.POST("", s.registerFactor)
	factors.POST("/:id/activate", s.activateFactor)
	factors.POST("/:id/disable", s.disableFactor)
	factors.POST("/:id/primary", s.setPrimary)
	factors.POST("/:id/send", s.sendFactorCode, s.limit(ratelimit.RouteOTPSend, principalKey))
	factors.GET("/:id/backup-codes", s.backupCodesRemaining)
	factors.POST("/:id/backup-codes", s.regenerateBackupCodes)
	factors.DELETE("/:id", s.deleteFactor)
	return e
}

func (s *Server) healthz(c echo.Context) error {
	if s.deps.Health != nil {
		if err := s.deps.Health(c.Request().Context()); err != nil {
			s.logger.Warn("健康检查失败", map[string]interface{}{logging.FieldError: err})
			return c.JSON(http.StatusServiceUnavailable, Envelope{
				Code:      auth.KindInternal.Code(),
				Message:   "unhealthy",
				Timestamp: s.now().UnixMilli(),
			})
		}
	}
	return s.ok(c, http.StatusOK, map[string]string{"status": "ok"})
}
