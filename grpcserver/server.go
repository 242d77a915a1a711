// Package grpcserver 提供 gRPC 健康检查和反射服务，并挂载认证、限流和日志拦截器
package grpcserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/dormoron/idguard/auth"
	"github.com/dormoron/idguard/observability/logging"
	"github.com/dormoron/idguard/ratelimit"
)

// ServiceName 健康检查中登记的服务名
const ServiceName = "idguard"

// Config gRPC服务配置
type Config struct {
	Addr string
	// TLS 为空时使用明文
	TLS *tls.Config
	// PublicMethods 不需要访问令牌的方法，为空时只有健康检查是公开的
	PublicMethods []string
}

// ServerOption 配置 Server
type ServerOption func(s *Server)

// WithLogger 设置日志
func WithLogger(l logging.Logger) ServerOption {
	return func(s *Server) {
		s.logger = l
	}
}

// WithLimiter 按调用方对一元请求限流
func WithLimiter(l *ratelimit.RateLimiter) ServerOption {
	return func(s *Server) {
		s.limiter = l
	}
}

// Server gRPC服务
type Server struct {
	*grpc.Server
	cfg     Config
	health  *health.Server
	logger  logging.Logger
	limiter *ratelimit.RateLimiter
}

// New 创建gRPC服务
// 拦截器顺序：日志、认证、限流，限流时已认证的调用按用户计数
func New(cfg Config, validator auth.TokenValidator, opts ...ServerOption) (*Server, error) {
	if validator == nil {
		return nil, errors.New("grpcserver: token validator is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9090"
	}
	if len(cfg.PublicMethods) == 0 {
		cfg.PublicMethods = []string{healthpb.Health_Check_FullMethodName}
	}
	s := &Server{cfg: cfg, health: health.NewServer()}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.GetDefaultLogger()
	}

	interceptors := []grpc.UnaryServerInterceptor{
		logging.GrpcUnaryServerInterceptor(s.logger),
		auth.NewAuthInterceptor(validator, cfg.PublicMethods...).UnaryServerInterceptor(),
	}
	if s.limiter != nil {
		interceptors = append(interceptors, s.limiter.LimitUnary(ratelimit.RouteAPI))
	}
	serverOpts := []grpc.ServerOption{grpc.ChainUnaryInterceptor(interceptors...)}
	if cfg.TLS != nil {
		serverOpts = append(serverOpts, grpc.Creds(credentials.NewTLS(cfg.TLS)))
	}
	s.Server = grpc.NewServer(serverOpts...)

	healthpb.RegisterHealthServer(s.Server, s.health)
	reflection.Register(s.Server)
	s.SetServing(true)
	return s, nil
}

// SetServing 更新健康检查状态
func (s *Server) SetServing(ok bool) {
	st := healthpb.HealthCheckResponse_SERVING
	if !ok {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Start 监听配置的地址
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("grpcserver: listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(lis)
}

// Serve 在给定监听器上提供服务，正常关闭时返回 nil
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC服务启动", map[string]interface{}{"addr": lis.Addr().String()})
	if err := s.Server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("grpcserver: serve: %w", err)
	}
	return nil
}

// Shutdown 优雅关闭，ctx 到期后强制关闭
func (s *Server) Shutdown(ctx context.Context) error {
	s.health.Shutdown()
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.Stop()
		return ctx.Err()
	}
}
