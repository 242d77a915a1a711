package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/dormoron/idguard/auth"
	"github.com/dormoron/idguard/auth/mfa"
	"github.com/dormoron/idguard/auth/token"
	"github.com/dormoron/idguard/config"
	"github.com/dormoron/idguard/dispatch"
	"github.com/dormoron/idguard/grpcserver"
	"github.com/dormoron/idguard/internal/security"
	"github.com/dormoron/idguard/observability/logging"
	"github.com/dormoron/idguard/observability/metrics"
	"github.com/dormoron/idguard/observability/opentelemetry"
	"github.com/dormoron/idguard/ratelimit"
	"github.com/dormoron/idguard/server"
	"github.com/dormoron/idguard/store/sqlstore"
)

// app 组装好的进程
type app struct {
	cfg     *config.Config
	logger  logging.Logger
	tracing *opentelemetry.Provider
	db      *sqlstore.DB
	redis   []*redis.Client
	tokens  token.Service
	server  *server.Server
	grpc    *grpcserver.Server
	closed  bool
}

// healthInterval gRPC健康状态的刷新间隔
const healthInterval = 15 * time.Second

// stores 持久化实现，内存或SQL
type stores struct {
	factors mfa.FactorRepository
	codes   mfa.BackupCodeRepository
	logs    mfa.LogRepository
	tokens  token.Store
}

func build(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	logOpts := logging.DefaultOptions()
	logOpts.Level = logging.ParseLevel(cfg.Log.Level)
	if cfg.Log.File != "" {
		logOpts.File = &logging.FileOptions{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		}
	}
	a.logger = logging.NewZapLogger(logOpts)
	logging.SetDefaultLogger(a.logger)

	traceCfg := opentelemetry.DefaultConfig()
	traceCfg.Enabled = cfg.Tracing.Enabled
	traceCfg.Endpoint = cfg.Tracing.Endpoint
	traceCfg.Insecure = cfg.Tracing.Insecure
	traceCfg.SamplingRatio = cfg.Tracing.SampleRatio
	traceCfg.Environment = cfg.Tracing.Environment
	if a.tracing, err = opentelemetry.NewProvider(ctx, traceCfg); err != nil {
		return nil, err
	}
	tracer := a.tracing.Tracer("github.com/dormoron/idguard")
	m := metrics.NewAuthMetrics(metrics.Options{WithRuntime: true})

	st, err := a.openStores(ctx)
	if err != nil {
		return nil, err
	}
	for _, addr := range cfg.Redis.Addrs {
		a.redis = append(a.redis, redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}))
	}

	directory, err := newDirectory(cfg.Directory)
	if err != nil {
		return nil, err
	}

	engines, err := a.newEngines(m)
	if err != nil {
		return nil, err
	}
	if engines.Vault, err = mfa.NewBackupCodeVault(st.codes, []byte(cfg.Security.BackupCodeKey), nil); err != nil {
		return nil, err
	}
	registry := mfa.NewRegistry(st.factors, st.logs, engines, mfa.RegistryConfig{
		BackupCodeCount: cfg.MFA.BackupCodeCount,
		LowBackupCodes:  cfg.MFA.LowBackupCodes,
		AutoBackupCodes: true,
	}, a.logger, nil)
	guard := mfa.NewGuard(st.factors, st.logs, engines, mfa.GuardConfig{
		MaxFailures:    cfg.MFA.MaxFailures,
		LockDuration:   cfg.MFA.LockDuration,
		LowBackupCodes: cfg.MFA.LowBackupCodes,
	}, a.logger, mfa.WithMetrics(m))

	tokenOpts := []token.Option{token.WithLogger(a.logger)}
	if len(a.redis) > 0 {
		tokenOpts = append(tokenOpts, token.WithBlacklist(token.NewRedisBlacklist(a.redis[0], "")))
	}
	manager, err := token.NewManager(st.tokens, token.Config{
		SigningKey: []byte(cfg.Security.SigningKey),
		Issuer:     cfg.Security.Issuer,
		AccessTTL:  cfg.Token.AccessTTL,
		RefreshTTL: cfg.Token.RefreshTTL,
	}, tokenOpts...)
	if err != nil {
		return nil, err
	}
	tokens := token.NewAuditedManager(manager, a.logger, m, tracer)
	a.tokens = tokens

	limiter, err := a.newLimiter(m)
	if err != nil {
		return nil, err
	}

	var tlsCfg *tls.Config
	if files := a.tlsFiles(); files.Enabled() {
		if tlsCfg, err = files.ServerConfig(); err != nil {
			return nil, err
		}
	}

	a.server, err = server.New(server.Config{
		Addr:            cfg.Server.Addr,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		MetricsPath:     cfg.Server.MetricsPath,
		ChallengeTTL:    cfg.MFA.ChallengeTTL,
		TLS:             tlsCfg,
	}, server.Deps{
		Directory: directory,
		Registry:  registry,
		Verifier:  mfa.NewAuditedVerifier(guard, a.logger, m, tracer),
		Tokens:    tokens,
		Limiter:   limiter,
		Metrics:   m,
		Logger:    a.logger,
		Health:    a.health,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Server.GRPCAddr != "" {
		a.grpc, err = grpcserver.New(grpcserver.Config{Addr: cfg.Server.GRPCAddr, TLS: tlsCfg}, tokens,
			grpcserver.WithLogger(a.logger), grpcserver.WithLimiter(limiter))
		if err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *app) tlsFiles() security.TLSFiles {
	t := a.cfg.Server.TLS
	return security.TLSFiles{
		CertFile:      t.CertFile,
		KeyFile:       t.KeyFile,
		ClientCAFile:  t.ClientCAFile,
		CheckInterval: t.CheckInterval,
	}
}

func (a *app) openStores(ctx context.Context) (*stores, error) {
	if a.cfg.Store.Driver == config.StoreMemory {
		a.logger.Warn("使用内存存储，重启后数据丢失", nil)
		mem := mfa.NewMemoryStore()
		return &stores{factors: mem, codes: mem, logs: mem, tokens: token.NewMemoryStore()}, nil
	}
	db, err := sqlstore.Open(ctx, a.cfg.Store.Driver, a.cfg.Store.DSN)
	if err != nil {
		return nil, err
	}
	a.db = db
	if err = db.Migrate(ctx); err != nil {
		return nil, err
	}
	factors := db.Factors()
	return &stores{factors: factors, codes: factors, logs: factors, tokens: db.Tokens()}, nil
}

func newDirectory(cfg config.DirectoryConfig) (*auth.InMemoryDirectory, error) {
	dir := auth.NewInMemoryDirectory()
	for _, u := range cfg.Users {
		err := dir.AddHashedUser(auth.User{
			ID:           u.ID,
			TenantID:     u.TenantID,
			Username:     u.Username,
			Email:        u.Email,
			Phone:        u.Phone,
			PasswordHash: []byte(u.PasswordHash),
		})
		if err != nil {
			return nil, err
		}
	}
	return dir, nil
}

// newEngines 组装除备用码以外的校验引擎
func (a *app) newEngines(m *metrics.AuthMetrics) (*mfa.Engines, error) {
	cfg := a.cfg
	sealer, err := security.NewSealer([]byte(cfg.Security.MasterKey), "totp")
	if err != nil {
		return nil, err
	}
	var codes mfa.CodeStore = mfa.NewMemoryCodeStore(0)
	if len(a.redis) > 0 {
		codes = mfa.NewRedisCodeStore(a.redis[0])
	}
	channel := mfa.NewChannelDispatcher(codes, a.newGateway(), mfa.ChannelConfig{
		TTL:             cfg.MFA.CodeTTL,
		DispatchTimeout: cfg.MFA.DispatchTimeout,
		AppName:         cfg.Security.Issuer,
	}, a.logger, m, nil)
	return &mfa.Engines{
		TOTP:       mfa.NewTOTP(mfa.DefaultTOTPConfig(cfg.Security.Issuer)),
		Channel:    channel,
		Sealer:     sealer,
		TOTPWindow: cfg.MFA.TOTPWindow,
	}, nil
}

// newGateway 邮件走 Resend，短信走 Webhook，未配置的渠道只写日志
// 外部服务商各自带一个断路器
func (a *app) newGateway() dispatch.Gateway {
	cfg := a.cfg.Dispatch
	var email, sms dispatch.Gateway = dispatch.NewLogGateway(a.logger), dispatch.NewLogGateway(a.logger)
	if cfg.ResendAPIKey != "" {
		email = a.newBreaker("resend", dispatch.NewResendGateway(cfg.ResendAPIKey, cfg.EmailFrom))
	}
	if cfg.WebhookURL != "" {
		sms = a.newBreaker("sms-webhook", dispatch.NewWebhookGateway(cfg.WebhookURL, cfg.WebhookToken, nil))
	}
	router := dispatch.NewRouter().
		Register(dispatch.ChannelEmail, email).
		Register(dispatch.ChannelSMS, sms)
	return dispatch.NewThrottled(router, cfg.RatePerSecond, cfg.Burst)
}

func (a *app) newBreaker(name string, next dispatch.Gateway) *dispatch.Breaker {
	return dispatch.NewBreaker(name, next, dispatch.BreakerConfig{
		Threshold: a.cfg.Dispatch.BreakerThreshold,
		Timeout:   a.cfg.Dispatch.BreakerTimeout,
	}, dispatch.WithStateListener(func(name string, from, to dispatch.BreakerState) {
		fields := map[string]interface{}{
			logging.FieldEvent: "dispatch.breaker",
			"gateway":          name,
			"from":             from.String(),
			"to":               to.String(),
		}
		if to == dispatch.StateOpen {
			a.logger.Warn("投递服务商连续失败，暂停投递", fields)
			return
		}
		a.logger.Info("投递断路器状态变更", fields)
	}))
}

// newLimiter 多个Redis节点时按一致性哈希分片
func (a *app) newLimiter(m *metrics.AuthMetrics) (*ratelimit.RateLimiter, error) {
	var store ratelimit.Store
	switch len(a.redis) {
	case 0:
		store = ratelimit.NewMemoryStore(a.cfg.RateLimit.CacheSize)
	case 1:
		store = ratelimit.NewRedisStore(a.redis[0])
	default:
		shards := make(map[string]redis.Cmdable, len(a.redis))
		for i, c := range a.redis {
			shards[a.cfg.Redis.Addrs[i]] = c
		}
		sharded, err := ratelimit.NewShardedStore(shards)
		if err != nil {
			return nil, err
		}
		store = sharded
	}

	opts := []ratelimit.Option{ratelimit.WithLogger(a.logger), ratelimit.WithMetrics(m)}
	for route, p := range a.cfg.RateLimit.Policies {
		opts = append(opts, ratelimit.WithPolicy(route, p))
	}
	if a.cfg.RateLimit.FailClosed {
		opts = append(opts, ratelimit.WithFailClosed())
	}
	return ratelimit.NewRateLimiter(store, opts...)
}

func (a *app) health(ctx context.Context) error {
	if a.db != nil {
		if err := a.db.Ping(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	for _, c := range a.redis {
		if err := c.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis %s: %w", c.Options().Addr, err)
		}
	}
	return nil
}

// run 运行HTTP服务、gRPC服务和过期令牌清理，ctx 取消后优雅退出
func (a *app) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(a.server.Start)
	if a.grpc != nil {
		g.Go(a.grpc.Start)
	}
	g.Go(func() error {
		<-ctx.Done()
		timeout := a.cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		if a.grpc != nil {
			if err := a.grpc.Shutdown(shutdownCtx); err != nil {
				a.logger.Warn("gRPC服务未能优雅关闭", map[string]interface{}{logging.FieldError: err})
			}
		}
		return a.server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		a.housekeeping(ctx)
		return nil
	})
	return g.Wait()
}

func (a *app) housekeeping(ctx context.Context) {
	cleanup := time.NewTicker(a.cfg.Token.CleanupInterval)
	defer cleanup.Stop()
	health := time.NewTicker(healthInterval)
	defer health.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-cleanup.C:
			a.cleanup(ctx, now)
		case <-health.C:
			a.refreshHealth(ctx)
		}
	}
}

// refreshHealth 把依赖的健康状态同步到gRPC健康检查
func (a *app) refreshHealth(ctx context.Context) {
	if a.grpc == nil {
		return
	}
	err := a.health(ctx)
	if err != nil {
		a.logger.Warn("依赖健康检查失败", map[string]interface{}{logging.FieldError: err})
	}
	a.grpc.SetServing(err == nil)
}

// cleanup 删除保留期之前已经失效的令牌记录
func (a *app) cleanup(ctx context.Context, now time.Time) {
	n, err := a.tokens.Cleanup(ctx, now.Add(-a.cfg.Token.Retention))
	if err != nil {
		a.logger.Error("清理令牌记录失败", map[string]interface{}{logging.FieldError: err})
		return
	}
	if n > 0 {
		a.logger.Info("清理令牌记录", map[string]interface{}{"deleted": n})
	}
}

func (a *app) close() {
	if a.closed {
		return
	}
	a.closed = true
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.tracing != nil {
		_ = a.tracing.Shutdown(ctx)
	}
	for _, c := range a.redis {
		_ = c.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
	if z, ok := a.logger.(*logging.ZapLogger); ok {
		_ = z.Sync()
	}
}
