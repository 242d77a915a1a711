// Package config 加载进程配置：默认值、可选的 idguard.yaml 和 IDGUARD_ 前缀的环境变量
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dormoron/idguard/ratelimit"
)

// EnvPrefix 环境变量前缀，例如 IDGUARD_SERVER_ADDR
const EnvPrefix = "IDGUARD"

// 存储后端
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config 进程配置
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Store     StoreConfig     `mapstructure:"store"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Security  SecurityConfig  `mapstructure:"security"`
	Token     TokenConfig     `mapstructure:"token"`
	MFA       MFAConfig       `mapstructure:"mfa"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Directory DirectoryConfig `mapstructure:"directory"`
}

// ServerConfig HTTP服务配置
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	MetricsPath     string        `mapstructure:"metrics_path"`
	// GRPCAddr 为空时不启动gRPC健康检查服务
	GRPCAddr string    `mapstructure:"grpc_addr"`
	TLS      TLSConfig `mapstructure:"tls"`
}

// TLSConfig 证书配置，HTTP和gRPC共用，未配置证书时使用明文
type TLSConfig struct {
	CertFile      string        `mapstructure:"cert_file"`
	KeyFile       string        `mapstructure:"key_file"`
	ClientCAFile  string        `mapstructure:"client_ca_file"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

// LogConfig 日志配置，File 为空时只输出到标准输出
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// StoreConfig 持久化配置
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// RedisConfig Redis配置，Addrs 为空时不使用Redis
// 配置多个地址时限流按一致性哈希分片，验证码和黑名单使用第一个
type RedisConfig struct {
	Addrs    []string `mapstructure:"addrs"`
	Password string   `mapstructure:"password"`
	DB       int      `mapstructure:"db"`
}

// Enabled 是否配置了Redis
func (c RedisConfig) Enabled() bool {
	return len(c.Addrs) > 0
}

// SecurityConfig 密钥配置，每个至少32字节
type SecurityConfig struct {
	// MasterKey 派生TOTP密钥加密密钥
	MasterKey string `mapstructure:"master_key"`
	// SigningKey 访问令牌HMAC签名密钥
	SigningKey string `mapstructure:"signing_key"`
	// BackupCodeKey 备用码哈希密钥
	BackupCodeKey string `mapstructure:"backup_code_key"`
	Issuer        string `mapstructure:"issuer"`
}

// TokenConfig 令牌配置
type TokenConfig struct {
	AccessTTL       time.Duration `mapstructure:"access_ttl"`
	RefreshTTL      time.Duration `mapstructure:"refresh_ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	// Retention 已失效记录保留多久后清理
	Retention time.Duration `mapstructure:"retention"`
}

// MFAConfig 多因素认证配置
type MFAConfig struct {
	MaxFailures     int           `mapstructure:"max_failures"`
	LockDuration    time.Duration `mapstructure:"lock_duration"`
	BackupCodeCount int           `mapstructure:"backup_code_count"`
	LowBackupCodes  int           `mapstructure:"low_backup_codes"`
	CodeTTL         time.Duration `mapstructure:"code_ttl"`
	DispatchTimeout time.Duration `mapstructure:"dispatch_timeout"`
	ChallengeTTL    time.Duration `mapstructure:"challenge_ttl"`
	TOTPWindow      int           `mapstructure:"totp_window"`
}

// DispatchConfig 验证码投递配置
// 邮件走 Resend，短信走 Webhook，都未配置时只写日志
type DispatchConfig struct {
	ResendAPIKey  string  `mapstructure:"resend_api_key"`
	EmailFrom     string  `mapstructure:"email_from"`
	WebhookURL    string  `mapstructure:"webhook_url"`
	WebhookToken  string  `mapstructure:"webhook_token"`
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	Burst         int     `mapstructure:"burst"`
	// BreakerThreshold 服务商连续失败多少次后暂停投递
	BreakerThreshold uint32        `mapstructure:"breaker_threshold"`
	BreakerTimeout   time.Duration `mapstructure:"breaker_timeout"`
}

// RateLimitConfig 限流配置，Policies 中未出现的路由使用默认策略
type RateLimitConfig struct {
	FailClosed bool                        `mapstructure:"fail_closed"`
	CacheSize  int                         `mapstructure:"cache_size"`
	Policies   map[string]ratelimit.Policy `mapstructure:"policies"`
}

// DirectoryConfig 内置用户目录，生产环境通过 auth.UserDirectory 接入外部目录
type DirectoryConfig struct {
	Users []UserSeed `mapstructure:"users"`
}

// UserSeed 启动时载入的用户，密码为bcrypt哈希
type UserSeed struct {
	ID           string `mapstructure:"id"`
	TenantID     string `mapstructure:"tenant_id"`
	Username     string `mapstructure:"username"`
	Email        string `mapstructure:"email"`
	Phone        string `mapstructure:"phone"`
	PasswordHash string `mapstructure:"password_hash"`
}

// TracingConfig 链路追踪配置
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	Environment string  `mapstructure:"environment"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.metrics_path", "/metrics")
	v.SetDefault("server.grpc_addr", "")
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.client_ca_file", "")
	v.SetDefault("server.tls.check_interval", time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", true)

	v.SetDefault("store.driver", StoreSQLite)
	v.SetDefault("store.dsn", "file:idguard.db")

	v.SetDefault("redis.addrs", []string{})
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("security.master_key", "")
	v.SetDefault("security.signing_key", "")
	v.SetDefault("security.backup_code_key", "")
	v.SetDefault("security.issuer", "idguard")

	v.SetDefault("token.access_ttl", time.Hour)
	v.SetDefault("token.refresh_ttl", 30*24*time.Hour)
	v.SetDefault("token.cleanup_interval", time.Hour)
	v.SetDefault("token.retention", 24*time.Hour)

	v.SetDefault("mfa.max_failures", 5)
	v.SetDefault("mfa.lock_duration", 15*time.Minute)
	v.SetDefault("mfa.backup_code_count", 10)
	v.SetDefault("mfa.low_backup_codes", 3)
	v.SetDefault("mfa.code_ttl", 5*time.Minute)
	v.SetDefault("mfa.dispatch_timeout", 5*time.Second)
	v.SetDefault("mfa.challenge_ttl", 5*time.Minute)
	v.SetDefault("mfa.totp_window", 1)

	v.SetDefault("dispatch.resend_api_key", "")
	v.SetDefault("dispatch.email_from", "")
	v.SetDefault("dispatch.webhook_url", "")
	v.SetDefault("dispatch.webhook_token", "")
	v.SetDefault("dispatch.rate_per_second", 10)
	v.SetDefault("dispatch.burst", 20)
	v.SetDefault("dispatch.breaker_threshold", 5)
	v.SetDefault("dispatch.breaker_timeout", 30*time.Second)

	v.SetDefault("rate_limit.fail_closed", false)
	v.SetDefault("rate_limit.cache_size", 100000)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("tracing.environment", "development")
}

// Load 读取配置，path 为空时在 .、./config、/etc/idguard 下查找 idguard.yaml
// 找不到配置文件不算错误
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("idguard")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/idguard")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.fillPolicies()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) fillPolicies() {
	if c.RateLimit.Policies == nil {
		c.RateLimit.Policies = make(map[string]ratelimit.Policy)
	}
	for route, p := range ratelimit.DefaultPolicies() {
		if _, ok := c.RateLimit.Policies[route]; !ok {
			c.RateLimit.Policies[route] = p
		}
	}
}

// Validate 检查配置是否可用
func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(c.Server.Addr != "", "server.addr is required")
	check((c.Server.TLS.CertFile == "") == (c.Server.TLS.KeyFile == ""),
		"server.tls needs both cert_file and key_file")
	switch c.Store.Driver {
	case StoreMemory:
	case StoreSQLite, StorePostgres:
		check(c.Store.DSN != "", "store.dsn is required for driver %s", c.Store.Driver)
	default:
		problems = append(problems, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}

	check(len(c.Security.MasterKey) >= 32, "security.master_key must be at least 32 bytes")
	check(len(c.Security.SigningKey) >= 32, "security.signing_key must be at least 32 bytes")
	check(len(c.Security.BackupCodeKey) >= 32, "security.backup_code_key must be at least 32 bytes")

	check(c.Token.AccessTTL > 0, "token.access_ttl must be positive")
	check(c.Token.RefreshTTL >= c.Token.AccessTTL, "token.refresh_ttl must not be shorter than token.access_ttl")
	check(c.Token.CleanupInterval > 0, "token.cleanup_interval must be positive")

	check(c.MFA.MaxFailures > 0, "mfa.max_failures must be positive")
	check(c.MFA.LockDuration > 0, "mfa.lock_duration must be positive")
	check(c.MFA.DispatchTimeout > 0, "mfa.dispatch_timeout must be positive")
	check(c.MFA.TOTPWindow >= 0, "mfa.totp_window must not be negative")

	check(c.Dispatch.ResendAPIKey == "" || c.Dispatch.EmailFrom != "",
		"dispatch.email_from is required when dispatch.resend_api_key is set")
	check(c.Dispatch.BreakerThreshold > 0, "dispatch.breaker_threshold must be positive")
	check(c.Dispatch.BreakerTimeout > 0, "dispatch.breaker_timeout must be positive")

	for i, u := range c.Directory.Users {
		check(u.ID != "" && u.Username != "" && u.PasswordHash != "",
			"directory.users[%d] needs id, username and password_hash", i)
	}

	for route, p := range c.RateLimit.Policies {
		if err := p.Validate(); err != nil {
			problems = append(problems, fmt.Sprintf("rate_limit.policies.%s: %v", route, err))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("config: invalid: %s", strings.Join(problems, "; "))
	}
	return nil
}
