package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dormoron/idguard/ratelimit"
)

const key32 = "0123456789abcdef0123456789abcdef"

func setKeys(t *testing.T) {
	t.Helper()
	t.Setenv("IDGUARD_SECURITY_MASTER_KEY", key32)
	t.Setenv("IDGUARD_SECURITY_SIGNING_KEY", key32)
	t.Setenv("IDGUARD_SECURITY_BACKUP_CODE_KEY", key32)
}

// inTempDir 切换到没有配置文件的临时目录
func inTempDir(t *testing.T) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoadDefaults(t *testing.T) {
	setKeys(t)
	inTempDir(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, StoreSQLite, cfg.Store.Driver)
	assert.Equal(t, time.Hour, cfg.Token.AccessTTL)
	assert.Equal(t, 30*24*time.Hour, cfg.Token.RefreshTTL)
	assert.Equal(t, 5, cfg.MFA.MaxFailures)
	assert.Equal(t, 15*time.Minute, cfg.MFA.LockDuration)
	assert.Equal(t, 5*time.Second, cfg.MFA.DispatchTimeout)
	assert.False(t, cfg.Redis.Enabled())
	assert.Empty(t, cfg.Server.GRPCAddr)
	assert.Equal(t, time.Minute, cfg.Server.TLS.CheckInterval)
	assert.Equal(t, uint32(5), cfg.Dispatch.BreakerThreshold)
	assert.Equal(t, 30*time.Second, cfg.Dispatch.BreakerTimeout)
	assert.False(t, cfg.RateLimit.FailClosed)
	assert.Equal(t, ratelimit.PerMinute(10), cfg.RateLimit.Policies[ratelimit.RouteLogin])
	assert.Equal(t, ratelimit.PerSecond(100), cfg.RateLimit.Policies[ratelimit.RouteAPI])
}

func TestLoadEnvOverrides(t *testing.T) {
	setKeys(t)
	inTempDir(t)
	t.Setenv("IDGUARD_SERVER_ADDR", ":9090")
	t.Setenv("IDGUARD_MFA_LOCK_DURATION", "30m")
	t.Setenv("IDGUARD_STORE_DRIVER", "memory")
	t.Setenv("IDGUARD_REDIS_ADDRS", "r1:6379,r2:6379")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 30*time.Minute, cfg.MFA.LockDuration)
	assert.Equal(t, StoreMemory, cfg.Store.Driver)
	assert.Equal(t, []string{"r1:6379", "r2:6379"}, cfg.Redis.Addrs)
}

func TestLoadFile(t *testing.T) {
	setKeys(t)
	path := filepath.Join(t.TempDir(), "idguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":7070"
rate_limit:
  fail_closed: true
  policies:
    login:
      capacity: 3
      refill_period: 30s
      refill_amount: 1
directory:
  users:
    - id: u1
      tenant_id: t1
      username: alice
      password_hash: "$2a$04$abcdefghijklmnopqrstuu"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.True(t, cfg.RateLimit.FailClosed)
	assert.Equal(t, ratelimit.Policy{Capacity: 3, RefillPeriod: 30 * time.Second, RefillAmount: 1},
		cfg.RateLimit.Policies[ratelimit.RouteLogin])
	// 未配置的路由保留默认策略
	assert.Equal(t, ratelimit.PerMinute(5), cfg.RateLimit.Policies[ratelimit.RouteOTPSend])
	require.Len(t, cfg.Directory.Users, 1)
	assert.Equal(t, "alice", cfg.Directory.Users[0].Username)
	assert.Equal(t, "t1", cfg.Directory.Users[0].TenantID)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	setKeys(t)
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func(t *testing.T) *Config {
		setKeys(t)
		inTempDir(t)
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	testCases := []struct {
		name   string
		mutate func(c *Config)
	}{
		{name: "short master key", mutate: func(c *Config) { c.Security.MasterKey = "short" }},
		{name: "short signing key", mutate: func(c *Config) { c.Security.SigningKey = "" }},
		{name: "unknown driver", mutate: func(c *Config) { c.Store.Driver = "mysql" }},
		{name: "missing dsn", mutate: func(c *Config) { c.Store.DSN = "" }},
		{name: "refresh shorter than access", mutate: func(c *Config) { c.Token.RefreshTTL = time.Minute }},
		{name: "zero lockout threshold", mutate: func(c *Config) { c.MFA.MaxFailures = 0 }},
		{name: "resend without sender", mutate: func(c *Config) { c.Dispatch.ResendAPIKey = "re_123" }},
		{name: "zero breaker threshold", mutate: func(c *Config) { c.Dispatch.BreakerThreshold = 0 }},
		{name: "tls cert without key", mutate: func(c *Config) { c.Server.TLS.CertFile = "server.crt" }},
		{name: "seed user without hash", mutate: func(c *Config) {
			c.Directory.Users = []UserSeed{{ID: "u1", Username: "alice"}}
		}},
		{name: "bad policy", mutate: func(c *Config) {
			c.RateLimit.Policies[ratelimit.RouteAPI] = ratelimit.Policy{Capacity: 1}
		}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid(t)
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
