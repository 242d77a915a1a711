package mfa

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/dormoron/idguard/internal/retry"
	"github.com/dormoron/idguard/internal/security"
	"github.com/dormoron/idguard/observability/logging"
	"github.com/dormoron/idguard/observability/metrics"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testCore 组装好的内存版MFA核心
type testCore struct {
	clock    *fakeClock
	store    *MemoryStore
	gateway  *captureGateway
	engines  *Engines
	registry *Registry
	guard    *Guard
	verifier Verifier
	metrics  *metrics.AuthMetrics
}

func newTestCore(t *testing.T) *testCore {
	t.Helper()
	clock := newFakeClock()
	store := NewMemoryStore()
	gw := &captureGateway{}
	logger := logging.NewNopLogger()
	m := metrics.NewAuthMetrics(metrics.Options{})

	sealer, err := security.NewSealer([]byte("master-key-for-tests-0123456789ab"), "totp")
	require.NoError(t, err)
	vault, err := NewBackupCodeVault(store, testHashKey, clock.Now)
	require.NoError(t, err)

	engines := &Engines{
		TOTP:       NewTOTP(DefaultTOTPConfig("idguard")),
		Vault:      vault,
		Channel:    NewChannelDispatcher(NewMemoryCodeStore(0), gw, ChannelConfig{}, logger, m, clock.Now),
		Sealer:     sealer,
		TOTPWindow: DefaultWindow,
	}
	registry := NewRegistry(store, store, engines, DefaultRegistryConfig(), logger, clock.Now)
	guard := NewGuard(store, store, engines, DefaultGuardConfig(), logger,
		WithClock(clock.Now),
		WithMetrics(m),
		WithRetrier(retry.NewRetrier(retry.WithMaxAttempts(100), retry.WithBackoffStrategy(retry.NoBackoff{}))),
	)
	return &testCore{
		clock:    clock,
		store:    store,
		gateway:  gw,
		engines:  engines,
		registry: registry,
		guard:    guard,
		verifier: NewAuditedVerifier(guard, logger, m, noop.NewTracerProvider().Tracer("test")),
		metrics:  m,
	}
}

// enrollTOTP 登记并激活一个TOTP因子，返回因子和明文密钥
func (c *testCore) enrollTOTP(t *testing.T, userID string) (*Factor, string) {
	t.Helper()
	ctx := context.Background()
	e, err := c.registry.Register(ctx, userID, FactorTOTP, RegisterParams{AccountName: userID + "@example.com"})
	require.NoError(t, err)
	c.clock.Advance(time.Second)
	act, err := c.registry.Activate(ctx, userID, e.Factor.ID, c.totpCode(t, e.Secret))
	require.NoError(t, err)
	return act.Factor, e.Secret
}

func (c *testCore) totpCode(t *testing.T, secret string) string {
	t.Helper()
	code, err := c.engines.TOTP.CurrentCode(secret, c.clock.Now())
	require.NoError(t, err)
	return code
}

// wrongCode 返回一个当前窗口内一定不匹配的6位码
func (c *testCore) wrongCode(t *testing.T, secret string) string {
	t.Helper()
	for _, candidate := range []string{"000000", "111111", "222222", "333333"} {
		if !c.engines.TOTP.Verify(secret, candidate, c.clock.Now(), DefaultWindow) {
			return candidate
		}
	}
	t.Fatal("no wrong code available")
	return ""
}
