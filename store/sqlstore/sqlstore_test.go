package sqlstore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dormoron/idguard/auth"
	"github.com/dormoron/idguard/auth/mfa"
	"github.com/dormoron/idguard/auth/token"
	"github.com/dormoron/idguard/dispatch"
	"github.com/dormoron/idguard/internal/retry"
	"github.com/dormoron/idguard/internal/security"
	"github.com/dormoron/idguard/observability/logging"
)

var base = time.Unix(1700000000, 0)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	ctx := context.Background()
	db, err := Open(ctx, DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(ctx))
	// 重复迁移不报错
	require.NoError(t, db.Migrate(ctx))
	return db
}

type mfaHarness struct {
	clock    *clock
	store    *FactorStore
	totp     *mfa.TOTP
	vault    *mfa.BackupCodeVault
	registry *mfa.Registry
	guard    *mfa.Guard
}

func newMFAHarness(t *testing.T) *mfaHarness {
	t.Helper()
	clk := &clock{now: base}
	store := openTestDB(t).Factors()
	logger := logging.NewNopLogger()

	sealer, err := security.NewSealer([]byte("master-key-for-tests-0123456789ab"), "totp")
	require.NoError(t, err)
	vault, err := mfa.NewBackupCodeVault(store, []byte("backup-code-hash-key-0123456789ab"), clk.Now)
	require.NoError(t, err)
	engines := &mfa.Engines{
		TOTP:       mfa.NewTOTP(mfa.DefaultTOTPConfig("idguard")),
		Vault:      vault,
		Channel:    mfa.NewChannelDispatcher(mfa.NewMemoryCodeStore(0), dispatch.NewLogGateway(logger), mfa.ChannelConfig{}, logger, nil, clk.Now),
		Sealer:     sealer,
		TOTPWindow: mfa.DefaultWindow,
	}
	return &mfaHarness{
		clock:    clk,
		store:    store,
		totp:     engines.TOTP,
		vault:    vault,
		registry: mfa.NewRegistry(store, store, engines, mfa.DefaultRegistryConfig(), logger, clk.Now),
		guard: mfa.NewGuard(store, store, engines, mfa.DefaultGuardConfig(), logger,
			mfa.WithClock(clk.Now),
			mfa.WithRetrier(retry.NewRetrier(retry.WithMaxAttempts(100), retry.WithBackoffStrategy(retry.NoBackoff{}))),
		),
	}
}

func (h *mfaHarness) enrollTOTP(t *testing.T, userID string) (*mfa.Factor, string, []string) {
	t.Helper()
	ctx := context.Background()
	e, err := h.registry.Register(ctx, userID, mfa.FactorTOTP, mfa.RegisterParams{AccountName: userID})
	require.NoError(t, err)
	h.clock.Advance(time.Second)
	code, err := h.totp.CurrentCode(e.Secret, h.clock.Now())
	require.NoError(t, err)
	act, err := h.registry.Activate(ctx, userID, e.Factor.ID, code)
	require.NoError(t, err)
	return act.Factor, e.Secret, act.BackupCodes
}

// wrongCode 当前窗口内一定不匹配的6位码
func (h *mfaHarness) wrongCode(t *testing.T, secret string) string {
	t.Helper()
	for _, candidate := range []string{"000000", "111111", "222222", "333333"} {
		if !h.totp.Verify(secret, candidate, h.clock.Now(), mfa.DefaultWindow) {
			return candidate
		}
	}
	t.Fatal("no wrong code available")
	return ""
}

func TestFactorStoreRegistryLifecycle(t *testing.T) {
	h := newMFAHarness(t)
	ctx := context.Background()

	f, _, codes := h.enrollTOTP(t, "u1")
	assert.True(t, f.Primary)
	assert.Equal(t, mfa.StatusActive, f.Status)
	assert.Len(t, codes, mfa.DefaultBackupCodeCount)

	factors, err := h.registry.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, factors, 2)
	assert.Equal(t, mfa.FactorTOTP, factors[0].Type)
	assert.Equal(t, mfa.FactorBackupCode, factors[1].Type)
	assert.False(t, factors[1].Primary)

	primary, err := h.store.Primary(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, f.ID, primary.ID)

	// 停用主因子后提升备用码因子
	_, err = h.registry.Disable(ctx, "u1", f.ID)
	require.NoError(t, err)
	primary, err = h.store.Primary(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, factors[1].ID, primary.ID)

	require.NoError(t, h.registry.SetPrimary(ctx, "u1", factors[1].ID))
	err = h.registry.SetPrimary(ctx, "u1", f.ID)
	assert.Error(t, err)

	_, err = h.store.Get(ctx, "missing")
	assert.ErrorIs(t, err, auth.ErrFactorNotFound)
}

func TestFactorStoreActivateTwice(t *testing.T) {
	h := newMFAHarness(t)
	ctx := context.Background()
	f, _, _ := h.enrollTOTP(t, "u1")

	_, err := h.store.Activate(ctx, f.ID, h.clock.Now())
	assert.ErrorIs(t, err, mfa.ErrFactorNotActive)
}

func TestFactorStoreLockout(t *testing.T) {
	h := newMFAHarness(t)
	ctx := context.Background()
	f, secret, _ := h.enrollTOTP(t, "u1")
	wrong := h.wrongCode(t, secret)

	for i := 1; i <= mfa.DefaultMaxFailures; i++ {
		out, err := h.guard.Verify(ctx, mfa.Attempt{UserID: "u1", Credential: wrong, ClientIP: "10.0.0.9"})
		if i == mfa.DefaultMaxFailures {
			assert.False(t, out.LockedUntil.IsZero())
		}
		assert.ErrorIs(t, err, auth.ErrMFAInvalidCode)
	}

	code, err := h.totp.CurrentCode(secret, h.clock.Now())
	require.NoError(t, err)
	_, err = h.guard.Verify(ctx, mfa.Attempt{UserID: "u1", Credential: code})
	assert.ErrorIs(t, err, auth.ErrMFALocked)

	h.clock.Advance(mfa.DefaultLockDuration + time.Second)
	code, err = h.totp.CurrentCode(secret, h.clock.Now())
	require.NoError(t, err)
	out, err := h.guard.Verify(ctx, mfa.Attempt{UserID: "u1", Credential: code})
	require.NoError(t, err)
	assert.True(t, out.Success)

	stored, err := h.store.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.FailedAttempts)
	assert.True(t, stored.LockedUntil.IsZero())
	assert.Equal(t, int64(1), stored.VerifyCount)
}

func TestFactorStoreConcurrentFailures(t *testing.T) {
	h := newMFAHarness(t)
	ctx := context.Background()
	f, secret, _ := h.enrollTOTP(t, "u1")
	wrong := h.wrongCode(t, secret)

	var invalid, locked atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.guard.Verify(ctx, mfa.Attempt{UserID: "u1", FactorID: f.ID, Credential: wrong})
			switch {
			case auth.KindOf(err) == auth.KindMFAInvalidCode:
				invalid.Add(1)
			case auth.KindOf(err) == auth.KindMFALocked:
				locked.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(mfa.DefaultMaxFailures), invalid.Load())
	assert.Equal(t, int32(12-mfa.DefaultMaxFailures), locked.Load())
	stored, err := h.store.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, mfa.DefaultMaxFailures, stored.FailedAttempts)
}

func TestFactorStoreCommitAttemptConflict(t *testing.T) {
	h := newMFAHarness(t)
	ctx := context.Background()
	f, _, _ := h.enrollTOTP(t, "u1")

	next := *f
	next.FailedAttempts = 1
	entry := &mfa.VerificationLog{ID: uuid.NewString(), FactorID: f.ID, UserID: "u1", FactorType: f.Type,
		Result: mfa.ResultFailure, FailureReason: mfa.ReasonInvalidCode, CreatedAt: h.clock.Now()}
	err := h.store.CommitAttempt(ctx, &next, f.Version+7, entry, nil)
	assert.ErrorIs(t, err, retry.ErrConflict)

	// 冲突时日志也没有写入
	logs, err := h.store.Query(ctx, mfa.LogQuery{FactorID: f.ID, Result: mfa.ResultFailure})
	require.NoError(t, err)
	assert.Empty(t, logs)

	require.NoError(t, h.store.CommitAttempt(ctx, &next, f.Version, entry, nil))
	assert.Equal(t, f.Version+1, next.Version)

	err = h.store.CommitAttempt(ctx, &mfa.Factor{ID: "missing"}, 0, entry, nil)
	assert.ErrorIs(t, err, auth.ErrFactorNotFound)
}

func TestFactorStoreCommitAttemptConsumesBackupCode(t *testing.T) {
	h := newMFAHarness(t)
	ctx := context.Background()
	e, err := h.registry.Register(ctx, "u1", mfa.FactorBackupCode, mfa.RegisterParams{})
	require.NoError(t, err)
	_, err = h.registry.Activate(ctx, "u1", e.Factor.ID, e.BackupCodes[0])
	require.NoError(t, err)
	f, err := h.store.Get(ctx, e.Factor.ID)
	require.NoError(t, err)

	use, err := h.vault.Match(ctx, f.ID, e.BackupCodes[1])
	require.NoError(t, err)
	require.NotNil(t, use)
	spent, err := h.vault.Match(ctx, f.ID, e.BackupCodes[0])
	require.NoError(t, err)
	assert.Nil(t, spent, "activation consumed the first code")

	newEntry := func() *mfa.VerificationLog {
		return &mfa.VerificationLog{ID: uuid.NewString(), FactorID: f.ID, UserID: "u1", FactorType: f.Type,
			Result: mfa.ResultSuccess, CreatedAt: h.clock.Now()}
	}
	next := *f
	next.VerifyCount++
	require.NoError(t, h.store.CommitAttempt(ctx, &next, f.Version, newEntry(), use))
	n, err := h.vault.Remaining(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, mfa.DefaultBackupCodeCount-2, n)

	// 同一个码再次提交时整个事务回滚
	again := next
	again.VerifyCount++
	err = h.store.CommitAttempt(ctx, &again, next.Version, newEntry(), use)
	assert.ErrorIs(t, err, mfa.ErrBackupCodeSpent)
	stored, err := h.store.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, next.Version, stored.Version)
	assert.Equal(t, next.VerifyCount, stored.VerifyCount)
	logs, err := h.store.Query(ctx, mfa.LogQuery{FactorID: f.ID, Result: mfa.ResultSuccess})
	require.NoError(t, err)
	assert.Len(t, logs, 2, "activation and the first commit")
}

func TestGuardDefaultRetrierKeepsBackupCodesConsistent(t *testing.T) {
	h := newMFAHarness(t)
	ctx := context.Background()
	e, err := h.registry.Register(ctx, "u1", mfa.FactorBackupCode, mfa.RegisterParams{})
	require.NoError(t, err)
	_, err = h.registry.Activate(ctx, "u1", e.Factor.ID, e.BackupCodes[0])
	require.NoError(t, err)
	codes := e.BackupCodes[1:]

	engines := &mfa.Engines{Vault: h.vault}
	guard := mfa.NewGuard(h.store, h.store, engines, mfa.DefaultGuardConfig(), logging.NewNopLogger(),
		mfa.WithClock(h.clock.Now))

	var ok, internal atomic.Int32
	var wg sync.WaitGroup
	for _, code := range codes {
		wg.Add(1)
		go func(code string) {
			defer wg.Done()
			_, err := guard.Verify(ctx, mfa.Attempt{UserID: "u1", FactorID: e.Factor.ID, Credential: code})
			switch {
			case err == nil:
				ok.Add(1)
			case auth.KindOf(err) == auth.KindInternal:
				internal.Add(1)
			}
		}(code)
	}
	wg.Wait()
	require.Equal(t, int32(len(codes)), ok.Load()+internal.Load())

	remaining, err := h.vault.Remaining(ctx, e.Factor.ID)
	require.NoError(t, err)
	assert.Equal(t, int(internal.Load()), remaining, "only committed attempts spend a code")

	success, err := h.store.Query(ctx, mfa.LogQuery{FactorID: e.Factor.ID, Result: mfa.ResultSuccess})
	require.NoError(t, err)
	assert.Len(t, success, int(ok.Load())+1)
	failure, err := h.store.Query(ctx, mfa.LogQuery{FactorID: e.Factor.ID, Result: mfa.ResultFailure})
	require.NoError(t, err)
	assert.Len(t, failure, int(internal.Load()))
}

func TestBackupCodeConcurrentConsume(t *testing.T) {
	h := newMFAHarness(t)
	ctx := context.Background()
	factorID := uuid.NewString()
	codes, err := h.vault.GenerateBatch(ctx, factorID, 4)
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := h.vault.VerifyAndConsume(ctx, factorID, codes[0])
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	n, err := h.vault.Remaining(ctx, factorID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// 新批次作废旧批次
	fresh, err := h.vault.GenerateBatch(ctx, factorID, 4)
	require.NoError(t, err)
	ok, err := h.vault.VerifyAndConsume(ctx, factorID, codes[1])
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = h.vault.VerifyAndConsume(ctx, factorID, fresh[0])
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLogQueryFilters(t *testing.T) {
	db := openTestDB(t)
	store := db.Factors()
	ctx := context.Background()

	entries := []struct {
		ip     string
		result mfa.Result
		offset time.Duration
	}{
		{"10.0.0.1", mfa.ResultFailure, 0},
		{"10.0.0.1", mfa.ResultSuccess, time.Minute},
		{"10.0.0.2", mfa.ResultFailure, 2 * time.Minute},
		{"10.0.0.1", mfa.ResultFailure, 3 * time.Minute},
	}
	for _, e := range entries {
		require.NoError(t, store.Append(ctx, &mfa.VerificationLog{
			ID: uuid.NewString(), FactorID: "f1", UserID: "u1", FactorType: mfa.FactorTOTP,
			Result: e.result, ClientIP: e.ip, CreatedAt: base.Add(e.offset),
		}))
	}

	testCases := []struct {
		name  string
		query mfa.LogQuery
		want  int
	}{
		{name: "by factor", query: mfa.LogQuery{FactorID: "f1"}, want: 4},
		{name: "by ip", query: mfa.LogQuery{ClientIP: "10.0.0.1"}, want: 3},
		{name: "by ip and result", query: mfa.LogQuery{ClientIP: "10.0.0.1", Result: mfa.ResultFailure}, want: 2},
		{name: "time range", query: mfa.LogQuery{Since: base.Add(time.Minute), Until: base.Add(2 * time.Minute)}, want: 2},
		{name: "limit", query: mfa.LogQuery{UserID: "u1", Limit: 1}, want: 1},
		{name: "no match", query: mfa.LogQuery{UserID: "u2"}, want: 0},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			logs, err := store.Query(ctx, tc.query)
			require.NoError(t, err)
			assert.Len(t, logs, tc.want)
		})
	}

	logs, err := store.Query(ctx, mfa.LogQuery{FactorID: "f1"})
	require.NoError(t, err)
	assert.Equal(t, base.Add(3*time.Minute).UnixMilli(), logs[0].CreatedAt.UnixMilli())
}

func newTestRecord(userID, tenantID string, issued time.Time) *token.Record {
	id := uuid.NewString()
	return &token.Record{
		ID:               id,
		AccessDigest:     token.Digest("access-" + id),
		RefreshDigest:    token.Digest("refresh-" + id),
		UserID:           userID,
		TenantID:         tenantID,
		IssuedAt:         issued,
		AccessExpiresAt:  issued.Add(time.Hour),
		RefreshExpiresAt: issued.Add(24 * time.Hour),
	}
}

func TestTokenStoreCRUD(t *testing.T) {
	store := openTestDB(t).Tokens()
	ctx := context.Background()
	r := newTestRecord("u1", "t1", base)
	r.DeviceID = "d1"
	r.ClientIP = "10.0.0.1"
	require.NoError(t, store.Create(ctx, r))

	got, err := store.FindByAccess(ctx, r.AccessDigest)
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
	assert.Equal(t, "d1", got.DeviceID)
	assert.Equal(t, r.RefreshExpiresAt.UnixMilli(), got.RefreshExpiresAt.UnixMilli())
	assert.True(t, got.RevokedAt.IsZero())

	got, err = store.FindByRefresh(ctx, r.RefreshDigest)
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, token.ErrRecordNotFound)

	ok, err := store.Revoke(ctx, r.ID, token.ReasonLogout, base.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.Revoke(ctx, r.ID, token.ReasonLogout, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	got, err = store.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, got.Revoked)
	assert.Equal(t, token.ReasonLogout, got.RevokeReason)
	assert.Equal(t, int64(1), got.Version)

	_, err = store.Revoke(ctx, "missing", token.ReasonLogout, base)
	assert.ErrorIs(t, err, token.ErrRecordNotFound)
}

func TestTokenStoreRotate(t *testing.T) {
	store := openTestDB(t).Tokens()
	ctx := context.Background()
	old := newTestRecord("u1", "t1", base)
	require.NoError(t, store.Create(ctx, old))

	revoked := *old
	revoked.Revoked = true
	revoked.RevokedAt = base.Add(time.Minute)
	revoked.RevokeReason = token.ReasonRotated
	next := newTestRecord("u1", "t1", base.Add(time.Minute))
	next.ParentID = old.ID

	err := store.Rotate(ctx, &revoked, 3, next)
	assert.ErrorIs(t, err, retry.ErrConflict)
	_, err = store.Get(ctx, next.ID)
	assert.ErrorIs(t, err, token.ErrRecordNotFound)

	require.NoError(t, store.Rotate(ctx, &revoked, 0, next))
	got, err := store.Get(ctx, next.ID)
	require.NoError(t, err)
	assert.Equal(t, old.ID, got.ParentID)
	got, err = store.Get(ctx, old.ID)
	require.NoError(t, err)
	assert.True(t, got.Revoked)
	assert.Equal(t, token.ReasonRotated, got.RevokeReason)

	err = store.Rotate(ctx, &token.Record{ID: "missing"}, 0, newTestRecord("u1", "t1", base))
	assert.ErrorIs(t, err, token.ErrRecordNotFound)
}

func TestTokenStoreRevokeAllAndCleanup(t *testing.T) {
	store := openTestDB(t).Tokens()
	ctx := context.Background()
	for _, r := range []*token.Record{
		newTestRecord("u1", "t1", base),
		newTestRecord("u1", "t1", base),
		newTestRecord("u2", "t1", base),
		newTestRecord("u3", "t2", base),
	} {
		require.NoError(t, store.Create(ctx, r))
	}

	revoked, err := store.RevokeByUser(ctx, "u1", token.ReasonRevokeAll, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, revoked, 2)
	for _, r := range revoked {
		assert.True(t, r.Revoked)
		assert.Equal(t, token.ReasonRevokeAll, r.RevokeReason)
	}

	// 已撤销的不再返回
	revoked, err = store.RevokeByTenant(ctx, "t1", token.ReasonTenant, base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, revoked, 1)
	assert.Equal(t, "u2", revoked[0].UserID)

	revoked, err = store.RevokeByUser(ctx, "nobody", token.ReasonRevokeAll, base)
	require.NoError(t, err)
	assert.Empty(t, revoked)

	n, err := store.DeleteDead(ctx, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = store.DeleteDead(ctx, base.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestTokenStoreDeviceSessions(t *testing.T) {
	store := openTestDB(t).Tokens()
	ctx := context.Background()
	phone := newTestRecord("u1", "t1", base)
	phone.DeviceID = "d1"
	laptop := newTestRecord("u1", "t1", base.Add(time.Minute))
	laptop.DeviceID = "d2"
	stale := newTestRecord("u1", "t1", base.Add(-48*time.Hour))
	stale.DeviceID = "d3"
	bob := newTestRecord("u2", "t1", base)
	bob.DeviceID = "d1"
	for _, r := range []*token.Record{phone, laptop, stale, bob} {
		require.NoError(t, store.Create(ctx, r))
	}

	active, err := store.ListActive(ctx, "u1", base.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, laptop.ID, active[0].ID)
	assert.Equal(t, phone.ID, active[1].ID)

	revoked, err := store.RevokeByDevice(ctx, "u1", "d1", token.ReasonDevice, base.Add(3*time.Minute))
	require.NoError(t, err)
	require.Len(t, revoked, 1)
	assert.Equal(t, phone.ID, revoked[0].ID)
	assert.Equal(t, token.ReasonDevice, revoked[0].RevokeReason)

	active, err = store.ListActive(ctx, "u1", base.Add(3*time.Minute))
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, laptop.ID, active[0].ID)

	got, err := store.Get(ctx, bob.ID)
	require.NoError(t, err)
	assert.False(t, got.Revoked)
}

func TestTokenManagerOverSQL(t *testing.T) {
	clk := &clock{now: base}
	m, err := token.NewManager(openTestDB(t).Tokens(),
		token.Config{SigningKey: []byte("token-signing-key-for-tests-0123456789"), Issuer: "idguard"},
		token.WithClock(clk.Now),
		token.WithLogger(logging.NewNopLogger()),
	)
	require.NoError(t, err)
	ctx := context.Background()

	pair, err := m.Issue(ctx, token.Subject{UserID: "u1", TenantID: "t1"})
	require.NoError(t, err)
	claims, err := m.Validate(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)

	clk.Advance(time.Minute)
	next, err := m.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	_, err = m.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, auth.ErrTokenRevoked)

	n, err := m.RevokeAllForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = m.Validate(ctx, next.AccessToken)
	assert.ErrorIs(t, err, auth.ErrTokenRevoked)
}
