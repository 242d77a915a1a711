package mfa

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dormoron/idguard/auth"
)

func TestRegistryRegisterTOTP(t *testing.T) {
	c := newTestCore(t)
	e, err := c.registry.Register(context.Background(), "u1", FactorTOTP, RegisterParams{Name: " phone ", AccountName: "alice"})
	require.NoError(t, err)

	assert.Equal(t, StatusPending, e.Factor.Status)
	assert.Equal(t, "phone", e.Factor.Name)
	assert.False(t, e.Factor.Primary)
	assert.NotEmpty(t, e.Secret)
	assert.NotEqual(t, e.Secret, e.Factor.Secret, "secret is sealed at rest")
	assert.Contains(t, e.ProvisioningURI, "otpauth://totp/")
	assert.True(t, bytes.HasPrefix(e.QRCode, []byte("\x89PNG")))
	assert.True(t, e.RemainingSeconds > 0 && e.RemainingSeconds <= 30)

	stored, err := c.store.Get(context.Background(), e.Factor.ID)
	require.NoError(t, err)
	opened, err := c.engines.Sealer.Open(stored.Secret)
	require.NoError(t, err)
	assert.Equal(t, e.Secret, opened)
}

func TestRegistryRegisterValidation(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	_, err := c.registry.Register(ctx, "", FactorTOTP, RegisterParams{})
	assert.ErrorIs(t, err, auth.ErrValidation)
	_, err = c.registry.Register(ctx, "u1", FactorSMS, RegisterParams{})
	assert.ErrorIs(t, err, auth.ErrValidation)
	_, err = c.registry.Register(ctx, "u1", FactorType(99), RegisterParams{})
	assert.ErrorIs(t, err, auth.ErrValidation)
}

func TestRegistryFirstActiveFactorBecomesPrimary(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	enabled, err := c.registry.IsEnabled(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, enabled)

	totpFactor, _ := c.enrollTOTP(t, "u1")
	assert.True(t, totpFactor.Primary)
	assert.Equal(t, StatusActive, totpFactor.Status)

	enabled, err = c.registry.IsEnabled(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, enabled)

	// 自动生成的备用码因子不是主因子
	factors, err := c.registry.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, factors, 2)
	assert.Equal(t, FactorBackupCode, factors[1].Type)
	assert.Equal(t, StatusActive, factors[1].Status)
	assert.False(t, factors[1].Primary)
}

func TestRegistryActivateTOTPIssuesBackupCodesOnce(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	e, err := c.registry.Register(ctx, "u1", FactorTOTP, RegisterParams{})
	require.NoError(t, err)
	act, err := c.registry.Activate(ctx, "u1", e.Factor.ID, c.totpCode(t, e.Secret))
	require.NoError(t, err)
	assert.Len(t, act.BackupCodes, DefaultBackupCodeCount)

	e2, err := c.registry.Register(ctx, "u1", FactorTOTP, RegisterParams{})
	require.NoError(t, err)
	act2, err := c.registry.Activate(ctx, "u1", e2.Factor.ID, c.totpCode(t, e2.Secret))
	require.NoError(t, err)
	assert.Empty(t, act2.BackupCodes)
	assert.False(t, act2.Factor.Primary)
}

func TestRegistryActivateRejectsWrongProof(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	e, err := c.registry.Register(ctx, "u1", FactorTOTP, RegisterParams{})
	require.NoError(t, err)
	_, err = c.registry.Activate(ctx, "u1", e.Factor.ID, c.wrongCode(t, e.Secret))
	assert.ErrorIs(t, err, auth.ErrMFAInvalidCode)

	f, err := c.registry.Get(ctx, "u1", e.Factor.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, f.Status)

	logs, err := c.store.Query(ctx, LogQuery{FactorID: e.Factor.ID})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, ResultFailure, logs[0].Result)
	assert.Equal(t, ReasonActivation, logs[0].FailureReason)

	// 已激活的因子不能再次激活
	_, err = c.registry.Activate(ctx, "u1", e.Factor.ID, c.totpCode(t, e.Secret))
	require.NoError(t, err)
	_, err = c.registry.Activate(ctx, "u1", e.Factor.ID, c.totpCode(t, e.Secret))
	assert.ErrorIs(t, err, auth.ErrValidation)
}

func TestRegistryActivateSMSWithChallenge(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	e, err := c.registry.Register(ctx, "u1", FactorSMS, RegisterParams{Destination: "+15551234567"})
	require.NoError(t, err)

	res, err := c.registry.SendChallenge(ctx, "u1", e.Factor.ID)
	require.NoError(t, err)
	assert.Equal(t, ChannelSMS, res.Channel)
	assert.Equal(t, "+15551234567", c.gateway.last.Destination)

	act, err := c.registry.Activate(ctx, "u1", e.Factor.ID, c.gateway.code(t))
	require.NoError(t, err)
	assert.True(t, act.Factor.Primary)
	assert.Empty(t, act.BackupCodes)
}

func TestRegistryChannelCodeProvesOnlyItsDestination(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	a, err := c.registry.Register(ctx, "u1", FactorSMS, RegisterParams{Destination: "+15550000001"})
	require.NoError(t, err)
	_, err = c.registry.SendChallenge(ctx, "u1", a.Factor.ID)
	require.NoError(t, err)
	_, err = c.registry.Activate(ctx, "u1", a.Factor.ID, c.gateway.code(t))
	require.NoError(t, err)

	b, err := c.registry.Register(ctx, "u1", FactorSMS, RegisterParams{Destination: "+15550000002"})
	require.NoError(t, err)

	// 发给A的验证码不能激活B
	_, err = c.registry.SendChallenge(ctx, "u1", a.Factor.ID)
	require.NoError(t, err)
	_, err = c.registry.Activate(ctx, "u1", b.Factor.ID, c.gateway.code(t))
	assert.ErrorIs(t, err, auth.ErrMFAInvalidCode)
	pending, err := c.registry.Get(ctx, "u1", b.Factor.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, pending.Status)

	// 也不能在登录时冒充B
	_, err = c.registry.SendChallenge(ctx, "u1", a.Factor.ID)
	require.NoError(t, err)
	_, err = c.guard.Verify(ctx, Attempt{UserID: "u1", FactorID: b.Factor.ID, Credential: c.gateway.code(t)})
	assert.ErrorIs(t, err, auth.ErrFactorNotFound, "B is still pending")

	_, err = c.registry.SendChallenge(ctx, "u1", b.Factor.ID)
	require.NoError(t, err)
	assert.Equal(t, "+15550000002", c.gateway.last.Destination)
	_, err = c.registry.Activate(ctx, "u1", b.Factor.ID, c.gateway.code(t))
	require.NoError(t, err)

	_, err = c.registry.SendChallenge(ctx, "u1", a.Factor.ID)
	require.NoError(t, err)
	_, err = c.guard.Verify(ctx, Attempt{UserID: "u1", FactorID: b.Factor.ID, Credential: c.gateway.code(t)})
	assert.ErrorIs(t, err, auth.ErrMFAInvalidCode, "active B rejects a code sent to A")
}

func TestRegistryBackupCodeFactor(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	e, err := c.registry.Register(ctx, "u1", FactorBackupCode, RegisterParams{})
	require.NoError(t, err)
	require.Len(t, e.BackupCodes, DefaultBackupCodeCount)

	_, err = c.registry.Activate(ctx, "u1", e.Factor.ID, e.BackupCodes[0])
	require.NoError(t, err)

	remaining, err := c.registry.BackupCodesRemaining(ctx, "u1", e.Factor.ID)
	require.NoError(t, err)
	assert.Equal(t, DefaultBackupCodeCount-1, remaining)

	fresh, err := c.registry.RegenerateBackupCodes(ctx, "u1", e.Factor.ID)
	require.NoError(t, err)
	assert.Len(t, fresh, DefaultBackupCodeCount)

	ok, err := c.engines.Vault.VerifyAndConsume(ctx, e.Factor.ID, e.BackupCodes[1])
	require.NoError(t, err)
	assert.False(t, ok, "old batch is invalidated")
}

func TestRegistryPlaceholderFactorsCannotActivate(t *testing.T) {
	c := newTestCore(t)
	for _, typ := range []FactorType{FactorHardwareToken, FactorBiometric} {
		e, err := c.registry.Register(context.Background(), "u1", typ, RegisterParams{})
		require.NoError(t, err)
		_, err = c.registry.Activate(context.Background(), "u1", e.Factor.ID, "anything")
		assert.ErrorIs(t, err, auth.ErrValidation)
	}
}

func TestRegistrySetPrimaryAndDisable(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	first, _ := c.enrollTOTP(t, "u1")
	smsEnroll, err := c.registry.Register(ctx, "u1", FactorSMS, RegisterParams{Destination: "+15551234567"})
	require.NoError(t, err)

	err = c.registry.SetPrimary(ctx, "u1", smsEnroll.Factor.ID)
	assert.ErrorIs(t, err, auth.ErrValidation, "pending factor cannot be primary")

	_, err = c.registry.SendChallenge(ctx, "u1", smsEnroll.Factor.ID)
	require.NoError(t, err)
	_, err = c.registry.Activate(ctx, "u1", smsEnroll.Factor.ID, c.gateway.code(t))
	require.NoError(t, err)

	require.NoError(t, c.registry.SetPrimary(ctx, "u1", smsEnroll.Factor.ID))
	primary, err := c.registry.Primary(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, smsEnroll.Factor.ID, primary.ID)
	assertSinglePrimary(t, c, "u1")

	// 停用主因子后提升最早创建的 ACTIVE 因子
	disabled, err := c.registry.Disable(ctx, "u1", smsEnroll.Factor.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDisabled, disabled.Status)
	assert.False(t, disabled.Primary)
	primary, err = c.registry.Primary(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, primary.ID)
	assertSinglePrimary(t, c, "u1")

	err = c.registry.SetPrimary(ctx, "u1", smsEnroll.Factor.ID)
	assert.ErrorIs(t, err, auth.ErrValidation)
	err = c.registry.SetPrimary(ctx, "u2", first.ID)
	assert.ErrorIs(t, err, auth.ErrFactorNotFound)
}

func TestRegistryDisableLastFactorTurnsMFAOff(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()
	e, err := c.registry.Register(ctx, "u1", FactorEmail, RegisterParams{Destination: "a@b.c"})
	require.NoError(t, err)
	_, err = c.registry.SendChallenge(ctx, "u1", e.Factor.ID)
	require.NoError(t, err)
	_, err = c.registry.Activate(ctx, "u1", e.Factor.ID, c.gateway.code(t))
	require.NoError(t, err)

	_, err = c.registry.Disable(ctx, "u1", e.Factor.ID)
	require.NoError(t, err)

	enabled, err := c.registry.IsEnabled(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, enabled)
	_, err = c.registry.Primary(ctx, "u1")
	assert.ErrorIs(t, err, auth.ErrFactorNotFound)
}

func TestRegistryDeleteHidesFactor(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()
	f, _ := c.enrollTOTP(t, "u1")

	require.NoError(t, c.registry.Delete(ctx, "u1", f.ID))
	_, err := c.registry.Get(ctx, "u1", f.ID)
	assert.ErrorIs(t, err, auth.ErrFactorNotFound)

	factors, err := c.registry.List(ctx, "u1")
	require.NoError(t, err)
	for _, x := range factors {
		assert.NotEqual(t, f.ID, x.ID)
	}
	// 删除TOTP后备用码因子被提升为主因子
	primary, err := c.registry.Primary(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, FactorBackupCode, primary.Type)
}

func TestRegistryOwnership(t *testing.T) {
	c := newTestCore(t)
	f, _ := c.enrollTOTP(t, "u1")
	_, err := c.registry.Disable(context.Background(), "u2", f.ID)
	assert.ErrorIs(t, err, auth.ErrFactorNotFound)
	_, err = c.registry.SendChallenge(context.Background(), "u1", f.ID)
	assert.ErrorIs(t, err, auth.ErrValidation)
}

func TestRegistryLogs(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()
	f, secret := c.enrollTOTP(t, "u1")
	c.enrollTOTP(t, "u2")

	_, err := c.verifier.Verify(ctx, Attempt{UserID: "u1", Credential: c.wrongCode(t, secret), ClientIP: "10.0.0.1"})
	require.ErrorIs(t, err, auth.ErrMFAInvalidCode)
	c.clock.Advance(time.Second)
	_, err = c.verifier.Verify(ctx, Attempt{UserID: "u1", Credential: c.totpCode(t, secret), ClientIP: "10.0.0.2"})
	require.NoError(t, err)

	all, err := c.registry.Logs(ctx, "u1", LogQuery{UserID: "u2"})
	require.NoError(t, err)
	require.NotEmpty(t, all)
	for _, l := range all {
		assert.Equal(t, "u1", l.UserID)
	}
	assert.Equal(t, "10.0.0.2", all[0].ClientIP, "newest first")

	byIP, err := c.registry.Logs(ctx, "u1", LogQuery{ClientIP: "10.0.0.1"})
	require.NoError(t, err)
	require.Len(t, byIP, 1)
	assert.Equal(t, ResultFailure, byIP[0].Result)

	failures, err := c.registry.Logs(ctx, "u1", LogQuery{FactorID: f.ID, Result: ResultFailure, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, failures, 1)

	_, err = c.registry.Logs(ctx, "u2", LogQuery{FactorID: f.ID})
	assert.ErrorIs(t, err, auth.ErrFactorNotFound)

	now := c.clock.Now()
	_, err = c.registry.Logs(ctx, "u1", LogQuery{Since: now, Until: now})
	assert.ErrorIs(t, err, auth.ErrValidation)
}

func assertSinglePrimary(t *testing.T, c *testCore, userID string) {
	t.Helper()
	factors, err := c.store.ListByUser(context.Background(), userID)
	require.NoError(t, err)
	n := 0
	for _, f := range factors {
		if f.Primary {
			n++
			assert.Equal(t, StatusActive, f.Status)
		}
	}
	assert.Equal(t, 1, n)
}
