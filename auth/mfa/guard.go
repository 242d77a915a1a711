package mfa

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/dormoron/idguard/auth"
	"github.com/dormoron/idguard/internal/retry"
	"github.com/dormoron/idguard/observability/logging"
	"github.com/dormoron/idguard/observability/metrics"
)

const (
	// DefaultMaxFailures 连续失败达到该次数后锁定
	DefaultMaxFailures = 5
	// DefaultLockDuration 锁定时长
	DefaultLockDuration = 15 * time.Minute
	// DefaultCASAttempts 计数器写入冲突时的最大尝试次数
	DefaultCASAttempts = 5
)

// GuardConfig 锁定策略配置
type GuardConfig struct {
	MaxFailures  int
	LockDuration time.Duration
	// LowBackupCodes 备用码剩余低于该值时在结果中提示
	LowBackupCodes int
}

// DefaultGuardConfig 默认锁定策略
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		MaxFailures:    DefaultMaxFailures,
		LockDuration:   DefaultLockDuration,
		LowBackupCodes: DefaultLowBackupCodes,
	}
}

// Attempt 一次验证请求
type Attempt struct {
	UserID string
	// FactorID 为空时使用用户的主因子
	FactorID   string
	Credential string
	ClientIP   string
	UserAgent  string
}

// Outcome 验证结果
type Outcome struct {
	FactorID   string
	FactorType FactorType
	Success    bool
	// Locked 本次因为因子处于锁定状态而被拒绝，没有消耗尝试次数
	Locked            bool
	RemainingAttempts int
	LockedUntil       time.Time
	// BackupCodesRemaining 使用备用码成功后剩余的数量
	BackupCodesRemaining int
	LowBackupCodes       bool
}

// Verifier 验证编排接口，审计装饰器包装的就是它
type Verifier interface {
	Verify(ctx context.Context, a Attempt) (*Outcome, error)
}

// Guard 验证编排与锁定守卫
// 计数器的读-改-写通过版本号比较交换完成，冲突时有限次重试
type Guard struct {
	factors FactorRepository
	logs    LogRepository
	engines *Engines
	retrier *retry.Retrier
	cfg     GuardConfig
	logger  logging.Logger
	metrics *metrics.AuthMetrics
	now     func() time.Time
}

// GuardOption 配置 Guard
type GuardOption func(*Guard)

// WithRetrier 设置计数器冲突重试器
func WithRetrier(r *retry.Retrier) GuardOption {
	return func(g *Guard) {
		g.retrier = r
	}
}

// WithClock 设置时钟
func WithClock(now func() time.Time) GuardOption {
	return func(g *Guard) {
		g.now = now
	}
}

// WithMetrics 设置指标
func WithMetrics(m *metrics.AuthMetrics) GuardOption {
	return func(g *Guard) {
		g.metrics = m
	}
}

// NewGuard 创建验证编排器
func NewGuard(factors FactorRepository, logs LogRepository, engines *Engines, cfg GuardConfig,
	logger logging.Logger, opts ...GuardOption) *Guard {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.LockDuration <= 0 {
		cfg.LockDuration = DefaultLockDuration
	}
	if cfg.LowBackupCodes <= 0 {
		cfg.LowBackupCodes = DefaultLowBackupCodes
	}
	if logger == nil {
		logger = logging.GetDefaultLogger()
	}
	g := &Guard{
		factors: factors,
		logs:    logs,
		engines: engines,
		retrier: retry.NewRetrier(retry.WithMaxAttempts(DefaultCASAttempts)),
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

var _ Verifier = (*Guard)(nil)

// Verify 校验一次凭证
//  1. 解析目标因子（指定ID或主因子）
//  2. 锁定中直接拒绝，不消耗尝试次数
//  3. 按类型交给引擎校验
//  4. 成功则清零计数器，失败则累加，达到阈值时锁定
//
// 引擎校验和计数器提交不受调用方取消影响，一次尝试要么完整提交要么没有开始：
// 备用码与计数器在同一次提交中消费，提交失败时归还取出的渠道验证码并记录失败日志
func (g *Guard) Verify(ctx context.Context, a Attempt) (*Outcome, error) {
	if a.UserID == "" {
		return nil, auth.Validation("missing user id")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := g.now()

	f, err := g.resolve(ctx, a)
	if err != nil {
		if errors.Is(err, auth.ErrFactorNotFound) {
			g.appendLog(ctx, a, &Factor{ID: a.FactorID, UserID: a.UserID}, ResultFailure, ReasonNotFound, now)
		}
		return nil, err
	}
	if f.Status != StatusActive {
		g.appendLog(ctx, a, f, ResultFailure, ReasonNotActive, now)
		return nil, auth.ErrFactorNotFound
	}
	if f.LockedAt(now) {
		g.appendLog(ctx, a, f, ResultFailure, ReasonLocked, now)
		return &Outcome{FactorID: f.ID, FactorType: f.Type, Locked: true, LockedUntil: f.LockedUntil}, auth.ErrMFALocked
	}

	commitCtx := context.WithoutCancel(ctx)
	v, err := g.engines.check(commitCtx, f, a.Credential, now)
	if err != nil {
		g.logger.Error("认证引擎故障", map[string]interface{}{
			logging.FieldFactorID: f.ID,
			logging.FieldError:    err,
		})
		g.appendLog(commitCtx, a, f, ResultFailure, ReasonEngineFailed, now)
		return nil, auth.Wrap(auth.ErrInternal, err)
	}

	outcome, err := retry.CompareAndSwap(commitCtx, g.retrier, g.casStore(f.ID, &v),
		func(cur factorAttempt) (factorAttempt, *Outcome, error) {
			return g.apply(cur.factor, a, v, now)
		})
	if err != nil {
		// 计数器没有写入，备用码也没有被消费
		g.restore(commitCtx, f, v)
		if errors.Is(err, auth.ErrFactorNotFound) {
			g.appendLog(commitCtx, a, f, ResultFailure, ReasonNotActive, now)
			return nil, auth.ErrFactorNotFound
		}
		g.logger.Error("提交验证结果失败", map[string]interface{}{
			logging.FieldUserID:   f.UserID,
			logging.FieldFactorID: f.ID,
			logging.FieldError:    err,
		})
		g.appendLog(commitCtx, a, f, ResultFailure, ReasonNotCommitted, now)
		return nil, auth.Wrap(auth.ErrInternal, err)
	}
	if outcome.Locked {
		g.restore(commitCtx, f, v)
	}

	switch {
	case outcome.Success:
		if f.Type == FactorBackupCode {
			g.annotateBackupCodes(commitCtx, f, outcome)
		}
		return outcome, nil
	case outcome.Locked:
		return outcome, auth.ErrMFALocked
	default:
		if !outcome.LockedUntil.IsZero() {
			if g.metrics != nil {
				g.metrics.IncLockout(f.Type.String())
			}
			g.logger.Warn("认证因子连续失败已锁定", map[string]interface{}{
				logging.FieldEvent:    "mfa.factor.locked",
				logging.FieldUserID:   f.UserID,
				logging.FieldFactorID: f.ID,
				logging.FieldClientIP: a.ClientIP,
				"locked_until":        outcome.LockedUntil,
			})
		}
		return outcome, auth.ErrMFAInvalidCode
	}
}

// apply 根据最新读取的因子状态和校验结果计算新状态及日志
// 锁定和失败都不附带备用码，只有成功的尝试才会消费
func (g *Guard) apply(f Factor, a Attempt, v verdict, now time.Time) (factorAttempt, *Outcome, error) {
	if f.Status != StatusActive {
		return factorAttempt{}, nil, auth.ErrFactorNotFound
	}
	// 锁定已过期，计数器重新开始
	if !f.LockedUntil.IsZero() && !now.Before(f.LockedUntil) {
		f.FailedAttempts = 0
		f.LockedUntil = time.Time{}
	}

	out := &Outcome{FactorID: f.ID, FactorType: f.Type}
	entry := g.newLog(a, &f, now)
	var use *BackupCodeUse

	switch {
	case f.LockedAt(now):
		// 并发的失败请求已经把因子锁定
		entry.Result = ResultFailure
		entry.FailureReason = ReasonLocked
		out.Locked = true
		out.LockedUntil = f.LockedUntil
	case v.ok:
		use = v.use
		f.FailedAttempts = 0
		f.LockedUntil = time.Time{}
		f.LastUsedAt = now
		f.VerifyCount++
		entry.Result = ResultSuccess
		out.Success = true
	default:
		f.FailedAttempts++
		entry.Result = ResultFailure
		entry.FailureReason = v.reason
		if f.FailedAttempts >= g.cfg.MaxFailures {
			f.LockedUntil = now.Add(g.cfg.LockDuration)
			entry.FailureReason = ReasonLockedNow
			out.LockedUntil = f.LockedUntil
		}
		out.RemainingAttempts = g.cfg.MaxFailures - f.FailedAttempts
		if out.RemainingAttempts < 0 {
			out.RemainingAttempts = 0
		}
	}
	f.UpdatedAt = now
	return factorAttempt{factor: f, log: entry, use: use}, out, nil
}

// resolve 按ID读取因子，未指定时使用主因子
func (g *Guard) resolve(ctx context.Context, a Attempt) (*Factor, error) {
	var (
		f   *Factor
		err error
	)
	if a.FactorID != "" {
		f, err = g.factors.Get(ctx, a.FactorID)
	} else {
		f, err = g.factors.Primary(ctx, a.UserID)
	}
	if errors.Is(err, auth.ErrFactorNotFound) {
		return nil, auth.ErrFactorNotFound
	}
	if err != nil {
		return nil, auth.Wrap(auth.ErrInternal, err)
	}
	if f.UserID != a.UserID || f.Status == StatusDeleted {
		return nil, auth.ErrFactorNotFound
	}
	return f, nil
}

// restore 尝试没有生效时归还取出的渠道验证码
func (g *Guard) restore(ctx context.Context, f *Factor, v verdict) {
	if v.claim == nil {
		return
	}
	if err := g.engines.Channel.Restore(ctx, v.claim); err != nil {
		g.logger.Warn("归还验证码失败", map[string]interface{}{
			logging.FieldFactorID: f.ID,
			logging.FieldError:    err,
		})
	}
}

func (g *Guard) annotateBackupCodes(ctx context.Context, f *Factor, out *Outcome) {
	n, err := g.engines.Vault.Remaining(ctx, f.ID)
	if err != nil {
		g.logger.Warn("读取备用码剩余数量失败", map[string]interface{}{
			logging.FieldFactorID: f.ID,
			logging.FieldError:    err,
		})
		return
	}
	out.BackupCodesRemaining = n
	out.LowBackupCodes = n < g.cfg.LowBackupCodes
	if g.metrics != nil {
		g.metrics.ObserveBackupRemaining(n)
	}
	if out.LowBackupCodes {
		g.logger.Warn("备用码即将用完", map[string]interface{}{
			logging.FieldUserID:   f.UserID,
			logging.FieldFactorID: f.ID,
			"remaining":           n,
		})
	}
}

func (g *Guard) newLog(a Attempt, f *Factor, now time.Time) *VerificationLog {
	return &VerificationLog{
		ID:         uuid.NewString(),
		FactorID:   f.ID,
		UserID:     a.UserID,
		FactorType: f.Type,
		ClientIP:   a.ClientIP,
		UserAgent:  a.UserAgent,
		CreatedAt:  now,
	}
}

// appendLog 记录没有改变计数器的尝试
func (g *Guard) appendLog(ctx context.Context, a Attempt, f *Factor, result Result, reason string, now time.Time) {
	entry := g.newLog(a, f, now)
	entry.Result = result
	entry.FailureReason = reason
	if err := g.logs.Append(context.WithoutCancel(ctx), entry); err != nil {
		g.logger.Error("写入验证日志失败", map[string]interface{}{
			logging.FieldFactorID: f.ID,
			logging.FieldError:    err,
		})
	}
}

// factorAttempt 一次提交的内容：新的因子状态、对应的日志和要消费的备用码
type factorAttempt struct {
	factor Factor
	log    *VerificationLog
	use    *BackupCodeUse
}

func (a factorAttempt) GetVersion() int64 {
	return a.factor.Version
}

// casStore 备用码在读取之后被并发请求用掉时，本次尝试按无效码重新计算
func (g *Guard) casStore(factorID string, v *verdict) retry.CASStore[factorAttempt] {
	return retry.CASFuncs[factorAttempt]{
		LoadFunc: func(ctx context.Context) (factorAttempt, error) {
			f, err := g.factors.Get(ctx, factorID)
			if err != nil {
				return factorAttempt{}, err
			}
			return factorAttempt{factor: *f}, nil
		},
		SwapFunc: func(ctx context.Context, expected int64, next factorAttempt) error {
			err := g.factors.CommitAttempt(ctx, &next.factor, expected, next.log, next.use)
			if errors.Is(err, ErrBackupCodeSpent) {
				v.ok, v.reason, v.use = false, ReasonInvalidCode, nil
				return retry.ErrConflict
			}
			return err
		},
	}
}
