package mfa

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dormoron/idguard/auth"
	"github.com/dormoron/idguard/observability/logging"
)

// RegistryConfig 因子注册表配置
type RegistryConfig struct {
	// BackupCodeCount 每批备用码数量
	BackupCodeCount int
	// LowBackupCodes 备用码剩余低于该值时提醒
	LowBackupCodes int
	// AutoBackupCodes 激活TOTP时若用户没有备用码因子则自动创建
	AutoBackupCodes bool
}

// DefaultRegistryConfig 默认配置
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		BackupCodeCount: DefaultBackupCodeCount,
		LowBackupCodes:  DefaultLowBackupCodes,
		AutoBackupCodes: true,
	}
}

// RegisterParams 登记因子的参数
type RegisterParams struct {
	// Name 显示名称，为空时使用类型名
	Name string
	// Destination 短信或邮件因子的手机号/邮箱
	Destination string
	// AccountName 显示在认证器App中的账号名
	AccountName string
}

// Enrollment 登记结果，密钥和备用码明文只在这里返回一次
type Enrollment struct {
	Factor           *Factor
	Secret           string
	ProvisioningURI  string
	QRCode           []byte
	RemainingSeconds int
	BackupCodes      []string
}

// Activation 激活结果
type Activation struct {
	Factor *Factor
	// BackupCodes 激活TOTP时自动生成的备用码
	BackupCodes []string
}

// Registry 因子注册表，负责因子的登记、激活、主因子选择和停用
type Registry struct {
	factors FactorRepository
	logs    LogRepository
	engines *Engines
	cfg     RegistryConfig
	logger  logging.Logger
	now     func() time.Time
}

// NewRegistry 创建因子注册表
func NewRegistry(factors FactorRepository, logs LogRepository, engines *Engines,
	cfg RegistryConfig, logger logging.Logger, now func() time.Time) *Registry {
	if cfg.BackupCodeCount <= 0 {
		cfg.BackupCodeCount = DefaultBackupCodeCount
	}
	if cfg.LowBackupCodes <= 0 {
		cfg.LowBackupCodes = DefaultLowBackupCodes
	}
	if logger == nil {
		logger = logging.GetDefaultLogger()
	}
	if now == nil {
		now = time.Now
	}
	return &Registry{factors: factors, logs: logs, engines: engines, cfg: cfg, logger: logger, now: now}
}

// Register 登记一个 PENDING 状态的新因子
func (r *Registry) Register(ctx context.Context, userID string, typ FactorType, p RegisterParams) (*Enrollment, error) {
	if userID == "" {
		return nil, auth.Validation("missing user id")
	}
	now := r.now()
	f := &Factor{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      typ,
		Name:      strings.TrimSpace(p.Name),
		Status:    StatusPending,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if f.Name == "" {
		f.Name = typ.String()
	}
	enrollment := &Enrollment{Factor: f}

	switch typ {
	case FactorTOTP:
		secret, err := r.engines.TOTP.GenerateSecret()
		if err != nil {
			return nil, auth.Wrap(auth.ErrInternal, err)
		}
		account := p.AccountName
		if account == "" {
			account = userID
		}
		uri, err := r.engines.TOTP.ProvisioningURI(secret, account)
		if err != nil {
			return nil, auth.Wrap(auth.ErrInternal, err)
		}
		qr, err := r.engines.TOTP.QRCode(secret, account, DefaultQRSize)
		if err != nil {
			return nil, auth.Wrap(auth.ErrInternal, err)
		}
		if f.Secret, err = r.engines.Sealer.Seal(secret); err != nil {
			return nil, auth.Wrap(auth.ErrInternal, err)
		}
		enrollment.Secret = secret
		enrollment.ProvisioningURI = uri
		enrollment.QRCode = qr
		enrollment.RemainingSeconds = r.engines.TOTP.RemainingSeconds(now)
	case FactorSMS, FactorEmail:
		if p.Destination == "" {
			return nil, auth.Validation("%s factor requires a destination", typ)
		}
		f.Destination = p.Destination
	case FactorBackupCode, FactorHardwareToken, FactorBiometric:
	default:
		return nil, auth.Validation("unknown factor type")
	}

	if err := r.factors.Create(ctx, f); err != nil {
		return nil, auth.Wrap(auth.ErrInternal, err)
	}
	if typ == FactorBackupCode {
		codes, err := r.engines.Vault.GenerateBatch(ctx, f.ID, r.cfg.BackupCodeCount)
		if err != nil {
			return nil, auth.Wrap(auth.ErrInternal, err)
		}
		enrollment.BackupCodes = codes
	}

	r.logger.Info("登记认证因子", map[string]interface{}{
		logging.FieldEvent:    "mfa.factor.register",
		logging.FieldUserID:   userID,
		logging.FieldFactorID: f.ID,
		"factor_type":         typ.String(),
	})
	return enrollment, nil
}

// Activate 用对应引擎校验 proof，通过后把因子置为 ACTIVE
// 用户的第一个 ACTIVE 因子自动成为主因子
func (r *Registry) Activate(ctx context.Context, userID, factorID, proof string) (*Activation, error) {
	f, err := r.Get(ctx, userID, factorID)
	if err != nil {
		return nil, err
	}
	if f.Status != StatusPending {
		return nil, auth.Validation("factor is %s, only PENDING factors can be activated", f.Status)
	}
	switch f.Type {
	case FactorHardwareToken, FactorBiometric:
		return nil, auth.Validation("%s factors cannot be activated yet", f.Type)
	case FactorTOTP, FactorSMS, FactorEmail, FactorBackupCode:
	}

	now := r.now()
	v, err := r.engines.check(ctx, f, proof, now)
	if err != nil {
		return nil, auth.Wrap(auth.ErrInternal, err)
	}
	ok, reason := v.ok, v.reason
	if ok && v.use != nil {
		// 备用码因子的激活消耗用于证明的那个码
		if ok, err = r.engines.Vault.Consume(ctx, f.ID, v.use); err != nil {
			return nil, auth.Wrap(auth.ErrInternal, err)
		}
	}
	entry := &VerificationLog{
		ID:         uuid.NewString(),
		FactorID:   f.ID,
		UserID:     f.UserID,
		FactorType: f.Type,
		Result:     ResultSuccess,
		CreatedAt:  now,
	}
	if !ok {
		entry.Result = ResultFailure
		entry.FailureReason = ReasonActivation
		if reason == ReasonUnsupported {
			entry.FailureReason = reason
		}
	}
	if logErr := r.logs.Append(ctx, entry); logErr != nil {
		return nil, auth.Wrap(auth.ErrInternal, logErr)
	}
	if !ok {
		return nil, auth.ErrMFAInvalidCode
	}

	activated, err := r.factors.Activate(ctx, f.ID, now)
	if errors.Is(err, ErrFactorNotActive) {
		return nil, auth.Validation("factor is no longer pending")
	}
	if err != nil {
		return nil, auth.Wrap(auth.ErrInternal, err)
	}
	result := &Activation{Factor: activated}

	if activated.Type == FactorTOTP && r.cfg.AutoBackupCodes {
		codes, err := r.ensureBackupCodes(ctx, userID)
		if err != nil {
			return nil, err
		}
		result.BackupCodes = codes
	}

	r.logger.Info("认证因子已激活", map[string]interface{}{
		logging.FieldEvent:    "mfa.factor.activate",
		logging.FieldUserID:   userID,
		logging.FieldFactorID: f.ID,
		"primary":             activated.Primary,
	})
	return result, nil
}

// ensureBackupCodes 用户没有可用的备用码因子时创建一个并直接激活
func (r *Registry) ensureBackupCodes(ctx context.Context, userID string) ([]string, error) {
	all, err := r.factors.ListByUser(ctx, userID)
	if err != nil {
		return nil, auth.Wrap(auth.ErrInternal, err)
	}
	for _, f := range all {
		if f.Type == FactorBackupCode && f.Status == StatusActive {
			return nil, nil
		}
	}
	enrollment, err := r.Register(ctx, userID, FactorBackupCode, RegisterParams{})
	if err != nil {
		return nil, err
	}
	if _, err = r.factors.Activate(ctx, enrollment.Factor.ID, r.now()); err != nil {
		return nil, auth.Wrap(auth.ErrInternal, err)
	}
	return enrollment.BackupCodes, nil
}

// SetPrimary 把 ACTIVE 因子设为主因子
func (r *Registry) SetPrimary(ctx context.Context, userID, factorID string) error {
	err := r.factors.SetPrimary(ctx, userID, factorID, r.now())
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrFactorNotActive):
		return auth.Validation("only ACTIVE factors can be primary")
	case errors.Is(err, auth.ErrFactorNotFound):
		return auth.ErrFactorNotFound
	default:
		return auth.Wrap(auth.ErrInternal, err)
	}
}

// Disable 停用因子，若它是主因子则提升另一个 ACTIVE 因子
func (r *Registry) Disable(ctx context.Context, userID, factorID string) (*Factor, error) {
	return r.deactivate(ctx, userID, factorID, StatusDisabled)
}

// Delete 软删除因子
func (r *Registry) Delete(ctx context.Context, userID, factorID string) error {
	_, err := r.deactivate(ctx, userID, factorID, StatusDeleted)
	return err
}

func (r *Registry) deactivate(ctx context.Context, userID, factorID string, status FactorStatus) (*Factor, error) {
	f, err := r.Get(ctx, userID, factorID)
	if err != nil {
		return nil, err
	}
	if f.Status == status {
		return f, nil
	}
	updated, err := r.factors.Deactivate(ctx, f.ID, status, r.now())
	if err != nil {
		if errors.Is(err, auth.ErrFactorNotFound) {
			return nil, auth.ErrFactorNotFound
		}
		return nil, auth.Wrap(auth.ErrInternal, err)
	}
	r.logger.Info("认证因子已停用", map[string]interface{}{
		logging.FieldEvent:    "mfa.factor." + strings.ToLower(status.String()),
		logging.FieldUserID:   userID,
		logging.FieldFactorID: f.ID,
		"was_primary":         f.Primary,
	})
	return updated, nil
}

// Get 读取属于用户的因子，已删除的因子视为不存在
func (r *Registry) Get(ctx context.Context, userID, factorID string) (*Factor, error) {
	f, err := r.factors.Get(ctx, factorID)
	if errors.Is(err, auth.ErrFactorNotFound) {
		return nil, auth.ErrFactorNotFound
	}
	if err != nil {
		return nil, auth.Wrap(auth.ErrInternal, err)
	}
	if f.UserID != userID || f.Status == StatusDeleted {
		return nil, auth.ErrFactorNotFound
	}
	return f, nil
}

// List 列出用户未删除的因子
func (r *Registry) List(ctx context.Context, userID string) ([]*Factor, error) {
	all, err := r.factors.ListByUser(ctx, userID)
	if err != nil {
		return nil, auth.Wrap(auth.ErrInternal, err)
	}
	out := make([]*Factor, 0, len(all))
	for _, f := range all {
		if f.Status != StatusDeleted {
			out = append(out, f)
		}
	}
	return out, nil
}

// IsEnabled 用户是否至少有一个 ACTIVE 因子
func (r *Registry) IsEnabled(ctx context.Context, userID string) (bool, error) {
	all, err := r.factors.ListByUser(ctx, userID)
	if err != nil {
		return false, auth.Wrap(auth.ErrInternal, err)
	}
	for _, f := range all {
		if f.Status == StatusActive {
			return true, nil
		}
	}
	return false, nil
}

// Primary 读取用户的主因子
func (r *Registry) Primary(ctx context.Context, userID string) (*Factor, error) {
	f, err := r.factors.Primary(ctx, userID)
	if errors.Is(err, auth.ErrFactorNotFound) {
		return nil, auth.ErrFactorNotFound
	}
	if err != nil {
		return nil, auth.Wrap(auth.ErrInternal, err)
	}
	return f, nil
}

// MaxLogQueryLimit 单次查询验证日志的最大条数
const MaxLogQueryLimit = 200

// Logs 查询用户自己的验证日志，按时间倒序
// 指定因子时因子必须属于该用户
func (r *Registry) Logs(ctx context.Context, userID string, q LogQuery) ([]*VerificationLog, error) {
	if userID == "" {
		return nil, auth.Validation("missing user id")
	}
	if q.FactorID != "" {
		f, err := r.factors.Get(ctx, q.FactorID)
		if errors.Is(err, auth.ErrFactorNotFound) {
			return nil, auth.ErrFactorNotFound
		}
		if err != nil {
			return nil, auth.Wrap(auth.ErrInternal, err)
		}
		if f.UserID != userID {
			return nil, auth.ErrFactorNotFound
		}
	}
	if !q.Since.IsZero() && !q.Until.IsZero() && !q.Since.Before(q.Until) {
		return nil, auth.Validation("since must be before until")
	}
	q.UserID = userID
	if q.Limit <= 0 || q.Limit > MaxLogQueryLimit {
		q.Limit = MaxLogQueryLimit
	}
	logs, err := r.logs.Query(ctx, q)
	if err != nil {
		return nil, auth.Wrap(auth.ErrInternal, err)
	}
	return logs, nil
}

// SendChallenge 为短信/邮件因子发送验证码，PENDING 因子用于自身激活
func (r *Registry) SendChallenge(ctx context.Context, userID, factorID string) (*DispatchResult, error) {
	f, err := r.Get(ctx, userID, factorID)
	if err != nil {
		return nil, err
	}
	channel, ok := f.Type.Channel()
	if !ok {
		return nil, auth.Validation("%s factors do not receive codes", f.Type)
	}
	if f.Status != StatusActive && f.Status != StatusPending {
		return nil, auth.Validation("factor is %s", f.Status)
	}
	return r.engines.Channel.Send(ctx, userID, channel, f.Destination)
}

// RegenerateBackupCodes 重新生成备用码，旧批次未使用的码全部作废
func (r *Registry) RegenerateBackupCodes(ctx context.Context, userID, factorID string) ([]string, error) {
	f, err := r.Get(ctx, userID, factorID)
	if err != nil {
		return nil, err
	}
	if f.Type != FactorBackupCode {
		return nil, auth.Validation("factor is not a backup code factor")
	}
	if f.Status != StatusActive && f.Status != StatusPending {
		return nil, auth.Validation("factor is %s", f.Status)
	}
	codes, err := r.engines.Vault.GenerateBatch(ctx, f.ID, r.cfg.BackupCodeCount)
	if err != nil {
		return nil, auth.Wrap(auth.ErrInternal, err)
	}
	r.logger.Info("重新生成备用码", map[string]interface{}{
		logging.FieldEvent:    "mfa.backup_codes.regenerate",
		logging.FieldUserID:   userID,
		logging.FieldFactorID: f.ID,
	})
	return codes, nil
}

// BackupCodesRemaining 备用码剩余数量
func (r *Registry) BackupCodesRemaining(ctx context.Context, userID, factorID string) (int, error) {
	f, err := r.Get(ctx, userID, factorID)
	if err != nil {
		return 0, err
	}
	if f.Type != FactorBackupCode {
		return 0, auth.Validation("factor is not a backup code factor")
	}
	n, err := r.engines.Vault.Remaining(ctx, f.ID)
	if err != nil {
		return 0, auth.Wrap(auth.ErrInternal, err)
	}
	return n, nil
}
