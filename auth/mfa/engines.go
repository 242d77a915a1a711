package mfa

import (
	"context"
	"time"

	"github.com/dormoron/idguard/internal/security"
)

// Engines 各类型因子的校验引擎
type Engines struct {
	TOTP    *TOTP
	Vault   *BackupCodeVault
	Channel *ChannelDispatcher
	// Sealer 用于打开加密存储的TOTP密钥
	Sealer security.Sealer
	// TOTPWindow 前后容忍的时间步数
	TOTPWindow int
}

// verdict 引擎对一次凭证的判定
type verdict struct {
	ok bool
	// reason 只在校验失败时有意义
	reason string
	// use 命中的备用码，随计数器一起提交
	use *BackupCodeUse
	// claim 取出的渠道验证码，尝试没有提交时归还
	claim *CodeClaim
}

// check 按因子类型把凭证交给对应引擎校验
// 备用码只做匹配不消费；err 表示引擎本身故障，不计入失败次数
func (e *Engines) check(ctx context.Context, f *Factor, credential string, now time.Time) (verdict, error) {
	switch f.Type {
	case FactorTOTP:
		secret, err := e.Sealer.Open(f.Secret)
		if err != nil {
			return verdict{reason: ReasonEngineFailed}, err
		}
		return verdict{ok: e.TOTP.Verify(secret, credential, now, e.TOTPWindow), reason: ReasonInvalidCode}, nil
	case FactorSMS, FactorEmail:
		channel, _ := f.Type.Channel()
		ok, claim, err := e.Channel.Claim(ctx, f.UserID, channel, f.Destination, credential)
		if err != nil {
			return verdict{reason: ReasonEngineFailed}, err
		}
		return verdict{ok: ok, reason: ReasonInvalidCode, claim: claim}, nil
	case FactorBackupCode:
		use, err := e.Vault.Match(ctx, f.ID, credential)
		if err != nil {
			return verdict{reason: ReasonEngineFailed}, err
		}
		return verdict{ok: use != nil, reason: ReasonInvalidCode, use: use}, nil
	case FactorHardwareToken, FactorBiometric:
		return verdict{reason: ReasonUnsupported}, nil
	}
	return verdict{reason: ReasonUnsupported}, nil
}
