package mfa

import (
	"fmt"
	"strings"
	"time"
)

// FactorType 认证因子类型
type FactorType uint8

const (
	FactorTOTP FactorType = iota + 1
	FactorSMS
	FactorEmail
	FactorBackupCode
	FactorHardwareToken
	FactorBiometric
)

var factorTypeNames = map[FactorType]string{
	FactorTOTP:          "TOTP",
	FactorSMS:           "SMS",
	FactorEmail:         "EMAIL",
	FactorBackupCode:    "BACKUP_CODE",
	FactorHardwareToken: "HARDWARE_TOKEN",
	FactorBiometric:     "BIOMETRIC",
}

func (t FactorType) String() string {
	if name, ok := factorTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("FactorType(%d)", uint8(t))
}

// ParseFactorType 解析因子类型名称
func ParseFactorType(s string) (FactorType, error) {
	for t, name := range factorTypeNames {
		if strings.EqualFold(name, s) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown factor type %q", s)
}

// Channel 返回短信/邮件因子对应的投递渠道
func (t FactorType) Channel() (Channel, bool) {
	switch t {
	case FactorSMS:
		return ChannelSMS, true
	case FactorEmail:
		return ChannelEmail, true
	case FactorTOTP, FactorBackupCode, FactorHardwareToken, FactorBiometric:
		return 0, false
	}
	return 0, false
}

// FactorStatus 因子状态
// PENDING -> ACTIVE -> DISABLED，任何状态都可以被软删除为 DELETED
type FactorStatus uint8

const (
	StatusPending FactorStatus = iota + 1
	StatusActive
	StatusDisabled
	StatusDeleted
)

var factorStatusNames = map[FactorStatus]string{
	StatusPending:  "PENDING",
	StatusActive:   "ACTIVE",
	StatusDisabled: "DISABLED",
	StatusDeleted:  "DELETED",
}

func (s FactorStatus) String() string {
	if name, ok := factorStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("FactorStatus(%d)", uint8(s))
}

// ParseFactorStatus 解析因子状态名称
func ParseFactorStatus(s string) (FactorStatus, error) {
	for st, name := range factorStatusNames {
		if strings.EqualFold(name, s) {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown factor status %q", s)
}

// Factor 用户登记的一个认证因子
type Factor struct {
	ID     string
	UserID string
	Type   FactorType
	Name   string
	// Secret 加密后的密钥材料，只有TOTP使用
	Secret string
	// Destination 短信/邮件的投递地址
	Destination    string
	Primary        bool
	Status         FactorStatus
	FailedAttempts int
	LockedUntil    time.Time
	LastUsedAt     time.Time
	VerifyCount    int64
	// Version 乐观锁版本号，每次写入加一
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// GetVersion 实现 retry.Versioned
func (f Factor) GetVersion() int64 {
	return f.Version
}

// LockedAt 判断在 now 时刻是否处于锁定状态
func (f Factor) LockedAt(now time.Time) bool {
	return !f.LockedUntil.IsZero() && now.Before(f.LockedUntil)
}

// Result 验证结果
type Result uint8

const (
	ResultSuccess Result = iota + 1
	ResultFailure
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "SUCCESS"
	case ResultFailure:
		return "FAILURE"
	}
	return fmt.Sprintf("Result(%d)", uint8(r))
}

// ParseResult 解析验证结果名称
func ParseResult(s string) (Result, error) {
	switch strings.ToUpper(s) {
	case "SUCCESS":
		return ResultSuccess, nil
	case "FAILURE":
		return ResultFailure, nil
	}
	return 0, fmt.Errorf("unknown verification result %q", s)
}

// 失败原因
const (
	ReasonInvalidCode  = "invalid_code"
	ReasonLocked       = "locked"
	ReasonLockedNow    = "invalid_code_locked"
	ReasonNotFound     = "factor_not_found"
	ReasonNotActive    = "factor_not_active"
	ReasonUnsupported  = "unsupported_factor"
	ReasonActivation   = "activation_invalid_code"
	ReasonEngineFailed = "engine_error"
	ReasonNotCommitted = "commit_failed"
)

// VerificationLog 一次验证尝试的审计记录，只追加
type VerificationLog struct {
	ID            string
	FactorID      string
	UserID        string
	FactorType    FactorType
	Result        Result
	ClientIP      string
	UserAgent     string
	FailureReason string
	CreatedAt     time.Time
}

// BackupCode 一个备用码，只保存哈希
type BackupCode struct {
	ID        string
	FactorID  string
	Hash      string
	Batch     string
	Used      bool
	UsedAt    time.Time
	CreatedAt time.Time
}
