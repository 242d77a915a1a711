package mfa

import (
	"context"
	"errors"
	"time"
)

// ErrFactorNotActive 目标因子不是 ACTIVE 状态
var ErrFactorNotActive = errors.New("mfa: factor is not active")

// ErrBackupCodeSpent 提交时备用码已被其他请求消费
var ErrBackupCodeSpent = errors.New("mfa: backup code already used")

// BackupCodeUse 随计数器在同一事务中消费的备用码
type BackupCodeUse struct {
	Hash   string
	UsedAt time.Time
}

// FactorRepository 因子存储
// 未找到记录时返回 auth.ErrFactorNotFound
type FactorRepository interface {
	// Create 保存新因子
	Create(ctx context.Context, f *Factor) error
	// Get 按ID读取
	Get(ctx context.Context, factorID string) (*Factor, error)
	// ListByUser 列出用户的全部因子，按创建时间升序
	ListByUser(ctx context.Context, userID string) ([]*Factor, error)
	// Primary 读取用户的主因子
	Primary(ctx context.Context, userID string) (*Factor, error)
	// Activate 原子地把 PENDING 因子置为 ACTIVE，若用户还没有 ACTIVE 的主因子则同时设为主因子
	// 因子不是 PENDING 时返回 ErrFactorNotActive
	Activate(ctx context.Context, factorID string, now time.Time) (*Factor, error)
	// SetPrimary 原子地清除用户其他因子的主标记并设置目标因子
	// 目标不是 ACTIVE 时返回 ErrFactorNotActive
	SetPrimary(ctx context.Context, userID, factorID string, now time.Time) error
	// Deactivate 原子地把因子置为 DISABLED 或 DELETED 并清除主标记，
	// 若它原来是主因子，则提升最早创建的另一个 ACTIVE 因子
	Deactivate(ctx context.Context, factorID string, status FactorStatus, now time.Time) (*Factor, error)
	// CommitAttempt 仅当存储中的版本等于 expectedVersion 时写入计数器字段并追加验证日志，
	// 两者在同一事务中完成；版本不一致时返回 retry.ErrConflict。
	// use 不为空时同一事务还要消费对应的备用码，备用码已被使用则整体不生效并返回 ErrBackupCodeSpent
	CommitAttempt(ctx context.Context, f *Factor, expectedVersion int64, entry *VerificationLog, use *BackupCodeUse) error
}

// BackupCodeRepository 备用码存储
type BackupCodeRepository interface {
	// ReplaceBatch 在同一事务中作废该因子所有未使用的备用码并插入新批次
	ReplaceBatch(ctx context.Context, factorID string, codes []*BackupCode) error
	// Consume 条件更新：仅当存在未使用的匹配哈希时标记为已使用，返回是否命中
	Consume(ctx context.Context, factorID, hash string, now time.Time) (bool, error)
	// Unused 是否存在未使用的匹配哈希，不改变状态
	Unused(ctx context.Context, factorID, hash string) (bool, error)
	// CountUnused 未使用的备用码数量
	CountUnused(ctx context.Context, factorID string) (int, error)
}

// LogQuery 验证日志查询条件，零值字段不参与过滤
type LogQuery struct {
	FactorID string
	UserID   string
	ClientIP string
	Result   Result
	Since    time.Time
	Until    time.Time
	Limit    int
}

// LogRepository 验证日志存储，只追加
type LogRepository interface {
	Append(ctx context.Context, entry *VerificationLog) error
	Query(ctx context.Context, q LogQuery) ([]*VerificationLog, error)
}
