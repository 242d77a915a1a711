package mfa

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/dormoron/idguard/internal/security"
)

const (
	// DefaultBackupCodeCount 每批备用码数量
	DefaultBackupCodeCount = 10
	// backupCodeDigits 备用码位数，展示为 1234-5678
	backupCodeDigits = 8
	// DefaultLowBackupCodes 剩余数量低于该值时提醒用户重新生成
	DefaultLowBackupCodes = 3
)

// BackupCodeVault 备用码保险库
// 明文只在生成时返回一次，存储的是带密钥的BLAKE2b哈希
type BackupCodeVault struct {
	repo    BackupCodeRepository
	hashKey []byte
	now     func() time.Time
}

// NewBackupCodeVault 创建备用码保险库，hashKey 至少32字节
func NewBackupCodeVault(repo BackupCodeRepository, hashKey []byte, now func() time.Time) (*BackupCodeVault, error) {
	if len(hashKey) < 32 {
		return nil, security.ErrInvalidKey
	}
	if now == nil {
		now = time.Now
	}
	return &BackupCodeVault{repo: repo, hashKey: hashKey[:32], now: now}, nil
}

// GenerateBatch 生成新一批备用码，同时作废旧批次中未使用的码
func (v *BackupCodeVault) GenerateBatch(ctx context.Context, factorID string, count int) ([]string, error) {
	if count <= 0 {
		count = DefaultBackupCodeCount
	}
	batch := uuid.NewString()
	now := v.now()

	plain := make([]string, 0, count)
	records := make([]*BackupCode, 0, count)
	seen := make(map[string]struct{}, count)
	for len(plain) < count {
		digits, err := security.RandomDigits(backupCodeDigits)
		if err != nil {
			return nil, fmt.Errorf("生成备用码失败: %w", err)
		}
		if _, dup := seen[digits]; dup {
			continue
		}
		seen[digits] = struct{}{}
		plain = append(plain, formatBackupCode(digits))
		records = append(records, &BackupCode{
			ID:        uuid.NewString(),
			FactorID:  factorID,
			Hash:      v.hash(digits),
			Batch:     batch,
			CreatedAt: now,
		})
	}

	if err := v.repo.ReplaceBatch(ctx, factorID, records); err != nil {
		return nil, err
	}
	return plain, nil
}

// VerifyAndConsume 校验并消费备用码，同一个码最多成功一次
func (v *BackupCodeVault) VerifyAndConsume(ctx context.Context, factorID, code string) (bool, error) {
	digits := normalizeBackupCode(code)
	if len(digits) != backupCodeDigits {
		return false, nil
	}
	return v.repo.Consume(ctx, factorID, v.hash(digits), v.now())
}

// Match 校验备用码但不消费，命中时返回待提交的消费记录，未命中返回 nil
func (v *BackupCodeVault) Match(ctx context.Context, factorID, code string) (*BackupCodeUse, error) {
	digits := normalizeBackupCode(code)
	if len(digits) != backupCodeDigits {
		return nil, nil
	}
	hash := v.hash(digits)
	ok, err := v.repo.Unused(ctx, factorID, hash)
	if err != nil || !ok {
		return nil, err
	}
	return &BackupCodeUse{Hash: hash, UsedAt: v.now()}, nil
}

// Consume 单独消费 Match 命中的备用码
func (v *BackupCodeVault) Consume(ctx context.Context, factorID string, use *BackupCodeUse) (bool, error) {
	return v.repo.Consume(ctx, factorID, use.Hash, use.UsedAt)
}

// Remaining 未使用的备用码数量
func (v *BackupCodeVault) Remaining(ctx context.Context, factorID string) (int, error) {
	return v.repo.CountUnused(ctx, factorID)
}

func (v *BackupCodeVault) hash(digits string) string {
	h, _ := blake2b.New256(v.hashKey)
	h.Write([]byte(digits))
	return hex.EncodeToString(h.Sum(nil))
}

func formatBackupCode(digits string) string {
	return digits[:4] + "-" + digits[4:]
}

// normalizeBackupCode 去掉分隔符和空白，非数字字符使结果长度不匹配
func normalizeBackupCode(code string) string {
	var sb strings.Builder
	for _, r := range code {
		switch {
		case r == '-' || r == ' ':
			continue
		case r >= '0' && r <= '9':
			sb.WriteRune(r)
		default:
			return ""
		}
	}
	return sb.String()
}
