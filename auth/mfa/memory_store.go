package mfa

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dormoron/idguard/auth"
	"github.com/dormoron/idguard/internal/retry"
)

// MemoryStore 基于内存的因子、备用码、验证日志存储
// 所有写操作在同一把锁下完成，满足各接口的原子性要求
type MemoryStore struct {
	mu      sync.RWMutex
	factors map[string]*Factor
	codes   map[string][]*BackupCode
	logs    []*VerificationLog
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		factors: make(map[string]*Factor),
		codes:   make(map[string][]*BackupCode),
	}
}

var (
	_ FactorRepository     = (*MemoryStore)(nil)
	_ BackupCodeRepository = (*MemoryStore)(nil)
	_ LogRepository        = (*MemoryStore)(nil)
)

// Create 保存新因子
func (s *MemoryStore) Create(_ context.Context, f *Factor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *f
	s.factors[f.ID] = &cp
	return nil
}

// Get 按ID读取
func (s *MemoryStore) Get(_ context.Context, factorID string) (*Factor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.factors[factorID]
	if !ok {
		return nil, auth.ErrFactorNotFound
	}
	cp := *f
	return &cp, nil
}

// ListByUser 列出用户的全部因子
func (s *MemoryStore) ListByUser(_ context.Context, userID string) ([]*Factor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked(userID), nil
}

func (s *MemoryStore) listLocked(userID string) []*Factor {
	out := make([]*Factor, 0, 4)
	for _, f := range s.factors {
		if f.UserID == userID {
			cp := *f
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Primary 读取用户的主因子
func (s *MemoryStore) Primary(_ context.Context, userID string) (*Factor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, f := range s.factors {
		if f.UserID == userID && f.Primary && f.Status == StatusActive {
			cp := *f
			return &cp, nil
		}
	}
	return nil, auth.ErrFactorNotFound
}

// Activate 激活因子
func (s *MemoryStore) Activate(_ context.Context, factorID string, now time.Time) (*Factor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.factors[factorID]
	if !ok {
		return nil, auth.ErrFactorNotFound
	}
	if f.Status != StatusPending {
		return nil, ErrFactorNotActive
	}
	hasPrimary := false
	for _, other := range s.factors {
		if other.UserID == f.UserID && other.Primary && other.Status == StatusActive {
			hasPrimary = true
			break
		}
	}
	f.Status = StatusActive
	f.Primary = !hasPrimary
	f.Version++
	f.UpdatedAt = now
	cp := *f
	return &cp, nil
}

// SetPrimary 设置主因子
func (s *MemoryStore) SetPrimary(_ context.Context, userID, factorID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.factors[factorID]
	if !ok || target.UserID != userID {
		return auth.ErrFactorNotFound
	}
	if target.Status != StatusActive {
		return ErrFactorNotActive
	}
	for _, f := range s.factors {
		if f.UserID == userID && f.ID != factorID && f.Primary {
			f.Primary = false
			f.Version++
			f.UpdatedAt = now
		}
	}
	if !target.Primary {
		target.Primary = true
		target.Version++
		target.UpdatedAt = now
	}
	return nil
}

// Deactivate 停用或删除因子
func (s *MemoryStore) Deactivate(_ context.Context, factorID string, status FactorStatus, now time.Time) (*Factor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.factors[factorID]
	if !ok || f.Status == StatusDeleted {
		return nil, auth.ErrFactorNotFound
	}
	wasPrimary := f.Primary
	f.Status = status
	f.Primary = false
	f.Version++
	f.UpdatedAt = now

	if wasPrimary {
		for _, candidate := range s.listLocked(f.UserID) {
			if candidate.ID != f.ID && candidate.Status == StatusActive {
				promoted := s.factors[candidate.ID]
				promoted.Primary = true
				promoted.Version++
				promoted.UpdatedAt = now
				break
			}
		}
	}
	cp := *f
	return &cp, nil
}

// CommitAttempt 按版本写入计数器并追加日志
func (s *MemoryStore) CommitAttempt(_ context.Context, f *Factor, expectedVersion int64, entry *VerificationLog, use *BackupCodeUse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.factors[f.ID]
	if !ok {
		return auth.ErrFactorNotFound
	}
	if cur.Version != expectedVersion {
		return retry.ErrConflict
	}
	if use != nil {
		code := s.unusedLocked(f.ID, use.Hash)
		if code == nil {
			return ErrBackupCodeSpent
		}
		code.Used = true
		code.UsedAt = use.UsedAt
	}
	cur.FailedAttempts = f.FailedAttempts
	cur.LockedUntil = f.LockedUntil
	cur.LastUsedAt = f.LastUsedAt
	cur.VerifyCount = f.VerifyCount
	cur.UpdatedAt = f.UpdatedAt
	cur.Version = expectedVersion + 1
	f.Version = cur.Version
	if entry != nil {
		cp := *entry
		s.logs = append(s.logs, &cp)
	}
	return nil
}

// ReplaceBatch 替换备用码批次
func (s *MemoryStore) ReplaceBatch(_ context.Context, factorID string, codes []*BackupCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := make([]*BackupCode, 0, len(codes))
	for _, c := range s.codes[factorID] {
		if c.Used {
			kept = append(kept, c)
		}
	}
	for _, c := range codes {
		cp := *c
		kept = append(kept, &cp)
	}
	s.codes[factorID] = kept
	return nil
}

// Consume 消费备用码
func (s *MemoryStore) Consume(_ context.Context, factorID, hash string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.unusedLocked(factorID, hash)
	if c == nil {
		return false, nil
	}
	c.Used = true
	c.UsedAt = now
	return true, nil
}

// Unused 是否存在未使用的匹配备用码
func (s *MemoryStore) Unused(_ context.Context, factorID, hash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unusedLocked(factorID, hash) != nil, nil
}

func (s *MemoryStore) unusedLocked(factorID, hash string) *BackupCode {
	for _, c := range s.codes[factorID] {
		if !c.Used && c.Hash == hash {
			return c
		}
	}
	return nil
}

// CountUnused 未使用数量
func (s *MemoryStore) CountUnused(_ context.Context, factorID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.codes[factorID] {
		if !c.Used {
			n++
		}
	}
	return n, nil
}

// Append 追加验证日志
func (s *MemoryStore) Append(_ context.Context, entry *VerificationLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.logs = append(s.logs, &cp)
	return nil
}

// Query 查询验证日志，按时间倒序
func (s *MemoryStore) Query(_ context.Context, q LogQuery) ([]*VerificationLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*VerificationLog, 0)
	for i := len(s.logs) - 1; i >= 0; i-- {
		l := s.logs[i]
		switch {
		case q.FactorID != "" && l.FactorID != q.FactorID,
			q.UserID != "" && l.UserID != q.UserID,
			q.ClientIP != "" && l.ClientIP != q.ClientIP,
			q.Result != 0 && l.Result != q.Result,
			!q.Since.IsZero() && l.CreatedAt.Before(q.Since),
			!q.Until.IsZero() && !l.CreatedAt.Before(q.Until):
			continue
		}
		cp := *l
		out = append(out, &cp)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}
