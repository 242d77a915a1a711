package token

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/dormoron/idguard/internal/retry"
)

// ErrRecordNotFound 令牌记录不存在
var ErrRecordNotFound = errors.New("token: record not found")

// Store 令牌记录存储
type Store interface {
	// Create 保存新记录
	Create(ctx context.Context, r *Record) error
	// Get 按ID读取
	Get(ctx context.Context, id string) (*Record, error)
	// FindByAccess 按访问令牌摘要读取
	FindByAccess(ctx context.Context, digest string) (*Record, error)
	// FindByRefresh 按刷新令牌摘要读取
	FindByRefresh(ctx context.Context, digest string) (*Record, error)
	// Rotate 旧记录版本等于 expectedVersion 时写入其撤销状态并插入新记录，否则返回 retry.ErrConflict
	Rotate(ctx context.Context, old *Record, expectedVersion int64, next *Record) error
	// Revoke 撤销单条记录，已撤销时返回 false
	Revoke(ctx context.Context, id, reason string, at time.Time) (bool, error)
	// RevokeByUser 撤销用户全部有效记录，返回本次被撤销的记录
	RevokeByUser(ctx context.Context, userID, reason string, at time.Time) ([]*Record, error)
	// RevokeByTenant 撤销租户全部有效记录
	RevokeByTenant(ctx context.Context, tenantID, reason string, at time.Time) ([]*Record, error)
	// RevokeByDevice 撤销用户在一台设备上的全部有效记录
	RevokeByDevice(ctx context.Context, userID, deviceID, reason string, at time.Time) ([]*Record, error)
	// ListActive 用户未撤销且刷新期晚于 now 的记录，按签发时间倒序
	ListActive(ctx context.Context, userID string, now time.Time) ([]*Record, error)
	// DeleteDead 删除刷新期已过或在 before 之前撤销的记录
	DeleteDead(ctx context.Context, before time.Time) (int64, error)
}

// MemoryStore 内存令牌存储
type MemoryStore struct {
	mu        sync.RWMutex
	records   map[string]*Record
	byAccess  map[string]string
	byRefresh map[string]string
}

// NewMemoryStore 创建内存令牌存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   make(map[string]*Record),
		byAccess:  make(map[string]string),
		byRefresh: make(map[string]string),
	}
}

var _ Store = (*MemoryStore)(nil)

// Create 保存新记录
func (s *MemoryStore) Create(_ context.Context, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(r)
	return nil
}

func (s *MemoryStore) putLocked(r *Record) {
	cp := *r
	s.records[r.ID] = &cp
	s.byAccess[r.AccessDigest] = r.ID
	s.byRefresh[r.RefreshDigest] = r.ID
}

// Get 按ID读取
func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyLocked(id)
}

// FindByAccess 按访问令牌摘要读取
func (s *MemoryStore) FindByAccess(_ context.Context, digest string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyLocked(s.byAccess[digest])
}

// FindByRefresh 按刷新令牌摘要读取
func (s *MemoryStore) FindByRefresh(_ context.Context, digest string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyLocked(s.byRefresh[digest])
}

func (s *MemoryStore) copyLocked(id string) (*Record, error) {
	r, ok := s.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *r
	return &cp, nil
}

// Rotate 按版本撤销旧记录并插入新记录
func (s *MemoryStore) Rotate(_ context.Context, old *Record, expectedVersion int64, next *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[old.ID]
	if !ok {
		return ErrRecordNotFound
	}
	if cur.Version != expectedVersion {
		return retry.ErrConflict
	}
	cur.Revoked = old.Revoked
	cur.RevokedAt = old.RevokedAt
	cur.RevokeReason = old.RevokeReason
	cur.Version = expectedVersion + 1
	s.putLocked(next)
	return nil
}

// Revoke 撤销单条记录
func (s *MemoryStore) Revoke(_ context.Context, id, reason string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return false, ErrRecordNotFound
	}
	if r.Revoked {
		return false, nil
	}
	revokeRecord(r, reason, at)
	return true, nil
}

// RevokeByUser 撤销用户全部有效记录
func (s *MemoryStore) RevokeByUser(_ context.Context, userID, reason string, at time.Time) ([]*Record, error) {
	return s.revokeWhere(func(r *Record) bool { return r.UserID == userID }, reason, at), nil
}

// RevokeByTenant 撤销租户全部有效记录
func (s *MemoryStore) RevokeByTenant(_ context.Context, tenantID, reason string, at time.Time) ([]*Record, error) {
	return s.revokeWhere(func(r *Record) bool { return r.TenantID == tenantID }, reason, at), nil
}

// RevokeByDevice 撤销用户在一台设备上的全部有效记录
func (s *MemoryStore) RevokeByDevice(_ context.Context, userID, deviceID, reason string, at time.Time) ([]*Record, error) {
	return s.revokeWhere(func(r *Record) bool {
		return r.UserID == userID && r.DeviceID == deviceID
	}, reason, at), nil
}

// ListActive 用户仍可刷新的记录
func (s *MemoryStore) ListActive(_ context.Context, userID string, now time.Time) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Record
	for _, r := range s.records {
		if r.UserID != userID || r.Revoked || !r.RefreshExpiresAt.After(now) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].IssuedAt.After(out[j].IssuedAt)
	})
	return out, nil
}

func (s *MemoryStore) revokeWhere(match func(*Record) bool, reason string, at time.Time) []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Record
	for _, r := range s.records {
		if r.Revoked || !match(r) {
			continue
		}
		revokeRecord(r, reason, at)
		cp := *r
		out = append(out, &cp)
	}
	return out
}

// DeleteDead 删除不再可能有效的记录
func (s *MemoryStore) DeleteDead(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, r := range s.records {
		if r.RefreshExpiresAt.Before(before) || (r.Revoked && r.RevokedAt.Before(before)) {
			delete(s.records, id)
			delete(s.byAccess, r.AccessDigest)
			delete(s.byRefresh, r.RefreshDigest)
			n++
		}
	}
	return n, nil
}

func revokeRecord(r *Record, reason string, at time.Time) {
	r.Revoked = true
	r.RevokedAt = at
	r.RevokeReason = reason
	r.Version++
}
