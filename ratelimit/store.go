package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bluele/gcache"
)

// Store 令牌桶存储
type Store interface {
	// Take 原子地补充并取出 cost 个令牌
	Take(ctx context.Context, key string, p Policy, cost int64, now time.Time) (Decision, error)
	// Peek 返回补充后的剩余令牌数，不消耗
	Peek(ctx context.Context, key string, p Policy, now time.Time) (int64, error)
	// Reset 删除桶，下次访问时为满桶
	Reset(ctx context.Context, key string) error
}

// DefaultMemoryBuckets 内存存储默认最多保留的桶数
const DefaultMemoryBuckets = 100000

// MemoryStore 进程内令牌桶，LRU淘汰加按键过期
type MemoryStore struct {
	mu    sync.Mutex
	cache gcache.Cache
}

// NewMemoryStore 创建进程内存储
func NewMemoryStore(size int) *MemoryStore {
	if size <= 0 {
		size = DefaultMemoryBuckets
	}
	return &MemoryStore{cache: gcache.New(size).LRU().Build()}
}

var _ Store = (*MemoryStore)(nil)

// Take 实现 Store
func (s *MemoryStore) Take(_ context.Context, key string, p Policy, cost int64, now time.Time) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.load(key)
	if err != nil {
		return Decision{}, err
	}
	b, d := b.take(p, cost, now)
	if err = s.cache.SetWithExpire(key, b, p.idleTTL()); err != nil {
		return Decision{}, err
	}
	return d, nil
}

// Peek 实现 Store
func (s *MemoryStore) Peek(_ context.Context, key string, p Policy, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.load(key)
	if err != nil {
		return 0, err
	}
	return b.refill(p, now).Tokens, nil
}

// Reset 实现 Store
func (s *MemoryStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Remove(key)
	return nil
}

func (s *MemoryStore) load(key string) (bucket, error) {
	v, err := s.cache.Get(key)
	if errors.Is(err, gcache.KeyNotFoundError) {
		return bucket{}, nil
	}
	if err != nil {
		return bucket{}, err
	}
	return v.(bucket), nil
}
