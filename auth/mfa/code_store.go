package mfa

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bluele/gcache"
	"github.com/redis/go-redis/v9"

	"github.com/dormoron/idguard/internal/errs"
)

// CodeStore 短期验证码存储
type CodeStore interface {
	// Put 保存验证码，覆盖同键旧值
	Put(ctx context.Context, key, code string, ttl time.Duration) error
	// PutIfAbsent 仅当键不存在时保存，返回是否写入
	PutIfAbsent(ctx context.Context, key, code string, ttl time.Duration) (bool, error)
	// Take 原子地读取并删除验证码，不存在或已过期时 ok 为false
	Take(ctx context.Context, key string) (code string, ok bool, err error)
}

// MemoryCodeStore 基于gcache的进程内验证码存储
type MemoryCodeStore struct {
	// mu 保证 Take 的读取和删除是一个整体
	mu    sync.Mutex
	cache gcache.Cache
}

// NewMemoryCodeStore 创建进程内验证码存储
func NewMemoryCodeStore(size int) *MemoryCodeStore {
	if size <= 0 {
		size = 10000
	}
	return &MemoryCodeStore{cache: gcache.New(size).LRU().Build()}
}

// Put 实现 CodeStore
func (s *MemoryCodeStore) Put(_ context.Context, key, code string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.SetWithExpire(key, code, ttl)
}

// PutIfAbsent 实现 CodeStore
func (s *MemoryCodeStore) PutIfAbsent(_ context.Context, key, code string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.cache.GetIFPresent(key)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, gcache.KeyNotFoundError) {
		return false, errs.ErrCodeStore(err)
	}
	return true, s.cache.SetWithExpire(key, code, ttl)
}

// Take 实现 CodeStore
func (s *MemoryCodeStore) Take(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.cache.GetIFPresent(key)
	if errors.Is(err, gcache.KeyNotFoundError) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errs.ErrCodeStore(err)
	}
	s.cache.Remove(key)
	code, ok := v.(string)
	return code, ok, nil
}

// RedisCodeStore 基于Redis的验证码存储，多实例共享
type RedisCodeStore struct {
	client redis.Cmdable
}

// NewRedisCodeStore 创建Redis验证码存储
func NewRedisCodeStore(client redis.Cmdable) *RedisCodeStore {
	return &RedisCodeStore{client: client}
}

// Put 实现 CodeStore
func (s *RedisCodeStore) Put(ctx context.Context, key, code string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, code, ttl).Err(); err != nil {
		return errs.ErrCodeStore(err)
	}
	return nil
}

// PutIfAbsent 实现 CodeStore，使用 SET NX
func (s *RedisCodeStore) PutIfAbsent(ctx context.Context, key, code string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, code, ttl).Result()
	if err != nil {
		return false, errs.ErrCodeStore(err)
	}
	return ok, nil
}

// Take 实现 CodeStore，使用 GETDEL 保证只能读取一次
func (s *RedisCodeStore) Take(ctx context.Context, key string) (string, bool, error) {
	code, err := s.client.GetDel(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errs.ErrCodeStore(err)
	}
	return code, true, nil
}
