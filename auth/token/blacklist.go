package token

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Blacklist 已撤销访问令牌的共享黑名单
// 多实例部署时，其他实例无需读取存储即可拒绝已撤销的令牌
type Blacklist interface {
	// Add 把记录ID加入黑名单，ttl 到期后自动移除
	Add(ctx context.Context, tokenID string, ttl time.Duration) error
	// Contains 检查记录ID是否在黑名单中
	Contains(ctx context.Context, tokenID string) (bool, error)
}

// DefaultBlacklistPrefix 黑名单键前缀
const DefaultBlacklistPrefix = "token:revoked:"

// RedisBlacklist 基于Redis的黑名单
type RedisBlacklist struct {
	client redis.Cmdable
	prefix string
}

// NewRedisBlacklist 创建Redis黑名单
func NewRedisBlacklist(client redis.Cmdable, prefix string) *RedisBlacklist {
	if prefix == "" {
		prefix = DefaultBlacklistPrefix
	}
	return &RedisBlacklist{client: client, prefix: prefix}
}

// Add 加入黑名单
func (b *RedisBlacklist) Add(ctx context.Context, tokenID string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return b.client.Set(ctx, b.prefix+tokenID, 1, ttl).Err()
}

// Contains 检查是否在黑名单中
func (b *RedisBlacklist) Contains(ctx context.Context, tokenID string) (bool, error) {
	err := b.client.Get(ctx, b.prefix+tokenID).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
