package auth

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc/metadata"
)

var (
	ErrNoTokenFound = errors.New("未找到令牌")
)

const bearerPrefix = "Bearer "

// BearerToken 从Authorization头中解析Bearer令牌
func BearerToken(header string) (string, error) {
	if len(header) < len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", ErrNoTokenFound
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	if token == "" {
		return "", ErrNoTokenFound
	}
	return token, nil
}

// MetadataTokenExtractor 从GRPC元数据中提取令牌
type MetadataTokenExtractor struct {
	// 元数据键名
	key string
}

// NewMetadataTokenExtractor 创建一个新的元数据令牌提取器
func NewMetadataTokenExtractor(key string) *MetadataTokenExtractor {
	if key == "" {
		key = "authorization"
	}
	return &MetadataTokenExtractor{key: key}
}

// Extract 从GRPC上下文元数据中提取令牌
func (e *MetadataTokenExtractor) Extract(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", ErrNoTokenFound
	}
	values := md.Get(e.key)
	if len(values) == 0 {
		return "", ErrNoTokenFound
	}
	return BearerToken(values[0])
}
