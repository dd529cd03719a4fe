package port

import (
	"context"
	"time"
)

// Cache 是 title / account 的读穿缓存。
// 缓存只是建议性的：任何错误都应被调用方当作未命中处理。
type Cache interface {
	// Get 命中时把值解码到 dest 并返回 true
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Put(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	// Invalidate 删除若干 key，不存在的 key 忽略
	Invalidate(ctx context.Context, keys ...string) error
}
