package cache

import (
	"context"
	"time"

	"circulation/internal/pkg/redis"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RedisCache 是 port.Cache 的 Redis 实现，值以 JSON 保存
type RedisCache struct {
	redisClient *redis.Client
	prefix      string
}

// NewRedisCache prefix 用于隔离不同环境共用的 Redis，例如 "circulation:"
func NewRedisCache(redisClient *redis.Client, prefix string) *RedisCache {
	return &RedisCache{redisClient: redisClient, prefix: prefix}
}

func (c *RedisCache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	raw, err := c.redisClient.GetClient().Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return false, nil
		}
		return false, errors.Wrapf(err, "cache get %s", key)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		// 脏数据直接删掉，下次读会重新回填
		_ = c.redisClient.GetClient().Del(ctx, c.prefix+key).Err()
		return false, errors.Wrapf(err, "cache decode %s", key)
	}
	return true, nil
}

func (c *RedisCache) Put(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "cache encode %s", key)
	}
	return errors.Wrapf(c.redisClient.GetClient().Set(ctx, c.prefix+key, raw, ttl).Err(), "cache put %s", key)
}

// Invalidate 逐个删除，cluster 模式下多个 key 可能不在同一个 slot
func (c *RedisCache) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	pipe := c.redisClient.GetClient().Pipeline()
	for _, k := range keys {
		pipe.Del(ctx, c.prefix+k)
	}
	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "cache invalidate")
}
