package application

import (
	"context"
	"time"

	"circulation/internal/pkg/logger"
	"circulation/internal/pkg/metrics"
)

// readThrough 缓存优先读取，未命中时调用 load 并回填。
// 同一个 key 的并发未命中只会触发一次 load；缓存错误一律按未命中处理。
func readThrough[T any](ctx context.Context, c *LendingCoordinator, kind, key string, ttl time.Duration, load func(context.Context) (*T, error)) (*T, error) {
	var cached T
	hit, err := c.cache.Get(ctx, key, &cached)
	switch {
	case err != nil:
		metrics.CacheLookups.WithLabelValues(kind, "error").Inc()
		logger.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("Cache read failed, falling back to ledger")
	case hit:
		metrics.CacheLookups.WithLabelValues(kind, "hit").Inc()
		return &cached, nil
	default:
		metrics.CacheLookups.WithLabelValues(kind, "miss").Inc()
	}

	v, err, _ := c.reads.Do(key, func() (interface{}, error) {
		val, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.cache.Put(ctx, key, val, ttl); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("Cache fill failed")
		}
		return val, nil
	})
	if err != nil {
		return nil, err
	}
	// 共享结果需要拷贝一份再交给调用方
	out := *v.(*T)
	return &out, nil
}
