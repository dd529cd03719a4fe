package memory

import (
	"context"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type cacheEntry struct {
	payload   []byte
	expiresAt time.Time
}

// Cache 是带 TTL 的进程内缓存。
// 值以序列化后的字节保存，读出时解码，调用方拿到的永远是副本。
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	now     func() time.Time
}

func NewCache() *Cache {
	return &Cache{entries: make(map[string]cacheEntry), now: time.Now}
}

// WithClock 替换时间来源，测试 TTL 过期时使用
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

func (c *Cache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if !c.now().Before(e.expiresAt) {
		c.mu.Lock()
		if cur, still := c.entries[key]; still && cur.expiresAt.Equal(e.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return false, nil
	}
	if err := json.Unmarshal(e.payload, dest); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Cache) Put(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.entries[key] = cacheEntry{payload: payload, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

func (c *Cache) Invalidate(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	for _, k := range keys {
		delete(c.entries, k)
	}
	c.mu.Unlock()
	return nil
}
