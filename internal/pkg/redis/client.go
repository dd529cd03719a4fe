// internal/pkg/redis/client.go
package redis

import (
	"context"
	"fmt"
	"strings"
	"sync"

	goredis "github.com/redis/go-redis/v9"
)

// Client 封装了 go-redis 的 UniversalClient，并统一管理 Lua 脚本。
// 单个地址时是普通客户端，多个地址时自动切换为 Cluster 客户端。
type Client struct {
	client goredis.UniversalClient

	scriptsMu sync.RWMutex
	scripts   map[string]*goredis.Script
}

// NewClient 根据逗号分隔的地址列表创建客户端，例如 "localhost:6379,localhost:6380"
func NewClient(addrs string) (*Client, error) {
	var list []string
	for _, a := range strings.Split(addrs, ",") {
		if a = strings.TrimSpace(a); a != "" {
			list = append(list, a)
		}
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("redis: no address configured")
	}

	uc := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs: list,
	})
	if err := uc.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis: ping %s failed: %w", addrs, err)
	}
	return Wrap(uc), nil
}

// Wrap 把一个已有的 UniversalClient 包装为 Client（测试中配合 miniredis 使用）
func Wrap(uc goredis.UniversalClient) *Client {
	return &Client{
		client:  uc,
		scripts: make(map[string]*goredis.Script),
	}
}

// GetClient 暴露底层客户端，用于 pipeline 等高级操作
func (c *Client) GetClient() goredis.UniversalClient {
	return c.client
}

// LoadScriptFromContent 以 name 注册一段 Lua 脚本。
// 真正执行时使用 EVALSHA，缓存未命中时由 go-redis 自动回退到 EVAL。
func (c *Client) LoadScriptFromContent(name, content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("redis: script %q is empty", name)
	}
	c.scriptsMu.Lock()
	defer c.scriptsMu.Unlock()
	c.scripts[name] = goredis.NewScript(content)
	return nil
}

// RunScript 执行已注册的脚本
func (c *Client) RunScript(ctx context.Context, name string, keys []string, args ...interface{}) (interface{}, error) {
	c.scriptsMu.RLock()
	script, ok := c.scripts[name]
	c.scriptsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("redis: script %q not loaded", name)
	}
	return script.Run(ctx, c.client, keys, args...).Result()
}

// Close 关闭连接
func (c *Client) Close() error {
	return c.client.Close()
}
