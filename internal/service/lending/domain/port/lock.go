package port

import "context"

// KeyLocker 按 key 串行化同一资源上的借还请求。
// 返回的 release 必须被调用，且可以重复调用。
type KeyLocker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}
