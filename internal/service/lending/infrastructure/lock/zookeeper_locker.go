package lock

import (
	"context"
	"strings"
	"sync"

	"circulation/internal/pkg/logger"
	"circulation/internal/pkg/zookeeper"

	"github.com/go-zookeeper/zk"
	"github.com/pkg/errors"
)

// ZookeeperKeyLocker 是 port.KeyLocker 的 ZooKeeper 实现，适用于多实例部署。
// 每个 key 对应 root 下的一个锁节点，等待者按顺序节点排队，最后一个释放者删除该节点。
type ZookeeperKeyLocker struct {
	conn *zk.Conn
	root string
}

func NewZookeeperKeyLocker(conn *zk.Conn, root string) (*ZookeeperKeyLocker, error) {
	if root == "" {
		root = zookeeper.DefaultLockRoot
	}
	if err := zookeeper.EnsurePath(conn, root); err != nil {
		return nil, err
	}
	return &ZookeeperKeyLocker{conn: conn, root: root}, nil
}

func (l *ZookeeperKeyLocker) Acquire(ctx context.Context, key string) (func(), error) {
	lock, err := zookeeper.NewDistributedLock(l.conn, l.root, nodeName(key))
	if err != nil {
		return nil, errors.Wrapf(err, "prepare lock %s", key)
	}
	if err := lock.Lock(ctx); err != nil {
		return nil, errors.Wrapf(err, "lock %s", key)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := lock.Unlock(); err != nil {
				// 会话过期时临时节点会被 ZooKeeper 自动删除
				logger.L().Warn().Err(err).Str("key", key).Msg("Failed to release zookeeper lock")
			}
		})
	}, nil
}

// nodeName 把 key 转成合法的 znode 名称
func nodeName(key string) string {
	return strings.NewReplacer("/", "_", ":", "_").Replace(key)
}
