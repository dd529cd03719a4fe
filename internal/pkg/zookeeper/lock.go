// internal/pkg/zookeeper/lock.go
package zookeeper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
)

const (
	// DefaultLockRoot 是所有分布式锁的根节点
	DefaultLockRoot = "/circulation_locks"
)

// Connect 建立到 ZooKeeper 集群的连接，servers 形如 "zk1:2181,zk2:2181"
func Connect(servers string, sessionTimeout time.Duration) (*zk.Conn, error) {
	var list []string
	for _, s := range strings.Split(servers, ",") {
		if s = strings.TrimSpace(s); s != "" {
			list = append(list, s)
		}
	}
	if len(list) == 0 {
		return nil, errors.New("zookeeper: no servers configured")
	}
	conn, _, err := zk.Connect(list, sessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("zookeeper: connect: %w", err)
	}
	return conn, nil
}

// EnsurePath 逐级创建持久节点，已存在则忽略
func EnsurePath(conn *zk.Conn, path string) error {
	cur := ""
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part == "" {
			continue
		}
		cur += "/" + part
		_, err := conn.Create(cur, []byte(""), 0, zk.WorldACL(zk.PermAll))
		if err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return fmt.Errorf("zookeeper: create %s: %w", cur, err)
		}
	}
	return nil
}

// DistributedLock 定义了一个分布式锁对象
type DistributedLock struct {
	conn     *zk.Conn // ZooKeeper连接
	path     string   // 锁的路径，例如 /circulation_locks/borrow:u1:t1
	lockNode string   // 成功获取锁后，自己创建的节点路径
}

// NewDistributedLock 创建一个新的分布式锁实例，root 下的 resourceID 节点会被自动创建
func NewDistributedLock(conn *zk.Conn, root, resourceID string) (*DistributedLock, error) {
	lockPath := root + "/" + resourceID
	if err := EnsurePath(conn, lockPath); err != nil {
		return nil, err
	}
	return &DistributedLock{
		conn: conn,
		path: lockPath,
	}, nil
}

// Lock 尝试获取锁，如果获取不到则阻塞等待，直到 ctx 结束
func (l *DistributedLock) Lock(ctx context.Context) error {
	// 1. 在锁路径下创建一个临时顺序节点。
	// 父节点可能刚被上一个持有者清理掉，此时重建后再试
	nodePath, err := l.conn.CreateProtectedEphemeralSequential(l.path+"/lock-", []byte(""), zk.WorldACL(zk.PermAll))
	for attempt := 0; errors.Is(err, zk.ErrNoNode) && attempt < 3; attempt++ {
		if err = EnsurePath(l.conn, l.path); err != nil {
			return err
		}
		nodePath, err = l.conn.CreateProtectedEphemeralSequential(l.path+"/lock-", []byte(""), zk.WorldACL(zk.PermAll))
	}
	if err != nil {
		return fmt.Errorf("failed to create sequential node: %w", err)
	}
	l.lockNode = nodePath

	for {
		// 2. 获取锁路径下的所有子节点
		children, _, err := l.conn.Children(l.path)
		if err != nil {
			l.abandon()
			return fmt.Errorf("failed to get children nodes: %w", err)
		}
		// protected 节点带有 _c_<guid>- 前缀，只能按序号排序
		sort.Slice(children, func(i, j int) bool { return sequenceOf(children[i]) < sequenceOf(children[j]) })

		// 3. 判断自己是否是最小的节点
		myNodeName := strings.TrimPrefix(l.lockNode, l.path+"/")
		if myNodeName == children[0] {
			return nil
		}

		// 4. 不是最小节点，监听前一个节点
		prevNodeIndex := -1
		for i, child := range children {
			if child == myNodeName {
				prevNodeIndex = i - 1
				break
			}
		}
		if prevNodeIndex < 0 {
			l.abandon()
			return errors.New("cannot find previous node, something is wrong")
		}
		prevNodePath := l.path + "/" + children[prevNodeIndex]

		exists, _, eventChan, err := l.conn.ExistsW(prevNodePath)
		if err != nil {
			l.abandon()
			return fmt.Errorf("failed to watch previous node: %w", err)
		}
		if !exists {
			// 前一个节点刚好被删除，重新竞争
			continue
		}

		select {
		case <-eventChan:
			continue
		case <-ctx.Done():
			l.abandon()
			return ctx.Err()
		}
	}
}

// Unlock 释放锁
func (l *DistributedLock) Unlock() error {
	if l.lockNode == "" {
		return errors.New("no lock to unlock")
	}
	err := l.conn.Delete(l.lockNode, -1)
	if err != nil && !errors.Is(err, zk.ErrNoNode) {
		return fmt.Errorf("failed to delete lock node: %w", err)
	}
	l.lockNode = ""
	return l.prune()
}

// abandon 放弃排队时删除自己创建的节点，避免阻塞后来者
func (l *DistributedLock) abandon() {
	if l.lockNode != "" {
		_ = l.conn.Delete(l.lockNode, -1)
		l.lockNode = ""
		_ = l.prune()
	}
}

// prune 删除已经没有等待者的锁路径节点，还有子节点或已被删除时忽略
func (l *DistributedLock) prune() error {
	err := l.conn.Delete(l.path, -1)
	if err != nil && !errors.Is(err, zk.ErrNotEmpty) && !errors.Is(err, zk.ErrNoNode) {
		return fmt.Errorf("failed to prune lock path: %w", err)
	}
	return nil
}

// sequenceOf 取出顺序节点末尾的 10 位序号
func sequenceOf(node string) string {
	if len(node) < 10 {
		return node
	}
	return node[len(node)-10:]
}
