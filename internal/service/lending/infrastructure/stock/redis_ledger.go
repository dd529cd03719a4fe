package stock

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"circulation/internal/pkg/logger"
	"circulation/internal/pkg/redis"
	"circulation/internal/service/lending/domain"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
)

const (
	decrementScriptName = "stock_decrement"
	incrementScriptName = "stock_increment"
	createScriptName    = "stock_create"

	titleIndexKey   = "stock:titles"
	titleKeyPrefix  = "stock:title:{"
	titleKeyPattern = "stock:title:{*}"
)

// RedisStockLedger 是 StockLedger 的 Redis 实现。
// 每个书目是一个 hash，所有条件修改都在 Lua 脚本中原子完成。
type RedisStockLedger struct {
	redisClient *redis.Client
}

// NewRedisStockLedger 创建 Redis 库存账本，创建时加载所有需要的 Lua 脚本
func NewRedisStockLedger(redisClient *redis.Client) (*RedisStockLedger, error) {
	scripts := map[string]string{
		decrementScriptName: decrementScript,
		incrementScriptName: incrementScript,
		createScriptName:    createScript,
	}
	for name, content := range scripts {
		if err := redisClient.LoadScriptFromContent(name, content); err != nil {
			return nil, fmt.Errorf("failed to load stock script %s: %w", name, err)
		}
	}
	return &RedisStockLedger{redisClient: redisClient}, nil
}

// titleKey 使用 hash tag，保证同一书目的 key 落在同一个 slot
func titleKey(titleID string) string {
	return titleKeyPrefix + titleID + "}"
}

func (s *RedisStockLedger) TryDecrement(ctx context.Context, titleID string, count int) (bool, error) {
	if count <= 0 {
		return false, errors.Errorf("invalid decrement count %d", count)
	}
	code, err := s.run(ctx, decrementScriptName, titleID, count)
	if err != nil {
		return false, err
	}
	switch code {
	case 1:
		return true, nil
	case 0:
		return false, nil
	case -1:
		return false, errors.Wrapf(domain.ErrNotFound, "title %s", titleID)
	default:
		return false, errors.Errorf("unknown result code from decrement script: %d", code)
	}
}

func (s *RedisStockLedger) Increment(ctx context.Context, titleID string, count int) (bool, error) {
	if count <= 0 {
		return false, errors.Errorf("invalid increment count %d", count)
	}
	code, err := s.run(ctx, incrementScriptName, titleID, count)
	if err != nil {
		return false, err
	}
	switch code {
	case 1:
		return true, nil
	case 2:
		return false, errors.Wrapf(domain.ErrIntegrityFault, "increment of title %s would exceed total copies", titleID)
	case -1:
		return false, errors.Wrapf(domain.ErrNotFound, "title %s", titleID)
	default:
		return false, errors.Errorf("unknown result code from increment script: %d", code)
	}
}

func (s *RedisStockLedger) Read(ctx context.Context, titleID string) (*domain.Title, error) {
	fields, err := s.redisClient.GetClient().HGetAll(ctx, titleKey(titleID)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "read title %s", titleID)
	}
	if len(fields) == 0 {
		return nil, errors.Wrapf(domain.ErrNotFound, "title %s", titleID)
	}
	return decodeTitle(titleID, fields)
}

func (s *RedisStockLedger) Create(ctx context.Context, title *domain.Title) error {
	if err := title.Validate(); err != nil {
		return err
	}
	keys := []string{titleKey(title.ID)}
	args := []interface{}{title.Name, title.Author, title.ISBN, title.TotalCopies, title.AvailableCopies, string(title.Status)}
	result, err := s.redisClient.RunScript(ctx, createScriptName, keys, args...)
	if err != nil {
		return errors.Wrapf(err, "create title %s", title.ID)
	}
	if code, _ := result.(int64); code != 1 {
		return errors.Wrapf(domain.ErrAlreadyExists, "title %s", title.ID)
	}
	// 索引与书目不在同一个 slot，单独写入。书目已经创建成功，索引缺失由 List 扫描补齐
	if err := s.redisClient.GetClient().SAdd(ctx, titleIndexKey, title.ID).Err(); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("title_id", title.ID).Msg("Failed to index title, it will be recovered by List")
	}
	return nil
}

// List 以索引为主，并扫描书目 key 找回索引写入失败的书目
func (s *RedisStockLedger) List(ctx context.Context) ([]*domain.Title, error) {
	client := s.redisClient.GetClient()
	indexed, err := client.SMembers(ctx, titleIndexKey).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list title ids")
	}
	scanned, err := s.scanTitleIDs(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(indexed))
	for _, id := range indexed {
		seen[id] = struct{}{}
	}
	ids := indexed
	for _, id := range scanned {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
		if err := client.SAdd(ctx, titleIndexKey, id).Err(); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("title_id", id).Msg("Failed to repair title index")
		}
	}
	sort.Strings(ids)

	pipe := client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, titleKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return nil, errors.Wrap(err, "list titles")
	}

	out := make([]*domain.Title, 0, len(ids))
	for i, id := range ids {
		fields := cmds[i].Val()
		if len(fields) == 0 {
			continue
		}
		t, err := decodeTitle(id, fields)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// scanTitleIDs 扫描所有书目 hash，集群模式下逐个 master 扫描
func (s *RedisStockLedger) scanTitleIDs(ctx context.Context) ([]string, error) {
	var mu sync.Mutex
	var ids []string
	scan := func(ctx context.Context, c goredis.Cmdable) error {
		iter := c.Scan(ctx, 0, titleKeyPattern, 500).Iterator()
		for iter.Next(ctx) {
			key := iter.Val()
			if !strings.HasPrefix(key, titleKeyPrefix) || !strings.HasSuffix(key, "}") {
				continue
			}
			mu.Lock()
			ids = append(ids, strings.TrimSuffix(strings.TrimPrefix(key, titleKeyPrefix), "}"))
			mu.Unlock()
		}
		return iter.Err()
	}

	var err error
	switch c := s.redisClient.GetClient().(type) {
	case *goredis.ClusterClient:
		err = c.ForEachMaster(ctx, func(ctx context.Context, node *goredis.Client) error { return scan(ctx, node) })
	default:
		err = scan(ctx, c)
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan title keys")
	}
	return ids, nil
}

func (s *RedisStockLedger) run(ctx context.Context, script, titleID string, count int) (int64, error) {
	result, err := s.redisClient.RunScript(ctx, script, []string{titleKey(titleID)}, count)
	if err != nil {
		return 0, errors.Wrapf(err, "stock ledger failed to run %s", script)
	}
	code, ok := result.(int64)
	if !ok {
		return 0, errors.Errorf("unexpected result type from Lua script: %T", result)
	}
	return code, nil
}

func decodeTitle(titleID string, fields map[string]string) (*domain.Title, error) {
	total, err := strconv.Atoi(fields["total"])
	if err != nil {
		return nil, errors.Wrapf(domain.ErrIntegrityFault, "title %s has malformed total %q", titleID, fields["total"])
	}
	available, err := strconv.Atoi(fields["available"])
	if err != nil {
		return nil, errors.Wrapf(domain.ErrIntegrityFault, "title %s has malformed available %q", titleID, fields["available"])
	}
	return &domain.Title{
		ID:              titleID,
		Name:            fields["name"],
		Author:          fields["author"],
		ISBN:            fields["isbn"],
		TotalCopies:     total,
		AvailableCopies: available,
		Status:          domain.TitleStatus(fields["status"]),
	}, nil
}

var decrementScript = `
-- KEYS[1]: 书目 hash, 例如: stock:title:{t1}
-- ARGV[1]: 扣减数量

-- 1. 书目不存在
if redis.call('exists', KEYS[1]) == 0 then
    return -1
end

-- 2. 库存充足才扣减
local available = tonumber(redis.call('hget', KEYS[1], 'available'))
local n = tonumber(ARGV[1])
if available and available >= n then
    redis.call('hincrby', KEYS[1], 'available', -n)
    return 1
end

-- 3. 库存不足
return 0
`

var incrementScript = `
-- KEYS[1]: 书目 hash
-- ARGV[1]: 归还数量

if redis.call('exists', KEYS[1]) == 0 then
    return -1
end

local available = tonumber(redis.call('hget', KEYS[1], 'available'))
local total = tonumber(redis.call('hget', KEYS[1], 'total'))
local n = tonumber(ARGV[1])

-- 超过总量说明账本已经不一致，不做任何修改
if available + n > total then
    return 2
end

redis.call('hincrby', KEYS[1], 'available', n)
return 1
`

var createScript = `
-- KEYS[1]: 书目 hash
-- ARGV: name, author, isbn, total, available, status

if redis.call('exists', KEYS[1]) == 1 then
    return 0
end
redis.call('hset', KEYS[1],
    'name', ARGV[1], 'author', ARGV[2], 'isbn', ARGV[3],
    'total', ARGV[4], 'available', ARGV[5], 'status', ARGV[6])
return 1
`
