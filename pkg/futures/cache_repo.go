// 文件: pkg/futures/cache_repo.go
// 引擎状态 Redis 缓存层
//
// 【设计模式】装饰器模式 (Decorator Pattern)
// - 包装底层 Store，透明添加缓存能力
// - 引擎只看到 Store 接口，其它进程 (API 只读副本、风控看板) 走 StoreReader 读缓存
//
// 【缓存策略】
// - 读: 先查 Redis，miss 则查 DB 并回填
// - 写: 先写 DB，成功后删除缓存 (Cache Aside)

package futures

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// 确保实现了接口
var (
	_ Store       = (*CachedStore)(nil)
	_ StoreReader = (*CachedStore)(nil)
)

// =============================================================================
// 缓存配置
// =============================================================================

const (
	// 缓存 Key 前缀
	cacheKeyPrefix = "perpx:"

	// 单个持仓: perpx:position:{id}
	cacheKeyPosition = cacheKeyPrefix + "position:%s"

	// 账户持仓列表: perpx:owner:{owner}
	cacheKeyOwner = cacheKeyPrefix + "owner:%s"

	// 金库: perpx:vault
	cacheKeyVault = cacheKeyPrefix + "vault"

	// 缓存过期时间
	cacheTTL = 24 * time.Hour

	// 列表/金库缓存过期时间 (较短，因为变化频繁)
	listCacheTTL = 5 * time.Minute
)

// DurableStore 既能写变更集又能按需读的底层存储 (SQLStore)
type DurableStore interface {
	Store
	StoreReader
}

// =============================================================================
// CachedStore - 带缓存的 Store
// =============================================================================

// CachedStore Redis 缓存装饰器
//
// 写入先落 DB 再删缓存，读未命中时回填
type CachedStore struct {
	store DurableStore // 被装饰的底层存储
	redis *redis.Client
}

// NewCachedStore 创建带缓存的 Store
//
// 用法:
//
//	sqlStore := NewSQLStore(db)
//	cached := NewCachedStore(sqlStore, redisClient)
//	engine, _ := NewEngine(owner, cfg, Deps{Store: cached, ...})
func NewCachedStore(store DurableStore, rds *redis.Client) *CachedStore {
	return &CachedStore{
		store: store,
		redis: rds,
	}
}

// =============================================================================
// 写操作 (写 DB + 删缓存)
// =============================================================================

// Load 启动加载直接走 DB
func (c *CachedStore) Load(ctx context.Context) (*State, error) {
	return c.store.Load(ctx)
}

// Apply 写 DB，成功后删除受影响的缓存
func (c *CachedStore) Apply(ctx context.Context, cs *Changeset) error {
	if err := c.store.Apply(ctx, cs); err != nil {
		return err
	}
	c.invalidate(ctx, cs)
	return nil
}

func (c *CachedStore) invalidate(ctx context.Context, cs *Changeset) {
	keys := []string{cacheKeyVault}
	for _, p := range cs.Positions {
		keys = append(keys, fmt.Sprintf(cacheKeyPosition, p.ID), fmt.Sprintf(cacheKeyOwner, p.Owner))
	}
	for _, id := range cs.DeletedPositions {
		keys = append(keys, fmt.Sprintf(cacheKeyPosition, id))
	}
	// 被删除的持仓不知道 owner，从事件里补
	for _, ev := range cs.Events {
		if ev.Key != "" {
			keys = append(keys, fmt.Sprintf(cacheKeyOwner, ev.Key))
		}
	}
	c.redis.Del(ctx, keys...)
}

// =============================================================================
// 读操作 (带缓存)
// =============================================================================

// GetPosition 按 ID 查持仓 (带缓存)
func (c *CachedStore) GetPosition(ctx context.Context, id PositionID) (*Position, error) {
	cacheKey := fmt.Sprintf(cacheKeyPosition, id)

	// 1. 查缓存
	data, err := c.redis.Get(ctx, cacheKey).Bytes()
	if err == nil {
		var pos Position
		if json.Unmarshal(data, &pos) == nil {
			return &pos, nil // Cache hit
		}
	}

	// 2. Cache miss, 查底层
	pos, err := c.store.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}

	// 3. 回填缓存 (异步，不阻塞主流程)
	go c.setCache(context.Background(), cacheKey, pos, cacheTTL)
	return pos, nil
}

// ListPositionsByOwner 账户持仓 (带缓存)
func (c *CachedStore) ListPositionsByOwner(ctx context.Context, owner string) ([]*Position, error) {
	cacheKey := fmt.Sprintf(cacheKeyOwner, owner)

	data, err := c.redis.Get(ctx, cacheKey).Bytes()
	if err == nil {
		var positions []*Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := c.store.ListPositionsByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	go c.setCache(context.Background(), cacheKey, positions, listCacheTTL)
	return positions, nil
}

// GetVault 金库 (带缓存)
func (c *CachedStore) GetVault(ctx context.Context) (*Vault, error) {
	data, err := c.redis.Get(ctx, cacheKeyVault).Bytes()
	if err == nil {
		var v Vault
		if json.Unmarshal(data, &v) == nil {
			return &v, nil
		}
	}

	v, err := c.store.GetVault(ctx)
	if err != nil {
		return nil, err
	}
	go c.setCache(context.Background(), cacheKeyVault, v, listCacheTTL)
	return v, nil
}

// =============================================================================
// 缓存操作
// =============================================================================

// setCache 设置缓存
func (c *CachedStore) setCache(ctx context.Context, key string, v any, ttl time.Duration) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.redis.Set(ctx, key, data, ttl)
}
