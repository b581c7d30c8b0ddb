// 文件: pkg/order/trigger_index_test.go
// 触发价索引测试
//
// Redis 用例需要本地 Redis，连不上时跳过:
// go test -v -run TestRedisTriggerIndex ./pkg/order/...

package order

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEntries() []TriggerEntry {
	return []TriggerEntry{
		{Kind: KindOpen, Account: "alice", Index: 0, Token: "BTC", TriggerPrice: 105 * base, Above: true, ExecutableAt: 10},
		{Kind: KindOpen, Account: "bob", Index: 3, Token: "BTC", TriggerPrice: 101 * base, Above: true, ExecutableAt: 20},
		{Kind: KindClose, Account: "alice", Index: 0, Token: "BTC", TriggerPrice: 95 * base, Above: false, ExecutableAt: 10},
		{Kind: KindClose, Account: "carol", Index: 1, Token: "BTC", TriggerPrice: 99 * base, Above: false, ExecutableAt: 30},
		{Kind: KindOpen, Account: "dave", Index: 0, Token: "ETH", TriggerPrice: 1 * base, Above: true, ExecutableAt: 0},
	}
}

// exerciseIndex 两种实现共用的行为
func exerciseIndex(t *testing.T, idx TriggerIndex) {
	t.Helper()
	ctx := context.Background()
	for _, e := range sampleEntries() {
		require.NoError(t, idx.Add(ctx, e))
	}

	// 价格 100: above 桶里 <= 100 的没有; below 桶里 >= 100 的没有
	got, err := idx.Triggered(ctx, "BTC", 100*base)
	require.NoError(t, err)
	assert.Empty(t, got)

	// 价格 106: above 桶全部命中，价低的先
	got, err = idx.Triggered(ctx, "BTC", 106*base)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "bob", got[0].Account)
	assert.Equal(t, uint64(3), got[0].Index)
	assert.Equal(t, int64(20), got[0].ExecutableAt)
	assert.Equal(t, "alice", got[1].Account)
	assert.True(t, got[1].Above)

	// 价格 94: below 桶全部命中，价高的先
	got, err = idx.Triggered(ctx, "BTC", 94*base)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "carol", got[0].Account)
	assert.Equal(t, KindClose, got[0].Kind)
	assert.Equal(t, int64(99*base), got[0].TriggerPrice)
	assert.Equal(t, "alice", got[1].Account)

	// 覆盖: 换方向换价格，旧桶里不能残留
	moved := sampleEntries()[0]
	moved.Above = false
	moved.TriggerPrice = 90 * base
	require.NoError(t, idx.Add(ctx, moved))
	got, err = idx.Triggered(ctx, "BTC", 106*base)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "bob", got[0].Account)

	// 同一账户同一 index 的开仓单和平仓单互不影响
	require.NoError(t, idx.Remove(ctx, KindClose, OrderRef{Account: "alice", Index: 0}))
	got, err = idx.Triggered(ctx, "BTC", 89*base)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "carol", got[0].Account)
	assert.Equal(t, KindOpen, got[1].Kind)

	// 删除不存在的不报错
	require.NoError(t, idx.Remove(ctx, KindOpen, OrderRef{Account: "nobody", Index: 9}))

	got, err = idx.Triggered(ctx, "ETH", 2*base)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ETH", got[0].Token)
}

func TestMemoryTriggerIndex(t *testing.T) {
	idx := NewMemoryTriggerIndex()
	exerciseIndex(t, idx)
	assert.Equal(t, 4, idx.Len())
}

func TestTriggerEntry_MemberRoundTrip(t *testing.T) {
	e := TriggerEntry{Kind: KindClose, Account: "acct:with:colons", Index: 17, ExecutableAt: 1_700_000_002}
	parsed, ok := parseMember(e.member())
	require.True(t, ok)
	assert.Equal(t, e.Kind, parsed.Kind)
	assert.Equal(t, e.Account, parsed.Account)
	assert.Equal(t, e.Index, parsed.Index)
	assert.Equal(t, e.ExecutableAt, parsed.ExecutableAt)

	_, ok = parseMember("open:x:1:alice")
	assert.False(t, ok)
	_, ok = parseMember("open")
	assert.False(t, ok)
}

func TestTriggerMet(t *testing.T) {
	assert.True(t, triggerMet(true, 100, 100))
	assert.True(t, triggerMet(true, 100, 101))
	assert.False(t, triggerMet(true, 100, 99))
	assert.True(t, triggerMet(false, 100, 100))
	assert.True(t, triggerMet(false, 100, 99))
	assert.False(t, triggerMet(false, 100, 101))
}

func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("PERPX_TEST_REDIS")
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	return rdb
}

func TestRedisTriggerIndex(t *testing.T) {
	rdb := setupTestRedis(t)
	defer rdb.Close()

	ctx := context.Background()
	prefix := fmt.Sprintf("perpx:test:%d", time.Now().UnixNano())
	t.Cleanup(func() {
		keys, _ := rdb.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			rdb.Del(ctx, keys...)
		}
	})

	exerciseIndex(t, NewRedisTriggerIndex(rdb, prefix))
}

func TestRedisTriggerIndex_Paging(t *testing.T) {
	rdb := setupTestRedis(t)
	defer rdb.Close()

	ctx := context.Background()
	prefix := fmt.Sprintf("perpx:test:%d", time.Now().UnixNano())
	t.Cleanup(func() {
		keys, _ := rdb.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			rdb.Del(ctx, keys...)
		}
	})

	idx := NewRedisTriggerIndex(rdb, prefix)
	for i := 0; i < 250; i++ {
		require.NoError(t, idx.Add(ctx, TriggerEntry{
			Kind:         KindOpen,
			Account:      "alice",
			Index:        uint64(i),
			Token:        "BTC",
			TriggerPrice: int64(100+i) * base,
			Above:        true,
		}))
	}
	got, err := idx.Triggered(ctx, "BTC", 400*base)
	require.NoError(t, err)
	assert.Len(t, got, 250)
	assert.Equal(t, int64(100*base), got[0].TriggerPrice)
	assert.Equal(t, int64(349*base), got[249].TriggerPrice)
}
