// 文件: pkg/futures/sql_store_test.go
// SQL / Redis 存储集成测试
//
// 需要本地 MySQL 和 Redis，连不上时跳过:
// go test -v -run "TestSQLStore|TestCachedStore" ./pkg/futures/...

package futures

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// =============================================================================
// 测试配置
// =============================================================================

const (
	defaultTestDSN   = "root:123456@tcp(127.0.0.1:3307)/perpx_test?charset=utf8mb4&parseTime=True&loc=Local"
	defaultTestRedis = "localhost:6379"
)

func testEnvOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(mysql.Open(testEnvOr("PERPX_TEST_DSN", defaultTestDSN)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Skipf("mysql unavailable: %v", err)
	}
	sqlDB, err := db.DB()
	require.NoError(t, err)
	if err := sqlDB.Ping(); err != nil {
		t.Skipf("mysql unavailable: %v", err)
	}
	return db
}

func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: testEnvOr("PERPX_TEST_REDIS", defaultTestRedis)})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	return rdb
}

func cleanupTestData(db *gorm.DB) {
	for _, table := range []string{"perp_products", "perp_positions", "perp_vault", "perp_stakes",
		"perp_reward_pools", "perp_funding", "perp_funding_history", "perp_events"} {
		db.Exec("DELETE FROM " + table)
	}
}

// =============================================================================
// 测试: 引擎状态落库 + 重启恢复
// =============================================================================

func TestSQLStore_EngineRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	store := NewSQLStore(db)
	require.NoError(t, store.AutoMigrate(ctx))
	cleanupTestData(db)
	defer cleanupTestData(db)

	env := newTestEnv(t)
	env.engine.store = store
	require.NoError(t, env.engine.AddProduct(ctx, testOwner, 2, testProductParams()))
	env.transfer.fund("bob", 1000*Base)
	require.NoError(t, env.engine.Stake(ctx, "bob", "bob", 100*Base))
	id := openLong(t, env, 100*Base, 10*Base)

	// 新引擎从库里恢复
	restored, err := NewEngine(testOwner, DefaultEngineConfig(), Deps{
		Oracle:   env.oracle,
		Funding:  env.funding,
		Fees:     flatFee{},
		Transfer: env.transfer,
		Store:    store,
	})
	require.NoError(t, err)
	require.NoError(t, restored.Restore(ctx))

	pos, err := restored.GetPositionByID(id)
	require.NoError(t, err)
	want, _ := env.engine.GetPositionByID(id)
	assert.Equal(t, want, pos)
	assert.Equal(t, env.engine.GetVault().Balance, restored.GetVault().Balance)
	assert.Equal(t, env.engine.GetRewards().Total(), restored.GetRewards().Total())
	assert.Equal(t, env.engine.GetTotalOpenInterest(), restored.GetTotalOpenInterest())

	stake, err := restored.GetStake("bob")
	require.NoError(t, err)
	assert.Equal(t, int64(100*Base), stake.Amount)

	// 平仓后记录被删除
	require.NoError(t, env.engine.ClosePositionWithID(ctx, testTrader, id, 100*Base))
	_, err = store.GetPosition(ctx, id)
	assert.ErrorIs(t, err, ErrPositionNotFound)

	var events int64
	db.Model(&EventLog{}).Count(&events)
	assert.Positive(t, events)
}

func TestSQLStore_Funding(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	store := NewSQLStore(db)
	require.NoError(t, store.AutoMigrate(ctx))
	cleanupTestData(db)
	defer cleanupTestData(db)

	clock := newFakeClock()
	s, err := NewFundingService(DefaultFundingConfig(), store, clock.Now)
	require.NoError(t, err)
	snap := MarketSnapshot{OpenInterestLong: Base, MaxExposure: 2 * Base}
	require.NoError(t, s.UpdateFunding(ctx, 7, snap))
	clock.Advance(time.Hour)
	require.NoError(t, s.UpdateFunding(ctx, 7, snap))

	history, err := store.ListFundingHistory(ctx, 7, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, s.GetFunding(7), history[0].Cumulative)

	reloaded, _ := NewFundingService(DefaultFundingConfig(), store, clock.Now)
	require.NoError(t, reloaded.Restore(ctx))
	assert.Equal(t, s.GetFunding(7), reloaded.GetFunding(7))
}

// =============================================================================
// 测试: Redis 缓存装饰器
// =============================================================================

func TestCachedStore_InvalidatesOnApply(t *testing.T) {
	db := setupTestDB(t)
	rdb := setupTestRedis(t)
	ctx := context.Background()
	sqlStore := NewSQLStore(db)
	require.NoError(t, sqlStore.AutoMigrate(ctx))
	cleanupTestData(db)
	defer cleanupTestData(db)

	cached := NewCachedStore(sqlStore, rdb)
	env := newTestEnv(t)
	env.engine.store = cached
	id := openLong(t, env, 100*Base, 10*Base)
	require.NoError(t, env.engine.AddMargin(ctx, testTrader, id, 100*Base))

	// 写入时已删除缓存，第一次读回源 DB
	pos, err := cached.GetPosition(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(200*Base), pos.Margin)

	list, err := cached.ListPositionsByOwner(ctx, testTrader)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	v, err := cached.GetVault(ctx)
	require.NoError(t, err)
	assert.Equal(t, env.engine.GetVault().Balance, v.Balance)
}
