// 文件: pkg/order/sql_store_test.go
// 需要本地 MySQL，连不上时跳过:
// go test -v -run TestSQLStore ./pkg/order/...

package order

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"perpx.com/pkg/event"
)

const defaultTestDSN = "root:123456@tcp(127.0.0.1:3307)/perpx_test?charset=utf8mb4&parseTime=True&loc=Local"

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := os.Getenv("PERPX_TEST_DSN")
	if dsn == "" {
		dsn = defaultTestDSN
	}
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
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

func TestSQLStore_ApplyAndLoad(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	store := NewSQLStore(db)
	require.NoError(t, store.AutoMigrate(ctx))

	ids, err := NewSnowflakeIDs(1)
	require.NoError(t, err)
	account := fmt.Sprintf("acct-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		db.Where("account = ?", account).Delete(&OpenOrder{})
		db.Where("account = ?", account).Delete(&CloseOrder{})
		db.Where("account = ?", account).Delete(&OrderCounter{})
		db.Where("account = ?", account).Delete(&OrderHistory{})
		db.Where("receiver = ?", account).Delete(&UnpaidFee{})
	})

	open := OpenOrder{ID: ids.NextID(), Account: account, Index: 0, ProductID: 1, Margin: 100 * base,
		Leverage: 10 * base, TradeFee: 5 * base, IsLong: true, TriggerPrice: 105 * base, TriggerAboveThreshold: true,
		ExecutionFee: testExecFee, OrderTimestamp: 1_700_000_000}
	closing := CloseOrder{ID: ids.NextID(), Account: account, Index: 0, ProductID: 1, Size: 50 * base,
		TriggerPrice: 90 * base, ExecutionFee: testExecFee, OrderTimestamp: 1_700_000_000}

	require.NoError(t, store.Apply(ctx, &Changeset{
		OpenOrders:  []OpenOrder{open},
		CloseOrders: []CloseOrder{closing},
		Counters: []OrderCounter{
			{Account: account, Kind: KindOpen, Next: 1},
			{Account: account, Kind: KindClose, Next: 1},
		},
		UnpaidFees: []UnpaidFee{{Receiver: account, Amount: 7}},
		Events:     []event.Event{event.New(event.TypeOpenOrderCreated, account, 1_700_000_000, OpenOrderEvent{Order: open})},
	}))

	snap, err := store.Load(ctx)
	require.NoError(t, err)
	var found *OpenOrder
	for _, o := range snap.OpenOrders {
		if o.Account == account {
			found = o
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, open, *found)

	// 更新 + 删除 + 历史
	open.TriggerPrice = 110 * base
	require.NoError(t, store.Apply(ctx, &Changeset{
		OpenOrders:   []OpenOrder{open},
		DeletedClose: []OrderRef{closing.Ref()},
		UnpaidFees:   []UnpaidFee{{Receiver: account, Amount: 0}},
		History:      []OrderHistory{closeHistory(&closing, StatusCancelled, 0, 1_700_000_100)},
	}))

	snap, err = store.Load(ctx)
	require.NoError(t, err)
	for _, o := range snap.OpenOrders {
		if o.Account == account {
			assert.Equal(t, int64(110*base), o.TriggerPrice)
		}
	}
	for _, o := range snap.CloseOrders {
		assert.NotEqual(t, account, o.Account)
	}
	for _, f := range snap.UnpaidFees {
		assert.NotEqual(t, account, f.Receiver)
	}

	history, err := store.ListHistory(ctx, account, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, StatusCancelled, history[0].Status)
	assert.Equal(t, KindClose, history[0].Kind)
}
