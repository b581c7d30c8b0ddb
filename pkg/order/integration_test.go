// 文件: pkg/order/integration_test.go
// 挂单簿 + 真实引擎 + 共享内存账本

package order

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpx.com/pkg/fund"
	"perpx.com/pkg/futures"
)

type liveEnv struct {
	engine *futures.Engine
	book   *OrderBook
	feed   *futures.PriceFeed
	ledger *fund.MemoryLedger
	keeper *Keeper
	clock  *fakeClock
}

func newLiveEnv(t *testing.T) *liveEnv {
	t.Helper()
	ctx := context.Background()
	clock := newFakeClock()
	ledger := fund.NewMemoryLedger()
	feed := futures.NewPriceFeed(time.Hour, clock.Now)
	feed.SetPrice("BTC", 100*base)

	funding, err := futures.NewFundingService(futures.DefaultFundingConfig(), nil, clock.Now)
	require.NoError(t, err)
	engine, err := futures.NewEngine(testOwner, futures.DefaultEngineConfig(), futures.Deps{
		Oracle:   feed,
		Funding:  funding,
		Fees:     futures.NewTieredFeeCalculator(0),
		Transfer: fund.NewCustody(ledger, "engine"),
		Clock:    clock.Now,
	})
	require.NoError(t, err)
	require.NoError(t, engine.AddProduct(ctx, testOwner, testProductID, futures.ProductParams{
		Token:          "BTC",
		MaxLeverage:    20 * base,
		Fee:            50,
		IsActive:       true,
		MinPriceChange: 100,
		Weight:         1,
		Reserve:        1_000_000 * base,
	}))

	cfg := DefaultOrderBookConfig()
	cfg.Address = testBook
	cfg.MinExecutionFee = testExecFee
	book, err := NewOrderBook(testOwner, cfg, Deps{
		Engine:   engine,
		Oracle:   feed,
		Transfer: fund.NewCustody(ledger, testBook),
		Clock:    clock.Now,
	})
	require.NoError(t, err)
	require.NoError(t, book.SetKeeper(ctx, testOwner, testKeeper, true))

	// 挂单簿代账户开平仓: 全局 manager + 账户授权
	require.NoError(t, engine.SetManager(ctx, testOwner, testBook, true))
	require.NoError(t, engine.SetAccountManager(ctx, testTrader, testBook, true))

	require.NoError(t, ledger.Deposit(ctx, futures.NativeToken, "lp", 10_000*base))
	require.NoError(t, ledger.Deposit(ctx, futures.NativeToken, testTrader, 1000*base))
	require.NoError(t, engine.Stake(ctx, "lp", "lp", 1000*base))

	kcfg := testKeeperConfig()
	keeper, err := NewKeeper(kcfg, book.TriggerIndex(), feed, engine, book, clock.Now)
	require.NoError(t, err)

	return &liveEnv{engine: engine, book: book, feed: feed, ledger: ledger, keeper: keeper, clock: clock}
}

func (env *liveEnv) balance(t *testing.T, account string) int64 {
	t.Helper()
	b, err := env.ledger.BalanceOf(context.Background(), futures.NativeToken, account)
	require.NoError(t, err)
	return b
}

func TestLive_OpenThenStopLoss(t *testing.T) {
	env := newLiveEnv(t)
	ctx := context.Background()
	supply := env.ledger.TotalSupply(futures.NativeToken)

	_, err := env.book.CreateOpenOrder(ctx, testTrader, longAbove(105*base))
	require.NoError(t, err)
	env.clock.Advance(3 * time.Second)
	env.feed.SetPrice("BTC", 106*base)

	assert.Equal(t, 1, env.keeper.RunOnce(ctx))
	pos, err := env.engine.GetPosition(testTrader, testProductID, true)
	require.NoError(t, err)
	assert.Equal(t, int64(100*base), pos.Margin)
	assert.Equal(t, int64(10*base), pos.Leverage)
	assert.Equal(t, int64(106*base), pos.OraclePrice)

	assert.Zero(t, env.balance(t, testBook))
	assert.Equal(t, int64(testExecFee), env.balance(t, testKeeper))
	assert.Equal(t, int64(1000*base+105*base), env.balance(t, "engine"))

	// 止损单: Size 超过持仓保证金按全平
	_, err = env.book.CreateCloseOrder(ctx, testTrader, stopBelow(102*base, 1000*base))
	require.NoError(t, err)
	env.clock.Advance(3 * time.Second)
	env.feed.SetPrice("BTC", 103*base)
	assert.Zero(t, env.keeper.RunOnce(ctx))

	env.feed.SetPrice("BTC", 101*base)
	assert.Equal(t, 1, env.keeper.RunOnce(ctx))
	_, err = env.engine.GetPosition(testTrader, testProductID, true)
	assert.ErrorIs(t, err, futures.ErrPositionNotFound)
	assert.Empty(t, env.book.ListCloseOrders(testTrader))
	assert.Equal(t, int64(2*testExecFee), env.balance(t, testKeeper))

	assert.Zero(t, env.balance(t, testBook))
	assert.Equal(t, supply, env.ledger.TotalSupply(futures.NativeToken))
}

func TestLive_WithoutApprovalFailsAndKeepsEscrow(t *testing.T) {
	env := newLiveEnv(t)
	ctx := context.Background()
	require.NoError(t, env.engine.SetAccountManager(ctx, testTrader, testBook, false))

	// 下单本身只看 sender == account
	o, err := env.book.CreateOpenOrder(ctx, testTrader, longAbove(100*base))
	require.NoError(t, err)
	env.clock.Advance(3 * time.Second)

	err = env.book.ExecuteOpenOrder(ctx, testKeeper, testTrader, o.Index, "")
	assert.ErrorIs(t, err, futures.ErrNotAllowed)
	assert.Equal(t, o.Escrow(), env.balance(t, testBook))
	assert.Equal(t, env.balance(t, testBook), env.book.TotalEscrow())
}
