package futures

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpx.com/pkg/event"
	"perpx.com/pkg/risk/perp"
)

func openLong(t *testing.T, env *testEnv, margin, leverage int64) PositionID {
	t.Helper()
	id, err := env.engine.OpenPosition(context.Background(), testTrader, testTrader, testProductID, margin, leverage, true)
	require.NoError(t, err)
	return id
}

// =============================================================================
// 完整流程
// =============================================================================

func TestEngine_StakeOpenClose(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	vault := env.engine.GetVault()
	assert.Equal(t, int64(1000*Base), vault.Shares)
	assert.Equal(t, int64(1000*Base), vault.Balance)
	stake, err := env.engine.GetStake(testLP)
	require.NoError(t, err)
	assert.Equal(t, int64(1000*Base), stake.Shares)

	// 10x 多 100，费率 50bps → fee = 100×10×50/10000 = 5
	id := openLong(t, env, 100*Base, 10*Base)
	assert.Equal(t, int64(10_000*Base-105*Base), env.transfer.balance(testTrader))
	pos, err := env.engine.GetPositionByID(id)
	require.NoError(t, err)
	assert.Equal(t, int64(100*Base), pos.Margin)
	assert.Equal(t, int64(10*Base), pos.Leverage)
	assert.Equal(t, int64(100*Base), pos.OraclePrice)
	assert.Greater(t, pos.Price, int64(100*Base)) // 多头吃滑点
	assert.Equal(t, int64(5*Base), env.engine.GetRewards().Total())
	env.assertConserved(t)

	// 价格 +10%，浮盈超过防抢跑价格带，可以兑现
	env.oracle.set("BTC", 110*Base)
	require.NoError(t, env.engine.ClosePositionWithID(ctx, testTrader, id, pos.Margin))

	closed := env.lastClose(t)
	assert.InDelta(t, 100*Base, closed.PnL, 2*Base)
	assert.Equal(t, int64(5*Base), closed.Fee)
	assert.Equal(t, int64(0), closed.FundingPayment)
	assert.False(t, closed.WasLiquidated)

	// 金库付出全部 pnl: pnlAfterFees 付给交易者，fee 划到奖励池
	assert.Equal(t, 1000*Base-closed.PnL, env.engine.GetVault().Balance)
	payout := 100*Base + closed.PnL - 5*Base
	assert.Equal(t, int64(10_000*Base-105*Base)+payout, env.transfer.balance(testTrader))

	_, err = env.engine.GetPositionByID(id)
	assert.ErrorIs(t, err, ErrPositionNotFound)
	p, err := env.engine.GetProduct(testProductID)
	require.NoError(t, err)
	assert.Zero(t, p.TotalOpenInterest())
	assert.Zero(t, env.engine.GetTotalOpenInterest())
	env.assertConserved(t)
}

func TestEngine_IncreaseMergesPosition(t *testing.T) {
	env := newTestEnv(t, func(c *EngineConfig) { c.UtilizationMultiplier = 30_000 })
	first := openLong(t, env, 100*Base, 10*Base)
	before, _ := env.engine.GetPositionByID(first)

	env.oracle.set("BTC", 102*Base)
	env.clock.Advance(time.Minute)
	second := openLong(t, env, 100*Base, 10*Base)
	require.Equal(t, first, second)

	after, err := env.engine.GetPositionByID(first)
	require.NoError(t, err)
	assert.Equal(t, int64(200*Base), after.Margin)
	assert.Equal(t, int64(10*Base), after.Leverage)
	assert.Greater(t, after.Price, before.Price)
	assert.Less(t, after.Price, int64(103*Base))
	assert.Equal(t, int64(102*Base), after.OraclePrice)
	assert.Equal(t, env.clock.Now().Unix(), after.Timestamp)
	assert.Len(t, env.engine.ListPositions(PositionFilter{Owner: testTrader}), 1)
	env.assertConserved(t)
}

func TestEngine_ConservationAcrossLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.transfer.fund("bob", 1000*Base)

	long := openLong(t, env, 100*Base, 5*Base)
	env.assertConserved(t)
	short, err := env.engine.OpenPosition(ctx, "bob", "bob", testProductID, 100*Base, 3*Base, false)
	require.NoError(t, err)
	env.assertConserved(t)

	require.NoError(t, env.engine.AddMargin(ctx, testTrader, long, 60*Base))
	env.assertConserved(t)

	env.oracle.set("BTC", 97*Base)
	require.NoError(t, env.engine.ClosePositionWithID(ctx, testTrader, long, 80*Base))
	env.assertConserved(t)

	env.funding.set(testProductID, -5_000_000_000)
	env.clock.Advance(13 * time.Hour)
	require.NoError(t, env.engine.ClosePositionWithID(ctx, "bob", short, 1000*Base))
	env.assertConserved(t)

	env.oracle.set("BTC", 70*Base)
	report, err := env.engine.LiquidatePositions(ctx, testLiquidator, []PositionID{long})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Liquidated())
	env.assertConserved(t)

	assert.Empty(t, env.engine.ListPositions(PositionFilter{}))
	assert.Zero(t, env.engine.GetTotalOpenInterest())
}

// =============================================================================
// 参数校验 / 容量
// =============================================================================

func TestEngine_LeverageBounds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	custody := env.transfer.held()

	cases := []struct {
		name     string
		margin   int64
		leverage int64
		err      error
	}{
		{"below 1x", 100 * Base, Base / 2, ErrInvalidLeverage},
		{"above max", 100 * Base, 21 * Base, ErrInvalidLeverage},
		{"margin too low", 10 * Base, 2 * Base, ErrMarginTooLow},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.engine.OpenPosition(ctx, testTrader, testTrader, testProductID, tc.margin, tc.leverage, true)
			assert.ErrorIs(t, err, tc.err)
		})
	}

	assert.Equal(t, custody, env.transfer.held())
	assert.Equal(t, int64(10_000*Base), env.transfer.balance(testTrader))
	assert.Empty(t, env.engine.ListPositions(PositionFilter{}))
	p, _ := env.engine.GetProduct(testProductID)
	assert.Zero(t, p.TotalOpenInterest())

	// 边界值本身是合法的
	id := openLong(t, env, 50*Base, 20*Base)
	pos, _ := env.engine.GetPositionByID(id)
	assert.Equal(t, int64(20*Base), pos.Leverage)
}

func TestEngine_ExposureBound(t *testing.T) {
	// 放开利用率，让产品敞口成为先触发的限制
	env := newTestEnv(t, func(c *EngineConfig) { c.UtilizationMultiplier = 100_000 })
	ctx := context.Background()

	openLong(t, env, 100*Base, 20*Base)
	_, err := env.engine.OpenPosition(ctx, testTrader, testTrader, testProductID, 100*Base, 20*Base, false)
	assert.ErrorIs(t, err, ErrExposureExceeded)

	p, _ := env.engine.GetProduct(testProductID)
	maxExposure, err := env.engine.GetMaxExposure(p.Weight)
	require.NoError(t, err)
	assert.LessOrEqual(t, p.TotalOpenInterest(), 3*maxExposure)
	assert.Equal(t, int64(2000*Base), p.OpenInterestLong)
	assert.Zero(t, p.OpenInterestShort)
	env.assertConserved(t)
}

func TestEngine_UtilizationBound(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	openLong(t, env, 100*Base, 10*Base) // OI 1000 = 金库余额
	_, err := env.engine.OpenPosition(ctx, testTrader, testTrader, testProductID, 50*Base, 2*Base, false)
	assert.ErrorIs(t, err, ErrUtilizationExceeded)
	assert.Equal(t, int64(1000*Base), env.engine.GetTotalOpenInterest())
}

// 合并/追加保证金后杠杆取整，全部平仓后持仓量仍然归零
func TestEngine_OpenInterestClearsAfterMerge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id := openLong(t, env, 60*Base, 10*Base)
	openLong(t, env, 70*Base, 3*Base)
	pos, err := env.engine.GetPositionByID(id)
	require.NoError(t, err)
	assert.Equal(t, int64(623076923), pos.Leverage) // 810 / 130 向下取整

	p, err := env.engine.GetProduct(testProductID)
	require.NoError(t, err)
	assert.Equal(t, int64(810*Base-10), p.OpenInterestLong)
	assert.Equal(t, p.OpenInterestLong, env.engine.GetTotalOpenInterest())

	require.NoError(t, env.engine.ClosePositionWithID(ctx, testTrader, id, 33*Base+7))
	require.NoError(t, env.engine.ClosePositionWithID(ctx, testTrader, id, pos.Margin))
	p, err = env.engine.GetProduct(testProductID)
	require.NoError(t, err)
	assert.Zero(t, p.OpenInterestLong)
	assert.Zero(t, env.engine.GetTotalOpenInterest())
	env.assertConserved(t)

	// 追加保证金同理
	id = openLong(t, env, 100*Base, 10*Base)
	require.NoError(t, env.engine.AddMargin(ctx, testTrader, id, 70*Base))
	p, err = env.engine.GetProduct(testProductID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000*Base-20), p.OpenInterestLong)

	require.NoError(t, env.engine.ClosePositionWithID(ctx, testTrader, id, 170*Base))
	assert.Zero(t, env.engine.GetTotalOpenInterest())
	env.assertConserved(t)
}

// 金库余额溢出时平仓失败，状态不变
func TestEngine_CloseOverflowLeavesStateUntouched(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := openLong(t, env, 100*Base, 10*Base)

	env.engine.st.Vault.Balance = math.MaxInt64 - 1
	env.oracle.set("BTC", 99*Base)
	err := env.engine.ClosePositionWithID(ctx, testTrader, id, 100*Base)
	require.ErrorIs(t, err, perp.ErrOverflow)

	pos, err := env.engine.GetPositionByID(id)
	require.NoError(t, err)
	assert.Equal(t, int64(100*Base), pos.Margin)
	assert.Equal(t, int64(math.MaxInt64-1), env.engine.GetVault().Balance)
	assert.Empty(t, env.events.OfType(event.TypeClosePosition))
}

func TestEngine_InactiveProduct(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	params := testProductParams()
	params.IsActive = false
	require.NoError(t, env.engine.UpdateProduct(ctx, testOwner, testProductID, params))

	_, err := env.engine.OpenPosition(ctx, testTrader, testTrader, testProductID, 100*Base, 2*Base, true)
	assert.ErrorIs(t, err, ErrProductInactive)
	_, err = env.engine.OpenPosition(ctx, testTrader, testTrader, 99, 100*Base, 2*Base, true)
	assert.ErrorIs(t, err, ErrProductNotFound)
}

// =============================================================================
// 保证金 / 平仓
// =============================================================================

func TestEngine_AddMarginLowersLeverage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := openLong(t, env, 100*Base, 10*Base)

	require.NoError(t, env.engine.AddMargin(ctx, testTrader, id, 100*Base))
	pos, _ := env.engine.GetPositionByID(id)
	assert.Equal(t, int64(200*Base), pos.Margin)
	assert.Equal(t, int64(5*Base), pos.Leverage)

	assert.ErrorIs(t, env.engine.AddMargin(ctx, testTrader, id, Base), ErrMarginTooLow)
	assert.ErrorIs(t, env.engine.AddMargin(ctx, "mallory", id, 100*Base), ErrNotAllowed)
	assert.ErrorIs(t, env.engine.AddMargin(ctx, testTrader, "missing", 100*Base), ErrPositionNotFound)

	// 杠杆不能被稀释到 1x 以下
	env.transfer.fund(testTrader, 10_000*Base)
	assert.ErrorIs(t, env.engine.AddMargin(ctx, testTrader, id, 1000*Base), ErrInvalidLeverage)
	env.assertConserved(t)
}

func TestEngine_PartialClose(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := openLong(t, env, 100*Base, 10*Base)

	require.NoError(t, env.engine.ClosePositionWithID(ctx, testTrader, id, 40*Base))
	pos, err := env.engine.GetPositionByID(id)
	require.NoError(t, err)
	assert.Equal(t, int64(60*Base), pos.Margin)
	assert.Equal(t, int64(10*Base), pos.Leverage)

	p, _ := env.engine.GetProduct(testProductID)
	assert.Equal(t, int64(600*Base), p.OpenInterestLong)
	assert.Equal(t, int64(2*Base), env.lastClose(t).Fee)
	env.assertConserved(t)

	assert.ErrorIs(t, env.engine.ClosePositionWithID(ctx, testTrader, id, 0), ErrInvalidAmount)
	assert.ErrorIs(t, env.engine.ClosePositionWithID(ctx, "mallory", id, 10*Base), ErrNotAllowed)
}

func TestEngine_CloseBeyondThresholdBecomesLiquidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := openLong(t, env, 100*Base, 10*Base)
	balance := env.transfer.balance(testTrader)

	env.oracle.set("BTC", 91*Base)
	// 只平一半，但亏损越线，升级为全平
	require.NoError(t, env.engine.ClosePositionWithID(ctx, testTrader, id, 50*Base))

	closed := env.lastClose(t)
	assert.True(t, closed.WasLiquidated)
	assert.Equal(t, int64(100*Base), closed.Margin)
	assert.Equal(t, int64(-100*Base), closed.PnL)
	assert.Equal(t, balance, env.transfer.balance(testTrader))
	// 保证金全部进金库，平仓费再从金库划到奖励池
	assert.Equal(t, int64(1095*Base), env.engine.GetVault().Balance)

	_, err := env.engine.GetPositionByID(id)
	assert.ErrorIs(t, err, ErrPositionNotFound)
	env.assertConserved(t)
}

func TestEngine_ProfitGate(t *testing.T) {
	t.Run("small move within min profit time", func(t *testing.T) {
		env := newTestEnv(t)
		id := openLong(t, env, 100*Base, 10*Base)
		env.oracle.set("BTC", 100_50_000_000) // +0.5%，小于 1% 价格带
		require.NoError(t, env.engine.ClosePositionWithID(context.Background(), testTrader, id, 100*Base))
		assert.Zero(t, env.lastClose(t).PnL)
		env.assertConserved(t)
	})

	t.Run("small move after min profit time", func(t *testing.T) {
		env := newTestEnv(t)
		id := openLong(t, env, 100*Base, 10*Base)
		env.clock.Advance(13 * time.Hour)
		env.oracle.set("BTC", 100_50_000_000)
		require.NoError(t, env.engine.ClosePositionWithID(context.Background(), testTrader, id, 100*Base))
		assert.Positive(t, env.lastClose(t).PnL)
		env.assertConserved(t)
	})

	t.Run("next price manager on both legs", func(t *testing.T) {
		env := newTestEnv(t)
		ctx := context.Background()
		const np = "np-keeper"
		require.NoError(t, env.engine.SetManager(ctx, testOwner, np, true))
		require.NoError(t, env.engine.SetNextPriceManager(ctx, testOwner, np, true))
		require.NoError(t, env.engine.SetAccountManager(ctx, testTrader, np, true))
		env.transfer.fund(np, 1000*Base)

		id, err := env.engine.OpenPosition(ctx, np, testTrader, testProductID, 100*Base, 10*Base, true)
		require.NoError(t, err)
		pos, _ := env.engine.GetPositionByID(id)
		assert.True(t, pos.IsNextPrice)
		assert.Equal(t, testTrader, pos.Owner)

		env.oracle.set("BTC", 100_50_000_000)
		require.NoError(t, env.engine.ClosePositionWithID(ctx, np, id, 100*Base))
		assert.Positive(t, env.lastClose(t).PnL)
		env.assertConserved(t)
	})
}

func TestEngine_FundingOnClose(t *testing.T) {
	env := newTestEnv(t)
	id := openLong(t, env, 100*Base, 10*Base)

	// 名义 1000，累计值上涨 1% → 多头付 10
	env.funding.set(testProductID, FundingBase/100)
	require.NoError(t, env.engine.ClosePositionWithID(context.Background(), testTrader, id, 100*Base))

	assert.Equal(t, int64(10*Base), env.lastClose(t).FundingPayment)
	assert.Contains(t, env.funding.updates, testProductID)
	env.assertConserved(t)
}

func TestEngine_FailedPayoutLeavesStateUnchanged(t *testing.T) {
	env := newTestEnv(t)
	id := openLong(t, env, 100*Base, 10*Base)
	vault := env.engine.GetVault()
	custody := env.transfer.held()

	env.transfer.failOut = true
	err := env.engine.ClosePositionWithID(context.Background(), testTrader, id, 100*Base)
	assert.ErrorIs(t, err, errTransferFailed)

	pos, err := env.engine.GetPositionByID(id)
	require.NoError(t, err)
	assert.Equal(t, int64(100*Base), pos.Margin)
	assert.Equal(t, vault, env.engine.GetVault())
	assert.Equal(t, custody, env.transfer.held())
	assert.Empty(t, env.events.OfType(event.TypeClosePosition))
}

// =============================================================================
// 强平
// =============================================================================

func TestEngine_LiquidationIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := openLong(t, env, 100*Base, 10*Base)

	// 强平价 ≈ entry × (1 − 0.8/10) ≈ 92.09
	env.oracle.set("BTC", 92*Base)
	first, err := env.engine.LiquidatePositions(ctx, testLiquidator, []PositionID{id})
	require.NoError(t, err)
	require.Len(t, first.Results, 1)
	assert.True(t, first.Results[0].Liquidated)
	assert.Positive(t, first.TotalReward)
	assert.Equal(t, first.TotalReward, env.transfer.balance(testLiquidator))
	env.assertConserved(t)

	second, err := env.engine.LiquidatePositions(ctx, testLiquidator, []PositionID{id})
	require.NoError(t, err)
	require.Len(t, second.Results, 1)
	assert.False(t, second.Results[0].Liquidated)
	assert.NoError(t, second.Results[0].Err)
	assert.Zero(t, second.TotalReward)

	assert.Len(t, env.events.OfType(event.TypePositionLiquidated), 1)
	env.assertConserved(t)
}

func TestEngine_LiquidationSkipsHealthyAndMissing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := openLong(t, env, 100*Base, 10*Base)

	env.oracle.set("BTC", 95*Base)
	report, err := env.engine.LiquidatePositions(ctx, testLiquidator, []PositionID{id, "missing"})
	require.NoError(t, err)
	assert.Zero(t, report.Liquidated())
	assert.Len(t, report.Results, 2)

	_, err = env.engine.GetPositionByID(id)
	assert.NoError(t, err)
}

func TestEngine_LiquidationPermissions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := openLong(t, env, 100*Base, 10*Base)
	env.oracle.set("BTC", 80*Base)

	_, err := env.engine.LiquidatePositions(ctx, "random", []PositionID{id})
	assert.ErrorIs(t, err, ErrNotAllowed)

	cfg := env.engine.Config()
	cfg.AllowPublicLiquidator = true
	require.NoError(t, env.engine.SetParameters(ctx, testOwner, cfg))
	report, err := env.engine.LiquidatePositions(ctx, "random", []PositionID{id})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Liquidated())
	// 亏损超过保证金: 没有奖励，保证金全部归金库
	assert.Zero(t, report.TotalReward)
	assert.Equal(t, int64(1100*Base), env.engine.GetVault().Balance)
	env.assertConserved(t)
}

// =============================================================================
// 重入 / 权限
// =============================================================================

func TestEngine_ReentrantCallRejected(t *testing.T) {
	env := newTestEnv(t)
	var reentryErr error
	env.transfer.onIn = func(ctx context.Context) {
		reentryErr = env.engine.Stake(ctx, testTrader, testTrader, 100*Base)
	}

	openLong(t, env, 100*Base, 10*Base)
	assert.ErrorIs(t, reentryErr, ErrReentrant)

	// 正常调用不受影响
	env.transfer.onIn = nil
	require.NoError(t, env.engine.Stake(context.Background(), testTrader, testTrader, 100*Base))
	env.assertConserved(t)
}

// 回调丢了 ctx 也不会死锁
func TestEngine_DetachedReentryDoesNotDeadlock(t *testing.T) {
	env := newTestEnv(t)
	env.engine.guard.WaitTimeout = 20 * time.Millisecond
	var reentryErr error
	env.transfer.onIn = func(ctx context.Context) {
		reentryErr = env.engine.Stake(context.Background(), testTrader, testTrader, 100*Base)
	}

	openLong(t, env, 100*Base, 10*Base)
	assert.ErrorIs(t, reentryErr, ErrReentrant)
	assert.False(t, env.engine.guard.Held())

	env.transfer.onIn = nil
	require.NoError(t, env.engine.Stake(context.Background(), testTrader, testTrader, 100*Base))
	env.assertConserved(t)
}

func TestEngine_Authorization(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	assert.ErrorIs(t, env.engine.AddProduct(ctx, testTrader, 2, testProductParams()), ErrNotOwner)
	assert.ErrorIs(t, env.engine.UpdateVault(ctx, testTrader, 1, 1), ErrNotOwner)
	assert.ErrorIs(t, env.engine.SetManager(ctx, testTrader, testTrader, true), ErrNotOwner)

	// 替别人开仓需要 manager + 账户授权
	_, err := env.engine.OpenPosition(ctx, "bob", testTrader, testProductID, 100*Base, 2*Base, true)
	assert.ErrorIs(t, err, ErrNotAllowed)

	cfg := env.engine.Config()
	cfg.IsManagerOnlyForOpen = true
	require.NoError(t, env.engine.SetParameters(ctx, testOwner, cfg))
	_, err = env.engine.OpenPosition(ctx, testTrader, testTrader, testProductID, 100*Base, 2*Base, true)
	assert.ErrorIs(t, err, ErrNotAllowed)

	cfg.IsManagerOnlyForOpen = false
	cfg.IsTradeEnabled = false
	require.NoError(t, env.engine.SetParameters(ctx, testOwner, cfg))
	_, err = env.engine.OpenPosition(ctx, testTrader, testTrader, testProductID, 100*Base, 2*Base, true)
	assert.ErrorIs(t, err, ErrTradeDisabled)

	cfg.LiquidationBounty = FeeBase + 1
	assert.ErrorIs(t, env.engine.SetParameters(ctx, testOwner, cfg), ErrInvalidParameters)

	require.NoError(t, env.engine.SetOwner(ctx, testOwner, "new-owner"))
	assert.Equal(t, "new-owner", env.engine.Owner())
}

// =============================================================================
// 奖励
// =============================================================================

func TestEngine_DistributeRewards(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	openLong(t, env, 100*Base, 10*Base) // fee 5

	rewards := env.engine.GetRewards()
	assert.Equal(t, int64(1*Base), rewards.Protocol)
	assert.Equal(t, int64(1_50_000_000), rewards.Token)
	assert.Equal(t, int64(2_50_000_000), rewards.Vault)

	// Token 池不发
	paid, err := env.engine.DistributeRewards(ctx, testOwner, RewardReceivers{Protocol: "treasury", Vault: "lp-pool"})
	require.NoError(t, err)
	assert.Equal(t, rewards.Protocol, paid.Protocol)
	assert.Zero(t, paid.Token)
	assert.Equal(t, rewards.Vault, env.transfer.balance("lp-pool"))
	assert.Equal(t, RewardPools{ID: 1, Token: rewards.Token}, env.engine.GetRewards())
	env.assertConserved(t)

	_, err = env.engine.DistributeRewards(ctx, testTrader, RewardReceivers{Protocol: testTrader})
	assert.ErrorIs(t, err, ErrNotOwner)
}
