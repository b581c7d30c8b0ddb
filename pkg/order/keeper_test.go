package order

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpx.com/pkg/futures"
)

func testKeeperConfig() KeeperConfig {
	cfg := DefaultKeeperConfig()
	cfg.Address = testKeeper
	// 测试里手动驱动
	cfg.Interval = time.Hour
	cfg.BatchSize = 2
	return cfg
}

// recordingExecutor 记录批次
type recordingExecutor struct {
	mu      sync.Mutex
	batches [][2][]OrderRef
	err     error
	itemErr error // 每张单都以此失败
}

func (r *recordingExecutor) ExecuteOrders(ctx context.Context, sender string, open, closing []OrderRef, feeReceiver string) (BatchReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, [2][]OrderRef{open, closing})
	if r.err != nil {
		return BatchReport{}, r.err
	}
	report := BatchReport{}
	for _, ref := range open {
		report.Results = append(report.Results, newResult(KindOpen, ref, r.itemErr))
	}
	for _, ref := range closing {
		report.Results = append(report.Results, newResult(KindClose, ref, r.itemErr))
	}
	return report, nil
}

func TestKeeper_ExecutesTriggeredOrders(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.book.CreateOpenOrder(ctx, testTrader, longAbove(105*base))
	require.NoError(t, err)
	_, err = env.book.CreateCloseOrder(ctx, testTrader, stopBelow(101*base, 50*base))
	require.NoError(t, err)

	k, err := NewKeeper(testKeeperConfig(), env.index, env.oracle, env.engine, env.book, env.clock.Now)
	require.NoError(t, err)

	// 价格已满足平仓单，但执行延迟没到，不提交
	assert.Zero(t, k.RunOnce(ctx))

	env.clock.Advance(2 * time.Second)
	assert.Equal(t, 1, k.RunOnce(ctx))
	assert.Len(t, env.engine.closes, 1)

	env.oracle.set("BTC", 106*base)
	assert.Equal(t, 1, k.RunOnce(ctx))
	assert.Len(t, env.engine.opens, 1)
	assert.Zero(t, env.index.Len())
	assert.Equal(t, int64(2*testExecFee), env.balance(t, testKeeper))

	stats := k.GetStats()
	assert.Equal(t, 2, stats.Batches)
	assert.Equal(t, 2, stats.Executed)
	assert.Zero(t, stats.Failed)
}

func TestKeeper_SplitsBatches(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := env.book.CreateOpenOrder(ctx, testTrader, longAbove(100*base))
		require.NoError(t, err)
	}
	_, err := env.book.CreateCloseOrder(ctx, testTrader, stopBelow(100*base, 50*base))
	require.NoError(t, err)
	env.clock.Advance(2 * time.Second)

	exec := &recordingExecutor{}
	k, err := NewKeeper(testKeeperConfig(), env.index, env.oracle, env.engine, exec, env.clock.Now)
	require.NoError(t, err)

	assert.Equal(t, 4, k.CheckToken(ctx, "BTC"))
	require.Len(t, exec.batches, 2)
	assert.Len(t, exec.batches[0][0], 2)
	assert.Empty(t, exec.batches[0][1])
	assert.Len(t, exec.batches[1][0], 1)
	assert.Len(t, exec.batches[1][1], 1)

	// 未知价格源什么都不做
	assert.Zero(t, k.CheckToken(ctx, "DOGE"))
}

func TestKeeper_FailedBatchCounted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.book.CreateOpenOrder(ctx, testTrader, longAbove(100*base))
	require.NoError(t, err)
	env.clock.Advance(2 * time.Second)

	exec := &recordingExecutor{err: errors.New("boom")}
	k, err := NewKeeper(testKeeperConfig(), env.index, env.oracle, env.engine, exec, env.clock.Now)
	require.NoError(t, err)

	k.RunOnce(ctx)
	assert.Equal(t, 1, k.GetStats().FailedBatches)
}

func (r *recordingExecutor) setItemErr(err error) {
	r.mu.Lock()
	r.itemErr = err
	r.mu.Unlock()
}

func TestKeeper_FailingOrderBacksOff(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.book.CreateCloseOrder(ctx, testTrader, stopBelow(101*base, 50*base))
	require.NoError(t, err)
	env.clock.Advance(2 * time.Second)

	cfg := testKeeperConfig()
	cfg.RetryBackoff = time.Second
	cfg.MaxRetryBackoff = 4 * time.Second
	exec := &recordingExecutor{itemErr: futures.ErrPositionNotFound}
	k, err := NewKeeper(cfg, env.index, env.oracle, env.engine, exec, env.clock.Now)
	require.NoError(t, err)

	// 每秒一轮: 失败后等 1s / 2s / 4s / 4s
	var submitted []int
	for i := 0; i < 10; i++ {
		submitted = append(submitted, k.RunOnce(ctx))
		env.clock.Advance(time.Second)
	}
	assert.Equal(t, []int{1, 1, 0, 1, 0, 0, 0, 1, 0, 0}, submitted)

	stats := k.GetStats()
	assert.Equal(t, 4, stats.Failed)
	assert.Equal(t, 6, stats.Deferred)

	// 恢复后到点执行，成功即清掉退避
	exec.setItemErr(nil)
	env.clock.Advance(2 * time.Second)
	assert.Equal(t, 1, k.RunOnce(ctx))
	assert.Equal(t, 1, k.GetStats().Executed)
	assert.Equal(t, 1, k.RunOnce(ctx), "recording executor leaves the order indexed")
}

func TestKeeper_UpdatedOrderRetriesImmediately(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	o, err := env.book.CreateCloseOrder(ctx, testTrader, stopBelow(101*base, 50*base))
	require.NoError(t, err)
	env.clock.Advance(2 * time.Second)

	exec := &recordingExecutor{itemErr: futures.ErrPositionNotFound}
	k, err := NewKeeper(testKeeperConfig(), env.index, env.oracle, env.engine, exec, env.clock.Now)
	require.NoError(t, err)

	assert.Equal(t, 1, k.RunOnce(ctx))
	assert.Zero(t, k.RunOnce(ctx))

	// 改单后索引条目变了，不再等退避
	_, err = env.book.UpdateCloseOrder(ctx, testTrader, testTrader, o.Index, 50*base, 102*base, false)
	require.NoError(t, err)
	env.clock.Advance(2 * time.Second)
	assert.Equal(t, 1, k.RunOnce(ctx))

	// 撤单后退避状态被清掉
	env.clock.Advance(30 * time.Second)
	require.NoError(t, env.book.CancelCloseOrder(ctx, testTrader, testTrader, o.Index))
	k.RunOnce(ctx)
	k.retryMu.Lock()
	assert.Empty(t, k.retries)
	k.retryMu.Unlock()
}

func TestKeeper_PriceTriggerLoop(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.book.CreateOpenOrder(ctx, testTrader, longAbove(105*base))
	require.NoError(t, err)
	env.clock.Advance(2 * time.Second)

	k, err := NewKeeper(testKeeperConfig(), env.index, env.oracle, env.engine, env.book, env.clock.Now)
	require.NoError(t, err)
	k.Start()
	defer k.Stop()

	env.oracle.set("BTC", 106*base)
	k.OnPriceChange("BTC", 106*base)
	require.Eventually(t, func() bool {
		return len(env.book.ListOpenOrders(testTrader)) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestKeeperConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultKeeperConfig().Validate())
	cfg := DefaultKeeperConfig()
	cfg.BatchSize = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidKeeperConfig)

	cfg = DefaultKeeperConfig()
	cfg.MaxRetryBackoff = cfg.RetryBackoff - 1
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidKeeperConfig)
}
