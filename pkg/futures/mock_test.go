package futures

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"perpx.com/pkg/event"
)

// =============================================================================
// Mock 协作方
// =============================================================================

// mockOracle 固定价格，无价差
type mockOracle struct {
	mu     sync.Mutex
	prices map[string]int64
}

func newMockOracle() *mockOracle {
	return &mockOracle{prices: make(map[string]int64)}
}

func (m *mockOracle) set(token string, price int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[token] = price
}

func (m *mockOracle) GetPrice(token string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prices[token]
	if !ok {
		return 0, ErrPriceNotFound
	}
	return p, nil
}

func (m *mockOracle) GetPriceMinMax(token string, isMax bool) (int64, error) {
	return m.GetPrice(token)
}

// mockFunding 手动设置累计值，记录 UpdateFunding 调用
type mockFunding struct {
	mu         sync.Mutex
	cumulative map[uint64]int64
	updates    []uint64
}

func newMockFunding() *mockFunding {
	return &mockFunding{cumulative: make(map[uint64]int64)}
}

func (m *mockFunding) set(productID uint64, v int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cumulative[productID] = v
}

func (m *mockFunding) UpdateFunding(ctx context.Context, productID uint64, snap MarketSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, productID)
	return nil
}

func (m *mockFunding) GetFunding(productID uint64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cumulative[productID]
}

// flatFee 直接用产品费率
type flatFee struct{}

func (flatFee) GetFee(token string, baseFee int64, account, sender string) int64 {
	return baseFee
}

// mockTransfer 内存账本，custody 是引擎托管账户余额
type mockTransfer struct {
	mu       sync.Mutex
	balances map[string]int64
	custody  int64

	failOut   bool
	failOutOn int // 第 N 次转出失败，0 不启用
	outCalls  int
	onIn      func(ctx context.Context) // 转入时回调，测试重入
}

var errTransferFailed = errors.New("transfer failed")

func newMockTransfer() *mockTransfer {
	return &mockTransfer{balances: make(map[string]int64)}
}

func (m *mockTransfer) fund(account string, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[account] += amount
}

func (m *mockTransfer) balance(account string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[account]
}

func (m *mockTransfer) held() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.custody
}

// failNthOut 从现在起第 n 次转出失败
func (m *mockTransfer) failNthOut(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOutOn = m.outCalls + n
}

func (m *mockTransfer) TransferIn(ctx context.Context, token, from string, amount int64) error {
	if m.onIn != nil {
		m.onIn(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balances[from] < amount {
		return errTransferFailed
	}
	m.balances[from] -= amount
	m.custody += amount
	return nil
}

func (m *mockTransfer) TransferOut(ctx context.Context, token, to string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outCalls++
	if m.failOut || m.outCalls == m.failOutOn || m.custody < amount {
		return errTransferFailed
	}
	m.custody -= amount
	m.balances[to] += amount
	return nil
}

// fakeClock 手动推进的时钟
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// =============================================================================
// 测试引擎
// =============================================================================

const (
	testOwner      = "owner"
	testLP         = "lp"
	testTrader     = "alice"
	testLiquidator = "keeper"
	testProductID  = uint64(1)
)

type testEnv struct {
	engine   *Engine
	oracle   *mockOracle
	funding  *mockFunding
	transfer *mockTransfer
	clock    *fakeClock
	events   *event.Recorder
}

func testProductParams() ProductParams {
	return ProductParams{
		Token:          "BTC",
		MaxLeverage:    20 * Base,
		Fee:            50,
		IsActive:       true,
		MinPriceChange: 100, // 1%
		Weight:         1,
		Reserve:        1_000_000 * Base,
	}
}

// newTestEnv 引擎 + 一个 BTC 产品 (价格 100) + LP 质押 1000
func newTestEnv(t *testing.T, mutate ...func(*EngineConfig)) *testEnv {
	t.Helper()
	cfg := DefaultEngineConfig()
	for _, fn := range mutate {
		fn(&cfg)
	}
	env := &testEnv{
		oracle:   newMockOracle(),
		funding:  newMockFunding(),
		transfer: newMockTransfer(),
		clock:    newFakeClock(),
		events:   &event.Recorder{},
	}
	engine, err := NewEngine(testOwner, cfg, Deps{
		Oracle:   env.oracle,
		Funding:  env.funding,
		Fees:     flatFee{},
		Transfer: env.transfer,
		Sink:     env.events,
		Clock:    env.clock.Now,
	})
	require.NoError(t, err)
	env.engine = engine

	ctx := context.Background()
	env.oracle.set("BTC", 100*Base)
	require.NoError(t, engine.AddProduct(ctx, testOwner, testProductID, testProductParams()))
	require.NoError(t, engine.SetLiquidator(ctx, testOwner, testLiquidator, true))

	env.transfer.fund(testLP, 10_000*Base)
	env.transfer.fund(testTrader, 10_000*Base)
	require.NoError(t, engine.Stake(ctx, testLP, testLP, 1000*Base))
	return env
}

// assertConserved 托管余额 = Σ保证金 + 金库余额 + 待分配奖励
func (env *testEnv) assertConserved(t *testing.T) {
	t.Helper()
	var margins int64
	for _, p := range env.engine.ListPositions(PositionFilter{}) {
		margins += p.Margin
	}
	vault := env.engine.GetVault()
	rewards := env.engine.GetRewards()
	require.Equal(t, env.transfer.held(), margins+vault.Balance+rewards.Total(),
		"custody=%d margins=%d vault=%d rewards=%d", env.transfer.held(), margins, vault.Balance, rewards.Total())
}

func (env *testEnv) lastClose(t *testing.T) ClosePositionEvent {
	t.Helper()
	evs := env.events.OfType(event.TypeClosePosition)
	require.NotEmpty(t, evs)
	ev, ok := evs[len(evs)-1].Payload.(ClosePositionEvent)
	require.True(t, ok)
	return ev
}
