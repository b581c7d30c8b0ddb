package order

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"perpx.com/pkg/event"
	"perpx.com/pkg/fund"
	"perpx.com/pkg/futures"
	"perpx.com/pkg/risk/perp"
)

// =============================================================================
// Mock 协作方
// =============================================================================

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
		return 0, futures.ErrPriceNotFound
	}
	return p, nil
}

func (m *mockOracle) GetPriceMinMax(token string, isMax bool) (int64, error) {
	return m.GetPrice(token)
}

type openCall struct {
	sender, account string
	productID       uint64
	margin          int64
	leverage        int64
	isLong          bool
}

type closeCall struct {
	sender, account string
	productID       uint64
	size            int64
	isLong          bool
}

// mockEngine 从 sender 扣 margin + fee 到自己的托管地址，记录调用
type mockEngine struct {
	mu       sync.Mutex
	products map[uint64]futures.Product
	feeBps   int64
	approved map[string]map[string]bool // account → manager
	custody  *fund.Custody

	opens  []openCall
	closes []closeCall

	openErr  error
	closeErr error
	onOpen   func(ctx context.Context)
}

func newMockEngine(ledger fund.Ledger) *mockEngine {
	return &mockEngine{
		products: map[uint64]futures.Product{
			testProductID: {ID: testProductID, Token: "BTC", MaxLeverage: 20 * futures.Base, Fee: 50, IsActive: true},
		},
		feeBps:   50,
		approved: make(map[string]map[string]bool),
		custody:  fund.NewCustody(ledger, "engine"),
	}
}

func (m *mockEngine) approve(account, manager string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.approved[account] == nil {
		m.approved[account] = make(map[string]bool)
	}
	m.approved[account][manager] = true
}

func (m *mockEngine) setFee(bps int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feeBps = bps
}

func (m *mockEngine) OpenPosition(ctx context.Context, sender, account string, productID uint64, margin, leverage int64, isLong bool) (futures.PositionID, error) {
	if m.onOpen != nil {
		m.onOpen(ctx)
	}
	m.mu.Lock()
	err := m.openErr
	feeBps := m.feeBps
	m.mu.Unlock()
	if err != nil {
		return "", err
	}
	fee, err := perp.TradeFee(margin, leverage, feeBps)
	if err != nil {
		return "", err
	}
	if err := m.custody.TransferIn(ctx, futures.NativeToken, sender, margin+fee); err != nil {
		return "", err
	}
	m.mu.Lock()
	m.opens = append(m.opens, openCall{sender, account, productID, margin, leverage, isLong})
	m.mu.Unlock()
	return futures.GetPositionID(account, productID, isLong), nil
}

func (m *mockEngine) ClosePosition(ctx context.Context, sender, account string, productID uint64, margin int64, isLong bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closeErr != nil {
		return m.closeErr
	}
	m.closes = append(m.closes, closeCall{sender, account, productID, margin, isLong})
	return nil
}

func (m *mockEngine) QuoteFeeRate(productID uint64, account, sender string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.products[productID]; !ok {
		return 0, futures.ErrProductNotFound
	}
	return m.feeBps, nil
}

func (m *mockEngine) GetProduct(id uint64) (futures.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return futures.Product{}, futures.ErrProductNotFound
	}
	return p, nil
}

func (m *mockEngine) IsAccountManager(account, manager string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.approved[account][manager]
}

func (m *mockEngine) ListProducts() []futures.Product {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]futures.Product, 0, len(m.products))
	for _, p := range m.products {
		out = append(out, p)
	}
	return out
}

var errPayoutFailed = errors.New("payout failed")

// flakyTransfer 对指定收款方的 TransferOut 失败
type flakyTransfer struct {
	futures.Transferer
	mu     sync.Mutex
	failTo map[string]bool
}

func (f *flakyTransfer) fail(to string, on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failTo[to] = on
}

func (f *flakyTransfer) TransferOut(ctx context.Context, token, to string, amount int64) error {
	f.mu.Lock()
	fail := f.failTo[to]
	f.mu.Unlock()
	if fail {
		return errPayoutFailed
	}
	return f.Transferer.TransferOut(ctx, token, to, amount)
}

// memStore 把 Changeset 应用到内存表，模拟持久化
type memStore struct {
	mu       sync.Mutex
	open     map[OrderRef]OpenOrder
	closing  map[OrderRef]CloseOrder
	counters map[string]OrderCounter
	unpaid   map[string]int64
	history  []OrderHistory
	applies  int
}

func newMemStore() *memStore {
	return &memStore{
		open:     make(map[OrderRef]OpenOrder),
		closing:  make(map[OrderRef]CloseOrder),
		counters: make(map[string]OrderCounter),
		unpaid:   make(map[string]int64),
	}
}

func (s *memStore) Load(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := &Snapshot{}
	for _, o := range s.open {
		o := o
		snap.OpenOrders = append(snap.OpenOrders, &o)
	}
	for _, o := range s.closing {
		o := o
		snap.CloseOrders = append(snap.CloseOrders, &o)
	}
	for _, c := range s.counters {
		snap.Counters = append(snap.Counters, c)
	}
	for r, a := range s.unpaid {
		snap.UnpaidFees = append(snap.UnpaidFees, UnpaidFee{Receiver: r, Amount: a})
	}
	return snap, nil
}

func (s *memStore) Apply(ctx context.Context, cs *Changeset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applies++
	for _, o := range cs.OpenOrders {
		s.open[o.Ref()] = o
	}
	for _, ref := range cs.DeletedOpen {
		delete(s.open, ref)
	}
	for _, o := range cs.CloseOrders {
		s.closing[o.Ref()] = o
	}
	for _, ref := range cs.DeletedClose {
		delete(s.closing, ref)
	}
	for _, c := range cs.Counters {
		s.counters[c.Account+"/"+string(c.Kind)] = c
	}
	for _, f := range cs.UnpaidFees {
		if f.Amount == 0 {
			delete(s.unpaid, f.Receiver)
		} else {
			s.unpaid[f.Receiver] = f.Amount
		}
	}
	s.history = append(s.history, cs.History...)
	return nil
}

// =============================================================================
// 测试挂单簿
// =============================================================================

const (
	testOwner     = "owner"
	testTrader    = "alice"
	testKeeper    = "keeper"
	testBook      = "orderbook"
	testProductID = uint64(1)

	testExecFee = futures.Base / 100
)

type testEnv struct {
	book     *OrderBook
	engine   *mockEngine
	oracle   *mockOracle
	ledger   *fund.MemoryLedger
	transfer *flakyTransfer
	index    *MemoryTriggerIndex
	store    *memStore
	clock    *fakeClock
	events   *event.Recorder
}

func newTestEnv(t *testing.T, mutate ...func(*OrderBookConfig)) *testEnv {
	t.Helper()

	cfg := DefaultOrderBookConfig()
	cfg.Address = testBook
	cfg.MinExecutionFee = testExecFee
	for _, fn := range mutate {
		fn(&cfg)
	}

	ledger := fund.NewMemoryLedger()
	env := &testEnv{
		engine:   newMockEngine(ledger),
		oracle:   newMockOracle(),
		ledger:   ledger,
		transfer: &flakyTransfer{Transferer: fund.NewCustody(ledger, cfg.Address), failTo: make(map[string]bool)},
		index:    NewMemoryTriggerIndex(),
		store:    newMemStore(),
		clock:    newFakeClock(),
		events:   &event.Recorder{},
	}
	book, err := NewOrderBook(testOwner, cfg, Deps{
		Engine:   env.engine,
		Oracle:   env.oracle,
		Transfer: env.transfer,
		Store:    env.store,
		Index:    env.index,
		Sink:     env.events,
		Clock:    env.clock.Now,
	})
	require.NoError(t, err)
	env.book = book

	ctx := context.Background()
	env.oracle.set("BTC", 100*futures.Base)
	require.NoError(t, book.SetKeeper(ctx, testOwner, testKeeper, true))
	require.NoError(t, ledger.Deposit(ctx, futures.NativeToken, testTrader, 1000*futures.Base))
	return env
}

func (env *testEnv) balance(t *testing.T, account string) int64 {
	t.Helper()
	b, err := env.ledger.BalanceOf(context.Background(), futures.NativeToken, account)
	require.NoError(t, err)
	return b
}

// assertEscrowed 挂单簿托管余额 = Σ订单托管 + Σ欠付
func (env *testEnv) assertEscrowed(t *testing.T) {
	t.Helper()
	require.Equal(t, env.balance(t, testBook), env.book.TotalEscrow())
}

// longAbove 10x 多 100，价格涨到 trigger 时开仓
func longAbove(trigger int64) OpenOrderRequest {
	return OpenOrderRequest{
		Account:               testTrader,
		ProductID:             testProductID,
		Margin:                100 * futures.Base,
		Leverage:              10 * futures.Base,
		IsLong:                true,
		TriggerPrice:          trigger,
		TriggerAboveThreshold: true,
		ExecutionFee:          testExecFee,
	}
}

func stopBelow(trigger, size int64) CloseOrderRequest {
	return CloseOrderRequest{
		Account:      testTrader,
		ProductID:    testProductID,
		Size:         size,
		IsLong:       true,
		TriggerPrice: trigger,
		ExecutionFee: testExecFee,
	}
}
