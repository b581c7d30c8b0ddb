// 文件: pkg/order/orderbook.go
// 条件单簿 - 门面
//
// 【职责】
// 1. 托管: 开仓单预收 margin + tradeFee + executionFee，平仓单预收 executionFee
// 2. keeper 在触发条件满足时执行: 挂单簿以自己的托管地址作为 sender 调引擎
// 3. 执行成功后把 executionFee 付给 keeper (或指定收款方)
//
// 【并发模型】与引擎相同:
// - guard: 串行化所有写操作并拒绝重入 (挂单簿的 guard 和引擎的 guard 相互独立)
// - mu: 只保护写操作提交和只读查询之间的可见性
//
// 【前置条件】
// 挂单簿地址必须是引擎的全局 manager，且被下单账户授权 (SetAccountManager)

package order

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"perpx.com/pkg/event"
	"perpx.com/pkg/futures"
	"perpx.com/pkg/risk/perp"
)

// =============================================================================
// 配置
// =============================================================================

// OrderBookConfig 挂单簿参数
type OrderBookConfig struct {
	// Address 挂单簿托管地址，也是调引擎时的 sender
	Address string `yaml:"address"`
	Token   string `yaml:"token"`

	MinExecutionFee     int64         `yaml:"min_execution_fee"`
	MinTimeExecuteDelay time.Duration `yaml:"min_time_execute_delay"`
	MinTimeCancelDelay  time.Duration `yaml:"min_time_cancel_delay"`
	AllowPublicKeeper   bool          `yaml:"allow_public_keeper"`

	// NodeID 雪花 ID 节点号，多实例时各不相同
	NodeID int64 `yaml:"node_id"`
}

// DefaultOrderBookConfig 默认参数
func DefaultOrderBookConfig() OrderBookConfig {
	return OrderBookConfig{
		Address:             "orderbook",
		Token:               futures.NativeToken,
		MinExecutionFee:     futures.Base / 100, // 0.01
		MinTimeExecuteDelay: 2 * time.Second,
		MinTimeCancelDelay:  30 * time.Second,
	}
}

var ErrInvalidOrderBookConfig = errors.New("invalid order book config")

// Validate 参数校验
func (c OrderBookConfig) Validate() error {
	switch {
	case c.Address == "":
		return fmt.Errorf("%w: address is required", ErrInvalidOrderBookConfig)
	case c.MinExecutionFee < 0:
		return fmt.Errorf("%w: negative min execution fee", ErrInvalidOrderBookConfig)
	case c.MinTimeExecuteDelay < 0 || c.MinTimeCancelDelay < 0:
		return fmt.Errorf("%w: negative delay", ErrInvalidOrderBookConfig)
	case c.NodeID < 0 || c.NodeID > 1023:
		return fmt.Errorf("%w: node id out of range", ErrInvalidOrderBookConfig)
	}
	return nil
}

// =============================================================================
// 依赖
// =============================================================================

// Engine 挂单簿调用的交易引擎 (*futures.Engine 实现)
type Engine interface {
	OpenPosition(ctx context.Context, sender, account string, productID uint64, margin, leverage int64, isLong bool) (futures.PositionID, error)
	ClosePosition(ctx context.Context, sender, account string, productID uint64, margin int64, isLong bool) error
	QuoteFeeRate(productID uint64, account, sender string) (int64, error)
	GetProduct(id uint64) (futures.Product, error)
	IsAccountManager(account, manager string) bool
}

var _ Engine = (*futures.Engine)(nil)

// Deps 挂单簿依赖
type Deps struct {
	Engine   Engine
	Oracle   futures.Oracle
	Transfer futures.Transferer // 挂单簿托管地址的划转
	Store    Store              // 可选
	Index    TriggerIndex       // 可选，默认内存索引
	Sink     event.Sink         // 可选
	Clock    func() time.Time   // 可选
	IDs      IDGenerator        // 可选，默认按 NodeID 建雪花生成器
}

// =============================================================================
// OrderBook
// =============================================================================

// OrderBook 条件单簿
type OrderBook struct {
	guard *futures.Guard
	mu    sync.RWMutex
	cfg   OrderBookConfig

	owner   string
	keepers map[string]bool

	openOrders  map[OrderRef]*OpenOrder
	closeOrders map[OrderRef]*CloseOrder
	openNext    map[string]uint64 // account → 下一个开仓单 index
	closeNext   map[string]uint64
	unpaid      map[string]int64 // 收款方 → 欠付金额

	engine   Engine
	oracle   futures.Oracle
	transfer futures.Transferer
	store    Store
	index    TriggerIndex
	sink     event.Sink
	clock    func() time.Time
	ids      IDGenerator
}

// NewOrderBook 创建挂单簿
func NewOrderBook(owner string, cfg OrderBookConfig, deps Deps) (*OrderBook, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Engine == nil || deps.Oracle == nil || deps.Transfer == nil {
		return nil, errors.New("orderbook: engine, oracle and transfer are required")
	}
	if deps.Index == nil {
		deps.Index = NewMemoryTriggerIndex()
	}
	if deps.Sink == nil {
		deps.Sink = event.Discard{}
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.IDs == nil {
		ids, err := NewSnowflakeIDs(cfg.NodeID)
		if err != nil {
			return nil, err
		}
		deps.IDs = ids
	}
	return &OrderBook{
		guard:       futures.NewGuard(),
		cfg:         cfg,
		owner:       owner,
		keepers:     make(map[string]bool),
		openOrders:  make(map[OrderRef]*OpenOrder),
		closeOrders: make(map[OrderRef]*CloseOrder),
		openNext:    make(map[string]uint64),
		closeNext:   make(map[string]uint64),
		unpaid:      make(map[string]int64),
		engine:      deps.Engine,
		oracle:      deps.Oracle,
		transfer:    deps.Transfer,
		store:       deps.Store,
		index:       deps.Index,
		sink:        deps.Sink,
		clock:       deps.Clock,
		ids:         deps.IDs,
	}, nil
}

// TriggerIndex 触发价索引，keeper 从这里扫描候选单
func (b *OrderBook) TriggerIndex() TriggerIndex {
	return b.index
}

// Restore 从 Store 加载并重建触发价索引 (启动时调用一次)
func (b *OrderBook) Restore(ctx context.Context) error {
	if b.store == nil {
		return nil
	}
	ctx, release, err := b.guard.Enter(ctx)
	if err != nil {
		return err
	}
	defer release()

	snap, err := b.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("restore orders: %w", err)
	}

	b.mu.Lock()
	b.openOrders = make(map[OrderRef]*OpenOrder, len(snap.OpenOrders))
	b.closeOrders = make(map[OrderRef]*CloseOrder, len(snap.CloseOrders))
	b.openNext = make(map[string]uint64)
	b.closeNext = make(map[string]uint64)
	b.unpaid = make(map[string]int64, len(snap.UnpaidFees))
	for _, o := range snap.OpenOrders {
		b.openOrders[o.Ref()] = o
	}
	for _, o := range snap.CloseOrders {
		b.closeOrders[o.Ref()] = o
	}
	for _, c := range snap.Counters {
		if c.Kind == KindOpen {
			b.openNext[c.Account] = c.Next
		} else {
			b.closeNext[c.Account] = c.Next
		}
	}
	for _, f := range snap.UnpaidFees {
		b.unpaid[f.Receiver] = f.Amount
	}
	b.mu.Unlock()

	for _, o := range snap.OpenOrders {
		if e, err := b.openTrigger(o); err == nil {
			b.addTrigger(ctx, e)
		}
	}
	for _, o := range snap.CloseOrders {
		if e, err := b.closeTrigger(o); err == nil {
			b.addTrigger(ctx, e)
		}
	}
	log.Printf("[OrderBook] restored: open=%d close=%d unpaid=%d",
		len(snap.OpenOrders), len(snap.CloseOrders), len(snap.UnpaidFees))
	return nil
}

func (b *OrderBook) now() int64 {
	return b.clock().Unix()
}

func (b *OrderBook) newEvent(t event.Type, key string, payload any) event.Event {
	return event.New(t, key, b.now(), payload)
}

// commit 持久化 → 更新索引 → 发事件
func (b *OrderBook) commit(ctx context.Context, cs *Changeset) {
	if b.store != nil && !cs.empty() {
		// 内存状态是权威数据，持久化失败只记录
		if err := b.store.Apply(ctx, cs); err != nil {
			log.Printf("[OrderBook] persist changeset failed: %v", err)
		}
	}
	for _, ref := range cs.DeletedOpen {
		b.removeTrigger(ctx, KindOpen, ref)
	}
	for _, ref := range cs.DeletedClose {
		b.removeTrigger(ctx, KindClose, ref)
	}
	for _, e := range cs.Triggers {
		b.addTrigger(ctx, e)
	}
	for _, ev := range cs.Events {
		b.sink.Emit(ev)
	}
}

func (b *OrderBook) addTrigger(ctx context.Context, e TriggerEntry) {
	if err := b.index.Add(ctx, e); err != nil {
		log.Printf("[OrderBook] index %s order %s/%d failed: %v", e.Kind, e.Account, e.Index, err)
	}
}

func (b *OrderBook) removeTrigger(ctx context.Context, kind Kind, ref OrderRef) {
	if err := b.index.Remove(ctx, kind, ref); err != nil {
		log.Printf("[OrderBook] unindex %s order %s/%d failed: %v", kind, ref.Account, ref.Index, err)
	}
}

func (b *OrderBook) openTrigger(o *OpenOrder) (TriggerEntry, error) {
	p, err := b.engine.GetProduct(o.ProductID)
	if err != nil {
		return TriggerEntry{}, err
	}
	return TriggerEntry{
		Kind:         KindOpen,
		Account:      o.Account,
		Index:        o.Index,
		Token:        p.Token,
		TriggerPrice: o.TriggerPrice,
		Above:        o.TriggerAboveThreshold,
		ExecutableAt: o.OrderTimestamp + int64(b.cfg.MinTimeExecuteDelay/time.Second),
	}, nil
}

func (b *OrderBook) closeTrigger(o *CloseOrder) (TriggerEntry, error) {
	p, err := b.engine.GetProduct(o.ProductID)
	if err != nil {
		return TriggerEntry{}, err
	}
	return TriggerEntry{
		Kind:         KindClose,
		Account:      o.Account,
		Index:        o.Index,
		Token:        p.Token,
		TriggerPrice: o.TriggerPrice,
		Above:        o.TriggerAboveThreshold,
		ExecutableAt: o.OrderTimestamp + int64(b.cfg.MinTimeExecuteDelay/time.Second),
	}, nil
}

// =============================================================================
// 校验
// =============================================================================

// canActFor sender 是账户本人，或被账户授权的引擎 manager
func (b *OrderBook) canActFor(account, sender string) bool {
	return account == sender || b.engine.IsAccountManager(account, sender)
}

func (b *OrderBook) isKeeper(sender string) bool {
	return b.cfg.AllowPublicKeeper || b.keepers[sender]
}

// executable 下单后等够 MinTimeExecuteDelay
func (b *OrderBook) executable(orderTs int64) bool {
	return b.now() >= orderTs+int64(b.cfg.MinTimeExecuteDelay/time.Second)
}

// cancellable 下单后等够 MinTimeCancelDelay
func (b *OrderBook) cancellable(orderTs int64) bool {
	return b.now() >= orderTs+int64(b.cfg.MinTimeCancelDelay/time.Second)
}

// quoteTradeFee 按执行时的 sender (挂单簿地址) 报价
func (b *OrderBook) quoteTradeFee(productID uint64, account string, margin, leverage int64) (int64, error) {
	feeBps, err := b.engine.QuoteFeeRate(productID, account, b.cfg.Address)
	if err != nil {
		return 0, err
	}
	return perp.TradeFee(margin, leverage, feeBps)
}

// checkTrigger 用当前预言机价格校验触发条件，返回价格
func (b *OrderBook) checkTrigger(productID uint64, above bool, trigger int64) (int64, error) {
	p, err := b.engine.GetProduct(productID)
	if err != nil {
		return 0, err
	}
	price, err := b.oracle.GetPrice(p.Token)
	if err != nil {
		return 0, fmt.Errorf("oracle price: %w", err)
	}
	if !triggerMet(above, trigger, price) {
		return price, ErrTriggerNotMet
	}
	return price, nil
}

// payout 从托管地址付款，失败记为欠付 (之后 ClaimExecutionFees 领取)
func (b *OrderBook) payout(ctx context.Context, cs *Changeset, to string, amount int64) {
	if amount <= 0 {
		return
	}
	if err := b.transfer.TransferOut(ctx, b.cfg.Token, to, amount); err != nil {
		b.mu.Lock()
		b.unpaid[to] += amount
		owed := b.unpaid[to]
		b.mu.Unlock()
		cs.UnpaidFees = append(cs.UnpaidFees, UnpaidFee{Receiver: to, Amount: owed})
		log.Printf("[OrderBook] payout to %s failed, recorded as unpaid (%d): %v", to, amount, err)
	}
}

// =============================================================================
// 运营
// =============================================================================

// SetKeeper keeper 白名单
func (b *OrderBook) SetKeeper(ctx context.Context, sender, keeper string, active bool) error {
	return b.ownerOnly(ctx, sender, func() {
		if active {
			b.keepers[keeper] = true
		} else {
			delete(b.keepers, keeper)
		}
		log.Printf("[OrderBook] keeper %s active=%v", keeper, active)
	})
}

// SetParameters 更新参数 (托管地址和代币不能改)
func (b *OrderBook) SetParameters(ctx context.Context, sender string, cfg OrderBookConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	var err error
	ownerErr := b.ownerOnly(ctx, sender, func() {
		if cfg.Address != b.cfg.Address || cfg.Token != b.cfg.Token {
			err = fmt.Errorf("%w: address and token are immutable", ErrInvalidOrderBookConfig)
			return
		}
		b.cfg = cfg
		log.Printf("[OrderBook] parameters updated: %+v", cfg)
	})
	if ownerErr != nil {
		return ownerErr
	}
	return err
}

// SetOwner 转移 owner
func (b *OrderBook) SetOwner(ctx context.Context, sender, newOwner string) error {
	return b.ownerOnly(ctx, sender, func() {
		b.owner = newOwner
		log.Printf("[OrderBook] owner changed: %s", newOwner)
	})
}

func (b *OrderBook) ownerOnly(ctx context.Context, sender string, apply func()) error {
	_, release, err := b.guard.Enter(ctx)
	if err != nil {
		return err
	}
	defer release()

	if sender != b.owner {
		return futures.ErrNotOwner
	}
	b.mu.Lock()
	apply()
	b.mu.Unlock()
	return nil
}

// =============================================================================
// 查询
// =============================================================================

// Config 当前参数
func (b *OrderBook) Config() OrderBookConfig {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg
}

// IsKeeper 能否执行订单
func (b *OrderBook) IsKeeper(addr string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.isKeeper(addr)
}

// GetOpenOrder 查询开仓单
func (b *OrderBook) GetOpenOrder(account string, index uint64) (OpenOrder, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, ok := b.openOrders[OrderRef{account, index}]
	if !ok {
		return OpenOrder{}, ErrOrderNotFound
	}
	return *o, nil
}

// GetCloseOrder 查询平仓单
func (b *OrderBook) GetCloseOrder(account string, index uint64) (CloseOrder, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, ok := b.closeOrders[OrderRef{account, index}]
	if !ok {
		return CloseOrder{}, ErrOrderNotFound
	}
	return *o, nil
}

// ListOpenOrders 账户的开仓单 (按 index 排序)
func (b *OrderBook) ListOpenOrders(account string) []OpenOrder {
	b.mu.RLock()
	out := make([]OpenOrder, 0)
	for ref, o := range b.openOrders {
		if ref.Account == account {
			out = append(out, *o)
		}
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// ListCloseOrders 账户的平仓单 (按 index 排序)
func (b *OrderBook) ListCloseOrders(account string) []CloseOrder {
	b.mu.RLock()
	out := make([]CloseOrder, 0)
	for ref, o := range b.closeOrders {
		if ref.Account == account {
			out = append(out, *o)
		}
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// UnpaidFees 欠付金额
func (b *OrderBook) UnpaidFees(receiver string) int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.unpaid[receiver]
}

// TotalEscrow 托管总额 = Σ开仓单托管 + Σ平仓单执行费 + Σ欠付 (对账用)
func (b *OrderBook) TotalEscrow() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var total int64
	for _, o := range b.openOrders {
		total += o.Escrow()
	}
	for _, o := range b.closeOrders {
		total += o.ExecutionFee
	}
	for _, v := range b.unpaid {
		total += v
	}
	return total
}
