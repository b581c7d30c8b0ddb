// 文件: pkg/futures/engine.go
// 永续交易引擎 - 门面
//
// 【职责】
// 1. 持有全部状态 (State) 和运营参数 (EngineConfig)
// 2. 对外暴露 stake / redeem / open / addMargin / close / liquidate
// 3. 每个操作: 鉴权 → 进入 Guard → 开 txn → 校验 + 计算 → 转账 → 提交
// 4. 提交后: 持久化 (Store) → 发事件 (Sink) → 更新指标
//
// 【并发模型】
// - guard: 串行化所有写操作，同时拒绝重入
// - stateMu: 只保护 "提交" 和 "只读查询" 之间的可见性
//   写操作本身已经被 guard 串行化，查询不需要排队等 guard

package futures

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"sync"
	"time"

	"perpx.com/pkg/event"
	"perpx.com/pkg/metrics"
	"perpx.com/pkg/risk/perp"
)

// =============================================================================
// 错误定义
// =============================================================================

var (
	ErrNotAllowed        = errors.New("not allowed")
	ErrNotOwner          = errors.New("not owner")
	ErrTradeDisabled     = errors.New("trade disabled")
	ErrMarginTooLow      = errors.New("margin below minimum")
	ErrInvalidLeverage   = errors.New("invalid leverage")
	ErrExposureExceeded  = errors.New("exposure exceeded")
	ErrInvalidParameters = errors.New("invalid engine parameters")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrVaultNegative     = errors.New("vault balance would go negative")
)

// =============================================================================
// 运营参数
// =============================================================================

// EngineConfig 引擎参数
type EngineConfig struct {
	Token string `yaml:"token"` // 结算代币，NativeToken 表示原生资产

	MinMargin             int64         `yaml:"min_margin"`
	ProtocolRewardRatio   int64         `yaml:"protocol_reward_ratio"` // 万分比
	TokenRewardRatio      int64         `yaml:"token_reward_ratio"`    // 万分比，剩余归 LP
	MaxShift              int64         `yaml:"max_shift"`             // Base 精度
	ShiftDivider          int64         `yaml:"shift_divider"`
	MinProfitTime         time.Duration `yaml:"min_profit_time"`
	LiquidationThreshold  int64         `yaml:"liquidation_threshold"` // 万分比
	LiquidationBounty     int64         `yaml:"liquidation_bounty"`    // 万分比
	ExposureMultiplier    int64         `yaml:"exposure_multiplier"`   // 万分比
	UtilizationMultiplier int64         `yaml:"utilization_multiplier"`
	MaxExposureMultiplier int64         `yaml:"max_exposure_multiplier"`

	CanUserStake          bool `yaml:"can_user_stake"`
	AllowPublicLiquidator bool `yaml:"allow_public_liquidator"`
	IsTradeEnabled        bool `yaml:"is_trade_enabled"`
	IsManagerOnlyForOpen  bool `yaml:"is_manager_only_for_open"`
	IsManagerOnlyForClose bool `yaml:"is_manager_only_for_close"`

	// 金库初始参数，之后通过 UpdateVault 调整
	VaultCap      int64         `yaml:"vault_cap"`
	StakingPeriod time.Duration `yaml:"staking_period"`
}

// DefaultEngineConfig 默认参数
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Token:                 NativeToken,
		MinMargin:             50 * Base,
		ProtocolRewardRatio:   2000,
		TokenRewardRatio:      3000,
		MaxShift:              300000, // 0.003
		ShiftDivider:          2,
		MinProfitTime:         12 * time.Hour,
		LiquidationThreshold:  8000,
		LiquidationBounty:     5000,
		ExposureMultiplier:    10000,
		UtilizationMultiplier: 10000,
		MaxExposureMultiplier: 3,
		CanUserStake:          true,
		AllowPublicLiquidator: false,
		IsTradeEnabled:        true,
		VaultCap:              1_000_000_000 * Base,
		StakingPeriod:         time.Hour,
	}
}

// Validate 参数校验
func (c EngineConfig) Validate() error {
	switch {
	case c.MinMargin <= 0:
		return fmt.Errorf("%w: min margin must be positive", ErrInvalidParameters)
	case c.LiquidationBounty < 0 || c.LiquidationBounty > FeeBase:
		return fmt.Errorf("%w: liquidation bounty out of range", ErrInvalidParameters)
	case c.LiquidationThreshold <= 0 || c.LiquidationThreshold > FeeBase:
		return fmt.Errorf("%w: liquidation threshold out of range", ErrInvalidParameters)
	case c.ProtocolRewardRatio < 0 || c.TokenRewardRatio < 0 || c.ProtocolRewardRatio+c.TokenRewardRatio > FeeBase:
		return fmt.Errorf("%w: reward ratios out of range", ErrInvalidParameters)
	case c.ShiftDivider <= 0:
		return fmt.Errorf("%w: shift divider must be positive", ErrInvalidParameters)
	case c.MaxShift < 0 || c.MaxShift > Base/100:
		return fmt.Errorf("%w: max shift out of range", ErrInvalidParameters)
	case c.ExposureMultiplier <= 0 || c.UtilizationMultiplier <= 0 || c.MaxExposureMultiplier <= 0:
		return fmt.Errorf("%w: multipliers must be positive", ErrInvalidParameters)
	case c.MinProfitTime < 0 || c.StakingPeriod < 0 || c.VaultCap < 0:
		return fmt.Errorf("%w: negative duration or cap", ErrInvalidParameters)
	}
	return nil
}

// =============================================================================
// Engine
// =============================================================================

// Deps 引擎依赖
type Deps struct {
	Oracle   Oracle
	Funding  FundingManager
	Fees     FeeCalculator
	Transfer Transferer
	Store    Store            // 可选
	Sink     event.Sink       // 可选
	Clock    func() time.Time // 可选，默认 time.Now
}

// Engine 永续交易引擎
type Engine struct {
	guard   *Guard
	stateMu sync.RWMutex
	st      *State
	cfg     EngineConfig

	// 角色 (stateMu 保护)
	owner             string
	managers          map[string]bool
	accountManagers   map[string]map[string]bool // account → manager → 授权
	liquidators       map[string]bool
	nextPriceManagers map[string]bool

	oracle   Oracle
	funding  FundingManager
	fees     FeeCalculator
	transfer Transferer
	store    Store
	sink     event.Sink
	clock    func() time.Time
}

// NewEngine 创建引擎
func NewEngine(owner string, cfg EngineConfig, deps Deps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Oracle == nil || deps.Funding == nil || deps.Fees == nil || deps.Transfer == nil {
		return nil, errors.New("engine: oracle, funding, fees and transfer are required")
	}
	if deps.Sink == nil {
		deps.Sink = event.Discard{}
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	st := NewState()
	st.Vault.Cap = cfg.VaultCap
	st.Vault.StakingPeriod = int64(cfg.StakingPeriod / time.Second)

	return &Engine{
		guard:             NewGuard(),
		st:                st,
		cfg:               cfg,
		owner:             owner,
		managers:          make(map[string]bool),
		accountManagers:   make(map[string]map[string]bool),
		liquidators:       make(map[string]bool),
		nextPriceManagers: make(map[string]bool),
		oracle:            deps.Oracle,
		funding:           deps.Funding,
		fees:              deps.Fees,
		transfer:          deps.Transfer,
		store:             deps.Store,
		sink:              deps.Sink,
		clock:             deps.Clock,
	}, nil
}

// Restore 从 Store 加载状态 (启动时调用一次)
func (e *Engine) Restore(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	ctx, release, err := e.guard.Enter(ctx)
	if err != nil {
		return err
	}
	defer release()

	st, err := e.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("restore state: %w", err)
	}
	st.recompute()

	e.stateMu.Lock()
	e.st = st
	e.stateMu.Unlock()

	log.Printf("[Engine] restored: products=%d positions=%d stakes=%d vault_balance=%d",
		len(st.Products), len(st.Positions), len(st.Stakes), st.Vault.Balance)
	e.observeVault(st.Vault, st.Products)
	return nil
}

func (e *Engine) now() int64 {
	return e.clock().Unix()
}

// commit 提交事务: 写回状态 → 持久化 → 发事件 → 指标
func (e *Engine) commit(ctx context.Context, t *txn) {
	e.stateMu.Lock()
	cs := t.commit()
	products := make(map[uint64]*Product, len(cs.Products))
	for i := range cs.Products {
		products[cs.Products[i].ID] = &cs.Products[i]
	}
	e.stateMu.Unlock()

	if e.store != nil {
		// 内存状态是权威数据，持久化失败只记录，不回滚
		if err := e.store.Apply(ctx, cs); err != nil {
			log.Printf("[Engine] persist changeset failed: %v", err)
		}
	}
	for _, ev := range cs.Events {
		e.sink.Emit(ev)
	}
	e.observeVault(cs.Vault, products)
}

func (e *Engine) observeVault(v Vault, products map[uint64]*Product) {
	metrics.VaultBalance.Set(float64(v.Balance) / Base)
	for id, p := range products {
		label := strconv.FormatUint(id, 10)
		metrics.OpenInterest.WithLabelValues(label, "long").Set(float64(p.OpenInterestLong) / Base)
		metrics.OpenInterest.WithLabelValues(label, "short").Set(float64(p.OpenInterestShort) / Base)
	}
}

// newEvent 事件时间统一取引擎时钟
func (e *Engine) newEvent(t event.Type, key string, payload any) event.Event {
	return event.New(t, key, e.now(), payload)
}

// =============================================================================
// 鉴权
// =============================================================================

// validateManager sender 是全局 manager 且被 account 授权
func (e *Engine) validateManager(account, sender string) bool {
	if !e.managers[sender] {
		return false
	}
	return e.accountManagers[account][sender]
}

func (e *Engine) isOwner(sender string) bool {
	return sender == e.owner
}

// =============================================================================
// 内部计算
// =============================================================================

// maxExposure 产品最大敞口 (按 txn 视角的金库余额)
func (e *Engine) maxExposure(t *txn, weight int64) (int64, error) {
	if t.totalWeight == 0 {
		return 0, nil
	}
	return perp.MaxExposure(t.vault.Balance, weight, t.totalWeight, e.cfg.ExposureMultiplier)
}

// snapshot 资金费快照
func (e *Engine) snapshot(t *txn, p *Product) (MarketSnapshot, error) {
	exposure, err := e.maxExposure(t, p.Weight)
	if err != nil {
		return MarketSnapshot{}, err
	}
	return MarketSnapshot{
		OpenInterestLong:  p.OpenInterestLong,
		OpenInterestShort: p.OpenInterestShort,
		MaxExposure:       exposure,
	}, nil
}

// accrueFunding 持仓量变化之前结算资金费
//
// 顺序很重要: 资金费要按变化之前的多空失衡计息。返回本次快照，
// 加仓时的敞口检查复用其中的 MaxExposure
func (e *Engine) accrueFunding(ctx context.Context, t *txn, p *Product) (MarketSnapshot, error) {
	snap, err := e.snapshot(t, p)
	if err != nil {
		return MarketSnapshot{}, err
	}
	if err := e.funding.UpdateFunding(ctx, p.ID, snap); err != nil {
		return MarketSnapshot{}, fmt.Errorf("update funding: %w", err)
	}
	return snap, nil
}

// increaseOpenInterest 加仓: 校验金库利用率和产品敞口
func (e *Engine) increaseOpenInterest(t *txn, p *Product, snap MarketSnapshot, amount int64, isLong bool) error {
	totalOI, err := perp.AddChecked(t.totalOI, amount)
	if err != nil {
		return err
	}
	limit, err := t.vault.UtilizationLimit(e.cfg.UtilizationMultiplier)
	if err != nil {
		return err
	}
	if totalOI > limit {
		return ErrUtilizationExceeded
	}

	long, short := p.OpenInterestLong, p.OpenInterestShort
	if isLong {
		long += amount
	} else {
		short += amount
	}
	productLimit, err := perp.MulDiv(snap.MaxExposure, e.cfg.MaxExposureMultiplier, 1)
	if err != nil {
		return err
	}
	if long+short > productLimit {
		return ErrExposureExceeded
	}

	t.totalOI = totalOI
	p.OpenInterestLong, p.OpenInterestShort = long, short
	p.UpdatedAt = e.now()
	return nil
}

// decreaseOpenInterest 减仓，减到 0 为止
func (e *Engine) decreaseOpenInterest(t *txn, p *Product, amount int64, isLong bool) {
	t.totalOI = saturatingSub(t.totalOI, amount)
	if isLong {
		p.OpenInterestLong = saturatingSub(p.OpenInterestLong, amount)
	} else {
		p.OpenInterestShort = saturatingSub(p.OpenInterestShort, amount)
	}
	p.UpdatedAt = e.now()
}

// trimOpenInterest 持仓改成 (margin, leverage) 后杠杆向下取整，
// 名义价值比 旧名义价值 + added 略小，差额从持仓量里扣掉。
// 这样每个方向的持仓量始终等于 Σ Notional(margin, leverage)，全部平仓后归零
func (e *Engine) trimOpenInterest(t *txn, p *Product, pos *Position, margin, leverage, added int64) error {
	prev, err := perp.Notional(pos.Margin, pos.Leverage)
	if err != nil {
		return err
	}
	if prev, err = perp.AddChecked(prev, added); err != nil {
		return err
	}
	cur, err := perp.Notional(margin, leverage)
	if err != nil {
		return err
	}
	if drift := prev - cur; drift > 0 {
		e.decreaseOpenInterest(t, p, drift, pos.IsLong)
	}
	return nil
}

func saturatingSub(a, b int64) int64 {
	if b >= a {
		return 0
	}
	return a - b
}

// executionPrice 按曲线计算成交价
func (e *Engine) executionPrice(t *txn, p *Product, isLong bool, notional int64) (int64, error) {
	oraclePrice, err := e.oracle.GetPriceMinMax(p.Token, isLong)
	if err != nil {
		return 0, fmt.Errorf("oracle price: %w", err)
	}
	exposure, err := e.maxExposure(t, p.Weight)
	if err != nil {
		return 0, err
	}
	if exposure <= 0 {
		return 0, ErrExposureExceeded
	}
	return perp.ExecutionPrice(perp.CurveInput{
		OraclePrice:  oraclePrice,
		LongOI:       p.OpenInterestLong,
		ShortOI:      p.OpenInterestShort,
		MaxExposure:  exposure,
		Reserve:      p.Reserve,
		Notional:     notional,
		MaxShift:     e.cfg.MaxShift,
		ShiftDivider: e.cfg.ShiftDivider,
		IsLong:       isLong,
	})
}

// =============================================================================
// 只读查询
// =============================================================================

// GetVault 金库快照
func (e *Engine) GetVault() Vault {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.st.Vault
}

// GetRewards 待分配奖励
func (e *Engine) GetRewards() RewardPools {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.st.Rewards
}

// GetTotalOpenInterest 全部产品持仓量合计
func (e *Engine) GetTotalOpenInterest() int64 {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.st.TotalOpenInterest
}

// GetProduct 产品快照
func (e *Engine) GetProduct(id uint64) (Product, error) {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	p, ok := e.st.Products[id]
	if !ok {
		return Product{}, ErrProductNotFound
	}
	return *p, nil
}

// ListProducts 所有产品 (按 ID 排序)
func (e *Engine) ListProducts() []Product {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	out := make([]Product, 0, len(e.st.Products))
	for _, p := range e.st.Products {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetPosition 按账户/产品/方向查持仓
func (e *Engine) GetPosition(account string, productID uint64, isLong bool) (Position, error) {
	return e.GetPositionByID(GetPositionID(account, productID, isLong))
}

// GetPositionByID 按持仓 ID 查
func (e *Engine) GetPositionByID(id PositionID) (Position, error) {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	p, ok := e.st.Positions[id]
	if !ok {
		return Position{}, ErrPositionNotFound
	}
	return *p, nil
}

// PositionFilter 持仓过滤条件，零值字段不过滤
type PositionFilter struct {
	Owner     string
	ProductID uint64
	IsLong    *bool
}

// ListPositions 按条件列出持仓 (强平 keeper 扫描用)
func (e *Engine) ListPositions(f PositionFilter) []Position {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	out := make([]Position, 0, len(e.st.Positions))
	for _, p := range e.st.Positions {
		if f.Owner != "" && p.Owner != f.Owner {
			continue
		}
		if f.ProductID != 0 && p.ProductID != f.ProductID {
			continue
		}
		if f.IsLong != nil && p.IsLong != *f.IsLong {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetStake LP 质押记录
func (e *Engine) GetStake(owner string) (Stake, error) {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	s, ok := e.st.Stakes[owner]
	if !ok {
		return Stake{}, ErrStakeNotFound
	}
	return *s, nil
}

// GetMaxExposure 按产品权重计算当前最大敞口
func (e *Engine) GetMaxExposure(weight int64) (int64, error) {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	if e.st.TotalWeight == 0 {
		return 0, nil
	}
	return perp.MaxExposure(e.st.Vault.Balance, weight, e.st.TotalWeight, e.cfg.ExposureMultiplier)
}

// Config 当前参数
func (e *Engine) Config() EngineConfig {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.cfg
}

// QuoteFeeRate 当前生效费率 (万分比)
func (e *Engine) QuoteFeeRate(productID uint64, account, sender string) (int64, error) {
	e.stateMu.RLock()
	p, ok := e.st.Products[productID]
	var token string
	var baseFee int64
	if ok {
		token, baseFee = p.Token, p.Fee
	}
	e.stateMu.RUnlock()
	if !ok {
		return 0, ErrProductNotFound
	}
	return e.fees.GetFee(token, baseFee, account, sender), nil
}

// QuoteTradeFee 按当前费率报价手续费 (挂单簿托管用)
func (e *Engine) QuoteTradeFee(productID uint64, margin, leverage int64, account, sender string) (int64, error) {
	feeBps, err := e.QuoteFeeRate(productID, account, sender)
	if err != nil {
		return 0, err
	}
	return perp.TradeFee(margin, leverage, feeBps)
}
