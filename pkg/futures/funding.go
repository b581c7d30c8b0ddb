// 文件: pkg/futures/funding.go
// 资金费累计器
//
// 【核心公式】
// 年化费率 = Clamp((OI多 − OI空) × RateMultiplier / maxExposure, −MaxRate, MaxRate)
// 累计值 += 年化费率 × 经过秒数 / 365天
//
// 多头多 → 费率为正 → 多头付钱给金库 (对手方)
// 空头多 → 费率为负 → 空头付
//
// 【精度】
// 费率和累计值都是 FundingBase (1e12) 精度，1e12 = 100%
// 持仓应付资金费 = 名义价值 × (累计值现在 − 累计值开仓时) / FundingBase

package futures

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"perpx.com/pkg/risk/perp"
)

const (
	// FundingBase 资金费精度
	FundingBase = perp.FundingBase

	fundingYear = int64(365 * 24 * time.Hour / time.Second)
)

var ErrInvalidFundingConfig = errors.New("invalid funding config")

// =============================================================================
// 数据模型
// =============================================================================

// FundingState 每个产品的资金费累计状态
type FundingState struct {
	ProductID  uint64 `gorm:"column:product_id;primaryKey;autoIncrement:false" json:"product_id"`
	Cumulative int64  `gorm:"column:cumulative" json:"cumulative"`   // 累计值 (FundingBase 精度)
	Rate       int64  `gorm:"column:rate" json:"rate"`               // 最近一次使用的年化费率
	LastUpdate int64  `gorm:"column:last_update" json:"last_update"` // Unix 秒
}

// TableName GORM 表名
func (FundingState) TableName() string {
	return "perp_funding"
}

// FundingRateHistory 资金费率历史
type FundingRateHistory struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	ProductID  uint64 `gorm:"column:product_id;index:idx_product_time"`
	Rate       int64  `gorm:"column:rate"`
	Cumulative int64  `gorm:"column:cumulative"`
	Time       int64  `gorm:"column:time;index:idx_product_time"`
}

// TableName GORM 表名
func (FundingRateHistory) TableName() string {
	return "perp_funding_history"
}

// FundingRepository 资金费持久化 (可选)
type FundingRepository interface {
	LoadFunding(ctx context.Context) ([]FundingState, error)
	SaveFunding(ctx context.Context, st FundingState, history *FundingRateHistory) error
}

// =============================================================================
// 配置
// =============================================================================

// FundingConfig 资金费参数
type FundingConfig struct {
	// 完全失衡 (|OI多 − OI空| == maxExposure) 时的年化费率
	RateMultiplier int64 `yaml:"rate_multiplier"`
	// 年化费率上限
	MaxRate int64 `yaml:"max_rate"`
	// 每个产品可以单独固定费率 (覆盖计算值)
	FixedRates map[uint64]int64 `yaml:"fixed_rates"`
}

// DefaultFundingConfig 默认: 完全失衡时年化 100%，上限 500%
func DefaultFundingConfig() FundingConfig {
	return FundingConfig{
		RateMultiplier: FundingBase,
		MaxRate:        5 * FundingBase,
	}
}

// Validate 参数校验
func (c FundingConfig) Validate() error {
	if c.RateMultiplier < 0 || c.MaxRate < 0 {
		return ErrInvalidFundingConfig
	}
	return nil
}

// =============================================================================
// FundingService
// =============================================================================

// FundingService 资金费累计器 (实现 FundingManager)
type FundingService struct {
	mu     sync.RWMutex
	cfg    FundingConfig
	states map[uint64]*FundingState
	repo   FundingRepository
	clock  func() time.Time
}

// NewFundingService 创建资金费服务，repo 可以为 nil
func NewFundingService(cfg FundingConfig, repo FundingRepository, clock func() time.Time) (*FundingService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = time.Now
	}
	fixed := make(map[uint64]int64, len(cfg.FixedRates))
	for id, r := range cfg.FixedRates {
		fixed[id] = r
	}
	cfg.FixedRates = fixed
	return &FundingService{
		cfg:    cfg,
		states: make(map[uint64]*FundingState),
		repo:   repo,
		clock:  clock,
	}, nil
}

// Restore 从 repo 加载累计值
func (s *FundingService) Restore(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}
	states, err := s.repo.LoadFunding(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range states {
		st := states[i]
		s.states[st.ProductID] = &st
	}
	log.Printf("[Funding] restored %d products", len(states))
	return nil
}

// FundingRate 按快照计算年化费率
func (s *FundingService) FundingRate(productID uint64, snap MarketSnapshot) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rate(productID, snap)
}

func (s *FundingService) rate(productID uint64, snap MarketSnapshot) int64 {
	if fixed, ok := s.cfg.FixedRates[productID]; ok {
		return fixed
	}
	if snap.MaxExposure <= 0 {
		return 0
	}
	r, err := perp.MulDiv(snap.OpenInterestLong-snap.OpenInterestShort, s.cfg.RateMultiplier, snap.MaxExposure)
	if err != nil {
		// 溢出只可能发生在极端失衡时，直接取上限
		if snap.OpenInterestLong > snap.OpenInterestShort {
			return s.cfg.MaxRate
		}
		return -s.cfg.MaxRate
	}
	return clamp(r, -s.cfg.MaxRate, s.cfg.MaxRate)
}

// clamp 限制值在 [min, max] 范围内
func clamp(value, min, max int64) int64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// UpdateFunding 按上次更新到现在的时间累计资金费
//
// 首次调用只记录时间，不累计
func (s *FundingService) UpdateFunding(ctx context.Context, productID uint64, snap MarketSnapshot) error {
	now := s.clock().Unix()

	s.mu.Lock()
	st, ok := s.states[productID]
	if !ok {
		st = &FundingState{ProductID: productID, LastUpdate: now}
		s.states[productID] = st
		saved := *st
		s.mu.Unlock()
		return s.persist(ctx, saved, nil)
	}

	elapsed := now - st.LastUpdate
	if elapsed <= 0 {
		s.mu.Unlock()
		return nil
	}
	rate := s.rate(productID, snap)
	delta, err := perp.MulDiv(rate, elapsed, fundingYear)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	cumulative, err := perp.AddChecked(st.Cumulative, delta)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	st.Cumulative = cumulative
	st.Rate = rate
	st.LastUpdate = now
	saved := *st
	s.mu.Unlock()

	return s.persist(ctx, saved, &FundingRateHistory{
		ProductID:  productID,
		Rate:       rate,
		Cumulative: cumulative,
		Time:       now,
	})
}

// persist 持久化失败只记录日志，累计值以内存为准
func (s *FundingService) persist(ctx context.Context, st FundingState, h *FundingRateHistory) error {
	if s.repo == nil {
		return nil
	}
	if err := s.repo.SaveFunding(ctx, st, h); err != nil {
		log.Printf("[Funding] persist product %d failed: %v", st.ProductID, err)
	}
	return nil
}

// GetFunding 当前累计值
func (s *FundingService) GetFunding(productID uint64) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.states[productID]; ok {
		return st.Cumulative
	}
	return 0
}

// GetFundingInfo 资金费状态快照
func (s *FundingService) GetFundingInfo(productID uint64) (FundingState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[productID]
	if !ok {
		return FundingState{}, false
	}
	return *st, true
}

// SetFixedRate 固定某产品的年化费率，rate 为 nil 时恢复按失衡计算
func (s *FundingService) SetFixedRate(productID uint64, rate *int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rate == nil {
		delete(s.cfg.FixedRates, productID)
		return
	}
	s.cfg.FixedRates[productID] = *rate
}
