// 文件: pkg/futures/fee.go
// 手续费策略 (实现 FeeCalculator)
//
// 【规则】
// 1. 基础费率 = 产品费率
// 2. 账户有 VIP 等级 → 按等级折扣
// 3. 调用方是 manager (代客下单/条件单执行) → 可额外配置折扣
// 4. 结果不低于 MinFee

package futures

import "sync"

// FeeTier VIP 等级
type FeeTier struct {
	Name        string `yaml:"name" json:"name"`
	DiscountBps int64  `yaml:"discount_bps" json:"discount_bps"` // 折扣 (万分比)，2000 = 打八折
}

// TieredFeeCalculator 按账户等级打折的手续费计算器
type TieredFeeCalculator struct {
	mu       sync.RWMutex
	tiers    map[string]FeeTier // account → tier
	managers map[string]int64   // sender → 额外折扣 (万分比)
	minFee   int64
}

// NewTieredFeeCalculator 创建手续费计算器
func NewTieredFeeCalculator(minFee int64) *TieredFeeCalculator {
	return &TieredFeeCalculator{
		tiers:    make(map[string]FeeTier),
		managers: make(map[string]int64),
		minFee:   minFee,
	}
}

// SetTier 设置账户等级
func (c *TieredFeeCalculator) SetTier(account string, tier FeeTier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tiers[account] = tier
}

// SetSenderDiscount 设置调用方额外折扣
func (c *TieredFeeCalculator) SetSenderDiscount(sender string, discountBps int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if discountBps <= 0 {
		delete(c.managers, sender)
		return
	}
	c.managers[sender] = discountBps
}

// GetFee 计算实际费率
func (c *TieredFeeCalculator) GetFee(token string, baseFee int64, account, sender string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	fee := baseFee
	if tier, ok := c.tiers[account]; ok {
		fee = discount(fee, tier.DiscountBps)
	}
	if sender != account {
		if d, ok := c.managers[sender]; ok {
			fee = discount(fee, d)
		}
	}
	if fee < c.minFee {
		fee = c.minFee
	}
	return fee
}

func discount(fee, discountBps int64) int64 {
	if discountBps <= 0 {
		return fee
	}
	if discountBps >= FeeBase {
		return 0
	}
	return fee * (FeeBase - discountBps) / FeeBase
}
