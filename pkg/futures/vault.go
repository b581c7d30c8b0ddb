// 文件: pkg/futures/vault.go
// 保证金金库
//
// 【核心作用】
// 金库是所有交易者的对手方:
// - 交易者亏损 → 金库余额增加
// - 交易者盈利 → 金库付钱
// - LP 质押资金进入金库，按份额分享金库余额 (而不是本金)
//
// 份额对应 balance (随盈亏浮动)，staked 只记本金

package futures

import (
	"errors"

	"perpx.com/pkg/risk/perp"
)

// =============================================================================
// 错误定义
// =============================================================================

var (
	ErrVaultCapExceeded         = errors.New("vault cap exceeded")
	ErrInsufficientVaultBalance = errors.New("insufficient vault balance")
	ErrVaultInsolvent           = errors.New("vault has shares but no balance")
	ErrStakeTooLow              = errors.New("stake below minimum")
	ErrStakeNotFound            = errors.New("stake not found")
	ErrInvalidShares            = errors.New("invalid shares")
	ErrStakingPeriod            = errors.New("staking period not elapsed")
	ErrUtilizationExceeded      = errors.New("utilization exceeded")
)

// =============================================================================
// 数据模型
// =============================================================================

// Vault 金库 (全局单例，ID 固定为 1)
type Vault struct {
	ID            uint  `gorm:"primaryKey" json:"-"`
	Cap           int64 `gorm:"column:cap" json:"cap"`                       // 最大可质押本金
	Balance       int64 `gorm:"column:balance" json:"balance"`               // 当前背书资本 (随盈亏浮动)
	Staked        int64 `gorm:"column:staked" json:"staked"`                 // 累计质押本金
	Shares        int64 `gorm:"column:shares" json:"shares"`                 // 总份额
	StakingPeriod int64 `gorm:"column:staking_period" json:"staking_period"` // 最短锁定期 (秒)
	UpdatedAt     int64 `gorm:"column:updated_at" json:"updated_at"`
}

// TableName GORM 表名
func (Vault) TableName() string {
	return "perp_vault"
}

// Stake LP 质押记录
type Stake struct {
	Owner     string `gorm:"column:owner;primaryKey;type:varchar(64)" json:"owner"`
	Amount    int64  `gorm:"column:amount" json:"amount"`       // 本金
	Shares    int64  `gorm:"column:shares" json:"shares"`       // 份额
	Timestamp int64  `gorm:"column:timestamp" json:"timestamp"` // 最近一次质押时间 (锁定期从这里算)
}

// TableName GORM 表名
func (Stake) TableName() string {
	return "perp_stakes"
}

// RewardPools 待分配手续费池
//
// 手续费和强平剩余按比例拆到三个池子:
// - Protocol: 协议金库
// - Token: 治理代币质押者
// - Vault: LP (金库质押者)
type RewardPools struct {
	ID       uint  `gorm:"primaryKey" json:"-"`
	Protocol int64 `gorm:"column:protocol" json:"protocol"`
	Token    int64 `gorm:"column:token" json:"token"`
	Vault    int64 `gorm:"column:vault" json:"vault"`
}

// TableName GORM 表名
func (RewardPools) TableName() string {
	return "perp_reward_pools"
}

// Total 三个池子合计
func (r RewardPools) Total() int64 {
	return r.Protocol + r.Token + r.Vault
}

// =============================================================================
// 金库核心操作 (纯计算，调用方负责在事务内使用)
// =============================================================================

// SharesFor 计算质押 amount 应得的份额
//
// 首个质押者: shares = amount (1:1 建立初始汇率)
// 之后: shares = amount × totalShares / balance
func (v *Vault) SharesFor(amount int64) (int64, error) {
	if v.Shares == 0 {
		return amount, nil
	}
	if v.Balance <= 0 {
		return 0, ErrVaultInsolvent
	}
	return perp.MulDiv(amount, v.Shares, v.Balance)
}

// ValueOf 计算 shares 对应的金库价值 (按 balance 而不是 staked)
func (v *Vault) ValueOf(shares int64) (int64, error) {
	if v.Shares == 0 {
		return 0, nil
	}
	return perp.MulDiv(shares, v.Balance, v.Shares)
}

// Absorb 吸收交易者盈亏
//
// traderPnL < 0: 交易者亏损，金库收入
// traderPnL > 0: 交易者盈利，金库支付；余额不足直接失败
func (v *Vault) Absorb(traderPnL int64) error {
	if traderPnL > 0 && traderPnL > v.Balance {
		return ErrInsufficientVaultBalance
	}
	balance, err := perp.SubChecked(v.Balance, traderPnL)
	if err != nil {
		return err
	}
	v.Balance = balance
	return nil
}

// UtilizationLimit 金库允许的最大总持仓量 = balance × utilizationMultiplier
func (v *Vault) UtilizationLimit(utilizationMultiplier int64) (int64, error) {
	return perp.MulDiv(v.Balance, utilizationMultiplier, FeeBase)
}

// split 把一笔收入按比例拆到三个池子
// Vault 池拿剩余部分，保证三者之和精确等于 amount
func (r *RewardPools) split(amount, protocolRatio, tokenRatio int64) {
	if amount <= 0 {
		return
	}
	// 比例 <= FeeBase，商不会超过 amount，MulDiv 不会溢出
	protocol, _ := perp.MulDiv(amount, protocolRatio, FeeBase)
	token, _ := perp.MulDiv(amount, tokenRatio, FeeBase)
	r.Protocol += protocol
	r.Token += token
	r.Vault += amount - protocol - token
}
