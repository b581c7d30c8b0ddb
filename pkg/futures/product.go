// 文件: pkg/futures/product.go
// 永续产品定义
//
// 设计目标:
// 1. 金额/杠杆统一用 int64 定点数 (1e8)，费率用万分比
// 2. 产品是金库敞口的分配单位: weight 决定它能占用多少金库资本
// 3. reserve 是虚拟流动性深度，决定滑点曲线有多陡

package futures

import (
	"errors"

	"perpx.com/pkg/risk/perp"
)

// =============================================================================
// 精度常量 (与 perp 包保持一致)
// =============================================================================

const (
	// Base 价格/金额/杠杆精度
	Base = perp.Base

	// FeeBase 费率精度 (万分比)
	FeeBase = perp.FeeBase

	// NativeToken 零地址哨兵: 表示链上原生资产而不是 ERC20
	NativeToken = "0x0000000000000000000000000000000000000000"
)

var (
	ErrProductNotFound = errors.New("product not found")
	ErrProductExists   = errors.New("product already exists")
	ErrProductInactive = errors.New("product not active")
	ErrInvalidProduct  = errors.New("invalid product params")
)

// =============================================================================
// Product - 永续产品 (核心结构)
// =============================================================================

// Product 永续产品
//
// 对手方是金库。成交价由 Reserve 决定的虚拟曲线给出，单笔名义价值越大滑点越大
type Product struct {
	// ===== 主键 =====
	ID uint64 `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`

	// ===== 标识 =====
	Token string `gorm:"column:token;type:varchar(64)" json:"token"` // 预言机价格源

	// ===== 交易参数 =====
	MaxLeverage    int64 `gorm:"column:max_leverage" json:"max_leverage"`         // Base 精度
	Fee            int64 `gorm:"column:fee" json:"fee"`                           // 万分比
	MinPriceChange int64 `gorm:"column:min_price_change" json:"min_price_change"` // 防抢跑价格带 (万分比)
	Weight         int64 `gorm:"column:weight" json:"weight"`                     // 金库敞口权重
	Reserve        int64 `gorm:"column:reserve" json:"reserve"`                   // 虚拟流动性深度

	// ===== 持仓量 =====
	OpenInterestLong  int64 `gorm:"column:open_interest_long" json:"open_interest_long"`
	OpenInterestShort int64 `gorm:"column:open_interest_short" json:"open_interest_short"`

	IsActive  bool  `gorm:"column:is_active" json:"is_active"`
	UpdatedAt int64 `gorm:"column:updated_at" json:"updated_at"`
}

// TableName GORM 表名
func (Product) TableName() string {
	return "perp_products"
}

// TotalOpenInterest 多空合计
func (p *Product) TotalOpenInterest() int64 {
	return p.OpenInterestLong + p.OpenInterestShort
}

// =============================================================================
// 运营参数
// =============================================================================

// ProductParams 新增/更新产品时可配置的字段
type ProductParams struct {
	Token          string `yaml:"token" json:"token"`
	MaxLeverage    int64  `yaml:"max_leverage" json:"max_leverage"`
	Fee            int64  `yaml:"fee" json:"fee"`
	IsActive       bool   `yaml:"is_active" json:"is_active"`
	MinPriceChange int64  `yaml:"min_price_change" json:"min_price_change"`
	Weight         int64  `yaml:"weight" json:"weight"`
	Reserve        int64  `yaml:"reserve" json:"reserve"`
}

const (
	maxProductFee      = 300  // 3%
	maxMinPriceChange  = 1000 // 10%
	minProductLeverage = Base // 1x
)

// ValidateProductParams 验证产品参数
func ValidateProductParams(p ProductParams) error {
	switch {
	case p.Token == "":
		return errors.Join(ErrInvalidProduct, errors.New("token is required"))
	case p.MaxLeverage < minProductLeverage:
		return errors.Join(ErrInvalidProduct, errors.New("max leverage must be at least 1x"))
	case p.Fee < 0 || p.Fee > maxProductFee:
		return errors.Join(ErrInvalidProduct, errors.New("fee must be between 0 and 3%"))
	case p.MinPriceChange < 0 || p.MinPriceChange > maxMinPriceChange:
		return errors.Join(ErrInvalidProduct, errors.New("min price change must be between 0 and 10%"))
	case p.Weight <= 0:
		return errors.Join(ErrInvalidProduct, errors.New("weight must be positive"))
	case p.Reserve <= 0:
		return errors.Join(ErrInvalidProduct, errors.New("reserve must be positive"))
	}
	return nil
}

// apply 把参数写入产品 (不动持仓量)
func (p *Product) apply(params ProductParams) {
	p.Token = params.Token
	p.MaxLeverage = params.MaxLeverage
	p.Fee = params.Fee
	p.IsActive = params.IsActive
	p.MinPriceChange = params.MinPriceChange
	p.Weight = params.Weight
	p.Reserve = params.Reserve
}
