package perp

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrCurveSingularity = errors.New("notional exceeds virtual reserve")
	ErrInvalidCurve     = errors.New("invalid curve parameters")
	ErrInvalidPrice     = errors.New("invalid price")
)

// =============================================================================
// 成交价: 虚拟储备滑点曲线
// =============================================================================

// CurveInput 成交价计算输入
// 按 Memory Alignment 顺序排列：int64 在前，bool 在后
type CurveInput struct {
	OraclePrice  int64 // 预言机价格
	LongOI       int64 // 当前多头持仓量 (名义)
	ShortOI      int64 // 当前空头持仓量 (名义)
	MaxExposure  int64 // 该产品的最大敞口
	Reserve      int64 // 虚拟流动性深度
	Notional     int64 // 本次成交名义价值
	MaxShift     int64 // 多空失衡时的最大偏移 (Base 精度)
	ShiftDivider int64 // 顺势一方的偏移折半系数
	IsLong       bool  // 是否为买入方向 (开多/平空)
}

// ExecutionPrice 计算成交价
//
// 【核心公式】(类 x*y=k 的恒定乘积曲线)
//
//	多: slippage = (R² / (R − n) − R) / n
//	空: slippage = (R − R² / (R + n)) / n
//
// 再叠加失衡偏移 shift = (longOI − shortOI) × maxShift / maxExposure:
// 逆势一方 (加剧失衡) 承担完整 shift，顺势一方只享受 shift / divider
func ExecutionPrice(in CurveInput) (int64, error) {
	if in.Reserve <= 0 || in.MaxExposure <= 0 || in.ShiftDivider <= 0 || in.Notional <= 0 {
		return 0, ErrInvalidCurve
	}
	if in.OraclePrice <= 0 {
		return 0, ErrInvalidPrice
	}
	if in.Notional >= in.Reserve {
		return 0, ErrCurveSingularity
	}

	reserve := decimal.NewFromInt(in.Reserve)
	amount := decimal.NewFromInt(in.Notional)
	r2 := reserve.Mul(reserve)

	shift, err := quo(product(in.LongOI-in.ShortOI, in.MaxShift), decimal.NewFromInt(in.MaxExposure))
	if err != nil {
		return 0, err
	}

	var slippage int64
	if in.IsLong {
		q, _ := r2.QuoRem(reserve.Sub(amount), 0)
		slippage, err = quo(q.Sub(reserve).Mul(decBase), amount)
		if err != nil {
			return 0, err
		}
		if shift >= 0 {
			slippage += shift
		} else {
			slippage -= -shift / in.ShiftDivider
		}
	} else {
		q, _ := r2.QuoRem(reserve.Add(amount), 0)
		slippage, err = quo(reserve.Sub(q).Mul(decBase), amount)
		if err != nil {
			return 0, err
		}
		if shift >= 0 {
			slippage += shift / in.ShiftDivider
		} else {
			slippage -= -shift
		}
	}
	if slippage <= 0 {
		return 0, ErrInvalidPrice
	}

	return MulDiv(in.OraclePrice, slippage, Base)
}

// =============================================================================
// 盈亏 / 资金费
// =============================================================================

// PnL 计算盈亏
//
// 公式: pnl = margin × leverage × (exit − entry) / entry / Base
// 空头取反。截断方向向零，和先算绝对值再加符号一致
func PnL(isLong bool, entryPrice, leverage, margin, price int64) (int64, error) {
	if entryPrice <= 0 {
		return 0, ErrInvalidPrice
	}
	diff := price - entryPrice
	if !isLong {
		diff = -diff
	}
	return quo(product(margin, leverage, diff), product(entryPrice, Base))
}

// FundingPayment 计算资金费
//
// 返回正数 = 持仓方需要支付，负数 = 持仓方收取
// 多头: 累计值上涨时付钱; 空头相反
func FundingPayment(isLong bool, fundingNow, fundingAtEntry, margin, leverage int64) (int64, error) {
	delta := fundingNow - fundingAtEntry
	if !isLong {
		delta = -delta
	}
	return quo(product(margin, leverage, delta), product(Base, FundingBase))
}

// TradeFee 计算手续费
//
// 公式: fee = margin × leverage / Base × feeBps / FeeBase
// 注意是两次截断，先算名义价值再算费
func TradeFee(margin, leverage, feeBps int64) (int64, error) {
	notional, err := Notional(margin, leverage)
	if err != nil {
		return 0, err
	}
	return MulDiv(notional, feeBps, FeeBase)
}

// SplitMarginAndFee 把托管总额拆成保证金 + 手续费 (改杠杆时总额不变)
//
// 公式: margin = total × Base × FeeBase / (Base × FeeBase + leverage × feeBps)
// fee 取差额，保证 margin + fee == total
func SplitMarginAndFee(total, leverage, feeBps int64) (margin, fee int64, err error) {
	den := product(Base, FeeBase).Add(product(leverage, feeBps))
	margin, err = quo(product(total, Base, FeeBase), den)
	if err != nil {
		return 0, 0, err
	}
	return margin, total - margin, nil
}

// MaxExposure 计算单个产品允许的最大敞口
//
// 公式: balance × weight × exposureMultiplier / totalWeight / FeeBase
func MaxExposure(balance, weight, totalWeight, exposureMultiplier int64) (int64, error) {
	return quo(product(balance, weight, exposureMultiplier), product(totalWeight, FeeBase))
}

// =============================================================================
// 强平 / 防抢跑
// =============================================================================

// LiquidationPrice 计算强平价
//
// 多: entry × (1 − threshold / leverage)
// 空: entry × (1 + threshold / leverage)
//
// 例: 10x, threshold=80% → 多头跌 8% 触发
func LiquidationPrice(isLong bool, entryPrice, leverage, thresholdBps int64) (int64, error) {
	offset, err := quo(product(entryPrice, thresholdBps, Base), product(FeeBase, leverage))
	if err != nil {
		return 0, err
	}
	if isLong {
		return entryPrice - offset, nil
	}
	return entryPrice + offset, nil
}

// LiquidationTriggered 当前价是否已越过强平价
func LiquidationTriggered(isLong bool, entryPrice, leverage, price, thresholdBps int64) (bool, error) {
	liqPrice, err := LiquidationPrice(isLong, entryPrice, leverage, thresholdBps)
	if err != nil {
		return false, err
	}
	if isLong {
		return price <= liqPrice, nil
	}
	return price >= liqPrice, nil
}

// CanRealizeProfit 防抢跑检查: 能否兑现浮盈
//
// 满足任一条件即可:
// 1. 持仓时间超过 minProfitTime
// 2. 预言机价格朝有利方向移动超过 minPriceChange (万分比)
// 两个条件都不满足时盈利记为 0
func CanRealizeProfit(isLong bool, entryTimestamp, entryOraclePrice, oraclePrice, minPriceChange, minProfitTime, now int64) bool {
	if now > entryTimestamp+minProfitTime {
		return true
	}
	if isLong {
		upper, err := MulDiv(entryOraclePrice, FeeBase+minPriceChange, FeeBase)
		return err == nil && oraclePrice > upper
	}
	lower, err := MulDiv(entryOraclePrice, FeeBase-minPriceChange, FeeBase)
	return err == nil && oraclePrice < lower
}

// =============================================================================
// 加仓合并
// =============================================================================

// Leg 一段持仓 (用于加仓合并)
type Leg struct {
	Margin   int64
	Leverage int64
	Price    int64
	Funding  int64
}

// Merge 按名义价值 (margin × leverage) 加权合并两段持仓
//
//	price    = Σ(m·l·p) / Σ(m·l)
//	funding  = Σ(m·l·f) / Σ(m·l)
//	leverage = Σ(m·l) / Σ(m)
//	margin   = Σ(m)
func Merge(a, b Leg) (Leg, error) {
	wa := product(a.Margin, a.Leverage)
	wb := product(b.Margin, b.Leverage)
	total := wa.Add(wb)

	price, err := quo(wa.Mul(decimal.NewFromInt(a.Price)).Add(wb.Mul(decimal.NewFromInt(b.Price))), total)
	if err != nil {
		return Leg{}, err
	}
	funding, err := quo(wa.Mul(decimal.NewFromInt(a.Funding)).Add(wb.Mul(decimal.NewFromInt(b.Funding))), total)
	if err != nil {
		return Leg{}, err
	}
	margin, err := AddChecked(a.Margin, b.Margin)
	if err != nil {
		return Leg{}, err
	}
	leverage, err := quo(total, decimal.NewFromInt(margin))
	if err != nil {
		return Leg{}, err
	}
	return Leg{Margin: margin, Leverage: leverage, Price: price, Funding: funding}, nil
}
