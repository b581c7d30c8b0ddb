package perp

// Metrics 单条仓位的实时风控指标
type Metrics struct {
	Notional         int64   // 名义价值
	UnrealizedPnL    int64   // 未实现盈亏 (不含资金费)
	FundingOwed      int64   // 应付资金费 (正=付，负=收)
	LiquidationPrice int64   // 强平价
	RiskRatio        float64 // 亏损 / 强平亏损线，>= 1 触发强平
	Liquidatable     bool
}

// MetricsInput 计算指标需要的仓位快照
type MetricsInput struct {
	EntryPrice     int64
	Leverage       int64
	Margin         int64
	FundingAtEntry int64
	FundingNow     int64
	Price          int64 // 预言机当前价
	ThresholdBps   int64 // 强平阈值 (万分比)
	IsLong         bool
}

// CalculateMetrics 计算单条仓位的核心指标
//
// 风险率定义:
//
//	RiskRatio = (−pnl + funding) / (margin × threshold)
//
// 盈利时为负数，亏到强平线时为 1
func CalculateMetrics(in MetricsInput) (Metrics, error) {
	notional, err := Notional(in.Margin, in.Leverage)
	if err != nil {
		return Metrics{}, err
	}
	pnl, err := PnL(in.IsLong, in.EntryPrice, in.Leverage, in.Margin, in.Price)
	if err != nil {
		return Metrics{}, err
	}
	funding, err := FundingPayment(in.IsLong, in.FundingNow, in.FundingAtEntry, in.Margin, in.Leverage)
	if err != nil {
		return Metrics{}, err
	}
	liqPrice, err := LiquidationPrice(in.IsLong, in.EntryPrice, in.Leverage, in.ThresholdBps)
	if err != nil {
		return Metrics{}, err
	}
	triggered, err := LiquidationTriggered(in.IsLong, in.EntryPrice, in.Leverage, in.Price, in.ThresholdBps)
	if err != nil {
		return Metrics{}, err
	}

	// 强平亏损线 = margin × threshold
	lossLine := float64(in.Margin) * float64(in.ThresholdBps) / FeeBase
	var ratio float64
	if lossLine > 0 {
		ratio = float64(funding-pnl) / lossLine
	}

	return Metrics{
		Notional:         notional,
		UnrealizedPnL:    pnl,
		FundingOwed:      funding,
		LiquidationPrice: liqPrice,
		RiskRatio:        ratio,
		Liquidatable:     triggered,
	}, nil
}
