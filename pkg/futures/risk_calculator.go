// 文件: pkg/futures/risk_calculator.go
// 持仓风险视图 - 集成 pkg/risk/perp 模块
//
// 给强平 keeper 和 API 用的只读计算，不改状态、不进 guard

package futures

import (
	"fmt"

	"perpx.com/pkg/risk/perp"
)

// PositionRisk 持仓 + 实时风险指标
type PositionRisk struct {
	Position
	MarkPrice        int64   `json:"mark_price"`        // 当前预言机中间价
	Notional         int64   `json:"notional"`          // 名义价值
	UnrealizedPnL    int64   `json:"unrealized_pnl"`    // 未实现盈亏 (不含资金费)
	FundingOwed      int64   `json:"funding_owed"`      // 应付资金费 (正=付)
	LiquidationPrice int64   `json:"liquidation_price"` // 强平价
	RiskRatio        float64 `json:"risk_ratio"`        // >= 1 接近强平
	Liquidatable     bool    `json:"liquidatable"`
}

// PositionMetrics 单条持仓的风险指标
func (e *Engine) PositionMetrics(id PositionID) (perp.Metrics, error) {
	r, err := e.PositionRisk(id)
	if err != nil {
		return perp.Metrics{}, err
	}
	return perp.Metrics{
		Notional:         r.Notional,
		UnrealizedPnL:    r.UnrealizedPnL,
		FundingOwed:      r.FundingOwed,
		LiquidationPrice: r.LiquidationPrice,
		RiskRatio:        r.RiskRatio,
		Liquidatable:     r.Liquidatable,
	}, nil
}

// PositionRisk 单条持仓的风险视图
func (e *Engine) PositionRisk(id PositionID) (PositionRisk, error) {
	e.stateMu.RLock()
	pos, ok := e.st.Positions[id]
	var snapshot Position
	var token string
	if ok {
		snapshot = *pos
		if p, found := e.st.Products[pos.ProductID]; found {
			token = p.Token
		}
	}
	threshold := e.cfg.LiquidationThreshold
	e.stateMu.RUnlock()

	if !ok {
		return PositionRisk{}, ErrPositionNotFound
	}
	if token == "" {
		return PositionRisk{}, ErrProductNotFound
	}
	return e.calculateRisk(snapshot, token, threshold)
}

// ListPositionRisks 按条件批量计算，单条失败 (预言机缺价) 跳过
func (e *Engine) ListPositionRisks(f PositionFilter) []PositionRisk {
	positions := e.ListPositions(f)
	if len(positions) == 0 {
		return nil
	}

	e.stateMu.RLock()
	tokens := make(map[uint64]string, len(e.st.Products))
	for id, p := range e.st.Products {
		tokens[id] = p.Token
	}
	threshold := e.cfg.LiquidationThreshold
	e.stateMu.RUnlock()

	out := make([]PositionRisk, 0, len(positions))
	for _, pos := range positions {
		r, err := e.calculateRisk(pos, tokens[pos.ProductID], threshold)
		if err != nil {
			continue
		}
		out = append(out, r)
	}
	return out
}

// calculateRisk 按预言机中间价和当前资金费累计值计算
func (e *Engine) calculateRisk(pos Position, token string, threshold int64) (PositionRisk, error) {
	price, err := e.oracle.GetPrice(token)
	if err != nil {
		return PositionRisk{}, fmt.Errorf("oracle price: %w", err)
	}
	m, err := perp.CalculateMetrics(perp.MetricsInput{
		EntryPrice:     pos.Price,
		Leverage:       pos.Leverage,
		Margin:         pos.Margin,
		FundingAtEntry: pos.Funding,
		FundingNow:     e.funding.GetFunding(pos.ProductID),
		Price:          price,
		ThresholdBps:   threshold,
		IsLong:         pos.IsLong,
	})
	if err != nil {
		return PositionRisk{}, err
	}
	return PositionRisk{
		Position:         pos,
		MarkPrice:        price,
		Notional:         m.Notional,
		UnrealizedPnL:    m.UnrealizedPnL,
		FundingOwed:      m.FundingOwed,
		LiquidationPrice: m.LiquidationPrice,
		RiskRatio:        m.RiskRatio,
		Liquidatable:     m.Liquidatable,
	}, nil
}
