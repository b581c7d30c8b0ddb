// 文件: pkg/liquidation/executor.go
// 强平执行器 - 把 keeper 的批次交给引擎

package liquidation

import (
	"context"
	"time"

	"perpx.com/pkg/futures"
	"perpx.com/pkg/metrics"
)

// Liquidator 引擎的批量强平入口 (*futures.Engine 实现)
type Liquidator interface {
	LiquidatePositions(ctx context.Context, sender string, ids []futures.PositionID) (futures.LiquidationReport, error)
}

// EngineExecutor 调引擎 LiquidatePositions 的执行器
//
// 引擎对单条失败是容错的: 已被平掉或价格回落的持仓奖励为 0，
// 单条出错只记在结果里，不影响同批其它持仓
type EngineExecutor struct {
	engine  Liquidator
	address string
}

var _ Executor = (*EngineExecutor)(nil)

// NewEngineExecutor address 是 keeper 的 liquidator 地址，奖励打到这里
func NewEngineExecutor(engine Liquidator, address string) *EngineExecutor {
	return &EngineExecutor{engine: engine, address: address}
}

// Execute 执行一批强平
func (x *EngineExecutor) Execute(ctx context.Context, task LiquidationTask) LiquidationResult {
	result := LiquidationResult{Submitted: len(task.PositionIDs)}
	report, err := x.engine.LiquidatePositions(ctx, x.address, task.PositionIDs)
	result.ExecutedAt = time.Now()
	if err != nil {
		result.Error = err
		metrics.KeeperBatches.WithLabelValues("liquidation", "error").Inc()
		return result
	}

	for _, r := range report.Results {
		switch {
		case r.Err != nil:
			result.Failed++
		case r.Liquidated:
			result.Liquidated++
		default:
			result.Skipped++
		}
	}
	result.Reward = report.TotalReward
	metrics.KeeperBatches.WithLabelValues("liquidation", "ok").Inc()
	return result
}
