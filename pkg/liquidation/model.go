// 文件: pkg/liquidation/model.go
// 风险分档 / 强平批次

package liquidation

import (
	"time"

	"perpx.com/pkg/futures"
)

// RiskLevel 风险档位，越大越接近强平
type RiskLevel int

const (
	RiskLevelSafe      RiskLevel = iota // 不进索引，只靠全量扫描
	RiskLevelWarning                    // 低频复查
	RiskLevelDanger                     // 中频复查
	RiskLevelCritical                   // 高频复查，并按价格源挂到喂价回调上
	RiskLevelLiquidate                  // 直接入强平队列
)

var levelNames = [...]string{"SAFE", "WARNING", "DANGER", "CRITICAL", "LIQUIDATE"}

func (l RiskLevel) String() string {
	if l < 0 || int(l) >= len(levelNames) {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// 风险率分档下限
const (
	ThresholdWarning   = 0.70
	ThresholdDanger    = 0.80
	ThresholdCritical  = 0.90
	ThresholdLiquidate = 1.00
)

// riskBands 从高到低匹配
var riskBands = []struct {
	floor float64
	level RiskLevel
}{
	{ThresholdLiquidate, RiskLevelLiquidate},
	{ThresholdCritical, RiskLevelCritical},
	{ThresholdDanger, RiskLevelDanger},
	{ThresholdWarning, RiskLevelWarning},
}

// CalculateRiskLevel 风险率 → 档位
func CalculateRiskLevel(riskRatio float64) RiskLevel {
	for _, b := range riskBands {
		if riskRatio >= b.floor {
			return b.level
		}
	}
	return RiskLevelSafe
}

// PositionRiskData 某条持仓在某一时刻的风险
//
// RiskRatio = (亏损 + 应付资金费) / (保证金 × 强平阈值)。
// 能不能强平以引擎的价格判断为准，见 classify
type PositionRiskData struct {
	PositionID futures.PositionID
	Owner      string
	ProductID  uint64
	Token      string // 产品价格源

	RiskRatio        float64
	UnrealizedPnL    int64 // 已扣应付资金费
	LiquidationPrice int64

	Level     RiskLevel
	UpdatedAt int64 // unix nano
}

// TaskSource 触发强平的路径
type TaskSource string

const (
	SourceScan    TaskSource = "scan"
	SourceChecker TaskSource = "checker"
	SourcePrice   TaskSource = "price"
)

// LiquidationTask 交给一次 LiquidatePositions 的持仓
type LiquidationTask struct {
	PositionIDs  []futures.PositionID
	Source       TaskSource
	MaxRiskRatio float64
	CreatedAt    time.Time
}

// LiquidationResult 一次批量强平的结果
//
// Error 非空表示整批被拒 (权限、重入、转账)，此时其余计数都没有意义
type LiquidationResult struct {
	Submitted  int
	Liquidated int
	Skipped    int // 已平仓或价格已回落
	Failed     int
	Reward     int64

	Error      error
	ExecutedAt time.Time
}

func (r LiquidationResult) Success() bool {
	return r.Error == nil
}
