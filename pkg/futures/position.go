// 文件: pkg/futures/position.go
// 永续持仓数据结构
//
// 【存储策略】
// - 主存储: 引擎内存状态 (State)，所有判断都基于它
// - 镜像: MySQL/Postgres (持久化) + Redis (查询加速)
// - 强平 keeper: 通过 ListPositions 扫描

package futures

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
)

var (
	ErrPositionNotFound = errors.New("position not found")
)

// =============================================================================
// 持仓 ID
// =============================================================================

// PositionID 持仓唯一标识 = hash(account, productID, isLong)
// 同一账户/产品/方向最多一个持仓，加仓落在同一条记录上
type PositionID string

// GetPositionID 计算持仓 ID
func GetPositionID(account string, productID uint64, isLong bool) PositionID {
	h := sha256.New()
	h.Write([]byte(strings.ToLower(account)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatUint(productID, 10)))
	if isLong {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	return PositionID(hex.EncodeToString(h.Sum(nil)))
}

// =============================================================================
// Position - 用户持仓
// =============================================================================

// Position 一个账户在一个产品一个方向上的持仓
//
// 【关键字段】
// - Price: 成交均价 (曲线价格，含滑点)，用于计算盈亏
// - OraclePrice: 开仓时的预言机价格快照，只用于防抢跑判断
// - Funding: 开仓时的资金费累计值快照，平仓时取差值
type Position struct {
	ID        PositionID `gorm:"column:id;primaryKey;type:varchar(64)" json:"id"`
	Owner     string     `gorm:"column:owner;type:varchar(64);index" json:"owner"`
	ProductID uint64     `gorm:"column:product_id;index" json:"product_id"`

	// ===== 持仓状态 =====
	Margin      int64 `gorm:"column:margin" json:"margin"`             // 保证金
	Leverage    int64 `gorm:"column:leverage" json:"leverage"`         // 杠杆 (Base 精度)
	Price       int64 `gorm:"column:price" json:"price"`               // 成交均价
	OraclePrice int64 `gorm:"column:oracle_price" json:"oracle_price"` // 预言机价格快照
	Funding     int64 `gorm:"column:funding" json:"funding"`           // 资金费累计值快照
	Timestamp   int64 `gorm:"column:timestamp" json:"timestamp"`       // 最近一次开/加仓时间 (秒)

	IsLong      bool `gorm:"column:is_long" json:"is_long"`
	IsNextPrice bool `gorm:"column:is_next_price" json:"is_next_price"`
}

// TableName GORM 表名
func (Position) TableName() string {
	return "perp_positions"
}

// Side 方向字符串 (日志/指标用)
func (p *Position) Side() string {
	return sideLabel(p.IsLong)
}

func sideLabel(isLong bool) string {
	if isLong {
		return "long"
	}
	return "short"
}
