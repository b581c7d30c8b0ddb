// 文件: pkg/order/model.go
// 条件单模型
//
// 每个账户两条独立队列: 开仓单 / 平仓单，
// 各自用账户内自增的 Index 编号 (account + index 唯一定位一张单)。
// ID 是全局雪花 ID，只用于日志/存储

package order

import (
	"errors"
)

// =============================================================================
// 错误定义
// =============================================================================

var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrExecuteTooEarly    = errors.New("order not executable yet")
	ErrCancelTooEarly     = errors.New("order not cancellable yet")
	ErrTriggerNotMet      = errors.New("trigger condition not met")
	ErrExecutionFeeTooLow = errors.New("execution fee too low")
	ErrTradeFeeChanged    = errors.New("trade fee increased since order creation")
	ErrNotKeeper          = errors.New("not keeper")
	ErrInvalidOrder       = errors.New("invalid order")
	ErrNothingToClaim     = errors.New("nothing to claim")
)

// Kind 条件单类型
type Kind string

const (
	KindOpen  Kind = "open"
	KindClose Kind = "close"
)

// Status 条件单终态 (历史表)
type Status string

const (
	StatusExecuted  Status = "executed"
	StatusCancelled Status = "cancelled"
)

// OrderRef 账户内定位一张单
type OrderRef struct {
	Account string `json:"account"`
	Index   uint64 `json:"index"`
}

// =============================================================================
// 开仓单
// =============================================================================

// OpenOrder 条件开仓单
//
// 创建时托管 margin + tradeFee + executionFee
type OpenOrder struct {
	ID                    int64  `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	Account               string `gorm:"column:account;type:varchar(64);uniqueIndex:uk_open_account_index" json:"account"`
	Index                 uint64 `gorm:"column:order_index;uniqueIndex:uk_open_account_index" json:"index"`
	ProductID             uint64 `gorm:"column:product_id" json:"product_id"`
	Margin                int64  `gorm:"column:margin" json:"margin"`
	Leverage              int64  `gorm:"column:leverage" json:"leverage"`
	TradeFee              int64  `gorm:"column:trade_fee" json:"trade_fee"`
	IsLong                bool   `gorm:"column:is_long" json:"is_long"`
	TriggerPrice          int64  `gorm:"column:trigger_price" json:"trigger_price"`
	TriggerAboveThreshold bool   `gorm:"column:trigger_above" json:"trigger_above_threshold"`
	ExecutionFee          int64  `gorm:"column:execution_fee" json:"execution_fee"`
	OrderTimestamp        int64  `gorm:"column:order_ts" json:"order_timestamp"` // Unix 秒
}

// TableName GORM 表名
func (OpenOrder) TableName() string {
	return "perp_open_orders"
}

// Ref 定位
func (o *OpenOrder) Ref() OrderRef {
	return OrderRef{Account: o.Account, Index: o.Index}
}

// Escrow 托管总额
func (o *OpenOrder) Escrow() int64 {
	return o.Margin + o.TradeFee + o.ExecutionFee
}

// =============================================================================
// 平仓单
// =============================================================================

// CloseOrder 条件平仓单，Size 是要平掉的保证金
//
// 创建时只托管 executionFee
type CloseOrder struct {
	ID                    int64  `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	Account               string `gorm:"column:account;type:varchar(64);uniqueIndex:uk_close_account_index" json:"account"`
	Index                 uint64 `gorm:"column:order_index;uniqueIndex:uk_close_account_index" json:"index"`
	ProductID             uint64 `gorm:"column:product_id" json:"product_id"`
	Size                  int64  `gorm:"column:size" json:"size"`
	IsLong                bool   `gorm:"column:is_long" json:"is_long"`
	TriggerPrice          int64  `gorm:"column:trigger_price" json:"trigger_price"`
	TriggerAboveThreshold bool   `gorm:"column:trigger_above" json:"trigger_above_threshold"`
	ExecutionFee          int64  `gorm:"column:execution_fee" json:"execution_fee"`
	OrderTimestamp        int64  `gorm:"column:order_ts" json:"order_timestamp"`
}

// TableName GORM 表名
func (CloseOrder) TableName() string {
	return "perp_close_orders"
}

// Ref 定位
func (o *CloseOrder) Ref() OrderRef {
	return OrderRef{Account: o.Account, Index: o.Index}
}

// =============================================================================
// 其它持久化记录
// =============================================================================

// OrderCounter 账户下一张单的 Index
type OrderCounter struct {
	Account string `gorm:"column:account;primaryKey;type:varchar(64)"`
	Kind    Kind   `gorm:"column:kind;primaryKey;type:varchar(8)"`
	Next    uint64 `gorm:"column:next_index"`
}

// TableName GORM 表名
func (OrderCounter) TableName() string {
	return "perp_order_counters"
}

// UnpaidFee 没打出去的执行费 / 退款，可领取
type UnpaidFee struct {
	Receiver string `gorm:"column:receiver;primaryKey;type:varchar(64)" json:"receiver"`
	Amount   int64  `gorm:"column:amount" json:"amount"`
}

// TableName GORM 表名
func (UnpaidFee) TableName() string {
	return "perp_unpaid_fees"
}

// OrderHistory 已结束的单 (执行/撤销)
type OrderHistory struct {
	ID           int64  `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	Kind         Kind   `gorm:"column:kind;type:varchar(8)" json:"kind"`
	Account      string `gorm:"column:account;type:varchar(64);index:idx_history_account" json:"account"`
	Index        uint64 `gorm:"column:order_index" json:"index"`
	ProductID    uint64 `gorm:"column:product_id" json:"product_id"`
	IsLong       bool   `gorm:"column:is_long" json:"is_long"`
	Amount       int64  `gorm:"column:amount" json:"amount"` // 开仓单: margin; 平仓单: size
	Leverage     int64  `gorm:"column:leverage" json:"leverage,omitempty"`
	TriggerPrice int64  `gorm:"column:trigger_price" json:"trigger_price"`
	Status       Status `gorm:"column:status;type:varchar(16)" json:"status"`
	Price        int64  `gorm:"column:price" json:"price,omitempty"` // 执行时预言机价格
	UpdatedAt    int64  `gorm:"column:updated_at;index:idx_history_account" json:"updated_at"`
}

// TableName GORM 表名
func (OrderHistory) TableName() string {
	return "perp_order_history"
}

// =============================================================================
// 请求
// =============================================================================

// OpenOrderRequest 创建开仓单
type OpenOrderRequest struct {
	Account               string `json:"account"`
	ProductID             uint64 `json:"product_id"`
	Margin                int64  `json:"margin"`
	Leverage              int64  `json:"leverage"`
	IsLong                bool   `json:"is_long"`
	TriggerPrice          int64  `json:"trigger_price"`
	TriggerAboveThreshold bool   `json:"trigger_above_threshold"`
	ExecutionFee          int64  `json:"execution_fee"`
}

// CloseOrderRequest 创建平仓单
type CloseOrderRequest struct {
	Account               string `json:"account"`
	ProductID             uint64 `json:"product_id"`
	Size                  int64  `json:"size"`
	IsLong                bool   `json:"is_long"`
	TriggerPrice          int64  `json:"trigger_price"`
	TriggerAboveThreshold bool   `json:"trigger_above_threshold"`
	ExecutionFee          int64  `json:"execution_fee"`
}

// triggerMet 触发条件: above ? price >= trigger : price <= trigger
func triggerMet(above bool, trigger, price int64) bool {
	if above {
		return price >= trigger
	}
	return price <= trigger
}
