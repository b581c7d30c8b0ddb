// 文件: pkg/order/events.go
// 条件单事件载荷

package order

// OpenOrderEvent 开仓单创建/修改/撤销/执行
type OpenOrderEvent struct {
	Order          OpenOrder `json:"order"`
	ExecutionPrice int64     `json:"execution_price,omitempty"` // 执行时预言机价格
	FeeRefund      int64     `json:"fee_refund,omitempty"`      // 执行时手续费变低退回的差额
	Keeper         string    `json:"keeper,omitempty"`
}

// CloseOrderEvent 平仓单创建/修改/撤销/执行
type CloseOrderEvent struct {
	Order          CloseOrder `json:"order"`
	ExecutionPrice int64      `json:"execution_price,omitempty"`
	Keeper         string     `json:"keeper,omitempty"`
}

// ExecuteOrderErrorEvent 批量执行中单条失败
type ExecuteOrderErrorEvent struct {
	Kind    Kind   `json:"kind"`
	Account string `json:"account"`
	Index   uint64 `json:"index"`
	Reason  string `json:"reason"`
}

// ExecutionFeesClaimedEvent 领取欠付的执行费
type ExecutionFeesClaimedEvent struct {
	Receiver string `json:"receiver"`
	Amount   int64  `json:"amount"`
}
