// 文件: pkg/futures/events.go
// 引擎事件负载

package futures

// StakedEvent LP 质押
type StakedEvent struct {
	User   string `json:"user"`
	Amount int64  `json:"amount"`
	Shares int64  `json:"shares"`
}

// RedeemedEvent LP 赎回
type RedeemedEvent struct {
	User         string `json:"user"`
	Receiver     string `json:"receiver"`
	Amount       int64  `json:"amount"`        // 赎回的本金
	Shares       int64  `json:"shares"`        // 赎回的份额
	ShareBalance int64  `json:"share_balance"` // 实际支付 (按金库余额折算)
	IsFullRedeem bool   `json:"is_full_redeem"`
}

// NewPositionEvent 开仓/加仓
type NewPositionEvent struct {
	PositionID  PositionID `json:"position_id"`
	User        string     `json:"user"`
	ProductID   uint64     `json:"product_id"`
	IsLong      bool       `json:"is_long"`
	Price       int64      `json:"price"`
	OraclePrice int64      `json:"oracle_price"`
	Margin      int64      `json:"margin"`
	Leverage    int64      `json:"leverage"`
	Fee         int64      `json:"fee"`
	IsNextPrice bool       `json:"is_next_price"`
}

// AddMarginEvent 追加保证金
type AddMarginEvent struct {
	PositionID  PositionID `json:"position_id"`
	Sender      string     `json:"sender"`
	User        string     `json:"user"`
	Margin      int64      `json:"margin"`
	NewMargin   int64      `json:"new_margin"`
	NewLeverage int64      `json:"new_leverage"`
}

// ClosePositionEvent 平仓
type ClosePositionEvent struct {
	PositionID     PositionID `json:"position_id"`
	User           string     `json:"user"`
	ProductID      uint64     `json:"product_id"`
	Price          int64      `json:"price"`
	EntryPrice     int64      `json:"entry_price"`
	Margin         int64      `json:"margin"`
	Leverage       int64      `json:"leverage"`
	Fee            int64      `json:"fee"`
	PnL            int64      `json:"pnl"`
	FundingPayment int64      `json:"funding_payment"`
	WasLiquidated  bool       `json:"was_liquidated"`
}

// PositionLiquidatedEvent 强平
type PositionLiquidatedEvent struct {
	PositionID       PositionID `json:"position_id"`
	User             string     `json:"user"`
	Liquidator       string     `json:"liquidator"`
	Price            int64      `json:"price"`
	Margin           int64      `json:"margin"`
	LiquidatorReward int64      `json:"liquidator_reward"`
	RemainingReward  int64      `json:"remaining_reward"`
}

// ProductEvent 新增/更新产品
type ProductEvent struct {
	ProductID uint64  `json:"product_id"`
	Product   Product `json:"product"`
}

// RewardsDistributedEvent 奖励发放
type RewardsDistributedEvent struct {
	Protocol         int64  `json:"protocol"`
	Token            int64  `json:"token"`
	Vault            int64  `json:"vault"`
	ProtocolReceiver string `json:"protocol_receiver"`
	TokenReceiver    string `json:"token_receiver"`
	VaultReceiver    string `json:"vault_receiver"`
}
