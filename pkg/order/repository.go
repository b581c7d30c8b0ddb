// 文件: pkg/order/repository.go
package order

import (
	"context"

	"perpx.com/pkg/event"
)

// Store 挂单簿持久化
//
// 内存是权威数据，Store 是镜像: 每次提交后 Apply，启动时 Load
type Store interface {
	Load(ctx context.Context) (*Snapshot, error)
	Apply(ctx context.Context, cs *Changeset) error
}

// HistoryReader 查询已结束的单
type HistoryReader interface {
	ListHistory(ctx context.Context, account string, limit int) ([]*OrderHistory, error)
}

// Snapshot 挂单簿完整状态
type Snapshot struct {
	OpenOrders  []*OpenOrder
	CloseOrders []*CloseOrder
	Counters    []OrderCounter
	UnpaidFees  []UnpaidFee
}

// Changeset 一次提交的变更
type Changeset struct {
	OpenOrders   []OpenOrder
	DeletedOpen  []OrderRef
	CloseOrders  []CloseOrder
	DeletedClose []OrderRef
	Counters     []OrderCounter
	UnpaidFees   []UnpaidFee // Amount == 0 表示删除
	History      []OrderHistory
	Triggers     []TriggerEntry
	Events       []event.Event
}

func (cs *Changeset) empty() bool {
	return len(cs.OpenOrders) == 0 && len(cs.DeletedOpen) == 0 &&
		len(cs.CloseOrders) == 0 && len(cs.DeletedClose) == 0 &&
		len(cs.Counters) == 0 && len(cs.UnpaidFees) == 0 && len(cs.History) == 0
}
