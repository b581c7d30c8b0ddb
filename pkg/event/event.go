// 文件: pkg/event/event.go
// 领域事件定义
//
// 引擎/挂单簿每次状态提交后产生事件，交给 Sink 分发:
// - Kafka: 持久化事件流，下游对账/清算
// - NATS: 轻量实时通知
// - WebSocket: 前端推送

package event

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// Type 事件类型
type Type string

const (
	// 金库
	TypeStaked   Type = "staked"
	TypeRedeemed Type = "redeemed"

	// 持仓
	TypeNewPosition        Type = "new_position"
	TypeAddMargin          Type = "add_margin"
	TypeClosePosition      Type = "close_position"
	TypePositionLiquidated Type = "position_liquidated"

	// 运营
	TypeProductAdded       Type = "product_added"
	TypeProductUpdated     Type = "product_updated"
	TypeRewardsDistributed Type = "rewards_distributed"

	// 条件单
	TypeOpenOrderCreated     Type = "open_order_created"
	TypeOpenOrderUpdated     Type = "open_order_updated"
	TypeOpenOrderCancelled   Type = "open_order_cancelled"
	TypeOpenOrderExecuted    Type = "open_order_executed"
	TypeCloseOrderCreated    Type = "close_order_created"
	TypeCloseOrderUpdated    Type = "close_order_updated"
	TypeCloseOrderCancelled  Type = "close_order_cancelled"
	TypeCloseOrderExecuted   Type = "close_order_executed"
	TypeExecuteOrderError    Type = "execute_order_error"
	TypeExecutionFeesClaimed Type = "execution_fees_claimed"
)

// Event 事件信封
//
// Key 用作分区键 (Kafka) / subject 后缀 (NATS)，一般是账户地址，
// 保证同一账户的事件有序
type Event struct {
	ID      string `json:"id"`
	Type    Type   `json:"type"`
	Key     string `json:"key"`
	Time    int64  `json:"time"` // Unix 秒 (引擎时钟)
	Payload any    `json:"payload"`
}

// New 创建事件
func New(t Type, key string, ts int64, payload any) Event {
	return Event{
		ID:      uuid.NewString(),
		Type:    t,
		Key:     key,
		Time:    ts,
		Payload: payload,
	}
}

// Marshal 序列化为 JSON
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Sink 事件接收方
//
// 【约定】Emit 不能阻塞引擎热路径，慢消费者自己丢弃或缓冲
type Sink interface {
	Emit(e Event)
}

// Multi 扇出到多个 Sink
type Multi []Sink

// Emit 依次分发
func (m Multi) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

// Discard 丢弃所有事件 (默认)
type Discard struct{}

func (Discard) Emit(Event) {}

// Recorder 记录所有事件，测试用
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// All 返回已记录事件的副本
func (r *Recorder) All() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType 过滤某类事件
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.All() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
