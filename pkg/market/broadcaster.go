// 文件: pkg/market/broadcaster.go
// 事件扇出
//
//	     Engine / OrderBook
//	            |
//	            v
//	     [Broadcaster]  (event.Sink)
//	       /    |    \
//	      v     v     v
//	   WSHub  keeper  测试/调试
//
// 慢订阅者只丢自己的消息，不影响引擎和其他订阅者

package market

import (
	"sync"
	"sync/atomic"

	"perpx.com/pkg/event"
)

// DefaultSubscriberBuffer 订阅者缓冲
const DefaultSubscriberBuffer = 1024

// Subscription 一个订阅
type Subscription struct {
	id uint64
	ch chan event.Event

	dropped atomic.Int64
}

// C 只读事件通道，Unsubscribe / Close 后关闭
func (s *Subscription) C() <-chan event.Event { return s.ch }

// Dropped 因缓冲满丢弃的事件数
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Broadcaster 事件广播器
//
// 【读多写少】Emit 是热路径，只拿读锁
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

var _ event.Sink = (*Broadcaster)(nil)

// NewBroadcaster 创建广播器
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[uint64]*Subscription)}
}

// Subscribe 订阅，buffer <= 0 用默认值
func (b *Broadcaster) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{id: b.nextID, ch: make(chan event.Event, buffer)}
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe 取消订阅并关闭通道
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Emit 广播事件，满了就丢 (select default)
func (b *Broadcaster) Emit(e event.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Len 订阅者数量
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close 关闭所有订阅者通道，之后的 Subscribe 拿到的是已关闭通道
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
	b.closed = true
}
