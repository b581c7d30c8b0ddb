// 文件: pkg/kafka/sink.go
// 引擎 / 挂单簿事件 → Kafka
//
// key = 事件 Key (账户地址)，同一账户的事件落同一分区

package kafka

import (
	"log"
	"sync/atomic"

	"perpx.com/pkg/event"
)

// TopicEngineEvents 默认事件 topic
const TopicEngineEvents = "perp_engine_events"

// eventMessage event.Event 适配 Message
type eventMessage struct {
	topic string
	ev    event.Event
}

func (m eventMessage) Topic() string          { return m.topic }
func (m eventMessage) Key() string            { return m.ev.Key }
func (m eventMessage) Value() ([]byte, error) { return m.ev.Marshal() }

// EventSink 实现 event.Sink
//
// Emit 不阻塞引擎: sarama 异步发送，失败只计数和记日志
type EventSink struct {
	sender  Sender
	topic   string
	dropped atomic.Int64
}

var _ event.Sink = (*EventSink)(nil)

// NewEventSink 创建事件 sink，topic 为空时用 TopicEngineEvents
func NewEventSink(sender Sender, topic string) *EventSink {
	if topic == "" {
		topic = TopicEngineEvents
	}
	return &EventSink{sender: sender, topic: topic}
}

// Emit 发送事件
func (s *EventSink) Emit(e event.Event) {
	if err := s.sender.Send(eventMessage{topic: s.topic, ev: e}); err != nil {
		s.dropped.Add(1)
		log.Printf("[Kafka] emit %s failed: key=%s err=%v", e.Type, e.Key, err)
	}
}

// Dropped 发送失败的事件数
func (s *EventSink) Dropped() int64 {
	return s.dropped.Load()
}
