// 文件: pkg/nats/sink.go
// 引擎 / 挂单簿事件 → NATS
//
// subject: {prefix}.{事件类型}.{key}，前端/下游可以按类型或账户通配订阅:
//   perpx.events.close_position.*
//   perpx.events.*.0xabc...

package nats

import (
	"log"
	"strings"
	"sync/atomic"

	"perpx.com/pkg/event"
)

// DefaultEventPrefix 默认事件 subject 前缀
const DefaultEventPrefix = "perpx.events"

// EventSink 实现 event.Sink
type EventSink struct {
	pub     RawPublisher
	prefix  string
	dropped atomic.Int64
}

var _ event.Sink = (*EventSink)(nil)

// NewEventSink 创建事件 sink，prefix 为空时用 DefaultEventPrefix
func NewEventSink(pub RawPublisher, prefix string) *EventSink {
	if prefix == "" {
		prefix = DefaultEventPrefix
	}
	return &EventSink{pub: pub, prefix: prefix}
}

// Subject 事件对应的 subject
func (s *EventSink) Subject(e event.Event) string {
	key := e.Key
	if key == "" {
		key = "_"
	}
	return s.prefix + "." + string(e.Type) + "." + subjectToken(key)
}

// Emit 发布事件，失败只计数
func (s *EventSink) Emit(e event.Event) {
	data, err := e.Marshal()
	if err == nil {
		err = s.pub.PublishRaw(s.Subject(e), data)
	}
	if err != nil {
		s.dropped.Add(1)
		log.Printf("[NATS] emit %s failed: key=%s err=%v", e.Type, e.Key, err)
	}
}

// Dropped 发布失败的事件数
func (s *EventSink) Dropped() int64 {
	return s.dropped.Load()
}

// subjectToken 去掉 subject 里有特殊含义的字符
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n':
			return '_'
		}
		return r
	}, s)
}
