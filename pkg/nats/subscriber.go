// 文件: pkg/nats/subscriber.go
// NATS 订阅端
//
// 一个连接上挂多条订阅，每条订阅自带 handler。handler 返回错误只记日志和计数，
// NATS core 没有重投

package nats

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"
)

// MessageHandler 处理一条消息
type MessageHandler func(subject string, data []byte) error

// SubscriberStats 计数快照
type SubscriberStats struct {
	Delivered int64
	Failed    int64
}

// Subscriber 订阅端
type Subscriber struct {
	name string
	conn *nats.Conn

	mu   sync.Mutex
	subs []*nats.Subscription

	delivered atomic.Int64
	failed    atomic.Int64
}

// NewSubscriber name 用于服务端连接列表和日志
func NewSubscriber(url, name string) (*Subscriber, error) {
	conn, err := dial(url, name)
	if err != nil {
		return nil, err
	}
	return &Subscriber{name: name, conn: conn}, nil
}

// Subscribe 广播订阅，subject 可带 * 或 >
func (s *Subscriber) Subscribe(subject string, h MessageHandler) error {
	sub, err := s.conn.Subscribe(subject, s.wrap(h))
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	s.add(sub)
	return nil
}

// QueueSubscribe 同一 queue 的多个实例分摊消息
func (s *Subscriber) QueueSubscribe(subject, queue string, h MessageHandler) error {
	sub, err := s.conn.QueueSubscribe(subject, queue, s.wrap(h))
	if err != nil {
		return fmt.Errorf("nats queue subscribe %s (%s): %w", subject, queue, err)
	}
	s.add(sub)
	return nil
}

func (s *Subscriber) wrap(h MessageHandler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		if err := h(msg.Subject, msg.Data); err != nil {
			s.failed.Add(1)
			log.Printf("[NATS] %s: %s handler failed: %v", s.name, msg.Subject, err)
			return
		}
		s.delivered.Add(1)
	}
}

func (s *Subscriber) add(sub *nats.Subscription) {
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	n := len(s.subs)
	s.mu.Unlock()
	log.Printf("[NATS] %s listening on %s (%d subscriptions)", s.name, sub.Subject, n)
}

// Stats 计数快照
func (s *Subscriber) Stats() SubscriberStats {
	return SubscriberStats{Delivered: s.delivered.Load(), Failed: s.failed.Load()}
}

// Close 处理完已收到的消息再断开
func (s *Subscriber) Close() error {
	s.mu.Lock()
	s.subs = nil
	s.mu.Unlock()
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
		return fmt.Errorf("nats drain %s: %w", s.name, err)
	}
	return nil
}

// DecodeJSON 按类型解码消息体
func DecodeJSON[T any](data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}
