// 文件: pkg/nats/publisher.go
// NATS 发布端
//
// 引擎事件的实时通道 (持久化走 Kafka)。没配 Kafka 时资金流水也从这里出去

package nats

import (
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
)

// RawPublisher 发布已编码的消息，EventSink 和 fund.NatsPublisher 依赖它
type RawPublisher interface {
	PublishRaw(subject string, data []byte) error
}

// Publisher 单连接发布端。同一连接上的消息按调用顺序到达订阅方
type Publisher struct {
	conn      *nats.Conn
	published atomic.Int64
}

var _ RawPublisher = (*Publisher)(nil)

func NewPublisher(url string) (*Publisher, error) {
	conn, err := dial(url, "perpx-publisher")
	if err != nil {
		return nil, err
	}
	log.Printf("[NATS] publisher ready on %s", conn.ConnectedUrl())
	return &Publisher{conn: conn}, nil
}

// PublishJSON 编码成 JSON 再发
func (p *Publisher) PublishJSON(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", subject, err)
	}
	return p.PublishRaw(subject, data)
}

func (p *Publisher) PublishRaw(subject string, data []byte) error {
	if err := p.conn.Publish(subject, data); err != nil {
		return err
	}
	p.published.Add(1)
	return nil
}

// Published 成功交给客户端缓冲的消息数
func (p *Publisher) Published() int64 {
	return p.published.Load()
}

// Flush 等服务端确认缓冲已清空
func (p *Publisher) Flush(timeout time.Duration) error {
	return p.conn.FlushTimeout(timeout)
}

// Close Drain 失败时直接断开
func (p *Publisher) Close() {
	if err := p.conn.Drain(); err != nil {
		log.Printf("[NATS] publisher drain: %v", err)
		p.conn.Close()
	}
}
