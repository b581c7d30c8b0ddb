// 文件: pkg/fund/publisher.go
// 资金账本 - 流水发布 (Kafka / NATS)
//
// Kafka: 固定 topic，key = 账户，同一账户的流水落同一分区，写冷存储时顺序不乱
// NATS:  subject = perp_journal_events.<symbol>，冷存储通配订阅

package fund

import (
	"perpx.com/pkg/kafka"
	"perpx.com/pkg/nats"
)

// JournalEvent 作为 kafka.Message 投递
func (e *JournalEvent) Topic() string          { return TopicJournalEvents }
func (e *JournalEvent) Key() string            { return e.Account }
func (e *JournalEvent) Value() ([]byte, error) { return e.ToJSON() }

// JournalSubject 流水的 NATS subject
func JournalSubject(symbol string) string {
	return TopicJournalEvents + "." + symbol
}

// =============================================================================
// Kafka
// =============================================================================

// KafkaPublisher 经 Kafka 发布流水，连接由调用方管理
type KafkaPublisher struct {
	sender kafka.Sender
}

var _ JournalPublisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher 复用已有连接 (和引擎事件共用 producer)
func NewKafkaPublisher(sender kafka.Sender) *KafkaPublisher {
	return &KafkaPublisher{sender: sender}
}

func (p *KafkaPublisher) PublishJournal(event *JournalEvent) error {
	return p.sender.Send(event)
}

// =============================================================================
// NATS
// =============================================================================

// NatsPublisher 经 NATS 发布流水，没有分区顺序保证，冷存储靠 BalanceAfter 覆盖
type NatsPublisher struct {
	pub nats.RawPublisher
}

var _ JournalPublisher = (*NatsPublisher)(nil)

func NewNatsPublisher(pub nats.RawPublisher) *NatsPublisher {
	return &NatsPublisher{pub: pub}
}

func (p *NatsPublisher) PublishJournal(event *JournalEvent) error {
	data, err := event.ToJSON()
	if err != nil {
		return err
	}
	return p.pub.PublishRaw(JournalSubject(event.Symbol), data)
}
