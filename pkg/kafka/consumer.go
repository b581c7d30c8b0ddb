// 文件: pkg/kafka/consumer.go
// Kafka 消费者组
//
// fund.DBWriter 用它把资金流水落冷库。
// 单条消息失败先按 RetryBackoff 重试 MaxRetries 次，仍失败则记日志跳过并提交 offset
// (下游写库幂等，补数据靠重放)

package kafka

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
)

var ErrInvalidConsumerConfig = errors.New("invalid kafka consumer config")

// ConsumerConfig 消费者配置
type ConsumerConfig struct {
	Brokers       []string      `yaml:"brokers"`
	GroupID       string        `yaml:"group_id"`
	Topics        []string      `yaml:"topics"`
	OffsetInitial int64         `yaml:"offset_initial"` // -1=newest, -2=oldest
	MaxRetries    int           `yaml:"max_retries"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
}

// DefaultConsumerConfig 默认从最早的 offset 开始: 冷存储宁可重放也不能漏
func DefaultConsumerConfig(brokers []string, groupID string, topics []string) ConsumerConfig {
	return ConsumerConfig{
		Brokers:       brokers,
		GroupID:       groupID,
		Topics:        topics,
		OffsetInitial: sarama.OffsetOldest,
		MaxRetries:    2,
		RetryBackoff:  200 * time.Millisecond,
	}
}

// Validate 参数校验
func (c ConsumerConfig) Validate() error {
	switch {
	case len(c.Brokers) == 0 || c.GroupID == "" || len(c.Topics) == 0:
		return fmt.Errorf("%w: brokers, group and topics are required", ErrInvalidConsumerConfig)
	case c.OffsetInitial != sarama.OffsetNewest && c.OffsetInitial != sarama.OffsetOldest:
		return fmt.Errorf("%w: offset_initial must be -1 or -2", ErrInvalidConsumerConfig)
	case c.MaxRetries < 0 || c.RetryBackoff < 0:
		return fmt.Errorf("%w: negative retry setting", ErrInvalidConsumerConfig)
	}
	return nil
}

// Record 一条消费到的消息
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
}

// MessageHandler 消息处理函数，ctx 在 rebalance 或 Stop 时取消
type MessageHandler func(ctx context.Context, rec Record) error

// =============================================================================
// Consumer
// =============================================================================

// Consumer 消费者组封装
type Consumer struct {
	client  sarama.ConsumerGroup
	config  ConsumerConfig
	handler MessageHandler

	handled atomic.Int64
	retried atomic.Int64
	skipped atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer 创建消费者
func NewConsumer(cfg ConsumerConfig, handler MessageHandler) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: nil handler", ErrInvalidConsumerConfig)
	}
	sc := sarama.NewConfig()
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategySticky()}
	sc.Consumer.Offsets.Initial = cfg.OffsetInitial
	sc.Consumer.Offsets.AutoCommit.Enable = true

	client, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, sc)
	if err != nil {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}
	return newConsumer(client, cfg, handler), nil
}

func newConsumer(client sarama.ConsumerGroup, cfg ConsumerConfig, handler MessageHandler) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{client: client, config: cfg, handler: handler, ctx: ctx, cancel: cancel}
}

// Start 后台消费，rebalance 后自动重新加入
func (c *Consumer) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			if err := c.client.Consume(c.ctx, c.config.Topics, c); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				log.Printf("[Kafka] consume error: group=%s err=%v", c.config.GroupID, err)
			}
			if c.ctx.Err() != nil {
				return
			}
		}
	}()
	log.Printf("[Kafka] consumer started: group=%s topics=%v", c.config.GroupID, c.config.Topics)
}

// Stop 停止消费并关闭连接
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()
	s := c.Stats()
	log.Printf("[Kafka] consumer stopped: group=%s handled=%d retried=%d skipped=%d",
		c.config.GroupID, s.Handled, s.Retried, s.Skipped)
	return c.client.Close()
}

// ConsumerStats 计数快照
type ConsumerStats struct {
	Handled int64
	Retried int64
	Skipped int64
}

// Stats 计数快照
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{Handled: c.handled.Load(), Retried: c.retried.Load(), Skipped: c.skipped.Load()}
}

// process 带重试地处理一条消息，返回 false 表示 ctx 已取消、消息不提交
func (c *Consumer) process(ctx context.Context, rec Record) bool {
	var err error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.retried.Add(1)
			select {
			case <-ctx.Done():
				return false
			case <-time.After(c.config.RetryBackoff):
			}
		}
		if err = c.handler(ctx, rec); err == nil {
			c.handled.Add(1)
			return true
		}
	}
	c.skipped.Add(1)
	log.Printf("[Kafka] skip message: topic=%s partition=%d offset=%d err=%v", rec.Topic, rec.Partition, rec.Offset, err)
	return true
}

// =============================================================================
// sarama.ConsumerGroupHandler
// =============================================================================

func (c *Consumer) Setup(session sarama.ConsumerGroupSession) error {
	log.Printf("[Kafka] group %s joined: generation=%d claims=%v", c.config.GroupID, session.GenerationID(), session.Claims())
	return nil
}

func (c *Consumer) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			rec := Record{
				Topic:     msg.Topic,
				Partition: msg.Partition,
				Offset:    msg.Offset,
				Key:       msg.Key,
				Value:     msg.Value,
				Timestamp: msg.Timestamp,
			}
			if !c.process(ctx, rec) {
				return nil
			}
			session.MarkMessage(msg, "")
		}
	}
}
