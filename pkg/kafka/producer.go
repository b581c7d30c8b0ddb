// 文件: pkg/kafka/producer.go
// Kafka 异步生产者
//
// 引擎事件 (EventSink) 和资金流水 (fund.KafkaPublisher) 共用一个连接。
// 分区器固定为 key hash: 同一账户的消息进同一分区，顺序不乱

package kafka

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
)

// Message 可投递的消息
type Message interface {
	Topic() string
	Key() string // 分区 key
	Value() ([]byte, error)
}

// Sender *Producer 实现，测试里换成内存版
type Sender interface {
	Send(msg Message) error
}

var (
	ErrProducerClosed        = errors.New("kafka producer is closed")
	ErrInvalidProducerConfig = errors.New("invalid kafka producer config")
)

// =============================================================================
// 配置
// =============================================================================

// ProducerConfig 生产者配置
type ProducerConfig struct {
	Brokers        []string      `yaml:"brokers"`
	ClientID       string        `yaml:"client_id"`
	RequiredAcks   int           `yaml:"required_acks"` // 0 / 1 / -1(all)
	Compression    string        `yaml:"compression"`   // none gzip snappy lz4 zstd
	FlushFrequency time.Duration `yaml:"flush_frequency"`
	FlushMessages  int           `yaml:"flush_messages"`
	MaxRetries     int           `yaml:"max_retries"`
	// Idempotent 开启后强制 acks=all 且单连接单飞行请求
	Idempotent bool `yaml:"idempotent"`
}

// DefaultProducerConfig 默认配置: leader 确认 + snappy + 100ms 攒批
func DefaultProducerConfig(brokers []string) ProducerConfig {
	return ProducerConfig{
		Brokers:        brokers,
		ClientID:       "perpx",
		RequiredAcks:   1,
		Compression:    "snappy",
		FlushFrequency: 100 * time.Millisecond,
		FlushMessages:  100,
		MaxRetries:     3,
	}
}

var compressionCodecs = map[string]sarama.CompressionCodec{
	"":       sarama.CompressionNone,
	"none":   sarama.CompressionNone,
	"gzip":   sarama.CompressionGZIP,
	"snappy": sarama.CompressionSnappy,
	"lz4":    sarama.CompressionLZ4,
	"zstd":   sarama.CompressionZSTD,
}

var ackModes = map[int]sarama.RequiredAcks{
	0:  sarama.NoResponse,
	1:  sarama.WaitForLocal,
	-1: sarama.WaitForAll,
}

// Validate 参数校验
func (c ProducerConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("%w: no brokers", ErrInvalidProducerConfig)
	}
	if _, ok := compressionCodecs[c.Compression]; !ok {
		return fmt.Errorf("%w: unknown compression %q", ErrInvalidProducerConfig, c.Compression)
	}
	if _, ok := ackModes[c.RequiredAcks]; !ok {
		return fmt.Errorf("%w: required_acks must be 0, 1 or -1", ErrInvalidProducerConfig)
	}
	if c.FlushFrequency < 0 || c.FlushMessages < 0 || c.MaxRetries < 0 {
		return fmt.Errorf("%w: negative flush or retry setting", ErrInvalidProducerConfig)
	}
	return nil
}

// saramaConfig 映射到 sarama 配置
func (c ProducerConfig) saramaConfig() (*sarama.Config, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	sc := sarama.NewConfig()
	if c.ClientID != "" {
		sc.ClientID = c.ClientID
	}
	sc.Producer.RequiredAcks = ackModes[c.RequiredAcks]
	sc.Producer.Compression = compressionCodecs[c.Compression]
	sc.Producer.Partitioner = sarama.NewHashPartitioner
	sc.Producer.Flush.Frequency = c.FlushFrequency
	sc.Producer.Flush.Messages = c.FlushMessages
	sc.Producer.Retry.Max = c.MaxRetries
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true

	if c.Idempotent {
		sc.Version = sarama.V2_1_0_0
		sc.Producer.Idempotent = true
		sc.Producer.RequiredAcks = sarama.WaitForAll
		sc.Net.MaxOpenRequests = 1
	}
	return sc, nil
}

// =============================================================================
// Producer
// =============================================================================

// Producer 异步生产者
//
// Send 只负责投递到 sarama 的输入队列，结果在后台 goroutine 里计数
type Producer struct {
	producer sarama.AsyncProducer
	config   ProducerConfig

	// 保护 Input() 和 Close 的先后: 关闭后不能再往已关闭的 channel 写
	mu     sync.RWMutex
	closed bool

	queued atomic.Int64
	acked  atomic.Int64
	failed atomic.Int64
	done   chan struct{}
}

// NewProducer 创建生产者
func NewProducer(cfg ProducerConfig) (*Producer, error) {
	sc, err := cfg.saramaConfig()
	if err != nil {
		return nil, err
	}
	ap, err := sarama.NewAsyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	p := newProducer(ap, cfg)
	log.Printf("[Kafka] producer connected: brokers=%v acks=%d compression=%s idempotent=%v",
		cfg.Brokers, cfg.RequiredAcks, cfg.Compression, cfg.Idempotent)
	return p, nil
}

func newProducer(ap sarama.AsyncProducer, cfg ProducerConfig) *Producer {
	p := &Producer{producer: ap, config: cfg, done: make(chan struct{})}
	go p.drain()
	return p
}

// Send 序列化后投递
func (p *Producer) Send(msg Message) error {
	data, err := msg.Value()
	if err != nil {
		return fmt.Errorf("serialize message: %w", err)
	}
	return p.SendRaw(msg.Topic(), msg.Key(), data)
}

// SendRaw 投递已序列化的消息
func (p *Producer) SendRaw(topic, key string, value []byte) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrProducerClosed
	}
	pm := &sarama.ProducerMessage{Topic: topic, Value: sarama.ByteEncoder(value)}
	if key != "" {
		pm.Key = sarama.StringEncoder(key)
	}
	p.producer.Input() <- pm
	p.queued.Add(1)
	return nil
}

// drain 同时消费成功和失败两个 channel，两个都关闭才退出
func (p *Producer) drain() {
	defer close(p.done)
	successes, errs := p.producer.Successes(), p.producer.Errors()
	for successes != nil || errs != nil {
		select {
		case _, ok := <-successes:
			if !ok {
				successes = nil
				continue
			}
			p.acked.Add(1)
		case perr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			p.failed.Add(1)
			log.Printf("[Kafka] send error: topic=%s key=%v err=%v", perr.Msg.Topic, perr.Msg.Key, perr.Err)
		}
	}
}

// ProducerStats 计数快照
type ProducerStats struct {
	Queued int64
	Acked  int64
	Failed int64
}

// InFlight 已投递但还没有结果的消息数
func (s ProducerStats) InFlight() int64 {
	return s.Queued - s.Acked - s.Failed
}

// Stats 计数快照
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{Queued: p.queued.Load(), Acked: p.acked.Load(), Failed: p.failed.Load()}
}

// Close 刷完缓冲后关闭，可重复调用
//
// 用 AsyncClose: sarama 的 Close 会自己读 Errors()，和 drain 抢消息
func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.producer.AsyncClose()
	<-p.done
	s := p.Stats()
	log.Printf("[Kafka] producer closed: queued=%d acked=%d failed=%d", s.Queued, s.Acked, s.Failed)
	if s.Failed > 0 {
		return fmt.Errorf("kafka producer: %d messages failed", s.Failed)
	}
	return nil
}
