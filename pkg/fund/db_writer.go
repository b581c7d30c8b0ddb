// 文件: pkg/fund/db_writer.go
// 资金账本 - 冷存储写入器 (Kafka)
//
// 消费流水 topic，攒批写入 MySQL/Postgres:
//   - event_id 唯一索引，重复消费无副作用
//   - 同一批里同一账户只按最后一条流水的 BalanceAfter 覆盖余额
//   - 写失败的批次留在缓冲里下次重试，缓冲超过 MaxPending 丢最旧的 (冷存储可从 Kafka 重放)

package fund

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"perpx.com/pkg/kafka"
)

// JournalMirror 冷存储 (BalanceLedger 实现)
type JournalMirror interface {
	BatchInsertJournals(ctx context.Context, events []*JournalEvent) error
	UpsertBalance(ctx context.Context, snapshot *BalanceSnapshot) error
}

var _ JournalMirror = (*BalanceLedger)(nil)

// DBWriterConfig 配置
type DBWriterConfig struct {
	Brokers       []string
	GroupID       string
	BatchSize     int
	FlushInterval time.Duration
	MaxPending    int // 缓冲上限，默认 10 倍 BatchSize
}

// DefaultDBWriterConfig 默认配置
func DefaultDBWriterConfig(brokers []string) DBWriterConfig {
	return DBWriterConfig{
		Brokers:       brokers,
		GroupID:       "perp_fund_db_writer",
		BatchSize:     100,
		FlushInterval: 500 * time.Millisecond,
	}
}

// DBWriterStats 计数快照
type DBWriterStats struct {
	ReceivedCount int64
	WrittenCount  int64
	ErrorCount    int64
	BatchCount    int64
	DroppedCount  int64
	Pending       int
}

// writerCounters DBWriter / NatsDBWriter 共用
type writerCounters struct {
	received atomic.Int64
	written  atomic.Int64
	errors   atomic.Int64
	batches  atomic.Int64
	dropped  atomic.Int64
}

func (c *writerCounters) snapshot(pending int) DBWriterStats {
	return DBWriterStats{
		ReceivedCount: c.received.Load(),
		WrittenCount:  c.written.Load(),
		ErrorCount:    c.errors.Load(),
		BatchCount:    c.batches.Load(),
		DroppedCount:  c.dropped.Load(),
		Pending:       pending,
	}
}

// =============================================================================
// DBWriter
// =============================================================================

// DBWriter Kafka → 冷存储
type DBWriter struct {
	cfg      DBWriterConfig
	mirror   JournalMirror
	consumer *kafka.Consumer

	mu      sync.Mutex
	pending []*JournalEvent
	flushCh chan struct{}

	stats writerCounters

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDBWriter 创建写入器
func NewDBWriter(cfg DBWriterConfig, mirror JournalMirror) (*DBWriter, error) {
	w := newDBWriter(cfg, mirror)
	consumerCfg := kafka.DefaultConsumerConfig(cfg.Brokers, cfg.GroupID, []string{TopicJournalEvents})
	consumer, err := kafka.NewConsumer(consumerCfg, w.handleMessage)
	if err != nil {
		return nil, fmt.Errorf("create journal consumer: %w", err)
	}
	w.consumer = consumer
	return w, nil
}

func newDBWriter(cfg DBWriterConfig, mirror JournalMirror) *DBWriter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	if cfg.MaxPending < cfg.BatchSize {
		cfg.MaxPending = 10 * cfg.BatchSize
	}
	return &DBWriter{
		cfg:     cfg,
		mirror:  mirror,
		flushCh: make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
}

// handleMessage 解码后进缓冲，满一批就通知刷盘
func (w *DBWriter) handleMessage(_ context.Context, rec kafka.Record) error {
	var event JournalEvent
	if err := event.FromJSON(rec.Value); err != nil {
		w.stats.errors.Add(1)
		return fmt.Errorf("decode journal: %w", err)
	}
	w.stats.received.Add(1)

	w.mu.Lock()
	w.pending = append(w.pending, &event)
	w.trimLocked()
	full := len(w.pending) >= w.cfg.BatchSize
	w.mu.Unlock()

	if full {
		select {
		case w.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

func (w *DBWriter) trimLocked() {
	over := len(w.pending) - w.cfg.MaxPending
	if over <= 0 {
		return
	}
	w.pending = w.pending[over:]
	w.stats.dropped.Add(int64(over))
	log.Printf("[DBWriter] buffer full, dropped %d oldest journals", over)
}

// flush 按 BatchSize 分批写，某批失败则连同后面的放回缓冲头部
func (w *DBWriter) flush() {
	w.mu.Lock()
	events := w.pending
	w.pending = nil
	w.mu.Unlock()

	for len(events) > 0 {
		n := min(len(events), w.cfg.BatchSize)
		if err := writeJournals(w.mirror, events[:n]); err != nil {
			w.stats.errors.Add(1)
			log.Printf("[DBWriter] write batch of %d failed, will retry: %v", n, err)
			w.requeue(events)
			return
		}
		w.stats.written.Add(int64(n))
		w.stats.batches.Add(1)
		events = events[n:]
	}
}

func (w *DBWriter) requeue(events []*JournalEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = append(events, w.pending...)
	w.trimLocked()
}

// writeJournals 一批流水 + 每个账户最新余额
func writeJournals(mirror JournalMirror, events []*JournalEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := mirror.BatchInsertJournals(ctx, events); err != nil {
		return fmt.Errorf("insert journals: %w", err)
	}
	for _, s := range latestSnapshots(events) {
		if err := mirror.UpsertBalance(ctx, s); err != nil {
			return fmt.Errorf("upsert balance %s/%s: %w", s.Account, s.Symbol, err)
		}
	}
	return nil
}

// latestSnapshots 同一 (account, symbol) 只留最后一条，按首次出现的顺序返回
func latestSnapshots(events []*JournalEvent) []*BalanceSnapshot {
	type key struct{ account, symbol string }
	pos := make(map[key]int, len(events))
	out := make([]*BalanceSnapshot, 0, len(events))
	for _, e := range events {
		k := key{e.Account, e.Symbol}
		if i, ok := pos[k]; ok {
			out[i] = e.Snapshot()
			continue
		}
		pos[k] = len(out)
		out = append(out, e.Snapshot())
	}
	return out
}

// =============================================================================
// 生命周期
// =============================================================================

// Start 启动刷盘循环和消费
func (w *DBWriter) Start() {
	w.wg.Add(1)
	go w.loop()
	if w.consumer != nil {
		w.consumer.Start()
	}
}

func (w *DBWriter) loop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			w.flush()
			return
		case <-ticker.C:
			w.flush()
		case <-w.flushCh:
			w.flush()
		}
	}
}

// Stop 先停消费再做最后一次刷盘，缓冲里不会再进新数据
func (w *DBWriter) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		if w.consumer != nil {
			err = w.consumer.Stop()
		}
		close(w.stop)
		w.wg.Wait()
	})
	return err
}

// Stats 计数快照
func (w *DBWriter) Stats() DBWriterStats {
	w.mu.Lock()
	pending := len(w.pending)
	w.mu.Unlock()
	return w.stats.snapshot(pending)
}
