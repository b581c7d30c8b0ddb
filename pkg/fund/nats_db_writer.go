// 文件: pkg/fund/nats_db_writer.go
// 资金账本 - 冷存储写入器 (NATS)
//
// 队列订阅 perp_journal_events.>，多实例只有一个收到同一条流水。
// 单个发布连接内 NATS 按发送顺序投递，发布端只有一个内存账本，所以余额覆盖不会回退

package fund

import (
	"fmt"
	"log"

	"perpx.com/pkg/nats"
)

const natsWriterQueue = "perp-db-writer"

// NatsDBWriter NATS → 冷存储，逐条写
type NatsDBWriter struct {
	mirror     JournalMirror
	subscriber *nats.Subscriber
	stats      writerCounters
}

// NewNatsDBWriter 建连接，Start 后才开始收
func NewNatsDBWriter(mirror JournalMirror, natsURL string) (*NatsDBWriter, error) {
	subscriber, err := nats.NewSubscriber(natsURL, natsWriterQueue)
	if err != nil {
		return nil, err
	}
	return &NatsDBWriter{mirror: mirror, subscriber: subscriber}, nil
}

func (w *NatsDBWriter) Start() error {
	return w.subscriber.QueueSubscribe(TopicJournalEvents+".>", natsWriterQueue, w.handleMessage)
}

func (w *NatsDBWriter) Stop() error {
	return w.subscriber.Close()
}

func (w *NatsDBWriter) handleMessage(subject string, data []byte) error {
	event, err := nats.DecodeJSON[*JournalEvent](data)
	if err == nil && event == nil {
		err = fmt.Errorf("empty journal on %s", subject)
	}
	if err != nil {
		w.stats.errors.Add(1)
		return err
	}
	w.stats.received.Add(1)

	if err := writeJournals(w.mirror, []*JournalEvent{event}); err != nil {
		w.stats.errors.Add(1)
		log.Printf("[NatsDBWriter] write %s failed: %v", event.EventID, err)
		return err
	}
	w.stats.written.Add(1)
	w.stats.batches.Add(1)
	return nil
}

// Stats 计数快照
func (w *NatsDBWriter) Stats() DBWriterStats {
	return w.stats.snapshot(0)
}
