package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProducerConfig_Validate(t *testing.T) {
	brokers := []string{"127.0.0.1:9092"}
	tests := []struct {
		name   string
		mutate func(*ProducerConfig)
		ok     bool
	}{
		{"default", func(c *ProducerConfig) {}, true},
		{"no brokers", func(c *ProducerConfig) { c.Brokers = nil }, false},
		{"unknown compression", func(c *ProducerConfig) { c.Compression = "brotli" }, false},
		{"bad acks", func(c *ProducerConfig) { c.RequiredAcks = 2 }, false},
		{"negative retries", func(c *ProducerConfig) { c.MaxRetries = -1 }, false},
		{"empty compression", func(c *ProducerConfig) { c.Compression = "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultProducerConfig(brokers)
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidProducerConfig)
			}
		})
	}
}

func TestProducerConfig_SaramaMapping(t *testing.T) {
	cfg := DefaultProducerConfig([]string{"127.0.0.1:9092"})
	cfg.RequiredAcks = -1
	cfg.Compression = "lz4"
	sc, err := cfg.saramaConfig()
	require.NoError(t, err)
	assert.Equal(t, sarama.WaitForAll, sc.Producer.RequiredAcks)
	assert.Equal(t, sarama.CompressionLZ4, sc.Producer.Compression)
	assert.True(t, sc.Producer.Return.Successes)

	cfg.Idempotent = true
	cfg.RequiredAcks = 1
	sc, err = cfg.saramaConfig()
	require.NoError(t, err)
	assert.True(t, sc.Producer.Idempotent)
	assert.Equal(t, sarama.WaitForAll, sc.Producer.RequiredAcks)
	assert.Equal(t, 1, sc.Net.MaxOpenRequests)
}

func TestProducer_CountsResults(t *testing.T) {
	cfg := DefaultProducerConfig([]string{"127.0.0.1:9092"})
	sc, err := cfg.saramaConfig()
	require.NoError(t, err)
	mp := mocks.NewAsyncProducer(t, sc)
	mp.ExpectInputAndSucceed()
	mp.ExpectInputAndFail(errors.New("broker down"))

	p := newProducer(mp, cfg)
	require.NoError(t, p.SendRaw("perp_engine_events", "alice", []byte(`{}`)))
	require.NoError(t, p.SendRaw("perp_engine_events", "", []byte(`{}`)))
	assert.Error(t, p.Close())

	s := p.Stats()
	assert.Equal(t, int64(2), s.Queued)
	assert.Equal(t, int64(1), s.Acked)
	assert.Equal(t, int64(1), s.Failed)
	assert.Zero(t, s.InFlight())

	assert.ErrorIs(t, p.SendRaw("t", "k", nil), ErrProducerClosed)
	assert.NoError(t, p.Close())
}

func TestConsumerConfig_Validate(t *testing.T) {
	cfg := DefaultConsumerConfig([]string{"127.0.0.1:9092"}, "g", []string{"t"})
	assert.NoError(t, cfg.Validate())

	bad := cfg
	bad.GroupID = ""
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConsumerConfig)

	bad = cfg
	bad.OffsetInitial = 7
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConsumerConfig)

	_, err := NewConsumer(cfg, nil)
	assert.ErrorIs(t, err, ErrInvalidConsumerConfig)
}

func TestConsumer_ProcessRetries(t *testing.T) {
	cfg := DefaultConsumerConfig([]string{"127.0.0.1:9092"}, "g", []string{"t"})
	cfg.RetryBackoff = time.Millisecond
	ctx := context.Background()

	calls := 0
	flaky := newConsumer(nil, cfg, func(ctx context.Context, rec Record) error {
		calls++
		if calls < 2 {
			return errors.New("flaky")
		}
		return nil
	})
	assert.True(t, flaky.process(ctx, Record{Topic: "t"}))
	assert.Equal(t, 2, calls)
	assert.Equal(t, ConsumerStats{Handled: 1, Retried: 1}, flaky.Stats())

	broken := newConsumer(nil, cfg, func(ctx context.Context, rec Record) error {
		return errors.New("always")
	})
	assert.True(t, broken.process(ctx, Record{Topic: "t"}))
	assert.Equal(t, ConsumerStats{Retried: 2, Skipped: 1}, broken.Stats())

	// 取消后不提交
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.False(t, broken.process(cancelled, Record{Topic: "t"}))
}
