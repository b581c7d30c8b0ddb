package kafka

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpx.com/pkg/event"
)

type captureSender struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (c *captureSender) Send(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

func TestEventSink_Emit(t *testing.T) {
	sender := &captureSender{}
	sink := NewEventSink(sender, "")

	ev := event.New(event.TypeNewPosition, "alice", 1_700_000_000, map[string]int64{"margin": 100})
	sink.Emit(ev)

	require.Len(t, sender.msgs, 1)
	msg := sender.msgs[0]
	assert.Equal(t, TopicEngineEvents, msg.Topic())
	assert.Equal(t, "alice", msg.Key())

	data, err := msg.Value()
	require.NoError(t, err)
	var decoded event.Event
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, ev.ID, decoded.ID)
	assert.Equal(t, event.TypeNewPosition, decoded.Type)
	assert.Equal(t, int64(1_700_000_000), decoded.Time)
}

func TestEventSink_SendFailureCounted(t *testing.T) {
	sender := &captureSender{err: ErrProducerClosed}
	sink := NewEventSink(sender, "custom")

	sink.Emit(event.New(event.TypeStaked, "lp", 1, nil))
	sink.Emit(event.New(event.TypeRedeemed, "lp", 2, nil))
	assert.Equal(t, int64(2), sink.Dropped())
}

