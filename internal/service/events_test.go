package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProducer struct {
	key     []byte
	value   []byte
	headers map[string]string
	err     error
}

func (p *fakeProducer) ProduceMessage(_ context.Context, key, value []byte, headers map[string]string) error {
	p.key, p.value, p.headers = key, value, headers
	return p.err
}

func TestKafkaEventPublisher_Publish(t *testing.T) {
	producer := &fakeProducer{}
	event := newEvent(EventDisbursementCompleted, testAddress, "0.001", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	event.TxHash = testTxHash
	event.BlockNumber = 42

	require.NoError(t, NewKafkaEventPublisher(producer).Publish(context.Background(), event))

	_, err := uuid.Parse(event.EventID)
	require.NoError(t, err)
	assert.Equal(t, testAddress, string(producer.key))
	assert.Equal(t, EventDisbursementCompleted, producer.headers["event_type"])
	assert.Equal(t, event.EventID, producer.headers["event_id"])

	var decoded DisbursementEvent
	require.NoError(t, json.Unmarshal(producer.value, &decoded))
	assert.Equal(t, event, decoded)
}

func TestKafkaEventPublisher_PropagatesProducerError(t *testing.T) {
	producer := &fakeProducer{err: errors.New("broker down")}
	err := NewKafkaEventPublisher(producer).Publish(context.Background(), newEvent(EventDisbursementFailed, testAddress, "0.001", time.Now()))
	assert.Error(t, err)
}
