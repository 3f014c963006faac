package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	EventDisbursementCompleted = "disbursement.completed"
	EventDisbursementFailed    = "disbursement.failed"
)

// DisbursementEvent announces the terminal outcome of one ledger record.
type DisbursementEvent struct {
	EventID     string    `json:"event_id"`
	Type        string    `json:"type"`
	Address     string    `json:"address"`
	Amount      string    `json:"amount"`
	TxHash      string    `json:"tx_hash,omitempty"`
	BlockNumber uint64    `json:"block_number,omitempty"`
	Error       string    `json:"error,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

type EventPublisher interface {
	Publish(ctx context.Context, event DisbursementEvent) error
}

// MessageProducer is satisfied by client.KafkaProducer.
type MessageProducer interface {
	ProduceMessage(ctx context.Context, key, value []byte, headers map[string]string) error
}

// KafkaEventPublisher encodes events as JSON keyed by recipient address.
type KafkaEventPublisher struct {
	producer MessageProducer
}

func NewKafkaEventPublisher(producer MessageProducer) *KafkaEventPublisher {
	return &KafkaEventPublisher{producer: producer}
}

func (p *KafkaEventPublisher) Publish(ctx context.Context, event DisbursementEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return p.producer.ProduceMessage(ctx, []byte(event.Address), payload, map[string]string{
		"event_type": event.Type,
		"event_id":   event.EventID,
	})
}

// NoopPublisher drops events. Used when no broker is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, DisbursementEvent) error { return nil }

func newEvent(eventType, address, amount string, now time.Time) DisbursementEvent {
	return DisbursementEvent{
		EventID:    uuid.NewString(),
		Type:       eventType,
		Address:    address,
		Amount:     amount,
		OccurredAt: now.UTC(),
	}
}
