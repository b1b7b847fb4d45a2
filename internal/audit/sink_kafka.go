package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"idmint/internal/platform/kafka/producer"
)

// MessageProducer is the subset of the Kafka producer used by KafkaStore.
type MessageProducer interface {
	Produce(ctx context.Context, msg *producer.Message) error
}

// KafkaStore publishes events as JSON records keyed by session ID, so all
// events for a session land on the same partition in order.
type KafkaStore struct {
	producer MessageProducer
	topic    string
}

func NewKafkaStore(p MessageProducer, topic string) *KafkaStore {
	return &KafkaStore{producer: p, topic: topic}
}

func (k *KafkaStore) Append(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	key := event.SessionID
	if key == "" {
		key = event.Subject
	}
	return k.producer.Produce(ctx, &producer.Message{
		Topic:   k.topic,
		Key:     []byte(key),
		Value:   payload,
		Headers: map[string]string{"event_type": string(event.Action)},
	})
}
