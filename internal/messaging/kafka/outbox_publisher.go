package kafka

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

var errPublisherNotInitialized = errors.New("kafka outbox publisher is not initialized")

// OutboxTopicPublisher переносит сообщения outbox в Kafka в виде OutboxEnvelope.
type OutboxTopicPublisher struct {
	producer *Producer
	topic    string
	now      func() time.Time
}

// NewOutboxPublisher создаёт publisher для relay. Пустой topic означает
// маршрутизацию по типу агрегата через TopicForAggregate.
func NewOutboxPublisher(producer *Producer, topic string) *OutboxTopicPublisher {
	return &OutboxTopicPublisher{
		producer: producer,
		topic:    topic,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Publish использует AggregateID как ключ партиционирования, поэтому события
// одного агрегата читаются в порядке записи.
func (p *OutboxTopicPublisher) Publish(event domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return errPublisherNotInitialized
	}
	_, _, err := p.producer.Send(p.message(event))
	return err
}

func (p *OutboxTopicPublisher) message(event domain.OutboxMessage) Message {
	msg := Message{
		Topic: p.topic,
		Key:   event.AggregateID,
		Value: OutboxEnvelope{
			ID:            event.ID,
			AggregateType: event.AggregateType,
			AggregateID:   event.AggregateID,
			EventType:     event.EventType,
			Payload:       json.RawMessage(event.Payload),
			PublishedAt:   p.now(),
		},
		Headers: map[string]string{
			HeaderEventType:     event.EventType,
			HeaderAggregateType: event.AggregateType,
		},
	}
	if msg.Topic == "" {
		msg.Topic = TopicForAggregate(event.AggregateType)
	}
	if msg.Key == "" {
		msg.Key = event.ID
	}
	return msg
}

var _ domain.OutboxPublisher = (*OutboxTopicPublisher)(nil)
