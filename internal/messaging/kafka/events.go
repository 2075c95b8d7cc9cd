package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// Topics для Kafka
const (
	TopicOrderEvents     = "marketplace.order.events"
	TopicPaymentEvents   = "marketplace.payment.events"
	TopicReturnEvents    = "marketplace.return.events"
	TopicCouponEvents    = "marketplace.coupon.events"
	TopicNotifications   = "marketplace.notifications"
	TopicDeadLetterQueue = "marketplace.dlq" // Dead Letter Queue для failed messages
)

// Kafka headers
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
	HeaderEventType     = "x-event-type"
	HeaderAggregateType = "x-aggregate-type"
)

// TopicForAggregate возвращает topic доменных событий агрегата.
// Неизвестные агрегаты уходят в topic заказов.
func TopicForAggregate(aggregateType string) string {
	switch aggregateType {
	case domain.AggregatePayment:
		return TopicPaymentEvents
	case domain.AggregateReturn:
		return TopicReturnEvents
	case domain.AggregateCoupon:
		return TopicCouponEvents
	default:
		return TopicOrderEvents
	}
}

// OutboxEnvelope задаёт формат доменного события в Kafka.
type OutboxEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// NotificationEvent — пользовательское уведомление, которое разносится по инстансам API.
type NotificationEvent struct {
	UserID    string          `json:"user_id"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewNotificationEvent сериализует payload уведомления.
func NewNotificationEvent(userID, event string, payload any) (*NotificationEvent, error) {
	var body json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal notification payload: %w", err)
		}
		body = raw
	}
	return &NotificationEvent{
		UserID:    userID,
		Event:     event,
		Payload:   body,
		Timestamp: time.Now().UTC(),
	}, nil
}

// ParseNotificationEvent парсит NotificationEvent из сообщения
func ParseNotificationEvent(message *sarama.ConsumerMessage) (*NotificationEvent, error) {
	var event NotificationEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal notification event: %w", err)
	}
	if event.UserID == "" || event.Event == "" {
		return nil, fmt.Errorf("notification event without user or type")
	}
	return &event, nil
}

// ParseOutboxEnvelope парсит доменное событие из сообщения
func ParseOutboxEnvelope(message *sarama.ConsumerMessage) (*OutboxEnvelope, error) {
	var envelope OutboxEnvelope
	if err := json.Unmarshal(message.Value, &envelope); err != nil {
		return nil, fmt.Errorf("failed to unmarshal outbox envelope: %w", err)
	}
	return &envelope, nil
}
