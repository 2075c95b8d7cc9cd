package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/messaging/kafka"
)

// EventPublisher — часть kafka.Producer, нужная уведомлениям.
type EventPublisher interface {
	PublishEventWithHeaders(topic, key string, event any, headers map[string]string) error
}

// KafkaNotifier публикует уведомления в общий topic, откуда их читают все инстансы API.
type KafkaNotifier struct {
	publisher EventPublisher
	topic     string
	logger    *log.Entry
}

// NewKafkaNotifier создаёт notifier; пустой topic означает kafka.TopicNotifications.
func NewKafkaNotifier(publisher EventPublisher, topic string, logger *log.Entry) *KafkaNotifier {
	if topic == "" {
		topic = kafka.TopicNotifications
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &KafkaNotifier{
		publisher: publisher,
		topic:     topic,
		logger:    logger.WithField("component", "notify-kafka"),
	}
}

// Notify ошибки доставки только логирует.
func (n *KafkaNotifier) Notify(_ context.Context, userID, event string, payload any) {
	fields := log.Fields{"user_id": userID, "event": event}

	msg, err := kafka.NewNotificationEvent(userID, event, payload)
	if err != nil {
		n.logger.WithError(err).WithFields(fields).Error("failed to encode notification")
		return
	}
	if err := n.publisher.PublishEventWithHeaders(n.topic, userID, msg, map[string]string{
		kafka.HeaderEventType: event,
	}); err != nil {
		n.logger.WithError(err).WithFields(fields).Warn("failed to publish notification")
	}
}

// NewKafkaHandler раздаёт уведомления из Kafka локальным подписчикам реестра.
// Нечитаемое сообщение возвращает ошибку и после повторов уходит в DLQ.
func NewKafkaHandler(registry *Registry) kafka.MessageHandler {
	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		event, err := kafka.ParseNotificationEvent(message)
		if err != nil {
			return fmt.Errorf("parse notification at offset %d: %w", message.Offset, err)
		}
		var payload any
		if len(event.Payload) > 0 {
			payload = json.RawMessage(event.Payload)
		}
		registry.Notify(ctx, event.UserID, event.Event, payload)
		return nil
	}
}

// Fanout передаёт уведомление каждому notifier по порядку.
type Fanout []domain.Notifier

func (f Fanout) Notify(ctx context.Context, userID, event string, payload any) {
	for _, n := range f {
		if n != nil {
			n.Notify(ctx, userID, event, payload)
		}
	}
}

// Nop игнорирует уведомления.
type Nop struct{}

func (Nop) Notify(context.Context, string, string, any) {}

var (
	_ domain.Notifier = (*KafkaNotifier)(nil)
	_ domain.Notifier = Fanout(nil)
	_ domain.Notifier = Nop{}
)
