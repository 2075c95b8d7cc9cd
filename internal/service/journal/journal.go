// Package journal записывает побочные следы доменных операций: timeline заказа,
// сообщения outbox и пользовательские уведомления.
//
// Все записи best-effort: ошибка логируется и не откатывает уже применённый переход.
package journal

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// Metrics: счётчики записей журнала.
type Metrics interface {
	RecordTimelineEvent()
	RecordOutboxEvent(eventType string)
}

// Option настраивает Journal.
type Option func(*Journal)

// WithMetrics подключает метрики.
func WithMetrics(m Metrics) Option {
	return func(j *Journal) { j.metrics = m }
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(j *Journal) { j.now = now }
}

// Journal объединяет timeline, outbox и notifier.
type Journal struct {
	timeline domain.TimelineRepository
	outbox   domain.OutboxRepository
	notifier domain.Notifier
	metrics  Metrics
	logger   *log.Entry
	now      func() time.Time
}

// New создаёт журнал. Любая из зависимостей может быть nil.
func New(timeline domain.TimelineRepository, outbox domain.OutboxRepository, notifier domain.Notifier, logger *log.Entry, opts ...Option) *Journal {
	if logger == nil {
		logger = log.WithField("component", "journal")
	}
	j := &Journal{
		timeline: timeline,
		outbox:   outbox,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Timeline добавляет событие в историю заказа. Автор берётся из контекста запроса.
func (j *Journal) Timeline(ctx context.Context, orderID, eventType, reason string) {
	if j == nil || j.timeline == nil {
		return
	}
	event := domain.TimelineEvent{
		OrderID:  orderID,
		Type:     eventType,
		Reason:   reason,
		Occurred: j.now().UTC(),
	}
	if actor, ok := domain.ActorFromContext(ctx); ok {
		event.Actor = actor.ID
	}
	if err := j.timeline.Append(ctx, event); err != nil {
		j.logger.WithError(err).WithFields(log.Fields{
			"order_id": orderID,
			"type":     eventType,
		}).Warn("failed to append timeline event")
		return
	}
	if j.metrics != nil {
		j.metrics.RecordTimelineEvent()
	}
}

// Emit сериализует событие и ставит его в outbox.
func (j *Journal) Emit(ctx context.Context, aggregateType, aggregateID, eventType string, payload any) {
	if j == nil || j.outbox == nil {
		return
	}
	msg, err := domain.NewOutboxMessage(aggregateType, aggregateID, eventType, payload)
	if err != nil {
		j.logger.WithError(err).WithField("event_type", eventType).Warn("failed to encode outbox payload")
		return
	}
	if _, err := j.outbox.Enqueue(ctx, msg); err != nil {
		j.logger.WithError(err).WithFields(log.Fields{
			"aggregate_id": aggregateID,
			"event_type":   eventType,
		}).Warn("failed to enqueue outbox message")
		return
	}
	if j.metrics != nil {
		j.metrics.RecordOutboxEvent(eventType)
	}
}

// Notify отправляет событие каждому получателю, пропуская пустые и повторные ID.
func (j *Journal) Notify(ctx context.Context, event string, payload any, userIDs ...string) {
	if j == nil || j.notifier == nil {
		return
	}
	seen := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		j.notifier.Notify(ctx, id, event, payload)
	}
}

// Timelines возвращает историю заказа.
func (j *Journal) Timelines(ctx context.Context, orderID string) ([]domain.TimelineEvent, error) {
	if j == nil || j.timeline == nil {
		return nil, nil
	}
	return j.timeline.List(ctx, orderID)
}
