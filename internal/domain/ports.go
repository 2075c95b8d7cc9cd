package domain

import (
	"context"
	"time"
)

// PaymentGateway описывает внешний платёжный шлюз.
type PaymentGateway interface {
	// Name возвращает код шлюза для транзакций и метрик.
	Name() string
	// CreateSession создаёт checkout-сессию.
	CreateSession(ctx context.Context, req CheckoutRequest) (CheckoutSession, error)
	// Refund выполняет возврат; повтор с тем же IdempotencyKey не должен дублировать возврат.
	Refund(ctx context.Context, req GatewayRefundRequest) (GatewayRefund, error)
}

// SessionStatusChecker — опциональная возможность шлюза сообщить статус сессии.
type SessionStatusChecker interface {
	SessionStatus(ctx context.Context, sessionRef string) (PaymentTxnStatus, error)
}

// Notifier доставляет пользовательские события; ошибки доставки ядро не видит.
type Notifier interface {
	Notify(ctx context.Context, userID, event string, payload any)
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// TimelineRepository хранит события жизненного цикла заказа.
type TimelineRepository interface {
	Append(ctx context.Context, event TimelineEvent) error
	List(ctx context.Context, orderID string) ([]TimelineEvent, error)
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	MarkDone(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	MarkFailed(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}
