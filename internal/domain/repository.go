package domain

import "context"

// OrderRepository описывает требования к хранилищу заказов.
type OrderRepository interface {
	// Create сохраняет новый заказ. Возвращает ErrOrderAlreadyExists, если ID занят.
	Create(ctx context.Context, order Order) error
	// Get возвращает заказ по идентификатору или ErrOrderNotFound, если его нет.
	Get(ctx context.Context, id string) (Order, error)
	// ListByCustomer возвращает заказы клиента с опциональным ограничением на количество.
	ListByCustomer(ctx context.Context, customerID string, limit int) ([]Order, error)
	// Save применяет обновления статуса, отгрузки и ссылки на оплату с учётом optimistic locking.
	// Версия в аргументе: ожидаемая текущая; при успехе хранилище увеличивает её на 1.
	Save(ctx context.Context, order Order) error
}

// CouponRepository хранит купоны и журнал погашений.
type CouponRepository interface {
	Create(ctx context.Context, coupon Coupon) error
	Get(ctx context.Context, id string) (Coupon, error)
	GetByCode(ctx context.Context, code string) (Coupon, error)
	// Update меняет условия купона, не трогая UsedCount; не даёт опустить
	// UsageLimitTotal ниже текущего UsedCount.
	Update(ctx context.Context, coupon Coupon) error
	// Redeem атомарно увеличивает UsedCount и счётчик пользователя под защитой лимитов.
	// Повторный вызов для того же заказа ничего не меняет.
	Redeem(ctx context.Context, redemption CouponRedemption) error
	// RedemptionCount возвращает число погашений купона пользователем.
	RedemptionCount(ctx context.Context, couponID, userID string) (int, error)
}

// RateRepository хранит настройки налогов и доставки.
type RateRepository interface {
	Upsert(ctx context.Context, setting RateSetting) error
	// Get возвращает настройку владельца или ErrRateSettingNotFound.
	Get(ctx context.Context, kind RateKind, ownerType RateOwnerType, ownerID string) (RateSetting, error)
}

// PaymentTxnRepository хранит платёжные транзакции.
type PaymentTxnRepository interface {
	Create(ctx context.Context, txn PaymentTransaction) error
	Get(ctx context.Context, id string) (PaymentTransaction, error)
	GetByExternalID(ctx context.Context, externalTxnID string) (PaymentTransaction, error)
	// AttachSession сохраняет ссылку на сессию, пока транзакция в pending.
	AttachSession(ctx context.Context, id string, session CheckoutSession) error
	// Resolve условно переводит транзакцию из from в to; проигравший получает ErrPaymentTxnStatusConflict.
	Resolve(ctx context.Context, externalTxnID string, from, to PaymentTxnStatus, res TxnResolution) (PaymentTransaction, error)
	// FindRefund ищет ранее выполненный возврат по ключу идемпотентности.
	FindRefund(ctx context.Context, txnID, idempotencyKey string) (PaymentRefund, bool, error)
	// RecordRefund атомарно фиксирует возврат и увеличивает RefundedAmount;
	// при полном возврате транзакция переходит в refunded.
	RecordRefund(ctx context.Context, refund PaymentRefund) (PaymentTransaction, error)
}

// ReturnRepository хранит заявки на возврат.
type ReturnRepository interface {
	// Create атомарно проверяет остаток к возврату по всем заявкам заказа
	// (CheckReturnable) и сохраняет заявку.
	Create(ctx context.Context, order Order, ret ReturnRequest) error
	Get(ctx context.Context, id string) (ReturnRequest, error)
	ListByOrder(ctx context.Context, orderID string) ([]ReturnRequest, error)
	// Transition условно меняет статус и дописывает запись в журнал.
	Transition(ctx context.Context, tr ReturnTransition) (ReturnRequest, error)
}

