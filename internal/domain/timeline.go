package domain

import "time"

// Типы событий timeline заказа.
const (
	TimelineOrderCreated           = "OrderCreated"
	TimelineStatusChanged          = "StatusChanged"
	TimelineLinesShipped           = "LinesShipped"
	TimelineCheckoutStarted        = "CheckoutStarted"
	TimelinePaymentSucceeded       = "PaymentSucceeded"
	TimelinePaymentFailed          = "PaymentFailed"
	TimelinePaymentRefunded        = "PaymentRefunded"
	TimelineCouponRedemptionFailed = "CouponRedemptionFailed"
	TimelineReturnRequested        = "ReturnRequested"
	TimelineReturnStatusChanged    = "ReturnStatusChanged"
)

// TimelineEvent: запись в истории заказа.
// Actor: ID вызывающего; пусто для событий, пришедших от шлюза и фоновых процессов.
type TimelineEvent struct {
	OrderID  string
	Type     string
	Reason   string
	Actor    string
	Occurred time.Time
}
