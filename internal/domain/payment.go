package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentTxnStatus описывает состояние платёжной транзакции.
type PaymentTxnStatus string

const (
	// PaymentTxnPending: сессия создана, ждём callback.
	PaymentTxnPending PaymentTxnStatus = "pending"
	// PaymentTxnSucceeded: шлюз подтвердил оплату.
	PaymentTxnSucceeded PaymentTxnStatus = "succeeded"
	// PaymentTxnFailed — оплата не прошла или callback не прошёл проверку.
	PaymentTxnFailed PaymentTxnStatus = "failed"
	// PaymentTxnRefunded: сумма полностью возвращена.
	PaymentTxnRefunded PaymentTxnStatus = "refunded"
)

// Terminal сообщает, что callback по транзакции уже применён.
func (s PaymentTxnStatus) Terminal() bool {
	return s == PaymentTxnSucceeded || s == PaymentTxnFailed || s == PaymentTxnRefunded
}

// PaymentTransaction описывает одну попытку оплаты заказа.
type PaymentTransaction struct {
	ID string
	// ExternalTxnID: ключ идемпотентности для callback-ов шлюза.
	ExternalTxnID string
	OrderID       string
	CustomerID    string
	Gateway       string
	SessionRef    string
	CheckoutURL   string
	// PaymentRef — ссылка на платёж у шлюза (нужна для возвратов).
	PaymentRef     string
	Amount         decimal.Decimal
	Currency       string
	Status         PaymentTxnStatus
	RefundedAmount decimal.Decimal
	FailureReason  string
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Refundable возвращает сумму, которую ещё можно вернуть.
func (t PaymentTransaction) Refundable() decimal.Decimal {
	if t.Status != PaymentTxnSucceeded {
		return decimal.Zero
	}
	rest := t.Amount.Sub(t.RefundedAmount)
	if rest.IsNegative() {
		return decimal.Zero
	}
	return rest
}

// TxnResolution: данные, сохраняемые при переходе транзакции в конечный статус.
type TxnResolution struct {
	PaymentRef    string
	FailureReason string
}

// PaymentRefund: запись о выполненном возврате по ключу идемпотентности.
type PaymentRefund struct {
	TxnID          string
	IdempotencyKey string
	Amount         decimal.Decimal
	RefundRef      string
	CreatedAt      time.Time
}

// CallbackSource: канал, по которому пришло подтверждение оплаты.
type CallbackSource string

const (
	// CallbackSourceIPN — серверный webhook шлюза.
	CallbackSourceIPN CallbackSource = "ipn"
	// CallbackSourceRedirect: браузерный редирект на /payments/success|cancel.
	CallbackSourceRedirect CallbackSource = "redirect"
)

// CallbackProof: доказательство подлинности callback.
type CallbackProof struct {
	Payload   []byte
	Signature string
}

// PaymentCallback: нормализованный callback шлюза.
type PaymentCallback struct {
	Source         CallbackSource
	ExternalTxnID  string
	ReportedStatus PaymentTxnStatus
	PaymentRef     string
	Proof          CallbackProof
}

// CallbackResult — результат применения callback.
type CallbackResult struct {
	TxnID         string
	ExternalTxnID string
	OrderID       string
	Status        PaymentTxnStatus
	// Duplicate выставляется, когда callback уже был применён ранее.
	Duplicate bool
}

// CheckoutRequest: запрос к шлюзу на создание платёжной сессии.
type CheckoutRequest struct {
	ExternalTxnID string
	OrderID       string
	CustomerID    string
	Amount        decimal.Decimal
	Currency      string
	SuccessURL    string
	CancelURL     string
	Description   string
}

// CheckoutSession: ответ шлюза.
type CheckoutSession struct {
	SessionRef  string
	RedirectURL string
	PaymentRef  string
}

// GatewayRefundRequest: запрос к шлюзу на возврат.
type GatewayRefundRequest struct {
	ExternalTxnID  string
	SessionRef     string
	PaymentRef     string
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
	Reason         string
}

// GatewayRefund — ответ шлюза на возврат.
type GatewayRefund struct {
	RefundRef string
}
