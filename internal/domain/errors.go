package domain

import (
	"errors"
	"fmt"
)

// ErrorCode: стабильный код ошибки, который видит вызывающая сторона.
type ErrorCode string

const (
	CodeValidation                ErrorCode = "validation_error"
	CodeNotFound                  ErrorCode = "not_found"
	CodeConflict                  ErrorCode = "conflict"
	CodeRateConfigurationMissing  ErrorCode = "rate_configuration_missing"
	CodeCouponInvalid             ErrorCode = "coupon_invalid"
	CodePaymentVerificationFailed ErrorCode = "payment_verification_failed"
	CodeGatewayUnavailable        ErrorCode = "gateway_unavailable"
	CodeUnauthorized              ErrorCode = "unauthorized"
	CodeForbidden                 ErrorCode = "forbidden"
)

// Error несёт код, опциональную причину и сообщение для человека.
//
// Сентинел без Message (категория) совпадает через errors.Is с любой ошибкой
// того же кода, а если у него задан Reason, то ещё и с той же причиной.
// Конкретные сентинелы (ErrOrderNotFound и т.п.) совпадают только сами с собой.
type Error struct {
	Code    ErrorCode
	Reason  string
	Message string
	Details map[string]string
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Reason != "":
		return fmt.Sprintf("%s(%s): %s", e.Code, e.Reason, e.Message)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	case e.Reason != "":
		return fmt.Sprintf("%s(%s)", e.Code, e.Reason)
	default:
		return string(e.Code)
	}
}

// Is реализует сравнение по категории для errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Message != "" {
		return false
	}
	if t.Code != e.Code {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// Категории ошибок.
var (
	ErrValidation                = &Error{Code: CodeValidation}
	ErrNotFound                  = &Error{Code: CodeNotFound}
	ErrConflict                  = &Error{Code: CodeConflict}
	ErrRateConfigurationMissing  = &Error{Code: CodeRateConfigurationMissing}
	ErrCouponInvalid             = &Error{Code: CodeCouponInvalid}
	ErrPaymentVerificationFailed = &Error{Code: CodePaymentVerificationFailed}
	ErrGatewayUnavailable        = &Error{Code: CodeGatewayUnavailable}
	ErrUnauthorized              = &Error{Code: CodeUnauthorized}
	ErrForbidden                 = &Error{Code: CodeForbidden}
)

var (
	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = &Error{Code: CodeNotFound, Message: "order not found"}
	// ErrOrderVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrOrderVersionConflict = &Error{Code: CodeConflict, Message: "order was modified concurrently"}
	// ErrOrderAlreadyExists: заказ с таким ID уже создан.
	ErrOrderAlreadyExists = &Error{Code: CodeConflict, Message: "order already exists"}
	// ErrCouponNotFound — купон не найден (админские и вендорские операции).
	ErrCouponNotFound = &Error{Code: CodeNotFound, Message: "coupon not found"}
	// ErrCouponCodeTaken: код купона уже занят.
	ErrCouponCodeTaken = &Error{Code: CodeConflict, Message: "coupon code already exists"}
	// ErrCouponVersionConflict: купон изменён параллельно или лимит ниже usedCount.
	ErrCouponVersionConflict = &Error{Code: CodeConflict, Message: "coupon was modified concurrently"}
	// ErrRateSettingNotFound: настройка ставок не найдена.
	ErrRateSettingNotFound = &Error{Code: CodeNotFound, Message: "rate setting not found"}
	// ErrPaymentTxnNotFound — неизвестная платёжная транзакция.
	ErrPaymentTxnNotFound = &Error{Code: CodeNotFound, Message: "payment transaction not found"}
	// ErrPaymentTxnStatusConflict: условный переход статуса транзакции не выполнился.
	ErrPaymentTxnStatusConflict = &Error{Code: CodeConflict, Message: "payment transaction status changed concurrently"}
	// ErrRefundExceedsPayment: сумма возврата больше оставшейся суммы платежа.
	ErrRefundExceedsPayment = &Error{Code: CodeValidation, Message: "refund amount exceeds refundable amount"}
	// ErrReturnNotFound: заявка на возврат не найдена.
	ErrReturnNotFound = &Error{Code: CodeNotFound, Message: "return request not found"}
	// ErrReturnVersionConflict — заявка на возврат изменена параллельно.
	ErrReturnVersionConflict = &Error{Code: CodeConflict, Message: "return request was modified concurrently"}
	// ErrReturnQtyExceeded: количество превышает остаток, доступный к возврату.
	ErrReturnQtyExceeded = &Error{Code: CodeValidation, Message: "return quantity exceeds returnable quantity"}
)

var (
	// ErrOutboxPublish: ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
	// ErrIdempotencyKeyRequired: пустой idempotency-key.
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	// ErrIdempotencyRequestHashRequired — пустой хеш запроса.
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	// ErrIdempotencyKeyAlreadyExists: ключ уже использован тем же запросом.
	ErrIdempotencyKeyAlreadyExists = errors.New("idempotency key already exists")
	// ErrIdempotencyHashMismatch: ключ уже использован другим запросом.
	ErrIdempotencyHashMismatch = errors.New("idempotency key reused with different request")
	// ErrIdempotencyKeyNotFound: ключ не найден.
	ErrIdempotencyKeyNotFound = errors.New("idempotency key not found")
)

// NewValidationError создаёт ошибку валидации входных данных.
func NewValidationError(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// NewNotFoundError создаёт ошибку отсутствующей сущности.
func NewNotFoundError(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// NewConflictError создаёт ошибку недопустимого перехода или проигранной гонки.
func NewConflictError(format string, args ...any) *Error {
	return &Error{Code: CodeConflict, Message: fmt.Sprintf(format, args...)}
}

// NewForbiddenError создаёт ошибку недостаточных прав.
func NewForbiddenError(format string, args ...any) *Error {
	return &Error{Code: CodeForbidden, Message: fmt.Sprintf(format, args...)}
}

// NewRateConfigurationMissing называет продавца, страну и вид ставки, которой нет.
func NewRateConfigurationMissing(kind RateKind, sellerID, country string) *Error {
	return &Error{
		Code:    CodeRateConfigurationMissing,
		Reason:  string(kind),
		Message: fmt.Sprintf("no %s rate configured for seller %q in country %q", kind, sellerID, country),
		Details: map[string]string{
			"kind":      string(kind),
			"seller_id": sellerID,
			"country":   country,
		},
	}
}

// NewCouponInvalid создаёт ошибку невалидного купона с кодом причины.
func NewCouponInvalid(reason CouponInvalidReason, code string) *Error {
	return &Error{
		Code:    CodeCouponInvalid,
		Reason:  string(reason),
		Message: fmt.Sprintf("coupon %q cannot be applied: %s", code, reason),
		Details: map[string]string{"coupon_code": code},
	}
}

// CouponInvalid возвращает категорию для проверки конкретной причины через errors.Is.
func CouponInvalid(reason CouponInvalidReason) *Error {
	return &Error{Code: CodeCouponInvalid, Reason: string(reason)}
}

// NewPaymentVerificationFailed создаёт ошибку проверки подписи/секрета callback.
func NewPaymentVerificationFailed(format string, args ...any) *Error {
	return &Error{Code: CodePaymentVerificationFailed, Message: fmt.Sprintf(format, args...)}
}

// NewGatewayUnavailable создаёт ошибку внешнего платёжного шлюза.
func NewGatewayUnavailable(op string, cause error) error {
	return fmt.Errorf("%w: %w", &Error{Code: CodeGatewayUnavailable, Message: op + " failed"}, cause)
}

// AsError достаёт доменную ошибку из цепочки.
func AsError(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrOrderVersionConflict) ||
		errors.Is(err, ErrCouponVersionConflict) ||
		errors.Is(err, ErrReturnVersionConflict)
}

// IsIdempotencyConflict проверяет, что idempotency-key уже занят.
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) || errors.Is(err, ErrIdempotencyHashMismatch)
}
