// Package payment связывает заказы с внешним платёжным шлюзом: создаёт checkout-сессии,
// применяет callback-и шлюза ровно один раз и выполняет возвраты.
package payment

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/service/journal"
)

const (
	defaultGatewayTimeout = 10 * time.Second
	settleAttempts        = 3

	// lateCaptureReason помечает транзакцию, списанную шлюзом уже после failed.
	lateCaptureReason = "captured_after_failure"
)

var errLateCapture = errors.New("payment captured after the transaction was marked failed")

var tracer = otel.Tracer("github.com/vladislavdragonenkov/marketplace/internal/service/payment")

// Результаты обработки callback для метрик.
const (
	ResultSucceeded          = "succeeded"
	ResultFailed             = "failed"
	ResultPending            = "pending"
	ResultDuplicate          = "duplicate"
	ResultUnknownTxn         = "unknown_txn"
	ResultVerificationFailed = "verification_failed"
	ResultIgnored            = "ignored"
	ResultLateCapture        = "late_capture"
	ResultError              = "error"
)

// Orders: операции менеджера заказов, нужные адаптеру.
type Orders interface {
	Get(ctx context.Context, orderID string, actor domain.Actor) (domain.Order, error)
	LinkPayment(ctx context.Context, orderID, txnID string) (domain.Order, error)
	MarkPaid(ctx context.Context, orderID, txnID string) (domain.Order, error)
}

// Coupons: проверка купонов перед оплатой и отложенное погашение после неё.
type Coupons interface {
	Validate(ctx context.Context, code, userID string, lines []domain.CartLine) (domain.Coupon, error)
	Redeem(ctx context.Context, couponID, userID, orderID string) error
}

// Metrics — метрики платёжного адаптера.
type Metrics interface {
	RecordCallback(source domain.CallbackSource, result string)
	ObserveGatewayCall(gateway, op string, d time.Duration, err error)
	RecordRefund(result string)
}

// Config: параметры адаптера.
type Config struct {
	// PublicBaseURL: внешний адрес API для success/cancel redirect-ов.
	PublicBaseURL  string
	GatewayTimeout time.Duration
}

// Dependencies собирает зависимости Reconciler.
type Dependencies struct {
	Txns     domain.PaymentTxnRepository
	Orders   Orders
	Coupons  Coupons
	Gateway  domain.PaymentGateway
	IPN      IPNParser
	Signer   *Signer
	Journal  *journal.Journal
	Verifier map[domain.CallbackSource]ProofVerifier
}

// Event — payload платёжных событий в outbox и уведомлениях.
type Event struct {
	TxnID         string                  `json:"txn_id"`
	ExternalTxnID string                  `json:"external_txn_id"`
	OrderID       string                  `json:"order_id"`
	Status        domain.PaymentTxnStatus `json:"status"`
	Amount        string                  `json:"amount"`
	Currency      string                  `json:"currency"`
	Refunded      string                  `json:"refunded,omitempty"`
	Reason        string                  `json:"reason,omitempty"`
}

// Option настраивает Reconciler.
type Option func(*Reconciler)

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithMetrics подключает метрики.
func WithMetrics(m Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// Reconciler сверяет платежи со шлюзом и двигает заказы.
type Reconciler struct {
	txns      domain.PaymentTxnRepository
	orders    Orders
	coupons   Coupons
	gateway   domain.PaymentGateway
	ipn       IPNParser
	signer    *Signer
	journal   *journal.Journal
	verifiers map[domain.CallbackSource]ProofVerifier

	baseURL string
	timeout time.Duration
	logger  *log.Entry
	metrics Metrics
	now     func() time.Time
}

// NewReconciler собирает адаптер. Gateway, Txns, Orders и Signer обязательны.
func NewReconciler(deps Dependencies, cfg Config, logger *log.Entry, opts ...Option) (*Reconciler, error) {
	switch {
	case deps.Txns == nil:
		return nil, errors.New("payment: transaction repository is required")
	case deps.Orders == nil:
		return nil, errors.New("payment: order manager is required")
	case deps.Gateway == nil:
		return nil, errors.New("payment: gateway is required")
	case deps.Signer == nil:
		return nil, errors.New("payment: redirect signer is required")
	}
	if logger == nil {
		logger = log.WithField("component", "payment-reconciler")
	}
	timeout := cfg.GatewayTimeout
	if timeout <= 0 {
		timeout = defaultGatewayTimeout
	}

	verifiers := make(map[domain.CallbackSource]ProofVerifier, len(deps.Verifier))
	for source, v := range deps.Verifier {
		verifiers[source] = v
	}

	r := &Reconciler{
		txns:      deps.Txns,
		orders:    deps.Orders,
		coupons:   deps.Coupons,
		gateway:   deps.Gateway,
		ipn:       deps.IPN,
		signer:    deps.Signer,
		journal:   deps.Journal,
		verifiers: verifiers,
		baseURL:   strings.TrimRight(cfg.PublicBaseURL, "/"),
		timeout:   timeout,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// CreateCheckoutSession создаёт транзакцию и платёжную сессию для заказа клиента.
// Транзакция сохраняется до вызова шлюза: при ошибке шлюза она остаётся pending без сессии,
// а заказ не меняется.
func (r *Reconciler) CreateCheckoutSession(ctx context.Context, actor domain.Actor, orderID string) (domain.PaymentTransaction, error) {
	if actor.ID == "" {
		return domain.PaymentTransaction{}, domain.ErrUnauthorized
	}
	if actor.Role != domain.RoleCustomer {
		return domain.PaymentTransaction{}, domain.NewForbiddenError("only the order owner can pay for an order")
	}

	order, err := r.orders.Get(ctx, orderID, actor)
	if err != nil {
		return domain.PaymentTransaction{}, err
	}
	if order.Status != domain.OrderStatusCreated && order.Status != domain.OrderStatusPaymentPending {
		return domain.PaymentTransaction{}, domain.NewConflictError("order %s is %s, checkout is not allowed", order.ID, order.Status)
	}
	if err := r.revalidateCoupons(ctx, order); err != nil {
		return domain.PaymentTransaction{}, err
	}

	now := r.now().UTC()
	txn := domain.PaymentTransaction{
		ID:            uuid.NewString(),
		ExternalTxnID: uuid.NewString(),
		OrderID:       order.ID,
		CustomerID:    order.CustomerID,
		Gateway:       r.gateway.Name(),
		Amount:        order.Total,
		Currency:      order.Currency,
		Status:        domain.PaymentTxnPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := r.txns.Create(ctx, txn); err != nil {
		return domain.PaymentTransaction{}, fmt.Errorf("persist payment txn: %w", err)
	}

	logger := r.logger.WithFields(log.Fields{
		"order_id":        order.ID,
		"txn_id":          txn.ID,
		"external_txn_id": txn.ExternalTxnID,
	})

	req := domain.CheckoutRequest{
		ExternalTxnID: txn.ExternalTxnID,
		OrderID:       order.ID,
		CustomerID:    order.CustomerID,
		Amount:        order.Total,
		Currency:      order.Currency,
		SuccessURL:    r.redirectURL("success", txn.ExternalTxnID, domain.PaymentTxnSucceeded),
		CancelURL:     r.redirectURL("cancel", txn.ExternalTxnID, domain.PaymentTxnFailed),
		Description:   "Order " + order.ID,
	}

	var session domain.CheckoutSession
	err = r.callGateway(ctx, "create_session", func(ctx context.Context) error {
		var callErr error
		session, callErr = r.gateway.CreateSession(ctx, req)
		return callErr
	})
	if err != nil {
		logger.WithError(err).Warn("gateway did not create checkout session")
		return domain.PaymentTransaction{}, domain.NewGatewayUnavailable("create checkout session", err)
	}

	if err := r.txns.AttachSession(ctx, txn.ID, session); err != nil {
		logger.WithError(err).Error("failed to attach checkout session")
		return domain.PaymentTransaction{}, fmt.Errorf("attach checkout session: %w", err)
	}
	txn.SessionRef = session.SessionRef
	txn.CheckoutURL = session.RedirectURL
	txn.PaymentRef = session.PaymentRef

	if _, err := r.orders.LinkPayment(ctx, order.ID, txn.ID); err != nil {
		// Заказ успели отменить или изменить: сессия не должна привести к оплате.
		if _, rerr := r.txns.Resolve(ctx, txn.ExternalTxnID, domain.PaymentTxnPending, domain.PaymentTxnFailed,
			domain.TxnResolution{FailureReason: "order_link_failed"}); rerr != nil {
			logger.WithError(rerr).Warn("failed to abandon payment txn")
		}
		return domain.PaymentTransaction{}, err
	}

	logger.WithField("session_ref", session.SessionRef).Info("checkout session created")
	r.journal.Timeline(ctx, order.ID, domain.TimelineCheckoutStarted, txn.ID)

	return txn, nil
}

func (r *Reconciler) revalidateCoupons(ctx context.Context, order domain.Order) error {
	if r.coupons == nil || len(order.Coupons) == 0 {
		return nil
	}
	lines := order.Lines()
	for _, applied := range order.Coupons {
		if _, err := r.coupons.Validate(ctx, applied.Code, order.CustomerID, lines); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) redirectURL(kind, externalTxnID string, status domain.PaymentTxnStatus) string {
	q := url.Values{}
	q.Set("txn", externalTxnID)
	q.Set("sig", r.signer.Sign(externalTxnID, string(status)))
	return r.baseURL + "/payments/" + kind + "?" + q.Encode()
}

// RedirectCallback собирает callback из параметров success/cancel redirect.
func RedirectCallback(externalTxnID, signature string, status domain.PaymentTxnStatus) domain.PaymentCallback {
	return domain.PaymentCallback{
		Source:         domain.CallbackSourceRedirect,
		ExternalTxnID:  externalTxnID,
		ReportedStatus: status,
		Proof:          domain.CallbackProof{Signature: signature},
	}
}

// HandleIPN разбирает webhook шлюза и применяет его. Нерелевантные события игнорируются.
func (r *Reconciler) HandleIPN(ctx context.Context, payload []byte, signature string) (domain.CallbackResult, bool, error) {
	if r.ipn == nil {
		return domain.CallbackResult{}, false, domain.NewValidationError("ipn is not supported by gateway %s", r.gateway.Name())
	}
	cb, ok, err := r.ipn.ParseIPN(payload, signature)
	if err != nil {
		r.recordCallback(domain.CallbackSourceIPN, ResultError)
		return domain.CallbackResult{}, false, err
	}
	if !ok {
		r.recordCallback(domain.CallbackSourceIPN, ResultIgnored)
		return domain.CallbackResult{}, false, nil
	}
	res, err := r.HandleCallback(ctx, cb)
	return res, true, err
}

// HandleCallback применяет подтверждение шлюза ровно один раз по ExternalTxnID.
// Повторные и опоздавшие callback-и по завершённой транзакции ничего не меняют.
func (r *Reconciler) HandleCallback(ctx context.Context, cb domain.PaymentCallback) (domain.CallbackResult, error) {
	if strings.TrimSpace(cb.ExternalTxnID) == "" {
		return domain.CallbackResult{}, domain.NewValidationError("external_txn_id is required")
	}
	if cb.ReportedStatus != domain.PaymentTxnSucceeded && cb.ReportedStatus != domain.PaymentTxnFailed {
		return domain.CallbackResult{}, domain.NewValidationError("unsupported callback status %q", cb.ReportedStatus)
	}

	logger := r.logger.WithFields(log.Fields{
		"external_txn_id": cb.ExternalTxnID,
		"source":          cb.Source,
		"reported":        cb.ReportedStatus,
	})

	txn, err := r.txns.GetByExternalID(ctx, cb.ExternalTxnID)
	if err != nil {
		if errors.Is(err, domain.ErrPaymentTxnNotFound) {
			logger.Warn("callback for unknown payment txn")
			r.recordCallback(cb.Source, ResultUnknownTxn)
		} else {
			r.recordCallback(cb.Source, ResultError)
		}
		return domain.CallbackResult{}, err
	}

	if txn.Status == domain.PaymentTxnFailed && cb.ReportedStatus == domain.PaymentTxnSucceeded &&
		cb.Source == domain.CallbackSourceIPN {
		return r.lateCapture(ctx, cb, txn, logger)
	}
	if txn.Status.Terminal() {
		r.recordCallback(cb.Source, ResultDuplicate)
		if err := r.resumeSettlement(ctx, txn); err != nil {
			return domain.CallbackResult{}, err
		}
		return resultFor(txn, true), nil
	}

	verifier, ok := r.verifiers[cb.Source]
	if !ok {
		r.recordCallback(cb.Source, ResultError)
		return domain.CallbackResult{}, domain.NewValidationError("callback source %q is not supported", cb.Source)
	}

	status, err := verifier.Verify(ctx, cb, txn)
	if err != nil {
		if !errors.Is(err, domain.ErrPaymentVerificationFailed) {
			r.recordCallback(cb.Source, ResultError)
			return domain.CallbackResult{}, err
		}
		logger.WithError(err).Warn("payment callback verification failed")
		r.recordCallback(cb.Source, ResultVerificationFailed)
		if _, rerr := r.txns.Resolve(ctx, txn.ExternalTxnID, domain.PaymentTxnPending, domain.PaymentTxnFailed,
			domain.TxnResolution{FailureReason: "verification_failed"}); rerr == nil {
			r.journal.Timeline(ctx, txn.OrderID, domain.TimelinePaymentFailed, "verification_failed")
		}
		return domain.CallbackResult{}, err
	}

	switch status {
	case domain.PaymentTxnPending:
		// Шлюз ещё не подтвердил оплату: ждём IPN.
		r.recordCallback(cb.Source, ResultPending)
		return resultFor(txn, false), nil

	case domain.PaymentTxnFailed:
		resolved, err := r.txns.Resolve(ctx, txn.ExternalTxnID, domain.PaymentTxnPending, domain.PaymentTxnFailed,
			domain.TxnResolution{FailureReason: "gateway_" + string(cb.Source) + "_failed"})
		if errors.Is(err, domain.ErrPaymentTxnStatusConflict) {
			r.recordCallback(cb.Source, ResultDuplicate)
			return resultFor(resolved, true), nil
		}
		if err != nil {
			r.recordCallback(cb.Source, ResultError)
			return domain.CallbackResult{}, err
		}
		logger.WithField("order_id", resolved.OrderID).Info("payment failed")
		r.recordCallback(cb.Source, ResultFailed)
		event := eventFor(resolved, "")
		r.journal.Timeline(ctx, resolved.OrderID, domain.TimelinePaymentFailed, resolved.FailureReason)
		r.journal.Emit(ctx, domain.AggregatePayment, resolved.ID, domain.EventPaymentFailed, event)
		r.journal.Notify(ctx, domain.EventPaymentFailed, event, resolved.CustomerID)
		return resultFor(resolved, false), nil

	case domain.PaymentTxnSucceeded:
		paymentRef := cb.PaymentRef
		if paymentRef == "" {
			paymentRef = txn.PaymentRef
		}
		resolved, err := r.txns.Resolve(ctx, txn.ExternalTxnID, domain.PaymentTxnPending, domain.PaymentTxnSucceeded,
			domain.TxnResolution{PaymentRef: paymentRef})
		if errors.Is(err, domain.ErrPaymentTxnStatusConflict) {
			r.recordCallback(cb.Source, ResultDuplicate)
			return resultFor(resolved, true), nil
		}
		if err != nil {
			r.recordCallback(cb.Source, ResultError)
			return domain.CallbackResult{}, err
		}
		logger.WithField("order_id", resolved.OrderID).Info("payment succeeded")
		r.recordCallback(cb.Source, ResultSucceeded)
		if err := r.settle(ctx, resolved); err != nil {
			return domain.CallbackResult{}, err
		}
		return resultFor(resolved, false), nil
	}

	r.recordCallback(cb.Source, ResultError)
	return domain.CallbackResult{}, fmt.Errorf("verifier returned unexpected status %q", status)
}

// lateCapture обрабатывает IPN об успешном списании по транзакции, которая уже
// failed (например, после cancel redirect). Заказ не трогается: транзакция
// переоткрывается в succeeded с пометкой lateCaptureReason и сразу возвращается.
func (r *Reconciler) lateCapture(ctx context.Context, cb domain.PaymentCallback, txn domain.PaymentTransaction, logger *log.Entry) (domain.CallbackResult, error) {
	verifier, ok := r.verifiers[cb.Source]
	if !ok {
		r.recordCallback(cb.Source, ResultError)
		return domain.CallbackResult{}, domain.NewValidationError("callback source %q is not supported", cb.Source)
	}
	status, err := verifier.Verify(ctx, cb, txn)
	if err != nil {
		if errors.Is(err, domain.ErrPaymentVerificationFailed) {
			logger.WithError(err).Warn("payment callback verification failed")
			r.recordCallback(cb.Source, ResultVerificationFailed)
		} else {
			r.recordCallback(cb.Source, ResultError)
		}
		return domain.CallbackResult{}, err
	}
	if status != domain.PaymentTxnSucceeded {
		r.recordCallback(cb.Source, ResultDuplicate)
		return resultFor(txn, true), nil
	}

	paymentRef := cb.PaymentRef
	if paymentRef == "" {
		paymentRef = txn.PaymentRef
	}
	reopened, err := r.txns.Resolve(ctx, txn.ExternalTxnID, domain.PaymentTxnFailed, domain.PaymentTxnSucceeded,
		domain.TxnResolution{PaymentRef: paymentRef, FailureReason: lateCaptureReason})
	if errors.Is(err, domain.ErrPaymentTxnStatusConflict) {
		r.recordCallback(cb.Source, ResultDuplicate)
		if err := r.resumeSettlement(ctx, reopened); err != nil {
			return domain.CallbackResult{}, err
		}
		return resultFor(reopened, true), nil
	}
	if err != nil {
		r.recordCallback(cb.Source, ResultError)
		return domain.CallbackResult{}, err
	}

	logger.WithField("order_id", reopened.OrderID).Warn("payment captured after failure")
	r.recordCallback(cb.Source, ResultLateCapture)
	r.journal.Timeline(ctx, reopened.OrderID, domain.TimelinePaymentSucceeded, lateCaptureReason)
	if err := r.refundOrphan(ctx, reopened, errLateCapture); err != nil {
		return domain.CallbackResult{}, err
	}

	refunded, err := r.txns.Get(ctx, reopened.ID)
	if err != nil {
		return domain.CallbackResult{}, err
	}
	return resultFor(refunded, false), nil
}

// resumeSettlement доводит до конца оплату, если транзакция уже succeeded,
// а заказ ещё ждёт её (предыдущая обработка прервалась после Resolve).
// Транзакция с поздним списанием вместо этого повторяет возврат.
func (r *Reconciler) resumeSettlement(ctx context.Context, txn domain.PaymentTransaction) error {
	if txn.Status != domain.PaymentTxnSucceeded {
		return nil
	}
	if txn.FailureReason == lateCaptureReason {
		return r.refundOrphan(ctx, txn, errLateCapture)
	}
	order, err := r.orders.Get(ctx, txn.OrderID, domain.SystemActor("payment"))
	if err != nil {
		return err
	}
	if order.Status != domain.OrderStatusPaymentPending || order.PaymentTxnID != txn.ID {
		return nil
	}
	r.logger.WithFields(log.Fields{"order_id": order.ID, "txn_id": txn.ID}).Info("resuming payment settlement")
	return r.settle(ctx, txn)
}

// settle переводит заказ в paid и гасит купоны. Если заказ уже не ждёт эту оплату
// (отменён или оплачивается другой транзакцией), деньги возвращаются автоматически.
func (r *Reconciler) settle(ctx context.Context, txn domain.PaymentTransaction) error {
	var (
		order domain.Order
		err   error
	)
	for attempt := 0; attempt < settleAttempts; attempt++ {
		order, err = r.orders.MarkPaid(ctx, txn.OrderID, txn.ID)
		if err == nil || !errors.Is(err, domain.ErrConflict) {
			break
		}
		current, gerr := r.orders.Get(ctx, txn.OrderID, domain.SystemActor("payment"))
		if gerr != nil {
			return gerr
		}
		if current.PaymentTxnID == txn.ID && current.Status == domain.OrderStatusPaid {
			return nil
		}
		if current.PaymentTxnID != txn.ID || current.Status != domain.OrderStatusPaymentPending {
			return r.refundOrphan(ctx, txn, err)
		}
		// Проиграли гонку версий, но заказ всё ещё ждёт эту оплату.
	}
	if err != nil {
		r.logger.WithError(err).WithField("order_id", txn.OrderID).Error("failed to mark order paid")
		return err
	}

	for _, applied := range order.Coupons {
		if r.coupons == nil {
			break
		}
		if err := r.coupons.Redeem(ctx, applied.CouponID, order.CustomerID, order.ID); err != nil {
			// Оплаченный заказ не откатывается: расхождение фиксируется для разбора.
			r.logger.WithError(err).WithFields(log.Fields{
				"order_id":  order.ID,
				"coupon_id": applied.CouponID,
			}).Error("coupon redemption failed after payment")
			r.journal.Timeline(ctx, order.ID, domain.TimelineCouponRedemptionFailed, applied.Code)
			continue
		}
		r.journal.Emit(ctx, domain.AggregateCoupon, applied.CouponID, domain.EventCouponRedeemed, map[string]string{
			"coupon_id": applied.CouponID,
			"code":      applied.Code,
			"order_id":  order.ID,
			"user_id":   order.CustomerID,
		})
	}

	event := eventFor(txn, "")
	r.journal.Timeline(ctx, order.ID, domain.TimelinePaymentSucceeded, txn.ID)
	r.journal.Emit(ctx, domain.AggregatePayment, txn.ID, domain.EventPaymentSucceeded, event)
	r.journal.Notify(ctx, domain.EventPaymentSucceeded, event, append([]string{order.CustomerID}, order.SellerIDs()...)...)
	return nil
}

func (r *Reconciler) refundOrphan(ctx context.Context, txn domain.PaymentTransaction, cause error) error {
	logger := r.logger.WithError(cause).WithFields(log.Fields{
		"order_id": txn.OrderID,
		"txn_id":   txn.ID,
	})
	logger.Warn("payment succeeded for an order that no longer awaits it, refunding")

	if _, err := r.refundTxn(ctx, txn, txn.Refundable(), "orphan-"+txn.ID, "order_not_payable"); err != nil {
		logger.WithError(err).Error("automatic refund failed")
		return err
	}
	return nil
}

// Refund возвращает часть оплаты заказа. Повтор с тем же ключом не вызывает шлюз повторно.
func (r *Reconciler) Refund(ctx context.Context, order domain.Order, amount decimal.Decimal, idempotencyKey string) (domain.PaymentTransaction, error) {
	if order.PaymentTxnID == "" {
		return domain.PaymentTransaction{}, domain.NewConflictError("order %s has no payment", order.ID)
	}
	txn, err := r.txns.Get(ctx, order.PaymentTxnID)
	if err != nil {
		return domain.PaymentTransaction{}, err
	}
	return r.refundTxn(ctx, txn, amount, idempotencyKey, "return")
}

func (r *Reconciler) refundTxn(ctx context.Context, txn domain.PaymentTransaction, amount decimal.Decimal, key, reason string) (domain.PaymentTransaction, error) {
	if strings.TrimSpace(key) == "" {
		return domain.PaymentTransaction{}, domain.NewValidationError("refund idempotency key is required")
	}
	amount = domain.RoundMoney(amount)
	if !amount.IsPositive() {
		return domain.PaymentTransaction{}, domain.NewValidationError("refund amount must be positive")
	}

	if _, ok, err := r.txns.FindRefund(ctx, txn.ID, key); err != nil {
		return domain.PaymentTransaction{}, err
	} else if ok {
		return r.txns.Get(ctx, txn.ID)
	}
	if amount.GreaterThan(txn.Refundable()) {
		r.recordRefund(ResultError)
		return domain.PaymentTransaction{}, fmt.Errorf("txn %s: refund %s of %s: %w",
			txn.ID, amount.StringFixed(2), txn.Refundable().StringFixed(2), domain.ErrRefundExceedsPayment)
	}

	var refund domain.GatewayRefund
	err := r.callGateway(ctx, "refund", func(ctx context.Context) error {
		var callErr error
		refund, callErr = r.gateway.Refund(ctx, domain.GatewayRefundRequest{
			ExternalTxnID:  txn.ExternalTxnID,
			SessionRef:     txn.SessionRef,
			PaymentRef:     txn.PaymentRef,
			Amount:         amount,
			Currency:       txn.Currency,
			IdempotencyKey: key,
			Reason:         reason,
		})
		return callErr
	})
	if err != nil {
		r.recordRefund(ResultError)
		r.logger.WithError(err).WithField("txn_id", txn.ID).Warn("gateway refund failed")
		return domain.PaymentTransaction{}, domain.NewGatewayUnavailable("refund", err)
	}

	updated, err := r.txns.RecordRefund(ctx, domain.PaymentRefund{
		TxnID:          txn.ID,
		IdempotencyKey: key,
		Amount:         amount,
		RefundRef:      refund.RefundRef,
		CreatedAt:      r.now().UTC(),
	})
	if err != nil {
		r.recordRefund(ResultError)
		r.logger.WithError(err).WithField("txn_id", txn.ID).Error("failed to record refund")
		return domain.PaymentTransaction{}, fmt.Errorf("record refund: %w", err)
	}

	r.recordRefund("ok")
	r.logger.WithFields(log.Fields{
		"txn_id":   txn.ID,
		"order_id": txn.OrderID,
		"amount":   amount.StringFixed(2),
		"reason":   reason,
	}).Info("payment refunded")

	event := eventFor(updated, reason)
	event.Refunded = amount.StringFixed(2)
	r.journal.Timeline(ctx, txn.OrderID, domain.TimelinePaymentRefunded, amount.StringFixed(2))
	r.journal.Emit(ctx, domain.AggregatePayment, txn.ID, domain.EventPaymentRefunded, event)
	r.journal.Notify(ctx, domain.EventPaymentRefunded, event, txn.CustomerID)

	return updated, nil
}

// callGateway ограничивает вызов шлюза таймаутом и оборачивает его в span.
func (r *Reconciler) callGateway(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "payment.gateway."+op, trace.WithAttributes(
		attribute.String("payment.gateway", r.gateway.Name()),
		attribute.String("payment.operation", op),
	))
	defer span.End()

	started := time.Now()
	err := fn(ctx)
	if r.metrics != nil {
		r.metrics.ObserveGatewayCall(r.gateway.Name(), op, time.Since(started), err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (r *Reconciler) recordCallback(source domain.CallbackSource, result string) {
	if r.metrics != nil {
		r.metrics.RecordCallback(source, result)
	}
}

func (r *Reconciler) recordRefund(result string) {
	if r.metrics != nil {
		r.metrics.RecordRefund(result)
	}
}

// Transaction возвращает транзакцию по ID.
func (r *Reconciler) Transaction(ctx context.Context, id string) (domain.PaymentTransaction, error) {
	return r.txns.Get(ctx, id)
}

func resultFor(txn domain.PaymentTransaction, duplicate bool) domain.CallbackResult {
	return domain.CallbackResult{
		TxnID:         txn.ID,
		ExternalTxnID: txn.ExternalTxnID,
		OrderID:       txn.OrderID,
		Status:        txn.Status,
		Duplicate:     duplicate,
	}
}

func eventFor(txn domain.PaymentTransaction, reason string) Event {
	return Event{
		TxnID:         txn.ID,
		ExternalTxnID: txn.ExternalTxnID,
		OrderID:       txn.OrderID,
		Status:        txn.Status,
		Amount:        txn.Amount.StringFixed(2),
		Currency:      txn.Currency,
		Reason:        reason,
	}
}
