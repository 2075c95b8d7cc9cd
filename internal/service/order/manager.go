package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/service/coupon"
	"github.com/vladislavdragonenkov/marketplace/internal/service/journal"
	"github.com/vladislavdragonenkov/marketplace/internal/service/pricing"
)

const defaultListLimit = 100

// Quoter считает итоги корзины.
type Quoter interface {
	Quote(ctx context.Context, req pricing.QuoteRequest) (domain.Quote, error)
}

// CouponApplier проверяет и распределяет скидки купонов.
type CouponApplier interface {
	ApplyAll(ctx context.Context, codes []string, userID string, lines []domain.CartLine) (coupon.Application, error)
}

// Metrics считает события жизненного цикла заказа.
type Metrics interface {
	RecordOrderCreated()
	RecordOrderTransition(from, to domain.OrderStatus)
}

// CreateOrderCommand — данные для оформления заказа.
type CreateOrderCommand struct {
	Lines       []domain.CartLine
	CouponCodes []string
	Country     string
	Currency    string
}

// Event: payload событий заказа в outbox и уведомлениях.
type Event struct {
	OrderID    string             `json:"order_id"`
	CustomerID string             `json:"customer_id"`
	Status     domain.OrderStatus `json:"status"`
	Previous   domain.OrderStatus `json:"previous_status,omitempty"`
	Total      string             `json:"total"`
	Currency   string             `json:"currency"`
	ActorRole  domain.Role        `json:"actor_role,omitempty"`
	SellerID   string             `json:"seller_id,omitempty"`
}

// Option настраивает Manager.
type Option func(*Manager)

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithMetrics подключает метрики.
func WithMetrics(metrics Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// Manager владеет созданием заказов и переходами их статусов.
type Manager struct {
	repo    domain.OrderRepository
	pricing Quoter
	coupons CouponApplier
	journal *journal.Journal
	logger  *log.Entry
	metrics Metrics
	now     func() time.Time
}

// NewManager собирает менеджер жизненного цикла.
func NewManager(
	repo domain.OrderRepository,
	quoter Quoter,
	coupons CouponApplier,
	j *journal.Journal,
	logger *log.Entry,
	opts ...Option,
) *Manager {
	if logger == nil {
		logger = log.WithField("component", "order-manager")
	}
	m := &Manager{
		repo:    repo,
		pricing: quoter,
		coupons: coupons,
		journal: j,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateOrder считает цены и скидки и сохраняет заказ в статусе created.
// Купоны только проверяются: погашение происходит после успешной оплаты.
func (m *Manager) CreateOrder(ctx context.Context, actor domain.Actor, cmd CreateOrderCommand) (domain.Order, error) {
	if actor.ID == "" {
		return domain.Order{}, domain.ErrUnauthorized
	}
	if actor.Role != domain.RoleCustomer {
		return domain.Order{}, domain.NewForbiddenError("only customers can place orders")
	}
	currency := strings.ToUpper(strings.TrimSpace(cmd.Currency))
	if len(currency) != 3 {
		return domain.Order{}, domain.NewValidationError("currency %q must be a 3-letter code", cmd.Currency)
	}
	if len(cmd.Lines) == 0 {
		return domain.Order{}, domain.NewValidationError("order must contain at least one item")
	}
	for _, line := range cmd.Lines {
		if err := line.Validate(); err != nil {
			return domain.Order{}, err
		}
	}

	app, err := m.coupons.ApplyAll(ctx, cmd.CouponCodes, actor.ID, cmd.Lines)
	if err != nil {
		return domain.Order{}, err
	}

	quote, err := m.pricing.Quote(ctx, pricing.QuoteRequest{
		Lines:     cmd.Lines,
		Country:   cmd.Country,
		Discounts: app.BySeller,
	})
	if err != nil {
		return domain.Order{}, err
	}

	now := m.now().UTC()
	items := make([]domain.OrderItem, 0, len(cmd.Lines))
	for _, line := range cmd.Lines {
		items = append(items, domain.OrderItem{
			ID:         uuid.NewString(),
			ProductID:  line.ProductID,
			SellerID:   line.SellerID,
			CategoryID: line.CategoryID,
			Qty:        line.Qty,
			UnitPrice:  line.UnitPrice,
		})
	}

	order := domain.Order{
		ID:         uuid.NewString(),
		CustomerID: actor.ID,
		Status:     domain.OrderStatusCreated,
		Country:    quote.Country,
		Currency:   currency,
		Items:      items,
		Sellers:    quote.Sellers,
		Subtotal:   quote.Subtotal,
		Discount:   quote.Discount,
		Tax:        quote.Tax,
		Shipping:   quote.Shipping,
		Total:      quote.Total,
		Coupons:    app.Coupons,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if errs := order.ValidateInvariants(); len(errs) > 0 {
		return domain.Order{}, errors.Join(errs...)
	}

	if err := m.repo.Create(ctx, order); err != nil {
		m.logger.WithError(err).WithField("order_id", order.ID).Error("failed to create order")
		return domain.Order{}, fmt.Errorf("persist order: %w", err)
	}

	m.logger.WithFields(log.Fields{
		"order_id":    order.ID,
		"customer_id": order.CustomerID,
		"total":       order.Total.StringFixed(2),
		"coupons":     len(order.Coupons),
	}).Info("order created")

	if m.metrics != nil {
		m.metrics.RecordOrderCreated()
	}
	event := eventFor(order, "", actor)
	m.journal.Timeline(ctx, order.ID, domain.TimelineOrderCreated, string(order.Status))
	m.journal.Emit(ctx, domain.AggregateOrder, order.ID, domain.EventOrderCreated, event)
	m.journal.Notify(ctx, domain.EventOrderCreated, event, append([]string{order.CustomerID}, order.SellerIDs()...)...)

	return order, nil
}

// Get возвращает заказ, если актор имеет к нему доступ.
func (m *Manager) Get(ctx context.Context, orderID string, actor domain.Actor) (domain.Order, error) {
	order, err := m.repo.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if !domain.CanActOn(actor, order.Resource()) {
		// Чужой заказ неотличим от несуществующего.
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return order, nil
}

// List возвращает заказы клиента.
func (m *Manager) List(ctx context.Context, actor domain.Actor, customerID string, limit int) ([]domain.Order, error) {
	if customerID == "" {
		customerID = actor.ID
	}
	if actor.Role != domain.RoleAdmin && customerID != actor.ID {
		return nil, domain.NewForbiddenError("cannot list orders of another customer")
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	return m.repo.ListByCustomer(ctx, customerID, limit)
}

// Timeline возвращает историю заказа.
func (m *Manager) Timeline(ctx context.Context, orderID string, actor domain.Actor) ([]domain.TimelineEvent, error) {
	if _, err := m.Get(ctx, orderID, actor); err != nil {
		return nil, err
	}
	return m.journal.Timelines(ctx, orderID)
}

// Transition применяет переход статуса от имени актора.
// Сохранение условно по версии: проигравший гонку получает ConflictError без повторов.
func (m *Manager) Transition(ctx context.Context, orderID string, target domain.OrderStatus, actor domain.Actor) (domain.Order, error) {
	if actor.ID == "" {
		return domain.Order{}, domain.ErrUnauthorized
	}
	if !target.Valid() {
		return domain.Order{}, domain.NewValidationError("unknown order status %q", target)
	}

	current, err := m.repo.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if !domain.CanActOn(actor, current.Resource()) {
		return domain.Order{}, domain.NewForbiddenError("%s %s cannot act on order %s", actor.Role, actor.ID, orderID)
	}

	next, err := plan(current, target, actor)
	if err != nil {
		return domain.Order{}, err
	}
	return m.commit(ctx, current, next, actor)
}

// LinkPayment связывает заказ с транзакцией и переводит его в payment_pending.
// Повторная привязка из payment_pending только обновляет ссылку.
func (m *Manager) LinkPayment(ctx context.Context, orderID, txnID string) (domain.Order, error) {
	actor := domain.SystemActor("payment")
	current, err := m.repo.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}

	next := current.Clone()
	next.PaymentTxnID = txnID
	switch current.Status {
	case domain.OrderStatusCreated:
		next.Status = domain.OrderStatusPaymentPending
	case domain.OrderStatusPaymentPending:
	default:
		return domain.Order{}, domain.NewConflictError("order %s is %s, cannot start payment", orderID, current.Status)
	}
	return m.commit(ctx, current, next, actor)
}

// MarkPaid переводит заказ payment_pending → paid по подтверждённой транзакции.
func (m *Manager) MarkPaid(ctx context.Context, orderID, txnID string) (domain.Order, error) {
	actor := domain.SystemActor("payment")
	current, err := m.repo.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if current.Status != domain.OrderStatusPaymentPending {
		return domain.Order{}, domain.NewConflictError("order %s is %s, cannot mark paid", orderID, current.Status)
	}
	if current.PaymentTxnID != "" && current.PaymentTxnID != txnID {
		return domain.Order{}, domain.NewConflictError("order %s is linked to another payment", orderID)
	}

	next := current.Clone()
	next.PaymentTxnID = txnID
	next.Status = domain.OrderStatusPaid
	return m.commit(ctx, current, next, actor)
}

func (m *Manager) commit(ctx context.Context, current, next domain.Order, actor domain.Actor) (domain.Order, error) {
	next.UpdatedAt = m.now().UTC()
	if err := m.repo.Save(ctx, next); err != nil {
		if errors.Is(err, domain.ErrOrderVersionConflict) {
			m.logger.WithFields(log.Fields{
				"order_id": current.ID,
				"from":     current.Status,
				"to":       next.Status,
				"actor":    actor.ID,
			}).Warn("order transition lost race")
			return domain.Order{}, domain.NewConflictError("order %s was modified concurrently", current.ID)
		}
		m.logger.WithError(err).WithField("order_id", current.ID).Error("failed to save order")
		return domain.Order{}, fmt.Errorf("save order %s: %w", current.ID, err)
	}
	next.Version = current.Version + 1

	if shipped := newlyShipped(current, next); len(shipped) > 0 {
		m.journal.Timeline(ctx, next.ID, domain.TimelineLinesShipped, strings.Join(shipped, ","))
	}
	if next.Status == current.Status {
		return next, nil
	}

	m.logger.WithFields(log.Fields{
		"order_id": next.ID,
		"from":     current.Status,
		"to":       next.Status,
		"actor":    actor.ID,
		"role":     actor.Role,
	}).Info("order status changed")

	if m.metrics != nil {
		m.metrics.RecordOrderTransition(current.Status, next.Status)
	}
	event := eventFor(next, current.Status, actor)
	m.journal.Timeline(ctx, next.ID, domain.TimelineStatusChanged, fmt.Sprintf("%s->%s", current.Status, next.Status))
	m.journal.Emit(ctx, domain.AggregateOrder, next.ID, domain.EventOrderStatusChanged, event)
	m.journal.Notify(ctx, domain.EventOrderStatusChanged, event, append([]string{next.CustomerID}, next.SellerIDs()...)...)

	return next, nil
}

func eventFor(order domain.Order, previous domain.OrderStatus, actor domain.Actor) Event {
	return Event{
		OrderID:    order.ID,
		CustomerID: order.CustomerID,
		Status:     order.Status,
		Previous:   previous,
		Total:      order.Total.StringFixed(2),
		Currency:   order.Currency,
		ActorRole:  actor.Role,
	}
}

func newlyShipped(before, after domain.Order) []string {
	var ids []string
	for _, item := range after.Items {
		prev, ok := before.Item(item.ID)
		if ok && !prev.Shipped && item.Shipped {
			ids = append(ids, item.ID)
		}
	}
	return ids
}
