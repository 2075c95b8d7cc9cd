// Package returns реализует заявки на возврат доставленных заказов и их
// переходы вплоть до возмещения через платёжный адаптер.
package returns

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/service/journal"
)

// Orders: операции менеджера заказов, нужные возвратам.
type Orders interface {
	Get(ctx context.Context, orderID string, actor domain.Actor) (domain.Order, error)
	Transition(ctx context.Context, orderID string, target domain.OrderStatus, actor domain.Actor) (domain.Order, error)
}

// Refunder описывает контракт платёжного адаптера для возмещения.
type Refunder interface {
	Refund(ctx context.Context, order domain.Order, amount decimal.Decimal, idempotencyKey string) (domain.PaymentTransaction, error)
	Transaction(ctx context.Context, id string) (domain.PaymentTransaction, error)
}

// Metrics считает переходы заявок.
type Metrics interface {
	RecordReturnTransition(from, to domain.ReturnStatus)
}

// ItemInput — позиция в запросе на возврат.
type ItemInput struct {
	OrderItemID string
	Qty         int32
	Reason      string
}

// CreateCommand содержит данные новой заявки.
type CreateCommand struct {
	OrderID string
	Items   []ItemInput
	Reason  string
}

// Event: payload событий возврата.
type Event struct {
	ReturnID     string              `json:"return_id"`
	OrderID      string              `json:"order_id"`
	Status       domain.ReturnStatus `json:"status"`
	Previous     domain.ReturnStatus `json:"previous_status,omitempty"`
	RefundAmount string              `json:"refund_amount,omitempty"`
	ActorRole    domain.Role         `json:"actor_role"`
}

// Option настраивает Machine.
type Option func(*Machine)

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithMetrics подключает метрики.
func WithMetrics(metrics Metrics) Option {
	return func(m *Machine) { m.metrics = metrics }
}

// Machine ведёт заявки на возврат по их машине состояний.
type Machine struct {
	repo     domain.ReturnRepository
	orders   Orders
	refunder Refunder
	journal  *journal.Journal
	logger   *log.Entry
	metrics  Metrics
	now      func() time.Time
}

// NewMachine собирает машину возвратов.
func NewMachine(repo domain.ReturnRepository, orders Orders, refunder Refunder, j *journal.Journal, logger *log.Entry, opts ...Option) *Machine {
	if logger == nil {
		logger = log.WithField("component", "returns")
	}
	m := &Machine{
		repo:     repo,
		orders:   orders,
		refunder: refunder,
		journal:  j,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateReturn создаёт заявку по доставленному или завершённому заказу.
// Остаток к возврату проверяется репозиторием атомарно вместе с вставкой.
func (m *Machine) CreateReturn(ctx context.Context, actor domain.Actor, cmd CreateCommand) (domain.ReturnRequest, error) {
	if actor.ID == "" {
		return domain.ReturnRequest{}, domain.ErrUnauthorized
	}
	if actor.Role != domain.RoleCustomer && actor.Role != domain.RoleAdmin {
		return domain.ReturnRequest{}, domain.NewForbiddenError("only the customer or an admin can request a return")
	}
	if len(cmd.Items) == 0 {
		return domain.ReturnRequest{}, domain.NewValidationError("return must contain at least one item")
	}

	order, err := m.orders.Get(ctx, cmd.OrderID, actor)
	if err != nil {
		return domain.ReturnRequest{}, err
	}
	if order.Status != domain.OrderStatusDelivered && order.Status != domain.OrderStatusCompleted {
		return domain.ReturnRequest{}, domain.NewConflictError("order %s is %s, returns require a delivered order", order.ID, order.Status)
	}

	items := make([]domain.ReturnItem, 0, len(cmd.Items))
	for _, in := range cmd.Items {
		line, ok := order.Item(in.OrderItemID)
		if !ok {
			return domain.ReturnRequest{}, domain.NewValidationError("order item %s does not belong to order %s", in.OrderItemID, order.ID)
		}
		reason := strings.TrimSpace(in.Reason)
		if reason == "" {
			reason = strings.TrimSpace(cmd.Reason)
		}
		items = append(items, domain.ReturnItem{
			OrderItemID: line.ID,
			ProductID:   line.ProductID,
			SellerID:    line.SellerID,
			Qty:         in.Qty,
			Reason:      reason,
		})
	}

	now := m.now().UTC()
	ret := domain.ReturnRequest{
		ID:         uuid.NewString(),
		OrderID:    order.ID,
		CustomerID: order.CustomerID,
		Items:      items,
		Reason:     strings.TrimSpace(cmd.Reason),
		Status:     domain.ReturnRequested,
		History: []domain.ReturnHistoryEntry{{
			ActorRole: actor.Role,
			ActorID:   actor.ID,
			Action:    "create",
			To:        domain.ReturnRequested,
			Note:      strings.TrimSpace(cmd.Reason),
			At:        now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := m.repo.Create(ctx, order, ret); err != nil {
		if errors.Is(err, domain.ErrValidation) {
			return domain.ReturnRequest{}, err
		}
		m.logger.WithError(err).WithField("order_id", order.ID).Error("failed to create return request")
		return domain.ReturnRequest{}, fmt.Errorf("persist return request: %w", err)
	}

	m.logger.WithFields(log.Fields{
		"return_id": ret.ID,
		"order_id":  order.ID,
		"items":     len(items),
	}).Info("return requested")

	event := eventFor(ret, "", actor)
	m.journal.Timeline(ctx, order.ID, domain.TimelineReturnRequested, ret.ID)
	m.journal.Emit(ctx, domain.AggregateReturn, ret.ID, domain.EventReturnCreated, event)
	m.journal.Notify(ctx, domain.EventReturnCreated, event, append([]string{ret.CustomerID}, ret.SellerIDs()...)...)

	return ret, nil
}

// Get возвращает заявку, если актор имеет к ней доступ.
func (m *Machine) Get(ctx context.Context, returnID string, actor domain.Actor) (domain.ReturnRequest, error) {
	ret, err := m.repo.Get(ctx, returnID)
	if err != nil {
		return domain.ReturnRequest{}, err
	}
	res := ret.Resource()
	res.ExclusiveSellers = false
	if !domain.CanActOn(actor, res) {
		return domain.ReturnRequest{}, domain.ErrReturnNotFound
	}
	return ret, nil
}

// ListByOrder возвращает заявки заказа.
func (m *Machine) ListByOrder(ctx context.Context, orderID string, actor domain.Actor) ([]domain.ReturnRequest, error) {
	if _, err := m.orders.Get(ctx, orderID, actor); err != nil {
		return nil, err
	}
	return m.repo.ListByOrder(ctx, orderID)
}

// UpdateStatus переводит заявку в target. Для refunded сначала выполняется возврат денег:
// при ошибке платёжного адаптера заявка остаётся в received.
func (m *Machine) UpdateStatus(ctx context.Context, returnID string, target domain.ReturnStatus, actor domain.Actor, note string) (domain.ReturnRequest, error) {
	if actor.ID == "" {
		return domain.ReturnRequest{}, domain.ErrUnauthorized
	}
	if !target.Valid() {
		return domain.ReturnRequest{}, domain.NewValidationError("unknown return status %q", target)
	}
	if actor.Role != domain.RoleVendor && actor.Role != domain.RoleAdmin {
		return domain.ReturnRequest{}, domain.NewForbiddenError("role %q cannot change return status", actor.Role)
	}

	current, err := m.repo.Get(ctx, returnID)
	if err != nil {
		return domain.ReturnRequest{}, err
	}
	if !domain.CanActOn(actor, current.Resource()) {
		return domain.ReturnRequest{}, domain.NewForbiddenError("%s %s does not own all lines of return %s", actor.Role, actor.ID, returnID)
	}
	if !domain.CanTransitionReturn(current.Status, target) {
		return domain.ReturnRequest{}, domain.NewConflictError("return %s cannot move from %s to %s", returnID, current.Status, target)
	}

	logger := m.logger.WithFields(log.Fields{
		"return_id": current.ID,
		"order_id":  current.OrderID,
		"from":      current.Status,
		"to":        target,
		"actor":     actor.ID,
	})

	var (
		order  domain.Order
		amount decimal.Decimal
	)
	if target == domain.ReturnRefunded {
		order, err = m.orders.Get(ctx, current.OrderID, domain.SystemActor("returns"))
		if err != nil {
			return domain.ReturnRequest{}, err
		}
		amount, err = m.refund(ctx, order, current)
		if err != nil {
			logger.WithError(err).Warn("refund failed, return stays received")
			return domain.ReturnRequest{}, err
		}
	}

	updated, err := m.repo.Transition(ctx, domain.ReturnTransition{
		ReturnID:     current.ID,
		From:         current.Status,
		To:           target,
		Version:      current.Version,
		RefundAmount: amount,
		Entry: domain.ReturnHistoryEntry{
			ActorRole: actor.Role,
			ActorID:   actor.ID,
			Action:    "transition",
			From:      current.Status,
			To:        target,
			Note:      strings.TrimSpace(note),
			At:        m.now().UTC(),
		},
	})
	if err != nil {
		if errors.Is(err, domain.ErrReturnVersionConflict) {
			logger.Warn("return transition lost race")
			return domain.ReturnRequest{}, domain.NewConflictError("return %s was modified concurrently", current.ID)
		}
		logger.WithError(err).Error("failed to save return transition")
		return domain.ReturnRequest{}, fmt.Errorf("save return %s: %w", current.ID, err)
	}

	logger.Info("return status changed")
	if m.metrics != nil {
		m.metrics.RecordReturnTransition(current.Status, target)
	}
	event := eventFor(updated, current.Status, actor)
	m.journal.Timeline(ctx, updated.OrderID, domain.TimelineReturnStatusChanged,
		fmt.Sprintf("%s:%s->%s", updated.ID, current.Status, target))
	m.journal.Emit(ctx, domain.AggregateReturn, updated.ID, domain.EventReturnStatusChanged, event)
	m.journal.Notify(ctx, domain.EventReturnStatusChanged, event, append([]string{updated.CustomerID}, updated.SellerIDs()...)...)

	if target == domain.ReturnRefunded {
		m.closeOrderIfReturned(ctx, order)
	}
	return updated, nil
}

// refund считает сумму и вызывает платёжный адаптер с ключом return-<id>,
// поэтому повтор после сбоя сохранения не вернёт деньги дважды.
func (m *Machine) refund(ctx context.Context, order domain.Order, ret domain.ReturnRequest) (decimal.Decimal, error) {
	if m.refunder == nil {
		return decimal.Zero, errors.New("returns: refunder is not configured")
	}
	amount := RefundAmount(order, ret)
	if order.PaymentTxnID != "" {
		txn, err := m.refunder.Transaction(ctx, order.PaymentTxnID)
		if err != nil {
			return decimal.Zero, err
		}
		if refundable := txn.Refundable(); amount.GreaterThan(refundable) && refundable.IsPositive() {
			amount = refundable
		}
	}
	if !amount.IsPositive() {
		return decimal.Zero, nil
	}
	if _, err := m.refunder.Refund(ctx, order, amount, "return-"+ret.ID); err != nil {
		return decimal.Zero, err
	}
	return amount, nil
}

// closeOrderIfReturned переводит доставленный заказ в returned, когда все позиции возмещены.
func (m *Machine) closeOrderIfReturned(ctx context.Context, order domain.Order) {
	if order.Status != domain.OrderStatusDelivered {
		return
	}
	all, err := m.repo.ListByOrder(ctx, order.ID)
	if err != nil {
		m.logger.WithError(err).WithField("order_id", order.ID).Warn("failed to list returns")
		return
	}
	if !domain.FullyRefunded(order, all) {
		return
	}
	if _, err := m.orders.Transition(ctx, order.ID, domain.OrderStatusReturned, domain.SystemActor("returns")); err != nil {
		m.logger.WithError(err).WithField("order_id", order.ID).Warn("failed to mark order returned")
	}
}

// RefundAmount — доля позиций заявки в чистой сумме продавца (подытог минус скидка плюс налог).
// Доставка не возмещается.
func RefundAmount(order domain.Order, ret domain.ReturnRequest) decimal.Decimal {
	total := decimal.Zero
	for _, item := range ret.Items {
		line, ok := order.Item(item.OrderItemID)
		if !ok {
			continue
		}
		sq, ok := order.SellerQuote(line.SellerID)
		if !ok || !sq.Subtotal.IsPositive() {
			continue
		}
		net := sq.Subtotal.Sub(sq.Discount).Add(sq.Tax)
		gross := line.UnitPrice.Mul(decimal.NewFromInt32(item.Qty))
		total = total.Add(gross.Mul(net).Div(sq.Subtotal))
	}
	return domain.RoundMoney(total)
}

func eventFor(ret domain.ReturnRequest, previous domain.ReturnStatus, actor domain.Actor) Event {
	event := Event{
		ReturnID:  ret.ID,
		OrderID:   ret.OrderID,
		Status:    ret.Status,
		Previous:  previous,
		ActorRole: actor.Role,
	}
	if ret.Status == domain.ReturnRefunded {
		event.RefundAmount = ret.RefundAmount.StringFixed(2)
	}
	return event
}
