package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ReturnStatus описывает состояние заявки на возврат.
type ReturnStatus string

const (
	ReturnRequested ReturnStatus = "requested"
	ReturnApproved  ReturnStatus = "approved"
	ReturnRejected  ReturnStatus = "rejected"
	ReturnReceived  ReturnStatus = "received"
	ReturnRefunded  ReturnStatus = "refunded"
)

var returnTransitions = map[ReturnStatus][]ReturnStatus{
	ReturnRequested: {ReturnApproved, ReturnRejected},
	ReturnApproved:  {ReturnReceived},
	ReturnReceived:  {ReturnRefunded},
}

// Valid проверяет, что статус известен.
func (s ReturnStatus) Valid() bool {
	switch s {
	case ReturnRequested, ReturnApproved, ReturnRejected, ReturnReceived, ReturnRefunded:
		return true
	}
	return false
}

// Terminal сообщает, что из статуса нет переходов.
func (s ReturnStatus) Terminal() bool {
	return s == ReturnRejected || s == ReturnRefunded
}

// CanTransitionReturn проверяет таблицу переходов возврата.
func CanTransitionReturn(from, to ReturnStatus) bool {
	for _, next := range returnTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ReturnItem: возвращаемая позиция заказа.
type ReturnItem struct {
	OrderItemID string
	ProductID   string
	SellerID    string
	Qty         int32
	Reason      string
}

// ReturnHistoryEntry: неизменяемая запись журнала заявки.
type ReturnHistoryEntry struct {
	ActorRole Role
	ActorID   string
	Action    string
	From      ReturnStatus
	To        ReturnStatus
	Note      string
	At        time.Time
}

// ReturnRequest — заявка на возврат по доставленному заказу.
type ReturnRequest struct {
	ID           string
	OrderID      string
	CustomerID   string
	Items        []ReturnItem
	Reason       string
	Status       ReturnStatus
	RefundAmount decimal.Decimal
	History      []ReturnHistoryEntry
	Version      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SellerIDs возвращает продавцов возвращаемых позиций.
func (r ReturnRequest) SellerIDs() []string {
	seen := make(map[string]struct{}, len(r.Items))
	ids := make([]string, 0, len(r.Items))
	for _, item := range r.Items {
		if _, ok := seen[item.SellerID]; ok {
			continue
		}
		seen[item.SellerID] = struct{}{}
		ids = append(ids, item.SellerID)
	}
	return ids
}

// Resource разрешает вендору действовать, только если ему принадлежат все позиции заявки.
func (r ReturnRequest) Resource() Resource {
	return Resource{OwnerID: r.CustomerID, SellerIDs: r.SellerIDs(), ExclusiveSellers: true}
}

// Clone возвращает копию заявки без общих слайсов.
func (r ReturnRequest) Clone() ReturnRequest {
	cp := r
	cp.Items = append([]ReturnItem(nil), r.Items...)
	cp.History = append([]ReturnHistoryEntry(nil), r.History...)
	return cp
}

// ReturnTransition задаёт условный переход заявки; применяет его репозиторий.
type ReturnTransition struct {
	ReturnID     string
	From         ReturnStatus
	To           ReturnStatus
	Version      int64
	RefundAmount decimal.Decimal
	Entry        ReturnHistoryEntry
}

// ReturnedQuantities суммирует количество по позициям во всех заявках, кроме отклонённых.
func ReturnedQuantities(existing []ReturnRequest) map[string]int32 {
	covered := make(map[string]int32)
	for _, ret := range existing {
		if ret.Status == ReturnRejected {
			continue
		}
		for _, item := range ret.Items {
			covered[item.OrderItemID] += item.Qty
		}
	}
	return covered
}

// CheckReturnable проверяет, что новые позиции не превышают остаток к возврату.
// Вызывается репозиторием внутри атомарной секции создания заявки.
func CheckReturnable(order Order, existing []ReturnRequest, items []ReturnItem) error {
	if len(items) == 0 {
		return NewValidationError("return must contain at least one item")
	}

	covered := ReturnedQuantities(existing)
	requested := make(map[string]int32, len(items))
	for _, item := range items {
		line, ok := order.Item(item.OrderItemID)
		if !ok {
			return NewValidationError("order item %s does not belong to order %s", item.OrderItemID, order.ID)
		}
		if item.Qty <= 0 {
			return NewValidationError("return qty must be greater than zero for item %s", item.OrderItemID)
		}
		requested[item.OrderItemID] += item.Qty
		if covered[item.OrderItemID]+requested[item.OrderItemID] > line.Qty {
			return fmt.Errorf("order item %s: %w", item.OrderItemID, ErrReturnQtyExceeded)
		}
	}
	return nil
}

// FullyRefunded сообщает, что все позиции заказа покрыты возмещёнными заявками.
func FullyRefunded(order Order, returns []ReturnRequest) bool {
	refunded := make(map[string]int32)
	for _, ret := range returns {
		if ret.Status != ReturnRefunded {
			continue
		}
		for _, item := range ret.Items {
			refunded[item.OrderItemID] += item.Qty
		}
	}
	for _, line := range order.Items {
		if refunded[line.ID] < line.Qty {
			return false
		}
	}
	return len(order.Items) > 0
}
