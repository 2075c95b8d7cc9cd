package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// OrderRepository хранит заказы в памяти процесса. Заказы клиента держатся
// отсортированными от новых к старым, чтобы ListByCustomer не сортировал на
// каждый запрос.
type OrderRepository struct {
	mu         sync.RWMutex
	orders     map[string]domain.Order
	byCustomer map[string][]string
}

func NewOrderRepository() *OrderRepository {
	return &OrderRepository{
		orders:     make(map[string]domain.Order),
		byCustomer: make(map[string][]string),
	}
}

func (r *OrderRepository) Create(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.orders[order.ID]; ok {
		return domain.ErrOrderAlreadyExists
	}
	r.orders[order.ID] = order.Clone()

	ids := r.byCustomer[order.CustomerID]
	pos, _ := slices.BinarySearchFunc(ids, order, func(id string, target domain.Order) int {
		return newestFirst(r.orders[id], target)
	})
	r.byCustomer[order.CustomerID] = slices.Insert(ids, pos, order.ID)
	return nil
}

func (r *OrderRepository) Get(_ context.Context, id string) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return order.Clone(), nil
}

// ListByCustomer отдаёт заказы клиента от новых к старым; limit <= 0 снимает ограничение.
func (r *OrderRepository) ListByCustomer(_ context.Context, customerID string, limit int) ([]domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byCustomer[customerID]
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]domain.Order, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.orders[id].Clone())
	}
	return out, nil
}

// Save применяет изменения статуса, платежа и отгрузки позиций при совпадении
// версии. Цены и состав заказа после создания не меняются.
func (r *OrderRepository) Save(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.orders[order.ID]
	switch {
	case !ok:
		return domain.ErrOrderNotFound
	case stored.Version != order.Version:
		return domain.ErrOrderVersionConflict
	}

	updated := stored.Clone()
	updated.Status = order.Status
	updated.PaymentTxnID = order.PaymentTxnID
	updated.UpdatedAt = order.UpdatedAt
	for i, item := range updated.Items {
		if incoming, found := order.Item(item.ID); found {
			updated.Items[i].Shipped = incoming.Shipped
		}
	}
	updated.Version++
	r.orders[order.ID] = updated
	return nil
}

// newestFirst упорядочивает по убыванию CreatedAt, при равенстве по убыванию ID.
func newestFirst(a, b domain.Order) int {
	switch {
	case a.CreatedAt.After(b.CreatedAt):
		return -1
	case a.CreatedAt.Before(b.CreatedAt):
		return 1
	case a.ID > b.ID:
		return -1
	case a.ID < b.ID:
		return 1
	}
	return 0
}

var _ domain.OrderRepository = (*OrderRepository)(nil)
