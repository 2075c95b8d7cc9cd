package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

type returnRepositoryInMemory struct {
	mu      sync.Mutex
	items   map[string]domain.ReturnRequest
	byOrder map[string][]string
}

// NewReturnRepository создаёт in-memory хранилище заявок на возврат.
func NewReturnRepository() domain.ReturnRepository {
	return &returnRepositoryInMemory{
		items:   make(map[string]domain.ReturnRequest),
		byOrder: make(map[string][]string),
	}
}

// Create проверяет остаток к возврату и сохраняет заявку в одной критической секции.
func (r *returnRepositoryInMemory) Create(_ context.Context, order domain.Order, ret domain.ReturnRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[ret.ID]; exists {
		return domain.NewConflictError("return request %s already exists", ret.ID)
	}
	if err := domain.CheckReturnable(order, r.listLocked(order.ID), ret.Items); err != nil {
		return err
	}

	r.items[ret.ID] = ret.Clone()
	r.byOrder[order.ID] = append(r.byOrder[order.ID], ret.ID)
	return nil
}

func (r *returnRepositoryInMemory) Get(_ context.Context, id string) (domain.ReturnRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ret, ok := r.items[id]
	if !ok {
		return domain.ReturnRequest{}, domain.ErrReturnNotFound
	}
	return ret.Clone(), nil
}

func (r *returnRepositoryInMemory) ListByOrder(_ context.Context, orderID string) ([]domain.ReturnRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.listLocked(orderID), nil
}

// Transition применяет переход, если статус и версия совпадают с ожидаемыми.
func (r *returnRepositoryInMemory) Transition(_ context.Context, tr domain.ReturnTransition) (domain.ReturnRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ret, ok := r.items[tr.ReturnID]
	if !ok {
		return domain.ReturnRequest{}, domain.ErrReturnNotFound
	}
	if ret.Status != tr.From || ret.Version != tr.Version {
		return ret.Clone(), domain.ErrReturnVersionConflict
	}

	next := ret.Clone()
	next.Status = tr.To
	if tr.To == domain.ReturnRefunded {
		next.RefundAmount = tr.RefundAmount
	}
	next.History = append(next.History, tr.Entry)
	next.Version++
	next.UpdatedAt = tr.Entry.At
	r.items[next.ID] = next
	return next.Clone(), nil
}

func (r *returnRepositoryInMemory) listLocked(orderID string) []domain.ReturnRequest {
	ids := r.byOrder[orderID]
	result := make([]domain.ReturnRequest, 0, len(ids))
	for _, id := range ids {
		result = append(result, r.items[id].Clone())
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

var _ domain.ReturnRepository = (*returnRepositoryInMemory)(nil)
