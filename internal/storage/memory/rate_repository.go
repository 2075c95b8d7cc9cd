package memory

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

type rateKey struct {
	kind      domain.RateKind
	ownerType domain.RateOwnerType
	ownerID   string
}

type rateRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[rateKey]domain.RateSetting
}

// NewRateRepository создаёт in-memory хранилище ставок.
func NewRateRepository() domain.RateRepository {
	return &rateRepositoryInMemory{items: make(map[rateKey]domain.RateSetting)}
}

// Upsert заменяет набор ставок владельца целиком. Пустой набор удаляет настройку.
func (r *rateRepositoryInMemory) Upsert(_ context.Context, setting domain.RateSetting) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := rateKey{setting.Kind, setting.OwnerType, setting.OwnerID}
	if len(setting.Rates) == 0 {
		delete(r.items, key)
		return nil
	}
	setting.Rates = append([]domain.CountryRate(nil), setting.Rates...)
	r.items[key] = setting
	return nil
}

func (r *rateRepositoryInMemory) Get(_ context.Context, kind domain.RateKind, ownerType domain.RateOwnerType, ownerID string) (domain.RateSetting, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	setting, ok := r.items[rateKey{kind, ownerType, ownerID}]
	if !ok {
		return domain.RateSetting{}, domain.ErrRateSettingNotFound
	}
	setting.Rates = append([]domain.CountryRate(nil), setting.Rates...)
	return setting, nil
}

var _ domain.RateRepository = (*rateRepositoryInMemory)(nil)
