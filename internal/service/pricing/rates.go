package pricing

import (
	"context"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// RateAdmin управляет настройками ставок: админ правит ставки по умолчанию, вендор правит свои.
type RateAdmin struct {
	rates domain.RateRepository
	now   func() time.Time
}

// NewRateAdmin создаёт сервис администрирования ставок.
func NewRateAdmin(rates domain.RateRepository) *RateAdmin {
	return &RateAdmin{rates: rates, now: time.Now}
}

// Put сохраняет ставки владельца, определяемого ролью актора.
func (a *RateAdmin) Put(ctx context.Context, actor domain.Actor, kind domain.RateKind, rates []domain.CountryRate) (domain.RateSetting, error) {
	setting := domain.RateSetting{
		Kind:      kind,
		Rates:     make([]domain.CountryRate, 0, len(rates)),
		UpdatedAt: a.now().UTC(),
	}
	switch actor.Role {
	case domain.RoleAdmin:
		setting.OwnerType = domain.RateOwnerAdmin
	case domain.RoleVendor:
		setting.OwnerType = domain.RateOwnerVendor
		setting.OwnerID = actor.ID
	default:
		return domain.RateSetting{}, domain.NewForbiddenError("role %s cannot manage rates", actor.Role)
	}
	for _, r := range rates {
		setting.Rates = append(setting.Rates, domain.CountryRate{Country: domain.NormalizeCountry(r.Country), Value: r.Value})
	}

	if err := setting.Validate(); err != nil {
		return domain.RateSetting{}, err
	}
	if err := a.rates.Upsert(ctx, setting); err != nil {
		return domain.RateSetting{}, err
	}
	return setting, nil
}

// Get возвращает ставки владельца.
func (a *RateAdmin) Get(ctx context.Context, kind domain.RateKind, ownerType domain.RateOwnerType, ownerID string) (domain.RateSetting, error) {
	return a.rates.Get(ctx, kind, ownerType, ownerID)
}
