package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

type rateRepository struct {
	db *sql.DB
}

// NewRateRepository создаёт PostgreSQL-реализацию RateRepository.
// Одна строка таблицы соответствует ставке владельца для одной страны.
func NewRateRepository(store *Store) domain.RateRepository {
	return &rateRepository{db: store.DB()}
}

// Upsert заменяет набор ставок владельца целиком. Пустой набор удаляет настройку.
func (r *rateRepository) Upsert(ctx context.Context, setting domain.RateSetting) error {
	ctx, cancel := opContext(ctx)
	defer cancel()

	updatedAt := setting.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	return withTx(ctx, r.db, nil, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM rate_settings
			WHERE kind = $1 AND owner_type = $2 AND owner_id = $3
		`, string(setting.Kind), string(setting.OwnerType), setting.OwnerID); err != nil {
			return fmt.Errorf("clear rate setting: %w", err)
		}

		for _, rate := range setting.Rates {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO rate_settings (kind, owner_type, owner_id, country, value, updated_at)
				VALUES ($1,$2,$3,$4,$5,$6)
			`,
				string(setting.Kind), string(setting.OwnerType), setting.OwnerID,
				domain.NormalizeCountry(rate.Country), rate.Value, updatedAt,
			); err != nil {
				return fmt.Errorf("insert rate for %s: %w", rate.Country, err)
			}
		}
		return nil
	})
}

func (r *rateRepository) Get(ctx context.Context, kind domain.RateKind, ownerType domain.RateOwnerType, ownerID string) (domain.RateSetting, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT country, value, updated_at
		FROM rate_settings
		WHERE kind = $1 AND owner_type = $2 AND owner_id = $3
		ORDER BY country ASC
	`, string(kind), string(ownerType), ownerID)
	if err != nil {
		return domain.RateSetting{}, fmt.Errorf("select rate setting: %w", err)
	}
	defer rows.Close()

	setting := domain.RateSetting{Kind: kind, OwnerType: ownerType, OwnerID: ownerID}
	for rows.Next() {
		var (
			rate      domain.CountryRate
			updatedAt time.Time
		)
		if err := rows.Scan(&rate.Country, &rate.Value, &updatedAt); err != nil {
			return domain.RateSetting{}, fmt.Errorf("scan rate: %w", err)
		}
		if updatedAt.After(setting.UpdatedAt) {
			setting.UpdatedAt = updatedAt
		}
		setting.Rates = append(setting.Rates, rate)
	}
	if err := rows.Err(); err != nil {
		return domain.RateSetting{}, fmt.Errorf("iterate rates: %w", err)
	}
	if len(setting.Rates) == 0 {
		return domain.RateSetting{}, domain.ErrRateSettingNotFound
	}
	return setting, nil
}

var _ domain.RateRepository = (*rateRepository)(nil)
