package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

const couponColumns = `
	id, code, kind, owner_vendor_id, active, stackable,
	usage_limit_total, usage_limit_per_user, used_count,
	scope, scope_refs, discount_type, discount_value, valid_from, valid_to,
	min_order_value, max_discount_value,
	legacy_discount_percentage, legacy_expiration_date,
	version, created_at, updated_at`

type couponRepository struct {
	db *sql.DB
}

// NewCouponRepository создаёт PostgreSQL-реализацию CouponRepository.
func NewCouponRepository(store *Store) domain.CouponRepository {
	return &couponRepository{db: store.DB()}
}

// couponRow: плоское представление купона для колонок таблицы coupons.
type couponRow struct {
	scope          sql.NullString
	scopeRefs      []byte
	discountType   sql.NullString
	value          decimal.NullDecimal
	validFrom      sql.NullTime
	validTo        sql.NullTime
	minOrder       decimal.NullDecimal
	maxDiscount    decimal.NullDecimal
	legacyPercent  decimal.NullDecimal
	legacyExpireAt sql.NullTime
}

func newCouponRow(c domain.Coupon) (couponRow, error) {
	row := couponRow{scopeRefs: []byte("[]")}
	if c.Scoped != nil {
		refs := c.Scoped.ScopeRefs
		if refs == nil {
			refs = []string{}
		}
		raw, err := json.Marshal(refs)
		if err != nil {
			return couponRow{}, fmt.Errorf("encode scope refs: %w", err)
		}
		row.scopeRefs = raw
		row.scope = sql.NullString{String: string(c.Scoped.Scope), Valid: true}
		row.discountType = sql.NullString{String: string(c.Scoped.DiscountType), Valid: true}
		row.value = decimal.NewNullDecimal(c.Scoped.Value)
		row.validFrom = nullTime(c.Scoped.ValidFrom)
		row.validTo = nullTime(c.Scoped.ValidTo)
		row.minOrder = decimal.NewNullDecimal(c.Scoped.MinOrderValue)
		row.maxDiscount = c.Scoped.MaxDiscountValue
	}
	if c.Legacy != nil {
		row.legacyPercent = decimal.NewNullDecimal(c.Legacy.DiscountPercentage)
		row.legacyExpireAt = nullTime(c.Legacy.ExpirationDate)
	}
	return row, nil
}

func (r *couponRepository) Create(ctx context.Context, coupon domain.Coupon) error {
	ctx, cancel := opContext(ctx)
	defer cancel()

	row, err := newCouponRow(coupon)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO coupons (`+couponColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,0,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
	`,
		coupon.ID, domain.NormalizeCouponCode(coupon.Code), string(coupon.Kind), coupon.OwnerVendorID,
		coupon.Active, coupon.Stackable, coupon.UsageLimitTotal, coupon.UsageLimitPerUser,
		row.scope, row.scopeRefs, row.discountType, row.value, row.validFrom, row.validTo,
		row.minOrder, row.maxDiscount, row.legacyPercent, row.legacyExpireAt,
		coupon.Version, coupon.CreatedAt, coupon.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrCouponCodeTaken
		}
		return fmt.Errorf("insert coupon: %w", err)
	}
	return nil
}

func (r *couponRepository) Get(ctx context.Context, id string) (domain.Coupon, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	return r.selectOne(ctx, `SELECT `+couponColumns+` FROM coupons WHERE id = $1`, id)
}

func (r *couponRepository) GetByCode(ctx context.Context, code string) (domain.Coupon, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	return r.selectOne(ctx, `SELECT `+couponColumns+` FROM coupons WHERE code = $1`, domain.NormalizeCouponCode(code))
}

// Update меняет условия купона; used_count не трогается, а новый лимит
// не может оказаться ниже уже погашенного количества.
func (r *couponRepository) Update(ctx context.Context, coupon domain.Coupon) error {
	ctx, cancel := opContext(ctx)
	defer cancel()

	row, err := newCouponRow(coupon)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE coupons
		SET code = $1,
		    active = $2,
		    stackable = $3,
		    usage_limit_total = $4,
		    usage_limit_per_user = $5,
		    scope = $6,
		    scope_refs = $7,
		    discount_type = $8,
		    discount_value = $9,
		    valid_from = $10,
		    valid_to = $11,
		    min_order_value = $12,
		    max_discount_value = $13,
		    legacy_discount_percentage = $14,
		    legacy_expiration_date = $15,
		    version = version + 1,
		    updated_at = $16
		WHERE id = $17
		  AND version = $18
		  AND ($4 = 0 OR used_count <= $4)
	`,
		domain.NormalizeCouponCode(coupon.Code), coupon.Active, coupon.Stackable,
		coupon.UsageLimitTotal, coupon.UsageLimitPerUser,
		row.scope, row.scopeRefs, row.discountType, row.value, row.validFrom, row.validTo,
		row.minOrder, row.maxDiscount, row.legacyPercent, row.legacyExpireAt,
		coupon.UpdatedAt, coupon.ID, coupon.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrCouponCodeTaken
		}
		return fmt.Errorf("update coupon: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := r.Get(ctx, coupon.ID); err != nil {
			return err
		}
		return domain.ErrCouponVersionConflict
	}
	return nil
}

// Redeem блокирует строку купона, поэтому проверки лимитов и инкремент
// сериализуются между конкурирующими оплатами.
func (r *couponRepository) Redeem(ctx context.Context, redemption domain.CouponRedemption) error {
	ctx, cancel := opContext(ctx)
	defer cancel()

	if redemption.RedeemedAt.IsZero() {
		redemption.RedeemedAt = time.Now().UTC()
	}

	return withTx(ctx, r.db, nil, func(tx *sql.Tx) error {
		var (
			code                string
			limitTotal, perUser int
			used                int
		)
		err := tx.QueryRowContext(ctx, `
			SELECT code, usage_limit_total, usage_limit_per_user, used_count
			FROM coupons
			WHERE id = $1
			FOR UPDATE
		`, redemption.CouponID).Scan(&code, &limitTotal, &perUser, &used)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrCouponNotFound
			}
			return fmt.Errorf("lock coupon: %w", err)
		}

		var done bool
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM coupon_redemptions WHERE coupon_id = $1 AND order_id = $2)
		`, redemption.CouponID, redemption.OrderID).Scan(&done); err != nil {
			return fmt.Errorf("check redemption: %w", err)
		}
		if done {
			return nil
		}

		if limitTotal > 0 && used >= limitTotal {
			return domain.NewCouponInvalid(domain.CouponReasonExhausted, code)
		}
		if perUser > 0 {
			var count int
			if err := tx.QueryRowContext(ctx, `
				SELECT COUNT(*) FROM coupon_redemptions WHERE coupon_id = $1 AND user_id = $2
			`, redemption.CouponID, redemption.UserID).Scan(&count); err != nil {
				return fmt.Errorf("count user redemptions: %w", err)
			}
			if count >= perUser {
				return domain.NewCouponInvalid(domain.CouponReasonPerUserLimitReached, code)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO coupon_redemptions (coupon_id, order_id, user_id, redeemed_at)
			VALUES ($1,$2,$3,$4)
		`, redemption.CouponID, redemption.OrderID, redemption.UserID, redemption.RedeemedAt); err != nil {
			return fmt.Errorf("insert redemption: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE coupons
			SET used_count = used_count + 1
			WHERE id = $1
			  AND (usage_limit_total = 0 OR used_count < usage_limit_total)
		`, redemption.CouponID)
		if err != nil {
			return fmt.Errorf("increment coupon usage: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return domain.NewCouponInvalid(domain.CouponReasonExhausted, code)
		}
		return nil
	})
}

func (r *couponRepository) RedemptionCount(ctx context.Context, couponID, userID string) (int, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	var count int
	if err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM coupon_redemptions WHERE coupon_id = $1 AND user_id = $2
	`, couponID, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count redemptions: %w", err)
	}
	return count, nil
}

func (r *couponRepository) selectOne(ctx context.Context, query string, arg string) (domain.Coupon, error) {
	var (
		c    domain.Coupon
		row  couponRow
		kind string
	)
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&c.ID, &c.Code, &kind, &c.OwnerVendorID, &c.Active, &c.Stackable,
		&c.UsageLimitTotal, &c.UsageLimitPerUser, &c.UsedCount,
		&row.scope, &row.scopeRefs, &row.discountType, &row.value, &row.validFrom, &row.validTo,
		&row.minOrder, &row.maxDiscount, &row.legacyPercent, &row.legacyExpireAt,
		&c.Version, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Coupon{}, domain.ErrCouponNotFound
		}
		return domain.Coupon{}, fmt.Errorf("select coupon: %w", err)
	}
	c.Kind = domain.CouponKind(kind)

	switch c.Kind {
	case domain.CouponKindLegacy:
		c.Legacy = &domain.LegacyTerms{
			DiscountPercentage: row.legacyPercent.Decimal,
			ExpirationDate:     row.legacyExpireAt.Time,
		}
	default:
		var refs []string
		if len(row.scopeRefs) > 0 {
			if err := json.Unmarshal(row.scopeRefs, &refs); err != nil {
				return domain.Coupon{}, fmt.Errorf("decode scope refs for coupon %s: %w", c.ID, err)
			}
		}
		c.Scoped = &domain.ScopedTerms{
			Scope:            domain.CouponScope(row.scope.String),
			ScopeRefs:        refs,
			DiscountType:     domain.DiscountType(row.discountType.String),
			Value:            row.value.Decimal,
			ValidFrom:        row.validFrom.Time,
			ValidTo:          row.validTo.Time,
			MinOrderValue:    row.minOrder.Decimal,
			MaxDiscountValue: row.maxDiscount,
		}
	}
	return c, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

var _ domain.CouponRepository = (*couponRepository)(nil)
