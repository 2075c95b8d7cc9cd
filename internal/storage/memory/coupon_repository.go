package memory

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

type redemptionKey struct {
	couponID string
	orderID  string
}

type userKey struct {
	couponID string
	userID   string
}

// couponRepositoryInMemory хранит купоны и журнал погашений под одним мьютексом,
// поэтому проверка лимитов и инкремент счётчиков атомарны.
type couponRepositoryInMemory struct {
	mu          sync.Mutex
	items       map[string]domain.Coupon
	byCode      map[string]string
	redemptions map[redemptionKey]domain.CouponRedemption
	perUser     map[userKey]int
}

// NewCouponRepository создаёт in-memory реализацию CouponRepository.
func NewCouponRepository() domain.CouponRepository {
	return &couponRepositoryInMemory{
		items:       make(map[string]domain.Coupon),
		byCode:      make(map[string]string),
		redemptions: make(map[redemptionKey]domain.CouponRedemption),
		perUser:     make(map[userKey]int),
	}
}

func (r *couponRepositoryInMemory) Create(_ context.Context, coupon domain.Coupon) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	code := domain.NormalizeCouponCode(coupon.Code)
	if _, taken := r.byCode[code]; taken {
		return domain.ErrCouponCodeTaken
	}
	coupon.Code = code
	coupon.UsedCount = 0
	r.items[coupon.ID] = cloneCoupon(coupon)
	r.byCode[code] = coupon.ID
	return nil
}

func (r *couponRepositoryInMemory) Get(_ context.Context, id string) (domain.Coupon, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.items[id]
	if !ok {
		return domain.Coupon{}, domain.ErrCouponNotFound
	}
	return cloneCoupon(c), nil
}

func (r *couponRepositoryInMemory) GetByCode(_ context.Context, code string) (domain.Coupon, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byCode[domain.NormalizeCouponCode(code)]
	if !ok {
		return domain.Coupon{}, domain.ErrCouponNotFound
	}
	return cloneCoupon(r.items[id]), nil
}

// Update переписывает условия купона. UsedCount всегда берётся из хранилища.
func (r *couponRepositoryInMemory) Update(_ context.Context, coupon domain.Coupon) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[coupon.ID]
	if !ok {
		return domain.ErrCouponNotFound
	}
	if current.Version != coupon.Version {
		return domain.ErrCouponVersionConflict
	}
	if coupon.UsageLimitTotal > 0 && coupon.UsageLimitTotal < current.UsedCount {
		return domain.ErrCouponVersionConflict
	}

	code := domain.NormalizeCouponCode(coupon.Code)
	if ownerID, taken := r.byCode[code]; taken && ownerID != coupon.ID {
		return domain.ErrCouponCodeTaken
	}
	delete(r.byCode, current.Code)

	coupon.Code = code
	coupon.UsedCount = current.UsedCount
	coupon.CreatedAt = current.CreatedAt
	coupon.Version = current.Version + 1
	r.items[coupon.ID] = cloneCoupon(coupon)
	r.byCode[code] = coupon.ID
	return nil
}

// Redeem проверяет лимиты и увеличивает счётчики в одной критической секции.
func (r *couponRepositoryInMemory) Redeem(_ context.Context, redemption domain.CouponRedemption) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := redemptionKey{couponID: redemption.CouponID, orderID: redemption.OrderID}
	if _, done := r.redemptions[key]; done {
		return nil
	}

	c, ok := r.items[redemption.CouponID]
	if !ok {
		return domain.ErrCouponNotFound
	}
	if c.Exhausted() {
		return domain.NewCouponInvalid(domain.CouponReasonExhausted, c.Code)
	}
	uk := userKey{couponID: c.ID, userID: redemption.UserID}
	if c.UsageLimitPerUser > 0 && r.perUser[uk] >= c.UsageLimitPerUser {
		return domain.NewCouponInvalid(domain.CouponReasonPerUserLimitReached, c.Code)
	}

	c.UsedCount++
	r.items[c.ID] = c
	r.perUser[uk]++
	r.redemptions[key] = redemption
	return nil
}

func (r *couponRepositoryInMemory) RedemptionCount(_ context.Context, couponID, userID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.perUser[userKey{couponID: couponID, userID: userID}], nil
}

func cloneCoupon(c domain.Coupon) domain.Coupon {
	cp := c
	if c.Scoped != nil {
		scoped := *c.Scoped
		scoped.ScopeRefs = append([]string(nil), c.Scoped.ScopeRefs...)
		cp.Scoped = &scoped
	}
	if c.Legacy != nil {
		legacy := *c.Legacy
		cp.Legacy = &legacy
	}
	return cp
}

var _ domain.CouponRepository = (*couponRepositoryInMemory)(nil)
