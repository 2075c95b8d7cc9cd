package coupon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// RedemptionRecorder получает результат погашения для метрик.
type RedemptionRecorder interface {
	RecordCouponRedemption(result string)
}

// Option настраивает Service.
type Option func(*Service)

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithMetrics задаёт получателя метрик погашений.
func WithMetrics(m RedemptionRecorder) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// Service проверяет, применяет и погашает купоны.
type Service struct {
	repo    domain.CouponRepository
	logger  *log.Entry
	now     func() time.Time
	metrics RedemptionRecorder
}

// NewService создаёт сервис купонов.
func NewService(repo domain.CouponRepository, logger *log.Entry, opts ...Option) *Service {
	if logger == nil {
		logger = log.WithField("component", "coupon-service")
	}
	s := &Service{repo: repo, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Validate проверяет купон для пользователя и корзины.
func (s *Service) Validate(ctx context.Context, code, userID string, lines []domain.CartLine) (domain.Coupon, error) {
	code = domain.NormalizeCouponCode(code)
	c, err := s.repo.GetByCode(ctx, code)
	if err != nil {
		if errors.Is(err, domain.ErrCouponNotFound) {
			return domain.Coupon{}, domain.NewCouponInvalid(domain.CouponReasonNotFound, code)
		}
		return domain.Coupon{}, fmt.Errorf("load coupon %s: %w", code, err)
	}

	if !c.Active {
		return domain.Coupon{}, domain.NewCouponInvalid(domain.CouponReasonInactive, code)
	}

	terms := c.Terms()
	now := s.now().UTC()
	if !terms.ValidFrom.IsZero() && now.Before(terms.ValidFrom) {
		return domain.Coupon{}, domain.NewCouponInvalid(domain.CouponReasonNotStarted, code)
	}
	if !terms.ValidTo.IsZero() && now.After(terms.ValidTo) {
		return domain.Coupon{}, domain.NewCouponInvalid(domain.CouponReasonExpired, code)
	}

	subtotal := domain.CartSubtotal(lines)
	if subtotal.LessThan(terms.MinOrderValue) {
		return domain.Coupon{}, domain.NewCouponInvalid(domain.CouponReasonMinOrderNotMet, code)
	}
	if !hasEligibleLine(terms, lines) {
		return domain.Coupon{}, domain.NewCouponInvalid(domain.CouponReasonScopeMismatch, code)
	}
	if c.Exhausted() {
		return domain.Coupon{}, domain.NewCouponInvalid(domain.CouponReasonExhausted, code)
	}
	if c.UsageLimitPerUser > 0 {
		used, err := s.repo.RedemptionCount(ctx, c.ID, userID)
		if err != nil {
			return domain.Coupon{}, fmt.Errorf("count redemptions of %s: %w", code, err)
		}
		if used >= c.UsageLimitPerUser {
			return domain.Coupon{}, domain.NewCouponInvalid(domain.CouponReasonPerUserLimitReached, code)
		}
	}

	return c, nil
}

// Apply считает скидку купона от базы: процент с потолком или фиксированную сумму не больше базы.
func Apply(c domain.Coupon, base decimal.Decimal) decimal.Decimal {
	if !base.IsPositive() {
		return decimal.Zero
	}
	terms := c.Terms()

	var discount decimal.Decimal
	switch terms.DiscountType {
	case domain.DiscountPercent:
		discount = base.Mul(terms.Value).Div(hundred)
		if terms.MaxDiscountValue.Valid {
			discount = domain.MinMoney(discount, terms.MaxDiscountValue.Decimal)
		}
	case domain.DiscountFixed:
		discount = domain.MinMoney(terms.Value, base)
	default:
		return decimal.Zero
	}
	return domain.MinMoney(domain.RoundMoney(discount), base)
}

// DiscountBase возвращает базу скидки: вся корзина для глобальных купонов, подходящие строки для остальных.
func DiscountBase(c domain.Coupon, lines []domain.CartLine) decimal.Decimal {
	terms := c.Terms()
	if terms.Scope == domain.CouponScopeGlobal {
		return domain.CartSubtotal(lines)
	}
	return EligibleSubtotal(terms, lines)
}

// EligibleSubtotal суммирует строки, попадающие в область действия.
func EligibleSubtotal(terms domain.CouponTerms, lines []domain.CartLine) decimal.Decimal {
	total := decimal.Zero
	for _, line := range lines {
		if terms.Matches(line) {
			total = total.Add(line.LineTotal())
		}
	}
	return domain.RoundMoney(total)
}

func hasEligibleLine(terms domain.CouponTerms, lines []domain.CartLine) bool {
	for _, line := range lines {
		if terms.Matches(line) {
			return true
		}
	}
	return false
}

// Application хранит результат применения набора купонов к корзине.
type Application struct {
	Coupons  []domain.AppliedCoupon
	BySeller map[string]decimal.Decimal
	Total    decimal.Decimal
}

// ApplyAll проверяет коды, правила совместимости и распределяет скидку по продавцам.
func (s *Service) ApplyAll(ctx context.Context, codes []string, userID string, lines []domain.CartLine) (Application, error) {
	app := Application{BySeller: make(map[string]decimal.Decimal), Total: decimal.Zero}
	if len(codes) == 0 {
		return app, nil
	}

	seen := make(map[string]struct{}, len(codes))
	coupons := make([]domain.Coupon, 0, len(codes))
	for _, raw := range codes {
		code := domain.NormalizeCouponCode(raw)
		if _, dup := seen[code]; dup {
			return Application{}, domain.NewValidationError("coupon %s is listed twice", code)
		}
		seen[code] = struct{}{}

		c, err := s.Validate(ctx, code, userID, lines)
		if err != nil {
			return Application{}, err
		}
		coupons = append(coupons, c)
	}

	if len(coupons) > 1 {
		for _, c := range coupons {
			if !c.Stackable {
				return Application{}, domain.NewCouponInvalid(domain.CouponReasonNotStackable, c.Code)
			}
		}
	}

	// Остаток по продавцу, ещё доступный для скидки.
	capacity := sellerSubtotals(lines)
	for _, c := range coupons {
		terms := c.Terms()
		discount := Apply(c, DiscountBase(c, lines))

		weights := make(map[string]decimal.Decimal)
		for _, line := range lines {
			if terms.Matches(line) {
				weights[line.SellerID] = weights[line.SellerID].Add(line.LineTotal())
			}
		}
		for sellerID, eligible := range weights {
			weights[sellerID] = domain.MinMoney(domain.RoundMoney(eligible), capacity.remaining(sellerID))
		}
		shares := allocate(discount, capacity.order, weights)

		applied := decimal.Zero
		for sellerID, share := range shares {
			capacity.consume(sellerID, share)
			app.BySeller[sellerID] = app.BySeller[sellerID].Add(share)
			applied = applied.Add(share)
		}
		app.Coupons = append(app.Coupons, domain.AppliedCoupon{CouponID: c.ID, Code: c.Code, Discount: applied})
		app.Total = app.Total.Add(applied)
	}

	return app, nil
}

// Redeem погашает купон для заказа; проигравший гонку за последний слот получает CouponInvalid(exhausted).
func (s *Service) Redeem(ctx context.Context, couponID, userID, orderID string) error {
	err := s.repo.Redeem(ctx, domain.CouponRedemption{
		CouponID:   couponID,
		UserID:     userID,
		OrderID:    orderID,
		RedeemedAt: s.now().UTC(),
	})
	if err != nil {
		result := "error"
		if errors.Is(err, domain.ErrCouponInvalid) {
			result = "rejected"
		}
		s.recordRedemption(result)
		s.logger.WithError(err).WithFields(log.Fields{
			"coupon_id": couponID,
			"order_id":  orderID,
		}).Warn("coupon redemption failed")
		return err
	}

	s.recordRedemption("ok")
	return nil
}

func (s *Service) recordRedemption(result string) {
	if s.metrics != nil {
		s.metrics.RecordCouponRedemption(result)
	}
}

// Draft: поля купона, которые задаёт админ или вендор.
type Draft struct {
	Code              string
	Kind              domain.CouponKind
	Active            bool
	Stackable         bool
	UsageLimitTotal   int
	UsageLimitPerUser int
	Scoped            *domain.ScopedTerms
	Legacy            *domain.LegacyTerms
}

// Create создаёт купон. Вендорский купон всегда ограничен товарами самого вендора.
func (s *Service) Create(ctx context.Context, actor domain.Actor, draft Draft) (domain.Coupon, error) {
	now := s.now().UTC()
	c := domain.Coupon{
		ID:                uuid.NewString(),
		Code:              domain.NormalizeCouponCode(draft.Code),
		Kind:              draft.Kind,
		Active:            draft.Active,
		Stackable:         draft.Stackable,
		UsageLimitTotal:   draft.UsageLimitTotal,
		UsageLimitPerUser: draft.UsageLimitPerUser,
		Scoped:            draft.Scoped,
		Legacy:            draft.Legacy,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	switch actor.Role {
	case domain.RoleAdmin:
	case domain.RoleVendor:
		if err := restrictToVendor(&c, actor.ID); err != nil {
			return domain.Coupon{}, err
		}
	default:
		return domain.Coupon{}, domain.NewForbiddenError("role %s cannot create coupons", actor.Role)
	}

	if errs := c.Validate(); len(errs) > 0 {
		return domain.Coupon{}, errors.Join(errs...)
	}
	if err := s.repo.Create(ctx, c); err != nil {
		return domain.Coupon{}, err
	}

	s.logger.WithFields(log.Fields{
		"coupon_id": c.ID,
		"code":      c.Code,
		"owner":     c.OwnerVendorID,
	}).Info("coupon created")
	return c, nil
}

// Update редактирует условия купона. UsedCount не меняется, лимит не опускается ниже него.
func (s *Service) Update(ctx context.Context, actor domain.Actor, id string, draft Draft) (domain.Coupon, error) {
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return domain.Coupon{}, err
	}

	switch actor.Role {
	case domain.RoleAdmin:
	case domain.RoleVendor:
		if !domain.CanActOn(actor, current.Resource()) {
			return domain.Coupon{}, domain.NewForbiddenError("vendor %s does not own coupon %s", actor.ID, id)
		}
	default:
		return domain.Coupon{}, domain.NewForbiddenError("role %s cannot edit coupons", actor.Role)
	}

	next := current
	next.Code = domain.NormalizeCouponCode(draft.Code)
	next.Kind = draft.Kind
	next.Active = draft.Active
	next.Stackable = draft.Stackable
	next.UsageLimitTotal = draft.UsageLimitTotal
	next.UsageLimitPerUser = draft.UsageLimitPerUser
	next.Scoped = draft.Scoped
	next.Legacy = draft.Legacy
	next.UpdatedAt = s.now().UTC()

	if actor.Role == domain.RoleVendor {
		if err := restrictToVendor(&next, actor.ID); err != nil {
			return domain.Coupon{}, err
		}
	}

	if errs := next.Validate(); len(errs) > 0 {
		return domain.Coupon{}, errors.Join(errs...)
	}
	if err := s.repo.Update(ctx, next); err != nil {
		return domain.Coupon{}, err
	}
	next.Version++
	return next, nil
}

func restrictToVendor(c *domain.Coupon, vendorID string) error {
	if c.Kind != domain.CouponKindScoped || c.Scoped == nil {
		return domain.NewValidationError("vendors can only manage scoped coupons")
	}
	if c.Scoped.Scope != domain.CouponScopeVendor || len(c.Scoped.ScopeRefs) != 1 || c.Scoped.ScopeRefs[0] != vendorID {
		return domain.NewForbiddenError("vendor coupon must be scoped to vendor %s", vendorID)
	}
	c.OwnerVendorID = vendorID
	return nil
}

// Get возвращает купон по идентификатору.
func (s *Service) Get(ctx context.Context, id string) (domain.Coupon, error) {
	return s.repo.Get(ctx, id)
}
