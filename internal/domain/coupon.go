package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CouponKind различает два варианта купона.
type CouponKind string

const (
	// CouponKindLegacy: старый купон, только процент и дата окончания, без области действия.
	CouponKindLegacy CouponKind = "legacy"
	// CouponKindScoped: купон с областью действия, окном и лимитами.
	CouponKindScoped CouponKind = "scoped"
)

// CouponScope: область действия купона.
type CouponScope string

const (
	CouponScopeGlobal   CouponScope = "global"
	CouponScopeVendor   CouponScope = "vendor"
	CouponScopeProduct  CouponScope = "product"
	CouponScopeCategory CouponScope = "category"
)

// DiscountType — тип скидки.
type DiscountType string

const (
	DiscountPercent DiscountType = "percent"
	DiscountFixed   DiscountType = "fixed"
)

// CouponInvalidReason: код причины отказа в применении купона.
type CouponInvalidReason string

const (
	CouponReasonNotFound            CouponInvalidReason = "not_found"
	CouponReasonInactive            CouponInvalidReason = "inactive"
	CouponReasonNotStarted          CouponInvalidReason = "not_started"
	CouponReasonExpired             CouponInvalidReason = "expired"
	CouponReasonExhausted           CouponInvalidReason = "exhausted"
	CouponReasonScopeMismatch       CouponInvalidReason = "scope_mismatch"
	CouponReasonMinOrderNotMet      CouponInvalidReason = "min_order_not_met"
	CouponReasonPerUserLimitReached CouponInvalidReason = "per_user_limit_reached"
	CouponReasonNotStackable        CouponInvalidReason = "not_stackable"
)

// ScopedTerms: условия scoped-купона.
type ScopedTerms struct {
	Scope            CouponScope
	ScopeRefs        []string
	DiscountType     DiscountType
	Value            decimal.Decimal
	ValidFrom        time.Time
	ValidTo          time.Time
	MinOrderValue    decimal.Decimal
	MaxDiscountValue decimal.NullDecimal
}

// LegacyTerms: условия legacy-купона.
type LegacyTerms struct {
	DiscountPercentage decimal.Decimal
	ExpirationDate     time.Time
}

// Coupon — купон одного из двух вариантов; заполнено ровно одно из Scoped/Legacy.
type Coupon struct {
	ID   string
	Code string
	Kind CouponKind
	// OwnerVendorID пуст у админских купонов.
	OwnerVendorID     string
	Active            bool
	Stackable         bool
	UsageLimitTotal   int
	UsageLimitPerUser int
	UsedCount         int
	Scoped            *ScopedTerms
	Legacy            *LegacyTerms
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// CouponTerms приводит условия обоих вариантов купона к общему виду.
type CouponTerms struct {
	Scope            CouponScope
	ScopeRefs        []string
	DiscountType     DiscountType
	Value            decimal.Decimal
	ValidFrom        time.Time
	ValidTo          time.Time
	MinOrderValue    decimal.Decimal
	MaxDiscountValue decimal.NullDecimal
}

// NormalizeCouponCode приводит код к каноническому виду.
func NormalizeCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Terms сводит вариант купона к общим условиям.
// Legacy-купон ведёт себя как глобальный процентный купон до ExpirationDate.
func (c Coupon) Terms() CouponTerms {
	if c.Kind == CouponKindLegacy && c.Legacy != nil {
		return CouponTerms{
			Scope:        CouponScopeGlobal,
			DiscountType: DiscountPercent,
			Value:        c.Legacy.DiscountPercentage,
			ValidTo:      c.Legacy.ExpirationDate,
		}
	}
	if c.Scoped == nil {
		return CouponTerms{}
	}
	return CouponTerms{
		Scope:            c.Scoped.Scope,
		ScopeRefs:        c.Scoped.ScopeRefs,
		DiscountType:     c.Scoped.DiscountType,
		Value:            c.Scoped.Value,
		ValidFrom:        c.Scoped.ValidFrom,
		ValidTo:          c.Scoped.ValidTo,
		MinOrderValue:    c.Scoped.MinOrderValue,
		MaxDiscountValue: c.Scoped.MaxDiscountValue,
	}
}

// Matches сообщает, попадает ли строка корзины в область действия купона.
func (t CouponTerms) Matches(line CartLine) bool {
	switch t.Scope {
	case CouponScopeGlobal:
		return true
	case CouponScopeVendor:
		return containsString(t.ScopeRefs, line.SellerID)
	case CouponScopeProduct:
		return containsString(t.ScopeRefs, line.ProductID)
	case CouponScopeCategory:
		return line.CategoryID != "" && containsString(t.ScopeRefs, line.CategoryID)
	default:
		return false
	}
}

// Exhausted сообщает, что общий лимит использований исчерпан.
func (c Coupon) Exhausted() bool {
	return c.UsageLimitTotal > 0 && c.UsedCount >= c.UsageLimitTotal
}

// Resource описывает владение купоном: вендор управляет только своими купонами.
func (c Coupon) Resource() Resource {
	if c.OwnerVendorID == "" {
		return Resource{}
	}
	return Resource{SellerIDs: []string{c.OwnerVendorID}}
}

// Validate проверяет форму купона при создании и редактировании.
func (c Coupon) Validate() []error {
	var errs []error

	if NormalizeCouponCode(c.Code) == "" {
		errs = append(errs, NewValidationError("coupon code is required"))
	}
	if c.UsageLimitTotal < 0 || c.UsageLimitPerUser < 0 {
		errs = append(errs, NewValidationError("usage limits must be non-negative"))
	}
	if c.UsageLimitTotal > 0 && c.UsedCount > c.UsageLimitTotal {
		errs = append(errs, NewValidationError("usage_limit_total must not be lower than used_count"))
	}

	switch c.Kind {
	case CouponKindLegacy:
		if c.Legacy == nil || c.Scoped != nil {
			errs = append(errs, NewValidationError("legacy coupon must carry only legacy terms"))
			return errs
		}
		if !c.Legacy.DiscountPercentage.IsPositive() || c.Legacy.DiscountPercentage.GreaterThan(decimal.NewFromInt(100)) {
			errs = append(errs, NewValidationError("discount_percentage must be within (0, 100]"))
		}
		if c.Legacy.ExpirationDate.IsZero() {
			errs = append(errs, NewValidationError("expiration_date is required"))
		}
	case CouponKindScoped:
		if c.Scoped == nil || c.Legacy != nil {
			errs = append(errs, NewValidationError("scoped coupon must carry only scoped terms"))
			return errs
		}
		errs = append(errs, c.Scoped.validate()...)
	default:
		errs = append(errs, NewValidationError("unknown coupon kind %q", c.Kind))
	}

	return errs
}

func (t ScopedTerms) validate() []error {
	var errs []error

	switch t.Scope {
	case CouponScopeGlobal:
	case CouponScopeVendor, CouponScopeProduct, CouponScopeCategory:
		if len(t.ScopeRefs) == 0 {
			errs = append(errs, NewValidationError("scope %s requires scope_refs", t.Scope))
		}
	default:
		errs = append(errs, NewValidationError("unknown coupon scope %q", t.Scope))
	}

	switch t.DiscountType {
	case DiscountPercent:
		if !t.Value.IsPositive() || t.Value.GreaterThan(decimal.NewFromInt(100)) {
			errs = append(errs, NewValidationError("percent value must be within (0, 100]"))
		}
	case DiscountFixed:
		if !t.Value.IsPositive() {
			errs = append(errs, NewValidationError("fixed value must be positive"))
		}
	default:
		errs = append(errs, NewValidationError("unknown discount type %q", t.DiscountType))
	}

	if t.ValidTo.IsZero() || (!t.ValidFrom.IsZero() && !t.ValidTo.After(t.ValidFrom)) {
		errs = append(errs, NewValidationError("valid_to must be set and later than valid_from"))
	}
	if t.MinOrderValue.IsNegative() {
		errs = append(errs, NewValidationError("min_order_value must be non-negative"))
	}
	if t.MaxDiscountValue.Valid && !t.MaxDiscountValue.Decimal.IsPositive() {
		errs = append(errs, NewValidationError("max_discount_value must be positive when set"))
	}

	return errs
}

// CouponRedemption описывает запись журнала погашений купона.
type CouponRedemption struct {
	CouponID   string
	UserID     string
	OrderID    string
	RedeemedAt time.Time
}

func containsString(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
