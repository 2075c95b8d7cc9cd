package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func scopedCoupon(scope CouponScope, refs ...string) Coupon {
	return Coupon{
		ID:     "c1",
		Code:   "SALE10",
		Kind:   CouponKindScoped,
		Active: true,
		Scoped: &ScopedTerms{
			Scope:        scope,
			ScopeRefs:    refs,
			DiscountType: DiscountPercent,
			Value:        decimal.NewFromInt(10),
			ValidFrom:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			ValidTo:      time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	}
}

func TestCouponTermsMatches(t *testing.T) {
	line := CartLine{ProductID: "p1", SellerID: "s1", CategoryID: "shoes"}

	tests := []struct {
		name   string
		coupon Coupon
		want   bool
	}{
		{name: "global", coupon: scopedCoupon(CouponScopeGlobal), want: true},
		{name: "vendor match", coupon: scopedCoupon(CouponScopeVendor, "s1"), want: true},
		{name: "vendor mismatch", coupon: scopedCoupon(CouponScopeVendor, "s2"), want: false},
		{name: "product match", coupon: scopedCoupon(CouponScopeProduct, "p1"), want: true},
		{name: "category match", coupon: scopedCoupon(CouponScopeCategory, "shoes"), want: true},
		{name: "category mismatch", coupon: scopedCoupon(CouponScopeCategory, "hats"), want: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.coupon.Terms().Matches(line))
		})
	}
}

func TestLegacyCouponBehavesAsGlobalPercent(t *testing.T) {
	expires := time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)
	c := Coupon{
		Code: "OLD15",
		Kind: CouponKindLegacy,
		Legacy: &LegacyTerms{
			DiscountPercentage: decimal.NewFromInt(15),
			ExpirationDate:     expires,
		},
	}

	terms := c.Terms()
	require.Equal(t, CouponScopeGlobal, terms.Scope)
	require.Equal(t, DiscountPercent, terms.DiscountType)
	require.True(t, terms.Value.Equal(decimal.NewFromInt(15)))
	require.Equal(t, expires, terms.ValidTo)
	require.True(t, terms.ValidFrom.IsZero())
	require.Empty(t, c.Validate())
}

func TestCouponValidate(t *testing.T) {
	t.Run("scoped ok", func(t *testing.T) {
		require.Empty(t, scopedCoupon(CouponScopeVendor, "s1").Validate())
	})

	t.Run("scope without refs", func(t *testing.T) {
		require.NotEmpty(t, scopedCoupon(CouponScopeProduct).Validate())
	})

	t.Run("percent above 100", func(t *testing.T) {
		c := scopedCoupon(CouponScopeGlobal)
		c.Scoped.Value = decimal.NewFromInt(101)
		require.NotEmpty(t, c.Validate())
	})

	t.Run("limit below used count", func(t *testing.T) {
		c := scopedCoupon(CouponScopeGlobal)
		c.UsedCount = 5
		c.UsageLimitTotal = 3
		require.NotEmpty(t, c.Validate())
	})

	t.Run("both variants set", func(t *testing.T) {
		c := scopedCoupon(CouponScopeGlobal)
		c.Legacy = &LegacyTerms{DiscountPercentage: decimal.NewFromInt(5), ExpirationDate: time.Now()}
		require.NotEmpty(t, c.Validate())
	})
}

func TestCouponExhausted(t *testing.T) {
	c := Coupon{UsageLimitTotal: 1, UsedCount: 1}
	require.True(t, c.Exhausted())

	c.UsageLimitTotal = 0
	require.False(t, c.Exhausted())
}
