package postgres

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// sampleOrder — заказ двух продавцов: 2×25.00 у seller-a и 1×40.00 у seller-b.
func sampleOrder(id, customerID string, createdAt time.Time) domain.Order {
	return domain.Order{
		ID:         id,
		CustomerID: customerID,
		Status:     domain.OrderStatusCreated,
		Country:    "US",
		Currency:   "USD",
		Items: []domain.OrderItem{
			{ID: id + "-item-1", ProductID: "p-1", SellerID: "seller-a", CategoryID: "books", Qty: 2, UnitPrice: dec("25.00")},
			{ID: id + "-item-2", ProductID: "p-2", SellerID: "seller-b", Qty: 1, UnitPrice: dec("40.00")},
		},
		Sellers: []domain.SellerQuote{
			{
				SellerID: "seller-a", Subtotal: dec("50.00"), Discount: dec("5.00"), Tax: dec("3.60"),
				Shipping: dec("4.00"), Total: dec("52.60"), TaxPercent: dec("8"),
				TaxSource: domain.RateSourceAdmin, ShippingSource: domain.RateSourceVendor,
			},
			{
				SellerID: "seller-b", Subtotal: dec("40.00"), Discount: dec("0.00"), Tax: dec("3.20"),
				Shipping: dec("4.00"), Total: dec("47.20"), TaxPercent: dec("8"),
				TaxSource: domain.RateSourceAdmin, ShippingSource: domain.RateSourceAdmin,
			},
		},
		Subtotal:  dec("90.00"),
		Discount:  dec("5.00"),
		Tax:       dec("6.80"),
		Shipping:  dec("8.00"),
		Total:     dec("99.80"),
		Coupons:   []domain.AppliedCoupon{{CouponID: "coupon-1", Code: "BOOKS10", Discount: dec("5.00")}},
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func sampleCoupon(id, code string, limitTotal, perUser int) domain.Coupon {
	now := time.Now().UTC().Round(time.Microsecond)
	return domain.Coupon{
		ID:                id,
		Code:              code,
		Kind:              domain.CouponKindScoped,
		OwnerVendorID:     "seller-a",
		Active:            true,
		UsageLimitTotal:   limitTotal,
		UsageLimitPerUser: perUser,
		Scoped: &domain.ScopedTerms{
			Scope:            domain.CouponScopeCategory,
			ScopeRefs:        []string{"books"},
			DiscountType:     domain.DiscountPercent,
			Value:            dec("10"),
			ValidFrom:        now.Add(-time.Hour),
			ValidTo:          now.Add(24 * time.Hour),
			MinOrderValue:    dec("20.00"),
			MaxDiscountValue: decimal.NewNullDecimal(dec("5.00")),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}
