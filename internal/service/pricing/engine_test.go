package pricing_test

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/service/pricing"
	"github.com/vladislavdragonenkov/marketplace/internal/storage/memory"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func loggerForTests() *logrus.Entry {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	logger.SetLevel(logrus.DebugLevel)
	return logger.WithField("component", "test")
}

func seedRates(t *testing.T, repo domain.RateRepository, settings ...domain.RateSetting) {
	t.Helper()
	for _, s := range settings {
		require.NoError(t, repo.Upsert(context.Background(), s))
	}
}

func adminRates(kind domain.RateKind, country, value string) domain.RateSetting {
	return domain.RateSetting{
		Kind:      kind,
		OwnerType: domain.RateOwnerAdmin,
		Rates:     []domain.CountryRate{{Country: country, Value: d(value)}},
	}
}

func vendorRates(kind domain.RateKind, sellerID, country, value string) domain.RateSetting {
	return domain.RateSetting{
		Kind:      kind,
		OwnerType: domain.RateOwnerVendor,
		OwnerID:   sellerID,
		Rates:     []domain.CountryRate{{Country: country, Value: d(value)}},
	}
}

func TestEngine_Quote_DiscountedTotal(t *testing.T) {
	repo := memory.NewRateRepository()
	seedRates(t, repo,
		adminRates(domain.RateKindTax, "US", "8"),
		adminRates(domain.RateKindShipping, "US", "4.00"),
	)
	engine := pricing.NewEngine(repo, loggerForTests())

	quote, err := engine.Quote(context.Background(), pricing.QuoteRequest{
		Lines:     []domain.CartLine{{ProductID: "p-1", SellerID: "seller-a", Qty: 4, UnitPrice: d("25.00")}},
		Country:   "us",
		Discounts: map[string]decimal.Decimal{"seller-a": d("5.00")},
	})
	require.NoError(t, err)

	require.Equal(t, "US", quote.Country)
	require.Len(t, quote.Sellers, 1)
	require.Equal(t, "100.00", quote.Subtotal.StringFixed(2))
	require.Equal(t, "5.00", quote.Discount.StringFixed(2))
	require.Equal(t, "7.60", quote.Tax.StringFixed(2))
	require.Equal(t, "4.00", quote.Shipping.StringFixed(2))
	require.Equal(t, "106.60", quote.Total.StringFixed(2))
	require.Equal(t, domain.RateSourceAdmin, quote.Sellers[0].TaxSource)
}

func TestEngine_Quote_MissingRateFails(t *testing.T) {
	repo := memory.NewRateRepository()
	seedRates(t, repo,
		adminRates(domain.RateKindTax, "ZZ", "0"),
		adminRates(domain.RateKindShipping, "US", "4.00"),
	)
	engine := pricing.NewEngine(repo, loggerForTests())

	_, err := engine.ComputeQuote(context.Background(), []domain.CartLine{
		{ProductID: "p-1", SellerID: "seller-a", Qty: 1, UnitPrice: d("10.00")},
	}, "ZZ")
	require.ErrorIs(t, err, domain.ErrRateConfigurationMissing)

	de, ok := domain.AsError(err)
	require.True(t, ok)
	require.Equal(t, "ZZ", de.Details["country"])
	require.Equal(t, string(domain.RateKindShipping), de.Details["kind"])
	require.Equal(t, "seller-a", de.Details["seller_id"])
}

func TestEngine_Quote_VendorOverridesAdmin(t *testing.T) {
	repo := memory.NewRateRepository()
	seedRates(t, repo,
		adminRates(domain.RateKindTax, "DE", "19"),
		adminRates(domain.RateKindShipping, "DE", "5.00"),
		vendorRates(domain.RateKindShipping, "seller-b", "DE", "0"),
		vendorRates(domain.RateKindTax, "seller-b", "DE", "7"),
	)
	engine := pricing.NewEngine(repo, loggerForTests())

	quote, err := engine.ComputeQuote(context.Background(), []domain.CartLine{
		{ProductID: "p-1", SellerID: "seller-a", Qty: 1, UnitPrice: d("10.00")},
		{ProductID: "p-2", SellerID: "seller-b", Qty: 2, UnitPrice: d("10.00")},
		{ProductID: "p-3", SellerID: "seller-a", Qty: 1, UnitPrice: d("0.99")},
	}, "DE")
	require.NoError(t, err)
	require.Len(t, quote.Sellers, 2)

	a, b := quote.Sellers[0], quote.Sellers[1]
	require.Equal(t, "seller-a", a.SellerID)
	require.Equal(t, "10.99", a.Subtotal.StringFixed(2))
	require.Equal(t, "2.09", a.Tax.StringFixed(2))
	require.Equal(t, "5.00", a.Shipping.StringFixed(2))
	require.Equal(t, domain.RateSourceAdmin, a.ShippingSource)

	require.Equal(t, "seller-b", b.SellerID)
	require.Equal(t, "1.40", b.Tax.StringFixed(2))
	// Явный ноль вендора — настроенная ставка, а не отсутствие.
	require.True(t, b.Shipping.IsZero())
	require.Equal(t, domain.RateSourceVendor, b.ShippingSource)
	require.Equal(t, domain.RateSourceVendor, b.TaxSource)

	require.Equal(t, "39.48", quote.Total.StringFixed(2))
}

func TestEngine_Quote_ValidatesInput(t *testing.T) {
	engine := pricing.NewEngine(memory.NewRateRepository(), loggerForTests())
	ctx := context.Background()

	tests := []struct {
		name    string
		lines   []domain.CartLine
		country string
	}{
		{name: "empty cart", lines: nil, country: "US"},
		{name: "bad country", lines: []domain.CartLine{{ProductID: "p", SellerID: "s", Qty: 1, UnitPrice: d("1")}}, country: "USA"},
		{name: "zero qty", lines: []domain.CartLine{{ProductID: "p", SellerID: "s", Qty: 0, UnitPrice: d("1")}}, country: "US"},
		{name: "fractional cents", lines: []domain.CartLine{{ProductID: "p", SellerID: "s", Qty: 1, UnitPrice: d("1.001")}}, country: "US"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.ComputeQuote(ctx, tt.lines, tt.country)
			require.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestEngine_ResolveRate(t *testing.T) {
	repo := memory.NewRateRepository()
	seedRates(t, repo, adminRates(domain.RateKindTax, "FR", "20"), vendorRates(domain.RateKindTax, "seller-a", "FR", "5.5"))
	engine := pricing.NewEngine(repo, loggerForTests())
	ctx := context.Background()

	lookup, err := engine.ResolveRate(ctx, domain.RateKindTax, "seller-a", "fr")
	require.NoError(t, err)
	require.Equal(t, domain.RateSourceVendor, lookup.Source)
	require.True(t, lookup.Value.Equal(d("5.5")))

	lookup, err = engine.ResolveRate(ctx, domain.RateKindTax, "seller-b", "FR")
	require.NoError(t, err)
	require.Equal(t, domain.RateSourceAdmin, lookup.Source)

	_, err = engine.ResolveRate(ctx, domain.RateKindShipping, "seller-b", "FR")
	require.ErrorIs(t, err, domain.ErrRateConfigurationMissing)
}

func TestEngine_Quote_TotalIdentityProperty(t *testing.T) {
	repo := memory.NewRateRepository()
	seedRates(t, repo,
		adminRates(domain.RateKindTax, "US", "8.25"),
		adminRates(domain.RateKindShipping, "US", "3.99"),
		vendorRates(domain.RateKindTax, "seller-b", "US", "13"),
	)
	engine := pricing.NewEngine(repo, loggerForTests())

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("total equals subtotal - discount + tax + shipping per seller and overall", prop.ForAll(
		func(priceA, priceB int64, qtyA, qtyB int32, discountA int64) bool {
			quote, err := engine.Quote(context.Background(), pricing.QuoteRequest{
				Country: "US",
				Lines: []domain.CartLine{
					{ProductID: "p-a", SellerID: "seller-a", Qty: qtyA, UnitPrice: domain.MoneyFromCents(priceA)},
					{ProductID: "p-b", SellerID: "seller-b", Qty: qtyB, UnitPrice: domain.MoneyFromCents(priceB)},
				},
				Discounts: map[string]decimal.Decimal{"seller-a": domain.MoneyFromCents(discountA)},
			})
			if err != nil {
				return false
			}
			for _, sq := range quote.Sellers {
				if sq.Discount.GreaterThan(sq.Subtotal) || sq.Tax.IsNegative() {
					return false
				}
				if !sq.Total.Equal(sq.Subtotal.Sub(sq.Discount).Add(sq.Tax).Add(sq.Shipping)) {
					return false
				}
			}
			return quote.Total.Equal(quote.Subtotal.Sub(quote.Discount).Add(quote.Tax).Add(quote.Shipping))
		},
		gen.Int64Range(0, 1_000_000),
		gen.Int64Range(0, 1_000_000),
		gen.Int32Range(1, 50),
		gen.Int32Range(1, 50),
		gen.Int64Range(0, 10_000_000),
	))

	properties.TestingRun(t)
}
