package domain

import "github.com/shopspring/decimal"

// SellerQuote: расчёт по одному продавцу.
type SellerQuote struct {
	SellerID       string
	Subtotal       decimal.Decimal
	Discount       decimal.Decimal
	Tax            decimal.Decimal
	Shipping       decimal.Decimal
	Total          decimal.Decimal
	TaxPercent     decimal.Decimal
	TaxSource      RateSource
	ShippingSource RateSource
}

// Quote содержит разбивку по продавцам и агрегированные суммы.
type Quote struct {
	Country  string
	Sellers  []SellerQuote
	Subtotal decimal.Decimal
	Discount decimal.Decimal
	Tax      decimal.Decimal
	Shipping decimal.Decimal
	Total    decimal.Decimal
}
