package pricing

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// QuoteRequest содержит входные данные расчёта.
type QuoteRequest struct {
	Lines   []domain.CartLine
	Country string
	// Discounts: скидка, распределённая по продавцам; налог считается от суммы после скидки.
	Discounts map[string]decimal.Decimal
}

// Engine считает налог, доставку и итоги по продавцам. Побочных эффектов не имеет.
type Engine struct {
	rates  domain.RateRepository
	logger *log.Entry
}

// NewEngine создаёт движок расчёта.
func NewEngine(rates domain.RateRepository, logger *log.Entry) *Engine {
	if logger == nil {
		logger = log.WithField("component", "pricing-engine")
	}
	return &Engine{rates: rates, logger: logger}
}

// ComputeQuote считает корзину без скидок.
func (e *Engine) ComputeQuote(ctx context.Context, lines []domain.CartLine, country string) (domain.Quote, error) {
	return e.Quote(ctx, QuoteRequest{Lines: lines, Country: country})
}

// Quote разбивает корзину по продавцам в порядке первого появления и считает каждую часть.
func (e *Engine) Quote(ctx context.Context, req QuoteRequest) (domain.Quote, error) {
	country := domain.NormalizeCountry(req.Country)
	if len(country) != 2 {
		return domain.Quote{}, domain.NewValidationError("country code %q must have 2 letters", req.Country)
	}
	if len(req.Lines) == 0 {
		return domain.Quote{}, domain.NewValidationError("cart must contain at least one line")
	}

	order := make([]string, 0)
	subtotals := make(map[string]decimal.Decimal)
	for _, line := range req.Lines {
		if err := line.Validate(); err != nil {
			return domain.Quote{}, err
		}
		if _, seen := subtotals[line.SellerID]; !seen {
			order = append(order, line.SellerID)
			subtotals[line.SellerID] = decimal.Zero
		}
		subtotals[line.SellerID] = subtotals[line.SellerID].Add(line.LineTotal())
	}

	quote := domain.Quote{
		Country:  country,
		Sellers:  make([]domain.SellerQuote, 0, len(order)),
		Subtotal: decimal.Zero,
		Discount: decimal.Zero,
		Tax:      decimal.Zero,
		Shipping: decimal.Zero,
		Total:    decimal.Zero,
	}

	defaults := newAdminDefaults(e.rates)
	for _, sellerID := range order {
		sq, err := e.quoteSeller(ctx, defaults, sellerID, country, subtotals[sellerID], req.Discounts[sellerID])
		if err != nil {
			return domain.Quote{}, err
		}
		quote.Sellers = append(quote.Sellers, sq)
		quote.Subtotal = quote.Subtotal.Add(sq.Subtotal)
		quote.Discount = quote.Discount.Add(sq.Discount)
		quote.Tax = quote.Tax.Add(sq.Tax)
		quote.Shipping = quote.Shipping.Add(sq.Shipping)
		quote.Total = quote.Total.Add(sq.Total)
	}

	return quote, nil
}

func (e *Engine) quoteSeller(
	ctx context.Context,
	defaults *adminDefaults,
	sellerID, country string,
	rawSubtotal, discount decimal.Decimal,
) (domain.SellerQuote, error) {
	// Округляем подытог продавца до агрегации, чтобы дрейф не зависел от числа продавцов.
	subtotal := domain.RoundMoney(rawSubtotal)

	discount = domain.RoundMoney(discount)
	if discount.IsNegative() {
		return domain.SellerQuote{}, domain.NewValidationError("discount for seller %s must be non-negative", sellerID)
	}
	discount = domain.MinMoney(discount, subtotal)

	shipping, err := e.resolve(ctx, defaults, domain.RateKindShipping, sellerID, country)
	if err != nil {
		return domain.SellerQuote{}, err
	}
	tax, err := e.resolve(ctx, defaults, domain.RateKindTax, sellerID, country)
	if err != nil {
		return domain.SellerQuote{}, err
	}

	taxable := subtotal.Sub(discount)
	taxAmount := domain.RoundMoney(taxable.Mul(tax.Value).Div(hundred))
	shippingAmount := domain.RoundMoney(shipping.Value)

	return domain.SellerQuote{
		SellerID:       sellerID,
		Subtotal:       subtotal,
		Discount:       discount,
		Tax:            taxAmount,
		Shipping:       shippingAmount,
		Total:          taxable.Add(taxAmount).Add(shippingAmount),
		TaxPercent:     tax.Value,
		TaxSource:      tax.Source,
		ShippingSource: shipping.Source,
	}, nil
}

// ResolveRate ищет ставку продавца с откатом на админскую. Отсутствие ставки — ошибка.
func (e *Engine) ResolveRate(ctx context.Context, kind domain.RateKind, sellerID, country string) (domain.RateLookup, error) {
	return e.resolve(ctx, newAdminDefaults(e.rates), kind, sellerID, domain.NormalizeCountry(country))
}

func (e *Engine) resolve(ctx context.Context, defaults *adminDefaults, kind domain.RateKind, sellerID, country string) (domain.RateLookup, error) {
	vendor, err := getSetting(ctx, e.rates, kind, domain.RateOwnerVendor, sellerID)
	if err != nil {
		return domain.RateLookup{}, err
	}
	admin, err := defaults.get(ctx, kind)
	if err != nil {
		return domain.RateLookup{}, err
	}

	lookup := domain.ResolveRate(vendor, admin, country)
	if !lookup.Found {
		e.logger.WithFields(log.Fields{
			"kind":      kind,
			"seller_id": sellerID,
			"country":   country,
		}).Warn("rate configuration missing")
		return domain.RateLookup{}, domain.NewRateConfigurationMissing(kind, sellerID, country)
	}
	return lookup, nil
}

// adminDefaults кеширует админские настройки в пределах одного расчёта.
type adminDefaults struct {
	rates    domain.RateRepository
	settings map[domain.RateKind]*domain.RateSetting
	loaded   map[domain.RateKind]bool
}

func newAdminDefaults(rates domain.RateRepository) *adminDefaults {
	return &adminDefaults{
		rates:    rates,
		settings: make(map[domain.RateKind]*domain.RateSetting),
		loaded:   make(map[domain.RateKind]bool),
	}
}

func (d *adminDefaults) get(ctx context.Context, kind domain.RateKind) (*domain.RateSetting, error) {
	if d.loaded[kind] {
		return d.settings[kind], nil
	}
	setting, err := getSetting(ctx, d.rates, kind, domain.RateOwnerAdmin, "")
	if err != nil {
		return nil, err
	}
	d.settings[kind] = setting
	d.loaded[kind] = true
	return setting, nil
}

func getSetting(ctx context.Context, rates domain.RateRepository, kind domain.RateKind, ownerType domain.RateOwnerType, ownerID string) (*domain.RateSetting, error) {
	setting, err := rates.Get(ctx, kind, ownerType, ownerID)
	if err != nil {
		if errors.Is(err, domain.ErrRateSettingNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load %s %s rate setting: %w", ownerType, kind, err)
	}
	return &setting, nil
}
