package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RateKind: вид ставки.
type RateKind string

const (
	// RateKindTax: налог в процентах.
	RateKindTax RateKind = "tax"
	// RateKindShipping: фиксированная стоимость доставки на продавца.
	RateKindShipping RateKind = "shipping"
)

// Valid проверяет вид ставки.
func (k RateKind) Valid() bool {
	return k == RateKindTax || k == RateKindShipping
}

// RateOwnerType — владелец настройки ставок.
type RateOwnerType string

const (
	RateOwnerAdmin  RateOwnerType = "admin"
	RateOwnerVendor RateOwnerType = "vendor"
)

// RateSource: откуда взята ставка.
type RateSource string

const (
	RateSourceVendor RateSource = "vendor"
	RateSourceAdmin  RateSource = "admin"
)

// CountryRate: ставка для страны.
type CountryRate struct {
	Country string
	Value   decimal.Decimal
}

// RateSetting хранит набор ставок владельца по странам.
type RateSetting struct {
	Kind      RateKind
	OwnerType RateOwnerType
	// OwnerID пуст для админской настройки.
	OwnerID   string
	Rates     []CountryRate
	UpdatedAt time.Time
}

// NormalizeCountry приводит код страны к верхнему регистру.
func NormalizeCountry(country string) string {
	return strings.ToUpper(strings.TrimSpace(country))
}

// Lookup ищет ставку страны.
func (s RateSetting) Lookup(country string) (decimal.Decimal, bool) {
	country = NormalizeCountry(country)
	for _, r := range s.Rates {
		if NormalizeCountry(r.Country) == country {
			return r.Value, true
		}
	}
	return decimal.Zero, false
}

// Validate проверяет настройку.
func (s RateSetting) Validate() error {
	if !s.Kind.Valid() {
		return NewValidationError("unknown rate kind %q", s.Kind)
	}
	switch s.OwnerType {
	case RateOwnerAdmin:
		if s.OwnerID != "" {
			return NewValidationError("admin rate setting must not have owner_id")
		}
	case RateOwnerVendor:
		if s.OwnerID == "" {
			return NewValidationError("vendor rate setting requires owner_id")
		}
	default:
		return NewValidationError("unknown owner type %q", s.OwnerType)
	}

	seen := make(map[string]struct{}, len(s.Rates))
	for _, r := range s.Rates {
		country := NormalizeCountry(r.Country)
		if len(country) != 2 {
			return NewValidationError("country code %q must have 2 letters", r.Country)
		}
		if _, dup := seen[country]; dup {
			return NewValidationError("duplicate rate for country %s", country)
		}
		seen[country] = struct{}{}
		if r.Value.IsNegative() {
			return NewValidationError("rate for %s must be non-negative", country)
		}
		if s.Kind == RateKindTax && r.Value.GreaterThan(decimal.NewFromInt(100)) {
			return NewValidationError("tax percent for %s must not exceed 100", country)
		}
	}
	return nil
}

// RateLookup — явный результат поиска ставки: найдена или нет.
// Нулевое значение означает «ставка не настроена», а не «ставка 0».
type RateLookup struct {
	Value  decimal.Decimal
	Source RateSource
	Found  bool
}

// ResolveRate выбирает ставку вендора, затем админскую ставку по умолчанию.
func ResolveRate(vendor, admin *RateSetting, country string) RateLookup {
	if vendor != nil {
		if v, ok := vendor.Lookup(country); ok {
			return RateLookup{Value: v, Source: RateSourceVendor, Found: true}
		}
	}
	if admin != nil {
		if v, ok := admin.Lookup(country); ok {
			return RateLookup{Value: v, Source: RateSourceAdmin, Found: true}
		}
	}
	return RateLookup{}
}
