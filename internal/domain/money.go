package domain

import "github.com/shopspring/decimal"

// MoneyPlaces: точность денежных сумм.
const MoneyPlaces = 2

// RoundMoney округляет сумму до копеек (half-up для положительных значений).
func RoundMoney(v decimal.Decimal) decimal.Decimal {
	return v.Round(MoneyPlaces)
}

// MoneyCents переводит сумму в минимальные единицы валюты.
func MoneyCents(v decimal.Decimal) int64 {
	return RoundMoney(v).Shift(MoneyPlaces).IntPart()
}

// MoneyFromCents собирает сумму из минимальных единиц.
func MoneyFromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -MoneyPlaces)
}

// MinMoney возвращает меньшую из сумм.
func MinMoney(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// MoneyTolerance — допуск для проверки итоговых сумм.
var MoneyTolerance = decimal.New(1, -MoneyPlaces)
