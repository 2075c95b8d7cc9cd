package coupon

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

var cent = decimal.New(1, -domain.MoneyPlaces)

// sellerCapacity отслеживает, сколько ещё можно скинуть каждому продавцу.
type sellerCapacity struct {
	order []string
	left  map[string]decimal.Decimal
}

func sellerSubtotals(lines []domain.CartLine) *sellerCapacity {
	c := &sellerCapacity{left: make(map[string]decimal.Decimal)}
	for _, line := range lines {
		if _, ok := c.left[line.SellerID]; !ok {
			c.order = append(c.order, line.SellerID)
			c.left[line.SellerID] = decimal.Zero
		}
		c.left[line.SellerID] = c.left[line.SellerID].Add(line.LineTotal())
	}
	for id, v := range c.left {
		c.left[id] = domain.RoundMoney(v)
	}
	return c
}

func (c *sellerCapacity) remaining(sellerID string) decimal.Decimal {
	return c.left[sellerID]
}

func (c *sellerCapacity) consume(sellerID string, amount decimal.Decimal) {
	c.left[sellerID] = c.left[sellerID].Sub(amount)
}

type share struct {
	sellerID  string
	amount    decimal.Decimal
	remainder decimal.Decimal
	weight    decimal.Decimal
	position  int
}

// allocate делит скидку между продавцами пропорционально весам.
// Доли усекаются до копеек, остаток раздаётся по копейке в порядке наибольших остатков.
// Сумма долей равна min(discount, сумма весов), доля продавца не превышает его вес.
func allocate(discount decimal.Decimal, order []string, weights map[string]decimal.Decimal) map[string]decimal.Decimal {
	result := make(map[string]decimal.Decimal)

	totalWeight := decimal.Zero
	for _, w := range weights {
		if w.IsPositive() {
			totalWeight = totalWeight.Add(w)
		}
	}
	if !discount.IsPositive() || !totalWeight.IsPositive() {
		return result
	}
	discount = domain.MinMoney(domain.RoundMoney(discount), totalWeight)

	shares := make([]share, 0, len(weights))
	distributed := decimal.Zero
	for pos, sellerID := range order {
		w, ok := weights[sellerID]
		if !ok || !w.IsPositive() {
			continue
		}
		raw := discount.Mul(w).Div(totalWeight)
		amount := raw.Truncate(domain.MoneyPlaces)
		shares = append(shares, share{
			sellerID:  sellerID,
			amount:    amount,
			remainder: raw.Sub(amount),
			weight:    w,
			position:  pos,
		})
		distributed = distributed.Add(amount)
	}

	sort.SliceStable(shares, func(i, j int) bool {
		if !shares[i].remainder.Equal(shares[j].remainder) {
			return shares[i].remainder.GreaterThan(shares[j].remainder)
		}
		return shares[i].position < shares[j].position
	})

	leftover := discount.Sub(distributed)
	for leftover.IsPositive() {
		progressed := false
		for i := range shares {
			if !leftover.IsPositive() {
				break
			}
			if shares[i].amount.Add(cent).GreaterThan(shares[i].weight) {
				continue
			}
			shares[i].amount = shares[i].amount.Add(cent)
			leftover = leftover.Sub(cent)
			progressed = true
		}
		if !progressed {
			break
		}
	}

	for _, s := range shares {
		if s.amount.IsPositive() {
			result[s.sellerID] = s.amount
		}
	}
	return result
}
