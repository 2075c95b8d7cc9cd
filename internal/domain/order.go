package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus описывает жизненный цикл заказа маркетплейса.
type OrderStatus string

const (
	// OrderStatusCreated — заказ создан, оплата ещё не начата.
	OrderStatusCreated OrderStatus = "created"
	// OrderStatusPaymentPending: создана платёжная сессия, ждём callback шлюза.
	OrderStatusPaymentPending OrderStatus = "payment_pending"
	// OrderStatusPaid: оплата подтверждена шлюзом.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusProcessing: продавцы собирают заказ.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped — все позиции отгружены.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered: заказ доставлен клиенту.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCompleted: заказ закрыт.
	OrderStatusCompleted OrderStatus = "completed"
	// OrderStatusCancelled: заказ отменён до оплаты.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusReturned — все позиции возвращены и возмещены.
	OrderStatusReturned OrderStatus = "returned"
)

// forwardRank задаёт порядок основной цепочки статусов.
var forwardRank = map[OrderStatus]int{
	OrderStatusCreated:        0,
	OrderStatusPaymentPending: 1,
	OrderStatusPaid:           2,
	OrderStatusProcessing:     3,
	OrderStatusShipped:        4,
	OrderStatusDelivered:      5,
	OrderStatusCompleted:      6,
}

// Valid проверяет, что статус известен.
func (s OrderStatus) Valid() bool {
	if _, ok := forwardRank[s]; ok {
		return true
	}
	return s == OrderStatusCancelled || s == OrderStatusReturned
}

// Terminal сообщает, что из статуса нет переходов.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled || s == OrderStatusReturned
}

// Cancellable: из этих статусов заказ можно отменить.
func (s OrderStatus) Cancellable() bool {
	return s == OrderStatusCreated || s == OrderStatusPaymentPending
}

// AtLeast сообщает, что статус находится в основной цепочке не раньше other.
func (s OrderStatus) AtLeast(other OrderStatus) bool {
	r, ok := forwardRank[s]
	o, ok2 := forwardRank[other]
	return ok && ok2 && r >= o
}

// IsForward сообщает, что to стоит дальше from в основной цепочке.
func IsForward(from, to OrderStatus) bool {
	r, ok := forwardRank[from]
	t, ok2 := forwardRank[to]
	return ok && ok2 && t > r
}

// CartLine: строка корзины до оформления заказа.
type CartLine struct {
	ProductID  string
	SellerID   string
	CategoryID string
	Qty        int32
	UnitPrice  decimal.Decimal
}

// LineTotal возвращает стоимость строки без скидок.
func (l CartLine) LineTotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt32(l.Qty))
}

// Validate проверяет строку корзины.
func (l CartLine) Validate() error {
	switch {
	case l.ProductID == "":
		return NewValidationError("product_id is required")
	case l.SellerID == "":
		return NewValidationError("seller_id is required for product %s", l.ProductID)
	case l.Qty <= 0:
		return NewValidationError("qty must be greater than zero for product %s", l.ProductID)
	case l.UnitPrice.IsNegative():
		return NewValidationError("unit price must be non-negative for product %s", l.ProductID)
	case !l.UnitPrice.Equal(RoundMoney(l.UnitPrice)):
		return NewValidationError("unit price must have at most 2 decimal places for product %s", l.ProductID)
	}
	return nil
}

// CartSubtotal суммирует корзину с округлением до копеек.
func CartSubtotal(lines []CartLine) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.LineTotal())
	}
	return RoundMoney(total)
}

// OrderItem — позиция заказа со снимком цены.
type OrderItem struct {
	ID         string
	ProductID  string
	SellerID   string
	CategoryID string
	Qty        int32
	UnitPrice  decimal.Decimal
	// Shipped отмечает отгрузку позиции её продавцом.
	Shipped bool
}

// LineTotal возвращает стоимость позиции без скидок.
func (i OrderItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt32(i.Qty))
}

// CartLine возвращает позицию в виде строки корзины.
func (i OrderItem) CartLine() CartLine {
	return CartLine{
		ProductID:  i.ProductID,
		SellerID:   i.SellerID,
		CategoryID: i.CategoryID,
		Qty:        i.Qty,
		UnitPrice:  i.UnitPrice,
	}
}

// AppliedCoupon фиксирует купон, применённый к заказу, и его скидку.
type AppliedCoupon struct {
	CouponID string
	Code     string
	Discount decimal.Decimal
}

// Order агрегирует состояние заказа и его позиции.
type Order struct {
	ID           string
	CustomerID   string
	Status       OrderStatus
	Country      string
	Currency     string
	Items        []OrderItem
	Sellers      []SellerQuote
	Subtotal     decimal.Decimal
	Discount     decimal.Decimal
	Tax          decimal.Decimal
	Shipping     decimal.Decimal
	Total        decimal.Decimal
	Coupons      []AppliedCoupon
	PaymentTxnID string
	Version      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.CustomerID == "" {
		errs = append(errs, NewValidationError("customer_id is required"))
	}
	if o.Currency == "" {
		errs = append(errs, NewValidationError("currency is required"))
	}
	if o.Country == "" {
		errs = append(errs, NewValidationError("country is required"))
	}
	if len(o.Items) == 0 {
		errs = append(errs, NewValidationError("order must contain at least one item"))
	}
	for _, item := range o.Items {
		if err := item.CartLine().Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if o.Discount.IsNegative() || o.Discount.GreaterThan(o.Subtotal) {
		errs = append(errs, NewValidationError("discount must be within [0, subtotal]"))
	}

	// total == subtotal - discount + tax + shipping с допуском в копейку.
	calc := o.Subtotal.Sub(o.Discount).Add(o.Tax).Add(o.Shipping)
	if calc.Sub(o.Total).Abs().GreaterThan(MoneyTolerance) {
		errs = append(errs, NewValidationError("order total %s does not match components %s", o.Total, calc))
	}

	return errs
}

// SellerIDs возвращает уникальных продавцов заказа в порядке появления.
func (o Order) SellerIDs() []string {
	seen := make(map[string]struct{}, len(o.Items))
	ids := make([]string, 0, len(o.Items))
	for _, item := range o.Items {
		if _, ok := seen[item.SellerID]; ok {
			continue
		}
		seen[item.SellerID] = struct{}{}
		ids = append(ids, item.SellerID)
	}
	return ids
}

// HasSeller сообщает, есть ли в заказе позиции продавца.
func (o Order) HasSeller(sellerID string) bool {
	for _, item := range o.Items {
		if item.SellerID == sellerID {
			return true
		}
	}
	return false
}

// Item ищет позицию по идентификатору.
func (o Order) Item(id string) (OrderItem, bool) {
	for _, item := range o.Items {
		if item.ID == id {
			return item, true
		}
	}
	return OrderItem{}, false
}

// SellerQuote возвращает расчёт по продавцу.
func (o Order) SellerQuote(sellerID string) (SellerQuote, bool) {
	for _, sq := range o.Sellers {
		if sq.SellerID == sellerID {
			return sq, true
		}
	}
	return SellerQuote{}, false
}

// AllShipped сообщает, что все позиции отгружены.
func (o Order) AllShipped() bool {
	for _, item := range o.Items {
		if !item.Shipped {
			return false
		}
	}
	return len(o.Items) > 0
}

// Lines возвращает позиции заказа как строки корзины.
func (o Order) Lines() []CartLine {
	lines := make([]CartLine, 0, len(o.Items))
	for _, item := range o.Items {
		lines = append(lines, item.CartLine())
	}
	return lines
}

// Resource описывает владение заказом для CanActOn.
func (o Order) Resource() Resource {
	return Resource{OwnerID: o.CustomerID, SellerIDs: o.SellerIDs()}
}

// Clone возвращает копию заказа без общих слайсов.
func (o Order) Clone() Order {
	cp := o
	cp.Items = append([]OrderItem(nil), o.Items...)
	cp.Sellers = append([]SellerQuote(nil), o.Sellers...)
	cp.Coupons = append([]AppliedCoupon(nil), o.Coupons...)
	return cp
}
