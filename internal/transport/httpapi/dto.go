package httpapi

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/service/coupon"
	"github.com/vladislavdragonenkov/marketplace/internal/service/returns"
)

// Суммы отдаются строками с двумя знаками, входные принимаются строкой или числом.

type cartLineDTO struct {
	ProductID  string          `json:"product_id"`
	SellerID   string          `json:"seller_id"`
	CategoryID string          `json:"category_id,omitempty"`
	Qty        int32           `json:"qty"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
}

func cartLines(in []cartLineDTO) []domain.CartLine {
	out := make([]domain.CartLine, 0, len(in))
	for _, l := range in {
		out = append(out, domain.CartLine{
			ProductID:  l.ProductID,
			SellerID:   l.SellerID,
			CategoryID: l.CategoryID,
			Qty:        l.Qty,
			UnitPrice:  l.UnitPrice,
		})
	}
	return out
}

type createOrderRequest struct {
	Lines       []cartLineDTO `json:"lines"`
	CouponCodes []string      `json:"coupon_codes"`
	Country     string        `json:"country"`
	Currency    string        `json:"currency"`
}

type transitionRequest struct {
	Status string `json:"status"`
}

type checkoutRequest struct {
	OrderID string `json:"order_id"`
}

type quoteRequest struct {
	Lines   []cartLineDTO `json:"lines"`
	Country string        `json:"country"`
}

type validateCouponsRequest struct {
	Codes []string      `json:"codes"`
	Lines []cartLineDTO `json:"lines"`
}

type returnItemDTO struct {
	OrderItemID string `json:"order_item_id"`
	ProductID   string `json:"product_id,omitempty"`
	SellerID    string `json:"seller_id,omitempty"`
	Qty         int32  `json:"qty"`
	Reason      string `json:"reason,omitempty"`
}

type createReturnRequest struct {
	OrderID string          `json:"order_id"`
	Items   []returnItemDTO `json:"items"`
	Reason  string          `json:"reason"`
}

func (req createReturnRequest) command() returns.CreateCommand {
	items := make([]returns.ItemInput, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, returns.ItemInput{OrderItemID: it.OrderItemID, Qty: it.Qty, Reason: it.Reason})
	}
	return returns.CreateCommand{OrderID: req.OrderID, Items: items, Reason: req.Reason}
}

type updateReturnRequest struct {
	Status string `json:"status"`
	Note   string `json:"note"`
}

type countryRateDTO struct {
	Country string          `json:"country"`
	Value   decimal.Decimal `json:"value"`
}

type putRatesRequest struct {
	Rates []countryRateDTO `json:"rates"`
}

type scopedTermsDTO struct {
	Scope            domain.CouponScope  `json:"scope"`
	ScopeRefs        []string            `json:"scope_refs,omitempty"`
	DiscountType     domain.DiscountType `json:"discount_type"`
	Value            decimal.Decimal     `json:"value"`
	ValidFrom        time.Time           `json:"valid_from"`
	ValidTo          time.Time           `json:"valid_to"`
	MinOrderValue    decimal.Decimal     `json:"min_order_value"`
	MaxDiscountValue *decimal.Decimal    `json:"max_discount_value,omitempty"`
}

type legacyTermsDTO struct {
	DiscountPercentage decimal.Decimal `json:"discount_percentage"`
	ExpirationDate     time.Time       `json:"expiration_date"`
}

type couponRequest struct {
	Code              string            `json:"code"`
	Kind              domain.CouponKind `json:"kind"`
	Active            bool              `json:"active"`
	Stackable         bool              `json:"stackable"`
	UsageLimitTotal   int               `json:"usage_limit_total"`
	UsageLimitPerUser int               `json:"usage_limit_per_user"`
	Scoped            *scopedTermsDTO   `json:"scoped,omitempty"`
	Legacy            *legacyTermsDTO   `json:"legacy,omitempty"`
}

func (req couponRequest) draft() coupon.Draft {
	d := coupon.Draft{
		Code:              req.Code,
		Kind:              req.Kind,
		Active:            req.Active,
		Stackable:         req.Stackable,
		UsageLimitTotal:   req.UsageLimitTotal,
		UsageLimitPerUser: req.UsageLimitPerUser,
	}
	if d.Kind == "" {
		d.Kind = domain.CouponKindScoped
		if req.Legacy != nil && req.Scoped == nil {
			d.Kind = domain.CouponKindLegacy
		}
	}
	if s := req.Scoped; s != nil {
		terms := &domain.ScopedTerms{
			Scope:         s.Scope,
			ScopeRefs:     append([]string(nil), s.ScopeRefs...),
			DiscountType:  s.DiscountType,
			Value:         s.Value,
			ValidFrom:     s.ValidFrom.UTC(),
			ValidTo:       s.ValidTo.UTC(),
			MinOrderValue: s.MinOrderValue,
		}
		if s.MaxDiscountValue != nil {
			terms.MaxDiscountValue = decimal.NewNullDecimal(*s.MaxDiscountValue)
		}
		d.Scoped = terms
	}
	if l := req.Legacy; l != nil {
		d.Legacy = &domain.LegacyTerms{DiscountPercentage: l.DiscountPercentage, ExpirationDate: l.ExpirationDate.UTC()}
	}
	return d
}

func money(d decimal.Decimal) string {
	return domain.RoundMoney(d).StringFixed(2)
}

type sellerQuoteResponse struct {
	SellerID       string            `json:"seller_id"`
	Subtotal       string            `json:"subtotal"`
	Discount       string            `json:"discount"`
	Tax            string            `json:"tax"`
	TaxPercent     string            `json:"tax_percent"`
	TaxSource      domain.RateSource `json:"tax_source"`
	Shipping       string            `json:"shipping"`
	ShippingSource domain.RateSource `json:"shipping_source"`
	Total          string            `json:"total"`
}

type quoteResponse struct {
	Country  string                `json:"country"`
	Sellers  []sellerQuoteResponse `json:"sellers"`
	Subtotal string                `json:"subtotal"`
	Discount string                `json:"discount"`
	Tax      string                `json:"tax"`
	Shipping string                `json:"shipping"`
	Total    string                `json:"total"`
}

func sellerQuotes(in []domain.SellerQuote) []sellerQuoteResponse {
	out := make([]sellerQuoteResponse, 0, len(in))
	for _, s := range in {
		out = append(out, sellerQuoteResponse{
			SellerID:       s.SellerID,
			Subtotal:       money(s.Subtotal),
			Discount:       money(s.Discount),
			Tax:            money(s.Tax),
			TaxPercent:     s.TaxPercent.String(),
			TaxSource:      s.TaxSource,
			Shipping:       money(s.Shipping),
			ShippingSource: s.ShippingSource,
			Total:          money(s.Total),
		})
	}
	return out
}

func toQuoteResponse(q domain.Quote) quoteResponse {
	return quoteResponse{
		Country:  q.Country,
		Sellers:  sellerQuotes(q.Sellers),
		Subtotal: money(q.Subtotal),
		Discount: money(q.Discount),
		Tax:      money(q.Tax),
		Shipping: money(q.Shipping),
		Total:    money(q.Total),
	}
}

// shippingBreakdown и taxBreakdown: узкие представления расчёта для /shipping/quote и /taxes/compute.
type shippingLine struct {
	SellerID string            `json:"seller_id"`
	Shipping string            `json:"shipping"`
	Source   domain.RateSource `json:"source"`
}

type shippingBreakdown struct {
	Country  string         `json:"country"`
	Sellers  []shippingLine `json:"sellers"`
	Shipping string         `json:"shipping"`
	Quote    quoteResponse  `json:"quote"`
}

type taxLine struct {
	SellerID string            `json:"seller_id"`
	Taxable  string            `json:"taxable"`
	Percent  string            `json:"percent"`
	Tax      string            `json:"tax"`
	Source   domain.RateSource `json:"source"`
}

type taxBreakdown struct {
	Country string        `json:"country"`
	Sellers []taxLine     `json:"sellers"`
	Tax     string        `json:"tax"`
	Quote   quoteResponse `json:"quote"`
}

type orderItemResponse struct {
	ID         string `json:"id"`
	ProductID  string `json:"product_id"`
	SellerID   string `json:"seller_id"`
	CategoryID string `json:"category_id,omitempty"`
	Qty        int32  `json:"qty"`
	UnitPrice  string `json:"unit_price"`
	Shipped    bool   `json:"shipped"`
}

type appliedCouponResponse struct {
	CouponID string `json:"coupon_id"`
	Code     string `json:"code"`
	Discount string `json:"discount"`
}

type orderResponse struct {
	ID           string                  `json:"id"`
	CustomerID   string                  `json:"customer_id"`
	Status       domain.OrderStatus      `json:"status"`
	Country      string                  `json:"country"`
	Currency     string                  `json:"currency"`
	Items        []orderItemResponse     `json:"items"`
	Sellers      []sellerQuoteResponse   `json:"sellers"`
	Subtotal     string                  `json:"subtotal"`
	Discount     string                  `json:"discount"`
	Tax          string                  `json:"tax"`
	Shipping     string                  `json:"shipping"`
	Total        string                  `json:"total"`
	Coupons      []appliedCouponResponse `json:"coupons"`
	PaymentTxnID string                  `json:"payment_txn_id,omitempty"`
	Version      int64                   `json:"version"`
	CreatedAt    time.Time               `json:"created_at"`
	UpdatedAt    time.Time               `json:"updated_at"`
}

func toOrderResponse(o domain.Order) orderResponse {
	items := make([]orderItemResponse, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, orderItemResponse{
			ID:         it.ID,
			ProductID:  it.ProductID,
			SellerID:   it.SellerID,
			CategoryID: it.CategoryID,
			Qty:        it.Qty,
			UnitPrice:  money(it.UnitPrice),
			Shipped:    it.Shipped,
		})
	}
	coupons := make([]appliedCouponResponse, 0, len(o.Coupons))
	for _, c := range o.Coupons {
		coupons = append(coupons, appliedCouponResponse{CouponID: c.CouponID, Code: c.Code, Discount: money(c.Discount)})
	}
	return orderResponse{
		ID:           o.ID,
		CustomerID:   o.CustomerID,
		Status:       o.Status,
		Country:      o.Country,
		Currency:     o.Currency,
		Items:        items,
		Sellers:      sellerQuotes(o.Sellers),
		Subtotal:     money(o.Subtotal),
		Discount:     money(o.Discount),
		Tax:          money(o.Tax),
		Shipping:     money(o.Shipping),
		Total:        money(o.Total),
		Coupons:      coupons,
		PaymentTxnID: o.PaymentTxnID,
		Version:      o.Version,
		CreatedAt:    o.CreatedAt,
		UpdatedAt:    o.UpdatedAt,
	}
}

type timelineEventResponse struct {
	Type     string    `json:"type"`
	Reason   string    `json:"reason,omitempty"`
	Actor    string    `json:"actor,omitempty"`
	Occurred time.Time `json:"occurred"`
}

type timelineResponse struct {
	OrderID string                  `json:"order_id"`
	Events  []timelineEventResponse `json:"events"`
}

type transactionResponse struct {
	ID             string                  `json:"id"`
	ExternalTxnID  string                  `json:"external_txn_id"`
	OrderID        string                  `json:"order_id"`
	Gateway        string                  `json:"gateway"`
	CheckoutURL    string                  `json:"checkout_url,omitempty"`
	Amount         string                  `json:"amount"`
	Currency       string                  `json:"currency"`
	Status         domain.PaymentTxnStatus `json:"status"`
	RefundedAmount string                  `json:"refunded_amount"`
	FailureReason  string                  `json:"failure_reason,omitempty"`
	CreatedAt      time.Time               `json:"created_at"`
}

func toTransactionResponse(t domain.PaymentTransaction) transactionResponse {
	return transactionResponse{
		ID:             t.ID,
		ExternalTxnID:  t.ExternalTxnID,
		OrderID:        t.OrderID,
		Gateway:        t.Gateway,
		CheckoutURL:    t.CheckoutURL,
		Amount:         money(t.Amount),
		Currency:       t.Currency,
		Status:         t.Status,
		RefundedAmount: money(t.RefundedAmount),
		FailureReason:  t.FailureReason,
		CreatedAt:      t.CreatedAt,
	}
}

type callbackResponse struct {
	Received      bool                    `json:"received"`
	TxnID         string                  `json:"txn_id,omitempty"`
	ExternalTxnID string                  `json:"external_txn_id,omitempty"`
	OrderID       string                  `json:"order_id,omitempty"`
	Status        domain.PaymentTxnStatus `json:"status,omitempty"`
	Duplicate     bool                    `json:"duplicate"`
}

func toCallbackResponse(res domain.CallbackResult) callbackResponse {
	return callbackResponse{
		Received:      true,
		TxnID:         res.TxnID,
		ExternalTxnID: res.ExternalTxnID,
		OrderID:       res.OrderID,
		Status:        res.Status,
		Duplicate:     res.Duplicate,
	}
}

type returnHistoryResponse struct {
	ActorRole domain.Role         `json:"actor_role"`
	ActorID   string              `json:"actor_id"`
	Action    string              `json:"action"`
	From      domain.ReturnStatus `json:"from,omitempty"`
	To        domain.ReturnStatus `json:"to"`
	Note      string              `json:"note,omitempty"`
	At        time.Time           `json:"at"`
}

type returnResponse struct {
	ID           string                  `json:"id"`
	OrderID      string                  `json:"order_id"`
	CustomerID   string                  `json:"customer_id"`
	Items        []returnItemDTO         `json:"items"`
	Reason       string                  `json:"reason"`
	Status       domain.ReturnStatus     `json:"status"`
	RefundAmount string                  `json:"refund_amount"`
	History      []returnHistoryResponse `json:"history"`
	Version      int64                   `json:"version"`
	CreatedAt    time.Time               `json:"created_at"`
	UpdatedAt    time.Time               `json:"updated_at"`
}

func toReturnResponse(r domain.ReturnRequest) returnResponse {
	items := make([]returnItemDTO, 0, len(r.Items))
	for _, it := range r.Items {
		items = append(items, returnItemDTO{
			OrderItemID: it.OrderItemID,
			ProductID:   it.ProductID,
			SellerID:    it.SellerID,
			Qty:         it.Qty,
			Reason:      it.Reason,
		})
	}
	history := make([]returnHistoryResponse, 0, len(r.History))
	for _, h := range r.History {
		history = append(history, returnHistoryResponse{
			ActorRole: h.ActorRole,
			ActorID:   h.ActorID,
			Action:    h.Action,
			From:      h.From,
			To:        h.To,
			Note:      h.Note,
			At:        h.At,
		})
	}
	return returnResponse{
		ID:           r.ID,
		OrderID:      r.OrderID,
		CustomerID:   r.CustomerID,
		Items:        items,
		Reason:       r.Reason,
		Status:       r.Status,
		RefundAmount: money(r.RefundAmount),
		History:      history,
		Version:      r.Version,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

type couponResponse struct {
	ID                string            `json:"id"`
	Code              string            `json:"code"`
	Kind              domain.CouponKind `json:"kind"`
	OwnerVendorID     string            `json:"owner_vendor_id,omitempty"`
	Active            bool              `json:"active"`
	Stackable         bool              `json:"stackable"`
	UsageLimitTotal   int               `json:"usage_limit_total"`
	UsageLimitPerUser int               `json:"usage_limit_per_user"`
	UsedCount         int               `json:"used_count"`
	Scoped            *scopedTermsDTO   `json:"scoped,omitempty"`
	Legacy            *legacyTermsDTO   `json:"legacy,omitempty"`
	Version           int64             `json:"version"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

func toCouponResponse(c domain.Coupon) couponResponse {
	resp := couponResponse{
		ID:                c.ID,
		Code:              c.Code,
		Kind:              c.Kind,
		OwnerVendorID:     c.OwnerVendorID,
		Active:            c.Active,
		Stackable:         c.Stackable,
		UsageLimitTotal:   c.UsageLimitTotal,
		UsageLimitPerUser: c.UsageLimitPerUser,
		UsedCount:         c.UsedCount,
		Version:           c.Version,
		CreatedAt:         c.CreatedAt,
		UpdatedAt:         c.UpdatedAt,
	}
	if s := c.Scoped; s != nil {
		dto := &scopedTermsDTO{
			Scope:         s.Scope,
			ScopeRefs:     append([]string(nil), s.ScopeRefs...),
			DiscountType:  s.DiscountType,
			Value:         s.Value,
			ValidFrom:     s.ValidFrom,
			ValidTo:       s.ValidTo,
			MinOrderValue: s.MinOrderValue,
		}
		if s.MaxDiscountValue.Valid {
			v := s.MaxDiscountValue.Decimal
			dto.MaxDiscountValue = &v
		}
		resp.Scoped = dto
	}
	if l := c.Legacy; l != nil {
		resp.Legacy = &legacyTermsDTO{DiscountPercentage: l.DiscountPercentage, ExpirationDate: l.ExpirationDate}
	}
	return resp
}

type couponApplicationResponse struct {
	Coupons  []appliedCouponResponse `json:"coupons"`
	BySeller map[string]string       `json:"by_seller"`
	Discount string                  `json:"discount"`
}

func toApplicationResponse(app coupon.Application) couponApplicationResponse {
	resp := couponApplicationResponse{
		Coupons:  make([]appliedCouponResponse, 0, len(app.Coupons)),
		BySeller: make(map[string]string, len(app.BySeller)),
		Discount: money(app.Total),
	}
	for _, c := range app.Coupons {
		resp.Coupons = append(resp.Coupons, appliedCouponResponse{CouponID: c.CouponID, Code: c.Code, Discount: money(c.Discount)})
	}
	for seller, amount := range app.BySeller {
		resp.BySeller[seller] = money(amount)
	}
	return resp
}

type rateSettingResponse struct {
	Kind      domain.RateKind      `json:"kind"`
	OwnerType domain.RateOwnerType `json:"owner_type"`
	OwnerID   string               `json:"owner_id,omitempty"`
	Rates     []countryRateDTO     `json:"rates"`
	UpdatedAt time.Time            `json:"updated_at"`
}

func toRateSettingResponse(s domain.RateSetting) rateSettingResponse {
	rates := make([]countryRateDTO, 0, len(s.Rates))
	for _, r := range s.Rates {
		rates = append(rates, countryRateDTO{Country: r.Country, Value: r.Value})
	}
	return rateSettingResponse{
		Kind:      s.Kind,
		OwnerType: s.OwnerType,
		OwnerID:   s.OwnerID,
		Rates:     rates,
		UpdatedAt: s.UpdatedAt,
	}
}
