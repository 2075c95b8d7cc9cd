package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func validOrder() Order {
	return Order{
		ID:         "order-1",
		CustomerID: "cust-1",
		Status:     OrderStatusCreated,
		Country:    "US",
		Currency:   "USD",
		Items: []OrderItem{
			{ID: "i1", ProductID: "p1", SellerID: "s1", Qty: 2, UnitPrice: decimal.RequireFromString("25.00")},
			{ID: "i2", ProductID: "p2", SellerID: "s2", Qty: 1, UnitPrice: decimal.RequireFromString("50.00")},
		},
		Subtotal: decimal.RequireFromString("100.00"),
		Discount: decimal.RequireFromString("5.00"),
		Tax:      decimal.RequireFromString("7.60"),
		Shipping: decimal.RequireFromString("4.00"),
		Total:    decimal.RequireFromString("106.60"),
	}
}

func TestOrderValidateInvariants(t *testing.T) {
	t.Run("valid order", func(t *testing.T) {
		order := validOrder()
		require.Empty(t, order.ValidateInvariants())
	})

	t.Run("total mismatch", func(t *testing.T) {
		order := validOrder()
		order.Total = decimal.RequireFromString("106.62")
		require.Len(t, order.ValidateInvariants(), 1)
	})

	t.Run("total within tolerance", func(t *testing.T) {
		order := validOrder()
		order.Total = decimal.RequireFromString("106.61")
		require.Empty(t, order.ValidateInvariants())
	})

	t.Run("discount above subtotal", func(t *testing.T) {
		order := validOrder()
		order.Discount = decimal.RequireFromString("100.01")
		order.Total = order.Subtotal.Sub(order.Discount).Add(order.Tax).Add(order.Shipping)
		require.NotEmpty(t, order.ValidateInvariants())
	})

	t.Run("missing fields", func(t *testing.T) {
		order := validOrder()
		order.CustomerID = ""
		order.Currency = ""
		order.Items = nil
		require.Len(t, order.ValidateInvariants(), 3)
	})
}

func TestOrderStatusPredicates(t *testing.T) {
	require.True(t, OrderStatusCreated.Cancellable())
	require.True(t, OrderStatusPaymentPending.Cancellable())
	require.False(t, OrderStatusPaid.Cancellable())

	require.True(t, OrderStatusCompleted.Terminal())
	require.True(t, OrderStatusCancelled.Terminal())
	require.False(t, OrderStatusDelivered.Terminal())

	require.True(t, IsForward(OrderStatusPaid, OrderStatusShipped))
	require.False(t, IsForward(OrderStatusShipped, OrderStatusPaid))
	require.False(t, IsForward(OrderStatusDelivered, OrderStatusReturned))

	require.True(t, OrderStatusShipped.AtLeast(OrderStatusPaid))
	require.False(t, OrderStatusCancelled.AtLeast(OrderStatusPaid))
}

func TestOrderSellerHelpers(t *testing.T) {
	order := validOrder()
	order.Items = append(order.Items, OrderItem{ID: "i3", ProductID: "p3", SellerID: "s1", Qty: 1, UnitPrice: decimal.NewFromInt(1)})

	require.Equal(t, []string{"s1", "s2"}, order.SellerIDs())
	require.True(t, order.HasSeller("s2"))
	require.False(t, order.HasSeller("s9"))

	item, ok := order.Item("i2")
	require.True(t, ok)
	require.Equal(t, "p2", item.ProductID)

	require.False(t, order.AllShipped())
	for i := range order.Items {
		order.Items[i].Shipped = true
	}
	require.True(t, order.AllShipped())
}

func TestOrderCloneDoesNotShareItems(t *testing.T) {
	order := validOrder()
	cp := order.Clone()
	cp.Items[0].Shipped = true

	require.False(t, order.Items[0].Shipped)
}

func TestCartLineValidate(t *testing.T) {
	tests := []struct {
		name    string
		line    CartLine
		wantErr bool
	}{
		{name: "ok", line: CartLine{ProductID: "p", SellerID: "s", Qty: 1, UnitPrice: decimal.RequireFromString("9.99")}},
		{name: "no seller", line: CartLine{ProductID: "p", Qty: 1}, wantErr: true},
		{name: "zero qty", line: CartLine{ProductID: "p", SellerID: "s"}, wantErr: true},
		{name: "negative price", line: CartLine{ProductID: "p", SellerID: "s", Qty: 1, UnitPrice: decimal.NewFromInt(-1)}, wantErr: true},
		{name: "sub-cent price", line: CartLine{ProductID: "p", SellerID: "s", Qty: 1, UnitPrice: decimal.RequireFromString("1.001")}, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.line.Validate()
			if tc.wantErr {
				require.ErrorIs(t, err, ErrValidation)
				return
			}
			require.NoError(t, err)
		})
	}
}
