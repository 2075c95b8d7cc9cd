package app

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/metrics"
	"github.com/vladislavdragonenkov/marketplace/internal/notify"
	"github.com/vladislavdragonenkov/marketplace/internal/service/order"
	"github.com/vladislavdragonenkov/marketplace/internal/service/payment"
)

func newMemoryRuntime(t *testing.T) *runtimeDependencies {
	t.Helper()
	rt, err := initRuntimeDependencies(context.Background(), DefaultConfig(), log.WithField("test", "deps"))
	require.NoError(t, err)
	return rt
}

func TestNewDependencies_Memory(t *testing.T) {
	rt := newMemoryRuntime(t)
	m := metrics.NewCommerceMetricsWithRegisterer(prometheus.NewRegistry())

	deps, err := NewDependencies(rt, DefaultConfig(), notify.Nop{}, m, log.WithField("test", "deps"))
	require.NoError(t, err)
	require.NotNil(t, deps.Journal)
	require.NotNil(t, deps.Orders)
	require.NotNil(t, deps.Reconciler)
	require.NotNil(t, deps.Returns)
	require.NotNil(t, deps.Logger)

	svc := deps.HTTPServices()
	require.NotNil(t, svc.Orders)
	require.NotNil(t, svc.Payments)
	require.NotNil(t, svc.Returns)
	require.NotNil(t, svc.Coupons)
	require.NotNil(t, svc.Pricing)
	require.NotNil(t, svc.Rates)
}

func TestNewDependencies_WiredEndToEnd(t *testing.T) {
	ctx := context.Background()
	rt := newMemoryRuntime(t)
	deps, err := NewDependencies(rt, DefaultConfig(), nil, nil, nil)
	require.NoError(t, err)

	admin := domain.Actor{ID: "admin-1", Role: domain.RoleAdmin}
	_, err = deps.Rates.Put(ctx, admin, domain.RateKindTax, []domain.CountryRate{{Country: "US", Value: decimal.RequireFromString("8")}})
	require.NoError(t, err)
	_, err = deps.Rates.Put(ctx, admin, domain.RateKindShipping, []domain.CountryRate{{Country: "US", Value: decimal.RequireFromString("4.00")}})
	require.NoError(t, err)

	customer := domain.Actor{ID: "customer-1", Role: domain.RoleCustomer}
	created, err := deps.Orders.CreateOrder(ctx, customer, order.CreateOrderCommand{
		Lines:    []domain.CartLine{{ProductID: "p-1", SellerID: "seller-a", Qty: 4, UnitPrice: decimal.RequireFromString("25.00")}},
		Country:  "US",
		Currency: "USD",
	})
	require.NoError(t, err)
	require.True(t, created.Total.Equal(decimal.RequireFromString("112.00")), created.Total.String())

	txn, err := deps.Reconciler.CreateCheckoutSession(ctx, customer, created.ID)
	require.NoError(t, err)
	require.Equal(t, payment.GatewayMock, txn.Gateway)

	pending, err := rt.outboxRepo.PullPending(ctx, 100)
	require.NoError(t, err)
	require.NotEmpty(t, pending, "journal writes outbox messages into the runtime repository")
}

func TestNewDependencies_UnsupportedGateway(t *testing.T) {
	rt := newMemoryRuntime(t)
	cfg := DefaultConfig()
	cfg.PaymentGateway = "paypal"

	_, err := NewDependencies(rt, cfg, nil, nil, log.WithField("test", "deps"))
	require.Error(t, err)
}

func TestNewPaymentDeps(t *testing.T) {
	logger := log.WithField("test", "payment-deps")

	mock, err := newPaymentDeps(DefaultConfig(), logger)
	require.NoError(t, err)
	require.Equal(t, payment.GatewayMock, mock.gateway.Name())
	require.Contains(t, mock.verifiers, domain.CallbackSourceIPN)
	require.Contains(t, mock.verifiers, domain.CallbackSourceRedirect)

	cfg := DefaultConfig()
	cfg.PaymentGateway = payment.GatewayStripe
	cfg.StripeAPIKey = "sk_test_123"
	cfg.StripeWebhookSecret = "whsec_123"
	stripe, err := newPaymentDeps(cfg, logger)
	require.NoError(t, err)
	require.Equal(t, payment.GatewayStripe, stripe.gateway.Name())
	require.NotNil(t, stripe.ipn)

	cfg.StripeWebhookSecret = ""
	_, err = newPaymentDeps(cfg, logger)
	require.Error(t, err)

	cfg = DefaultConfig()
	cfg.RedirectSecret = ""
	_, err = newPaymentDeps(cfg, logger)
	require.Error(t, err)
}
