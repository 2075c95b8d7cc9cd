package payment_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/service/payment"
)

const webhookSecret = "whsec_test"

type stubSessions struct {
	created *stripe.CheckoutSessionParams
	session *stripe.CheckoutSession
	err     error
}

func (s *stubSessions) New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	s.created = params
	if s.err != nil {
		return nil, s.err
	}
	return s.session, nil
}

func (s *stubSessions) Get(string, *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.session, nil
}

type stubRefunds struct {
	params *stripe.RefundParams
}

func (s *stubRefunds) New(params *stripe.RefundParams) (*stripe.Refund, error) {
	s.params = params
	return &stripe.Refund{ID: "re_1"}, nil
}

func newStripeGateway(t *testing.T, sessions *stubSessions, refunds *stubRefunds) *payment.StripeGateway {
	t.Helper()
	gw, err := payment.NewStripeGateway(payment.StripeConfig{
		WebhookSecret: webhookSecret,
		Clients:       &payment.StripeClients{Sessions: sessions, Refunds: refunds},
	})
	require.NoError(t, err)
	return gw
}

func TestNewStripeGateway_RequiresConfig(t *testing.T) {
	_, err := payment.NewStripeGateway(payment.StripeConfig{WebhookSecret: webhookSecret})
	require.Error(t, err)

	_, err = payment.NewStripeGateway(payment.StripeConfig{APIKey: "sk_test"})
	require.Error(t, err)
}

func TestStripeGateway_CreateSession(t *testing.T) {
	sessions := &stubSessions{session: &stripe.CheckoutSession{
		ID:            "cs_1",
		URL:           "https://checkout.stripe.test/cs_1",
		PaymentIntent: &stripe.PaymentIntent{ID: "pi_1"},
	}}
	gw := newStripeGateway(t, sessions, &stubRefunds{})

	session, err := gw.CreateSession(context.Background(), domain.CheckoutRequest{
		ExternalTxnID: "ext-1",
		OrderID:       "order-1",
		CustomerID:    "customer-1",
		Amount:        d("106.60"),
		Currency:      "USD",
		SuccessURL:    "https://shop.test/payments/success",
		CancelURL:     "https://shop.test/payments/cancel",
	})
	require.NoError(t, err)
	require.Equal(t, domain.CheckoutSession{SessionRef: "cs_1", RedirectURL: "https://checkout.stripe.test/cs_1", PaymentRef: "pi_1"}, session)

	params := sessions.created
	require.NotNil(t, params)
	require.Equal(t, "ext-1", *params.ClientReferenceID)
	require.Equal(t, "ext-1", *params.IdempotencyKey)
	require.Len(t, params.LineItems, 1)
	require.EqualValues(t, 10660, *params.LineItems[0].PriceData.UnitAmount)
	require.Equal(t, "usd", *params.LineItems[0].PriceData.Currency)
	require.Equal(t, "order-1", params.Metadata["order_id"])
}

func TestStripeGateway_CreateSessionError(t *testing.T) {
	gw := newStripeGateway(t, &stubSessions{err: errors.New("boom")}, &stubRefunds{})

	_, err := gw.CreateSession(context.Background(), domain.CheckoutRequest{ExternalTxnID: "ext-1", Amount: d("1"), Currency: "USD"})
	require.ErrorContains(t, err, "stripe: create checkout session")
}

func TestStripeGateway_RefundResolvesIntentFromSession(t *testing.T) {
	sessions := &stubSessions{session: &stripe.CheckoutSession{ID: "cs_1", PaymentIntent: &stripe.PaymentIntent{ID: "pi_9"}}}
	refunds := &stubRefunds{}
	gw := newStripeGateway(t, sessions, refunds)

	res, err := gw.Refund(context.Background(), domain.GatewayRefundRequest{
		ExternalTxnID:  "ext-1",
		SessionRef:     "cs_1",
		Amount:         d("12.34"),
		IdempotencyKey: "return-1",
	})
	require.NoError(t, err)
	require.Equal(t, "re_1", res.RefundRef)
	require.Equal(t, "pi_9", *refunds.params.PaymentIntent)
	require.EqualValues(t, 1234, *refunds.params.Amount)
	require.Equal(t, "return-1", *refunds.params.IdempotencyKey)
}

func TestStripeGateway_SessionStatus(t *testing.T) {
	tests := []struct {
		name    string
		session stripe.CheckoutSession
		want    domain.PaymentTxnStatus
	}{
		{name: "paid", session: stripe.CheckoutSession{PaymentStatus: stripe.CheckoutSessionPaymentStatusPaid}, want: domain.PaymentTxnSucceeded},
		{name: "expired", session: stripe.CheckoutSession{Status: stripe.CheckoutSessionStatusExpired}, want: domain.PaymentTxnFailed},
		{name: "open", session: stripe.CheckoutSession{Status: stripe.CheckoutSessionStatusOpen, PaymentStatus: stripe.CheckoutSessionPaymentStatusUnpaid}, want: domain.PaymentTxnPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := tt.session
			gw := newStripeGateway(t, &stubSessions{session: &session}, &stubRefunds{})
			got, err := gw.SessionStatus(context.Background(), "cs_1")
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func stripeEvent(t *testing.T, eventType string, session map[string]any) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":     "evt_1",
		"object": "event",
		"type":   eventType,
		"data":   map[string]any{"object": session},
	})
	require.NoError(t, err)
	return body
}

func TestStripeGateway_ParseAndVerifyIPN(t *testing.T) {
	gw := newStripeGateway(t, &stubSessions{}, &stubRefunds{})

	payload := stripeEvent(t, "checkout.session.completed", map[string]any{
		"id":                  "cs_1",
		"object":              "checkout.session",
		"client_reference_id": "ext-1",
		"payment_status":      "paid",
		"payment_intent":      "pi_1",
	})
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: webhookSecret})

	cb, ok, err := gw.ParseIPN(payload, signed.Header)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "ext-1", cb.ExternalTxnID)
	require.Equal(t, domain.PaymentTxnSucceeded, cb.ReportedStatus)
	require.Equal(t, "pi_1", cb.PaymentRef)
	require.Equal(t, domain.CallbackSourceIPN, cb.Source)

	status, err := gw.Verify(context.Background(), cb, domain.PaymentTransaction{})
	require.NoError(t, err)
	require.Equal(t, domain.PaymentTxnSucceeded, status)

	forged := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: "whsec_other"})
	cb.Proof.Signature = forged.Header
	_, err = gw.Verify(context.Background(), cb, domain.PaymentTransaction{})
	require.ErrorIs(t, err, domain.ErrPaymentVerificationFailed)
}

func TestStripeGateway_ParseIPNEventMapping(t *testing.T) {
	gw := newStripeGateway(t, &stubSessions{}, &stubRefunds{})
	session := func(paymentStatus string) map[string]any {
		return map[string]any{"id": "cs_1", "object": "checkout.session", "client_reference_id": "ext-1", "payment_status": paymentStatus}
	}

	tests := []struct {
		name      string
		eventType string
		session   map[string]any
		wantOK    bool
		want      domain.PaymentTxnStatus
	}{
		{name: "completed unpaid waits for async", eventType: "checkout.session.completed", session: session("unpaid")},
		{name: "async succeeded", eventType: "checkout.session.async_payment_succeeded", session: session("paid"), wantOK: true, want: domain.PaymentTxnSucceeded},
		{name: "async failed", eventType: "checkout.session.async_payment_failed", session: session("unpaid"), wantOK: true, want: domain.PaymentTxnFailed},
		{name: "expired", eventType: "checkout.session.expired", session: session("unpaid"), wantOK: true, want: domain.PaymentTxnFailed},
		{name: "unrelated event", eventType: "customer.created", session: map[string]any{"id": "cus_1"}},
		{name: "foreign session", eventType: "checkout.session.completed", session: map[string]any{"id": "cs_2", "payment_status": "paid"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, ok, err := gw.ParseIPN(stripeEvent(t, tt.eventType, tt.session), "")
			require.NoError(t, err)
			require.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				require.Equal(t, tt.want, cb.ReportedStatus)
			}
		})
	}

	_, _, err := gw.ParseIPN([]byte("{not json"), "")
	require.ErrorIs(t, err, domain.ErrValidation)
}
