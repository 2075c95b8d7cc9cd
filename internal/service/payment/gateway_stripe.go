package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// GatewayStripe — код шлюза в транзакциях и метриках.
const GatewayStripe = "stripe"

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

// StripeClients позволяет подменить API-клиенты Stripe в тестах.
type StripeClients struct {
	Sessions stripeSessionAPI
	Refunds  stripeRefundAPI
}

// StripeConfig настраивает StripeGateway.
type StripeConfig struct {
	APIKey        string
	WebhookSecret string
	Backends      *stripe.Backends
	Clients       *StripeClients
	Logger        *log.Entry
}

// StripeGateway создаёт checkout-сессии и возвраты через Stripe и проверяет его webhook-и.
type StripeGateway struct {
	sessions      stripeSessionAPI
	refunds       stripeRefundAPI
	webhookSecret string
	logger        *log.Entry
}

// NewStripeGateway собирает шлюз из конфигурации.
func NewStripeGateway(cfg StripeConfig) (*StripeGateway, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		return nil, errors.New("stripe: webhook secret is required")
	}

	var clients StripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = StripeClients{Sessions: sc.CheckoutSessions, Refunds: sc.Refunds}
	}
	if clients.Sessions == nil || clients.Refunds == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.WithField("component", "stripe-gateway")
	}

	return &StripeGateway{
		sessions:      clients.Sessions,
		refunds:       clients.Refunds,
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		logger:        logger,
	}, nil
}

// Name реализует domain.PaymentGateway.
func (g *StripeGateway) Name() string { return GatewayStripe }

// CreateSession создаёт Checkout Session одной строкой на сумму заказа.
// ExternalTxnID передаётся как client_reference_id и ключ идемпотентности.
func (g *StripeGateway) CreateSession(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutSession, error) {
	description := req.Description
	if description == "" {
		description = "Order " + req.OrderID
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.ExternalTxnID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(req.Currency)),
				UnitAmount: stripe.Int64(domain.MoneyCents(req.Amount)),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(description),
				},
			},
		}},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: map[string]string{
				"order_id":        req.OrderID,
				"external_txn_id": req.ExternalTxnID,
			},
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.ExternalTxnID)
	params.AddMetadata("order_id", req.OrderID)
	params.AddMetadata("customer_id", req.CustomerID)

	session, err := g.sessions.New(params)
	if err != nil {
		return domain.CheckoutSession{}, fmt.Errorf("stripe: create checkout session: %w", err)
	}

	out := domain.CheckoutSession{SessionRef: session.ID, RedirectURL: session.URL}
	if session.PaymentIntent != nil {
		out.PaymentRef = session.PaymentIntent.ID
	}

	g.logger.WithFields(log.Fields{
		"session_id":      session.ID,
		"external_txn_id": req.ExternalTxnID,
		"order_id":        req.OrderID,
	}).Debug("stripe checkout session created")

	return out, nil
}

// SessionStatus возвращает статус оплаты сессии по данным Stripe.
func (g *StripeGateway) SessionStatus(ctx context.Context, sessionRef string) (domain.PaymentTxnStatus, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	session, err := g.sessions.Get(sessionRef, params)
	if err != nil {
		return "", fmt.Errorf("stripe: get checkout session: %w", err)
	}
	return sessionTxnStatus(session), nil
}

func sessionTxnStatus(session *stripe.CheckoutSession) domain.PaymentTxnStatus {
	switch {
	case session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid:
		return domain.PaymentTxnSucceeded
	case session.Status == stripe.CheckoutSessionStatusExpired:
		return domain.PaymentTxnFailed
	default:
		return domain.PaymentTxnPending
	}
}

// Refund возвращает сумму по PaymentIntent. Если ссылка на платёж неизвестна,
// она берётся из сессии.
func (g *StripeGateway) Refund(ctx context.Context, req domain.GatewayRefundRequest) (domain.GatewayRefund, error) {
	intentID := req.PaymentRef
	if intentID == "" && req.SessionRef != "" {
		params := &stripe.CheckoutSessionParams{}
		params.Context = ctx
		session, err := g.sessions.Get(req.SessionRef, params)
		if err != nil {
			return domain.GatewayRefund{}, fmt.Errorf("stripe: get checkout session: %w", err)
		}
		if session.PaymentIntent != nil {
			intentID = session.PaymentIntent.ID
		}
	}
	if intentID == "" {
		return domain.GatewayRefund{}, fmt.Errorf("stripe: payment intent is unknown for txn %s", req.ExternalTxnID)
	}

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(intentID),
		Amount:        stripe.Int64(domain.MoneyCents(req.Amount)),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if req.Reason != "" {
		params.AddMetadata("reason", req.Reason)
	}

	refund, err := g.refunds.New(params)
	if err != nil {
		return domain.GatewayRefund{}, fmt.Errorf("stripe: refund payment intent: %w", err)
	}
	return domain.GatewayRefund{RefundRef: refund.ID}, nil
}

// ParseIPN разбирает событие Stripe. Подпись проверяется в Verify.
func (g *StripeGateway) ParseIPN(payload []byte, signature string) (domain.PaymentCallback, bool, error) {
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return domain.PaymentCallback{}, false, domain.NewValidationError("malformed stripe event: %v", err)
	}
	if event.Data == nil || !strings.HasPrefix(string(event.Type), "checkout.session.") {
		return domain.PaymentCallback{}, false, nil
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return domain.PaymentCallback{}, false, domain.NewValidationError("malformed checkout session in event %s: %v", event.ID, err)
	}
	if session.ClientReferenceID == "" {
		return domain.PaymentCallback{}, false, nil
	}

	var status domain.PaymentTxnStatus
	switch string(event.Type) {
	case "checkout.session.completed":
		if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
			// Отложенный метод оплаты: итог придёт async_payment_* событием.
			return domain.PaymentCallback{}, false, nil
		}
		status = domain.PaymentTxnSucceeded
	case "checkout.session.async_payment_succeeded":
		status = domain.PaymentTxnSucceeded
	case "checkout.session.async_payment_failed", "checkout.session.expired":
		status = domain.PaymentTxnFailed
	default:
		return domain.PaymentCallback{}, false, nil
	}

	cb := domain.PaymentCallback{
		Source:         domain.CallbackSourceIPN,
		ExternalTxnID:  session.ClientReferenceID,
		ReportedStatus: status,
		Proof:          domain.CallbackProof{Payload: payload, Signature: signature},
	}
	if session.PaymentIntent != nil {
		cb.PaymentRef = session.PaymentIntent.ID
	}
	return cb, true, nil
}

// Verify проверяет заголовок Stripe-Signature.
func (g *StripeGateway) Verify(_ context.Context, cb domain.PaymentCallback, _ domain.PaymentTransaction) (domain.PaymentTxnStatus, error) {
	if err := webhook.ValidatePayload(cb.Proof.Payload, cb.Proof.Signature, g.webhookSecret); err != nil {
		return "", domain.NewPaymentVerificationFailed("stripe signature: %v", err)
	}
	return cb.ReportedStatus, nil
}

var (
	_ domain.PaymentGateway       = (*StripeGateway)(nil)
	_ domain.SessionStatusChecker = (*StripeGateway)(nil)
	_ ProofVerifier               = (*StripeGateway)(nil)
	_ IPNParser                   = (*StripeGateway)(nil)
)
