package app

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/metrics"
	"github.com/vladislavdragonenkov/marketplace/internal/service/coupon"
	"github.com/vladislavdragonenkov/marketplace/internal/service/journal"
	"github.com/vladislavdragonenkov/marketplace/internal/service/order"
	"github.com/vladislavdragonenkov/marketplace/internal/service/payment"
	"github.com/vladislavdragonenkov/marketplace/internal/service/pricing"
	"github.com/vladislavdragonenkov/marketplace/internal/service/returns"
	"github.com/vladislavdragonenkov/marketplace/internal/transport/httpapi"
)

// Dependencies содержит сервисы ядра поверх выбранного хранилища.
type Dependencies struct {
	Journal    *journal.Journal
	Pricing    *pricing.Engine
	Rates      *pricing.RateAdmin
	Coupons    *coupon.Service
	Orders     *order.Manager
	Reconciler *payment.Reconciler
	Returns    *returns.Machine
	Logger     *log.Entry
}

// NewDependencies собирает сервисы. notifier и m могут быть nil.
func NewDependencies(rt *runtimeDependencies, cfg Config, notifier domain.Notifier, m *metrics.CommerceMetrics, logger *log.Entry) (*Dependencies, error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}

	var (
		journalOpts []journal.Option
		couponOpts  []coupon.Option
		orderOpts   []order.Option
		paymentOpts []payment.Option
		returnOpts  []returns.Option
	)
	if m != nil {
		journalOpts = append(journalOpts, journal.WithMetrics(m))
		couponOpts = append(couponOpts, coupon.WithMetrics(m))
		orderOpts = append(orderOpts, order.WithMetrics(m))
		paymentOpts = append(paymentOpts, payment.WithMetrics(m))
		returnOpts = append(returnOpts, returns.WithMetrics(m))
	}

	j := journal.New(rt.timelineRepo, rt.outboxRepo, notifier, logger.WithField("layer", "journal"), journalOpts...)
	engine := pricing.NewEngine(rt.rateRepo, logger.WithField("layer", "pricing"))
	coupons := coupon.NewService(rt.couponRepo, logger.WithField("layer", "coupon"), couponOpts...)
	orders := order.NewManager(rt.repo, engine, coupons, j, logger.WithField("layer", "order"), orderOpts...)

	gateway, err := newPaymentDeps(cfg, logger)
	if err != nil {
		return nil, err
	}
	reconciler, err := payment.NewReconciler(payment.Dependencies{
		Txns:     rt.paymentRepo,
		Orders:   orders,
		Coupons:  coupons,
		Gateway:  gateway.gateway,
		IPN:      gateway.ipn,
		Signer:   gateway.signer,
		Journal:  j,
		Verifier: gateway.verifiers,
	}, payment.Config{
		PublicBaseURL:  cfg.PublicBaseURL,
		GatewayTimeout: cfg.GatewayTimeout,
	}, logger.WithField("layer", "payment"), paymentOpts...)
	if err != nil {
		return nil, err
	}

	machine := returns.NewMachine(rt.returnRepo, orders, reconciler, j, logger.WithField("layer", "returns"), returnOpts...)

	return &Dependencies{
		Journal:    j,
		Pricing:    engine,
		Rates:      pricing.NewRateAdmin(rt.rateRepo),
		Coupons:    coupons,
		Orders:     orders,
		Reconciler: reconciler,
		Returns:    machine,
		Logger:     logger,
	}, nil
}

// HTTPServices отдаёт сервисы в виде, который ждёт transport/httpapi.
func (d *Dependencies) HTTPServices() httpapi.Services {
	return httpapi.Services{
		Orders:   d.Orders,
		Payments: d.Reconciler,
		Returns:  d.Returns,
		Coupons:  d.Coupons,
		Pricing:  d.Pricing,
		Rates:    d.Rates,
	}
}

type paymentDeps struct {
	gateway   domain.PaymentGateway
	ipn       payment.IPNParser
	signer    *payment.Signer
	verifiers map[domain.CallbackSource]payment.ProofVerifier
}

// newPaymentDeps выбирает шлюз. Redirect всегда проверяется подписью,
// а если шлюз умеет отдавать статус сессии, то ещё и запросом к нему.
func newPaymentDeps(cfg Config, logger *log.Entry) (paymentDeps, error) {
	signer, err := payment.NewSigner(cfg.RedirectSecret)
	if err != nil {
		return paymentDeps{}, err
	}

	switch cfg.PaymentGateway {
	case "", payment.GatewayMock:
		ipn := payment.NewHMACIPN(signer)
		return paymentDeps{
			gateway: payment.NewMockGateway(),
			ipn:     ipn,
			signer:  signer,
			verifiers: map[domain.CallbackSource]payment.ProofVerifier{
				domain.CallbackSourceIPN:      ipn,
				domain.CallbackSourceRedirect: payment.NewRedirectVerifier(signer, nil),
			},
		}, nil
	case payment.GatewayStripe:
		stripe, err := payment.NewStripeGateway(payment.StripeConfig{
			APIKey:        cfg.StripeAPIKey,
			WebhookSecret: cfg.StripeWebhookSecret,
			Logger:        logger.WithField("layer", "stripe"),
		})
		if err != nil {
			return paymentDeps{}, err
		}
		return paymentDeps{
			gateway: stripe,
			ipn:     stripe,
			signer:  signer,
			verifiers: map[domain.CallbackSource]payment.ProofVerifier{
				domain.CallbackSourceIPN:      stripe,
				domain.CallbackSourceRedirect: payment.NewRedirectVerifier(signer, stripe),
			},
		}, nil
	default:
		return paymentDeps{}, fmt.Errorf("unsupported payment gateway %q", cfg.PaymentGateway)
	}
}
