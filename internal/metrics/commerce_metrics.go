package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// CommerceMetrics содержит метрики заказов, купонов, платежей и возвратов.
type CommerceMetrics struct {
	ordersCreated     prometheus.Counter
	orderTransitions  *prometheus.CounterVec
	couponRedemptions *prometheus.CounterVec
	paymentCallbacks  *prometheus.CounterVec
	gatewayCalls      *prometheus.HistogramVec
	gatewayErrors     *prometheus.CounterVec
	refunds           *prometheus.CounterVec
	returnTransitions *prometheus.CounterVec

	timelineEvents prometheus.Counter
	outboxEvents   *prometheus.CounterVec
}

// NewCommerceMetrics регистрирует метрики в prometheus.DefaultRegisterer.
func NewCommerceMetrics() *CommerceMetrics {
	return NewCommerceMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewCommerceMetricsWithRegisterer регистрирует метрики в указанном реестре.
// Повторная регистрация возвращает уже существующие коллекторы.
func NewCommerceMetricsWithRegisterer(registerer prometheus.Registerer) *CommerceMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &CommerceMetrics{
		ordersCreated: registerCounter(registerer, prometheus.CounterOpts{
			Name: "marketplace_orders_created_total",
			Help: "Total number of orders created",
		}),
		orderTransitions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "marketplace_order_transitions_total",
			Help: "Total number of order status transitions",
		}, []string{"from", "to"}),
		couponRedemptions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "marketplace_coupon_redemptions_total",
			Help: "Coupon redemption attempts grouped by result",
		}, []string{"result"}),
		paymentCallbacks: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "marketplace_payment_callbacks_total",
			Help: "Payment callbacks grouped by source and result",
		}, []string{"source", "result"}),
		gatewayCalls: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "marketplace_gateway_call_duration_seconds",
			Help:    "Duration of payment gateway calls in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}, []string{"gateway", "op"}),
		gatewayErrors: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "marketplace_gateway_call_errors_total",
			Help: "Failed payment gateway calls",
		}, []string{"gateway", "op"}),
		refunds: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "marketplace_refunds_total",
			Help: "Refund attempts grouped by result",
		}, []string{"result"}),
		returnTransitions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "marketplace_return_transitions_total",
			Help: "Total number of return request transitions",
		}, []string{"from", "to"}),
		timelineEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "marketplace_timeline_events_total",
			Help: "Total number of timeline events recorded",
		}),
		outboxEvents: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "marketplace_outbox_events_total",
			Help: "Total number of events enqueued to the outbox",
		}, []string{"event_type"}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	return register(registerer, opts.Name, prometheus.NewCounter(opts))
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	return register(registerer, opts.Name, prometheus.NewCounterVec(opts, labels))
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	return register(registerer, opts.Name, prometheus.NewHistogramVec(opts, labels))
}

func register[C prometheus.Collector](registerer prometheus.Registerer, name string, collector C) C {
	if err := registerer.Register(collector); err != nil {
		var alreadyRegistered prometheus.AlreadyRegisteredError
		if errors.As(err, &alreadyRegistered) {
			existing, ok := alreadyRegistered.ExistingCollector.(C)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", name))
			}
			return existing
		}
		panic(fmt.Sprintf("register collector %q: %v", name, err))
	}
	return collector
}

// RecordOrderCreated увеличивает счётчик созданных заказов.
func (m *CommerceMetrics) RecordOrderCreated() {
	m.ordersCreated.Inc()
}

// RecordOrderTransition учитывает переход статуса заказа.
func (m *CommerceMetrics) RecordOrderTransition(from, to domain.OrderStatus) {
	m.orderTransitions.WithLabelValues(string(from), string(to)).Inc()
}

// RecordCouponRedemption учитывает попытку погашения купона.
func (m *CommerceMetrics) RecordCouponRedemption(result string) {
	m.couponRedemptions.WithLabelValues(result).Inc()
}

// RecordCallback учитывает IPN или redirect-подтверждение оплаты.
func (m *CommerceMetrics) RecordCallback(source domain.CallbackSource, result string) {
	m.paymentCallbacks.WithLabelValues(string(source), result).Inc()
}

// ObserveGatewayCall записывает длительность вызова шлюза и учитывает ошибку.
func (m *CommerceMetrics) ObserveGatewayCall(gateway, op string, d time.Duration, err error) {
	m.gatewayCalls.WithLabelValues(gateway, op).Observe(d.Seconds())
	if err != nil {
		m.gatewayErrors.WithLabelValues(gateway, op).Inc()
	}
}

func (m *CommerceMetrics) RecordRefund(result string) {
	m.refunds.WithLabelValues(result).Inc()
}

func (m *CommerceMetrics) RecordReturnTransition(from, to domain.ReturnStatus) {
	m.returnTransitions.WithLabelValues(string(from), string(to)).Inc()
}

// RecordTimelineEvent увеличивает счётчик событий timeline.
func (m *CommerceMetrics) RecordTimelineEvent() {
	m.timelineEvents.Inc()
}

// RecordOutboxEvent увеличивает счётчик событий outbox.
func (m *CommerceMetrics) RecordOutboxEvent(eventType string) {
	m.outboxEvents.WithLabelValues(eventType).Inc()
}
