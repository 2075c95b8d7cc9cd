package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

func TestNewCommerceMetrics_IdempotentRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()

	first := NewCommerceMetricsWithRegisterer(reg)
	second := NewCommerceMetricsWithRegisterer(reg)

	first.RecordOrderCreated()
	second.RecordOrderCreated()

	require.Equal(t, 2.0, testutil.ToFloat64(first.ordersCreated))
	require.Same(t, first.orderTransitions, second.orderTransitions)
}

func TestNewCommerceMetrics_DefaultRegisterer(t *testing.T) {
	require.NotNil(t, NewCommerceMetrics())
	require.NotNil(t, NewCommerceMetricsWithRegisterer(nil))
}

func TestRegisterConflictingTypePanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGauge(prometheus.GaugeOpts{Name: "marketplace_orders_created_total", Help: "gauge"}))

	require.Panics(t, func() { NewCommerceMetricsWithRegisterer(reg) })
}

func TestCommerceMetrics_LabelledCounters(t *testing.T) {
	m := NewCommerceMetricsWithRegisterer(prometheus.NewRegistry())

	m.RecordOrderTransition(domain.OrderStatusCreated, domain.OrderStatusPaymentPending)
	m.RecordOrderTransition(domain.OrderStatusCreated, domain.OrderStatusPaymentPending)
	m.RecordCouponRedemption("exhausted")
	m.RecordCallback(domain.CallbackSourceIPN, "applied")
	m.RecordCallback(domain.CallbackSourceRedirect, "duplicate")
	m.RecordRefund("ok")
	m.RecordReturnTransition(domain.ReturnRequested, domain.ReturnApproved)
	m.RecordTimelineEvent()
	m.RecordOutboxEvent(domain.EventOrderCreated)

	tests := []struct {
		name      string
		collector prometheus.Collector
		want      float64
	}{
		{"order transition", m.orderTransitions.WithLabelValues("created", "payment_pending"), 2},
		{"coupon redemption", m.couponRedemptions.WithLabelValues("exhausted"), 1},
		{"ipn callback", m.paymentCallbacks.WithLabelValues("ipn", "applied"), 1},
		{"redirect callback", m.paymentCallbacks.WithLabelValues("redirect", "duplicate"), 1},
		{"refund", m.refunds.WithLabelValues("ok"), 1},
		{"return transition", m.returnTransitions.WithLabelValues(string(domain.ReturnRequested), string(domain.ReturnApproved)), 1},
		{"timeline", m.timelineEvents, 1},
		{"outbox", m.outboxEvents.WithLabelValues(domain.EventOrderCreated), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, testutil.ToFloat64(tt.collector))
		})
	}
}

func TestCommerceMetrics_ObserveGatewayCall(t *testing.T) {
	m := NewCommerceMetricsWithRegisterer(prometheus.NewRegistry())

	m.ObserveGatewayCall("stripe", "create_session", 120*time.Millisecond, nil)
	m.ObserveGatewayCall("stripe", "create_session", 2*time.Second, errors.New("timeout"))

	observer, err := m.gatewayCalls.GetMetricWithLabelValues("stripe", "create_session")
	require.NoError(t, err)

	metric := &dto.Metric{}
	require.NoError(t, observer.(prometheus.Histogram).Write(metric))
	require.Equal(t, uint64(2), metric.GetHistogram().GetSampleCount())
	require.InDelta(t, 2.12, metric.GetHistogram().GetSampleSum(), 0.001)

	require.Equal(t, 1.0, testutil.ToFloat64(m.gatewayErrors.WithLabelValues("stripe", "create_session")))
}
