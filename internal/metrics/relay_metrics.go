package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RelayMetrics собирает метрики процесса outbox-relay: публикацию outbox
// и очистку ключей идемпотентности.
type RelayMetrics struct {
	publishResults *prometheus.CounterVec
	backlogSize    prometheus.Gauge
	backlogAge     prometheus.Gauge

	cleanupRuns    *prometheus.CounterVec
	cleanupDeleted prometheus.Counter
	cleanupLast    prometheus.Gauge
}

func NewRelayMetrics() *RelayMetrics {
	return NewRelayMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewRelayMetricsWithRegisterer регистрирует метрики relay в указанном реестре.
func NewRelayMetricsWithRegisterer(registerer prometheus.Registerer) *RelayMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &RelayMetrics{
		publishResults: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "marketplace_outbox_publish_attempts_total",
			Help: "Outbox publish attempts grouped by aggregate and result",
		}, []string{"aggregate", "result"}),
		backlogSize: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "marketplace_outbox_pending_records",
			Help: "Pending records in the transactional outbox",
		}),
		backlogAge: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "marketplace_outbox_oldest_pending_age_seconds",
			Help: "Age of the oldest pending outbox record in seconds",
		}),
		cleanupRuns: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "marketplace_idempotency_cleanup_runs_total",
			Help: "Idempotency cleanup runs grouped by result",
		}, []string{"result"}),
		cleanupDeleted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "marketplace_idempotency_cleanup_deleted_total",
			Help: "Expired idempotency records removed by cleanup",
		}),
		cleanupLast: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "marketplace_idempotency_cleanup_last_deleted",
			Help: "Records removed during the last cleanup run",
		}),
	}
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	return register(registerer, opts.Name, prometheus.NewGauge(opts))
}

// ObservePublish учитывает результат попытки публикации: sent, retry_error,
// failed или dlq_failed.
func (m *RelayMetrics) ObservePublish(aggregate, result string) {
	m.publishResults.WithLabelValues(aggregate, result).Inc()
}

// ObserveBacklog выставляет размер очереди outbox и возраст самой старой записи.
func (m *RelayMetrics) ObserveBacklog(pending int, oldest time.Duration) {
	if oldest < 0 {
		oldest = 0
	}
	m.backlogSize.Set(float64(pending))
	m.backlogAge.Set(oldest.Seconds())
}

// ObserveCleanup учитывает прогон очистки ключей идемпотентности.
func (m *RelayMetrics) ObserveCleanup(deleted int, err error) {
	if err != nil {
		m.cleanupRuns.WithLabelValues("error").Inc()
		return
	}
	m.cleanupRuns.WithLabelValues("ok").Inc()
	m.cleanupLast.Set(float64(deleted))
	if deleted > 0 {
		m.cleanupDeleted.Add(float64(deleted))
	}
}
