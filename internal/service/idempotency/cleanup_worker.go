package idempotency

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

const (
	defaultCleanupInterval  = 10 * time.Minute
	defaultCleanupBatchSize = 500
)

// Metrics принимает итог каждого прогона очистки. Реализуется *metrics.RelayMetrics.
type Metrics interface {
	ObserveCleanup(deleted int, err error)
}

type nopMetrics struct{}

func (nopMetrics) ObserveCleanup(int, error) {}

// CleanupOption настраивает CleanupWorker.
type CleanupOption func(*CleanupWorker)

func WithLogger(logger *log.Entry) CleanupOption {
	return func(w *CleanupWorker) { w.logger = logger }
}

func WithMetrics(m Metrics) CleanupOption {
	return func(w *CleanupWorker) { w.metrics = m }
}

// WithInterval задаёт паузу между прогонами.
func WithInterval(interval time.Duration) CleanupOption {
	return func(w *CleanupWorker) { w.interval = interval }
}

// WithBatchSize ограничивает число записей, удаляемых одним запросом к хранилищу.
func WithBatchSize(size int) CleanupOption {
	return func(w *CleanupWorker) { w.batchSize = size }
}

// CleanupWorker удаляет ключи идемпотентности с истёкшим TTL. Для Redis
// DeleteExpired всегда возвращает 0: ключи там истекают сами.
type CleanupWorker struct {
	repo      domain.IdempotencyRepository
	metrics   Metrics
	logger    *log.Entry
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

func NewCleanupWorker(repo domain.IdempotencyRepository, opts ...CleanupOption) *CleanupWorker {
	w := &CleanupWorker{
		repo:      repo,
		interval:  defaultCleanupInterval,
		batchSize: defaultCleanupBatchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(w)
	}

	if w.logger == nil {
		w.logger = log.WithField("component", "idempotency-cleanup-worker")
	}
	if w.metrics == nil {
		w.metrics = nopMetrics{}
	}
	if w.interval <= 0 {
		w.interval = defaultCleanupInterval
	}
	if w.batchSize <= 0 {
		w.batchSize = defaultCleanupBatchSize
	}
	return w
}

// Run выполняет RunOnce сразу и далее с интервалом до отмены ctx.
func (w *CleanupWorker) Run(ctx context.Context) {
	if w.repo == nil {
		w.logger.Warn("idempotency cleanup worker is disabled: repo is nil")
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.RunOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce удаляет всё, что истекло к текущему моменту, и отдаёт результат
// в метрики. Прерывание по ctx не считается ошибкой прогона.
func (w *CleanupWorker) RunOnce(ctx context.Context) (int, error) {
	deleted, err := w.DeleteExpired(ctx, w.now())
	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return deleted, err
	}

	w.metrics.ObserveCleanup(deleted, err)
	switch {
	case err != nil:
		w.logger.WithError(err).WithField("deleted", deleted).Warn("idempotency cleanup run failed")
	case deleted > 0:
		w.logger.WithField("deleted", deleted).Info("idempotency cleanup completed")
	}
	return deleted, err
}

// DeleteExpired удаляет записи с TTL не позже before, пока хранилище отдаёт
// полные батчи. Нулевой before означает текущий момент.
func (w *CleanupWorker) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	if before.IsZero() {
		before = w.now()
	}

	total := 0
	for ctx.Err() == nil {
		n, err := w.repo.DeleteExpired(ctx, before, w.batchSize)
		total += n
		if err != nil {
			return total, err
		}
		if n < w.batchSize {
			return total, nil
		}
	}
	return total, ctx.Err()
}
