package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

const (
	defaultPollInterval   = time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
	maxRetryDelay         = 5 * time.Second
)

// Результаты публикации для метрик.
const (
	ResultSent       = "sent"
	ResultRetryError = "retry_error"
	ResultFailed     = "failed"
	ResultDLQFailed  = "dlq_failed"
)

// Metrics принимает наблюдения relay. Реализуется *metrics.RelayMetrics.
type Metrics interface {
	ObservePublish(aggregate, result string)
	ObserveBacklog(pending int, oldest time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) ObservePublish(string, string)     {}
func (nopMetrics) ObserveBacklog(int, time.Duration) {}

// DeadLetter это payload сообщения, которое relay отправляет в DLQ после
// исчерпания попыток. cmd/dlq-replay восстанавливает из него исходное событие.
type DeadLetter struct {
	OutboxID      string          `json:"outbox_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishError  string          `json:"publish_error"`
	Attempts      int             `json:"attempts"`
	DeadAt        time.Time       `json:"dlq_published_at"`
}

// Result описывает один проход ProcessOnce.
type Result struct {
	Pulled       int
	Sent         int
	DeadLettered int
}

// Option настраивает Worker.
type Option func(*Worker)

func WithLogger(logger *log.Entry) Option {
	return func(w *Worker) { w.logger = logger }
}

// WithDLQPublisher включает отправку в DLQ после исчерпания попыток.
func WithDLQPublisher(publisher domain.OutboxPublisher) Option {
	return func(w *Worker) { w.dlq = publisher }
}

func WithMetrics(m Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

func WithPollInterval(interval time.Duration) Option {
	return func(w *Worker) { w.pollInterval = interval }
}

func WithBatchSize(size int) Option {
	return func(w *Worker) { w.batchSize = size }
}

// WithMaxAttempts задаёт число попыток публикации одного сообщения за проход.
func WithMaxAttempts(attempts int) Option {
	return func(w *Worker) { w.maxAttempts = attempts }
}

// WithRetryBaseDelay задаёт первую паузу между попытками; дальше она удваивается.
// Ноль или отрицательное значение отключает паузы.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(w *Worker) { w.retryBaseDelay = delay }
}

// Worker переносит pending-сообщения outbox в брокер. Несколько relay-процессов
// могут работать параллельно: PullPending выдаёт сообщения под lease, и
// сообщение, не подтверждённое до его истечения, достанется следующему проходу.
type Worker struct {
	repo      domain.OutboxRepository
	publisher domain.OutboxPublisher
	dlq       domain.OutboxPublisher
	metrics   Metrics
	logger    *log.Entry

	pollInterval   time.Duration
	batchSize      int
	maxAttempts    int
	retryBaseDelay time.Duration
	now            func() time.Time
}

func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, opts ...Option) *Worker {
	w := &Worker{
		repo:           repo,
		publisher:      publisher,
		pollInterval:   defaultPollInterval,
		batchSize:      defaultBatchSize,
		maxAttempts:    defaultMaxAttempts,
		retryBaseDelay: defaultRetryBaseDelay,
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(w)
	}

	if w.logger == nil {
		w.logger = log.WithField("component", "outbox-worker")
	}
	if w.metrics == nil {
		w.metrics = nopMetrics{}
	}
	if w.pollInterval <= 0 {
		w.pollInterval = defaultPollInterval
	}
	if w.batchSize <= 0 {
		w.batchSize = defaultBatchSize
	}
	if w.maxAttempts <= 0 {
		w.maxAttempts = defaultMaxAttempts
	}
	if w.retryBaseDelay < 0 {
		w.retryBaseDelay = 0
	}
	return w
}

// Run опрашивает outbox до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.logger.Warn("outbox worker is disabled: repo or publisher is nil")
		return
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		res := w.ProcessOnce(ctx)
		if res.Pulled > 0 {
			w.logger.WithFields(log.Fields{
				"pulled":        res.Pulled,
				"sent":          res.Sent,
				"dead_lettered": res.DeadLettered,
			}).Debug("outbox batch processed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessOnce забирает один батч и публикует его. Сообщение, чья публикация
// прервана отменой ctx, остаётся pending.
func (w *Worker) ProcessOnce(ctx context.Context) Result {
	var res Result
	if ctx.Err() != nil {
		return res
	}
	defer w.observeBacklog(ctx)

	batch, err := w.repo.PullPending(ctx, w.batchSize)
	if err != nil {
		w.logger.WithError(err).Warn("failed to pull pending outbox messages")
		return res
	}
	res.Pulled = len(batch)

	for _, msg := range batch {
		if ctx.Err() != nil {
			return res
		}
		entry := w.logger.WithFields(log.Fields{
			"outbox_id":    msg.ID,
			"aggregate":    msg.AggregateType,
			"aggregate_id": msg.AggregateID,
			"event_type":   msg.EventType,
		})

		attempts, err := w.publish(ctx, msg)
		switch {
		case err == nil:
			res.Sent++
			if markErr := w.repo.MarkSent(ctx, msg.ID); markErr != nil {
				entry.WithError(markErr).Warn("failed to mark outbox message as sent")
			}
		case ctx.Err() != nil:
			return res
		default:
			res.DeadLettered++
			w.deadLetter(ctx, msg, attempts, err, entry)
		}
	}
	return res
}

func (w *Worker) publish(ctx context.Context, msg domain.OutboxMessage) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		if lastErr = w.publisher.Publish(msg); lastErr == nil {
			w.metrics.ObservePublish(msg.AggregateType, ResultSent)
			return attempt, nil
		}
		w.metrics.ObservePublish(msg.AggregateType, ResultRetryError)

		if attempt == w.maxAttempts {
			break
		}
		if delay := w.retryBackoff(attempt); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempt, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return w.maxAttempts, fmt.Errorf("publish failed after %d attempts: %w", w.maxAttempts, lastErr)
}

func (w *Worker) deadLetter(ctx context.Context, msg domain.OutboxMessage, attempts int, cause error, entry *log.Entry) {
	entry.WithError(cause).Error("outbox publish failed after retries")
	w.metrics.ObservePublish(msg.AggregateType, ResultFailed)

	if w.dlq != nil {
		if err := w.dlq.Publish(w.deadLetterMessage(msg, attempts, cause)); err != nil {
			entry.WithError(err).Warn("failed to publish to DLQ")
			w.metrics.ObservePublish(msg.AggregateType, ResultDLQFailed)
		}
	}
	if err := w.repo.MarkFailed(ctx, msg.ID); err != nil {
		entry.WithError(err).Warn("failed to mark outbox message as failed")
	}
}

func (w *Worker) deadLetterMessage(msg domain.OutboxMessage, attempts int, cause error) domain.OutboxMessage {
	// Marshal падает на невалидном RawMessage.
	original := json.RawMessage(msg.Payload)
	if !json.Valid(original) {
		original = json.RawMessage("null")
	}
	payload, _ := json.Marshal(DeadLetter{
		OutboxID:      msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       original,
		PublishError:  cause.Error(),
		Attempts:      attempts,
		DeadAt:        w.now(),
	})

	dead := msg
	dead.Payload = payload
	return dead
}

func (w *Worker) observeBacklog(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	stats, err := w.repo.Stats(ctx)
	if err != nil {
		w.logger.WithError(err).Warn("failed to collect outbox backlog stats")
		return
	}
	var age time.Duration
	if stats.PendingCount > 0 && !stats.OldestPendingAt.IsZero() {
		age = w.now().Sub(stats.OldestPendingAt)
	}
	w.metrics.ObserveBacklog(stats.PendingCount, age)
}

// retryBackoff возвращает паузу перед попыткой attempt+1: base, 2*base, 4*base
// и так далее, не больше maxRetryDelay.
func (w *Worker) retryBackoff(attempt int) time.Duration {
	if w.retryBaseDelay <= 0 {
		return 0
	}
	delay := w.retryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return min(delay, maxRetryDelay)
}
