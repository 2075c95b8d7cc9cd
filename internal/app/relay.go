package app

import (
	"context"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"

	healthcheck "github.com/vladislavdragonenkov/marketplace/internal/health"
	"github.com/vladislavdragonenkov/marketplace/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/marketplace/internal/metrics"
	"github.com/vladislavdragonenkov/marketplace/internal/service/idempotency"
	"github.com/vladislavdragonenkov/marketplace/internal/service/outbox"
	"github.com/vladislavdragonenkov/marketplace/internal/version"
)

// RunRelay публикует outbox в Kafka и чистит просроченные ключи идемпотентности.
// Работает отдельным процессом рядом с API на том же хранилище.
func RunRelay(ctx context.Context, cfg Config) error {
	logger := log.WithFields(log.Fields{"component": "outbox-relay", "version": version.GetVersion()})
	if len(cfg.kafkaBrokerList()) == 0 {
		return errors.New("kafka brokers are required for outbox relay")
	}

	rt, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.close(); err != nil {
			logger.WithError(err).Warn("failed to close storage")
		}
	}()

	producer, err := initKafkaProducer(cfg.KafkaBrokers, logger)
	if err != nil {
		return err
	}
	defer closeKafka(producer, logger)

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	rt.registerCheckers(healthHandler)
	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)
	defer shutdownHTTP(metricsSrv, logger)

	relayMetrics := metrics.NewRelayMetrics()
	worker := outbox.NewWorker(rt.outboxRepo, kafka.NewOutboxPublisher(producer, ""),
		outbox.WithLogger(logger.WithField("layer", "outbox")),
		outbox.WithDLQPublisher(kafka.NewOutboxPublisher(producer, kafka.TopicDeadLetterQueue)),
		outbox.WithMetrics(relayMetrics),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
	)
	cleanup := idempotency.NewCleanupWorker(rt.idempotencyRepo,
		idempotency.WithLogger(logger.WithField("layer", "idempotency-cleanup")),
		idempotency.WithMetrics(relayMetrics),
		idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
		idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		worker.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		cleanup.Run(ctx)
	}()

	logger.Info("outbox relay started")
	<-ctx.Done()
	wg.Wait()
	logger.Info("outbox relay stopped")
	return ctx.Err()
}
