package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/app"
	"github.com/vladislavdragonenkov/marketplace/internal/version"
)

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.LookupEnv); err != nil {
		log.WithError(err).Fatal("outbox relay завершился с ошибкой")
	}
	log.Info("outbox relay остановлен")
}

// run поднимает ретранслятор outbox → Kafka и очистку ключей идемпотентности.
func run(ctx context.Context, lookup app.EnvLookup) error {
	cfg, warnings := app.ConfigFromEnv(lookup)
	for _, w := range warnings {
		log.Warn(w)
	}

	log.WithFields(version.Fields()).WithFields(log.Fields{
		"kafka_brokers":  cfg.KafkaBrokers,
		"storage_driver": cfg.StorageDriver,
		"poll_interval":  cfg.OutboxPollInterval,
		"batch_size":     cfg.OutboxBatchSize,
	}).Info("запускаем outbox relay")

	err := app.RunRelay(ctx, cfg)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
