package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/app"
	"github.com/vladislavdragonenkov/marketplace/internal/version"
)

const envLogLevel = "MKT_LOG_LEVEL"

// setupLogger настраивает формат и уровень логирования для сервиса.
func setupLogger(lookup app.EnvLookup) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	raw, ok := lookup(envLogLevel)
	if !ok || strings.TrimSpace(raw) == "" {
		return
	}
	level, err := log.ParseLevel(strings.TrimSpace(raw))
	if err != nil {
		log.WithError(err).Warnf("некорректный %s, используем info", envLogLevel)
		return
	}
	log.SetLevel(level)
}

func run(ctx context.Context, lookup app.EnvLookup) error {
	cfg, warnings := app.ConfigFromEnv(lookup)
	for _, w := range warnings {
		log.Warn(w)
	}

	log.WithFields(version.Fields()).WithFields(log.Fields{
		"http_addr":       cfg.HTTPAddr,
		"grpc_addr":       cfg.GRPCAddr,
		"metrics_addr":    cfg.MetricsAddr,
		"storage_driver":  cfg.StorageDriver,
		"payment_gateway": cfg.PaymentGateway,
	}).Info("запускаем marketplace API")

	err := app.Run(ctx, cfg)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func main() {
	setupLogger(os.LookupEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.LookupEnv); err != nil {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("marketplace API остановлен")
}
