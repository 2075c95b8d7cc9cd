package app

import (
	"context"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/marketplace/internal/notify"
)

// initKafkaProducer создаёт producer, если brokers не пустой.
// Возвращает nil, nil при пустом списке брокеров.
func initKafkaProducer(brokers string, logger *log.Entry) (*kafka.Producer, error) {
	brokerList := splitBrokers(brokers)
	if len(brokerList) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(brokerList, logger)
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		return nil, err
	}

	logger.WithField("brokers", brokerList).Info("kafka producer initialized")
	return producer, nil
}

// closeKafka закрывает Kafka producer если он не nil.
func closeKafka(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}

	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		logger.Info("kafka producer closed")
	}
}

// startNotificationConsumer читает общий topic уведомлений и раздаёт их подписчикам
// локального реестра. Каждый инстанс читает весь topic своей группой.
func startNotificationConsumer(ctx context.Context, cfg Config, registry *notify.Registry, dlq *kafka.Producer, logger *log.Entry) (*kafka.Consumer, error) {
	brokers := cfg.kafkaBrokerList()
	if len(brokers) == 0 {
		return nil, nil
	}

	group := cfg.NotificationsGroup
	if group == "" {
		host, _ := os.Hostname()
		group = fmt.Sprintf("marketplace-notify-%s-%d", host, os.Getpid())
	}

	consumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:      brokers,
		GroupID:      group,
		Topics:       []string{kafka.TopicNotifications},
		OffsetNewest: true,
	}, notify.NewKafkaHandler(registry), dlq, logger.WithField("layer", "notify-consumer"))
	if err != nil {
		return nil, err
	}
	if err := consumer.Start(ctx); err != nil {
		return nil, err
	}
	return consumer, nil
}

func stopConsumer(consumer *kafka.Consumer, logger *log.Entry) {
	if consumer == nil {
		return
	}
	if err := consumer.Stop(); err != nil {
		logger.WithError(err).Warn("failed to stop kafka consumer")
	}
}
