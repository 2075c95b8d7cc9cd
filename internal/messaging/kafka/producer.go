package kafka

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

const defaultClientID = "marketplace"

// Message это запись для Kafka. Value сериализуется в JSON.
type Message struct {
	Topic   string
	Key     string
	Value   any
	Headers map[string]string
}

// Producer отправляет JSON-сообщения через синхронный sarama producer.
type Producer struct {
	client sarama.SyncProducer
	logger *log.Entry
	now    func() time.Time
}

// ProducerConfig возвращает настройки идемпотентного producer'а: acks=all,
// один запрос в полёте на брокер и сжатие snappy.
func ProducerConfig(clientID string) *sarama.Config {
	if clientID == "" {
		clientID = defaultClientID
	}
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Return.Successes = true
	cfg.Producer.Compression = sarama.CompressionSnappy
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	return cfg
}

func NewProducer(brokers []string, logger *log.Entry) (*Producer, error) {
	client, err := sarama.NewSyncProducer(brokers, ProducerConfig(defaultClientID))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return NewProducerWithClient(client, logger), nil
}

// NewProducerWithClient оборачивает готовый SyncProducer, например sarama/mocks.
func NewProducerWithClient(client sarama.SyncProducer, logger *log.Entry) *Producer {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Producer{
		client: client,
		logger: logger.WithField("component", "kafka-producer"),
		now:    time.Now,
	}
}

// Send сериализует и отправляет сообщение, дожидаясь подтверждения брокера.
func (p *Producer) Send(msg Message) (int32, int64, error) {
	value, err := json.Marshal(msg.Value)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	record := &sarama.ProducerMessage{
		Topic:     msg.Topic,
		Key:       sarama.StringEncoder(msg.Key),
		Value:     sarama.ByteEncoder(value),
		Headers:   recordHeaders(msg.Headers),
		Timestamp: p.now(),
	}

	entry := p.logger.WithFields(log.Fields{"topic": msg.Topic, "key": msg.Key})
	partition, offset, err := p.client.SendMessage(record)
	if err != nil {
		entry.WithError(err).Error("failed to send message to kafka")
		return 0, 0, fmt.Errorf("failed to send message: %w", err)
	}
	entry.WithFields(log.Fields{"partition": partition, "offset": offset}).Debug("message sent to kafka")
	return partition, offset, nil
}

// PublishEventWithHeaders отправляет событие и отбрасывает позицию в логе.
func (p *Producer) PublishEventWithHeaders(topic, key string, event any, headers map[string]string) error {
	_, _, err := p.Send(Message{Topic: topic, Key: key, Value: event, Headers: headers})
	return err
}

func (p *Producer) Close() error {
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("failed to close kafka producer: %w", err)
	}
	return nil
}

func recordHeaders(headers map[string]string) []sarama.RecordHeader {
	if len(headers) == 0 {
		return nil
	}
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]sarama.RecordHeader, 0, len(names))
	for _, name := range names {
		out = append(out, sarama.RecordHeader{Key: []byte(name), Value: []byte(headers[name])})
	}
	return out
}
