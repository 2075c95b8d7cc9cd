package kafka

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = 200 * time.Millisecond
)

// MessageHandler обрабатывает одно сообщение. Ошибка запускает повтор.
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

// ConsumerConfig описывает consumer group.
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topics  []string
	// OffsetNewest: новая группа начинает с конца topic.
	OffsetNewest bool
	MaxRetries   int
	RetryDelay   time.Duration
}

func (cfg ConsumerConfig) saramaConfig() *sarama.Config {
	sc := sarama.NewConfig()
	sc.ClientID = defaultClientID
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	if cfg.OffsetNewest {
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	sc.Consumer.Return.Errors = true
	return sc
}

// DeadLetter это сообщение, которое consumer отправляет в DLQ, когда
// обработчик исчерпал попытки.
type DeadLetter struct {
	OriginalTopic     string    `json:"original_topic"`
	OriginalPartition int32     `json:"original_partition"`
	OriginalOffset    int64     `json:"original_offset"`
	OriginalKey       string    `json:"original_key"`
	OriginalValue     string    `json:"original_value"`
	ErrorMessage      string    `json:"error_message"`
	FailedAt          time.Time `json:"failed_at"`
	RetryCount        int       `json:"retry_count"`
}

type deadLetterSender interface {
	Send(msg Message) (int32, int64, error)
}

// Consumer читает topics группой и повторяет обработку с паузой. Сообщение,
// для которого не удалось ни обработать, ни отправить в DLQ, не коммитится.
type Consumer struct {
	group      sarama.ConsumerGroup
	topics     []string
	handler    MessageHandler
	dlq        deadLetterSender
	logger     *log.Entry
	maxRetries int
	retryDelay time.Duration
	now        func() time.Time
	wg         sync.WaitGroup
}

// NewConsumer подключается к группе. dlq может быть nil.
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, dlq *Producer, logger *log.Entry) (*Consumer, error) {
	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, cfg.saramaConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}

	c := newConsumer(group, cfg, handler, logger.WithFields(log.Fields{"component": "kafka-consumer", "group": cfg.GroupID}))
	if dlq != nil {
		c.dlq = dlq
	}
	return c, nil
}

func newConsumer(group sarama.ConsumerGroup, cfg ConsumerConfig, handler MessageHandler, logger *log.Entry) *Consumer {
	c := &Consumer{
		group:      group,
		topics:     cfg.Topics,
		handler:    handler,
		logger:     logger,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		now:        func() time.Time { return time.Now().UTC() },
	}
	if c.maxRetries <= 0 {
		c.maxRetries = defaultMaxRetries
	}
	switch {
	case c.retryDelay < 0:
		c.retryDelay = 0
	case c.retryDelay == 0:
		c.retryDelay = defaultRetryDelay
	}
	return c
}

// Start запускает чтение в фоне. Consume возвращается при каждом rebalance,
// поэтому вызывается в цикле до отмены ctx.
func (c *Consumer) Start(ctx context.Context) error {
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		for ctx.Err() == nil {
			if err := c.group.Consume(ctx, c.topics, c); err != nil {
				c.logger.WithError(err).Error("error from consumer")
			}
		}
	}()
	go func() {
		defer c.wg.Done()
		for err := range c.group.Errors() {
			c.logger.WithError(err).Error("consumer error")
		}
	}()

	c.logger.WithField("topics", c.topics).Info("kafka consumer started")
	return nil
}

// Stop закрывает группу и ждёт фоновые горутины.
func (c *Consumer) Stop() error {
	if err := c.group.Close(); err != nil {
		return fmt.Errorf("failed to close kafka consumer: %w", err)
	}
	c.wg.Wait()
	c.logger.Info("kafka consumer stopped")
	return nil
}

func (c *Consumer) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim обрабатывает партицию до закрытия канала или конца сессии.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			entry := c.logger.WithFields(log.Fields{
				"topic":     message.Topic,
				"partition": message.Partition,
				"offset":    message.Offset,
			})
			if err := c.process(ctx, message, entry); err != nil {
				entry.WithError(err).Error("message processing failed after all retries")
				continue
			}
			session.MarkMessage(message, "")
		}
	}
}

// process вызывает handler, пока не исчерпан бюджет maxRetries с учётом уже
// сделанных попыток из x-retry-count, и затем отправляет сообщение в DLQ.
func (c *Consumer) process(ctx context.Context, message *sarama.ConsumerMessage, entry *log.Entry) error {
	retries := retryCountOf(message)
	budget := max(c.maxRetries-retries, 1)

	var err error
	for attempt := range budget {
		if attempt > 0 && c.retryDelay > 0 {
			timer := time.NewTimer(c.retryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if err = c.handler(ctx, message); err == nil {
			return nil
		}
		retries++
		entry.WithError(err).WithFields(log.Fields{"retry_count": retries, "max_retries": c.maxRetries}).Warn("message processing failed")
	}

	if c.dlq == nil {
		return err
	}
	if dlqErr := c.sendToDLQ(message, err, retries); dlqErr != nil {
		return fmt.Errorf("failed to send to DLQ: %w", dlqErr)
	}
	entry.WithField("retry_count", retries).Info("message sent to DLQ after max retries")
	return nil
}

func (c *Consumer) sendToDLQ(message *sarama.ConsumerMessage, cause error, retries int) error {
	failedAt := c.now()
	_, _, err := c.dlq.Send(Message{
		Topic: TopicDeadLetterQueue,
		Key:   string(message.Key),
		Value: DeadLetter{
			OriginalTopic:     message.Topic,
			OriginalPartition: message.Partition,
			OriginalOffset:    message.Offset,
			OriginalKey:       string(message.Key),
			OriginalValue:     string(message.Value),
			ErrorMessage:      cause.Error(),
			FailedAt:          failedAt,
			RetryCount:        retries,
		},
		Headers: map[string]string{
			HeaderOriginalTopic: message.Topic,
			HeaderErrorMessage:  cause.Error(),
			HeaderFailedAt:      failedAt.Format(time.RFC3339),
		},
	})
	return err
}

// retryCountOf читает x-retry-count; отсутствующий или битый заголовок даёт 0.
func retryCountOf(message *sarama.ConsumerMessage) int {
	for _, header := range message.Headers {
		if header == nil || string(header.Key) != HeaderRetryCount {
			continue
		}
		if n, err := strconv.Atoi(string(header.Value)); err == nil && n > 0 {
			return n
		}
	}
	return 0
}
