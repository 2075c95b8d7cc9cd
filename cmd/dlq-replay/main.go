// Команда dlq-replay возвращает сообщения из marketplace.dlq в рабочие topics.
//
// В DLQ попадают два вида записей: письма consumer'а уведомлений
// (kafka.DeadLetter) и outbox-события, которые relay не смог опубликовать.
// По умолчанию команда работает в режиме dry-run и только печатает кандидатов.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/marketplace/internal/service/outbox"
)

const (
	defaultLimit       = 100
	defaultIdleTimeout = 2 * time.Second
)

type options struct {
	brokers     []string
	sourceTopic string
	topic       string // пусто: topic из самой записи
	aggregate   string // пусто: без фильтра
	limit       int
	execute     bool
	fromNewest  bool
	idleTimeout time.Duration
}

type replayMessage struct {
	topic     string
	key       string
	value     []byte
	eventType string
	aggregate string
}

type offsetClient interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
	Close() error
}

type partitionConsumer interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error)
	Close() error
}

type syncProducer interface {
	SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error)
	Close() error
}

type saramaSource struct{ consumer sarama.Consumer }

func (s saramaSource) ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error) {
	return s.consumer.ConsumePartition(topic, partition, offset)
}

func (s saramaSource) Close() error { return s.consumer.Close() }

// replayer сканирует партиции DLQ и переотправляет подходящие записи.
type replayer struct {
	opts     options
	client   offsetClient
	source   partitionSource
	producer syncProducer
	logger   *log.Entry
	now      func() time.Time
}

type replayStats struct {
	scanned  int
	replayed int
	skipped  int
}

func (s *replayStats) add(other replayStats) {
	s.scanned += other.scanned
	s.replayed += other.replayed
	s.skipped += other.skipped
}

var dialKafka = func(opts options) (offsetClient, partitionSource, syncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Consumer.Return.Errors = true

	client, err := sarama.NewClient(opts.brokers, cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create kafka client: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	if !opts.execute {
		return client, saramaSource{consumer: consumer}, nil, nil
	}

	producer, err := sarama.NewSyncProducer(opts.brokers, kafka.ProducerConfig("marketplace-dlq-replay"))
	if err != nil {
		_ = consumer.Close()
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return client, saramaSource{consumer: consumer}, producer, nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	opts, err := parseOptions(flag.CommandLine, os.Args[1:], os.LookupEnv)
	if err != nil {
		fail("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil && !errors.Is(err, context.Canceled) {
		fail("dlq replay failed: %v", err)
	}
}

func parseOptions(fs *flag.FlagSet, args []string, lookup func(string) (string, bool)) (options, error) {
	var (
		brokers string
		opts    options
	)
	fs.StringVar(&brokers, "brokers", "", "Kafka brokers, comma-separated (fallback: KAFKA_BROKERS)")
	fs.StringVar(&opts.sourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "DLQ topic to scan")
	fs.StringVar(&opts.topic, "topic", "", "force target topic (default: original topic or aggregate topic)")
	fs.StringVar(&opts.aggregate, "aggregate", "", "replay only outbox events of this aggregate type (order|payment|return|coupon)")
	fs.IntVar(&opts.limit, "limit", defaultLimit, "max number of DLQ records to scan")
	fs.BoolVar(&opts.execute, "execute", false, "publish records; default is dry-run")
	fs.BoolVar(&opts.fromNewest, "from-newest", false, "scan the newest records first")
	fs.DurationVar(&opts.idleTimeout, "idle-timeout", defaultIdleTimeout, "idle timeout per partition")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	if strings.TrimSpace(brokers) == "" {
		brokers, _ = lookup("KAFKA_BROKERS")
	}
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			opts.brokers = append(opts.brokers, b)
		}
	}
	opts.sourceTopic = strings.TrimSpace(opts.sourceTopic)
	opts.topic = strings.TrimSpace(opts.topic)
	opts.aggregate = strings.ToLower(strings.TrimSpace(opts.aggregate))

	var errs []error
	if len(opts.brokers) == 0 {
		errs = append(errs, errors.New("kafka brokers are required (-brokers or KAFKA_BROKERS)"))
	}
	if opts.sourceTopic == "" {
		errs = append(errs, errors.New("source-topic is required"))
	}
	if opts.limit <= 0 {
		errs = append(errs, errors.New("limit must be > 0"))
	}
	if opts.idleTimeout <= 0 {
		errs = append(errs, errors.New("idle-timeout must be > 0"))
	}
	return opts, errors.Join(errs...)
}

func run(ctx context.Context, opts options) error {
	client, source, producer, err := dialKafka(opts)
	if err != nil {
		return err
	}
	defer func() {
		if producer != nil {
			_ = producer.Close()
		}
		_ = source.Close()
		_ = client.Close()
	}()

	r := &replayer{
		opts:     opts,
		client:   client,
		source:   source,
		producer: producer,
		logger:   log.WithField("component", "dlq-replay"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	_, err = r.Run(ctx)
	return err
}

// Run обходит партиции по возрастанию номера, пока не наберёт opts.limit записей.
func (r *replayer) Run(ctx context.Context) (replayStats, error) {
	var total replayStats
	if r.client == nil || r.source == nil {
		return total, errors.New("kafka client and consumer are required")
	}
	if r.opts.execute && r.producer == nil {
		return total, errors.New("producer is required in execute mode")
	}

	partitions, err := r.client.Partitions(r.opts.sourceTopic)
	if err != nil {
		return total, fmt.Errorf("list partitions of %s: %w", r.opts.sourceTopic, err)
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	for _, p := range partitions {
		remaining := r.opts.limit - total.scanned
		if remaining <= 0 {
			break
		}
		stats, err := r.scanPartition(ctx, p, remaining)
		total.add(stats)
		if err != nil {
			return total, err
		}
	}

	mode := "dry-run"
	if r.opts.execute {
		mode = "execute"
	}
	r.logger.WithFields(log.Fields{
		"mode":     mode,
		"scanned":  total.scanned,
		"replayed": total.replayed,
		"skipped":  total.skipped,
	}).Info("dlq replay finished")
	return total, nil
}

func (r *replayer) scanPartition(ctx context.Context, partition int32, limit int) (replayStats, error) {
	var stats replayStats

	oldest, err := r.client.GetOffset(r.opts.sourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return stats, fmt.Errorf("oldest offset of partition %d: %w", partition, err)
	}
	newest, err := r.client.GetOffset(r.opts.sourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return stats, fmt.Errorf("newest offset of partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return stats, nil
	}

	start := oldest
	if r.opts.fromNewest {
		start = max(newest-int64(limit), oldest)
	}

	pc, err := r.source.ConsumePartition(r.opts.sourceTopic, partition, start)
	if err != nil {
		return stats, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	idle := time.NewTimer(r.opts.idleTimeout)
	defer idle.Stop()

	for stats.scanned < limit {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case <-idle.C:
			return stats, nil
		case cerr := <-pc.Errors():
			if cerr != nil {
				return stats, fmt.Errorf("partition %d: %w", partition, cerr)
			}
		case msg, ok := <-pc.Messages():
			if !ok || msg == nil || msg.Offset >= newest {
				return stats, nil
			}
			idle.Reset(r.opts.idleTimeout)

			stats.scanned++
			replayed, err := r.handle(msg)
			if err != nil {
				return stats, err
			}
			if replayed {
				stats.replayed++
			} else {
				stats.skipped++
			}
			if msg.Offset+1 >= newest {
				return stats, nil
			}
		}
	}
	return stats, nil
}

func (r *replayer) handle(msg *sarama.ConsumerMessage) (bool, error) {
	fields := log.Fields{"partition": msg.Partition, "offset": msg.Offset}

	replay, ok, err := decodeRecord(msg.Value, r.opts.topic, r.now())
	if err != nil {
		r.logger.WithError(err).WithFields(fields).Warn("skip malformed dlq record")
		return false, nil
	}
	if !ok {
		return false, nil
	}
	if r.opts.aggregate != "" && replay.aggregate != r.opts.aggregate {
		return false, nil
	}

	fields["target_topic"] = replay.topic
	fields["key"] = replay.key
	fields["event_type"] = replay.eventType
	if !r.opts.execute {
		r.logger.WithFields(fields).Info("dlq replay candidate")
		return true, nil
	}
	if _, _, err := r.producer.SendMessage(replay.producerMessage(r.now())); err != nil {
		return false, fmt.Errorf("publish replay to %s: %w", replay.topic, err)
	}
	r.logger.WithFields(fields).Debug("dlq record replayed")
	return true, nil
}

// decodeRecord разбирает запись DLQ. ok=false означает запись,
// которую нечего переигрывать.
func decodeRecord(value []byte, topicOverride string, now time.Time) (replayMessage, bool, error) {
	var letter kafka.DeadLetter
	if err := json.Unmarshal(value, &letter); err == nil && letter.OriginalValue != "" {
		topic := firstNonEmpty(topicOverride, letter.OriginalTopic)
		if topic == "" {
			return replayMessage{}, false, errors.New("dead letter has no original topic")
		}
		return replayMessage{
			topic: topic,
			key:   letter.OriginalKey,
			value: []byte(letter.OriginalValue),
		}, true, nil
	}

	var envelope kafka.OutboxEnvelope
	if err := json.Unmarshal(value, &envelope); err != nil || len(envelope.Payload) == 0 {
		return replayMessage{}, false, nil
	}
	var dead outbox.DeadLetter
	if err := json.Unmarshal(envelope.Payload, &dead); err != nil {
		return replayMessage{}, false, fmt.Errorf("decode outbox dlq payload: %w", err)
	}
	if len(dead.Payload) == 0 || string(dead.Payload) == "null" {
		return replayMessage{}, false, errors.New("outbox dlq payload has no original event")
	}

	restored := kafka.OutboxEnvelope{
		ID:            firstNonEmpty(dead.OutboxID, envelope.ID),
		AggregateType: firstNonEmpty(dead.AggregateType, envelope.AggregateType),
		AggregateID:   firstNonEmpty(dead.AggregateID, envelope.AggregateID),
		EventType:     firstNonEmpty(dead.EventType, envelope.EventType),
		Payload:       dead.Payload,
		PublishedAt:   now,
	}
	encoded, err := json.Marshal(restored)
	if err != nil {
		return replayMessage{}, false, fmt.Errorf("encode replay envelope: %w", err)
	}

	return replayMessage{
		topic:     firstNonEmpty(topicOverride, kafka.TopicForAggregate(restored.AggregateType)),
		key:       firstNonEmpty(restored.AggregateID, restored.ID),
		value:     encoded,
		eventType: restored.EventType,
		aggregate: restored.AggregateType,
	}, true, nil
}

func (m replayMessage) producerMessage(now time.Time) *sarama.ProducerMessage {
	headers := []sarama.RecordHeader{{Key: []byte(kafka.HeaderRetryCount), Value: []byte(strconv.Itoa(0))}}
	if m.eventType != "" {
		headers = append(headers, sarama.RecordHeader{Key: []byte(kafka.HeaderEventType), Value: []byte(m.eventType)})
	}
	if m.aggregate != "" {
		headers = append(headers, sarama.RecordHeader{Key: []byte(kafka.HeaderAggregateType), Value: []byte(m.aggregate)})
	}
	return &sarama.ProducerMessage{
		Topic:     m.topic,
		Key:       sarama.StringEncoder(m.key),
		Value:     sarama.ByteEncoder(m.value),
		Headers:   headers,
		Timestamp: now,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
