package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/marketplace/internal/service/outbox"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func deadLetterValue(t *testing.T) []byte {
	t.Helper()
	raw, err := json.Marshal(kafka.DeadLetter{
		OriginalTopic: kafka.TopicNotifications,
		OriginalKey:   "customer-1",
		OriginalValue: `{"user_id":"customer-1","event":"order.paid"}`,
		ErrorMessage:  "handler failed",
	})
	require.NoError(t, err)
	return raw
}

func outboxDeadValue(t *testing.T, aggregate string, withPayload bool) []byte {
	t.Helper()
	record := outbox.DeadLetter{
		OutboxID:      "outbox-1",
		AggregateType: aggregate,
		AggregateID:   aggregate + "-1",
		EventType:     aggregate + ".updated",
		PublishError:  "broker down",
		Attempts:      3,
	}
	if withPayload {
		record.Payload = json.RawMessage(`{"status":"paid"}`)
	}
	inner, err := json.Marshal(record)
	require.NoError(t, err)
	raw, err := json.Marshal(kafka.OutboxEnvelope{
		ID:            "outbox-1",
		AggregateType: aggregate,
		AggregateID:   aggregate + "-1",
		EventType:     aggregate + ".updated",
		Payload:       inner,
	})
	require.NoError(t, err)
	return raw
}

func TestDecodeRecord(t *testing.T) {
	t.Run("consumer dead letter keeps original topic", func(t *testing.T) {
		got, ok, err := decodeRecord(deadLetterValue(t), "", fixedNow)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, kafka.TopicNotifications, got.topic)
		require.Equal(t, "customer-1", got.key)
		require.JSONEq(t, `{"user_id":"customer-1","event":"order.paid"}`, string(got.value))
	})

	t.Run("outbox record routes by aggregate", func(t *testing.T) {
		got, ok, err := decodeRecord(outboxDeadValue(t, domain.AggregatePayment, true), "", fixedNow)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, kafka.TopicPaymentEvents, got.topic)
		require.Equal(t, "payment-1", got.key)
		require.Equal(t, domain.AggregatePayment, got.aggregate)

		var envelope kafka.OutboxEnvelope
		require.NoError(t, json.Unmarshal(got.value, &envelope))
		require.Equal(t, "outbox-1", envelope.ID)
		require.Equal(t, "payment.updated", envelope.EventType)
		require.JSONEq(t, `{"status":"paid"}`, string(envelope.Payload))
		require.True(t, envelope.PublishedAt.Equal(fixedNow))
	})

	t.Run("override wins", func(t *testing.T) {
		got, ok, err := decodeRecord(outboxDeadValue(t, domain.AggregateReturn, true), "manual.topic", fixedNow)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "manual.topic", got.topic)
	})

	t.Run("outbox record without original event", func(t *testing.T) {
		_, ok, err := decodeRecord(outboxDeadValue(t, domain.AggregateOrder, false), "", fixedNow)
		require.Error(t, err)
		require.False(t, ok)
	})

	t.Run("unknown payload is skipped", func(t *testing.T) {
		_, ok, err := decodeRecord([]byte("not json"), "", fixedNow)
		require.NoError(t, err)
		require.False(t, ok)
	})
}

func TestParseOptions(t *testing.T) {
	env := func(values map[string]string) func(string) (string, bool) {
		return func(k string) (string, bool) {
			v, ok := values[k]
			return v, ok
		}
	}

	opts, err := parseOptions(flag.NewFlagSet("t", flag.ContinueOnError), []string{
		"-execute", "-limit=5", "-aggregate= Payment ", "-topic=x",
	}, env(map[string]string{"KAFKA_BROKERS": "k1:9092, ,k2:9092"}))
	require.NoError(t, err)
	require.Equal(t, []string{"k1:9092", "k2:9092"}, opts.brokers)
	require.True(t, opts.execute)
	require.Equal(t, 5, opts.limit)
	require.Equal(t, "payment", opts.aggregate)
	require.Equal(t, "x", opts.topic)
	require.Equal(t, kafka.TopicDeadLetterQueue, opts.sourceTopic)

	fs := flag.NewFlagSet("t", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	_, err = parseOptions(fs, []string{"-limit=0", "-idle-timeout=0s", "-source-topic= "}, env(nil))
	require.ErrorContains(t, err, "kafka brokers are required")
	require.ErrorContains(t, err, "limit must be > 0")
	require.ErrorContains(t, err, "idle-timeout must be > 0")
	require.ErrorContains(t, err, "source-topic is required")
}

func TestReplayer_DryRunAndExecute(t *testing.T) {
	records := func() []*sarama.ConsumerMessage {
		return []*sarama.ConsumerMessage{
			{Partition: 0, Offset: 0, Value: deadLetterValue(t)},
			{Partition: 0, Offset: 1, Value: outboxDeadValue(t, domain.AggregateOrder, true)},
			{Partition: 0, Offset: 2, Value: []byte("garbage")},
		}
	}

	t.Run("dry-run publishes nothing", func(t *testing.T) {
		producer := &stubProducer{}
		r := newTestReplayer(options{limit: 10, idleTimeout: time.Second}, records(), producer)

		stats, err := r.Run(context.Background())
		require.NoError(t, err)
		require.Equal(t, replayStats{scanned: 3, replayed: 2, skipped: 1}, stats)
		require.Empty(t, producer.sent)
	})

	t.Run("execute publishes with headers", func(t *testing.T) {
		producer := &stubProducer{}
		r := newTestReplayer(options{limit: 10, idleTimeout: time.Second, execute: true}, records(), producer)

		stats, err := r.Run(context.Background())
		require.NoError(t, err)
		require.Equal(t, 2, stats.replayed)
		require.Len(t, producer.sent, 2)
		require.Equal(t, kafka.TopicNotifications, producer.sent[0].Topic)
		require.Equal(t, kafka.TopicOrderEvents, producer.sent[1].Topic)

		headers := map[string]string{}
		for _, h := range producer.sent[1].Headers {
			headers[string(h.Key)] = string(h.Value)
		}
		require.Equal(t, "order.updated", headers[kafka.HeaderEventType])
		require.Equal(t, "0", headers[kafka.HeaderRetryCount])
	})

	t.Run("aggregate filter", func(t *testing.T) {
		producer := &stubProducer{}
		r := newTestReplayer(options{limit: 10, idleTimeout: time.Second, execute: true, aggregate: domain.AggregatePayment}, records(), producer)

		stats, err := r.Run(context.Background())
		require.NoError(t, err)
		require.Equal(t, 0, stats.replayed)
		require.Empty(t, producer.sent)
	})

	t.Run("limit stops scan", func(t *testing.T) {
		r := newTestReplayer(options{limit: 1, idleTimeout: time.Second}, records(), nil)

		stats, err := r.Run(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, stats.scanned)
	})

	t.Run("producer failure aborts", func(t *testing.T) {
		producer := &stubProducer{err: errors.New("broker down")}
		r := newTestReplayer(options{limit: 10, idleTimeout: time.Second, execute: true}, records(), producer)

		_, err := r.Run(context.Background())
		require.ErrorContains(t, err, "broker down")
	})

	t.Run("execute requires producer", func(t *testing.T) {
		r := newTestReplayer(options{limit: 10, idleTimeout: time.Second, execute: true}, records(), nil)
		r.producer = nil

		_, err := r.Run(context.Background())
		require.ErrorContains(t, err, "producer is required")
	})
}

func TestReplayer_IdleTimeout(t *testing.T) {
	pc := &stubPartitionConsumer{
		messages: make(chan *sarama.ConsumerMessage),
		errors:   make(chan *sarama.ConsumerError),
	}
	r := &replayer{
		opts:   options{sourceTopic: kafka.TopicDeadLetterQueue, limit: 10, idleTimeout: 20 * time.Millisecond},
		client: &stubOffsets{newest: 5},
		source: &stubSource{pc: pc},
		logger: log.WithField("test", "dlq"),
		now:    func() time.Time { return fixedNow },
	}

	stats, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, stats.scanned)
}

func TestFailExits(t *testing.T) {
	if os.Getenv("DLQ_REPLAY_FAIL_EXIT") == "1" {
		fail("forced failure %d", 42)
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=TestFailExits")
	cmd.Env = append(os.Environ(), "DLQ_REPLAY_FAIL_EXIT=1")
	err := cmd.Run()
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitCode() == 0 {
		t.Fatalf("expected non-zero exit code, got %v", err)
	}
}

func newTestReplayer(opts options, records []*sarama.ConsumerMessage, producer *stubProducer) *replayer {
	opts.sourceTopic = kafka.TopicDeadLetterQueue
	messages := make(chan *sarama.ConsumerMessage, len(records))
	for _, m := range records {
		messages <- m
	}
	close(messages)

	r := &replayer{
		opts:   opts,
		client: &stubOffsets{newest: int64(len(records))},
		source: &stubSource{pc: &stubPartitionConsumer{messages: messages, errors: make(chan *sarama.ConsumerError)}},
		logger: log.WithField("test", "dlq"),
		now:    func() time.Time { return fixedNow },
	}
	if producer != nil {
		r.producer = producer
	}
	return r
}

type stubOffsets struct {
	newest int64
}

func (s *stubOffsets) GetOffset(_ string, _ int32, marker int64) (int64, error) {
	if marker == sarama.OffsetNewest {
		return s.newest, nil
	}
	return 0, nil
}

func (s *stubOffsets) Partitions(string) ([]int32, error) { return []int32{0}, nil }
func (s *stubOffsets) Close() error                       { return nil }

type stubSource struct {
	pc *stubPartitionConsumer
}

func (s *stubSource) ConsumePartition(string, int32, int64) (partitionConsumer, error) {
	return s.pc, nil
}

func (s *stubSource) Close() error { return nil }

type stubPartitionConsumer struct {
	messages chan *sarama.ConsumerMessage
	errors   chan *sarama.ConsumerError
}

func (s *stubPartitionConsumer) Messages() <-chan *sarama.ConsumerMessage { return s.messages }
func (s *stubPartitionConsumer) Errors() <-chan *sarama.ConsumerError     { return s.errors }
func (s *stubPartitionConsumer) Close() error                             { return nil }

type stubProducer struct {
	sent []*sarama.ProducerMessage
	err  error
}

func (s *stubProducer) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	if s.err != nil {
		return 0, 0, s.err
	}
	s.sent = append(s.sent, msg)
	return 0, int64(len(s.sent)), nil
}

func (s *stubProducer) Close() error { return nil }
