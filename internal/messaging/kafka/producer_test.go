package kafka

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestProducer_SendSortsHeaders(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	producer := NewProducerWithClient(mockProducer, log.WithField("test", "producer"))
	sentAt := time.Date(2026, 4, 11, 9, 30, 0, 0, time.UTC)
	producer.now = func() time.Time { return sentAt }

	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		require.Equal(t, TopicNotifications, msg.Topic)
		key, err := msg.Key.Encode()
		require.NoError(t, err)
		require.Equal(t, "user-1", string(key))
		require.Equal(t, sentAt, msg.Timestamp)
		require.Len(t, msg.Headers, 2)
		require.Equal(t, HeaderAggregateType, string(msg.Headers[0].Key))
		require.Equal(t, HeaderEventType, string(msg.Headers[1].Key))
		return nil
	})

	event, err := NewNotificationEvent("user-1", "order.created", map[string]string{"order_id": "o-1"})
	require.NoError(t, err)
	_, _, err = producer.Send(Message{
		Topic: TopicNotifications,
		Key:   "user-1",
		Value: event,
		Headers: map[string]string{
			HeaderEventType:     event.Event,
			HeaderAggregateType: "notification",
		},
	})
	require.NoError(t, err)
	require.NoError(t, mockProducer.Close())
}

func TestProducer_PublishEventWithHeaders_Error(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	producer := NewProducerWithClient(mockProducer, nil)

	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	err := producer.PublishEventWithHeaders(TopicOrderEvents, "order-123", map[string]string{"id": "order-123"}, nil)
	require.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, mockProducer.Close())
}

func TestProducer_Send_MarshalError(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	producer := NewProducerWithClient(mockProducer, nil)

	_, _, err := producer.Send(Message{Topic: TopicOrderEvents, Key: "k", Value: make(chan int)})
	require.ErrorContains(t, err, "marshal")
	require.NoError(t, mockProducer.Close())
}

func TestProducerConfig(t *testing.T) {
	cfg := ProducerConfig("")
	require.Equal(t, defaultClientID, cfg.ClientID)
	require.True(t, cfg.Producer.Idempotent)
	require.Equal(t, sarama.WaitForAll, cfg.Producer.RequiredAcks)
	require.Equal(t, 1, cfg.Net.MaxOpenRequests)
	require.NoError(t, cfg.Validate())

	require.Equal(t, "relay", ProducerConfig("relay").ClientID)
}

func TestNewNotificationEvent(t *testing.T) {
	event, err := NewNotificationEvent("user-1", "payment.succeeded", map[string]any{"amount": "106.60"})
	require.NoError(t, err)
	require.Equal(t, "user-1", event.UserID)
	require.Equal(t, "payment.succeeded", event.Event)
	require.False(t, event.Timestamp.IsZero())
	require.JSONEq(t, `{"amount":"106.60"}`, string(event.Payload))

	raw, err := json.Marshal(event)
	require.NoError(t, err)
	parsed, err := ParseNotificationEvent(&sarama.ConsumerMessage{Value: raw})
	require.NoError(t, err)
	require.Equal(t, event.Event, parsed.Event)

	empty, err := NewNotificationEvent("user-1", "ping", nil)
	require.NoError(t, err)
	require.Nil(t, empty.Payload)

	_, err = NewNotificationEvent("user-1", "bad", func() {})
	require.Error(t, err)
}

func TestTopicForAggregate(t *testing.T) {
	tests := []struct {
		aggregate string
		want      string
	}{
		{aggregate: "order", want: TopicOrderEvents},
		{aggregate: "payment", want: TopicPaymentEvents},
		{aggregate: "return", want: TopicReturnEvents},
		{aggregate: "coupon", want: TopicCouponEvents},
		{aggregate: "unknown", want: TopicOrderEvents},
	}
	for _, tt := range tests {
		t.Run(tt.aggregate, func(t *testing.T) {
			require.Equal(t, tt.want, TopicForAggregate(tt.aggregate))
		})
	}
}
