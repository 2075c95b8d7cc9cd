package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/marketplace/internal/messaging/kafka"
)

type recordingNotifier struct {
	events []string
}

func (r *recordingNotifier) Notify(_ context.Context, userID, event string, _ any) {
	r.events = append(r.events, userID+":"+event)
}

type failingPublisher struct{ calls int }

func (f *failingPublisher) PublishEventWithHeaders(string, string, any, map[string]string) error {
	f.calls++
	return errors.New("broker down")
}

func TestKafkaNotifier_PublishesNotificationEvent(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		require.Equal(t, kafka.TopicNotifications, msg.Topic)
		value, err := msg.Value.Encode()
		require.NoError(t, err)

		var event kafka.NotificationEvent
		require.NoError(t, json.Unmarshal(value, &event))
		require.Equal(t, "vendor-1", event.UserID)
		require.Equal(t, "return.created", event.Event)
		require.JSONEq(t, `{"return_id":"r-1"}`, string(event.Payload))
		return nil
	})

	notifier := NewKafkaNotifier(kafka.NewProducerWithClient(mockProducer, nil), "", nil)
	notifier.Notify(context.Background(), "vendor-1", "return.created", map[string]string{"return_id": "r-1"})
	require.NoError(t, mockProducer.Close())
}

func TestKafkaNotifier_SwallowsPublishErrors(t *testing.T) {
	publisher := &failingPublisher{}
	notifier := NewKafkaNotifier(publisher, "custom", nil)

	notifier.Notify(context.Background(), "user-1", "order.created", nil)
	notifier.Notify(context.Background(), "user-1", "bad-payload", make(chan int))

	require.Equal(t, 1, publisher.calls)
}

func TestKafkaHandler_FeedsRegistry(t *testing.T) {
	registry := NewRegistry(2, nil)
	defer registry.Close()
	ch, unsubscribe, err := registry.Subscribe("user-1")
	require.NoError(t, err)
	defer unsubscribe()

	handler := NewKafkaHandler(registry)
	err = handler(context.Background(), &sarama.ConsumerMessage{
		Value: []byte(`{"user_id":"user-1","event":"payment.succeeded","payload":{"order_id":"o-1"}}`),
	})
	require.NoError(t, err)

	select {
	case got := <-ch:
		require.Equal(t, "payment.succeeded", got.Event)
		raw, ok := got.Payload.(json.RawMessage)
		require.True(t, ok)
		require.JSONEq(t, `{"order_id":"o-1"}`, string(raw))
	case <-time.After(time.Second):
		t.Fatal("notification was not delivered")
	}

	require.Error(t, handler(context.Background(), &sarama.ConsumerMessage{Value: []byte("not-json")}))
}

func TestFanout(t *testing.T) {
	first := &recordingNotifier{}
	second := &recordingNotifier{}

	Fanout{first, nil, second, Nop{}}.Notify(context.Background(), "user-1", "order.created", nil)

	require.Equal(t, []string{"user-1:order.created"}, first.events)
	require.Equal(t, []string{"user-1:order.created"}, second.events)
}
