package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

func TestRegistry_DeliversToAllUserChannels(t *testing.T) {
	registry := NewRegistry(4, nil)
	defer registry.Close()

	first, unsubscribeFirst, err := registry.Subscribe("user-1")
	require.NoError(t, err)
	defer unsubscribeFirst()
	second, unsubscribeSecond, err := registry.Subscribe("user-1")
	require.NoError(t, err)
	defer unsubscribeSecond()
	other, unsubscribeOther, err := registry.Subscribe("user-2")
	require.NoError(t, err)
	defer unsubscribeOther()

	require.Equal(t, 2, registry.Subscribers("user-1"))

	registry.Notify(context.Background(), "user-1", domain.EventOrderCreated, map[string]string{"order_id": "o-1"})

	for _, ch := range []<-chan Delivery{first, second} {
		select {
		case got := <-ch:
			require.Equal(t, domain.EventOrderCreated, got.Event)
			require.Equal(t, "user-1", got.UserID)
			require.False(t, got.At.IsZero())
		case <-time.After(time.Second):
			t.Fatal("notification was not delivered")
		}
	}
	require.Empty(t, other)
}

func TestRegistry_UnsubscribeClosesChannel(t *testing.T) {
	registry := NewRegistry(1, nil)
	defer registry.Close()

	ch, unsubscribe, err := registry.Subscribe("user-1")
	require.NoError(t, err)
	unsubscribe()
	unsubscribe()

	_, open := <-ch
	require.False(t, open)
	require.Zero(t, registry.Subscribers("user-1"))

	registry.Notify(context.Background(), "user-1", "ignored", nil)
}

func TestRegistry_FullChannelDropsWithoutBlocking(t *testing.T) {
	registry := NewRegistry(1, nil)
	defer registry.Close()

	ch, unsubscribe, err := registry.Subscribe("user-1")
	require.NoError(t, err)
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			registry.Notify(context.Background(), "user-1", "tick", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("notify blocked on a full channel")
	}
	require.Len(t, ch, 1)
	require.Equal(t, 0, (<-ch).Payload)
}

func TestRegistry_CloseLifecycle(t *testing.T) {
	registry := NewRegistry(0, nil)

	ch, unsubscribe, err := registry.Subscribe("user-1")
	require.NoError(t, err)

	registry.Close()
	registry.Close()

	_, open := <-ch
	require.False(t, open)
	unsubscribe()

	_, _, err = registry.Subscribe("user-1")
	require.ErrorIs(t, err, ErrRegistryClosed)

	registry.Notify(context.Background(), "user-1", "after-close", nil)

	_, _, err = NewRegistry(1, nil).Subscribe("")
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestRegistry_ConcurrentNotifyAndUnsubscribe(t *testing.T) {
	registry := NewRegistry(8, nil)
	defer registry.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		ch, unsubscribe, err := registry.Subscribe("user-1")
		require.NoError(t, err)

		wg.Add(2)
		go func() {
			defer wg.Done()
			for range ch {
			}
		}()
		go func() {
			defer wg.Done()
			registry.Notify(context.Background(), "user-1", "tick", nil)
			unsubscribe()
		}()
	}
	wg.Wait()
	require.Zero(t, registry.Subscribers("user-1"))
}
