package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/storage/memory"
)

func TestTimelineRepository_OrdersByOccurred(t *testing.T) {
	repo := memory.NewTimelineRepository()
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	for _, e := range []domain.TimelineEvent{
		{OrderID: "order-1", Type: domain.TimelinePaymentSucceeded, Occurred: base.Add(2 * time.Second)},
		{OrderID: "order-1", Type: domain.TimelineOrderCreated, Actor: "customer-1", Occurred: base},
		{OrderID: "order-2", Type: domain.TimelineOrderCreated, Occurred: base},
		{OrderID: "order-1", Type: domain.TimelineCheckoutStarted, Reason: "txn-1", Occurred: base.Add(time.Second)},
		{OrderID: "order-1", Type: domain.TimelineStatusChanged, Reason: "paid", Occurred: base.Add(2 * time.Second)},
	} {
		require.NoError(t, repo.Append(ctx, e))
	}

	got, err := repo.List(ctx, "order-1")
	require.NoError(t, err)

	types := make([]string, 0, len(got))
	for _, e := range got {
		types = append(types, e.Type)
	}
	require.Equal(t, []string{
		domain.TimelineOrderCreated,
		domain.TimelineCheckoutStarted,
		domain.TimelinePaymentSucceeded,
		domain.TimelineStatusChanged,
	}, types)
	require.Equal(t, "customer-1", got[0].Actor)

	got[0].Type = "mutated"
	again, err := repo.List(ctx, "order-1")
	require.NoError(t, err)
	require.Equal(t, domain.TimelineOrderCreated, again[0].Type)

	empty, err := repo.List(ctx, "missing")
	require.NoError(t, err)
	require.Empty(t, empty)
}
