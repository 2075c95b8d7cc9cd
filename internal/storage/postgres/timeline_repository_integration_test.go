package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

func TestTimelineRepository_PostgresAppendAndList(t *testing.T) {
	store := integrationStore(t)
	repo := NewTimelineRepository(store)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute).Round(time.Microsecond)
	events := []domain.TimelineEvent{
		{OrderID: "order-1", Type: domain.TimelineOrderCreated, Actor: "customer-1", Occurred: base},
		{OrderID: "order-1", Type: domain.TimelineCheckoutStarted, Reason: "txn-1", Occurred: base.Add(time.Second)},
		{OrderID: "order-2", Type: domain.TimelineOrderCreated, Occurred: base},
		{OrderID: "order-1", Type: domain.TimelinePaymentSucceeded},
	}
	for _, event := range events {
		if err := repo.Append(ctx, event); err != nil {
			t.Fatalf("append timeline event: %v", err)
		}
	}

	got, err := repo.List(ctx, "order-1")
	if err != nil {
		t.Fatalf("list timeline: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	if got[0].Type != domain.TimelineOrderCreated || got[0].Actor != "customer-1" || got[1].Reason != "txn-1" || got[2].Occurred.IsZero() {
		t.Fatalf("unexpected timeline: %+v", got)
	}

	empty, err := repo.List(ctx, "missing")
	if err != nil {
		t.Fatalf("list missing order timeline: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty timeline, got %+v", empty)
	}
}
