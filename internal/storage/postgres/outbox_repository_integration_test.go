package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

func TestOutboxRepository_PostgresFlow(t *testing.T) {
	store := integrationStore(t)
	repo := NewOutboxRepository(store)
	ctx := context.Background()

	stored1, err := repo.Enqueue(ctx, domain.OutboxMessage{
		AggregateType: domain.AggregateOrder,
		AggregateID:   "order-1",
		EventType:     domain.EventOrderCreated,
		Payload:       []byte(`{"order_id":"order-1"}`),
	})
	if err != nil {
		t.Fatalf("enqueue msg without id: %v", err)
	}
	if stored1.ID == "" {
		t.Fatal("expected generated id for outbox message")
	}

	stored2, err := repo.Enqueue(ctx, domain.OutboxMessage{
		ID:            "outbox-fixed-id",
		AggregateType: domain.AggregatePayment,
		AggregateID:   "txn-1",
		EventType:     domain.EventPaymentSucceeded,
		Payload:       []byte(`{"txn_id":"txn-1"}`),
	})
	if err != nil {
		t.Fatalf("enqueue msg with id: %v", err)
	}
	if stored2.ID != "outbox-fixed-id" {
		t.Fatalf("expected fixed id, got %q", stored2.ID)
	}

	pending, err := repo.PullPending(ctx, 0)
	if err != nil {
		t.Fatalf("pull pending: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != stored1.ID {
		t.Fatalf("unexpected pending batch: %+v", pending)
	}

	// аренда не даёт второму релею получить те же сообщения
	again, err := repo.PullPending(ctx, 10)
	if err != nil {
		t.Fatalf("second pull: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected leased messages to be skipped, got %d", len(again))
	}

	stats, err := repo.Stats(ctx)
	if err != nil {
		t.Fatalf("stats before marks: %v", err)
	}
	if stats.PendingCount != 2 || stats.OldestPendingAt.IsZero() {
		t.Fatalf("unexpected stats before marks: %+v", stats)
	}

	if err := repo.MarkSent(ctx, stored1.ID); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if err := repo.MarkFailed(ctx, stored2.ID); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := repo.MarkSent(ctx, "missing"); !errors.Is(err, domain.ErrOutboxPublish) {
		t.Fatalf("expected ErrOutboxPublish for missing message, got %v", err)
	}

	stats, err = repo.Stats(ctx)
	if err != nil {
		t.Fatalf("stats after marks: %v", err)
	}
	if stats.PendingCount != 0 {
		t.Fatalf("expected no pending messages, got %d", stats.PendingCount)
	}
}

func TestOutboxRepository_PostgresExpiredLeaseIsReissued(t *testing.T) {
	store := integrationStore(t)
	repo := &outboxRepository{db: store.DB(), lease: 50 * time.Millisecond}
	ctx := context.Background()

	msg, err := repo.Enqueue(ctx, domain.OutboxMessage{
		AggregateType: domain.AggregateReturn,
		AggregateID:   "ret-1",
		EventType:     domain.EventReturnCreated,
		Payload:       []byte(`{}`),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if batch, err := repo.PullPending(ctx, 1); err != nil || len(batch) != 1 {
		t.Fatalf("first pull: %v %+v", err, batch)
	}

	time.Sleep(100 * time.Millisecond)

	batch, err := repo.PullPending(ctx, 1)
	if err != nil {
		t.Fatalf("pull after lease expiry: %v", err)
	}
	if len(batch) != 1 || batch[0].ID != msg.ID {
		t.Fatalf("expected message to be reissued, got %+v", batch)
	}
}
