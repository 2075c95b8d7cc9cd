package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

const (
	outboxLease        = time.Minute
	defaultOutboxBatch = 100
)

type outboxEntry struct {
	msg         domain.OutboxMessage
	enqueuedAt  time.Time
	leasedUntil time.Time
}

// OutboxRepository держит очередь outbox в памяти. Как и PostgreSQL-версия,
// PullPending выдаёт сообщения под lease: до его истечения повторный PullPending
// их не вернёт. MarkSent и MarkFailed снимают сообщение с очереди.
type OutboxRepository struct {
	mu      sync.Mutex
	queue   []string // pending-сообщения в порядке постановки
	entries map[string]*outboxEntry
	now     func() time.Time
}

func NewOutboxRepository() *OutboxRepository {
	return &OutboxRepository{
		entries: make(map[string]*outboxEntry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (r *OutboxRepository) Enqueue(_ context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if _, dup := r.entries[msg.ID]; dup {
		return domain.OutboxMessage{}, fmt.Errorf("outbox message %s already enqueued", msg.ID)
	}
	msg.Payload = slices.Clone(msg.Payload)
	r.entries[msg.ID] = &outboxEntry{msg: msg, enqueuedAt: r.now()}
	r.queue = append(r.queue, msg.ID)
	return msg, nil
}

// PullPending отдаёт до limit свободных от lease сообщений, старые первыми.
func (r *OutboxRepository) PullPending(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = defaultOutboxBatch
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var batch []domain.OutboxMessage
	for _, id := range r.queue {
		if len(batch) == limit {
			break
		}
		e := r.entries[id]
		if e.leasedUntil.After(now) {
			continue
		}
		e.leasedUntil = now.Add(outboxLease)
		batch = append(batch, e.msg)
	}
	return batch, nil
}

func (r *OutboxRepository) Stats(_ context.Context) (domain.OutboxStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := domain.OutboxStats{PendingCount: len(r.queue)}
	if len(r.queue) > 0 {
		stats.OldestPendingAt = r.entries[r.queue[0]].enqueuedAt
	}
	return stats, nil
}

func (r *OutboxRepository) MarkSent(_ context.Context, id string) error {
	return r.settle(id)
}

func (r *OutboxRepository) MarkFailed(_ context.Context, id string) error {
	return r.settle(id)
}

// Повторная отметка уже снятого сообщения не ошибка.
func (r *OutboxRepository) settle(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id]; !ok {
		return fmt.Errorf("outbox message %s not found: %w", id, domain.ErrOutboxPublish)
	}
	r.queue = slices.DeleteFunc(r.queue, func(queued string) bool { return queued == id })
	return nil
}

// AllPending возвращает копию очереди вместе с сообщениями под lease.
func (r *OutboxRepository) AllPending() []domain.OutboxMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.OutboxMessage, 0, len(r.queue))
	for _, id := range r.queue {
		out = append(out, r.entries[id].msg)
	}
	return out
}

var _ domain.OutboxRepository = (*OutboxRepository)(nil)
