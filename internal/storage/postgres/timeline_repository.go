package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

type timelineRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewTimelineRepository — история заказов в таблице timeline_events.
func NewTimelineRepository(store *Store) domain.TimelineRepository {
	return &timelineRepository{db: store.DB(), now: func() time.Time { return time.Now().UTC() }}
}

const (
	insertTimelineSQL = `
		INSERT INTO timeline_events (order_id, type, reason, actor, occurred)
		VALUES ($1, $2, $3, $4, $5)`
	listTimelineSQL = `
		SELECT order_id, type, reason, actor, occurred
		FROM timeline_events
		WHERE order_id = $1
		ORDER BY occurred, id`
)

func (r *timelineRepository) Append(ctx context.Context, event domain.TimelineEvent) error {
	ctx, cancel := opContext(ctx)
	defer cancel()

	occurred := event.Occurred
	if occurred.IsZero() {
		occurred = r.now()
	}
	_, err := r.db.ExecContext(ctx, insertTimelineSQL, event.OrderID, event.Type, event.Reason, event.Actor, occurred)
	if err != nil {
		return fmt.Errorf("append timeline event for order %s: %w", event.OrderID, err)
	}
	return nil
}

func (r *timelineRepository) List(ctx context.Context, orderID string) ([]domain.TimelineEvent, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, listTimelineSQL, orderID)
	if err != nil {
		return nil, fmt.Errorf("list timeline for order %s: %w", orderID, err)
	}
	defer rows.Close()

	var events []domain.TimelineEvent
	for rows.Next() {
		var e domain.TimelineEvent
		if err := rows.Scan(&e.OrderID, &e.Type, &e.Reason, &e.Actor, &e.Occurred); err != nil {
			return nil, fmt.Errorf("scan timeline event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

var _ domain.TimelineRepository = (*timelineRepository)(nil)
