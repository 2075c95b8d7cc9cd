package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

const returnColumns = `
	id, order_id, customer_id, reason, status, refund_amount, items, version, created_at, updated_at`

type returnRepository struct {
	db *sql.DB
}

// NewReturnRepository создаёт PostgreSQL-реализацию ReturnRepository.
func NewReturnRepository(store *Store) domain.ReturnRepository {
	return &returnRepository{db: store.DB()}
}

type returnItemRecord struct {
	OrderItemID string `json:"order_item_id"`
	ProductID   string `json:"product_id"`
	SellerID    string `json:"seller_id"`
	Qty         int32  `json:"qty"`
	Reason      string `json:"reason,omitempty"`
}

// Create сериализует заявки одного заказа блокировкой строки заказа,
// поэтому проверка остатка к возврату и вставка атомарны.
func (r *returnRepository) Create(ctx context.Context, order domain.Order, ret domain.ReturnRequest) error {
	ctx, cancel := opContext(ctx)
	defer cancel()

	records := make([]returnItemRecord, 0, len(ret.Items))
	for _, item := range ret.Items {
		records = append(records, returnItemRecord(item))
	}
	items, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode return items: %w", err)
	}

	return withTx(ctx, r.db, nil, func(tx *sql.Tx) error {
		var locked string
		if err := tx.QueryRowContext(ctx, `SELECT id FROM orders WHERE id = $1 FOR UPDATE`, order.ID).Scan(&locked); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrOrderNotFound
			}
			return fmt.Errorf("lock order: %w", err)
		}

		existing, err := listReturns(ctx, tx, order.ID)
		if err != nil {
			return err
		}
		if err := domain.CheckReturnable(order, existing, ret.Items); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO return_requests (`+returnColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`,
			ret.ID, ret.OrderID, ret.CustomerID, ret.Reason, string(ret.Status), ret.RefundAmount,
			items, ret.Version, ret.CreatedAt, ret.UpdatedAt,
		); err != nil {
			if isUniqueViolation(err) {
				return domain.NewConflictError("return request %s already exists", ret.ID)
			}
			return fmt.Errorf("insert return request: %w", err)
		}

		for _, entry := range ret.History {
			if err := insertHistory(ctx, tx, ret.ID, entry); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *returnRepository) Get(ctx context.Context, id string) (domain.ReturnRequest, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	return getReturn(ctx, r.db, id)
}

func (r *returnRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.ReturnRequest, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	return listReturns(ctx, r.db, orderID)
}

// Transition меняет статус при совпадении статуса и версии и дописывает запись журнала.
func (r *returnRepository) Transition(ctx context.Context, tr domain.ReturnTransition) (domain.ReturnRequest, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	var result domain.ReturnRequest
	err := withTx(ctx, r.db, nil, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE return_requests
			SET status = $1,
			    refund_amount = CASE WHEN $1 = 'refunded' THEN $2 ELSE refund_amount END,
			    version = version + 1,
			    updated_at = $3
			WHERE id = $4
			  AND status = $5
			  AND version = $6
		`, string(tr.To), tr.RefundAmount, tr.Entry.At, tr.ReturnID, string(tr.From), tr.Version)
		if err != nil {
			return fmt.Errorf("update return status: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			current, err := getReturn(ctx, tx, tr.ReturnID)
			if err != nil {
				return err
			}
			result = current
			return domain.ErrReturnVersionConflict
		}

		if err := insertHistory(ctx, tx, tr.ReturnID, tr.Entry); err != nil {
			return err
		}
		result, err = getReturn(ctx, tx, tr.ReturnID)
		return err
	})
	return result, err
}

func insertHistory(ctx context.Context, tx *sql.Tx, returnID string, entry domain.ReturnHistoryEntry) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO return_history (return_id, actor_role, actor_id, action, from_status, to_status, note, at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`,
		returnID, string(entry.ActorRole), entry.ActorID, entry.Action,
		string(entry.From), string(entry.To), entry.Note, entry.At,
	); err != nil {
		return fmt.Errorf("insert return history: %w", err)
	}
	return nil
}

func scanReturn(row rowScanner) (domain.ReturnRequest, error) {
	var (
		ret    domain.ReturnRequest
		status string
		items  []byte
	)
	if err := row.Scan(
		&ret.ID, &ret.OrderID, &ret.CustomerID, &ret.Reason, &status, &ret.RefundAmount,
		&items, &ret.Version, &ret.CreatedAt, &ret.UpdatedAt,
	); err != nil {
		return domain.ReturnRequest{}, err
	}
	ret.Status = domain.ReturnStatus(status)

	var records []returnItemRecord
	if err := json.Unmarshal(items, &records); err != nil {
		return domain.ReturnRequest{}, fmt.Errorf("decode return items for %s: %w", ret.ID, err)
	}
	for _, rec := range records {
		ret.Items = append(ret.Items, domain.ReturnItem(rec))
	}
	return ret, nil
}

func getReturn(ctx context.Context, q querier, id string) (domain.ReturnRequest, error) {
	ret, err := scanReturn(q.QueryRowContext(ctx, `SELECT `+returnColumns+` FROM return_requests WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ReturnRequest{}, domain.ErrReturnNotFound
		}
		return domain.ReturnRequest{}, fmt.Errorf("select return request: %w", err)
	}

	history, err := loadHistory(ctx, q, id)
	if err != nil {
		return domain.ReturnRequest{}, err
	}
	ret.History = history
	return ret, nil
}

func listReturns(ctx context.Context, q querier, orderID string) ([]domain.ReturnRequest, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+returnColumns+`
		FROM return_requests
		WHERE order_id = $1
		ORDER BY created_at ASC, id ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list return requests: %w", err)
	}

	result := make([]domain.ReturnRequest, 0)
	for rows.Next() {
		ret, err := scanReturn(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan return request: %w", err)
		}
		result = append(result, ret)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate return requests: %w", err)
	}
	rows.Close()

	for i := range result {
		history, err := loadHistory(ctx, q, result[i].ID)
		if err != nil {
			return nil, err
		}
		result[i].History = history
	}
	return result, nil
}

func loadHistory(ctx context.Context, q querier, returnID string) ([]domain.ReturnHistoryEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT actor_role, actor_id, action, from_status, to_status, note, at
		FROM return_history
		WHERE return_id = $1
		ORDER BY id ASC
	`, returnID)
	if err != nil {
		return nil, fmt.Errorf("load return history: %w", err)
	}
	defer rows.Close()

	history := make([]domain.ReturnHistoryEntry, 0)
	for rows.Next() {
		var (
			entry          domain.ReturnHistoryEntry
			role, from, to string
		)
		if err := rows.Scan(&role, &entry.ActorID, &entry.Action, &from, &to, &entry.Note, &entry.At); err != nil {
			return nil, fmt.Errorf("scan return history: %w", err)
		}
		entry.ActorRole = domain.Role(role)
		entry.From = domain.ReturnStatus(from)
		entry.To = domain.ReturnStatus(to)
		history = append(history, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate return history: %w", err)
	}
	return history, nil
}

var _ domain.ReturnRepository = (*returnRepository)(nil)
