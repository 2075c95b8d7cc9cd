package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// querier покрывает *sql.DB и *sql.Tx для чтения агрегатов.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const orderColumns = `
	id, customer_id, status, country, currency,
	subtotal, discount, tax, shipping, total,
	payment_txn_id, version, created_at, updated_at`

type orderRepository struct {
	db *sql.DB
}

// NewOrderRepository создаёт PostgreSQL-реализацию OrderRepository.
func NewOrderRepository(store *Store) domain.OrderRepository {
	return &orderRepository{db: store.DB()}
}

func (r *orderRepository) Create(ctx context.Context, order domain.Order) error {
	ctx, cancel := opContext(ctx)
	defer cancel()

	return withTx(ctx, r.db, nil, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO orders (`+orderColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NULLIF($11,''),$12,$13,$14)
		`,
			order.ID, order.CustomerID, string(order.Status), order.Country, order.Currency,
			order.Subtotal, order.Discount, order.Tax, order.Shipping, order.Total,
			order.PaymentTxnID, order.Version, order.CreatedAt, order.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return domain.ErrOrderAlreadyExists
			}
			return fmt.Errorf("insert order: %w", err)
		}

		for i, item := range order.Items {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO order_items (
					id, order_id, position, product_id, seller_id, category_id, qty, unit_price, shipped
				) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			`,
				item.ID, order.ID, i, item.ProductID, item.SellerID, item.CategoryID,
				item.Qty, item.UnitPrice, item.Shipped,
			); err != nil {
				return fmt.Errorf("insert order item: %w", err)
			}
		}

		for i, sq := range order.Sellers {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO order_sellers (
					order_id, seller_id, position, subtotal, discount, tax, shipping, total,
					tax_percent, tax_source, shipping_source
				) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
			`,
				order.ID, sq.SellerID, i, sq.Subtotal, sq.Discount, sq.Tax, sq.Shipping, sq.Total,
				sq.TaxPercent, string(sq.TaxSource), string(sq.ShippingSource),
			); err != nil {
				return fmt.Errorf("insert seller quote: %w", err)
			}
		}

		for i, c := range order.Coupons {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO order_coupons (order_id, coupon_id, position, code, discount)
				VALUES ($1,$2,$3,$4,$5)
			`, order.ID, c.CouponID, i, c.Code, c.Discount); err != nil {
				return fmt.Errorf("insert applied coupon: %w", err)
			}
		}
		return nil
	})
}

func (r *orderRepository) Get(ctx context.Context, id string) (domain.Order, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	return loadOrder(ctx, r.db, id, false)
}

func (r *orderRepository) ListByCustomer(ctx context.Context, customerID string, limit int) ([]domain.Order, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE customer_id = $1
		ORDER BY created_at DESC, id DESC
	`

	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = r.db.QueryContext(ctx, query+" LIMIT $2", customerID, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, query, customerID)
	}
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}

	orders := make([]domain.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate order rows: %w", err)
	}
	rows.Close()

	for i := range orders {
		if err := loadOrderParts(ctx, r.db, &orders[i]); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

// Save обновляет статус, ссылку на оплату и флаги отгрузки при совпадении версии.
func (r *orderRepository) Save(ctx context.Context, order domain.Order) error {
	ctx, cancel := opContext(ctx)
	defer cancel()

	return withTx(ctx, r.db, nil, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE orders
			SET status = $1,
			    payment_txn_id = NULLIF($2,''),
			    version = version + 1,
			    updated_at = $3
			WHERE id = $4
			  AND version = $5
		`,
			string(order.Status), order.PaymentTxnID, order.UpdatedAt, order.ID, order.Version,
		)
		if err != nil {
			return fmt.Errorf("update order: %w", err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			exists, err := orderExistsTx(ctx, tx, order.ID)
			if err != nil {
				return err
			}
			if !exists {
				return domain.ErrOrderNotFound
			}
			return domain.ErrOrderVersionConflict
		}

		for _, item := range order.Items {
			if _, err := tx.ExecContext(ctx, `
				UPDATE order_items SET shipped = $1 WHERE order_id = $2 AND id = $3
			`, item.Shipped, order.ID, item.ID); err != nil {
				return fmt.Errorf("update order item shipment: %w", err)
			}
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order  domain.Order
		status string
		txnID  sql.NullString
	)
	if err := row.Scan(
		&order.ID, &order.CustomerID, &status, &order.Country, &order.Currency,
		&order.Subtotal, &order.Discount, &order.Tax, &order.Shipping, &order.Total,
		&txnID, &order.Version, &order.CreatedAt, &order.UpdatedAt,
	); err != nil {
		return domain.Order{}, err
	}
	order.Status = domain.OrderStatus(status)
	order.PaymentTxnID = txnID.String
	return order, nil
}

// loadOrder читает заказ целиком; forUpdate блокирует строку заказа до конца транзакции.
func loadOrder(ctx context.Context, q querier, id string, forUpdate bool) (domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}

	order, err := scanOrder(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("select order: %w", err)
	}

	if err := loadOrderParts(ctx, q, &order); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

func loadOrderParts(ctx context.Context, q querier, order *domain.Order) error {
	items, err := loadOrderItems(ctx, q, order.ID)
	if err != nil {
		return err
	}
	sellers, err := loadSellerQuotes(ctx, q, order.ID)
	if err != nil {
		return err
	}
	coupons, err := loadAppliedCoupons(ctx, q, order.ID)
	if err != nil {
		return err
	}
	order.Items = items
	order.Sellers = sellers
	order.Coupons = coupons
	return nil
}

func loadOrderItems(ctx context.Context, q querier, orderID string) ([]domain.OrderItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, product_id, seller_id, category_id, qty, unit_price, shipped
		FROM order_items
		WHERE order_id = $1
		ORDER BY position ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order items: %w", err)
	}
	defer rows.Close()

	items := make([]domain.OrderItem, 0)
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(
			&item.ID, &item.ProductID, &item.SellerID, &item.CategoryID,
			&item.Qty, &item.UnitPrice, &item.Shipped,
		); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order items: %w", err)
	}
	return items, nil
}

func loadSellerQuotes(ctx context.Context, q querier, orderID string) ([]domain.SellerQuote, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT seller_id, subtotal, discount, tax, shipping, total, tax_percent, tax_source, shipping_source
		FROM order_sellers
		WHERE order_id = $1
		ORDER BY position ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("load seller quotes: %w", err)
	}
	defer rows.Close()

	sellers := make([]domain.SellerQuote, 0)
	for rows.Next() {
		var (
			sq                        domain.SellerQuote
			taxSource, shippingSource string
		)
		if err := rows.Scan(
			&sq.SellerID, &sq.Subtotal, &sq.Discount, &sq.Tax, &sq.Shipping, &sq.Total,
			&sq.TaxPercent, &taxSource, &shippingSource,
		); err != nil {
			return nil, fmt.Errorf("scan seller quote: %w", err)
		}
		sq.TaxSource = domain.RateSource(taxSource)
		sq.ShippingSource = domain.RateSource(shippingSource)
		sellers = append(sellers, sq)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate seller quotes: %w", err)
	}
	return sellers, nil
}

func loadAppliedCoupons(ctx context.Context, q querier, orderID string) ([]domain.AppliedCoupon, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT coupon_id, code, discount
		FROM order_coupons
		WHERE order_id = $1
		ORDER BY position ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("load applied coupons: %w", err)
	}
	defer rows.Close()

	coupons := make([]domain.AppliedCoupon, 0)
	for rows.Next() {
		var c domain.AppliedCoupon
		if err := rows.Scan(&c.CouponID, &c.Code, &c.Discount); err != nil {
			return nil, fmt.Errorf("scan applied coupon: %w", err)
		}
		coupons = append(coupons, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied coupons: %w", err)
	}
	return coupons, nil
}

func orderExistsTx(ctx context.Context, tx *sql.Tx, orderID string) (bool, error) {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM orders WHERE id = $1`, orderID).Scan(&id)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("check order exists: %w", err)
}

var _ domain.OrderRepository = (*orderRepository)(nil)
