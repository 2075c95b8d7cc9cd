package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

const paymentColumns = `
	id, external_txn_id, order_id, customer_id, gateway, session_ref, checkout_url, payment_ref,
	amount, currency, status, refunded_amount, failure_reason, version, created_at, updated_at`

type paymentTxnRepository struct {
	db *sql.DB
}

// NewPaymentTxnRepository создаёт PostgreSQL-реализацию PaymentTxnRepository.
func NewPaymentTxnRepository(store *Store) domain.PaymentTxnRepository {
	return &paymentTxnRepository{db: store.DB()}
}

func (r *paymentTxnRepository) Create(ctx context.Context, txn domain.PaymentTransaction) error {
	ctx, cancel := opContext(ctx)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO payment_transactions (`+paymentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`,
		txn.ID, txn.ExternalTxnID, txn.OrderID, txn.CustomerID, txn.Gateway,
		txn.SessionRef, txn.CheckoutURL, txn.PaymentRef,
		txn.Amount, txn.Currency, string(txn.Status), txn.RefundedAmount, txn.FailureReason,
		txn.Version, txn.CreatedAt, txn.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.NewConflictError("payment transaction %s already exists", txn.ExternalTxnID)
		}
		return fmt.Errorf("insert payment transaction: %w", err)
	}
	return nil
}

func (r *paymentTxnRepository) Get(ctx context.Context, id string) (domain.PaymentTransaction, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	return selectPayment(ctx, r.db, `SELECT `+paymentColumns+` FROM payment_transactions WHERE id = $1`, id)
}

func (r *paymentTxnRepository) GetByExternalID(ctx context.Context, externalTxnID string) (domain.PaymentTransaction, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	return selectPayment(ctx, r.db, `SELECT `+paymentColumns+` FROM payment_transactions WHERE external_txn_id = $1`, externalTxnID)
}

func (r *paymentTxnRepository) AttachSession(ctx context.Context, id string, session domain.CheckoutSession) error {
	ctx, cancel := opContext(ctx)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE payment_transactions
		SET session_ref = $1,
		    checkout_url = $2,
		    payment_ref = COALESCE(NULLIF($3,''), payment_ref),
		    version = version + 1,
		    updated_at = $4
		WHERE id = $5
		  AND status = 'pending'
	`, session.SessionRef, session.RedirectURL, session.PaymentRef, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("attach checkout session: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return domain.ErrPaymentTxnStatusConflict
	}
	return nil
}

// Resolve: compare-and-set по статусу. Проигравший получает текущее состояние и конфликт.
func (r *paymentTxnRepository) Resolve(ctx context.Context, externalTxnID string, from, to domain.PaymentTxnStatus, res domain.TxnResolution) (domain.PaymentTransaction, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	txn, err := selectPayment(ctx, r.db, `
		UPDATE payment_transactions
		SET status = $1,
		    payment_ref = COALESCE(NULLIF($2,''), payment_ref),
		    failure_reason = $3,
		    version = version + 1,
		    updated_at = $4
		WHERE external_txn_id = $5
		  AND status = $6
		RETURNING `+paymentColumns,
		string(to), res.PaymentRef, res.FailureReason, time.Now().UTC(), externalTxnID, string(from),
	)
	if err == nil {
		return txn, nil
	}
	if !errors.Is(err, domain.ErrPaymentTxnNotFound) {
		return domain.PaymentTransaction{}, err
	}

	current, getErr := r.GetByExternalID(ctx, externalTxnID)
	if getErr != nil {
		return domain.PaymentTransaction{}, getErr
	}
	return current, domain.ErrPaymentTxnStatusConflict
}

func (r *paymentTxnRepository) FindRefund(ctx context.Context, txnID, idempotencyKey string) (domain.PaymentRefund, bool, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	refund := domain.PaymentRefund{TxnID: txnID, IdempotencyKey: idempotencyKey}
	err := r.db.QueryRowContext(ctx, `
		SELECT amount, refund_ref, created_at
		FROM payment_refunds
		WHERE txn_id = $1 AND idempotency_key = $2
	`, txnID, idempotencyKey).Scan(&refund.Amount, &refund.RefundRef, &refund.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.PaymentRefund{}, false, nil
		}
		return domain.PaymentRefund{}, false, fmt.Errorf("select refund: %w", err)
	}
	return refund, true, nil
}

// RecordRefund блокирует транзакцию, записывает возврат и увеличивает refunded_amount;
// повтор с тем же ключом возвращает текущее состояние.
func (r *paymentTxnRepository) RecordRefund(ctx context.Context, refund domain.PaymentRefund) (domain.PaymentTransaction, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	if refund.CreatedAt.IsZero() {
		refund.CreatedAt = time.Now().UTC()
	}

	var result domain.PaymentTransaction
	err := withTx(ctx, r.db, nil, func(tx *sql.Tx) error {
		txn, err := selectPayment(ctx, tx, `SELECT `+paymentColumns+` FROM payment_transactions WHERE id = $1 FOR UPDATE`, refund.TxnID)
		if err != nil {
			return err
		}
		result = txn

		res, err := tx.ExecContext(ctx, `
			INSERT INTO payment_refunds (txn_id, idempotency_key, amount, refund_ref, created_at)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (txn_id, idempotency_key) DO NOTHING
		`, refund.TxnID, refund.IdempotencyKey, refund.Amount, refund.RefundRef, refund.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert refund: %w", err)
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if inserted == 0 {
			return nil
		}
		if refund.Amount.GreaterThan(txn.Refundable()) {
			return domain.ErrRefundExceedsPayment
		}

		refunded := txn.RefundedAmount.Add(refund.Amount)
		status := txn.Status
		if refunded.GreaterThanOrEqual(txn.Amount) {
			status = domain.PaymentTxnRefunded
		}

		result, err = selectPayment(ctx, tx, `
			UPDATE payment_transactions
			SET refunded_amount = $1,
			    status = $2,
			    version = version + 1,
			    updated_at = $3
			WHERE id = $4
			RETURNING `+paymentColumns,
			refunded, string(status), refund.CreatedAt, txn.ID,
		)
		return err
	})
	if err != nil {
		return result, err
	}
	return result, nil
}

func selectPayment(ctx context.Context, q querier, query string, args ...any) (domain.PaymentTransaction, error) {
	var (
		txn    domain.PaymentTransaction
		status string
	)
	err := q.QueryRowContext(ctx, query, args...).Scan(
		&txn.ID, &txn.ExternalTxnID, &txn.OrderID, &txn.CustomerID, &txn.Gateway,
		&txn.SessionRef, &txn.CheckoutURL, &txn.PaymentRef,
		&txn.Amount, &txn.Currency, &status, &txn.RefundedAmount, &txn.FailureReason,
		&txn.Version, &txn.CreatedAt, &txn.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.PaymentTransaction{}, domain.ErrPaymentTxnNotFound
		}
		return domain.PaymentTransaction{}, fmt.Errorf("select payment transaction: %w", err)
	}
	txn.Status = domain.PaymentTxnStatus(status)
	return txn, nil
}

var _ domain.PaymentTxnRepository = (*paymentTxnRepository)(nil)
