package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

const idempotencyColumns = `key, request_hash, response_body, http_status, status, ttl_at, created_at, updated_at`

// Захват ключа: новая запись либо перезахват просроченной. Живая запись не
// трогается, и RETURNING ничего не вернёт.
const claimIdempotencySQL = `
INSERT INTO idempotency_keys (` + idempotencyColumns + `)
VALUES ($1, $2, NULL, NULL, $3, $4, $5, $5)
ON CONFLICT (key) DO UPDATE
SET request_hash  = EXCLUDED.request_hash,
    response_body = NULL,
    http_status   = NULL,
    status        = EXCLUDED.status,
    ttl_at        = EXCLUDED.ttl_at,
    created_at    = EXCLUDED.created_at,
    updated_at    = EXCLUDED.updated_at
WHERE idempotency_keys.ttl_at <= $5
RETURNING ` + idempotencyColumns

const selectIdempotencySQL = `SELECT ` + idempotencyColumns + ` FROM idempotency_keys WHERE key = $1`

const completeIdempotencySQL = `
UPDATE idempotency_keys
SET response_body = $2, http_status = $3, status = $4, updated_at = $5
WHERE key = $1`

// LIMIT NULL снимает ограничение.
const purgeIdempotencySQL = `
DELETE FROM idempotency_keys
WHERE key IN (
    SELECT key FROM idempotency_keys
    WHERE ttl_at <= $1
    ORDER BY ttl_at
    LIMIT $2
)`

type idempotencyRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewIdempotencyRepository создаёт PostgreSQL-реализацию IdempotencyRepository.
func NewIdempotencyRepository(store *Store) domain.IdempotencyRepository {
	return &idempotencyRepository{
		db:  store.DB(),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// CreateProcessing занимает ключ. Занятый живой ключ возвращает текущую запись
// вместе с ошибкой из IdempotencyRecord.Conflict.
func (r *idempotencyRepository) CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (domain.IdempotencyRecord, error) {
	key, requestHash = strings.TrimSpace(key), strings.TrimSpace(requestHash)
	switch {
	case key == "":
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	case requestHash == "":
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyRequestHashRequired
	}

	now := r.now()
	if ttlAt.IsZero() {
		ttlAt = domain.IdempotencyExpiry(now, 0)
	}

	ctx, cancel := opContext(ctx)
	defer cancel()

	claimed, err := scanIdempotency(r.db.QueryRowContext(ctx, claimIdempotencySQL,
		key, requestHash, string(domain.IdempotencyStatusProcessing), ttlAt, now))
	switch {
	case err == nil:
		return claimed, nil
	case !errors.Is(err, sql.ErrNoRows):
		return domain.IdempotencyRecord{}, fmt.Errorf("claim idempotency key: %w", err)
	}

	existing, err := r.load(ctx, key)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}
	return existing, existing.Conflict(requestHash)
}

func (r *idempotencyRepository) Get(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	if key = strings.TrimSpace(key); key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := opContext(ctx)
	defer cancel()
	return r.load(ctx, key)
}

func (r *idempotencyRepository) MarkDone(ctx context.Context, key string, responseBody []byte, httpStatus int) error {
	return r.complete(ctx, key, domain.IdempotencyStatusDone, responseBody, httpStatus)
}

func (r *idempotencyRepository) MarkFailed(ctx context.Context, key string, responseBody []byte, httpStatus int) error {
	return r.complete(ctx, key, domain.IdempotencyStatusFailed, responseBody, httpStatus)
}

// DeleteExpired удаляет не больше limit просроченных ключей, самые старые первыми.
// limit<=0 снимает ограничение, нулевой before означает текущий момент.
func (r *idempotencyRepository) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = r.now()
	}
	var batch sql.NullInt64
	if limit > 0 {
		batch = sql.NullInt64{Int64: int64(limit), Valid: true}
	}

	ctx, cancel := opContext(ctx)
	defer cancel()

	res, err := r.db.ExecContext(ctx, purgeIdempotencySQL, before, batch)
	if err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", err)
	}
	return int(n), nil
}

func (r *idempotencyRepository) load(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	rec, err := scanIdempotency(r.db.QueryRowContext(ctx, selectIdempotencySQL, key))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	case err != nil:
		return domain.IdempotencyRecord{}, fmt.Errorf("load idempotency key: %w", err)
	}
	return rec, nil
}

func (r *idempotencyRepository) complete(ctx context.Context, key string, status domain.IdempotencyStatus, responseBody []byte, httpStatus int) error {
	if key = strings.TrimSpace(key); key == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := opContext(ctx)
	defer cancel()

	res, err := r.db.ExecContext(ctx, completeIdempotencySQL, key, responseBody, httpStatus, string(status), r.now())
	if err != nil {
		return fmt.Errorf("complete idempotency key as %s: %w", status, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete idempotency key as %s: %w", status, err)
	}
	if n == 0 {
		return domain.ErrIdempotencyKeyNotFound
	}
	return nil
}

func scanIdempotency(row rowScanner) (domain.IdempotencyRecord, error) {
	var (
		rec        domain.IdempotencyRecord
		status     string
		httpStatus sql.NullInt64
	)
	err := row.Scan(&rec.Key, &rec.RequestHash, &rec.ResponseBody, &httpStatus, &status,
		&rec.TTLAt, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}

	if rec.Status = domain.IdempotencyStatus(status); !rec.Status.Valid() {
		return domain.IdempotencyRecord{}, fmt.Errorf("key %s has unknown idempotency status %q", rec.Key, status)
	}
	rec.HTTPStatus = int(httpStatus.Int64)
	return rec, nil
}

var _ domain.IdempotencyRepository = (*idempotencyRepository)(nil)
