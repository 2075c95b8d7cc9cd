package domain

import (
	"strings"
	"time"
)

// DefaultIdempotencyTTL: сколько живёт сохранённый ответ, если TTL не задан.
const DefaultIdempotencyTTL = 24 * time.Hour

// IdempotencyStatus: стадия обработки запроса с Idempotency-Key.
type IdempotencyStatus string

const (
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	// IdempotencyStatusDone: ответ 2xx/3xx сохранён и отдаётся повторно.
	IdempotencyStatusDone IdempotencyStatus = "done"
	// IdempotencyStatusFailed: ответ 4xx/5xx тоже сохранён и отдаётся повторно.
	IdempotencyStatusFailed IdempotencyStatus = "failed"
)

// IdempotencyRecord хранит ответ на мутирующий запрос.
// Key уже включает область вызывающего, см. IdempotencyScope.
type IdempotencyRecord struct {
	Key          string
	RequestHash  string
	ResponseBody []byte
	HTTPStatus   int
	Status       IdempotencyStatus
	TTLAt        time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (s IdempotencyStatus) Valid() bool {
	switch s {
	case IdempotencyStatusProcessing, IdempotencyStatusDone, IdempotencyStatusFailed:
		return true
	default:
		return false
	}
}

// IdempotencyScope связывает клиентский ключ с вызывающим: один и тот же
// Idempotency-Key у двух покупателей не пересекается.
func IdempotencyScope(actorID, key string) string {
	return strings.TrimSpace(actorID) + "|" + strings.TrimSpace(key)
}

// Replayable сообщает, что ответ уже сохранён и его можно вернуть повторно.
func (r IdempotencyRecord) Replayable() bool {
	return r.Status == IdempotencyStatusDone || r.Status == IdempotencyStatusFailed
}

// Live сообщает, что запись ещё держит ключ в момент now.
func (r IdempotencyRecord) Live(now time.Time) bool {
	return r.TTLAt.After(now)
}

// Conflict возвращает ошибку повторного захвата живого ключа:
// ErrIdempotencyHashMismatch для другого запроса, иначе ErrIdempotencyKeyAlreadyExists.
func (r IdempotencyRecord) Conflict(requestHash string) error {
	if r.RequestHash != requestHash {
		return ErrIdempotencyHashMismatch
	}
	return ErrIdempotencyKeyAlreadyExists
}

// IdempotencyExpiry вычисляет TTLAt записи; нулевой ttl означает DefaultIdempotencyTTL.
func IdempotencyExpiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return now.Add(ttl)
}
