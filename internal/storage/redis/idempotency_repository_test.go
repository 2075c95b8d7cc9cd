package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

func newTestRepository(t *testing.T) *IdempotencyRepository {
	t.Helper()

	addr := os.Getenv("MKT_REDIS_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		t.Skipf("redis is not available for integration tests: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return NewIdempotencyRepository(client)
}

func TestIdempotencyRepository_RedisLifecycle(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	key := "test-" + uuid.NewString()

	created, err := repo.CreateProcessing(ctx, key, "hash-a", time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, domain.IdempotencyStatusProcessing, created.Status)

	existing, err := repo.CreateProcessing(ctx, key, "hash-a", time.Time{})
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyAlreadyExists)
	require.Equal(t, "hash-a", existing.RequestHash)

	_, err = repo.CreateProcessing(ctx, key, "hash-b", time.Time{})
	require.ErrorIs(t, err, domain.ErrIdempotencyHashMismatch)

	require.NoError(t, repo.MarkDone(ctx, key, []byte(`{"id":"o-1"}`), 201))
	got, err := repo.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, domain.IdempotencyStatusDone, got.Status)
	require.Equal(t, 201, got.HTTPStatus)
	require.JSONEq(t, `{"id":"o-1"}`, string(got.ResponseBody))

	ttl, err := repo.client.TTL(ctx, keyPrefix+key).Result()
	require.NoError(t, err)
	require.Greater(t, ttl, time.Duration(0))
}

func TestIdempotencyRepository_RedisMissingAndExpired(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	require.ErrorIs(t, repo.MarkFailed(ctx, "missing-"+uuid.NewString(), nil, 500), domain.ErrIdempotencyKeyNotFound)
	_, err := repo.Get(ctx, "")
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyRequired)

	key := "expired-" + uuid.NewString()
	_, err = repo.CreateProcessing(ctx, key, "hash", time.Now().UTC().Add(50*time.Millisecond))
	require.NoError(t, err)
	time.Sleep(120 * time.Millisecond)

	_, err = repo.Get(ctx, key)
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyNotFound)

	removed, err := repo.DeleteExpired(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Zero(t, removed)
}

func TestIdempotencyRepository_ValidatesInput(t *testing.T) {
	repo := NewIdempotencyRepository(goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:1"}))
	ctx := context.Background()

	_, err := repo.CreateProcessing(ctx, " ", "hash", time.Time{})
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyRequired)
	_, err = repo.CreateProcessing(ctx, "key", "", time.Time{})
	require.ErrorIs(t, err, domain.ErrIdempotencyRequestHashRequired)
}
