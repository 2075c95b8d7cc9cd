package memory_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/storage/memory"
)

func TestIdempotencyRepository_ScopedKeys(t *testing.T) {
	repo := memory.NewIdempotencyRepository()
	ctx := context.Background()
	ttl := time.Now().UTC().Add(time.Hour)

	first := domain.IdempotencyScope("customer-1", "checkout-1")
	second := domain.IdempotencyScope("customer-2", "checkout-1")

	_, err := repo.CreateProcessing(ctx, first, "hash-a", ttl)
	require.NoError(t, err)
	_, err = repo.CreateProcessing(ctx, second, "hash-b", ttl)
	require.NoError(t, err, "same client key of another actor is a separate record")

	existing, err := repo.CreateProcessing(ctx, first, "hash-a", ttl)
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyAlreadyExists)
	require.Equal(t, domain.IdempotencyStatusProcessing, existing.Status)

	_, err = repo.CreateProcessing(ctx, first, "hash-other", ttl)
	require.ErrorIs(t, err, domain.ErrIdempotencyHashMismatch)
}

func TestIdempotencyRepository_StoresFailedResponses(t *testing.T) {
	repo := memory.NewIdempotencyRepository()
	ctx := context.Background()
	key := domain.IdempotencyScope("customer-1", "coupon-apply")

	_, err := repo.CreateProcessing(ctx, key, "hash", time.Time{})
	require.NoError(t, err)

	body := []byte(`{"code":"coupon_invalid"}`)
	require.NoError(t, repo.MarkFailed(ctx, key, body, http.StatusUnprocessableEntity))
	body[0] = 'x'

	got, err := repo.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, got.Replayable())
	require.Equal(t, domain.IdempotencyStatusFailed, got.Status)
	require.Equal(t, http.StatusUnprocessableEntity, got.HTTPStatus)
	require.JSONEq(t, `{"code":"coupon_invalid"}`, string(got.ResponseBody))
	require.WithinDuration(t, time.Now().UTC().Add(domain.DefaultIdempotencyTTL), got.TTLAt, time.Minute)

	require.ErrorIs(t, repo.MarkDone(ctx, "missing", nil, http.StatusOK), domain.ErrIdempotencyKeyNotFound)
	require.ErrorIs(t, repo.MarkDone(ctx, " ", nil, http.StatusOK), domain.ErrIdempotencyKeyRequired)
	_, err = repo.CreateProcessing(ctx, "k", " ", time.Time{})
	require.ErrorIs(t, err, domain.ErrIdempotencyRequestHashRequired)
}

func TestIdempotencyRepository_ExpiryAndCleanup(t *testing.T) {
	repo := memory.NewIdempotencyRepository()
	ctx := context.Background()
	now := time.Now().UTC()

	for _, key := range []string{"expired-1", "expired-2"} {
		_, err := repo.CreateProcessing(ctx, key, "old", now.Add(-time.Minute))
		require.NoError(t, err)
	}
	_, err := repo.CreateProcessing(ctx, "active", "hash", now.Add(time.Hour))
	require.NoError(t, err)

	reclaimed, err := repo.CreateProcessing(ctx, "expired-1", "new", now.Add(time.Hour))
	require.NoError(t, err, "expired key must be reclaimable")
	require.Equal(t, "new", reclaimed.RequestHash)

	removed, err := repo.DeleteExpired(ctx, now, 10)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = repo.Get(ctx, "expired-2")
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyNotFound)
	_, err = repo.Get(ctx, "active")
	require.NoError(t, err)
}
