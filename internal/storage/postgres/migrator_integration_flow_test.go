package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMigrator_PostgresLifecycle(t *testing.T) {
	store := rawIntegrationStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	requireStatus := func(wantVersion int64, wantCount int) {
		t.Helper()
		version, count, err := store.MigrationStatus(ctx)
		require.NoError(t, err)
		require.Equal(t, wantVersion, version)
		require.Equal(t, wantCount, count)
	}

	require.NoError(t, store.MigrateDown(ctx, 100))
	requireStatus(0, 0)

	require.NoError(t, store.MigrateUp(ctx, 2))
	requireStatus(2, 2)

	require.NoError(t, store.MigrateUp(ctx, 0))
	requireStatus(6, 6)
	require.NoError(t, store.MigrateUp(ctx, 0))
	requireStatus(6, 6)

	require.NoError(t, store.MigrateDown(ctx, 0))
	requireStatus(5, 5)

	infos, err := store.Migrations(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 6)
	require.True(t, infos[4].Applied)
	require.False(t, infos[5].Applied)

	_, err = store.DB().ExecContext(ctx, `UPDATE schema_migrations SET checksum = 'tampered' WHERE version = 1`)
	require.NoError(t, err)
	require.ErrorContains(t, store.MigrateUp(ctx, 0), "modified after it was applied")

	require.NoError(t, store.MigrateDown(ctx, 100))
	require.NoError(t, store.MigrateDown(ctx, 1), "down on empty schema is a no-op")
	require.NoError(t, store.EnsureSchema(ctx))
}

func TestMigrator_Guards(t *testing.T) {
	var nilStore *Store
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.Error(t, nilStore.MigrateUp(ctx, 0))
	require.Error(t, nilStore.MigrateDown(ctx, 1))
	_, _, err := nilStore.MigrationStatus(ctx)
	require.Error(t, err)
	_, err = nilStore.Migrations(ctx)
	require.Error(t, err)

	store, _ := newMockStore(t)
	require.ErrorContains(t, store.migrate(ctx, migrationDirection("sideways"), 0), "unsupported migration direction")
}
