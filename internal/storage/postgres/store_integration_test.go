package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStore_PostgresPingAndEnsureSchemaIsRepeatable(t *testing.T) {
	store := rawIntegrationStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, store.Ping(ctx))
	require.NoError(t, store.EnsureSchema(ctx))
	require.NoError(t, store.EnsureSchema(ctx), "second run must be a no-op")

	infos, err := store.Migrations(ctx)
	require.NoError(t, err)
	for _, info := range infos {
		require.Truef(t, info.Applied, "migration %d %s must be applied", info.Version, info.Name)
	}
}
