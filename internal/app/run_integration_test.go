package app

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	healthcheck "github.com/vladislavdragonenkov/marketplace/internal/health"
)

func localConfig() Config {
	cfg := DefaultConfig()
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.GRPCAddr = "127.0.0.1:0"
	cfg.MetricsAddr = "127.0.0.1:0"
	cfg.StorageDriver = StorageDriverMemory
	cfg.KafkaBrokers = ""
	cfg.RedisAddr = ""
	return cfg
}

func TestRun_MemoryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	err := Run(ctx, localConfig())
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRun_RejectsBadConfig(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "unknown storage",
			mutate:  func(c *Config) { c.StorageDriver = "invalid-driver" },
			wantErr: "unsupported storage driver",
		},
		{
			name:    "postgres without dsn",
			mutate:  func(c *Config) { c.StorageDriver = StorageDriverPostgres; c.PostgresDSN = " " },
			wantErr: "postgres dsn is required",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := localConfig()
			tc.mutate(&cfg)
			require.ErrorContains(t, Run(context.Background(), cfg), tc.wantErr)
		})
	}
}

func TestRunRelay_RequiresKafka(t *testing.T) {
	cfg := localConfig()
	cfg.KafkaBrokers = " , "

	require.ErrorContains(t, RunRelay(context.Background(), cfg), "kafka brokers are required")
}

func TestInitRuntimeDependencies_Postgres(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("MKT_POSTGRES_TEST_DSN"))
	if dsn == "" {
		t.Skip("MKT_POSTGRES_TEST_DSN is not set")
	}

	cfg := localConfig()
	cfg.StorageDriver = StorageDriverPostgres
	cfg.PostgresDSN = dsn
	cfg.PostgresAutoMigrate = true

	deps, err := initRuntimeDependencies(context.Background(), cfg, log.WithField("test", "postgres-init"))
	if err != nil {
		t.Skipf("postgres is not available: %v", err)
	}
	t.Cleanup(func() { _ = deps.close() })

	require.NotNil(t, deps.repo)
	require.NotNil(t, deps.couponRepo)
	require.NotNil(t, deps.rateRepo)
	require.NotNil(t, deps.paymentRepo)
	require.NotNil(t, deps.returnRepo)
	require.NotNil(t, deps.outboxRepo)
	require.NotNil(t, deps.timelineRepo)
	require.NotNil(t, deps.idempotencyRepo)
	require.Equal(t, healthcheck.StatusHealthy, deps.storageChecker.Check(context.Background()).Status)
}
