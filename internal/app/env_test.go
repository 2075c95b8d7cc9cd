package app

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func mapLookup(values map[string]string) EnvLookup {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestConfigFromEnv_Defaults(t *testing.T) {
	cfg, warnings := ConfigFromEnv(mapLookup(nil))
	require.Empty(t, warnings)
	require.Equal(t, DefaultConfig(), cfg)
}

func TestConfigFromEnv_Overrides(t *testing.T) {
	cfg, warnings := ConfigFromEnv(mapLookup(map[string]string{
		EnvHTTPAddr:                   ":18080",
		EnvStorageDriver:              "  POSTGRES ",
		EnvPostgresDSN:                "postgres://u:p@db:5432/marketplace",
		EnvPostgresAutoMigrate:        "off",
		EnvRedisAddr:                  "redis:6379",
		EnvRedisDB:                    "2",
		EnvKafkaBrokers:               "k1:9092,k2:9092",
		EnvPaymentGateway:             "Stripe",
		EnvStripeAPIKey:               "sk_test",
		EnvStripeWebhookSecret:        "whsec",
		EnvPublicBaseURL:              "https://shop.example.com/",
		EnvGatewayTimeout:             "3s",
		EnvIPNRateLimit:               "2.5",
		EnvIPNBurst:                   "5",
		EnvIdempotencyTTL:             "1h",
		EnvOutboxBatchSize:            "50",
		EnvOutboxRetryDelay:           "0s",
		EnvIdempotencyCleanupInterval: "30s",
	}))
	require.Empty(t, warnings)

	require.Equal(t, ":18080", cfg.HTTPAddr)
	require.Equal(t, StorageDriverPostgres, cfg.StorageDriver)
	require.Equal(t, "postgres://u:p@db:5432/marketplace", cfg.PostgresDSN)
	require.False(t, cfg.PostgresAutoMigrate)
	require.Equal(t, "redis:6379", cfg.RedisAddr)
	require.Equal(t, 2, cfg.RedisDB)
	require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.kafkaBrokerList())
	require.Equal(t, "stripe", cfg.PaymentGateway)
	require.Equal(t, "https://shop.example.com", cfg.PublicBaseURL)
	require.Equal(t, 3*time.Second, cfg.GatewayTimeout)
	require.InDelta(t, 2.5, cfg.IPNRateLimit, 0.0001)
	require.Equal(t, 5, cfg.IPNBurst)
	require.Equal(t, time.Hour, cfg.IdempotencyTTL)
	require.Equal(t, 50, cfg.OutboxBatchSize)
	require.Equal(t, time.Duration(0), cfg.OutboxRetryDelay)
	require.Equal(t, 30*time.Second, cfg.IdempotencyCleanupInterval)
	require.NoError(t, cfg.Validate())
}

func TestConfigFromEnv_InvalidValuesFallBack(t *testing.T) {
	defaults := DefaultConfig()
	cfg, warnings := ConfigFromEnv(mapLookup(map[string]string{
		EnvPostgresAutoMigrate: "maybe",
		EnvRedisDB:             "-1",
		EnvOutboxBatchSize:     "zero",
		EnvOutboxMaxAttempts:   "0",
		EnvGatewayTimeout:      "soon",
		EnvIdempotencyTTL:      "-5m",
		EnvIPNRateLimit:        "-1",
		EnvIPNBurst:            "",
	}))

	require.Len(t, warnings, 7)
	for _, key := range []string{EnvPostgresAutoMigrate, EnvRedisDB, EnvOutboxBatchSize, EnvOutboxMaxAttempts, EnvGatewayTimeout, EnvIdempotencyTTL, EnvIPNRateLimit} {
		found := false
		for _, w := range warnings {
			if strings.HasPrefix(w, key+":") {
				found = true
				break
			}
		}
		require.Truef(t, found, "expected warning for %s in %v", key, warnings)
	}

	require.Equal(t, defaults.PostgresAutoMigrate, cfg.PostgresAutoMigrate)
	require.Equal(t, defaults.RedisDB, cfg.RedisDB)
	require.Equal(t, defaults.OutboxBatchSize, cfg.OutboxBatchSize)
	require.Equal(t, defaults.OutboxMaxAttempts, cfg.OutboxMaxAttempts)
	require.Equal(t, defaults.GatewayTimeout, cfg.GatewayTimeout)
	require.Equal(t, defaults.IdempotencyTTL, cfg.IdempotencyTTL)
	require.Equal(t, defaults.IPNRateLimit, cfg.IPNRateLimit)
	require.Equal(t, defaults.IPNBurst, cfg.IPNBurst)
}

func TestParseBool(t *testing.T) {
	testCases := []struct {
		raw     string
		want    bool
		wantErr bool
	}{
		{raw: "true", want: true},
		{raw: "YES", want: true},
		{raw: " on ", want: true},
		{raw: "1", want: true},
		{raw: "off"},
		{raw: "no"},
		{raw: "0"},
		{raw: "maybe", wantErr: true},
	}
	for _, tc := range testCases {
		got, err := parseBool(tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseBool(%q): expected error", tc.raw)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("parseBool(%q) = %v, %v; want %v", tc.raw, got, err, tc.want)
		}
	}
}

func TestParseIntAndDuration(t *testing.T) {
	positive := func(v int) bool { return v > 0 }

	n, err := parseInt(" 42 ", positive, "must be > 0")
	require.NoError(t, err)
	require.Equal(t, 42, n)

	_, err = parseInt("0", positive, "must be > 0")
	require.ErrorContains(t, err, "must be > 0")

	_, err = parseInt("x", nil, "")
	require.ErrorContains(t, err, "invalid int value")

	d, err := parseDuration("250ms", nil, "")
	require.NoError(t, err)
	require.Equal(t, 250*time.Millisecond, d)

	_, err = parseDuration("-1s", func(v time.Duration) bool { return v > 0 }, "must be > 0")
	require.ErrorContains(t, err, "must be > 0")
}
