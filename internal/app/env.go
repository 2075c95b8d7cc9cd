package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Переменные окружения, которые читают cmd/marketplace-api и cmd/outbox-relay.
const (
	EnvHTTPAddr                    = "MKT_HTTP_ADDR"
	EnvGRPCAddr                    = "MKT_GRPC_ADDR"
	EnvMetricsAddr                 = "MKT_METRICS_ADDR"
	EnvStorageDriver               = "MKT_STORAGE_DRIVER"
	EnvPostgresDSN                 = "MKT_POSTGRES_DSN"
	EnvPostgresAutoMigrate         = "MKT_POSTGRES_AUTO_MIGRATE"
	EnvRedisAddr                   = "MKT_REDIS_ADDR"
	EnvRedisPassword               = "MKT_REDIS_PASSWORD"
	EnvRedisDB                     = "MKT_REDIS_DB"
	EnvKafkaBrokers                = "KAFKA_BROKERS"
	EnvNotificationsGroup          = "MKT_NOTIFICATIONS_GROUP"
	EnvPaymentGateway              = "MKT_PAYMENT_GATEWAY"
	EnvStripeAPIKey                = "MKT_STRIPE_API_KEY"
	EnvStripeWebhookSecret         = "MKT_STRIPE_WEBHOOK_SECRET"
	EnvRedirectSecret              = "MKT_REDIRECT_SECRET"
	EnvPublicBaseURL               = "MKT_PUBLIC_BASE_URL"
	EnvGatewayTimeout              = "MKT_GATEWAY_TIMEOUT"
	EnvIPNRateLimit                = "MKT_IPN_RATE_LIMIT"
	EnvIPNBurst                    = "MKT_IPN_BURST"
	EnvIdempotencyTTL              = "MKT_IDEMPOTENCY_TTL"
	EnvOutboxPollInterval          = "MKT_OUTBOX_POLL_INTERVAL"
	EnvOutboxBatchSize             = "MKT_OUTBOX_BATCH_SIZE"
	EnvOutboxMaxAttempts           = "MKT_OUTBOX_MAX_ATTEMPTS"
	EnvOutboxRetryDelay            = "MKT_OUTBOX_RETRY_DELAY"
	EnvIdempotencyCleanupInterval  = "MKT_IDEMPOTENCY_CLEANUP_INTERVAL"
	EnvIdempotencyCleanupBatchSize = "MKT_IDEMPOTENCY_CLEANUP_BATCH_SIZE"
)

// EnvLookup совпадает по сигнатуре с os.LookupEnv.
type EnvLookup func(key string) (string, bool)

// ConfigFromEnv накладывает переменные окружения на DefaultConfig.
// Некорректное значение не роняет запуск: остаётся значение по умолчанию,
// а описание проблемы попадает в warnings.
func ConfigFromEnv(lookup EnvLookup) (Config, []string) {
	cfg := DefaultConfig()
	var warnings []string

	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return "", false
		}
		return strings.TrimSpace(v), true
	}
	warn := func(key string, err error) {
		warnings = append(warnings, fmt.Sprintf("%s: %v", key, err))
	}

	strings_ := []struct {
		key string
		dst *string
	}{
		{EnvHTTPAddr, &cfg.HTTPAddr},
		{EnvGRPCAddr, &cfg.GRPCAddr},
		{EnvMetricsAddr, &cfg.MetricsAddr},
		{EnvPostgresDSN, &cfg.PostgresDSN},
		{EnvRedisAddr, &cfg.RedisAddr},
		{EnvRedisPassword, &cfg.RedisPassword},
		{EnvKafkaBrokers, &cfg.KafkaBrokers},
		{EnvNotificationsGroup, &cfg.NotificationsGroup},
		{EnvStripeAPIKey, &cfg.StripeAPIKey},
		{EnvStripeWebhookSecret, &cfg.StripeWebhookSecret},
		{EnvRedirectSecret, &cfg.RedirectSecret},
		{EnvPublicBaseURL, &cfg.PublicBaseURL},
	}
	for _, s := range strings_ {
		if v, ok := get(s.key); ok {
			*s.dst = v
		}
	}
	if v, ok := get(EnvStorageDriver); ok {
		cfg.StorageDriver = strings.ToLower(v)
	}
	if v, ok := get(EnvPaymentGateway); ok {
		cfg.PaymentGateway = strings.ToLower(v)
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")

	if v, ok := get(EnvPostgresAutoMigrate); ok {
		if b, err := parseBool(v); err != nil {
			warn(EnvPostgresAutoMigrate, err)
		} else {
			cfg.PostgresAutoMigrate = b
		}
	}

	nonNegative := func(v int) bool { return v >= 0 }
	positive := func(v int) bool { return v > 0 }
	ints := []struct {
		key   string
		dst   *int
		valid func(int) bool
		rule  string
	}{
		{EnvRedisDB, &cfg.RedisDB, nonNegative, "must be >= 0"},
		{EnvIPNBurst, &cfg.IPNBurst, nonNegative, "must be >= 0"},
		{EnvOutboxBatchSize, &cfg.OutboxBatchSize, positive, "must be > 0"},
		{EnvOutboxMaxAttempts, &cfg.OutboxMaxAttempts, positive, "must be > 0"},
		{EnvIdempotencyCleanupBatchSize, &cfg.IdempotencyCleanupBatchSize, positive, "must be > 0"},
	}
	for _, i := range ints {
		v, ok := get(i.key)
		if !ok {
			continue
		}
		n, err := parseInt(v, i.valid, i.rule)
		if err != nil {
			warn(i.key, err)
			continue
		}
		*i.dst = n
	}

	positiveDur := func(v time.Duration) bool { return v > 0 }
	durations := []struct {
		key   string
		dst   *time.Duration
		valid func(time.Duration) bool
		rule  string
	}{
		{EnvGatewayTimeout, &cfg.GatewayTimeout, positiveDur, "must be > 0"},
		{EnvIdempotencyTTL, &cfg.IdempotencyTTL, positiveDur, "must be > 0"},
		{EnvOutboxPollInterval, &cfg.OutboxPollInterval, positiveDur, "must be > 0"},
		{EnvOutboxRetryDelay, &cfg.OutboxRetryDelay, func(v time.Duration) bool { return v >= 0 }, "must be >= 0"},
		{EnvIdempotencyCleanupInterval, &cfg.IdempotencyCleanupInterval, positiveDur, "must be > 0"},
	}
	for _, d := range durations {
		v, ok := get(d.key)
		if !ok {
			continue
		}
		parsed, err := parseDuration(v, d.valid, d.rule)
		if err != nil {
			warn(d.key, err)
			continue
		}
		*d.dst = parsed
	}

	if v, ok := get(EnvIPNRateLimit); ok {
		f, err := strconv.ParseFloat(v, 64)
		switch {
		case err != nil:
			warn(EnvIPNRateLimit, err)
		case f < 0:
			warn(EnvIPNRateLimit, fmt.Errorf("%q must be >= 0", v))
		default:
			cfg.IPNRateLimit = f
		}
	}

	return cfg, warnings
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "on":
		return true, nil
	case "0", "false", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool value %q", raw)
	}
}

func parseInt(raw string, valid func(int) bool, rule string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid int value %q: %w", raw, err)
	}
	if valid != nil && !valid(v) {
		return 0, fmt.Errorf("value %d %s", v, rule)
	}
	return v, nil
}

func parseDuration(raw string, valid func(time.Duration) bool, rule string) (time.Duration, error) {
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	if valid != nil && !valid(v) {
		return 0, fmt.Errorf("duration %s %s", v, rule)
	}
	return v, nil
}
