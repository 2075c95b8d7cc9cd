package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/service/payment"
)

const (
	// StorageDriverMemory: in-memory хранилище, данные живут до перезапуска.
	StorageDriverMemory = "memory"
	// StorageDriverPostgres: PostgreSQL через pgx.
	StorageDriverPostgres = "postgres"
)

// Config описывает настройки запуска API и relay.
// Значения по умолчанию даёт DefaultConfig, переопределения читаются в cmd/* из окружения.
type Config struct {
	HTTPAddr    string
	GRPCAddr    string
	MetricsAddr string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool

	// RedisAddr включает хранение ключей идемпотентности в Redis.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// KafkaBrokers — список через запятую; пусто значит без Kafka.
	KafkaBrokers string
	// NotificationsGroup: consumer group для доставки уведомлений в локальный реестр.
	// Должна быть уникальной для инстанса, иначе уведомление получит только один из них.
	NotificationsGroup string

	PaymentGateway      string
	StripeAPIKey        string
	StripeWebhookSecret string
	RedirectSecret      string
	PublicBaseURL       string
	GatewayTimeout      time.Duration

	// IPNRateLimit: запросов в секунду на IP для /ipn и /payments/*; 0 отключает лимит.
	IPNRateLimit float64
	IPNBurst     int

	IdempotencyTTL time.Duration

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration

	IdempotencyCleanupInterval  time.Duration
	IdempotencyCleanupBatchSize int
}

// DefaultConfig возвращает конфигурацию для локального запуска.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:                    ":8080",
		GRPCAddr:                    ":50051",
		MetricsAddr:                 ":9090",
		StorageDriver:               StorageDriverMemory,
		PostgresAutoMigrate:         true,
		PaymentGateway:              payment.GatewayMock,
		RedirectSecret:              "dev-redirect-secret",
		PublicBaseURL:               "http://localhost:8080",
		GatewayTimeout:              10 * time.Second,
		IPNRateLimit:                20,
		IPNBurst:                    40,
		IdempotencyTTL:              24 * time.Hour,
		OutboxPollInterval:          time.Second,
		OutboxBatchSize:             100,
		OutboxMaxAttempts:           10,
		OutboxRetryDelay:            2 * time.Second,
		IdempotencyCleanupInterval:  time.Minute,
		IdempotencyCleanupBatchSize: 500,
	}
}

// Validate проверяет согласованность настроек до открытия подключений.
func (c Config) Validate() error {
	var errs []error

	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("postgres dsn is required for postgres storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.StorageDriver))
	}

	switch c.PaymentGateway {
	case payment.GatewayMock:
	case payment.GatewayStripe:
		if strings.TrimSpace(c.StripeAPIKey) == "" || strings.TrimSpace(c.StripeWebhookSecret) == "" {
			errs = append(errs, errors.New("stripe gateway requires api key and webhook secret"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported payment gateway %q", c.PaymentGateway))
	}

	if strings.TrimSpace(c.RedirectSecret) == "" {
		errs = append(errs, errors.New("redirect secret is required"))
	}
	if strings.TrimSpace(c.PublicBaseURL) == "" {
		errs = append(errs, errors.New("public base url is required"))
	}
	if c.IPNRateLimit < 0 {
		errs = append(errs, errors.New("ipn rate limit must be >= 0"))
	}

	return errors.Join(errs...)
}

// kafkaBrokerList разбивает KafkaBrokers и отбрасывает пустые элементы.
func (c Config) kafkaBrokerList() []string {
	return splitBrokers(c.KafkaBrokers)
}

func splitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
