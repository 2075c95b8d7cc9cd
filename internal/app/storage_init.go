package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/marketplace/internal/health"
	"github.com/vladislavdragonenkov/marketplace/internal/storage/memory"
	"github.com/vladislavdragonenkov/marketplace/internal/storage/postgres"
	redisstore "github.com/vladislavdragonenkov/marketplace/internal/storage/redis"
)

// runtimeDependencies собирает репозитории выбранного хранилища и проверки их доступности.
type runtimeDependencies struct {
	repo            domain.OrderRepository
	couponRepo      domain.CouponRepository
	rateRepo        domain.RateRepository
	paymentRepo     domain.PaymentTxnRepository
	returnRepo      domain.ReturnRepository
	outboxRepo      domain.OutboxRepository
	timelineRepo    domain.TimelineRepository
	idempotencyRepo domain.IdempotencyRepository

	storageChecker healthcheck.Checker
	redisChecker   healthcheck.Checker
	closeFn        func() error
}

func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	var deps *runtimeDependencies
	switch cfg.StorageDriver {
	case "", StorageDriverMemory:
		deps = &runtimeDependencies{
			repo:            memory.NewOrderRepository(),
			couponRepo:      memory.NewCouponRepository(),
			rateRepo:        memory.NewRateRepository(),
			paymentRepo:     memory.NewPaymentTxnRepository(),
			returnRepo:      memory.NewReturnRepository(),
			outboxRepo:      memory.NewOutboxRepository(),
			timelineRepo:    memory.NewTimelineRepository(),
			idempotencyRepo: memory.NewIdempotencyRepository(),
			storageChecker:  healthcheck.Critical("storage", func(context.Context) error { return nil }),
		}
		logger.Info("using in-memory storage")
	case StorageDriverPostgres:
		dsn := strings.TrimSpace(cfg.PostgresDSN)
		if dsn == "" {
			return nil, errors.New("postgres dsn is required for postgres storage")
		}
		store, err := postgres.Open(ctx, dsn)
		if err != nil {
			return nil, err
		}
		if cfg.PostgresAutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				_ = store.Close()
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
		}
		deps = &runtimeDependencies{
			repo:            postgres.NewOrderRepository(store),
			couponRepo:      postgres.NewCouponRepository(store),
			rateRepo:        postgres.NewRateRepository(store),
			paymentRepo:     postgres.NewPaymentTxnRepository(store),
			returnRepo:      postgres.NewReturnRepository(store),
			outboxRepo:      postgres.NewOutboxRepository(store),
			timelineRepo:    postgres.NewTimelineRepository(store),
			idempotencyRepo: postgres.NewIdempotencyRepository(store),
			storageChecker:  healthcheck.Critical("storage", store.Ping),
			closeFn:         store.Close,
		}
		logger.WithField("auto_migrate", cfg.PostgresAutoMigrate).Info("using postgres storage")
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}

	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		client, err := redisstore.NewClient(ctx, addr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			_ = deps.close()
			return nil, err
		}
		redisRepo := redisstore.NewIdempotencyRepository(client)
		deps.idempotencyRepo = redisRepo
		deps.redisChecker = healthcheck.Critical("redis", redisRepo.Ping)
		deps.closeFn = chainClose(deps.closeFn, client)
		logger.WithField("addr", addr).Info("idempotency keys stored in redis")
	}

	return deps, nil
}

func (d *runtimeDependencies) close() error {
	if d == nil || d.closeFn == nil {
		return nil
	}
	return d.closeFn()
}

// registerCheckers добавляет проверки хранилищ в health handler.
func (d *runtimeDependencies) registerCheckers(h *healthcheck.Handler) {
	h.Register(d.storageChecker, d.redisChecker)
}

func chainClose(prev func() error, client *goredis.Client) func() error {
	return func() error {
		err := client.Close()
		if prev != nil {
			err = errors.Join(err, prev())
		}
		return err
	}
}
