package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/bms/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/bms/internal/health"
	"github.com/vladislavdragonenkov/bms/internal/storage/memory"
	"github.com/vladislavdragonenkov/bms/internal/storage/postgres"
	"github.com/vladislavdragonenkov/bms/internal/storage/redislock"
)

// runtimeDependencies - хранилища, выбранные по StorageDriver.
type runtimeDependencies struct {
	store           domain.RecordStore
	outboxRepo      domain.OutboxRepository
	idempotencyRepo domain.IdempotencyRepository
	storageChecker  healthcheck.Checker
	closeFn         func() error
}

func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	switch cfg.StorageDriver {
	case "", StorageDriverMemory:
		store := memory.NewTradeStore()
		seeded, err := seedProducts(ctx, store, cfg.SeedProducts)
		if err != nil {
			return nil, err
		}
		logger.WithField("seeded_products", seeded).Info("using in-memory storage")
		return &runtimeDependencies{
			store:           store,
			outboxRepo:      memory.NewOutboxRepository(),
			idempotencyRepo: memory.NewIdempotencyRepository(),
			storageChecker:  healthcheck.NewSimpleChecker("storage", func(context.Context) error { return nil }),
		}, nil

	case StorageDriverPostgres:
		if cfg.PostgresDSN == "" {
			return nil, errors.New("postgres dsn is required for postgres storage driver")
		}
		pg, err := postgres.Open(ctx, cfg.PostgresDSN, postgres.PoolConfig{
			MaxOpenConns:    cfg.PostgresMaxOpenConns,
			MaxIdleConns:    cfg.PostgresMaxIdleConns,
			ConnMaxLifetime: cfg.PostgresConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		if cfg.PostgresAutoMigrate {
			if err := pg.EnsureSchema(ctx); err != nil {
				_ = pg.Close()
				return nil, fmt.Errorf("apply postgres migrations: %w", err)
			}
		}
		logger.WithField("auto_migrate", cfg.PostgresAutoMigrate).Info("using postgres storage")
		return &runtimeDependencies{
			store:           postgres.NewRecordStore(pg),
			outboxRepo:      postgres.NewOutboxRepository(pg),
			idempotencyRepo: postgres.NewIdempotencyRepository(pg),
			storageChecker:  healthcheck.NewSimpleChecker("storage", pg.Ping),
			closeFn:         pg.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

// initStockLocker подключает Redis-блокировку остатков. Без адреса возвращает nil:
// тогда Adjuster сериализует движения внутри процесса.
func initStockLocker(ctx context.Context, cfg Config, logger *log.Entry) (*redislock.Locker, error) {
	if cfg.RedisAddr == "" {
		return nil, nil
	}
	locker, err := redislock.Open(ctx, redislock.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		TTL:      cfg.StockLockTTL,
	})
	if err != nil {
		return nil, err
	}
	logger.WithField("addr", cfg.RedisAddr).Info("redis stock lock enabled")
	return locker, nil
}

type seedProduct struct {
	id    int64
	stock decimal.Decimal
}

// parseSeedProducts разбирает строку вида "1:100,2:12.5".
func parseSeedProducts(raw string) ([]seedProduct, error) {
	var out []seedProduct
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		idPart, stockPart, ok := strings.Cut(item, ":")
		if !ok {
			return nil, fmt.Errorf("invalid seed product %q: expected id:stock", item)
		}
		id, err := strconv.ParseInt(strings.TrimSpace(idPart), 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid seed product id %q", idPart)
		}
		stock, err := decimal.NewFromString(strings.TrimSpace(stockPart))
		if err != nil {
			return nil, fmt.Errorf("invalid seed product stock %q: %w", stockPart, err)
		}
		out = append(out, seedProduct{id: id, stock: stock})
	}
	return out, nil
}

func seedProducts(ctx context.Context, store domain.RecordStore, raw string) (int, error) {
	products, err := parseSeedProducts(raw)
	if err != nil {
		return 0, err
	}
	for _, p := range products {
		_, err := store.InsertOne(ctx, domain.CollectionProducts, domain.Record{
			"id":    p.id,
			"code":  fmt.Sprintf("SKU-%d", p.id),
			"name":  fmt.Sprintf("product %d", p.id),
			"stock": p.stock,
		})
		if err != nil {
			return 0, fmt.Errorf("seed product %d: %w", p.id, err)
		}
	}
	return len(products), nil
}

// closeDependencies освобождает подключения в обратном порядке открытия.
func closeDependencies(deps *runtimeDependencies, locker *redislock.Locker, logger *log.Entry) {
	if locker != nil {
		if err := locker.Close(); err != nil {
			logger.WithError(err).Warn("failed to close redis client")
		}
	}
	if deps != nil && deps.closeFn != nil {
		if err := deps.closeFn(); err != nil {
			logger.WithError(err).Warn("failed to close storage")
		}
	}
}
