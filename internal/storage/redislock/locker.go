// Package redislock реализует блокировку остатка товара, общую для нескольких реплик.
package redislock

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/bms/internal/domain"
)

const (
	defaultKeyPrefix     = "bms:stock-lock:"
	defaultTTL           = 5 * time.Second
	defaultRetryInterval = 10 * time.Millisecond
	releaseTimeout       = 2 * time.Second
)

// releaseScript удаляет ключ, только если он всё ещё принадлежит владельцу токена.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Config - параметры подключения и блокировки.
type Config struct {
	Addr          string
	Password      string
	DB            int
	TTL           time.Duration
	RetryInterval time.Duration
	KeyPrefix     string
}

// Locker - распределённая блокировка на SET NX PX.
// TTL ограничивает время владения, если процесс упал с захваченной блокировкой.
type Locker struct {
	client        *redis.Client
	ttl           time.Duration
	retryInterval time.Duration
	prefix        string
	logger        *log.Entry
}

// Open подключается к Redis и проверяет соединение.
func Open(ctx context.Context, cfg Config) (*Locker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", cfg.Addr, err)
	}

	return New(client, cfg), nil
}

// New создаёт Locker поверх готового клиента.
func New(client *redis.Client, cfg Config) *Locker {
	l := &Locker{
		client:        client,
		ttl:           cfg.TTL,
		retryInterval: cfg.RetryInterval,
		prefix:        cfg.KeyPrefix,
		logger:        log.WithField("component", "redis-stock-lock"),
	}
	if l.ttl <= 0 {
		l.ttl = defaultTTL
	}
	if l.retryInterval <= 0 {
		l.retryInterval = defaultRetryInterval
	}
	if l.prefix == "" {
		l.prefix = defaultKeyPrefix
	}
	return l
}

func (l *Locker) key(productID int64) string {
	return l.prefix + strconv.FormatInt(productID, 10)
}

// Lock опрашивает Redis, пока ключ товара не будет захвачен или не отменится ctx.
func (l *Locker) Lock(ctx context.Context, productID int64) (func(), error) {
	key := l.key(productID)
	token := uuid.NewString()

	ticker := time.NewTicker(l.retryInterval)
	defer ticker.Stop()

	for {
		acquired, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("acquire redis lock %s: %w", key, err)
		}
		if acquired {
			return func() { l.release(ctx, key, token) }, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *Locker) release(ctx context.Context, key, token string) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	deleted, err := releaseScript.Run(releaseCtx, l.client, []string{key}, token).Int()
	if err != nil {
		l.logger.WithError(err).WithField("key", key).Warn("failed to release stock lock")
		return
	}
	if deleted == 0 {
		l.logger.WithField("key", key).Warn("stock lock expired before release")
	}
}

// Ping проверяет доступность Redis (для health check).
func (l *Locker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close закрывает клиент.
func (l *Locker) Close() error {
	return l.client.Close()
}

var _ domain.StockLocker = (*Locker)(nil)
