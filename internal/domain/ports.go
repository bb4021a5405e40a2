package domain

import (
	"context"
	"time"
)

// RecordStore - абстрактное хранилище именованных коллекций.
// Координатор работает только через этот интерфейс.
type RecordStore interface {
	// InsertOne сохраняет запись и возвращает её с присвоенным id.
	InsertOne(ctx context.Context, collection string, rec Record) (Record, error)
	// InsertMany сохраняет пачку записей целиком или не сохраняет ничего.
	InsertMany(ctx context.Context, collection string, recs []Record) ([]Record, error)
	// ReadOne возвращает запись или ErrRecordNotFound.
	ReadOne(ctx context.Context, collection string, id int64) (Record, error)
	// UpdateOne применяет patch и возвращает обновлённую запись или ErrRecordNotFound.
	UpdateOne(ctx context.Context, collection string, id int64, patch Record) (Record, error)
	// DeleteOne удаляет запись. Отсутствие записи ошибкой не считается.
	DeleteOne(ctx context.Context, collection string, id int64) error
	// Find возвращает записи, удовлетворяющие фильтру.
	Find(ctx context.Context, collection string, filter Filter) ([]Record, error)
}

// ConditionalUpdater - опциональная возможность хранилища выполнить compare-and-swap.
type ConditionalUpdater interface {
	// UpdateOneIf применяет patch, только если все поля expect совпадают с текущими.
	// При несовпадении возвращает ErrRecordConflict, при отсутствии записи - ErrRecordNotFound.
	UpdateOneIf(ctx context.Context, collection string, id int64, expect, patch Record) (Record, error)
}

// StockLocker сериализует изменения остатка одного товара.
type StockLocker interface {
	// Lock блокирует товар до вызова unlock или отмены ctx.
	Lock(ctx context.Context, productID int64) (unlock func(), err error)
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(msg OutboxMessage) (OutboxMessage, error)
	PullPending(limit int) ([]OutboxMessage, error)
	Stats() (OutboxStats, error)
	MarkSent(id string) error
	MarkFailed(id string) error
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(key string) (IdempotencyRecord, error)
	MarkDone(key string, responseBody []byte, httpStatus int) error
	MarkFailed(key string, responseBody []byte, httpStatus int) error
	DeleteExpired(before time.Time, limit int) (int, error)
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}

// Типы событий заказа.
const (
	EventOrderCreated        = "OrderCreated"
	EventOrderStatusChanged  = "OrderStatusChanged"
	EventOrderCompensated    = "OrderCompensated"
	EventStockSyncIncomplete = "StockSyncIncomplete"
)
