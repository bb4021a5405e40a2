// Package stock изменяет остатки товаров и ведёт журнал движений.
package stock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/bms/internal/domain"
)

// Observer получает события изменения остатков (реализуется метриками).
type Observer interface {
	StockAdjusted(direction domain.Direction)
	StockConflict()
	StockSkipped()
}

type noopObserver struct{}

func (noopObserver) StockAdjusted(domain.Direction) {}
func (noopObserver) StockConflict()                 {}
func (noopObserver) StockSkipped()                  {}

// Adjuster выполняет одно изменение остатка товара и пишет движение.
type Adjuster struct {
	store    domain.RecordStore
	cas      domain.ConditionalUpdater
	locker   domain.StockLocker
	retry    RetryConfig
	observer Observer
	logger   *log.Entry
	now      func() time.Time
}

// Option настраивает Adjuster.
type Option func(*Adjuster)

// WithLocker заменяет внутрипроцессную блокировку (например, на Redis).
func WithLocker(locker domain.StockLocker) Option {
	return func(a *Adjuster) {
		if locker != nil {
			a.locker = locker
		}
	}
}

// WithRetryConfig задаёт политику повторов при конфликте CAS.
func WithRetryConfig(cfg RetryConfig) Option {
	return func(a *Adjuster) { a.retry = cfg }
}

// WithObserver подключает метрики.
func WithObserver(o Observer) Option {
	return func(a *Adjuster) {
		if o != nil {
			a.observer = o
		}
	}
}

// WithLogger задаёт логгер компонента.
func WithLogger(logger *log.Entry) Option {
	return func(a *Adjuster) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithClock подменяет источник времени (для тестов).
func WithClock(now func() time.Time) Option {
	return func(a *Adjuster) {
		if now != nil {
			a.now = now
		}
	}
}

// NewAdjuster создаёт Adjuster. Если store умеет compare-and-swap, запись остатка
// выполняется условно на прочитанное значение.
func NewAdjuster(store domain.RecordStore, opts ...Option) *Adjuster {
	a := &Adjuster{
		store:    store,
		locker:   NewKeyedLocker(),
		retry:    DefaultRetryConfig(),
		observer: noopObserver{},
		logger:   log.WithField("component", "stock-adjuster"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	if cas, ok := store.(domain.ConditionalUpdater); ok {
		a.cas = cas
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Adjust применяет движение dir по позиции line. Второе значение false означает,
// что товар не найден и позиция пропущена без ошибки.
func (a *Adjuster) Adjust(ctx context.Context, ref domain.MovementRef, line domain.OrderLine, dir domain.Direction) (domain.StockMovement, bool, error) {
	productID := line.ProductID

	unlock, err := a.locker.Lock(ctx, productID)
	if err != nil {
		return domain.StockMovement{}, false, fmt.Errorf("%w: product %d: %w", domain.ErrLockTimeout, productID, err)
	}
	defer unlock()

	var (
		before, after decimal.Decimal
		found         bool
		at            time.Time
	)
	err = retryOnConflict(ctx, a.retry, a.logger, productID, func(int) error {
		rec, err := a.store.ReadOne(ctx, domain.CollectionProducts, productID)
		if errors.Is(err, domain.ErrRecordNotFound) {
			found = false
			return nil
		}
		if err != nil {
			return fmt.Errorf("read product %d: %w", productID, err)
		}
		product, err := domain.ProductFromRecord(rec)
		if err != nil {
			return fmt.Errorf("decode product %d: %w", productID, err)
		}

		before = product.Stock
		after = dir.Apply(before, line.Quantity)
		at = a.now()
		patch := domain.Record{"stock": after, "updated_at": at}

		if a.cas != nil {
			_, err = a.cas.UpdateOneIf(ctx, domain.CollectionProducts, productID, domain.Record{"stock": before}, patch)
		} else {
			_, err = a.store.UpdateOne(ctx, domain.CollectionProducts, productID, patch)
		}
		switch {
		case errors.Is(err, domain.ErrRecordNotFound):
			found = false
			return nil
		case errors.Is(err, domain.ErrRecordConflict):
			a.observer.StockConflict()
			return err
		case err != nil:
			return fmt.Errorf("write product %d stock: %w", productID, err)
		}
		found = true
		return nil
	})
	if err != nil {
		return domain.StockMovement{}, false, err
	}

	if !found {
		a.observer.StockSkipped()
		a.logger.WithFields(log.Fields{
			"product_id": productID,
			"order_id":   ref.OrderID,
			"line_id":    line.ID,
		}).Warn("product not found, stock adjustment skipped")
		return domain.StockMovement{}, false, nil
	}

	movement := domain.StockMovement{
		ProductID:     productID,
		LineID:        line.ID,
		Direction:     dir,
		Quantity:      line.Quantity,
		StockBefore:   before,
		StockAfter:    after,
		Reason:        ref.Kind.Slug(),
		ReferenceKind: ref.Kind.Slug(),
		ReferenceID:   ref.OrderID,
		CreatedAt:     at,
	}
	stored, err := a.store.InsertOne(ctx, domain.CollectionStockMovements, movement.ToRecord())
	if err != nil {
		// остаток уже записан: вызывающая сторона сообщает о неполной синхронизации
		return domain.StockMovement{}, false, fmt.Errorf("insert movement for product %d: %w", productID, err)
	}
	movement.ID = stored.ID()

	a.observer.StockAdjusted(dir)
	a.logger.WithFields(log.Fields{
		"product_id":   productID,
		"order_id":     ref.OrderID,
		"direction":    dir,
		"stock_before": before.String(),
		"stock_after":  after.String(),
	}).Debug("stock adjusted")
	return movement, true, nil
}
