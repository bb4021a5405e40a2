// Package coordinator создаёт заказы продаж и закупок: заголовок, позиции,
// корректировка остатков и компенсация при сбое.
package coordinator

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/bms/internal/domain"
	"github.com/vladislavdragonenkov/bms/internal/metrics"
	"github.com/vladislavdragonenkov/bms/internal/service/stock"
)

// Observer получает события координатора (реализуется metrics.CoordinatorMetrics).
type Observer interface {
	OrderStarted()
	OrderFinished(kind domain.OrderKind, outcome string, duration time.Duration)
	StatusChanged(kind domain.OrderKind, status domain.OrderStatus)
	CompensationRun(ok bool)
	OutboxEnqueued(err error)
}

type noopObserver struct{}

func (noopObserver) OrderStarted()                                         {}
func (noopObserver) OrderFinished(domain.OrderKind, string, time.Duration) {}
func (noopObserver) StatusChanged(domain.OrderKind, domain.OrderStatus)    {}
func (noopObserver) CompensationRun(bool)                                  {}
func (noopObserver) OutboxEnqueued(error)                                  {}

// Coordinator - единственная точка создания и изменения заказов.
type Coordinator struct {
	store               domain.RecordStore
	adjuster            *stock.Adjuster
	outbox              domain.OutboxRepository
	observer            Observer
	logger              *log.Entry
	now                 func() time.Time
	compensationTimeout time.Duration
}

// Option настраивает Coordinator.
type Option func(*Coordinator)

// WithAdjuster задаёт корректировщик остатков (по умолчанию создаётся поверх того же store).
func WithAdjuster(a *stock.Adjuster) Option {
	return func(c *Coordinator) {
		if a != nil {
			c.adjuster = a
		}
	}
}

// WithOutbox включает запись событий заказа в outbox.
func WithOutbox(repo domain.OutboxRepository) Option {
	return func(c *Coordinator) { c.outbox = repo }
}

// WithObserver подключает метрики.
func WithObserver(o Observer) Option {
	return func(c *Coordinator) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithCompensationTimeout ограничивает время компенсирующего удаления.
func WithCompensationTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.compensationTimeout = d
		}
	}
}

// New создаёт координатор поверх store.
func New(store domain.RecordStore, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:               store,
		observer:            noopObserver{},
		logger:              log.WithField("component", "order-coordinator"),
		now:                 func() time.Time { return time.Now().UTC() },
		compensationTimeout: defaultCompensationTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.adjuster == nil {
		c.adjuster = stock.NewAdjuster(store, stock.WithClock(c.now))
	}
	return c
}

// CreateOrder сохраняет заголовок и позиции, затем корректирует остатки.
//
// При ошибке сохранения позиций заголовок удаляется компенсацией и возвращается
// *domain.PersistenceError. При сбое корректировки остатков заказ остаётся
// сохранённым: результат возвращается вместе с *domain.PartialStockFailure.
func (c *Coordinator) CreateOrder(ctx context.Context, req domain.OrderRequest) (result domain.OrderResult, err error) {
	started := c.now()
	c.observer.OrderStarted()
	defer func() {
		c.observer.OrderFinished(req.Kind, outcomeOf(err), c.now().Sub(started))
	}()

	if len(req.Lines) == 0 {
		return domain.OrderResult{}, &domain.ValidationError{Field: "lines", Reason: "at least one line is required", Err: domain.ErrLinesRequired}
	}
	if !req.Kind.Valid() {
		return domain.OrderResult{}, domain.NewValidationError("kind", "unknown order kind")
	}

	header := c.prepareHeader(req)
	logger := c.logger.WithField("kind", req.Kind)

	headerColl := req.Kind.HeaderCollection()
	stored, err := c.store.InsertOne(ctx, headerColl, header.ToRecord())
	if err != nil {
		logger.WithError(err).Warn("insert header failed")
		return domain.OrderResult{}, &domain.PersistenceError{Op: "insert header", Collection: headerColl, Err: err}
	}
	header.ID = stored.ID()
	logger = logger.WithField("order_id", header.ID)

	undo := c.register("delete header", log.Fields{"kind": req.Kind, "order_id": header.ID}, func(ctx context.Context) error {
		return c.store.DeleteOne(ctx, headerColl, header.ID)
	})

	lines, err := c.insertLines(ctx, req.Kind, header.ID, req.Lines)
	if err != nil {
		logger.WithError(err).Warn("insert lines failed, compensating header")
		compensated := undo.run(ctx)
		if compensated {
			event := c.newEvent(header)
			event.Reason = err.Error()
			c.emit(req.Kind, domain.EventOrderCompensated, event)
		}
		return domain.OrderResult{}, &domain.PersistenceError{
			Op:         "insert lines",
			Collection: req.Kind.LineCollection(),
			Err:        err,
			Orphaned:   !compensated,
		}
	}
	undo.discard()

	result = domain.OrderResult{Header: header, Lines: lines}

	dir, affecting := domain.StockDirection(req.Kind, header.Status)
	result.StockAffecting = affecting
	if affecting {
		if partial := c.applyStock(ctx, header, lines, dir, &result); partial != nil {
			logger.WithError(partial.Err).WithFields(log.Fields{
				"failed_line": partial.FailedLine,
				"product_id":  partial.ProductID,
				"applied":     partial.Applied,
				"remaining":   partial.Remaining,
			}).Error("stock synchronization incomplete")

			c.emitCreated(result)
			event := c.newEvent(header)
			event.MovementsWritten = result.MovementsWritten
			event.FailedLine = &partial.FailedLine
			event.ProductID = partial.ProductID
			event.Reason = partial.Err.Error()
			c.emit(req.Kind, domain.EventStockSyncIncomplete, event)
			return result, partial
		}
	}

	c.emitCreated(result)
	logger.WithFields(log.Fields{
		"lines":             len(lines),
		"movements_written": result.MovementsWritten,
	}).Info("order created")
	return result, nil
}

func (c *Coordinator) prepareHeader(req domain.OrderRequest) domain.OrderHeader {
	header := req.Header
	header.ID = 0
	header.Kind = req.Kind
	if header.Status == "" {
		header.Status = domain.OrderStatusCreated
	}
	now := c.now()
	if header.Date.IsZero() {
		header.Date = now
	}
	header.CreatedAt = now
	header.UpdatedAt = now
	return header
}

// insertLines сохраняет позиции одной пачкой, проставив order_id.
func (c *Coordinator) insertLines(ctx context.Context, kind domain.OrderKind, orderID int64, in []domain.OrderLine) ([]domain.OrderLine, error) {
	lines := make([]domain.OrderLine, len(in))
	recs := make([]domain.Record, len(in))
	for i, line := range in {
		line.ID = 0
		line.OrderID = orderID
		lines[i] = line
		recs[i] = line.ToRecord()
	}

	stored, err := c.store.InsertMany(ctx, kind.LineCollection(), recs)
	if err != nil {
		return nil, err
	}
	if len(stored) != len(lines) {
		return nil, errors.New("store returned unexpected number of lines")
	}
	for i := range lines {
		lines[i].ID = stored[i].ID()
	}
	return lines, nil
}

// applyStock корректирует остатки по позициям строго по порядку.
// Первая ошибка останавливает цикл, уже применённые движения не откатываются.
func (c *Coordinator) applyStock(ctx context.Context, header domain.OrderHeader, lines []domain.OrderLine, dir domain.Direction, result *domain.OrderResult) *domain.PartialStockFailure {
	ref := domain.MovementRef{Kind: header.Kind, OrderID: header.ID}
	for i, line := range lines {
		movement, ok, err := c.adjuster.Adjust(ctx, ref, line, dir)
		if err != nil {
			return &domain.PartialStockFailure{
				OrderID:    header.ID,
				Kind:       header.Kind,
				FailedLine: i,
				ProductID:  line.ProductID,
				Applied:    result.MovementsWritten,
				Remaining:  len(lines) - i,
				Err:        err,
			}
		}
		if !ok {
			continue
		}
		result.Movements = append(result.Movements, movement)
		result.MovementsWritten++
	}
	return nil
}

func (c *Coordinator) emitCreated(result domain.OrderResult) {
	event := c.newEvent(result.Header)
	event.Lines = len(result.Lines)
	event.MovementsWritten = result.MovementsWritten
	c.emit(result.Header.Kind, domain.EventOrderCreated, event)
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeCreated
	case errors.Is(err, domain.ErrValidation):
		return metrics.OutcomeValidationFailed
	case errors.Is(err, domain.ErrPartialStock):
		return metrics.OutcomePartialStock
	default:
		return metrics.OutcomePersistFailed
	}
}
