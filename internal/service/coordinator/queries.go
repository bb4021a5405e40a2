package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/bms/internal/domain"
)

// GetOrder возвращает заголовок вместе с позициями.
func (c *Coordinator) GetOrder(ctx context.Context, kind domain.OrderKind, id int64) (domain.Order, error) {
	header, err := c.readHeader(ctx, kind, id)
	if err != nil {
		return domain.Order{}, err
	}

	coll := kind.LineCollection()
	recs, err := c.store.Find(ctx, coll, domain.Where("order_id", id))
	if err != nil {
		return domain.Order{}, &domain.PersistenceError{Op: "find lines", Collection: coll, Err: err}
	}
	lines := make([]domain.OrderLine, 0, len(recs))
	for _, rec := range recs {
		line, err := domain.LineFromRecord(rec)
		if err != nil {
			return domain.Order{}, &domain.PersistenceError{Op: "decode line", Collection: coll, Err: err}
		}
		lines = append(lines, line)
	}
	return domain.Order{Header: header, Lines: lines}, nil
}

// ListOrders возвращает заголовки по фильтру, новые первыми.
func (c *Coordinator) ListOrders(ctx context.Context, kind domain.OrderKind, filter domain.OrderFilter) ([]domain.OrderHeader, error) {
	if !kind.Valid() {
		return nil, domain.NewValidationError("kind", "unknown order kind")
	}
	filter = filter.Normalize()
	if filter.Status != "" && !kind.ValidStatus(filter.Status) {
		return nil, domain.NewValidationError("status", "unknown status for "+kind.Slug())
	}

	q := headerFilter(kind, filter.Status, filter.CounterpartyID, filter.From, filter.To)
	q.OrderBy = "date"
	q.Desc = true
	q.Limit = filter.Limit
	q.Offset = filter.Offset

	return c.findHeaders(ctx, kind, q)
}

// ListMovements возвращает журнал движений остатков по заказу.
func (c *Coordinator) ListMovements(ctx context.Context, kind domain.OrderKind, id int64) ([]domain.StockMovement, error) {
	if _, err := c.readHeader(ctx, kind, id); err != nil {
		return nil, err
	}

	q := domain.Filter{Eq: map[string]any{
		"reference_kind": kind.Slug(),
		"reference_id":   id,
	}}
	recs, err := c.store.Find(ctx, domain.CollectionStockMovements, q)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "find movements", Collection: domain.CollectionStockMovements, Err: err}
	}
	out := make([]domain.StockMovement, 0, len(recs))
	for _, rec := range recs {
		m, err := domain.MovementFromRecord(rec)
		if err != nil {
			return nil, &domain.PersistenceError{Op: "decode movement", Collection: domain.CollectionStockMovements, Err: err}
		}
		out = append(out, m)
	}
	return out, nil
}

// Stats считает количество, сумму и средний итог заказов за период.
// Нулевые from/to означают открытую границу.
func (c *Coordinator) Stats(ctx context.Context, kind domain.OrderKind, from, to time.Time) (domain.OrderStats, error) {
	if !kind.Valid() {
		return domain.OrderStats{}, domain.NewValidationError("kind", "unknown order kind")
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return domain.OrderStats{}, domain.NewValidationError("to", "must not be before from")
	}

	headers, err := c.findHeaders(ctx, kind, headerFilter(kind, "", 0, from, to))
	if err != nil {
		return domain.OrderStats{}, err
	}

	stats := domain.OrderStats{
		Kind:     kind,
		Total:    decimal.Zero,
		Average:  decimal.Zero,
		ByStatus: make(map[domain.OrderStatus]int),
	}
	for _, h := range headers {
		stats.Count++
		stats.ByStatus[h.Status]++
		stats.Total = stats.Total.Add(h.Total)
	}
	if stats.Count > 0 {
		stats.Average = stats.Total.DivRound(decimal.NewFromInt(int64(stats.Count)), 2)
	}
	return stats, nil
}

func (c *Coordinator) readHeader(ctx context.Context, kind domain.OrderKind, id int64) (domain.OrderHeader, error) {
	if !kind.Valid() {
		return domain.OrderHeader{}, domain.NewValidationError("kind", "unknown order kind")
	}
	coll := kind.HeaderCollection()
	rec, err := c.store.ReadOne(ctx, coll, id)
	if errors.Is(err, domain.ErrRecordNotFound) {
		return domain.OrderHeader{}, &domain.NotFoundError{Entity: kind.Slug(), ID: id}
	}
	if err != nil {
		return domain.OrderHeader{}, &domain.PersistenceError{Op: "read header", Collection: coll, Err: err}
	}
	header, err := domain.HeaderFromRecord(kind, rec)
	if err != nil {
		return domain.OrderHeader{}, &domain.PersistenceError{Op: "decode header", Collection: coll, Err: err}
	}
	return header, nil
}

func (c *Coordinator) findHeaders(ctx context.Context, kind domain.OrderKind, q domain.Filter) ([]domain.OrderHeader, error) {
	coll := kind.HeaderCollection()
	recs, err := c.store.Find(ctx, coll, q)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "find headers", Collection: coll, Err: err}
	}
	out := make([]domain.OrderHeader, 0, len(recs))
	for _, rec := range recs {
		h, err := domain.HeaderFromRecord(kind, rec)
		if err != nil {
			return nil, &domain.PersistenceError{Op: "decode header", Collection: coll, Err: fmt.Errorf("record %d: %w", rec.ID(), err)}
		}
		out = append(out, h)
	}
	return out, nil
}

func headerFilter(kind domain.OrderKind, status domain.OrderStatus, counterparty int64, from, to time.Time) domain.Filter {
	q := domain.Filter{
		Eq:  map[string]any{},
		Gte: map[string]any{},
		Lte: map[string]any{},
	}
	if status != "" {
		q.Eq["status"] = string(status)
	}
	if counterparty > 0 {
		q.Eq[kind.CounterpartyField()] = counterparty
	}
	if !from.IsZero() {
		q.Gte["date"] = from.UTC()
	}
	if !to.IsZero() {
		q.Lte["date"] = to.UTC()
	}
	return q
}
