package coordinator

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/bms/internal/domain"
)

// UpdateOrder меняет статус и платёжные поля заголовка. Остатки не затрагиваются.
// Повтор текущего статуса не считается переходом.
func (c *Coordinator) UpdateOrder(ctx context.Context, kind domain.OrderKind, id int64, u domain.OrderUpdate) (domain.OrderHeader, error) {
	if u.Empty() {
		return domain.OrderHeader{}, domain.NewValidationError("", "nothing to update")
	}
	header, err := c.readHeader(ctx, kind, id)
	if err != nil {
		return domain.OrderHeader{}, err
	}

	patch := domain.Record{}
	if u.Status != nil && *u.Status != header.Status {
		if err := checkTransition(kind, header.Status, *u.Status); err != nil {
			return domain.OrderHeader{}, err
		}
		patch["status"] = string(*u.Status)
	}
	if u.AmountPaid != nil {
		if u.AmountPaid.IsNegative() {
			return domain.OrderHeader{}, domain.NewValidationError("amount_paid", "must be >= 0")
		}
		patch["amount_paid"] = *u.AmountPaid
	}
	if u.Balance != nil {
		if u.Balance.IsNegative() {
			return domain.OrderHeader{}, domain.NewValidationError("balance", "must be >= 0")
		}
		patch["balance"] = *u.Balance
	}
	if u.Notes != nil {
		patch["notes"] = *u.Notes
	}
	if len(patch) == 0 {
		return header, nil
	}

	return c.writeHeader(ctx, header, patch)
}

// VoidOrder переводит заказ в конечный статус вида (voided/cancelled).
// Меняется только статус: движения не пишутся, остаток не восстанавливается.
func (c *Coordinator) VoidOrder(ctx context.Context, kind domain.OrderKind, id int64) (domain.OrderHeader, error) {
	header, err := c.readHeader(ctx, kind, id)
	if err != nil {
		return domain.OrderHeader{}, err
	}
	target := kind.TerminalStatus()
	if err := checkTransition(kind, header.Status, target); err != nil {
		return domain.OrderHeader{}, err
	}
	return c.writeHeader(ctx, header, domain.Record{"status": string(target)})
}

func checkTransition(kind domain.OrderKind, from, to domain.OrderStatus) error {
	if !kind.ValidStatus(to) {
		return domain.NewValidationError("status", fmt.Sprintf("unknown status %q for %s", to, kind.Slug()))
	}
	if !kind.CanTransition(from, to) {
		return &domain.ValidationError{
			Field:  "status",
			Reason: fmt.Sprintf("transition %s -> %s is not allowed", from, to),
			Err:    domain.ErrInvalidTransition,
		}
	}
	return nil
}

// writeHeader применяет patch. Если хранилище умеет CAS, запись условна на
// прочитанный статус, чтобы параллельный переход не обошёл машину состояний.
func (c *Coordinator) writeHeader(ctx context.Context, header domain.OrderHeader, patch domain.Record) (domain.OrderHeader, error) {
	kind := header.Kind
	coll := kind.HeaderCollection()
	patch["updated_at"] = c.now()

	var (
		rec domain.Record
		err error
	)
	if cas, ok := c.store.(domain.ConditionalUpdater); ok {
		rec, err = cas.UpdateOneIf(ctx, coll, header.ID, domain.Record{"status": string(header.Status)}, patch)
	} else {
		rec, err = c.store.UpdateOne(ctx, coll, header.ID, patch)
	}
	switch {
	case errors.Is(err, domain.ErrRecordNotFound):
		return domain.OrderHeader{}, &domain.NotFoundError{Entity: kind.Slug(), ID: header.ID}
	case errors.Is(err, domain.ErrRecordConflict):
		return domain.OrderHeader{}, fmt.Errorf("%s %d was modified concurrently: %w", kind.Slug(), header.ID, err)
	case err != nil:
		return domain.OrderHeader{}, &domain.PersistenceError{Op: "update header", Collection: coll, Err: err}
	}

	updated, err := domain.HeaderFromRecord(kind, rec)
	if err != nil {
		return domain.OrderHeader{}, &domain.PersistenceError{Op: "decode header", Collection: coll, Err: err}
	}

	if updated.Status != header.Status {
		c.observer.StatusChanged(kind, updated.Status)
		event := c.newEvent(updated)
		event.PreviousStatus = header.Status
		c.emit(kind, domain.EventOrderStatusChanged, event)
		c.logger.WithFields(log.Fields{
			"kind":     kind,
			"order_id": updated.ID,
			"from":     header.Status,
			"to":       updated.Status,
		}).Info("order status changed")
	}
	return updated, nil
}
