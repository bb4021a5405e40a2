package coordinator

import (
	"encoding/json"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/bms/internal/domain"
)

// orderEvent - полезная нагрузка событий заказа в outbox.
type orderEvent struct {
	OrderID          int64              `json:"order_id"`
	Kind             string             `json:"kind"`
	Status           domain.OrderStatus `json:"status"`
	PreviousStatus   domain.OrderStatus `json:"previous_status,omitempty"`
	CounterpartyID   int64              `json:"counterparty_id,omitempty"`
	Total            string             `json:"total,omitempty"`
	Lines            int                `json:"lines,omitempty"`
	MovementsWritten int                `json:"movements_written,omitempty"`
	FailedLine       *int               `json:"failed_line,omitempty"`
	ProductID        int64              `json:"product_id,omitempty"`
	Reason           string             `json:"reason,omitempty"`
	OccurredAt       time.Time          `json:"occurred_at"`
}

func (c *Coordinator) newEvent(h domain.OrderHeader) orderEvent {
	return orderEvent{
		OrderID:        h.ID,
		Kind:           h.Kind.Slug(),
		Status:         h.Status,
		CounterpartyID: h.CounterpartyID,
		Total:          h.Total.String(),
		OccurredAt:     c.now(),
	}
}

// emit пишет событие в outbox. Ошибка не прерывает операцию: заказ уже сохранён.
func (c *Coordinator) emit(kind domain.OrderKind, eventType string, event orderEvent) {
	if c.outbox == nil {
		return
	}

	fields := log.Fields{
		"order_id": event.OrderID,
		"kind":     kind,
		"event":    eventType,
	}

	data, err := json.Marshal(event)
	if err != nil {
		c.logger.WithError(err).WithFields(fields).Error("marshal event failed")
		c.observer.OutboxEnqueued(err)
		return
	}

	msg := domain.OutboxMessage{
		AggregateType: kind.Slug(),
		AggregateID:   strconv.FormatInt(event.OrderID, 10),
		EventType:     eventType,
		Payload:       data,
	}
	if _, err := c.outbox.Enqueue(msg); err != nil {
		c.logger.WithError(err).WithFields(fields).Error("enqueue event failed")
		c.observer.OutboxEnqueued(err)
		return
	}
	c.observer.OutboxEnqueued(nil)
}
