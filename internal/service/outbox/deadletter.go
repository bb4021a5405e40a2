package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/bms/internal/domain"
)

// DeadLetter - тело сообщения в DLQ. Исходное событие вложено целиком,
// чтобы cmd/dlq-reprocess мог опубликовать его повторно.
type DeadLetter struct {
	OutboxID       string          `json:"outbox_id"`
	AggregateType  string          `json:"aggregate_type"`
	AggregateID    string          `json:"aggregate_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	PublishError   string          `json:"publish_error"`
	DeadLetteredAt time.Time       `json:"dlq_published_at"`
}

// Message восстанавливает исходное событие без ID.
func (d DeadLetter) Message() domain.OutboxMessage {
	return domain.OutboxMessage{
		AggregateType: d.AggregateType,
		AggregateID:   d.AggregateID,
		EventType:     d.EventType,
		Payload:       []byte(d.Payload),
	}
}

// deadLetterFor заворачивает событие в DeadLetter. Payload, не являющийся
// JSON, сохраняется строкой.
func deadLetterFor(event domain.OutboxMessage, cause error, at time.Time) (domain.OutboxMessage, error) {
	payload := json.RawMessage(event.Payload)
	if !json.Valid(payload) {
		quoted, err := json.Marshal(string(event.Payload))
		if err != nil {
			return domain.OutboxMessage{}, fmt.Errorf("quote dlq payload: %w", err)
		}
		payload = quoted
	}
	body, err := json.Marshal(DeadLetter{
		OutboxID:       event.ID,
		AggregateType:  event.AggregateType,
		AggregateID:    event.AggregateID,
		EventType:      event.EventType,
		Payload:        payload,
		PublishError:   cause.Error(),
		DeadLetteredAt: at.UTC(),
	})
	if err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("marshal dead letter: %w", err)
	}
	letter := event
	letter.Payload = body
	return letter, nil
}
