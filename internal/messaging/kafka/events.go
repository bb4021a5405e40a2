package kafka

import (
	"encoding/json"
	"time"

	"github.com/vladislavdragonenkov/bms/internal/domain"
)

// Topics для Kafka
const (
	TopicOrderEvents     = "bms.order-events"
	TopicDeadLetterQueue = "bms.dlq"
)

// Kafka headers. Значения дублируют поля конверта, чтобы потребители
// могли фильтровать сообщения без разбора тела.
const (
	HeaderEventType     = "x-event-type"
	HeaderAggregateType = "x-aggregate-type"
	HeaderOriginalTopic = "x-original-topic"
	HeaderReplayCount   = "x-replay-count"
	HeaderReplayedAt    = "x-replayed-at"
)

// Envelope - тело сообщения в топиках заказов и DLQ.
type Envelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// NewEnvelope оборачивает outbox-сообщение. Payload, не являющийся JSON,
// кодируется строкой.
func NewEnvelope(msg domain.OutboxMessage, publishedAt time.Time) Envelope {
	payload := json.RawMessage(msg.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	} else if !json.Valid(payload) {
		quoted, _ := json.Marshal(string(msg.Payload))
		payload = quoted
	}
	return Envelope{
		ID:            msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       payload,
		PublishedAt:   publishedAt.UTC(),
	}
}

// Message возвращает outbox-сообщение, из которого построен конверт.
func (e Envelope) Message() domain.OutboxMessage {
	return domain.OutboxMessage{
		ID:            e.ID,
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		EventType:     e.EventType,
		Payload:       []byte(e.Payload),
	}
}

// Key - ключ партиционирования: события одного заказа попадают в одну партицию.
func (e Envelope) Key() string {
	if e.AggregateType != "" && e.AggregateID != "" {
		return e.AggregateType + ":" + e.AggregateID
	}
	return e.ID
}
