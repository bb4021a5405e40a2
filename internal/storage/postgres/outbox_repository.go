package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/bms/internal/domain"
)

const defaultPullLimit = 100

type outboxStatus string

const (
	outboxSent   outboxStatus = "sent"
	outboxFailed outboxStatus = "failed"
)

const (
	insertOutboxSQL = `
INSERT INTO outbox_messages
	(id, aggregate_type, aggregate_id, event_type, payload, status, attempt_count, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, 'pending', 0, $6, $6)`

	pendingOutboxSQL = `
SELECT id, aggregate_type, aggregate_id, event_type, payload
FROM outbox_messages
WHERE status = 'pending'
ORDER BY created_at, id
LIMIT $1`

	outboxBacklogSQL = `
SELECT COUNT(*), MIN(created_at) FROM outbox_messages WHERE status = 'pending'`

	markOutboxSQL = `
UPDATE outbox_messages
SET status = $2, attempt_count = attempt_count + 1, updated_at = $3
WHERE id = $1`
)

// OutboxRepository хранит события заказов в outbox_messages до публикации.
// Порядок выдачи: created_at, затем id.
type OutboxRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewOutboxRepository(store *Store) *OutboxRepository {
	return &OutboxRepository{
		db:  store.DB(),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue сохраняет событие; пустой ID заполняется UUID.
func (r *OutboxRepository) Enqueue(msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	ctx, cancel := opContext()
	defer cancel()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if _, err := r.db.ExecContext(ctx, insertOutboxSQL,
		msg.ID, msg.AggregateType, msg.AggregateID, msg.EventType, msg.Payload, r.now(),
	); err != nil {
		return domain.OutboxMessage{}, mapError("enqueue outbox message", err)
	}
	return msg, nil
}

func (r *OutboxRepository) PullPending(limit int) ([]domain.OutboxMessage, error) {
	ctx, cancel := opContext()
	defer cancel()

	if limit <= 0 {
		limit = defaultPullLimit
	}
	rows, err := r.db.QueryContext(ctx, pendingOutboxSQL, limit)
	if err != nil {
		return nil, mapError("pull pending outbox messages", err)
	}
	defer rows.Close()
	return scanOutbox(rows, limit)
}

func scanOutbox(rows *sql.Rows, capacity int) ([]domain.OutboxMessage, error) {
	out := make([]domain.OutboxMessage, 0, capacity)
	for rows.Next() {
		var m domain.OutboxMessage
		if err := rows.Scan(&m.ID, &m.AggregateType, &m.AggregateID, &m.EventType, &m.Payload); err != nil {
			return nil, fmt.Errorf("scan outbox message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox rows: %w", err)
	}
	return out, nil
}

// Stats возвращает размер backlog и возраст самого старого pending-события.
func (r *OutboxRepository) Stats() (domain.OutboxStats, error) {
	ctx, cancel := opContext()
	defer cancel()

	var (
		count  int
		oldest sql.NullTime
	)
	if err := r.db.QueryRowContext(ctx, outboxBacklogSQL).Scan(&count, &oldest); err != nil {
		return domain.OutboxStats{}, mapError("outbox stats", err)
	}
	stats := domain.OutboxStats{PendingCount: count}
	if oldest.Valid {
		stats.OldestPendingAt = oldest.Time.UTC()
	}
	return stats, nil
}

func (r *OutboxRepository) MarkSent(id string) error   { return r.mark(id, outboxSent) }
func (r *OutboxRepository) MarkFailed(id string) error { return r.mark(id, outboxFailed) }

// mark меняет статус и увеличивает attempt_count; неизвестный id - ErrOutboxPublish.
func (r *OutboxRepository) mark(id string, status outboxStatus) error {
	ctx, cancel := opContext()
	defer cancel()

	res, err := r.db.ExecContext(ctx, markOutboxSQL, id, string(status), r.now())
	if err != nil {
		return mapError(fmt.Sprintf("mark outbox message %s", status), err)
	}
	switch n, err := res.RowsAffected(); {
	case err != nil:
		return fmt.Errorf("rows affected for outbox %s: %w", status, err)
	case n == 0:
		return fmt.Errorf("outbox message %s not found: %w", id, domain.ErrOutboxPublish)
	}
	return nil
}

// opContext - контекст одиночного запроса для портов без context.Context.
func opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), opTimeout)
}

var _ domain.OutboxRepository = (*OutboxRepository)(nil)
