package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/bms/internal/domain"
)

const defaultIdempotencyTTL = 24 * time.Hour

const (
	// Конфликт обновляет строку только для просроченного ключа или failed-ключа
	// с тем же хэшем (см. IdempotencyRecord.Reclaimable), иначе RETURNING пуст.
	claimKeySQL = `
INSERT INTO idempotency_keys (key, request_hash, status, ttl_at, created_at, updated_at)
VALUES ($1, $2, 'processing', $3, $4, $4)
ON CONFLICT (key) DO UPDATE SET
	request_hash  = EXCLUDED.request_hash,
	response_body = NULL,
	http_status   = NULL,
	status        = EXCLUDED.status,
	ttl_at        = EXCLUDED.ttl_at,
	created_at    = EXCLUDED.created_at,
	updated_at    = EXCLUDED.updated_at
WHERE idempotency_keys.ttl_at <= $4
   OR (idempotency_keys.status = 'failed' AND idempotency_keys.request_hash = EXCLUDED.request_hash)
RETURNING created_at`

	selectKeySQL = `
SELECT request_hash, response_body, http_status, status, ttl_at, created_at, updated_at
FROM idempotency_keys WHERE key = $1`

	finishKeySQL = `
UPDATE idempotency_keys
SET status = $2, response_body = $3, http_status = $4, updated_at = $5
WHERE key = $1`

	// LIMIT NULL в PostgreSQL означает отсутствие ограничения.
	deleteExpiredSQL = `
DELETE FROM idempotency_keys WHERE key IN (
	SELECT key FROM idempotency_keys WHERE ttl_at <= $1 ORDER BY ttl_at LIMIT $2
)`
)

// IdempotencyRepository хранит ключи идемпотентности в idempotency_keys.
type IdempotencyRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewIdempotencyRepository(store *Store) *IdempotencyRepository {
	return &IdempotencyRepository{
		db:  store.DB(),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// CreateProcessing занимает ключ. Если ключ жив, возвращается существующая
// запись вместе с ErrIdempotencyKeyAlreadyExists или ErrIdempotencyHashMismatch.
func (r *IdempotencyRepository) CreateProcessing(key, requestHash string, ttlAt time.Time) (domain.IdempotencyRecord, error) {
	key, requestHash = strings.TrimSpace(key), strings.TrimSpace(requestHash)
	switch {
	case key == "":
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	case requestHash == "":
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyRequestHashRequired
	}

	now := r.now()
	if ttlAt.IsZero() {
		ttlAt = now.Add(defaultIdempotencyTTL)
	}

	ctx, cancel := opContext()
	defer cancel()

	var createdAt time.Time
	err := r.db.QueryRowContext(ctx, claimKeySQL, key, requestHash, ttlAt, now).Scan(&createdAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return r.heldBy(key, requestHash)
	case err != nil:
		return domain.IdempotencyRecord{}, mapError("claim idempotency key", err)
	}

	return domain.IdempotencyRecord{
		Key:         key,
		RequestHash: requestHash,
		Status:      domain.IdempotencyStatusProcessing,
		TTLAt:       ttlAt,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}, nil
}

// heldBy описывает уже занятый ключ для CreateProcessing.
func (r *IdempotencyRepository) heldBy(key, requestHash string) (domain.IdempotencyRecord, error) {
	existing, err := r.Get(key)
	if err != nil {
		// строку успели удалить между INSERT и SELECT
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyAlreadyExists
	}
	if existing.RequestHash != requestHash {
		return existing, domain.ErrIdempotencyHashMismatch
	}
	return existing, domain.ErrIdempotencyKeyAlreadyExists
}

func (r *IdempotencyRepository) Get(key string) (domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := opContext()
	defer cancel()

	rec := domain.IdempotencyRecord{Key: key}
	var (
		status     string
		httpStatus sql.NullInt64
	)
	err := r.db.QueryRowContext(ctx, selectKeySQL, key).Scan(
		&rec.RequestHash, &rec.ResponseBody, &httpStatus, &status, &rec.TTLAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	case err != nil:
		return domain.IdempotencyRecord{}, mapError("get idempotency key", err)
	}

	rec.Status = domain.IdempotencyStatus(status)
	if !rec.Status.Valid() {
		return domain.IdempotencyRecord{}, fmt.Errorf("idempotency key %s has unknown status %q", key, status)
	}
	rec.HTTPStatus = int(httpStatus.Int64)
	return rec, nil
}

func (r *IdempotencyRepository) MarkDone(key string, responseBody []byte, httpStatus int) error {
	return r.finish(key, domain.IdempotencyStatusDone, responseBody, httpStatus)
}

func (r *IdempotencyRepository) MarkFailed(key string, responseBody []byte, httpStatus int) error {
	return r.finish(key, domain.IdempotencyStatusFailed, responseBody, httpStatus)
}

func (r *IdempotencyRepository) finish(key string, status domain.IdempotencyStatus, body []byte, httpStatus int) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := opContext()
	defer cancel()

	res, err := r.db.ExecContext(ctx, finishKeySQL, key, string(status), body, httpStatus, r.now())
	if err != nil {
		return mapError("finish idempotency key", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("idempotency rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrIdempotencyKeyNotFound
	}
	return nil
}

// DeleteExpired удаляет до limit ключей с ttl_at <= before, самые старые
// первыми; limit <= 0 снимает ограничение, нулевой before означает "сейчас".
func (r *IdempotencyRepository) DeleteExpired(before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = r.now()
	}
	bound := sql.NullInt64{Int64: int64(limit), Valid: limit > 0}

	ctx, cancel := opContext()
	defer cancel()

	res, err := r.db.ExecContext(ctx, deleteExpiredSQL, before, bound)
	if err != nil {
		return 0, mapError("delete expired idempotency keys", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("idempotency rows affected: %w", err)
	}
	return int(n), nil
}

var _ domain.IdempotencyRepository = (*IdempotencyRepository)(nil)
