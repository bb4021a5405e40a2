// Package storagetest содержит общие проверки контрактов хранилищ, которые
// прогоняются и против памяти, и против PostgreSQL.
package storagetest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/bms/internal/domain"
)

// IdempotencyFactory возвращает пустой репозиторий для одного подтеста.
type IdempotencyFactory func(t *testing.T) domain.IdempotencyRepository

// RunIdempotencyContract проверяет поведение, на которое опирается idempotency.Guard.
func RunIdempotencyContract(t *testing.T, newRepo IdempotencyFactory) {
	// PostgreSQL хранит микросекунды.
	now := time.Now().UTC().Truncate(time.Microsecond)

	t.Run("claim and read back", func(t *testing.T) {
		repo := newRepo(t)
		ttl := now.Add(2 * time.Hour)

		created, err := repo.CreateProcessing("sale-create-1", "hash-1", ttl)
		require.NoError(t, err)
		require.Equal(t, domain.IdempotencyStatusProcessing, created.Status)
		require.False(t, created.Finished())

		got, err := repo.Get("sale-create-1")
		require.NoError(t, err)
		require.Equal(t, "hash-1", got.RequestHash)
		require.True(t, got.TTLAt.Equal(ttl), "ttl: want %s, got %s", ttl, got.TTLAt)
	})

	t.Run("second claim reports existing record", func(t *testing.T) {
		repo := newRepo(t)
		ttl := now.Add(time.Hour)

		_, err := repo.CreateProcessing("sale-create-2", "hash-a", ttl)
		require.NoError(t, err)

		existing, err := repo.CreateProcessing("sale-create-2", "hash-a", ttl)
		require.ErrorIs(t, err, domain.ErrIdempotencyKeyAlreadyExists)
		require.Equal(t, domain.IdempotencyStatusProcessing, existing.Status)

		_, err = repo.CreateProcessing("sale-create-2", "hash-b", ttl)
		require.ErrorIs(t, err, domain.ErrIdempotencyHashMismatch)
	})

	t.Run("finished responses are stored", func(t *testing.T) {
		repo := newRepo(t)
		ttl := now.Add(time.Hour)

		for _, key := range []string{"done", "failed"} {
			_, err := repo.CreateProcessing(key, "h-"+key, ttl)
			require.NoError(t, err)
		}
		require.NoError(t, repo.MarkDone("done", []byte(`{"header":{"id":1}}`), 201))
		require.NoError(t, repo.MarkFailed("failed", []byte(`{"code":"persistence_error"}`), 500))

		done, err := repo.Get("done")
		require.NoError(t, err)
		require.Equal(t, domain.IdempotencyStatusDone, done.Status)
		require.Equal(t, 201, done.HTTPStatus)
		require.JSONEq(t, `{"header":{"id":1}}`, string(done.ResponseBody))

		failed, err := repo.Get("failed")
		require.NoError(t, err)
		require.Equal(t, domain.IdempotencyStatusFailed, failed.Status)
		require.True(t, failed.Finished())

		require.ErrorIs(t, repo.MarkDone("missing", nil, 200), domain.ErrIdempotencyKeyNotFound)
	})

	t.Run("expired key is reclaimed", func(t *testing.T) {
		repo := newRepo(t)

		_, err := repo.CreateProcessing("sale-reclaim", "old-hash", now.Add(-time.Minute))
		require.NoError(t, err)
		require.NoError(t, repo.MarkDone("sale-reclaim", []byte(`{"id":1}`), 201))

		reclaimed, err := repo.CreateProcessing("sale-reclaim", "new-hash", now.Add(time.Hour))
		require.NoError(t, err)
		require.Equal(t, "new-hash", reclaimed.RequestHash)

		got, err := repo.Get("sale-reclaim")
		require.NoError(t, err)
		require.Equal(t, domain.IdempotencyStatusProcessing, got.Status)
		require.Empty(t, got.ResponseBody)
		require.Zero(t, got.HTTPStatus)
	})

	t.Run("failed key is reclaimed by the same request only", func(t *testing.T) {
		repo := newRepo(t)
		ttl := now.Add(time.Hour)

		_, err := repo.CreateProcessing("sale-retry", "hash-a", ttl)
		require.NoError(t, err)
		require.NoError(t, repo.MarkFailed("sale-retry", []byte(`{"code":"persistence_error"}`), 500))

		held, err := repo.CreateProcessing("sale-retry", "hash-b", ttl)
		require.ErrorIs(t, err, domain.ErrIdempotencyHashMismatch)
		require.Equal(t, domain.IdempotencyStatusFailed, held.Status)

		retried, err := repo.CreateProcessing("sale-retry", "hash-a", ttl)
		require.NoError(t, err)
		require.Equal(t, domain.IdempotencyStatusProcessing, retried.Status)

		got, err := repo.Get("sale-retry")
		require.NoError(t, err)
		require.Equal(t, domain.IdempotencyStatusProcessing, got.Status)
		require.Empty(t, got.ResponseBody)
		require.Zero(t, got.HTTPStatus)

		// done-ключ повтором не освобождается
		require.NoError(t, repo.MarkDone("sale-retry", []byte(`{"id":3}`), 201))
		_, err = repo.CreateProcessing("sale-retry", "hash-a", ttl)
		require.ErrorIs(t, err, domain.ErrIdempotencyKeyAlreadyExists)
	})

	t.Run("delete expired honours limit", func(t *testing.T) {
		repo := newRepo(t)

		for i, offset := range []time.Duration{-5 * time.Minute, -4 * time.Minute, -3 * time.Minute} {
			_, err := repo.CreateProcessing("expired-"+string(rune('a'+i)), "h", now.Add(offset))
			require.NoError(t, err)
		}
		_, err := repo.CreateProcessing("active", "h", now.Add(time.Hour))
		require.NoError(t, err)

		removed, err := repo.DeleteExpired(now, 2)
		require.NoError(t, err)
		require.Equal(t, 2, removed)

		// Сначала удаляются самые старые.
		_, err = repo.Get("expired-a")
		require.ErrorIs(t, err, domain.ErrIdempotencyKeyNotFound)
		_, err = repo.Get("expired-c")
		require.NoError(t, err)

		removed, err = repo.DeleteExpired(now, 10)
		require.NoError(t, err)
		require.Equal(t, 1, removed)

		_, err = repo.Get("active")
		require.NoError(t, err)
	})

	t.Run("blank key is rejected", func(t *testing.T) {
		repo := newRepo(t)

		_, err := repo.CreateProcessing("  ", "hash", now.Add(time.Hour))
		require.ErrorIs(t, err, domain.ErrIdempotencyKeyRequired)
		_, err = repo.Get("")
		require.ErrorIs(t, err, domain.ErrIdempotencyKeyRequired)
	})
}
