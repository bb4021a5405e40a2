package postgres

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func openPostgresStoreForIntegrationTest(t *testing.T) *Store {
	t.Helper()

	store := openRawPostgresStoreForIntegrationTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := store.MigrateUp(ctx, 0); err != nil {
		t.Fatalf("migrate up: %v", err)
	}
	truncateAllTablesForIntegrationTest(t, store)

	return store
}

// openRawPostgresStoreForIntegrationTest открывает базу без миграций. DSN
// берётся из BMS_POSTGRES_TEST_DSN; без него тест пропускается.
func openRawPostgresStoreForIntegrationTest(t *testing.T) *Store {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("BMS_POSTGRES_TEST_DSN"))
	if dsn == "" {
		t.Skip("BMS_POSTGRES_TEST_DSN is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	store, err := Open(ctx, dsn, PoolConfig{MaxOpenConns: 5})
	if err != nil {
		t.Skipf("postgres is not available for integration tests: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// seedProductForIntegrationTest вставляет товар с остатком и возвращает его id.
func seedProductForIntegrationTest(t *testing.T, store *Store, code, stock string) int64 {
	t.Helper()

	var id int64
	err := store.DB().QueryRowContext(context.Background(),
		`INSERT INTO products (code, name, stock) VALUES ($1, $1, $2::numeric) RETURNING id`, code, stock,
	).Scan(&id)
	if err != nil {
		t.Fatalf("seed product %s: %v", code, err)
	}
	return id
}

func truncateAllTablesForIntegrationTest(t *testing.T, store *Store) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := store.DB().ExecContext(ctx, `
		TRUNCATE TABLE
			idempotency_keys,
			outbox_messages,
			stock_movements,
			sale_lines,
			sales,
			purchase_lines,
			purchases,
			products
		RESTART IDENTITY CASCADE
	`)
	if err != nil {
		t.Fatalf("truncate integration tables: %v", err)
	}
}
