package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/bms/internal/domain"
)

const productColumns = "id, code, name, stock, updated_at"

func newMockRecordStore(t *testing.T) (*RecordStore, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return NewRecordStore(NewStore(db)), mock
}

func productRow(id int64, stock string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "code", "name", "stock", "updated_at"}).
		AddRow(id, "P-1", "Widget", stock, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
}

func TestRecordStore_InsertOneSkipsZeroIDAndScansDecimals(t *testing.T) {
	store, mock := newMockRecordStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(
		"INSERT INTO products (code, name, stock) VALUES ($1, $2, $3) RETURNING "+productColumns,
	)).
		WithArgs("P-1", "Widget", decimal.RequireFromString("10.5")).
		WillReturnRows(productRow(7, "10.500"))

	rec, err := store.InsertOne(context.Background(), domain.CollectionProducts, domain.Record{
		"id":    int64(0),
		"code":  "P-1",
		"name":  "Widget",
		"stock": "10.5",
	})
	require.NoError(t, err)
	require.Equal(t, int64(7), rec.ID())

	stock, err := domain.AsDecimal(rec["stock"])
	require.NoError(t, err)
	require.True(t, stock.Equal(decimal.RequireFromString("10.5")))
}

func TestRecordStore_InsertManyRollsBackOnFailure(t *testing.T) {
	store, mock := newMockRecordStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO sale_lines")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "order_id", "product_id", "quantity", "unit_price", "discount", "tax", "subtotal", "total", "note"}).
			AddRow(1, 5, 3, "2", "60", "0", "0", "120", "120", ""))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO sale_lines")).
		WillReturnError(&pgconn.PgError{Code: "23514"})
	mock.ExpectRollback()

	_, err := store.InsertMany(context.Background(), domain.CollectionSaleLines, []domain.Record{
		{"order_id": int64(5), "product_id": int64(3), "quantity": decimal.NewFromInt(2)},
		{"order_id": int64(5), "product_id": int64(4), "quantity": decimal.Zero},
	})
	require.ErrorIs(t, err, domain.ErrRecordConstraint)
}

func TestRecordStore_InsertRejectsUnknownField(t *testing.T) {
	store, _ := newMockRecordStore(t)

	_, err := store.InsertOne(context.Background(), domain.CollectionProducts, domain.Record{"colour": "red"})
	require.ErrorIs(t, err, domain.ErrUnknownCollection)
}

func TestRecordStore_ReadOneNotFound(t *testing.T) {
	store, mock := newMockRecordStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT " + productColumns + " FROM products WHERE id = $1")).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "code", "name", "stock", "updated_at"}))

	_, err := store.ReadOne(context.Background(), domain.CollectionProducts, 42)
	require.ErrorIs(t, err, domain.ErrRecordNotFound)
}

func TestRecordStore_UpdateOneIfBuildsConditionalUpdate(t *testing.T) {
	store, mock := newMockRecordStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(
		"UPDATE products SET stock = $1 WHERE id = $2 AND stock = $3 RETURNING "+productColumns,
	)).
		WithArgs(decimal.NewFromInt(8), int64(3), decimal.NewFromInt(10)).
		WillReturnRows(productRow(3, "8"))

	rec, err := store.UpdateOneIf(context.Background(), domain.CollectionProducts, 3,
		domain.Record{"stock": decimal.NewFromInt(10)},
		domain.Record{"stock": decimal.NewFromInt(8)},
	)
	require.NoError(t, err)

	stock, _ := domain.AsDecimal(rec["stock"])
	require.True(t, stock.Equal(decimal.NewFromInt(8)))
}

func TestRecordStore_UpdateOneIfDistinguishesConflictFromMissing(t *testing.T) {
	store, mock := newMockRecordStore(t)
	ctx := context.Background()
	empty := func() *sqlmock.Rows {
		return sqlmock.NewRows([]string{"id", "code", "name", "stock", "updated_at"})
	}

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE products SET stock")).WillReturnRows(empty())
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM products WHERE id = $1")).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	_, err := store.UpdateOneIf(ctx, domain.CollectionProducts, 3,
		domain.Record{"stock": decimal.NewFromInt(10)},
		domain.Record{"stock": decimal.NewFromInt(8)},
	)
	require.ErrorIs(t, err, domain.ErrRecordConflict)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE products SET stock")).WillReturnRows(empty())
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM products WHERE id = $1")).
		WithArgs(int64(4)).
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))

	_, err = store.UpdateOneIf(ctx, domain.CollectionProducts, 4,
		domain.Record{"stock": decimal.NewFromInt(10)},
		domain.Record{"stock": decimal.NewFromInt(8)},
	)
	require.ErrorIs(t, err, domain.ErrRecordNotFound)
}

func TestRecordStore_FindBuildsFilteredQuery(t *testing.T) {
	store, mock := newMockRecordStore(t)
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(
		"FROM sales WHERE client_id = $1 AND status = $2 AND date >= $3 ORDER BY date DESC, id DESC LIMIT $4 OFFSET $5",
	)).
		WithArgs(int64(9), "paid", from, 10, 20).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "client_id", "date", "subtotal", "discount", "tax", "total",
			"amount_paid", "balance", "status", "notes", "created_at", "updated_at",
		}).AddRow(1, nil, from, "1", "0", "0", "1", "0", "1", "paid", "", from, from))

	recs, err := store.Find(context.Background(), domain.CollectionSales, domain.Filter{
		Eq:      map[string]any{"status": "paid", "client_id": 9},
		Gte:     map[string]any{"date": from},
		OrderBy: "date",
		Desc:    true,
		Limit:   10,
		Offset:  20,
	})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Nil(t, recs[0]["client_id"])
}

func TestRecordStore_FindRejectsUnknownOrderColumn(t *testing.T) {
	store, _ := newMockRecordStore(t)

	_, err := store.Find(context.Background(), domain.CollectionSales, domain.Filter{OrderBy: "total; DROP TABLE sales"})
	require.ErrorIs(t, err, domain.ErrUnknownCollection)
}

func TestRecordStore_DeleteOneMapsDriverErrors(t *testing.T) {
	store, mock := newMockRecordStore(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM sales WHERE id = $1")).
		WithArgs(int64(5)).
		WillReturnError(&pgconn.PgError{Code: "23503"})

	err := store.DeleteOne(context.Background(), domain.CollectionSales, 5)
	require.ErrorIs(t, err, domain.ErrRecordConstraint)
}

func TestMapError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"unique", &pgconn.PgError{Code: "23505"}, domain.ErrRecordConflict},
		{"not null", &pgconn.PgError{Code: "23502"}, domain.ErrRecordConstraint},
		{"check", &pgconn.PgError{Code: "23514"}, domain.ErrRecordConstraint},
		{"foreign key", &pgconn.PgError{Code: "23503"}, domain.ErrRecordConstraint},
		{"no rows", sql.ErrNoRows, domain.ErrRecordNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := mapError("op", tc.err); !errors.Is(got, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}

	if mapError("op", nil) != nil {
		t.Fatal("nil error must stay nil")
	}
}
