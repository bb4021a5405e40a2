package postgres

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/bms/internal/domain"
)

func TestRecordStore_PostgresHeaderAndLinesLifecycle(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	records := NewRecordStore(store)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := time.Now().UTC().Truncate(time.Microsecond)
	header := domain.OrderHeader{
		Kind:      domain.OrderKindSale,
		Date:      now,
		Total:     decimal.RequireFromString("120.00"),
		Status:    domain.OrderStatusPaid,
		CreatedAt: now,
		UpdatedAt: now,
	}
	stored, err := records.InsertOne(ctx, domain.CollectionSales, header.ToRecord())
	require.NoError(t, err)
	require.NotZero(t, stored.ID())
	require.Nil(t, stored["client_id"])

	line := domain.OrderLine{
		OrderID:   stored.ID(),
		ProductID: 3,
		Quantity:  decimal.NewFromInt(2),
		UnitPrice: decimal.NewFromInt(60),
		Total:     decimal.NewFromInt(120),
	}
	lines, err := records.InsertMany(ctx, domain.CollectionSaleLines, []domain.Record{line.ToRecord()})
	require.NoError(t, err)
	require.Len(t, lines, 1)

	found, err := records.Find(ctx, domain.CollectionSaleLines, domain.Where("order_id", stored.ID()))
	require.NoError(t, err)
	require.Len(t, found, 1)

	back, err := domain.HeaderFromRecord(domain.OrderKindSale, stored)
	require.NoError(t, err)
	require.True(t, back.Total.Equal(header.Total))

	require.NoError(t, records.DeleteOne(ctx, domain.CollectionSales, stored.ID()))
	found, err = records.Find(ctx, domain.CollectionSaleLines, domain.Where("order_id", stored.ID()))
	require.NoError(t, err)
	require.Empty(t, found, "lines cascade with header")
}

func TestRecordStore_PostgresLineConstraintIsReported(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	records := NewRecordStore(store)
	ctx := context.Background()

	_, err := records.InsertOne(ctx, domain.CollectionSaleLines, domain.Record{
		"order_id":   int64(999999),
		"product_id": int64(1),
		"quantity":   decimal.NewFromInt(1),
	})
	require.ErrorIs(t, err, domain.ErrRecordConstraint)
}

func TestRecordStore_PostgresConcurrentCompareAndSwap(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	records := NewRecordStore(store)
	ctx := context.Background()

	productID := seedProductForIntegrationTest(t, store, "P-CAS", "10")

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := records.UpdateOneIf(ctx, domain.CollectionProducts, productID,
				domain.Record{"stock": decimal.NewFromInt(10)},
				domain.Record{"stock": decimal.NewFromInt(9)},
			)
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, domain.ErrRecordConflict)
		}()
	}
	wg.Wait()

	require.Equal(t, 1, succeeded)

	after, err := records.ReadOne(ctx, domain.CollectionProducts, productID)
	require.NoError(t, err)
	p, err := domain.ProductFromRecord(after)
	require.NoError(t, err)
	require.True(t, p.Stock.Equal(decimal.NewFromInt(9)), "stock = %s", p.Stock)
}
