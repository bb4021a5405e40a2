package grpcsvc_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/bms/internal/auth"
	"github.com/vladislavdragonenkov/bms/internal/domain"
	"github.com/vladislavdragonenkov/bms/internal/service/api"
	"github.com/vladislavdragonenkov/bms/internal/service/coordinator"
	grpcsvc "github.com/vladislavdragonenkov/bms/internal/service/grpc"
	"github.com/vladislavdragonenkov/bms/internal/service/idempotency"
	"github.com/vladislavdragonenkov/bms/internal/storage/memory"
)

const bufSize = 1024 * 1024

func loggerForTests() *logrus.Entry {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	logger.SetLevel(logrus.DebugLevel)
	return logger.WithField("component", "test")
}

type testServer struct {
	client *grpcsvc.Client
	store  *memory.RecordStore
}

func newTestServer(t *testing.T, verifier *auth.Verifier) testServer {
	t.Helper()

	store := memory.NewTradeStore()
	_, err := store.InsertOne(context.Background(), domain.CollectionProducts, domain.Record{
		"id": int64(1), "code": "SKU-1", "name": "widget", "stock": decimal.NewFromInt(10),
	})
	require.NoError(t, err)

	logger := loggerForTests()
	svc := api.NewService(coordinator.New(store), nil, idempotency.NewGuard(memory.NewIdempotencyRepository()), logger)

	listener := bufconn.Listen(bufSize)
	server := grpc.NewServer(grpc.ChainUnaryInterceptor(
		grpcsvc.LoggingInterceptor(logger),
		grpcsvc.AuthInterceptor(verifier),
	))
	grpcsvc.RegisterTradeServiceServer(server, grpcsvc.NewTradeService(svc, logger))
	go func() {
		if err := server.Serve(listener); err != nil {
			logger.WithError(err).Error("grpc serve failed")
		}
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return listener.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
		server.Stop()
	})
	return testServer{client: grpcsvc.NewClient(conn), store: store}
}

func sale(qty int) map[string]any {
	return map[string]any{
		"kind":   "sale",
		"header": map[string]any{"client_id": 5, "total": qty * 10},
		"lines": []any{map[string]any{
			"product_id": 1, "quantity": qty, "unit_price": 10, "subtotal": qty * 10, "total": qty * 10,
		}},
	}
}

func number(t *testing.T, s *structpb.Struct, path ...string) float64 {
	t.Helper()
	v := structpb.NewStructValue(s)
	for _, key := range path {
		v = v.GetStructValue().GetFields()[key]
		require.NotNil(t, v, "missing %s", key)
	}
	return v.GetNumberValue()
}

func stockOf(t *testing.T, store *memory.RecordStore) decimal.Decimal {
	t.Helper()
	rec, err := store.ReadOne(context.Background(), domain.CollectionProducts, 1)
	require.NoError(t, err)
	d, err := domain.AsDecimal(rec["stock"])
	require.NoError(t, err)
	return d
}

func TestTradeService_CreateAndRead(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()

	created, err := ts.client.CreateOrder(ctx, sale(3))
	require.NoError(t, err)
	require.Equal(t, float64(1), number(t, created, "movements_written"))
	require.False(t, created.GetFields()["stock_sync_incomplete"].GetBoolValue())

	id := int64(number(t, created, "header", "id"))
	order, err := ts.client.GetOrder(ctx, "sale", id)
	require.NoError(t, err)
	require.Len(t, order.GetFields()["lines"].GetListValue().GetValues(), 1)

	listReq, err := structpb.NewStruct(map[string]any{"kind": "sale", "counterparty_id": 5})
	require.NoError(t, err)
	list, err := ts.client.Call(ctx, grpcsvc.MethodListOrders, listReq)
	require.NoError(t, err)
	require.Equal(t, float64(1), number(t, list, "count"))

	updReq, err := structpb.NewStruct(map[string]any{"kind": "sale", "id": id, "update": map[string]any{"status": "paid"}})
	require.NoError(t, err)
	updated, err := ts.client.Call(ctx, grpcsvc.MethodUpdateOrder, updReq)
	require.NoError(t, err)
	require.Equal(t, "paid", updated.GetFields()["status"].GetStringValue())

	mvReq, err := structpb.NewStruct(map[string]any{"kind": "sale", "id": id})
	require.NoError(t, err)
	ms, err := ts.client.Call(ctx, grpcsvc.MethodListMovements, mvReq)
	require.NoError(t, err)
	require.Len(t, ms.GetFields()["items"].GetListValue().GetValues(), 1)

	voided, err := ts.client.Call(ctx, grpcsvc.MethodVoidOrder, mvReq)
	require.NoError(t, err)
	require.Equal(t, "voided", voided.GetFields()["status"].GetStringValue())

	statsReq, err := structpb.NewStruct(map[string]any{"kind": "sale"})
	require.NoError(t, err)
	stats, err := ts.client.Call(ctx, grpcsvc.MethodGetStats, statsReq)
	require.NoError(t, err)
	require.Equal(t, float64(1), number(t, stats, "count"))
}

func TestTradeService_ErrorCodes(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()

	empty := sale(1)
	empty["lines"] = []any{}
	_, err := ts.client.CreateOrder(ctx, empty)
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	var field string
	for _, d := range status.Convert(err).Details() {
		if br, ok := d.(*errdetails.BadRequest); ok && len(br.GetFieldViolations()) > 0 {
			field = br.GetFieldViolations()[0].GetField()
		}
	}
	require.Equal(t, "lines", field)

	_, err = ts.client.GetOrder(ctx, "purchase", 99)
	require.Equal(t, codes.NotFound, status.Code(err))

	_, err = ts.client.GetOrder(ctx, "refund", 1)
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	created, err := ts.client.CreateOrder(ctx, sale(1))
	require.NoError(t, err)
	voidReq, err := structpb.NewStruct(map[string]any{"kind": "sale", "id": number(t, created, "header", "id")})
	require.NoError(t, err)
	_, err = ts.client.Call(ctx, grpcsvc.MethodVoidOrder, voidReq)
	require.NoError(t, err)
	_, err = ts.client.Call(ctx, grpcsvc.MethodVoidOrder, voidReq)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestTradeService_IdempotencyMetadata(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := metadata.AppendToOutgoingContext(context.Background(), "idempotency-key", "grpc-1")

	first, err := ts.client.CreateOrder(ctx, sale(2))
	require.NoError(t, err)

	var header metadata.MD
	second, err := ts.client.CreateOrder(ctx, sale(2), grpc.Header(&header))
	require.NoError(t, err)
	require.Equal(t, number(t, first, "header", "id"), number(t, second, "header", "id"))
	require.Equal(t, []string{"true"}, header.Get("idempotent-replayed"))

	_, err = ts.client.CreateOrder(ctx, sale(3))
	require.Equal(t, codes.AlreadyExists, status.Code(err))
	require.True(t, stockOf(t, ts.store).Equal(decimal.NewFromInt(8)))
}

func TestTradeService_Authentication(t *testing.T) {
	verifier, err := auth.NewVerifier("grpc-secret", "")
	require.NoError(t, err)
	ts := newTestServer(t, verifier)

	_, err = ts.client.CreateOrder(context.Background(), sale(1))
	require.Equal(t, codes.Unauthenticated, status.Code(err))

	token, err := verifier.Issue("operator", "", time.Minute)
	require.NoError(t, err)
	ctx := metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+token)
	_, err = ts.client.CreateOrder(ctx, sale(1))
	require.NoError(t, err)
}

func TestTradeService_ConcurrentSales(t *testing.T) {
	ts := newTestServer(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ts.client.CreateOrder(context.Background(), sale(6))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.True(t, stockOf(t, ts.store).Equal(decimal.NewFromInt(-2)))
	require.Equal(t, 2, ts.store.Count(domain.CollectionStockMovements))
}
