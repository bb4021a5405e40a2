package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/bms/internal/domain"
	"github.com/vladislavdragonenkov/bms/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/bms/internal/service/api"
	"github.com/vladislavdragonenkov/bms/internal/service/coordinator"
	grpcsvc "github.com/vladislavdragonenkov/bms/internal/service/grpc"
	httpsvc "github.com/vladislavdragonenkov/bms/internal/service/http"
	"github.com/vladislavdragonenkov/bms/internal/service/idempotency"
	"github.com/vladislavdragonenkov/bms/internal/service/outbox"
	"github.com/vladislavdragonenkov/bms/internal/storage/memory"
)

// faultyStore - memory store с управляемыми сбоями записи позиций и остатков.
type faultyStore struct {
	*memory.RecordStore
	failLines        atomic.Bool
	failStockProduct atomic.Int64
}

var errInjected = errors.New("injected storage failure")

func (s *faultyStore) InsertMany(ctx context.Context, coll string, recs []domain.Record) ([]domain.Record, error) {
	if s.failLines.Load() && (coll == domain.CollectionSaleLines || coll == domain.CollectionPurchaseLines) {
		return nil, errInjected
	}
	return s.RecordStore.InsertMany(ctx, coll, recs)
}

func (s *faultyStore) UpdateOneIf(ctx context.Context, coll string, id int64, expect, patch domain.Record) (domain.Record, error) {
	if coll == domain.CollectionProducts && id == s.failStockProduct.Load() {
		return nil, errInjected
	}
	return s.RecordStore.UpdateOneIf(ctx, coll, id, expect, patch)
}

// TradeLifecycleTestSuite проверяет заказ целиком: REST и gRPC поверх одного
// координатора, остатки, журнал движений и доставку событий в Kafka.
type TradeLifecycleTestSuite struct {
	suite.Suite
	store    *faultyStore
	outbox   *memory.OutboxRepository
	router   http.Handler
	grpc     *grpcsvc.TradeService
	producer *mocks.SyncProducer
	worker   *outbox.Worker
}

func (s *TradeLifecycleTestSuite) SetupTest() {
	baseLogger := log.New()
	baseLogger.SetLevel(log.WarnLevel)
	logger := baseLogger.WithField("component", "integration-test")

	s.store = &faultyStore{RecordStore: memory.NewTradeStore()}
	for id, stock := range map[int64]int64{1: 20, 2: 5} {
		_, err := s.store.InsertOne(context.Background(), domain.CollectionProducts, domain.Record{
			"id": id, "code": fmt.Sprintf("SKU-%d", id), "name": "product", "stock": decimal.NewFromInt(stock),
		})
		s.Require().NoError(err)
	}

	s.outbox = memory.NewOutboxRepository()
	coord := coordinator.New(s.store, coordinator.WithOutbox(s.outbox), coordinator.WithLogger(logger))
	svc := api.NewService(coord, nil, idempotency.NewGuard(memory.NewIdempotencyRepository()), logger)

	s.router = httpsvc.NewRouter(svc, httpsvc.Options{Logger: logger})
	s.grpc = grpcsvc.NewTradeService(svc, logger)

	s.producer = mocks.NewSyncProducer(s.T(), nil)
	publisher := kafka.NewOutboxPublisher(kafka.NewProducerFromSync(s.producer), kafka.TopicOrderEvents)
	s.worker = outbox.NewWorker(s.outbox, publisher, outbox.WithRetryBaseDelay(0), outbox.WithLogger(logger))
}

func (s *TradeLifecycleTestSuite) TearDownTest() {
	// mocks.SyncProducer проверяет, что все ожидания исчерпаны
	s.Require().NoError(s.producer.Close())
}

func (s *TradeLifecycleTestSuite) TestSaleLifecycle() {
	created := s.createSale("sale-1", line(1, 3), line(2, 2))
	s.Require().False(created.StockSyncIncomplete)
	s.Require().Equal(2, created.MovementsWritten)
	s.Require().Equal("created", created.Header.Status)
	s.requireStock(1, 17)
	s.requireStock(2, 3)

	id := created.Header.ID
	path := fmt.Sprintf("/api/sales/%d", id)

	var paid api.HeaderView
	s.do(http.MethodPut, path, "", map[string]any{"status": "paid", "amount_paid": "50"}, http.StatusOK, &paid)
	s.Require().Equal("paid", paid.Status)
	s.Require().True(paid.AmountPaid.Equal(decimal.NewFromInt(50)))

	var moves api.MovementsView
	s.do(http.MethodGet, path+"/movements", "", nil, http.StatusOK, &moves)
	s.Require().Len(moves.Items, 2)
	s.Require().Equal("out", moves.Items[0].Direction)
	s.Require().True(moves.Items[1].StockAfter.Equal(decimal.NewFromInt(3)))

	var voided api.HeaderView
	s.do(http.MethodDelete, path, "", nil, http.StatusOK, &voided)
	s.Require().Equal("voided", voided.Status)
	// аннулирование не возвращает товар на склад
	s.requireStock(1, 17)

	s.expectEvents(domain.EventOrderCreated, domain.EventOrderStatusChanged, domain.EventOrderStatusChanged)
	res := s.worker.Drain(context.Background())
	s.Require().Equal(3, res.Sent)
}

func (s *TradeLifecycleTestSuite) TestIdempotentRetryDoesNotSellTwice() {
	first := s.createSale("retry-key", line(1, 4))
	second := s.createSale("retry-key", line(1, 4))

	s.Require().Equal(first.Header.ID, second.Header.ID)
	s.requireStock(1, 16)
	s.Require().Equal(1, s.store.Count(domain.CollectionSales))

	body := submission(line(1, 5))
	s.do(http.MethodPost, "/api/sales", "retry-key", body, http.StatusConflict, nil)

	s.expectEvents(domain.EventOrderCreated)
	s.Require().Equal(1, s.worker.Drain(context.Background()).Sent)
}

func (s *TradeLifecycleTestSuite) TestPurchaseOverGRPC() {
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("idempotency-key", "purchase-1"))
	req, err := structpb.NewStruct(map[string]any{
		"kind":   "purchase",
		"header": map[string]any{"supplier_id": 9, "total": 100, "status": "pending"},
		"lines":  []any{map[string]any{"product_id": 2, "quantity": 10, "unit_price": 10, "subtotal": 100, "total": 100}},
	})
	s.Require().NoError(err)

	out, err := s.grpc.CreateOrder(ctx, req)
	s.Require().NoError(err)
	var created api.CreateView
	decode(s.T(), out, &created)
	s.Require().Zero(created.MovementsWritten)
	s.requireStock(2, 5)

	upd, err := structpb.NewStruct(map[string]any{"kind": "purchase", "id": created.Header.ID, "update": map[string]any{"status": "received"}})
	s.Require().NoError(err)
	_, err = s.grpc.UpdateOrder(context.Background(), upd)
	s.Require().NoError(err)
	// приёмка существующей закупки не двигает остаток
	s.requireStock(2, 5)

	received := s.createPurchase(map[string]any{"supplier_id": 9, "total": 30, "status": "received"}, line(2, 3))
	s.Require().Equal(1, received.MovementsWritten)
	s.Require().Equal("in", received.Movements[0].Direction)
	s.requireStock(2, 8)

	var cancelled api.HeaderView
	s.do(http.MethodDelete, fmt.Sprintf("/api/purchases/%d", received.Header.ID), "", nil, http.StatusOK, &cancelled)
	s.Require().Equal("cancelled", cancelled.Status)
	s.Require().Equal(2, s.store.Count(domain.CollectionPurchases))

	var stats api.StatsView
	s.do(http.MethodGet, "/api/purchases/stats", "", nil, http.StatusOK, &stats)
	s.Require().Equal(2, stats.Count)

	s.expectEvents(domain.EventOrderCreated, domain.EventOrderStatusChanged, domain.EventOrderCreated, domain.EventOrderStatusChanged)
	s.Require().Equal(4, s.worker.Drain(context.Background()).Sent)
}

func (s *TradeLifecycleTestSuite) TestLineFailureCompensatesHeader() {
	s.store.failLines.Store(true)

	var failure api.ErrorEnvelope
	s.do(http.MethodPost, "/api/sales", "", submission(line(1, 1)), http.StatusInternalServerError, &failure)
	s.Require().Equal(api.CodePersistence, failure.Error.Code)

	s.Require().Zero(s.store.Count(domain.CollectionSales), "header must be compensated")
	s.requireStock(1, 20)

	s.expectEvents(domain.EventOrderCompensated)
	s.Require().Equal(1, s.worker.Drain(context.Background()).Sent)
}

func (s *TradeLifecycleTestSuite) TestStockFailureKeepsOrderAndWarns() {
	s.store.failStockProduct.Store(2)

	created := s.createSale("", line(1, 2), line(2, 1), line(1, 1))
	s.Require().True(created.StockSyncIncomplete)
	s.Require().NotNil(created.Warning)
	s.Require().Equal(api.CodePartialStock, created.Warning.Code)
	s.Require().Equal(1, created.MovementsWritten)
	// первая позиция применена, остальные нет
	s.requireStock(1, 18)
	s.requireStock(2, 5)

	s.expectEvents(domain.EventOrderCreated, domain.EventStockSyncIncomplete)
	s.Require().Equal(2, s.worker.Drain(context.Background()).Sent)
}

func (s *TradeLifecycleTestSuite) TestBrokerOutageGoesToFailedAfterRetries() {
	s.createSale("", line(1, 1))

	for i := 0; i < 3; i++ {
		s.producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	}
	res := s.worker.ProcessOnce(context.Background())
	s.Require().Equal(1, res.Failed)

	stats, err := s.outbox.Stats()
	s.Require().NoError(err)
	s.Require().Zero(stats.PendingCount)
}

// Вспомогательные методы

type lineSpec struct {
	productID int64
	qty       int
}

func line(productID int64, qty int) lineSpec { return lineSpec{productID: productID, qty: qty} }

func submission(lines ...lineSpec) map[string]any {
	items := make([]any, 0, len(lines))
	total := 0
	for _, l := range lines {
		items = append(items, map[string]any{
			"product_id": l.productID, "quantity": l.qty, "unit_price": 10, "subtotal": l.qty * 10, "total": l.qty * 10,
		})
		total += l.qty * 10
	}
	return map[string]any{
		"header": map[string]any{"client_id": 7, "total": total},
		"lines":  items,
	}
}

func (s *TradeLifecycleTestSuite) createSale(key string, lines ...lineSpec) api.CreateView {
	var view api.CreateView
	s.do(http.MethodPost, "/api/sales", key, submission(lines...), http.StatusCreated, &view)
	return view
}

func (s *TradeLifecycleTestSuite) createPurchase(header map[string]any, lines ...lineSpec) api.CreateView {
	body := submission(lines...)
	body["header"] = header
	var view api.CreateView
	s.do(http.MethodPost, "/api/purchases", "", body, http.StatusCreated, &view)
	return view
}

func (s *TradeLifecycleTestSuite) do(method, path, key string, body any, wantStatus int, out any) {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		s.Require().NoError(err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	s.Require().Equal(wantStatus, rec.Code, "%s %s: %s", method, path, rec.Body.String())
	if out != nil {
		s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), out))
	}
}

func (s *TradeLifecycleTestSuite) requireStock(productID, want int64) {
	rec, err := s.store.ReadOne(context.Background(), domain.CollectionProducts, productID)
	s.Require().NoError(err)
	got, err := domain.AsDecimal(rec["stock"])
	s.Require().NoError(err)
	s.Require().True(got.Equal(decimal.NewFromInt(want)), "product %d stock: want %d, got %s", productID, want, got)
}

// expectEvents ожидает публикации событий в указанном порядке.
func (s *TradeLifecycleTestSuite) expectEvents(types ...string) {
	for _, eventType := range types {
		want := eventType
		s.producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
			for _, h := range msg.Headers {
				if string(h.Key) == kafka.HeaderEventType {
					if string(h.Value) != want {
						return fmt.Errorf("expected %s event, got %s", want, h.Value)
					}
					return nil
				}
			}
			return errors.New("event type header is missing")
		})
	}
}

func decode(t *testing.T, in *structpb.Struct, out any) {
	t.Helper()
	raw, err := json.Marshal(in.AsMap())
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, out))
}

func TestTradeLifecycle(t *testing.T) {
	suite.Run(t, new(TradeLifecycleTestSuite))
}
