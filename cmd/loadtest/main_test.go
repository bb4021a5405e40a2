package main

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/bms/internal/domain"
	"github.com/vladislavdragonenkov/bms/internal/service/api"
	"github.com/vladislavdragonenkov/bms/internal/service/coordinator"
	grpcsvc "github.com/vladislavdragonenkov/bms/internal/service/grpc"
	"github.com/vladislavdragonenkov/bms/internal/service/idempotency"
	"github.com/vladislavdragonenkov/bms/internal/storage/memory"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		input   string
		want    loadMode
		wantErr bool
	}{
		{input: "sale", want: modeSale},
		{input: " sale-pay ", want: modeSalePay},
		{input: "sale-void", want: modeSaleVoid},
		{input: "create", wantErr: true},
	}
	for _, tc := range tests {
		got, err := parseMode(tc.input)
		if tc.wantErr {
			if err == nil || !strings.Contains(err.Error(), "unsupported mode") {
				t.Fatalf("%q: expected unsupported mode error, got %v", tc.input, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("%q: got %q, %v", tc.input, got, err)
		}
	}
}

func TestParseConfig(t *testing.T) {
	t.Run("count mode", func(t *testing.T) {
		cfg, err := parseConfig([]string{
			"-addr=127.0.0.1:50051",
			"-mode=sale-pay",
			"-total=12",
			"-concurrency=3",
			"-connections=2",
			"-timeout=2s",
			"-product-id=7",
			"-quantity=0.5",
			"-unit-price=19.90",
			"-client-id=3",
			"-token=abc",
		})
		require.NoError(t, err)
		require.True(t, cfg.totalSet)
		require.Zero(t, cfg.duration)
		require.Equal(t, modeSalePay, cfg.mode)
		require.Equal(t, 12, cfg.total)
		require.Equal(t, 3, cfg.concurrency)
		require.Equal(t, 2*time.Second, cfg.timeout)
		require.Equal(t, int64(7), cfg.productID)
		require.True(t, cfg.quantity.Equal(decimal.RequireFromString("0.5")))
		require.True(t, cfg.unitPrice.Equal(decimal.RequireFromString("19.9")))
		require.True(t, cfg.verify)
	})

	t.Run("duration mode", func(t *testing.T) {
		cfg, err := parseConfig([]string{"-duration=3s", "-verify=false"})
		require.NoError(t, err)
		require.Equal(t, 3*time.Second, cfg.duration)
		require.False(t, cfg.totalSet)
		require.False(t, cfg.verify)
	})

	t.Run("validation errors", func(t *testing.T) {
		tests := []struct {
			name    string
			args    []string
			wantErr string
		}{
			{"invalid duration", []string{"-duration=bad"}, "invalid value"},
			{"negative duration", []string{"-duration=-1s"}, "duration must be >= 0"},
			{"empty total", []string{"-total=0"}, "total must be > 0"},
			{"zero concurrency", []string{"-concurrency=0"}, "concurrency must be > 0"},
			{"bad quantity", []string{"-quantity=abc"}, "parse quantity"},
			{"zero quantity", []string{"-quantity=0"}, "quantity must be > 0"},
			{"negative price", []string{"-unit-price=-1"}, "unit-price must be >= 0"},
			{"bad product", []string{"-product-id=0"}, "product-id must be > 0"},
			{"bad mode", []string{"-mode=refund"}, "unsupported mode"},
		}
		for _, tc := range tests {
			t.Run(tc.name, func(t *testing.T) {
				_, err := parseConfig(tc.args)
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
				}
			})
		}
	})
}

func TestBearerToken(t *testing.T) {
	token, err := bearerToken(config{token: "given", jwtSecret: "secret"})
	require.NoError(t, err)
	require.Equal(t, "given", token)

	token, err = bearerToken(config{})
	require.NoError(t, err)
	require.Empty(t, token)

	token, err = bearerToken(config{jwtSecret: "secret", jwtIssuer: "bms"})
	require.NoError(t, err)
	require.Equal(t, 2, strings.Count(token, "."), "expected a compact JWT")
}

func TestDispatchJobs(t *testing.T) {
	t.Run("count mode", func(t *testing.T) {
		jobs := make(chan int, 16)
		dispatchJobs(jobs, config{total: 5})

		var got []int
		for v := range jobs {
			got = append(got, v)
		}
		if !slices.Equal(got, []int{0, 1, 2, 3, 4}) {
			t.Fatalf("unexpected jobs sequence: %v", got)
		}
	})

	t.Run("duration mode", func(t *testing.T) {
		jobs := make(chan int, 32)
		go dispatchJobs(jobs, config{duration: 20 * time.Millisecond})

		count := 0
		for range jobs {
			count++
		}
		if count == 0 {
			t.Fatal("expected jobs in duration mode")
		}
	})

	t.Run("duration with explicit max total", func(t *testing.T) {
		jobs := make(chan int, 16)
		dispatchJobs(jobs, config{duration: time.Second, total: 3, totalSet: true})
		count := 0
		for range jobs {
			count++
		}
		if count != 3 {
			t.Fatalf("expected 3 jobs, got %d", count)
		}
	})
}

func TestCollectorAndReport(t *testing.T) {
	c := newCollector()
	c.record(scenarioMethod, 10*time.Millisecond, codes.OK)
	c.record(scenarioMethod, 20*time.Millisecond, codes.FailedPrecondition)
	c.record(grpcsvc.MethodCreateOrder, 15*time.Millisecond, codes.OK)

	snap, ok := c.snapshot(scenarioMethod)
	require.True(t, ok)
	require.Equal(t, int64(2), snap.Calls)
	require.Equal(t, int64(1), snap.Codes[codes.FailedPrecondition.String()])
	_, ok = c.snapshot("missing")
	require.False(t, ok)

	r, err := c.buildReport(time.Now(), 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, int64(2), r.TotalScenarios)
	require.Equal(t, int64(1), r.FailedScenarios)
	require.InDelta(t, 0.5, r.ErrorRate, 1e-9)
	require.InDelta(t, 1.0, r.RPS, 1e-9)
	require.Contains(t, r.Methods, grpcsvc.MethodCreateOrder)
}

func TestLatencyHelpers(t *testing.T) {
	require.Equal(t, codes.OK, grpcCode(nil))
	require.Equal(t, codes.Unavailable, grpcCode(status.Error(codes.Unavailable, "down")))
	require.Equal(t, 0.25, ratio(1, 4))
	require.Zero(t, ratio(1, 0))

	c := newCollector()
	for _, ms := range []int{40, 10, 30, 20} {
		c.record(scenarioMethod, time.Duration(ms)*time.Millisecond, codes.OK)
	}
	snap, ok := c.snapshot(scenarioMethod)
	require.True(t, ok)
	require.Equal(t, 40.0, snap.LatencyMs.Max)
	require.InDelta(t, 25.0, snap.LatencyMs.Avg, 1e-9)
	require.Contains(t, []float64{20, 30}, snap.LatencyMs.P50)
	require.GreaterOrEqual(t, snap.LatencyMs.P99, 30.0)
	require.Zero(t, snap.ErrorRate)

	require.Equal(t, latencySummary{}, summaryFrom(nil))
	require.Equal(t, latencySummary{Avg: 5, P50: 4, P99: 9}, summaryFrom(&dto.Summary{
		SampleCount: proto.Uint64(2),
		SampleSum:   proto.Float64(10),
		Quantile: []*dto.Quantile{
			{Quantile: proto.Float64(0.5), Value: proto.Float64(4)},
			{Quantile: proto.Float64(0.95), Value: proto.Float64(math.NaN())},
			{Quantile: proto.Float64(0.99), Value: proto.Float64(9)},
		},
	}))

	require.Equal(t, "count:50", runTarget(config{total: 50}))
	require.Equal(t, "duration:2s", runTarget(config{duration: 2 * time.Second}))
	require.Equal(t, "duration:2s,max-total:10", runTarget(config{duration: 2 * time.Second, total: 10, totalSet: true}))
}

func TestWriteJSONReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, writeJSONReport(path, report{TotalScenarios: 2, SuccessScenarios: 2}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded report
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, int64(2), decoded.SuccessScenarios)

	require.ErrorContains(t, writeJSONReport(".", report{}), "must point to a file")
	require.ErrorContains(t, writeJSONReport("../report.json", report{}), "inside current directory")
}

func TestPrintReport(t *testing.T) {
	var buf bytes.Buffer
	printReport(&buf, report{
		TotalScenarios:   2,
		SuccessScenarios: 2,
		Methods: map[string]methodReport{
			scenarioMethod:            {Calls: 2, Success: 2},
			grpcsvc.MethodCreateOrder: {Calls: 2, Success: 2},
			grpcsvc.MethodUpdateOrder: {Calls: 2, Success: 2},
		},
	}, config{mode: modeSalePay, total: 2})

	out := buf.String()
	require.Contains(t, out, "Load test summary")
	require.Contains(t, out, "mode=sale-pay run=count:2")
	require.Less(t, strings.Index(out, "CreateOrder:"), strings.Index(out, "UpdateOrder:"))
	require.NotContains(t, out, "scenario:")
}

func movement(id int64, before, qty string) api.MovementView {
	b := decimal.RequireFromString(before)
	q := decimal.RequireFromString(qty)
	return api.MovementView{ID: id, ProductID: 1, Quantity: q, StockBefore: b, StockAfter: b.Sub(q)}
}

func TestStockLedgerVerify(t *testing.T) {
	ok := &stockLedger{}
	// порядок ответов не совпадает с порядком применения
	ok.add(movement(2, "8", "3"), movement(1, "10", "2"), movement(3, "5", "5"))
	require.NoError(t, ok.verify())
	require.Equal(t, 3, ok.len())

	lost := &stockLedger{}
	// два списания прочитали один и тот же остаток
	lost.add(movement(1, "10", "2"), movement(2, "10", "3"))
	require.ErrorContains(t, lost.verify(), "chain broken")

	bad := &stockLedger{}
	m := movement(1, "10", "2")
	m.StockAfter = decimal.NewFromInt(9)
	bad.add(m)
	require.ErrorContains(t, bad.verify(), "10 - 2 != 9")

	require.NoError(t, (&stockLedger{}).verify())
}

// fakeCaller отвечает на CreateOrder заранее заданным результатом и
// запоминает метаданные и методы вызовов.
type fakeCaller struct {
	mu      sync.Mutex
	methods []string
	md      []metadata.MD
	create  func(in *structpb.Struct) (*structpb.Struct, error)
	failOn  string
}

func (f *fakeCaller) Call(ctx context.Context, method string, in *structpb.Struct, _ ...grpc.CallOption) (*structpb.Struct, error) {
	md, _ := metadata.FromOutgoingContext(ctx)
	f.mu.Lock()
	f.methods = append(f.methods, method)
	f.md = append(f.md, md)
	f.mu.Unlock()

	if method == f.failOn {
		return nil, status.Error(codes.Unavailable, "down")
	}
	if method == grpcsvc.MethodCreateOrder && f.create != nil {
		return f.create(in)
	}
	return structpb.NewStruct(map[string]any{"status": "ok"})
}

func TestScenario_Modes(t *testing.T) {
	created := func(*structpb.Struct) (*structpb.Struct, error) {
		return structpb.NewStruct(map[string]any{
			"header": map[string]any{"id": 42},
			"movements": []any{map[string]any{
				"id": 1, "product_id": 1, "quantity": "1", "stock_before": "5", "stock_after": "4",
			}},
		})
	}
	tests := []struct {
		mode loadMode
		want []string
	}{
		{modeSale, []string{grpcsvc.MethodCreateOrder}},
		{modeSalePay, []string{grpcsvc.MethodCreateOrder, grpcsvc.MethodUpdateOrder}},
		{modeSaleVoid, []string{grpcsvc.MethodCreateOrder, grpcsvc.MethodVoidOrder}},
	}
	for _, tc := range tests {
		t.Run(string(tc.mode), func(t *testing.T) {
			client := &fakeCaller{create: created}
			ledger := &stockLedger{}
			sc := scenario{
				client: client,
				cfg:    config{mode: tc.mode, timeout: time.Second, productID: 1, clientID: 1, quantity: decimal.NewFromInt(1), unitPrice: decimal.NewFromInt(10)},
				token:  "tok",
				runID:  "run-1",
				col:    newCollector(),
				ledger: ledger,
			}
			require.NoError(t, sc.run(3))
			require.Equal(t, tc.want, client.methods)
			require.Equal(t, []string{"lt-run-1-3"}, client.md[0].Get(idempotencyHeader))
			require.Equal(t, []string{"Bearer tok"}, client.md[0].Get(authorizationHeader))
			if len(client.md) > 1 {
				require.Empty(t, client.md[1].Get(idempotencyHeader))
			}
			require.Equal(t, 1, ledger.len())
		})
	}
}

func TestScenario_Failures(t *testing.T) {
	cfg := config{mode: modeSalePay, timeout: time.Second, productID: 1, clientID: 1, quantity: decimal.NewFromInt(1)}
	col := newCollector()

	failing := scenario{client: &fakeCaller{failOn: grpcsvc.MethodCreateOrder}, cfg: cfg, col: col, ledger: &stockLedger{}}
	require.Equal(t, codes.Unavailable, status.Code(failing.run(1)))

	emptyID := scenario{client: &fakeCaller{create: func(*structpb.Struct) (*structpb.Struct, error) {
		return structpb.NewStruct(map[string]any{"header": map[string]any{}})
	}}, cfg: cfg, col: col, ledger: &stockLedger{}}
	require.ErrorContains(t, emptyID.run(2), "empty order id")

	r, err := col.buildReport(time.Now(), time.Second)
	require.NoError(t, err)
	require.Equal(t, int64(2), r.FailedScenarios)
	require.Equal(t, int64(1), r.Methods[grpcsvc.MethodCreateOrder].Failed)
}

func TestRun_AgainstTradeService(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	entry := logger.WithField("component", "loadtest-test")

	store := memory.NewTradeStore()
	_, err := store.InsertOne(context.Background(), domain.CollectionProducts, domain.Record{
		"id": int64(1), "code": "SKU-1", "name": "widget", "stock": decimal.NewFromInt(100),
	})
	require.NoError(t, err)
	svc := api.NewService(coordinator.New(store), nil, idempotency.NewGuard(memory.NewIdempotencyRepository()), entry)

	listener := bufconn.Listen(1024 * 1024)
	server := grpc.NewServer()
	grpcsvc.RegisterTradeServiceServer(server, grpcsvc.NewTradeService(svc, entry))
	go func() { _ = server.Serve(listener) }()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return listener.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	cfg := config{
		total:       30,
		concurrency: 8,
		timeout:     5 * time.Second,
		mode:        modeSaleVoid,
		productID:   1,
		clientID:    1,
		quantity:    decimal.NewFromInt(2),
		unitPrice:   decimal.NewFromInt(5),
	}
	result, ledger, err := run([]caller{grpcsvc.NewClient(conn)}, cfg, "")
	require.NoError(t, err)

	require.Equal(t, int64(30), result.TotalScenarios)
	require.Zero(t, result.FailedScenarios, "codes: %v", result.Methods)
	require.Equal(t, int64(30), result.Methods[grpcsvc.MethodVoidOrder].Success)
	require.Equal(t, 30, ledger.len())
	require.NoError(t, ledger.verify())

	rec, err := store.ReadOne(context.Background(), domain.CollectionProducts, 1)
	require.NoError(t, err)
	stock, err := domain.AsDecimal(rec["stock"])
	require.NoError(t, err)
	require.True(t, stock.Equal(decimal.NewFromInt(40)), "stock %s", stock)
}
