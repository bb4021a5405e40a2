// Command loadtest нагружает TradeService по gRPC и проверяет, что журнал
// движений остатка остался непрерывным при конкурентных продажах.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/bms/internal/auth"
	"github.com/vladislavdragonenkov/bms/internal/service/api"
	grpcsvc "github.com/vladislavdragonenkov/bms/internal/service/grpc"
)

const (
	idempotencyHeader   = "idempotency-key"
	authorizationHeader = "authorization"
	scenarioMethod      = "scenario"
)

type loadMode string

const (
	modeSale     loadMode = "sale"
	modeSalePay  loadMode = "sale-pay"
	modeSaleVoid loadMode = "sale-void"
)

type config struct {
	addr        string
	total       int
	totalSet    bool
	duration    time.Duration
	concurrency int
	connections int
	timeout     time.Duration
	mode        loadMode
	productID   int64
	quantity    decimal.Decimal
	unitPrice   decimal.Decimal
	clientID    int64
	token       string
	jwtSecret   string
	jwtIssuer   string
	outputPath  string
	verify      bool
}

// caller - то, что нужно сценарию от клиента TradeService.
type caller interface {
	Call(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
}

var _ caller = (*grpcsvc.Client)(nil)

func parseConfig(args []string) (config, error) {
	var cfg config
	var modeValue, quantityValue, priceValue string

	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.addr, "addr", "localhost:50051", "gRPC target address")
	fs.IntVar(&cfg.total, "total", 400, "scenarios in count mode; with -duration only an upper bound when set explicitly")
	fs.DurationVar(&cfg.duration, "duration", 0, "optional time-based run duration (e.g. 30s, 5m)")
	fs.IntVar(&cfg.concurrency, "concurrency", 40, "number of concurrent workers")
	fs.IntVar(&cfg.connections, "connections", 8, "number of gRPC client connections")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-RPC timeout")
	fs.StringVar(&modeValue, "mode", string(modeSale), "load mode: sale | sale-pay | sale-void")
	fs.Int64Var(&cfg.productID, "product-id", 1, "product sold by every scenario")
	fs.StringVar(&quantityValue, "quantity", "1", "quantity per sale line")
	fs.StringVar(&priceValue, "unit-price", "10", "unit price per sale line")
	fs.Int64Var(&cfg.clientID, "client-id", 1, "client id written to the sale header")
	fs.StringVar(&cfg.token, "token", "", "bearer token sent as authorization metadata")
	fs.StringVar(&cfg.jwtSecret, "jwt-secret", "", "HMAC secret to mint a token locally when -token is empty")
	fs.StringVar(&cfg.jwtIssuer, "jwt-issuer", "", "issuer claim for a locally minted token")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	fs.BoolVar(&cfg.verify, "verify", true, "check that stock movements of successful sales form one chain")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})

	mode, err := parseMode(modeValue)
	if err != nil {
		return cfg, err
	}
	cfg.mode = mode

	if cfg.quantity, err = decimal.NewFromString(strings.TrimSpace(quantityValue)); err != nil {
		return cfg, fmt.Errorf("parse quantity: %w", err)
	}
	if cfg.unitPrice, err = decimal.NewFromString(strings.TrimSpace(priceValue)); err != nil {
		return cfg, fmt.Errorf("parse unit-price: %w", err)
	}

	switch {
	case cfg.duration < 0:
		return cfg, errors.New("duration must be >= 0")
	case cfg.duration == 0 && cfg.total <= 0:
		return cfg, errors.New("total must be > 0 when duration is not set")
	case cfg.duration > 0 && cfg.totalSet && cfg.total <= 0:
		return cfg, errors.New("total must be > 0 when explicitly set with duration")
	case cfg.concurrency <= 0:
		return cfg, errors.New("concurrency must be > 0")
	case cfg.connections <= 0:
		return cfg, errors.New("connections must be > 0")
	case cfg.timeout <= 0:
		return cfg, errors.New("timeout must be > 0")
	case cfg.productID <= 0:
		return cfg, errors.New("product-id must be > 0")
	case !cfg.quantity.IsPositive():
		return cfg, errors.New("quantity must be > 0")
	case cfg.unitPrice.IsNegative():
		return cfg, errors.New("unit-price must be >= 0")
	case cfg.clientID <= 0:
		return cfg, errors.New("client-id must be > 0")
	}
	return cfg, nil
}

func parseMode(value string) (loadMode, error) {
	switch mode := loadMode(strings.TrimSpace(value)); mode {
	case modeSale, modeSalePay, modeSaleVoid:
		return mode, nil
	default:
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
}

// bearerToken возвращает явный токен или выпускает короткоживущий по секрету.
func bearerToken(cfg config) (string, error) {
	if cfg.token != "" || cfg.jwtSecret == "" {
		return cfg.token, nil
	}
	verifier, err := auth.NewVerifier(cfg.jwtSecret, cfg.jwtIssuer)
	if err != nil {
		return "", err
	}
	ttl := cfg.duration + time.Hour
	return verifier.Issue("loadtest", "", ttl)
}

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(2)
	}
	token, err := bearerToken(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "failed to mint token: %v\n", err)
		os.Exit(1)
	}

	conns := make([]*grpc.ClientConn, 0, cfg.connections)
	clients := make([]caller, 0, cfg.connections)
	for i := 0; i < cfg.connections; i++ {
		conn, dialErr := grpc.NewClient(cfg.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if dialErr != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to create grpc client connection: %v\n", dialErr)
			os.Exit(1)
		}
		conns = append(conns, conn)
		clients = append(clients, grpcsvc.NewClient(conn))
	}
	defer func() {
		for _, conn := range conns {
			_ = conn.Close()
		}
	}()

	result, ledger, err := run(clients, cfg, token)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "failed to build report: %v\n", err)
		os.Exit(1)
	}

	printReport(os.Stdout, result, cfg)
	failed := result.FailedScenarios > 0
	switch {
	case !cfg.verify:
	case result.Methods[grpcsvc.MethodCreateOrder].Failed > 0:
		// неуспешные продажи могли списать и вернуть остаток вне цепочки
		fmt.Println("stock ledger check skipped: some sales failed")
	default:
		if err := ledger.verify(); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "stock ledger check failed: %v\n", err)
			failed = true
		} else {
			fmt.Printf("stock ledger ok: movements=%d\n", ledger.len())
		}
	}
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}
	if failed {
		os.Exit(1)
	}
}

// run раздаёт сценарии воркерам и собирает отчёт и движения остатка.
func run(clients []caller, cfg config, token string) (report, *stockLedger, error) {
	startedAt := time.Now()
	runID := fmt.Sprintf("%d-%d", startedAt.UnixNano(), os.Getpid())
	col := newCollector()
	ledger := &stockLedger{}

	jobs := make(chan int, cfg.concurrency*2)
	var failures int64
	var wg sync.WaitGroup
	for workerID := 0; workerID < cfg.concurrency; workerID++ {
		wg.Add(1)
		go func(cli caller) {
			defer wg.Done()
			for id := range jobs {
				sc := scenario{client: cli, cfg: cfg, token: token, runID: runID, col: col, ledger: ledger}
				if runErr := sc.run(id); runErr != nil {
					atomic.AddInt64(&failures, 1)
				}
			}
		}(clients[workerID%len(clients)])
	}

	dispatchJobs(jobs, cfg)
	wg.Wait()

	result, err := col.buildReport(startedAt, time.Since(startedAt))
	if err != nil {
		return report{}, nil, err
	}
	if result.FailedScenarios == 0 && failures > 0 {
		result.FailedScenarios = failures
		result.ErrorRate = ratio(result.FailedScenarios, result.TotalScenarios)
	}
	return result, ledger, nil
}

func dispatchJobs(jobs chan<- int, cfg config) {
	defer close(jobs)

	if cfg.duration <= 0 {
		for i := 0; i < cfg.total; i++ {
			jobs <- i
		}
		return
	}

	timer := time.NewTimer(cfg.duration)
	defer timer.Stop()
	for i := 0; !cfg.totalSet || i < cfg.total; i++ {
		select {
		case <-timer.C:
			return
		case jobs <- i:
		}
	}
}

type scenario struct {
	client caller
	cfg    config
	token  string
	runID  string
	col    *collector
	ledger *stockLedger
}

func (s scenario) run(index int) (err error) {
	start := time.Now()
	defer func() { s.col.record(scenarioMethod, time.Since(start), grpcCode(err)) }()

	created, err := s.createSale(index)
	if err != nil {
		return err
	}
	orderID := created.Header.ID
	if orderID <= 0 {
		return status.Error(codes.Internal, "create response returned empty order id")
	}
	s.ledger.add(created.Movements...)

	switch s.cfg.mode {
	case modeSalePay:
		_, err = s.call(grpcsvc.MethodUpdateOrder, map[string]any{
			"kind": "sale", "id": orderID, "update": map[string]any{"status": "paid"},
		}, "")
	case modeSaleVoid:
		_, err = s.call(grpcsvc.MethodVoidOrder, map[string]any{"kind": "sale", "id": orderID}, "")
	}
	return err
}

func (s scenario) createSale(index int) (api.CreateView, error) {
	qty, _ := s.cfg.quantity.Float64()
	price, _ := s.cfg.unitPrice.Float64()
	total, _ := s.cfg.quantity.Mul(s.cfg.unitPrice).Float64()

	out, err := s.call(grpcsvc.MethodCreateOrder, map[string]any{
		"kind": "sale",
		"header": map[string]any{
			"client_id": s.cfg.clientID,
			"total":     total,
			"notes":     fmt.Sprintf("loadtest %s #%d", s.runID, index),
		},
		"lines": []any{map[string]any{
			"product_id": s.cfg.productID,
			"quantity":   qty,
			"unit_price": price,
			"subtotal":   total,
			"total":      total,
		}},
	}, fmt.Sprintf("lt-%s-%d", s.runID, index))
	if err != nil {
		return api.CreateView{}, err
	}
	var view api.CreateView
	if err := decodeStruct(out, &view); err != nil {
		return api.CreateView{}, status.Error(codes.Internal, err.Error())
	}
	return view, nil
}

func (s scenario) call(method string, body map[string]any, idempotencyKey string) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(body)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.timeout)
	defer cancel()
	if idempotencyKey != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, idempotencyHeader, idempotencyKey)
	}
	if s.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, authorizationHeader, "Bearer "+s.token)
	}

	start := time.Now()
	out, err := s.client.Call(ctx, method, in)
	s.col.record(method, time.Since(start), grpcCode(err))
	return out, err
}

// decodeStruct переводит Struct в JSON-представление REST API.
func decodeStruct(s *structpb.Struct, dst any) error {
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

func grpcCode(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	return status.Code(err)
}
