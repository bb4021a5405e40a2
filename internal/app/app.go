// Package app собирает trade-service: хранилище, координатор, HTTP и gRPC
// транспорты, фоновые воркеры и служебный HTTP-сервер.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/vladislavdragonenkov/bms/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/bms/internal/health"
	"github.com/vladislavdragonenkov/bms/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/bms/internal/metrics"
	grpcsvc "github.com/vladislavdragonenkov/bms/internal/service/grpc"
	httpsvc "github.com/vladislavdragonenkov/bms/internal/service/http"
	"github.com/vladislavdragonenkov/bms/internal/service/idempotency"
	"github.com/vladislavdragonenkov/bms/internal/service/outbox"
	"github.com/vladislavdragonenkov/bms/internal/storage/redislock"
	"github.com/vladislavdragonenkov/bms/internal/version"
)

const (
	readHeaderTimeout = 5 * time.Second
	metricsShutdown   = 5 * time.Second
)

// Run запускает сервис и блокируется до отмены ctx или ошибки сервера.
// При отмене возвращает ctx.Err().
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	redisLocker, err := initStockLocker(ctx, cfg, logger)
	if err != nil {
		closeDependencies(deps, nil, logger)
		return err
	}
	defer closeDependencies(deps, redisLocker, logger)

	kafkaProducer, err := initKafkaProducer(cfg, logger)
	if err != nil {
		// без брокера сервис работает; события копятся в outbox
		kafkaProducer = nil
	}
	publisher, dlqPublisher := outboxPublishers(kafkaProducer, cfg)

	var locker domain.StockLocker
	if redisLocker != nil {
		locker = redisLocker
	}
	// in-memory outbox без публикации только накапливал бы события
	withOutbox := publisher != nil || cfg.StorageDriver == StorageDriverPostgres
	parts, err := buildService(cfg, deps, locker, withOutbox, prometheus.DefaultRegisterer, logger)
	if err != nil {
		closeKafkaProducer(kafkaProducer, logger)
		return err
	}

	healthHandler := newHealthHandler(cfg, deps, redisLocker, kafkaProducer)

	grpcServer, healthServer := newGRPCServer(parts, logger)
	httpServer := &http.Server{
		Handler: httpsvc.NewRouter(parts.api, httpsvc.Options{
			Verifier:     parts.verifier,
			Logger:       logger.WithField("layer", "http"),
			MaxBodyBytes: cfg.MaxBodyBytes,
		}),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		closeKafkaProducer(kafkaProducer, logger)
		return fmt.Errorf("listen grpc %s: %w", cfg.GRPCAddr, err)
	}
	httpLis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		_ = grpcLis.Close()
		closeKafkaProducer(kafkaProducer, logger)
		return fmt.Errorf("listen http %s: %w", cfg.HTTPAddr, err)
	}

	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)

	var outboxWorker *outbox.Worker
	var outboxCancel context.CancelFunc
	var outboxDone chan struct{}
	if publisher != nil {
		outboxWorker = outbox.NewWorker(deps.outboxRepo, publisher,
			outbox.WithDLQPublisher(dlqPublisher),
			outbox.WithObserver(metrics.NewOutboxMetrics(prometheus.DefaultRegisterer)),
			outbox.WithLogger(logger.WithField("component", "outbox-worker")),
			outbox.WithPollInterval(cfg.OutboxPollInterval),
			outbox.WithBatchSize(cfg.OutboxBatchSize),
			outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
			outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
		)
		outboxCancel, outboxDone = startWorker(ctx, outboxWorker.Run)
	} else {
		logger.Info("kafka is not configured, outbox worker is disabled")
	}

	sweeper := idempotency.NewSweeper(deps.idempotencyRepo,
		idempotency.SweeperConfig{
			Interval:  cfg.IdempotencyCleanupInterval,
			BatchSize: cfg.IdempotencyCleanupBatchSize,
		},
		idempotency.WithSweeperLogger(logger.WithField("component", "idempotency-sweeper")),
		idempotency.WithSweepObserver(metrics.NewIdempotencyMetrics(prometheus.DefaultRegisterer)),
	)
	cleanupCancel, cleanupDone := startWorker(ctx, sweeper.Run)

	errCh := make(chan error, 2)
	go func() {
		logger.Infof("gRPC сервер слушает %s", grpcLis.Addr())
		if err := grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		logger.Infof("HTTP API слушает %s", httpLis.Addr())
		if err := httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки")
		runErr = ctx.Err()
	case runErr = <-errCh:
		logger.WithError(runErr).Error("server failed, shutting down")
	}

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	stopGRPC(grpcServer, cfg.ShutdownTimeout/2, logger)
	shutdownHTTP(httpServer, cfg.ShutdownTimeout/2, logger)

	shutdownWorker(cleanupCancel, cleanupDone, logger)
	shutdownWorker(outboxCancel, outboxDone, logger)
	drainOutbox(outboxWorker, cfg.ShutdownTimeout/2, logger)

	closeKafkaProducer(kafkaProducer, logger)
	shutdownHTTP(metricsSrv, metricsShutdown, logger)
	return runErr
}

func newGRPCServer(parts *serviceParts, logger *log.Entry) (*grpc.Server, *health.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	grpcLogger := logger.WithField("layer", "grpc")
	server := grpc.NewServer(grpc.ChainUnaryInterceptor(
		grpcMetrics.UnaryServerInterceptor(),
		grpcsvc.LoggingInterceptor(grpcLogger),
		grpcsvc.AuthInterceptor(parts.verifier),
	))
	grpcsvc.RegisterTradeServiceServer(server, grpcsvc.NewTradeService(parts.api, grpcLogger))
	grpcMetrics.InitializeMetrics(server)

	// reflection нужен grpcurl и нагрузочным утилитам
	reflection.Register(server)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(grpcsvc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)
	return server, healthServer
}

// newHealthHandler регистрирует проверки: хранилище и Redis критичны,
// Kafka и размер outbox только понижают статус до degraded.
func newHealthHandler(cfg Config, deps *runtimeDependencies, locker *redislock.Locker, producer *kafka.Producer) *healthcheck.Handler {
	h := healthcheck.NewHandler(version.Get().Version)
	h.RegisterChecker("storage", deps.storageChecker)
	if locker != nil {
		h.RegisterChecker("redis", healthcheck.NewSimpleChecker("redis", locker.Ping))
	}
	if producer != nil {
		h.RegisterChecker("kafka", healthcheck.NewOptionalChecker("kafka", producer.Ping))
	}
	if cfg.OutboxMaxPending > 0 {
		h.RegisterChecker("outbox", healthcheck.NewOptionalChecker("outbox", outboxBacklogCheck(deps.outboxRepo, cfg.OutboxMaxPending)))
	}
	return h
}

func outboxBacklogCheck(repo domain.OutboxRepository, maxPending int) func(context.Context) error {
	return func(context.Context) error {
		stats, err := repo.Stats()
		if err != nil {
			return err
		}
		if stats.PendingCount > maxPending {
			return fmt.Errorf("outbox backlog %d exceeds %d", stats.PendingCount, maxPending)
		}
		return nil
	}
}

// startMetricsServer запускает служебный HTTP: /metrics, пробы и /version.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	if err := prometheus.Register(version.Collector()); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			logger.WithError(err).Warn("failed to register build info")
		}
	}
	if err := healthHandler.Export(prometheus.DefaultRegisterer); err != nil {
		logger.WithError(err).Warn("failed to export health checks")
	}

	srv := &http.Server{Addr: addr, Handler: newOpsMux(healthHandler), ReadHeaderTimeout: readHeaderTimeout}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, metricsShutdown, logger)
	}()

	return srv
}

func newOpsMux(healthHandler *healthcheck.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/version", versionHandler)
	return mux
}

func versionHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(version.Get())
}

// startWorker запускает run в отдельной горутине со своим cancel.
func startWorker(ctx context.Context, run func(context.Context)) (context.CancelFunc, chan struct{}) {
	workerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		run(workerCtx)
	}()
	return cancel, done
}

func shutdownWorker(cancel context.CancelFunc, done <-chan struct{}, logger *log.Entry) {
	if cancel == nil {
		return
	}
	cancel()
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logger.Warn("background worker did not stop in time")
	}
}

// drainOutbox публикует остаток outbox перед выходом.
func drainOutbox(worker *outbox.Worker, timeout time.Duration, logger *log.Entry) {
	if worker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	res := worker.Drain(ctx)
	logger.WithFields(log.Fields{
		"sent":          res.Sent,
		"failed":        res.Failed,
		"dead_lettered": res.DeadLettered,
	}).Info("outbox drained")
}

func stopGRPC(server *grpc.Server, timeout time.Duration, logger *log.Entry) {
	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(timeout):
		logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		server.Stop()
	}
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, timeout time.Duration, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}
