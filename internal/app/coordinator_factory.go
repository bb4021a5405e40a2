package app

import (
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/bms/internal/auth"
	"github.com/vladislavdragonenkov/bms/internal/domain"
	"github.com/vladislavdragonenkov/bms/internal/metrics"
	"github.com/vladislavdragonenkov/bms/internal/service/api"
	"github.com/vladislavdragonenkov/bms/internal/service/coordinator"
	"github.com/vladislavdragonenkov/bms/internal/service/idempotency"
	"github.com/vladislavdragonenkov/bms/internal/service/stock"
)

// serviceParts - собранное ядро, общее для HTTP и gRPC.
type serviceParts struct {
	coordinator *coordinator.Coordinator
	api         *api.Service
	verifier    *auth.Verifier
}

// buildService собирает координатор и общий API-слой.
// locker может быть nil; withOutbox включает запись событий.
func buildService(
	cfg Config,
	deps *runtimeDependencies,
	locker domain.StockLocker,
	withOutbox bool,
	registerer prometheus.Registerer,
	logger *log.Entry,
) (*serviceParts, error) {
	m := metrics.NewCoordinatorMetrics(registerer)

	retry := stock.DefaultRetryConfig()
	retry.MaxAttempts = cfg.StockRetryAttempts
	if cfg.StockRetryDelay > 0 {
		retry.InitialDelay = cfg.StockRetryDelay
	}

	adjusterOpts := []stock.Option{
		stock.WithRetryConfig(retry),
		stock.WithObserver(m),
		stock.WithLogger(logger.WithField("component", "stock-adjuster")),
	}
	if locker != nil {
		adjusterOpts = append(adjusterOpts, stock.WithLocker(locker))
	}

	coordOpts := []coordinator.Option{
		coordinator.WithAdjuster(stock.NewAdjuster(deps.store, adjusterOpts...)),
		coordinator.WithObserver(m),
		coordinator.WithLogger(logger.WithField("component", "order-coordinator")),
		coordinator.WithCompensationTimeout(cfg.CompensationTimeout),
	}
	if withOutbox {
		coordOpts = append(coordOpts, coordinator.WithOutbox(deps.outboxRepo))
	}
	coord := coordinator.New(deps.store, coordOpts...)

	guard := idempotency.NewGuard(deps.idempotencyRepo,
		idempotency.WithKeyTTL(cfg.IdempotencyKeyTTL),
		idempotency.WithGuardLogger(logger.WithField("component", "idempotency-guard")),
	)

	var verifier *auth.Verifier
	if cfg.AuthEnabled() {
		v, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
		if err != nil {
			return nil, err
		}
		verifier = v
	}

	return &serviceParts{
		coordinator: coord,
		api:         api.NewService(coord, nil, guard, logger.WithField("component", "trade-api")),
		verifier:    verifier,
	}, nil
}
