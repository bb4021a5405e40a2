package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vladislavdragonenkov/bms/internal/domain"
)

// Исходы создания заказа для метки outcome.
const (
	OutcomeCreated          = "created"
	OutcomeValidationFailed = "validation_failed"
	OutcomePersistFailed    = "persistence_failed"
	OutcomePartialStock     = "partial_stock"
)

// CoordinatorMetrics содержит метрики координатора заказов и корректировок остатков.
type CoordinatorMetrics struct {
	// Счётчики заказов
	ordersTotal      *prometheus.CounterVec
	statusChanges    *prometheus.CounterVec
	partialFailures  prometheus.Counter
	compensations    *prometheus.CounterVec
	outboxEnqueued   prometheus.Counter
	outboxEnqueueErr prometheus.Counter

	// Остатки
	stockAdjustments *prometheus.CounterVec
	stockConflicts   prometheus.Counter
	stockSkipped     prometheus.Counter

	createDuration *prometheus.HistogramVec
	inFlight       prometheus.Gauge
}

// NewCoordinatorMetrics создаёт метрики и регистрирует их в registerer
// (prometheus.DefaultRegisterer, если nil).
func NewCoordinatorMetrics(registerer prometheus.Registerer) *CoordinatorMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &CoordinatorMetrics{
		ordersTotal: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "bms_orders_total",
			Help: "Total number of order creation attempts by kind and outcome",
		}, []string{"kind", "outcome"}),
		statusChanges: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "bms_order_status_changes_total",
			Help: "Total number of order status transitions",
		}, []string{"kind", "status"}),
		partialFailures: registerCounter(registerer, prometheus.CounterOpts{
			Name: "bms_stock_sync_incomplete_total",
			Help: "Total number of orders persisted with incomplete stock synchronization",
		}),
		compensations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "bms_compensations_total",
			Help: "Total number of compensating header deletes by result",
		}, []string{"result"}),
		outboxEnqueued: registerCounter(registerer, prometheus.CounterOpts{
			Name: "bms_outbox_enqueued_total",
			Help: "Total number of events written to the outbox",
		}),
		outboxEnqueueErr: registerCounter(registerer, prometheus.CounterOpts{
			Name: "bms_outbox_enqueue_errors_total",
			Help: "Total number of events that could not be written to the outbox",
		}),
		stockAdjustments: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "bms_stock_adjustments_total",
			Help: "Total number of applied stock adjustments by direction",
		}, []string{"direction"}),
		stockConflicts: registerCounter(registerer, prometheus.CounterOpts{
			Name: "bms_stock_conflicts_total",
			Help: "Total number of compare-and-swap conflicts on product stock",
		}),
		stockSkipped: registerCounter(registerer, prometheus.CounterOpts{
			Name: "bms_stock_skipped_total",
			Help: "Total number of lines skipped because the product does not exist",
		}),
		createDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "bms_order_create_duration_seconds",
			Help:    "Duration of order creation in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"kind"}),
		inFlight: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "bms_orders_in_flight",
			Help: "Number of order creations currently in progress",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// OrderStarted увеличивает количество создаваемых заказов.
func (m *CoordinatorMetrics) OrderStarted() {
	m.inFlight.Inc()
}

// OrderFinished фиксирует исход и длительность создания заказа.
func (m *CoordinatorMetrics) OrderFinished(kind domain.OrderKind, outcome string, duration time.Duration) {
	m.inFlight.Dec()
	m.ordersTotal.WithLabelValues(kind.Slug(), outcome).Inc()
	m.createDuration.WithLabelValues(kind.Slug()).Observe(duration.Seconds())
	if outcome == OutcomePartialStock {
		m.partialFailures.Inc()
	}
}

// StatusChanged считает переход статуса.
func (m *CoordinatorMetrics) StatusChanged(kind domain.OrderKind, status domain.OrderStatus) {
	m.statusChanges.WithLabelValues(kind.Slug(), string(status)).Inc()
}

// CompensationRun считает запуск компенсации; ok=false - компенсация сама не удалась.
func (m *CoordinatorMetrics) CompensationRun(ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.compensations.WithLabelValues(result).Inc()
}

// OutboxEnqueued считает запись события в outbox.
func (m *CoordinatorMetrics) OutboxEnqueued(err error) {
	if err != nil {
		m.outboxEnqueueErr.Inc()
		return
	}
	m.outboxEnqueued.Inc()
}

// StockAdjusted реализует stock.Observer.
func (m *CoordinatorMetrics) StockAdjusted(direction domain.Direction) {
	m.stockAdjustments.WithLabelValues(string(direction)).Inc()
}

// StockConflict реализует stock.Observer.
func (m *CoordinatorMetrics) StockConflict() {
	m.stockConflicts.Inc()
}

// StockSkipped реализует stock.Observer.
func (m *CoordinatorMetrics) StockSkipped() {
	m.stockSkipped.Inc()
}
