package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vladislavdragonenkov/bms/internal/service/idempotency"
)

// IdempotencyMetrics - метрики очистки ключей идемпотентности.
type IdempotencyMetrics struct {
	sweeps      *prometheus.CounterVec
	deleted     prometheus.Counter
	lastDeleted prometheus.Gauge
}

// NewIdempotencyMetrics регистрирует метрики в registerer (prometheus.DefaultRegisterer, если nil).
func NewIdempotencyMetrics(registerer prometheus.Registerer) *IdempotencyMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &IdempotencyMetrics{
		sweeps: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "bms_idempotency_sweeps_total",
			Help: "Total number of idempotency key sweeps by result",
		}, []string{"result"}),
		deleted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "bms_idempotency_keys_deleted_total",
			Help: "Total number of expired idempotency keys deleted",
		}),
		lastDeleted: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "bms_idempotency_last_sweep_deleted",
			Help: "Number of keys deleted by the last sweep",
		}),
	}
}

// SweepFinished реализует idempotency.SweepObserver.
func (m *IdempotencyMetrics) SweepFinished(result idempotency.SweepResult, err error) {
	m.deleted.Add(float64(result.Deleted))

	switch {
	case err != nil:
		m.sweeps.WithLabelValues("error").Inc()
		return
	case result.Truncated:
		m.sweeps.WithLabelValues("truncated").Inc()
	default:
		m.sweeps.WithLabelValues("ok").Inc()
	}
	m.lastDeleted.Set(float64(result.Deleted))
}
