package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vladislavdragonenkov/bms/internal/domain"
	"github.com/vladislavdragonenkov/bms/internal/service/outbox"
)

// OutboxMetrics - метрики доставки transactional outbox.
type OutboxMetrics struct {
	outcomes  *prometheus.CounterVec
	pending   prometheus.Gauge
	oldestAge prometheus.Gauge
	now       func() time.Time
}

// NewOutboxMetrics регистрирует метрики в registerer (prometheus.DefaultRegisterer, если nil).
func NewOutboxMetrics(registerer prometheus.Registerer) *OutboxMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &OutboxMetrics{
		outcomes: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "bms_outbox_publish_attempts_total",
			Help: "Outbox publish attempts by event type and outcome",
		}, []string{"event_type", "result"}),
		pending: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "bms_outbox_pending_records",
			Help: "Pending records in the outbox",
		}),
		oldestAge: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "bms_outbox_oldest_pending_age_seconds",
			Help: "Age of the oldest pending outbox record",
		}),
		now: time.Now,
	}
}

// PublishOutcome реализует outbox.Observer.
func (m *OutboxMetrics) PublishOutcome(eventType string, outcome outbox.Outcome) {
	m.outcomes.WithLabelValues(eventType, string(outcome)).Inc()
}

// BacklogObserved реализует outbox.Observer.
func (m *OutboxMetrics) BacklogObserved(stats domain.OutboxStats) {
	m.pending.Set(float64(stats.PendingCount))
	if stats.PendingCount == 0 || stats.OldestPendingAt.IsZero() {
		m.oldestAge.Set(0)
		return
	}
	m.oldestAge.Set(max(m.now().Sub(stats.OldestPendingAt).Seconds(), 0))
}

var _ outbox.Observer = (*OutboxMetrics)(nil)
