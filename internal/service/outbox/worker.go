// Package outbox доставляет события заказов из transactional outbox в брокер.
//
// Worker забирает pending-события пачками в порядке записи, публикует каждое
// с экспоненциальным backoff и после MaxAttempts неудач отправляет его в DLQ
// и помечает failed. При отмене контекста незавершённое событие остаётся
// pending.
package outbox

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/bms/internal/domain"
)

const (
	defaultPollInterval   = time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
	maxRetryDelay         = 5 * time.Second
	maxDrainRounds        = 100
)

// Outcome - исход попытки публикации для Observer.
type Outcome string

const (
	OutcomeSent         Outcome = "sent"
	OutcomeRetry        Outcome = "retry_error"
	OutcomeFailed       Outcome = "failed"
	OutcomeDeadLettered Outcome = "dead_lettered"
	OutcomeDLQFailed    Outcome = "dlq_failed"
)

// Observer получает события доставки; реализуется metrics.OutboxMetrics.
type Observer interface {
	PublishOutcome(eventType string, outcome Outcome)
	BacklogObserved(stats domain.OutboxStats)
}

type nopObserver struct{}

func (nopObserver) PublishOutcome(string, Outcome)     {}
func (nopObserver) BacklogObserved(domain.OutboxStats) {}

type workerConfig struct {
	logger         *log.Entry
	observer       Observer
	dlq            domain.OutboxPublisher
	pollInterval   time.Duration
	batchSize      int
	maxAttempts    int
	retryBaseDelay time.Duration
	now            func() time.Time
}

// Option настраивает Worker. Неположительные значения оставляют умолчания.
type Option func(*workerConfig)

func WithLogger(logger *log.Entry) Option {
	return func(c *workerConfig) { c.logger = logger }
}

// WithObserver подключает метрики доставки.
func WithObserver(observer Observer) Option {
	return func(c *workerConfig) { c.observer = observer }
}

// WithDLQPublisher задаёт получателя событий, исчерпавших попытки.
func WithDLQPublisher(publisher domain.OutboxPublisher) Option {
	return func(c *workerConfig) { c.dlq = publisher }
}

func WithPollInterval(interval time.Duration) Option {
	return func(c *workerConfig) {
		if interval > 0 {
			c.pollInterval = interval
		}
	}
}

func WithBatchSize(size int) Option {
	return func(c *workerConfig) {
		if size > 0 {
			c.batchSize = size
		}
	}
}

func WithMaxAttempts(attempts int) Option {
	return func(c *workerConfig) {
		if attempts > 0 {
			c.maxAttempts = attempts
		}
	}
}

// WithRetryBaseDelay задаёт первую паузу backoff; ноль отключает паузы.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(c *workerConfig) { c.retryBaseDelay = max(delay, 0) }
}

// BatchResult - итог одного прохода по outbox.
type BatchResult struct {
	Pulled       int
	Sent         int
	Failed       int
	DeadLettered int
}

func (r *BatchResult) add(o BatchResult) {
	r.Pulled += o.Pulled
	r.Sent += o.Sent
	r.Failed += o.Failed
	r.DeadLettered += o.DeadLettered
}

type Worker struct {
	repo      domain.OutboxRepository
	publisher domain.OutboxPublisher
	cfg       workerConfig
}

func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, opts ...Option) *Worker {
	cfg := workerConfig{
		observer:       nopObserver{},
		pollInterval:   defaultPollInterval,
		batchSize:      defaultBatchSize,
		maxAttempts:    defaultMaxAttempts,
		retryBaseDelay: defaultRetryBaseDelay,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = log.WithField("component", "outbox-worker")
	}
	if cfg.observer == nil {
		cfg.observer = nopObserver{}
	}
	return &Worker{repo: repo, publisher: publisher, cfg: cfg}
}

// Run опрашивает outbox сразу и затем раз в pollInterval до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.cfg.logger.Warn("outbox worker is disabled: repo or publisher is nil")
		return
	}

	ticker := time.NewTicker(w.cfg.pollInterval)
	defer ticker.Stop()
	for {
		w.ProcessOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Drain публикует backlog при остановке сервиса: пачка за пачкой, пока outbox
// не опустеет, проход не перестанет продвигаться или не отменится ctx.
func (w *Worker) Drain(ctx context.Context) BatchResult {
	var total BatchResult
	for range maxDrainRounds {
		if ctx.Err() != nil {
			break
		}
		res := w.ProcessOnce(ctx)
		total.add(res)
		if res.Pulled == 0 || res.Sent+res.Failed == 0 {
			break
		}
	}
	return total
}

// ProcessOnce публикует одну пачку по порядку.
func (w *Worker) ProcessOnce(ctx context.Context) BatchResult {
	var res BatchResult
	if ctx.Err() != nil {
		return res
	}

	w.observeBacklog()
	defer w.observeBacklog()

	batch, err := w.repo.PullPending(w.cfg.batchSize)
	if err != nil {
		w.cfg.logger.WithError(err).Warn("failed to pull pending outbox messages")
		return res
	}
	res.Pulled = len(batch)

	for _, event := range batch {
		if ctx.Err() != nil {
			break
		}
		entry := w.cfg.logger.WithFields(log.Fields{
			"outbox_id":    event.ID,
			"event_type":   event.EventType,
			"aggregate":    event.AggregateType,
			"aggregate_id": event.AggregateID,
		})

		pubErr := w.publishWithRetry(ctx, event)
		switch {
		case pubErr == nil:
			res.Sent++
			if err := w.repo.MarkSent(event.ID); err != nil {
				entry.WithError(err).Warn("failed to mark outbox as sent")
			}
		case ctx.Err() != nil:
			// остановка: событие остаётся pending до следующего запуска
			return res
		default:
			res.Failed++
			if w.giveUp(event, pubErr, entry) {
				res.DeadLettered++
			}
		}
	}
	return res
}

// giveUp отправляет событие в DLQ (если он настроен) и помечает его failed.
// Возвращает true, если DLQ принял событие.
func (w *Worker) giveUp(event domain.OutboxMessage, cause error, entry *log.Entry) bool {
	entry.WithError(cause).Error("outbox publish failed after retries")
	w.cfg.observer.PublishOutcome(event.EventType, OutcomeFailed)

	deadLettered := false
	if w.cfg.dlq != nil {
		if err := w.publishToDLQ(event, cause); err != nil {
			entry.WithError(err).Warn("failed to publish to DLQ")
			w.cfg.observer.PublishOutcome(event.EventType, OutcomeDLQFailed)
		} else {
			deadLettered = true
			w.cfg.observer.PublishOutcome(event.EventType, OutcomeDeadLettered)
		}
	}
	if err := w.repo.MarkFailed(event.ID); err != nil {
		entry.WithError(err).Warn("failed to mark outbox as failed")
	}
	return deadLettered
}

func (w *Worker) publishToDLQ(event domain.OutboxMessage, cause error) error {
	letter, err := deadLetterFor(event, cause, w.cfg.now())
	if err != nil {
		return err
	}
	if err := w.cfg.dlq.Publish(letter); err != nil {
		return fmt.Errorf("publish to dlq: %w", err)
	}
	return nil
}

func (w *Worker) publishWithRetry(ctx context.Context, event domain.OutboxMessage) error {
	var lastErr error
	for attempt := 1; ; attempt++ {
		lastErr = w.publisher.Publish(event)
		if lastErr == nil {
			w.cfg.observer.PublishOutcome(event.EventType, OutcomeSent)
			return nil
		}
		w.cfg.observer.PublishOutcome(event.EventType, OutcomeRetry)
		if attempt >= w.cfg.maxAttempts {
			break
		}
		if err := sleepCtx(ctx, w.retryBackoff(attempt)); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", domain.ErrOutboxPublish, w.cfg.maxAttempts, lastErr)
}

// retryBackoff: base * 2^(attempt-1), не больше maxRetryDelay.
func (w *Worker) retryBackoff(attempt int) time.Duration {
	delay := w.cfg.retryBaseDelay
	if delay <= 0 {
		return 0
	}
	for range attempt - 1 {
		delay *= 2
		if delay >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (w *Worker) observeBacklog() {
	stats, err := w.repo.Stats()
	if err != nil {
		w.cfg.logger.WithError(err).Warn("failed to collect outbox backlog stats")
		return
	}
	w.cfg.observer.BacklogObserved(stats)
}
