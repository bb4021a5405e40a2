package idempotency

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/bms/internal/domain"
)

// SweepObserver получает итог каждого прохода очистки.
type SweepObserver interface {
	SweepFinished(result SweepResult, err error)
}

// SweeperConfig задаёт расписание и объём очистки ключей.
type SweeperConfig struct {
	Interval  time.Duration
	BatchSize int
	// MaxBatches ограничивает число порций за один проход; остаток уходит
	// на следующий тик.
	MaxBatches int
}

// DefaultSweeperConfig возвращает конфигурацию по умолчанию.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:   time.Minute,
		BatchSize:  500,
		MaxBatches: 20,
	}
}

func (c SweeperConfig) normalized() SweeperConfig {
	def := DefaultSweeperConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.MaxBatches <= 0 {
		c.MaxBatches = def.MaxBatches
	}
	return c
}

// SweepResult - итог одного прохода.
type SweepResult struct {
	Deleted int
	Batches int
	// Truncated означает, что проход упёрся в MaxBatches и просроченные ключи ещё остались.
	Truncated bool
}

// SweeperOption настраивает Sweeper.
type SweeperOption func(*Sweeper)

// WithSweeperLogger задаёт логгер.
func WithSweeperLogger(logger *log.Entry) SweeperOption {
	return func(s *Sweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSweepObserver подключает метрики.
func WithSweepObserver(observer SweepObserver) SweeperOption {
	return func(s *Sweeper) {
		s.observer = observer
	}
}

// WithSweeperClock подменяет часы, от которых считается просрочка.
func WithSweeperClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

// Sweeper удаляет ключи идемпотентности, срок хранения которых истёк.
// Guard и так переиспользует просроченные ключи, очистка только не даёт
// таблице расти.
type Sweeper struct {
	repo     domain.IdempotencyRepository
	cfg      SweeperConfig
	logger   *log.Entry
	observer SweepObserver
	now      func() time.Time
}

// NewSweeper создаёт Sweeper поверх репозитория ключей.
func NewSweeper(repo domain.IdempotencyRepository, cfg SweeperConfig, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		repo:   repo,
		cfg:    cfg.normalized(),
		logger: log.WithField("component", "idempotency-sweeper"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run выполняет проход сразу и затем по таймеру, пока не отменён ctx.
func (s *Sweeper) Run(ctx context.Context) {
	if s.repo == nil {
		s.logger.Warn("idempotency repository is not configured, sweeper disabled")
		return
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		s.sweepAndReport(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) sweepAndReport(ctx context.Context) {
	result, err := s.Sweep(ctx)
	if errors.Is(err, context.Canceled) {
		return
	}
	if s.observer != nil {
		s.observer.SweepFinished(result, err)
	}

	fields := log.Fields{"deleted": result.Deleted, "batches": result.Batches}
	switch {
	case err != nil:
		s.logger.WithError(err).WithFields(fields).Warn("idempotency sweep failed")
	case result.Truncated:
		s.logger.WithFields(fields).Info("idempotency sweep hit batch limit, continuing next tick")
	case result.Deleted > 0:
		s.logger.WithFields(fields).Debug("idempotency sweep finished")
	}
}

// Sweep удаляет просроченные ключи порциями по BatchSize, не более MaxBatches порций.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	cutoff := s.now()

	for result.Batches < s.cfg.MaxBatches {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		deleted, err := s.repo.DeleteExpired(cutoff, s.cfg.BatchSize)
		if err != nil {
			return result, err
		}
		result.Batches++
		result.Deleted += deleted
		if deleted < s.cfg.BatchSize {
			return result, nil
		}
	}
	result.Truncated = true
	return result, nil
}
